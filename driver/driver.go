// Package driver is the boundary to the Olm/Megolm cryptographic primitives.
//
// The subsystem never touches ratchet math directly: all account and session
// state lives behind these handle interfaces, so the backing implementation
// can be swapped (native libolm binding, pure-Go goolm, or a scripted fake in
// tests) without changing any caller.
package driver

import (
	"maunium.net/go/mautrix/id"
)

// Driver creates and unpickles the primitive handles.
type Driver interface {
	NewAccount() (Account, error)
	UnpickleAccount(pickled, key []byte) (Account, error)

	UnpickleSession(pickled, key []byte) (Session, error)

	NewOutboundGroupSession() (OutboundGroupSession, error)
	UnpickleOutboundGroupSession(pickled, key []byte) (OutboundGroupSession, error)

	// NewInboundGroupSession creates an inbound session from a
	// session-sharing key (the format produced by OutboundGroupSession.Key).
	NewInboundGroupSession(sessionKey []byte) (InboundGroupSession, error)
	// ImportInboundGroupSession creates an inbound session from a previous
	// export (the format produced by InboundGroupSession.Export).
	ImportInboundGroupSession(exported []byte) (InboundGroupSession, error)
	UnpickleInboundGroupSession(pickled, key []byte) (InboundGroupSession, error)
}

// Account is this device's long-term Olm identity.
type Account interface {
	Pickle(key []byte) ([]byte, error)
	IdentityKeys() (signing id.Ed25519, identity id.Curve25519, err error)
	Sign(message []byte) ([]byte, error)
	OneTimeKeys() (map[string]id.Curve25519, error)
	GenOneTimeKeys(num uint) error
	MarkKeysAsPublished() error
	MaxNumberOfOneTimeKeys() uint
	NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (Session, error)
	NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (Session, error)
	RemoveOneTimeKeys(session Session) error
}

// Session is a pairwise Olm double-ratchet session.
type Session interface {
	Pickle(key []byte) ([]byte, error)
	ID() id.SessionID
	HasReceivedMessage() bool
	MatchesInbound(theirIdentityKey id.Curve25519, preKeyMessage string) (bool, error)
	Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error)
	Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error)
	Describe() string
}

// OutboundGroupSession is the sending side of a Megolm ratchet.
type OutboundGroupSession interface {
	Pickle(key []byte) ([]byte, error)
	ID() id.SessionID
	Encrypt(plaintext []byte) ([]byte, error)
	// MessageIndex is the index that will be assigned to the next message.
	MessageIndex() uint
	// Key exports the current ratchet state in session-sharing format.
	Key() (string, error)
}

// InboundGroupSession is the receiving side of a Megolm ratchet.
type InboundGroupSession interface {
	Pickle(key []byte) ([]byte, error)
	ID() id.SessionID
	Decrypt(ciphertext []byte) (plaintext []byte, index uint, err error)
	FirstKnownIndex() uint32
	Export(index uint32) ([]byte, error)
	IsVerified() bool
}

// SessionOrdering describes how an imported inbound session relates to an
// already-stored one.
type SessionOrdering int

const (
	// SessionUnconnected means the two sessions are distinct ratchets.
	SessionUnconnected SessionOrdering = iota
	// SessionEqual means both know the same range of the ratchet.
	SessionEqual
	// SessionBetter means the imported session reaches further back.
	SessionBetter
	// SessionWorse means the stored session reaches further back.
	SessionWorse
)

// CompareInbound orders an imported session against a stored one. A lower
// first known index can decrypt strictly more history and wins the merge.
func CompareInbound(stored, imported InboundGroupSession) SessionOrdering {
	if stored.ID() != imported.ID() {
		return SessionUnconnected
	}
	switch {
	case imported.FirstKnownIndex() < stored.FirstKnownIndex():
		return SessionBetter
	case imported.FirstKnownIndex() > stored.FirstKnownIndex():
		return SessionWorse
	default:
		return SessionEqual
	}
}
