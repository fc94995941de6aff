package driver

import (
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// olmDriver binds the handle interfaces to maunium.net/go/mautrix/crypto/olm
// (goolm by default, libolm with the appropriate build tag).
type olmDriver struct{}

// NewOlmDriver returns the production driver backed by the mautrix olm
// bindings.
func NewOlmDriver() Driver {
	return olmDriver{}
}

func (olmDriver) NewAccount() (Account, error) {
	acc, err := olm.NewAccount()
	if err != nil {
		return nil, err
	}
	return olmAccount{acc}, nil
}

func (olmDriver) UnpickleAccount(pickled, key []byte) (Account, error) {
	acc, err := olm.AccountFromPickled(pickled, key)
	if err != nil {
		return nil, err
	}
	return olmAccount{acc}, nil
}

func (olmDriver) UnpickleSession(pickled, key []byte) (Session, error) {
	sess, err := olm.SessionFromPickled(pickled, key)
	if err != nil {
		return nil, err
	}
	return olmSession{sess}, nil
}

func (olmDriver) NewOutboundGroupSession() (OutboundGroupSession, error) {
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	return olmOutboundGroupSession{sess}, nil
}

func (olmDriver) UnpickleOutboundGroupSession(pickled, key []byte) (OutboundGroupSession, error) {
	sess, err := olm.OutboundGroupSessionFromPickled(pickled, key)
	if err != nil {
		return nil, err
	}
	return olmOutboundGroupSession{sess}, nil
}

func (olmDriver) NewInboundGroupSession(sessionKey []byte) (InboundGroupSession, error) {
	sess, err := olm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, err
	}
	return olmInboundGroupSession{sess}, nil
}

func (olmDriver) ImportInboundGroupSession(exported []byte) (InboundGroupSession, error) {
	sess, err := olm.InboundGroupSessionImport(exported)
	if err != nil {
		return nil, err
	}
	return olmInboundGroupSession{sess}, nil
}

func (olmDriver) UnpickleInboundGroupSession(pickled, key []byte) (InboundGroupSession, error) {
	sess, err := olm.InboundGroupSessionFromPickled(pickled, key)
	if err != nil {
		return nil, err
	}
	return olmInboundGroupSession{sess}, nil
}

type olmAccount struct {
	inner olm.Account
}

func (a olmAccount) Pickle(key []byte) ([]byte, error) { return a.inner.Pickle(key) }

func (a olmAccount) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	return a.inner.IdentityKeys()
}

func (a olmAccount) Sign(message []byte) ([]byte, error) { return a.inner.Sign(message) }

func (a olmAccount) OneTimeKeys() (map[string]id.Curve25519, error) {
	return a.inner.OneTimeKeys()
}

func (a olmAccount) GenOneTimeKeys(num uint) error { return a.inner.GenOneTimeKeys(num) }

func (a olmAccount) MarkKeysAsPublished() error {
	a.inner.MarkKeysAsPublished()
	return nil
}

func (a olmAccount) MaxNumberOfOneTimeKeys() uint { return a.inner.MaxNumberOfOneTimeKeys() }

func (a olmAccount) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (Session, error) {
	sess, err := a.inner.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	return olmSession{sess}, nil
}

func (a olmAccount) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (Session, error) {
	sess, err := a.inner.NewInboundSessionFrom(&theirIdentityKey, preKeyMessage)
	if err != nil {
		return nil, err
	}
	return olmSession{sess}, nil
}

func (a olmAccount) RemoveOneTimeKeys(session Session) error {
	wrapped, ok := session.(olmSession)
	if !ok {
		return nil
	}
	return a.inner.RemoveOneTimeKeys(wrapped.inner)
}

type olmSession struct {
	inner olm.Session
}

func (s olmSession) Pickle(key []byte) ([]byte, error) { return s.inner.Pickle(key) }

func (s olmSession) ID() id.SessionID { return s.inner.ID() }

func (s olmSession) HasReceivedMessage() bool { return s.inner.HasReceivedMessage() }

func (s olmSession) MatchesInbound(theirIdentityKey id.Curve25519, preKeyMessage string) (bool, error) {
	return s.inner.MatchesInboundSessionFrom(theirIdentityKey.String(), preKeyMessage)
}

func (s olmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	return s.inner.Encrypt(plaintext)
}

func (s olmSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	return s.inner.Decrypt(ciphertext, msgType)
}

func (s olmSession) Describe() string { return s.inner.Describe() }

type olmOutboundGroupSession struct {
	inner olm.OutboundGroupSession
}

func (s olmOutboundGroupSession) Pickle(key []byte) ([]byte, error) { return s.inner.Pickle(key) }

func (s olmOutboundGroupSession) ID() id.SessionID { return s.inner.ID() }

func (s olmOutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	return s.inner.Encrypt(plaintext)
}

func (s olmOutboundGroupSession) MessageIndex() uint { return s.inner.MessageIndex() }

func (s olmOutboundGroupSession) Key() (string, error) {
	return s.inner.Key(), nil
}

type olmInboundGroupSession struct {
	inner olm.InboundGroupSession
}

func (s olmInboundGroupSession) Pickle(key []byte) ([]byte, error) { return s.inner.Pickle(key) }

func (s olmInboundGroupSession) ID() id.SessionID { return s.inner.ID() }

func (s olmInboundGroupSession) Decrypt(ciphertext []byte) ([]byte, uint, error) {
	return s.inner.Decrypt(ciphertext)
}

func (s olmInboundGroupSession) FirstKnownIndex() uint32 { return s.inner.FirstKnownIndex() }

func (s olmInboundGroupSession) Export(index uint32) ([]byte, error) {
	return s.inner.Export(index)
}

func (s olmInboundGroupSession) IsVerified() bool { return s.inner.IsVerified() }
