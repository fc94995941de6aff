package keyflow

import "errors"

var (
	// ErrNoOutboundSession is returned by Encrypt when the room has no
	// current outbound megolm session; the caller must ensure one first.
	ErrNoOutboundSession = errors.New("no outbound megolm session for room")
	// ErrUnknownSession is returned when no inbound megolm session with
	// the given ID is stored.
	ErrUnknownSession = errors.New("no inbound megolm session with given ID")
	// ErrReplayDetected means a message index already maps to a different
	// event id. This is an integrity violation, not a decryption failure:
	// it may indicate a compromised or cloned session.
	ErrReplayDetected = errors.New("megolm message index already used by a different event")
	// ErrDecryptionFailed wraps driver-level MAC or format errors.
	ErrDecryptionFailed = errors.New("megolm decryption failed")
	// ErrMismatchedSessionID means imported key material decoded to a
	// different session than it claimed to be.
	ErrMismatchedSessionID = errors.New("mismatched session ID in imported key")

	// ErrNoIdentityKey means the recipient device is unknown, so no olm
	// session can be established to it.
	ErrNoIdentityKey = errors.New("no identity key known for device")
	// ErrKeyClaimExhausted means the recipient has no one-time keys left
	// to claim. Recoverable by retry once the device uploads more.
	ErrKeyClaimExhausted = errors.New("no one-time key available to claim")
	// ErrNotEncryptedForMe means an olm envelope carries no ciphertext
	// for this device's identity key.
	ErrNotEncryptedForMe = errors.New("olm envelope not encrypted for this device")
	// ErrSenderMismatch means the olm plaintext metadata does not match
	// the envelope it arrived in.
	ErrSenderMismatch = errors.New("mismatched sender in olm payload")
	// ErrRecipientMismatch means the olm plaintext was intended for a
	// different user or device key.
	ErrRecipientMismatch = errors.New("mismatched recipient in olm payload")

	// ErrBackupVersionConflict means the server-side backup moved to a
	// newer version; the caller must re-fetch the current version before
	// retrying.
	ErrBackupVersionConflict = errors.New("key backup version conflict")
	// ErrNoBackupKey means the backup decryption key is not cached and
	// could not be recovered.
	ErrNoBackupKey = errors.New("megolm backup key not available")

	// ErrAccountNotLoaded is returned when an operation needs the olm
	// account before Load has run.
	ErrAccountNotLoaded = errors.New("olm account not loaded")
)
