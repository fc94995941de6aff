// Package keyflow implements the end-to-end-encryption key lifecycle and
// distribution core of a Matrix client: outbound/inbound megolm session
// management, olm-encrypted key requests and forwards, secret sharing,
// server-side key backup, and the device trust computation gating all of it.
//
// The package owns no transport: sync batches are pushed in through
// HandleToDeviceBatch and outgoing traffic leaves through the ToDeviceSender
// and BackupClient collaborators supplied at construction.
package keyflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/event"
	"github.com/arko-chat/keyflow/store"
)

// RotationPolicy controls when the outbound megolm session of a room is
// replaced. Zero values fall back to the conventional Matrix defaults.
type RotationPolicy struct {
	// MaxAge is the maximum lifetime of an outbound session.
	MaxAge time.Duration
	// MaxMessages is the maximum number of messages encrypted with one
	// session.
	MaxMessages int
	// RotateOnDeviceChange forces a fresh session whenever the target
	// device set contains a device the current session was never shared
	// with.
	RotateOnDeviceChange bool
}

func (p RotationPolicy) withDefaults() RotationPolicy {
	if p.MaxAge == 0 {
		p.MaxAge = 7 * 24 * time.Hour
	}
	if p.MaxMessages == 0 {
		p.MaxMessages = 100
	}
	return p
}

// Config carries the per-account parameters of the subsystem.
type Config struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	PickleKey []byte

	Rotation RotationPolicy

	// AllowUnverifiedRequests answers room key requests from unverified
	// devices of the same user. Off by default; leave it off.
	AllowUnverifiedRequests bool
	// ExperimentalDehydration enables creation of the dehydrated-device
	// key when it is missing (MSC3814).
	ExperimentalDehydration bool
}

// ToDeviceSender delivers encrypted or plaintext to-device payloads.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, eventType string, messages map[id.UserID]map[id.DeviceID]json.RawMessage) error
}

// KeyClaimer claims a signed one-time key from another device, returning
// ErrKeyClaimExhausted when the device has none left.
type KeyClaimer interface {
	ClaimOneTimeKey(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (id.Curve25519, error)
}

// AccountDataSource reads this user's account-data events. A (nil, nil)
// return means the event does not exist.
type AccountDataSource interface {
	GetAccountData(ctx context.Context, eventType string) (json.RawMessage, error)
}

// ToDeviceEvent is one raw to-device event delivered by the sync pump.
type ToDeviceEvent struct {
	Sender  id.UserID
	Type    string
	Content json.RawMessage
}

// Deps are the external collaborators of the subsystem, passed explicitly so
// the whole thing can be constructed and tested without any container.
type Deps struct {
	Driver      driver.Driver
	Store       store.Store
	Sender      ToDeviceSender
	Claimer     KeyClaimer
	AccountData AccountDataSource
	Backup      BackupClient
	Log         zerolog.Logger
}

// Machine is the composition root owning the account, the serialized crypto
// execution context, and the per-concern services.
type Machine struct {
	cfg      Config
	log      zerolog.Logger
	driver   driver.Driver
	store    store.Store
	sender   ToDeviceSender
	registry *event.Registry

	// cryptoLock serializes every ratchet mutation. Ratchet math is
	// non-commutative, so all account/session advancement happens inside
	// this lock and never awaits while holding it.
	cryptoLock sync.Mutex
	account    driver.Account
	accountRec *store.Account

	waiterLock     sync.Mutex
	sessionWaiters map[id.SessionID]*sessionWaiter

	Olm      *OlmEncryptionService
	Megolm   *MegolmSessionManager
	Trust    *KeyTrustService
	Incoming *IncomingRoomKeyRequestHandler
	Outgoing *OutgoingRoomKeyRequestHandler
	Secrets  *KeySecretService
	Backup   *KeyBackupService
}

// New wires the subsystem. Everything is explicit: no globals, no registry
// of singletons, all collaborators come in through deps.
func New(cfg Config, deps Deps) (*Machine, error) {
	if deps.Driver == nil || deps.Store == nil || deps.Sender == nil {
		return nil, fmt.Errorf("keyflow: driver, store and sender are required")
	}
	if len(cfg.PickleKey) == 0 {
		return nil, fmt.Errorf("keyflow: pickle key is required")
	}
	cfg.Rotation = cfg.Rotation.withDefaults()

	m := &Machine{
		cfg:            cfg,
		log:            deps.Log.With().Str("component", "keyflow").Logger(),
		driver:         deps.Driver,
		store:          deps.Store,
		sender:         deps.Sender,
		registry:       event.NewRegistry(),
		sessionWaiters: make(map[id.SessionID]*sessionWaiter),
	}
	m.Trust = newKeyTrustService(m)
	m.Olm = newOlmEncryptionService(m, deps.Claimer)
	m.Megolm = newMegolmSessionManager(m)
	m.Incoming = newIncomingRoomKeyRequestHandler(m)
	m.Outgoing = newOutgoingRoomKeyRequestHandler(m)
	m.Secrets = newKeySecretService(m, deps.AccountData)
	m.Backup = newKeyBackupService(m, deps.Backup)
	return m, nil
}

// Load unpickles the stored olm account or creates a fresh one. Must be
// called once before any other operation.
func (m *Machine) Load(ctx context.Context) error {
	m.cryptoLock.Lock()
	defer m.cryptoLock.Unlock()

	rec, err := m.store.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if rec != nil {
		account, err := m.driver.UnpickleAccount(rec.Pickled, m.cfg.PickleKey)
		if err != nil {
			return fmt.Errorf("unpickle account: %w", err)
		}
		m.account = account
		m.accountRec = rec
		return nil
	}

	account, err := m.driver.NewAccount()
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	pickled, err := account.Pickle(m.cfg.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle new account: %w", err)
	}
	rec = &store.Account{Pickled: pickled}
	if err := m.store.PutAccount(ctx, rec); err != nil {
		return fmt.Errorf("persist new account: %w", err)
	}
	m.account = account
	m.accountRec = rec
	m.log.Info().Msg("Created new olm account")
	return nil
}

// OwnIdentityKeys returns this device's signing and identity keys.
func (m *Machine) OwnIdentityKeys() (id.Ed25519, id.Curve25519, error) {
	m.cryptoLock.Lock()
	defer m.cryptoLock.Unlock()
	if m.account == nil {
		return "", "", ErrAccountNotLoaded
	}
	return m.account.IdentityKeys()
}

// Store exposes the underlying persistence, for inspection tooling.
func (m *Machine) Store() store.Store {
	return m.store
}

// persistAccount re-pickles the account after a mutation. Callers must hold
// cryptoLock.
func (m *Machine) persistAccount(ctx context.Context) error {
	pickled, err := m.account.Pickle(m.cfg.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle account: %w", err)
	}
	m.accountRec.Pickled = pickled
	return m.store.PutAccount(ctx, m.accountRec)
}

// HandleToDeviceBatch processes one sync batch of to-device events and then
// runs the deferred resolution hooks exactly once. Resolution is batched, not
// per-event, so a request and its cancellation arriving together never
// produce an answer.
func (m *Machine) HandleToDeviceBatch(ctx context.Context, batch []ToDeviceEvent) {
	log := m.log.With().Int("batch_size", len(batch)).Logger()
	ctx = log.WithContext(ctx)
	for _, evt := range batch {
		m.handleToDeviceEvent(ctx, evt)
	}
	m.Incoming.ResolvePending(ctx)
	m.Secrets.ResolvePending(ctx)
}

func (m *Machine) handleToDeviceEvent(ctx context.Context, evt ToDeviceEvent) {
	log := zerolog.Ctx(ctx).With().
		Str("type", evt.Type).
		Str("sender", evt.Sender.String()).
		Logger()

	content, err := m.registry.Decode(evt.Type, evt.Content)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping undecodable to-device event")
		return
	}
	switch content := content.(type) {
	case *event.RoomKeyRequest:
		m.Incoming.HandleRequest(ctx, evt.Sender, content)
	case *event.SecretRequest:
		m.Secrets.HandleRequest(ctx, evt.Sender, content)
	case *event.EncryptedOlm:
		m.handleOlmEnvelope(log.WithContext(ctx), evt.Sender, content)
	case *event.Unknown:
		log.Trace().Msg("Ignoring unhandled to-device event type")
	default:
		log.Debug().Msg("Ignoring to-device event with no handler")
	}
}

func (m *Machine) handleOlmEnvelope(ctx context.Context, sender id.UserID, envelope *event.EncryptedOlm) {
	log := zerolog.Ctx(ctx)
	decrypted, err := m.Olm.DecryptOlm(ctx, sender, envelope)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decrypt olm envelope")
		return
	}
	inner, err := m.registry.Decode(decrypted.Type, decrypted.Content)
	if err != nil {
		log.Warn().Err(err).Str("inner_type", decrypted.Type).Msg("Dropping undecodable olm payload")
		return
	}
	switch inner := inner.(type) {
	case *event.RoomKey:
		m.Megolm.ReceiveRoomKey(ctx, decrypted, inner)
	case *event.ForwardedRoomKey:
		m.Outgoing.HandleForwardedRoomKey(ctx, decrypted, inner)
	case *event.SecretSend:
		m.Secrets.HandleSecretSend(ctx, decrypted, inner)
	case *event.Dummy:
		// Session-establishment ping, the decrypt already did the work.
	default:
		log.Debug().Str("inner_type", decrypted.Type).Msg("Ignoring olm payload with no handler")
	}
}

// sessionWaiter is one notification channel shared by every waiter of a
// session, refcounted so abandoned entries don't pile up in the map.
type sessionWaiter struct {
	ch   chan struct{}
	refs int
}

// WaitForSession blocks until the inbound session arrives, the timeout
// expires, or the context is cancelled. Returns true when the session is
// available.
func (m *Machine) WaitForSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, timeout time.Duration) bool {
	m.waiterLock.Lock()
	waiter, ok := m.sessionWaiters[sessionID]
	if !ok {
		waiter = &sessionWaiter{ch: make(chan struct{})}
		m.sessionWaiters[sessionID] = waiter
	}
	waiter.refs++
	m.waiterLock.Unlock()
	defer m.releaseWaiter(sessionID, waiter)

	if sess, err := m.store.GetInboundGroupSession(ctx, roomID, sessionID); err == nil && sess != nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// releaseWaiter drops one reference and removes the map entry once the last
// waiter is gone, unless markSessionReceived already replaced or removed it.
func (m *Machine) releaseWaiter(sessionID id.SessionID, waiter *sessionWaiter) {
	m.waiterLock.Lock()
	defer m.waiterLock.Unlock()
	waiter.refs--
	if waiter.refs == 0 && m.sessionWaiters[sessionID] == waiter {
		delete(m.sessionWaiters, sessionID)
	}
}

func (m *Machine) markSessionReceived(sessionID id.SessionID) {
	m.waiterLock.Lock()
	defer m.waiterLock.Unlock()
	if waiter, ok := m.sessionWaiters[sessionID]; ok {
		close(waiter.ch)
		delete(m.sessionWaiters, sessionID)
	}
}

// RedactRoomSessions drops all megolm state for a room, for use when this
// user leaves it.
func (m *Machine) RedactRoomSessions(ctx context.Context, roomID id.RoomID) error {
	return m.store.DeleteRoomSessions(ctx, roomID)
}

// sendToDevice marshals one content payload per target device and hands the
// batch to the transport.
func (m *Machine) sendToDevice(ctx context.Context, eventType string, messages map[id.UserID]map[id.DeviceID]any) error {
	raw := make(map[id.UserID]map[id.DeviceID]json.RawMessage, len(messages))
	for userID, devices := range messages {
		raw[userID] = make(map[id.DeviceID]json.RawMessage, len(devices))
		for deviceID, content := range devices {
			encoded, err := json.Marshal(content)
			if err != nil {
				return fmt.Errorf("marshal to-device content: %w", err)
			}
			raw[userID][deviceID] = encoded
		}
	}
	return m.sender.SendToDevice(ctx, eventType, raw)
}
