package keyflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/driver"
	"github.com/arko-chat/keyflow/store"
)

// fakeDriver is a scripted stand-in for the olm binding. Ciphertexts are
// structured strings carrying the session id, message index and base64
// plaintext, which makes ratchet behaviour (session matching, index
// assignment, merge ordering) observable without any real crypto.
type fakeDriver struct{}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{}
}

// fakeCounter is global so machines in the same test never collide on
// identity keys or session ids.
var fakeCounter atomic.Int64

func (d *fakeDriver) next(kind string) string {
	return fmt.Sprintf("%s-%d", kind, fakeCounter.Add(1))
}

type fakeAccountState struct {
	Name        string                   `json:"name"`
	OneTimeKeys map[string]id.Curve25519 `json:"one_time_keys"`
	NextOTK     int                      `json:"next_otk"`
}

type fakeAccount struct {
	d     *fakeDriver
	state fakeAccountState
}

func (d *fakeDriver) NewAccount() (driver.Account, error) {
	return &fakeAccount{d: d, state: fakeAccountState{
		Name:        d.next("acct"),
		OneTimeKeys: make(map[string]id.Curve25519),
	}}, nil
}

func (d *fakeDriver) UnpickleAccount(pickled, key []byte) (driver.Account, error) {
	acct := &fakeAccount{d: d}
	if err := json.Unmarshal(pickled, &acct.state); err != nil {
		return nil, err
	}
	return acct, nil
}

func (a *fakeAccount) Pickle(key []byte) ([]byte, error) {
	return json.Marshal(a.state)
}

func (a *fakeAccount) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	return id.Ed25519(a.state.Name + ":ed"), id.Curve25519(a.state.Name + ":curve"), nil
}

func (a *fakeAccount) Sign(message []byte) ([]byte, error) {
	return []byte("sig:" + a.state.Name), nil
}

func (a *fakeAccount) OneTimeKeys() (map[string]id.Curve25519, error) {
	return a.state.OneTimeKeys, nil
}

func (a *fakeAccount) GenOneTimeKeys(num uint) error {
	for i := uint(0); i < num; i++ {
		a.state.NextOTK++
		keyID := strconv.Itoa(a.state.NextOTK)
		a.state.OneTimeKeys[keyID] = id.Curve25519(fmt.Sprintf("%s:otk%d", a.state.Name, a.state.NextOTK))
	}
	return nil
}

func (a *fakeAccount) MarkKeysAsPublished() error { return nil }

func (a *fakeAccount) MaxNumberOfOneTimeKeys() uint { return 50 }

func (a *fakeAccount) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (driver.Session, error) {
	return &fakeOlmSession{d: a.d, state: fakeOlmState{ID: id.SessionID(a.d.next("olm"))}}, nil
}

func (a *fakeAccount) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (driver.Session, error) {
	sessionID, _, err := splitOlmBody(preKeyMessage)
	if err != nil {
		return nil, err
	}
	return &fakeOlmSession{d: a.d, state: fakeOlmState{ID: sessionID}}, nil
}

func (a *fakeAccount) RemoveOneTimeKeys(session driver.Session) error { return nil }

type fakeOlmState struct {
	ID       id.SessionID `json:"id"`
	Received bool         `json:"received"`
}

type fakeOlmSession struct {
	d     *fakeDriver
	state fakeOlmState
}

func (d *fakeDriver) UnpickleSession(pickled, key []byte) (driver.Session, error) {
	sess := &fakeOlmSession{d: d}
	if err := json.Unmarshal(pickled, &sess.state); err != nil {
		return nil, err
	}
	return sess, nil
}

func splitOlmBody(body string) (id.SessionID, []byte, error) {
	parts := strings.SplitN(body, "|", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("malformed fake olm body")
	}
	plaintext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, err
	}
	return id.SessionID(parts[0]), plaintext, nil
}

func (s *fakeOlmSession) Pickle(key []byte) ([]byte, error) { return json.Marshal(s.state) }

func (s *fakeOlmSession) ID() id.SessionID { return s.state.ID }

func (s *fakeOlmSession) HasReceivedMessage() bool { return s.state.Received }

func (s *fakeOlmSession) MatchesInbound(theirIdentityKey id.Curve25519, preKeyMessage string) (bool, error) {
	sessionID, _, err := splitOlmBody(preKeyMessage)
	if err != nil {
		return false, err
	}
	return sessionID == s.state.ID, nil
}

func (s *fakeOlmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	msgType := id.OlmMsgTypePreKey
	if s.state.Received {
		msgType = id.OlmMsgTypeMsg
	}
	body := string(s.state.ID) + "|" + base64.StdEncoding.EncodeToString(plaintext)
	return msgType, []byte(body), nil
}

func (s *fakeOlmSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	sessionID, plaintext, err := splitOlmBody(ciphertext)
	if err != nil {
		return nil, err
	}
	if sessionID != s.state.ID {
		return nil, fmt.Errorf("fake olm: ciphertext for session %s, not %s", sessionID, s.state.ID)
	}
	s.state.Received = true
	return plaintext, nil
}

func (s *fakeOlmSession) Describe() string { return "fake olm session " + string(s.state.ID) }

type fakeOutboundState struct {
	ID    id.SessionID `json:"id"`
	Index uint         `json:"index"`
}

type fakeOutboundGroupSession struct {
	state fakeOutboundState
}

func (d *fakeDriver) NewOutboundGroupSession() (driver.OutboundGroupSession, error) {
	return &fakeOutboundGroupSession{state: fakeOutboundState{ID: id.SessionID(d.next("megolm"))}}, nil
}

func (d *fakeDriver) UnpickleOutboundGroupSession(pickled, key []byte) (driver.OutboundGroupSession, error) {
	sess := &fakeOutboundGroupSession{}
	if err := json.Unmarshal(pickled, &sess.state); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *fakeOutboundGroupSession) Pickle(key []byte) ([]byte, error) { return json.Marshal(s.state) }

func (s *fakeOutboundGroupSession) ID() id.SessionID { return s.state.ID }

func (s *fakeOutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	ct := fmt.Sprintf("mg|%s|%d|%s", s.state.ID, s.state.Index, base64.StdEncoding.EncodeToString(plaintext))
	s.state.Index++
	return []byte(ct), nil
}

func (s *fakeOutboundGroupSession) MessageIndex() uint { return s.state.Index }

func (s *fakeOutboundGroupSession) Key() (string, error) {
	return exportKey(s.state.ID, uint32(s.state.Index)), nil
}

// exportKey is the fake session-sharing/export format: the session id plus
// the first index the material can decrypt from.
func exportKey(sessionID id.SessionID, firstIndex uint32) string {
	return fmt.Sprintf("sk|%s|%d", sessionID, firstIndex)
}

func parseExportKey(raw []byte) (id.SessionID, uint32, error) {
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 || parts[0] != "sk" {
		return "", 0, fmt.Errorf("malformed fake session key %q", raw)
	}
	first, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return "", 0, err
	}
	return id.SessionID(parts[1]), uint32(first), nil
}

type fakeInboundState struct {
	ID    id.SessionID `json:"id"`
	First uint32       `json:"first"`
}

type fakeInboundGroupSession struct {
	state fakeInboundState
}

func (d *fakeDriver) NewInboundGroupSession(sessionKey []byte) (driver.InboundGroupSession, error) {
	sessionID, first, err := parseExportKey(sessionKey)
	if err != nil {
		return nil, err
	}
	return &fakeInboundGroupSession{state: fakeInboundState{ID: sessionID, First: first}}, nil
}

func (d *fakeDriver) ImportInboundGroupSession(exported []byte) (driver.InboundGroupSession, error) {
	return d.NewInboundGroupSession(exported)
}

func (d *fakeDriver) UnpickleInboundGroupSession(pickled, key []byte) (driver.InboundGroupSession, error) {
	sess := &fakeInboundGroupSession{}
	if err := json.Unmarshal(pickled, &sess.state); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *fakeInboundGroupSession) Pickle(key []byte) ([]byte, error) { return json.Marshal(s.state) }

func (s *fakeInboundGroupSession) ID() id.SessionID { return s.state.ID }

func (s *fakeInboundGroupSession) Decrypt(ciphertext []byte) ([]byte, uint, error) {
	parts := strings.Split(string(ciphertext), "|")
	if len(parts) != 4 || parts[0] != "mg" {
		return nil, 0, fmt.Errorf("malformed fake megolm ciphertext")
	}
	if id.SessionID(parts[1]) != s.state.ID {
		return nil, 0, fmt.Errorf("fake megolm: ciphertext for session %s, not %s", parts[1], s.state.ID)
	}
	index, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return nil, 0, err
	}
	if uint32(index) < s.state.First {
		return nil, 0, fmt.Errorf("fake megolm: index %d before first known %d", index, s.state.First)
	}
	plaintext, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, 0, err
	}
	return plaintext, uint(index), nil
}

func (s *fakeInboundGroupSession) FirstKnownIndex() uint32 { return s.state.First }

func (s *fakeInboundGroupSession) Export(index uint32) ([]byte, error) {
	if index < s.state.First {
		return nil, fmt.Errorf("fake megolm: cannot export before first known index")
	}
	return []byte(exportKey(s.state.ID, index)), nil
}

func (s *fakeInboundGroupSession) IsVerified() bool { return true }

// sentMessage is one SendToDevice call captured by the recording sender.
type sentMessage struct {
	EventType string
	Messages  map[id.UserID]map[id.DeviceID]json.RawMessage
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	// onSend, when set, runs before each send is recorded. Tests use it to
	// interleave state changes with an in-flight delivery.
	onSend func(eventType string)
}

func (r *recordingSender) SendToDevice(ctx context.Context, eventType string, messages map[id.UserID]map[id.DeviceID]json.RawMessage) error {
	if r.onSend != nil {
		r.onSend(eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{EventType: eventType, Messages: messages})
	return nil
}

func (r *recordingSender) take() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

type fakeClaimer struct {
	exhausted bool
	claims    atomic.Int64
}

func (c *fakeClaimer) ClaimOneTimeKey(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (id.Curve25519, error) {
	if c.exhausted {
		return "", ErrKeyClaimExhausted
	}
	c.claims.Add(1)
	return id.Curve25519(fmt.Sprintf("otk:%s:%s", userID, deviceID)), nil
}

// fakeAccountData serves canned account-data events.
type fakeAccountData struct {
	events map[string]json.RawMessage
}

func (f *fakeAccountData) GetAccountData(ctx context.Context, eventType string) (json.RawMessage, error) {
	return f.events[eventType], nil
}

// fakeBackupClient is a scripted server-side key backup.
type fakeBackupClient struct {
	info     *BackupVersionInfo
	keys     map[id.RoomID]map[id.SessionID]*BackupSessionData
	failPut  map[id.SessionID]error
	putCalls int
}

func newFakeBackupClient(info *BackupVersionInfo) *fakeBackupClient {
	return &fakeBackupClient{
		info:    info,
		keys:    make(map[id.RoomID]map[id.SessionID]*BackupSessionData),
		failPut: make(map[id.SessionID]error),
	}
}

func (c *fakeBackupClient) GetVersion(ctx context.Context) (*BackupVersionInfo, error) {
	return c.info, nil
}

func (c *fakeBackupClient) PutKeys(ctx context.Context, version id.KeyBackupVersion, rooms map[id.RoomID]map[id.SessionID]*BackupSessionData) (string, int, error) {
	c.putCalls++
	for roomID, sessions := range rooms {
		for sessionID, entry := range sessions {
			if err := c.failPut[sessionID]; err != nil {
				return "", 0, err
			}
			if c.keys[roomID] == nil {
				c.keys[roomID] = make(map[id.SessionID]*BackupSessionData)
			}
			c.keys[roomID][sessionID] = entry
		}
	}
	count := 0
	for _, sessions := range c.keys {
		count += len(sessions)
	}
	return fmt.Sprintf("etag-%d", c.putCalls), count, nil
}

func (c *fakeBackupClient) GetKeys(ctx context.Context, version id.KeyBackupVersion) (map[id.RoomID]map[id.SessionID]*BackupSessionData, error) {
	return c.keys, nil
}

type testEnv struct {
	machine     *Machine
	store       *store.MemoryStore
	sender      *recordingSender
	claimer     *fakeClaimer
	accountData *fakeAccountData
	backup      *fakeBackupClient
}

func newTestEnv(t *testing.T, userID id.UserID, deviceID id.DeviceID, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := Config{
		UserID:    userID,
		DeviceID:  deviceID,
		PickleKey: []byte("test-pickle-key"),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	env := &testEnv{
		store:       store.NewMemoryStore(),
		sender:      &recordingSender{},
		claimer:     &fakeClaimer{},
		accountData: &fakeAccountData{events: make(map[string]json.RawMessage)},
		backup:      newFakeBackupClient(nil),
	}
	machine, err := New(cfg, Deps{
		Driver:      newFakeDriver(),
		Store:       env.store,
		Sender:      env.sender,
		Claimer:     env.claimer,
		AccountData: env.accountData,
		Backup:      env.backup,
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := machine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	env.machine = machine
	return env
}

// registerPeer records another machine's device identity in this env's store.
func (e *testEnv) registerPeer(t *testing.T, peer *Machine, trust id.TrustState) *store.Device {
	t.Helper()
	signingKey, identityKey, err := peer.OwnIdentityKeys()
	if err != nil {
		t.Fatalf("OwnIdentityKeys: %v", err)
	}
	device := &store.Device{
		UserID:      peer.cfg.UserID,
		DeviceID:    peer.cfg.DeviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       trust,
	}
	if err := e.store.PutDevice(context.Background(), device); err != nil {
		t.Fatalf("PutDevice: %v", err)
	}
	return device
}

// deliver feeds captured to-device sends from one env into another machine's
// batch handler, as the sync pump would.
func deliver(t *testing.T, from *testEnv, to *testEnv) {
	t.Helper()
	var batch []ToDeviceEvent
	for _, msg := range from.sender.take() {
		for userID, devices := range msg.Messages {
			if userID != to.machine.cfg.UserID {
				continue
			}
			for deviceID, content := range devices {
				if deviceID != to.machine.cfg.DeviceID {
					continue
				}
				batch = append(batch, ToDeviceEvent{
					Sender:  from.machine.cfg.UserID,
					Type:    msg.EventType,
					Content: content,
				})
			}
		}
	}
	to.machine.HandleToDeviceBatch(context.Background(), batch)
}
