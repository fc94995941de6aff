package keyflow

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/store"
)

// KeyTrustService computes device trust from local verification marks and the
// cross-signing signature graph. Results are cached; any change to the
// signature graph flushes the cache wholesale rather than tracking which
// entries a signature could reach.
type KeyTrustService struct {
	m     *Machine
	cache *lru.Cache[string, id.TrustState]
}

func newKeyTrustService(m *Machine) *KeyTrustService {
	cache, _ := lru.New[string, id.TrustState](512)
	return &KeyTrustService{m: m, cache: cache}
}

// ResolveDeviceTrust returns the trust state of a device. Local verification
// marks win over the signature graph in both directions: a blacklisted device
// stays blacklisted no matter what signatures exist.
func (t *KeyTrustService) ResolveDeviceTrust(ctx context.Context, device *store.Device) id.TrustState {
	switch device.Trust {
	case id.TrustStateBlacklisted, id.TrustStateVerified:
		return device.Trust
	}
	cacheKey := store.DeviceKey(device.UserID, device.DeviceID)
	if state, ok := t.cache.Get(cacheKey); ok {
		return state
	}
	state := t.resolveCrossSigned(ctx, device)
	t.cache.Add(cacheKey, state)
	return state
}

func (t *KeyTrustService) resolveCrossSigned(ctx context.Context, device *store.Device) id.TrustState {
	log := zerolog.Ctx(ctx)
	keys, err := t.m.store.GetCrossSigningKeys(ctx, device.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", device.UserID.String()).Msg("Failed to load cross-signing keys")
		return id.TrustStateUnset
	}
	master, haveMaster := keys[id.XSUsageMaster]
	selfSigning, haveSelf := keys[id.XSUsageSelfSigning]
	if !haveMaster || !haveSelf {
		return id.TrustStateUnset
	}

	sskSigned, err := t.m.store.IsKeySignedBy(ctx, device.UserID, selfSigning.Key, device.UserID, master.Key)
	if err != nil || !sskSigned {
		return id.TrustStateUnset
	}
	deviceSigned, err := t.m.store.IsKeySignedBy(ctx, device.UserID, device.SigningKey, device.UserID, selfSigning.Key)
	if err != nil || !deviceSigned {
		return id.TrustStateUnset
	}

	trusted, err := t.isMasterTrusted(ctx, device.UserID, master)
	if err != nil {
		log.Warn().Err(err).Str("user_id", device.UserID.String()).Msg("Failed to resolve master key trust")
		return id.TrustStateCrossSignedUntrusted
	}
	if trusted {
		return id.TrustStateCrossSignedVerified
	}
	return id.TrustStateCrossSignedTOFU
}

// isMasterTrusted reports whether a user's master key is anchored to
// something this device trusts: for ourselves a signature by this very
// device, for others a signature by our own user-signing key.
func (t *KeyTrustService) isMasterTrusted(ctx context.Context, userID id.UserID, master *store.CrossSigningKey) (bool, error) {
	ownSigningKey, _, err := t.m.OwnIdentityKeys()
	if err != nil {
		return false, err
	}
	if userID == t.m.cfg.UserID {
		return t.m.store.IsKeySignedBy(ctx, userID, master.Key, t.m.cfg.UserID, ownSigningKey)
	}
	ownKeys, err := t.m.store.GetCrossSigningKeys(ctx, t.m.cfg.UserID)
	if err != nil {
		return false, err
	}
	userSigning, ok := ownKeys[id.XSUsageUserSigning]
	if !ok {
		return false, nil
	}
	return t.m.store.IsKeySignedBy(ctx, userID, master.Key, t.m.cfg.UserID, userSigning.Key)
}

// IsDeviceVerified reports whether a device may be answered with key
// material: locally verified or fully cross-signed.
func (t *KeyTrustService) IsDeviceVerified(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (bool, error) {
	device, err := t.m.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return false, fmt.Errorf("look up device: %w", err)
	}
	if device == nil || device.Deleted {
		return false, nil
	}
	switch t.ResolveDeviceTrust(ctx, device) {
	case id.TrustStateVerified, id.TrustStateCrossSignedVerified:
		return true, nil
	}
	return false, nil
}

// RegisterSignature stores a verified signature and the corresponding trust
// chain link, then flushes the trust cache.
func (t *KeyTrustService) RegisterSignature(ctx context.Context, sig *store.KeySignature) error {
	err := t.m.store.DoTxn(ctx, func(ctx context.Context) error {
		if err := t.m.store.PutSignature(ctx, sig); err != nil {
			return err
		}
		return t.m.store.PutKeyChainLink(ctx, &store.KeyChainLink{
			SignerUserID: sig.SignerUserID,
			SignerKey:    sig.SignerKey,
			SignedUserID: sig.SignedUserID,
			SignedKey:    sig.SignedKey,
		})
	})
	if err != nil {
		return fmt.Errorf("register signature: %w", err)
	}
	t.cache.Purge()
	return nil
}

// RevokeKey drops every signature a key has made and walks the chain links to
// revoke the keys it vouched for, so trust derived through a compromised key
// disappears transitively.
func (t *KeyTrustService) RevokeKey(ctx context.Context, userID id.UserID, key id.Ed25519) error {
	defer t.cache.Purge()
	return t.revoke(ctx, userID, key, make(map[id.Ed25519]struct{}))
}

func (t *KeyTrustService) revoke(ctx context.Context, userID id.UserID, key id.Ed25519, seen map[id.Ed25519]struct{}) error {
	if _, done := seen[key]; done {
		return nil
	}
	seen[key] = struct{}{}

	dropped, err := t.m.store.DropSignaturesByKey(ctx, userID, key)
	if err != nil {
		return fmt.Errorf("drop signatures by %s: %w", key, err)
	}
	links, err := t.m.store.GetKeyChainLinks(ctx, key)
	if err != nil {
		return fmt.Errorf("load chain links of %s: %w", key, err)
	}
	zerolog.Ctx(ctx).Info().
		Str("user_id", userID.String()).
		Str("key", key.String()).
		Int("dropped_signatures", dropped).
		Int("chain_links", len(links)).
		Msg("Revoking key")
	for _, link := range links {
		if err := t.revoke(ctx, link.SignedUserID, link.SignedKey, seen); err != nil {
			return err
		}
	}
	return t.m.store.DeleteKeyChainLinks(ctx, key)
}
