package keyflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/event"
	"github.com/arko-chat/keyflow/store"
)

// OutgoingRoomKeyRequestHandler issues m.room_key_request events to this
// user's other devices and folds the m.forwarded_room_key answers back into
// the session store.
type OutgoingRoomKeyRequestHandler struct {
	m *Machine
}

func newOutgoingRoomKeyRequestHandler(m *Machine) *OutgoingRoomKeyRequestHandler {
	return &OutgoingRoomKeyRequestHandler{m: m}
}

// RequestRoomKey asks this user's other devices for a megolm session. The
// call is idempotent: while a request for the same session is outstanding no
// second one is sent.
func (h *OutgoingRoomKeyRequestHandler) RequestRoomKey(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, senderKey id.Curve25519) error {
	existing, err := h.m.store.FindRoomKeyRequest(ctx, roomID, sessionID)
	if err != nil {
		return fmt.Errorf("look up outstanding request: %w", err)
	}
	if existing != nil {
		zerolog.Ctx(ctx).Debug().
			Str("session_id", sessionID.String()).
			Str("request_id", existing.RequestID).
			Msg("Key request already outstanding")
		return nil
	}

	targets, err := h.otherOwnDevices(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		zerolog.Ctx(ctx).Debug().Str("session_id", sessionID.String()).Msg("No other devices to ask for key")
		return nil
	}

	requestID := uuid.NewString()
	content := &event.RoomKeyRequest{
		Action: event.ActionRequest,
		Body: event.RequestedKeyInfo{
			Algorithm: id.AlgorithmMegolmV1,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		RequestID:          requestID,
		RequestingDeviceID: h.m.cfg.DeviceID,
	}
	messages := map[id.UserID]map[id.DeviceID]any{h.m.cfg.UserID: {}}
	for _, deviceID := range targets {
		messages[h.m.cfg.UserID][deviceID] = content
	}
	if err := h.m.sendToDevice(ctx, event.TypeRoomKeyRequest, messages); err != nil {
		return fmt.Errorf("send key request: %w", err)
	}
	err = h.m.store.PutRoomKeyRequest(ctx, &store.RoomKeyRequest{
		RequestID:    requestID,
		RoomID:       roomID,
		SessionID:    sessionID,
		SenderKey:    senderKey,
		AskedDevices: targets,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persist key request: %w", err)
	}
	zerolog.Ctx(ctx).Info().
		Str("room_id", roomID.String()).
		Str("session_id", sessionID.String()).
		Str("request_id", requestID).
		Int("asked_devices", len(targets)).
		Msg("Requested room key from other devices")
	return nil
}

// CancelRoomKeyRequest withdraws an outstanding request, notifying every
// device it was sent to. No-op when nothing is outstanding.
func (h *OutgoingRoomKeyRequestHandler) CancelRoomKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) error {
	req, err := h.m.store.FindRoomKeyRequest(ctx, roomID, sessionID)
	if err != nil {
		return fmt.Errorf("look up outstanding request: %w", err)
	}
	if req == nil {
		return nil
	}
	if err := h.sendCancellation(ctx, req, req.AskedDevices); err != nil {
		return err
	}
	return h.m.store.DeleteRoomKeyRequest(ctx, req.RequestID)
}

// HandleForwardedRoomKey imports an m.forwarded_room_key answer. Only answers
// from this user's verified devices are accepted. On a successful import the
// outstanding request is cancelled on all other asked devices.
func (h *OutgoingRoomKeyRequestHandler) HandleForwardedRoomKey(ctx context.Context, from *DecryptedOlmEvent, content *event.ForwardedRoomKey) {
	log := zerolog.Ctx(ctx).With().
		Str("room_id", content.RoomID.String()).
		Str("session_id", content.SessionID.String()).
		Logger()
	if content.Algorithm != id.AlgorithmMegolmV1 {
		log.Debug().Str("algorithm", string(content.Algorithm)).Msg("Ignoring forwarded key with unknown algorithm")
		return
	}
	if from.Sender != h.m.cfg.UserID {
		log.Debug().Str("sender", from.Sender.String()).Msg("Ignoring forwarded key from another user")
		return
	}
	answeringDevice, err := h.m.store.FindDeviceByKey(ctx, from.Sender, from.SenderKey)
	if err != nil || answeringDevice == nil {
		log.Warn().Err(err).Msg("Ignoring forwarded key from unknown device")
		return
	}
	switch h.m.Trust.ResolveDeviceTrust(ctx, answeringDevice) {
	case id.TrustStateVerified, id.TrustStateCrossSignedVerified:
	default:
		log.Warn().
			Str("device_id", answeringDevice.DeviceID.String()).
			Msg("Ignoring forwarded key from unverified device")
		return
	}

	chain := make([]string, 0, len(content.ForwardingKeyChain)+1)
	chain = append(chain, content.ForwardingKeyChain...)
	chain = append(chain, from.SenderKey.String())

	result, err := h.m.Megolm.ImportInbound(ctx, content.RoomID, content.SessionID, []byte(content.SessionKey), Provenance{
		Source:           "forwarded",
		SenderKey:        content.SenderKey,
		SigningKey:       content.SenderClaimedKey,
		ForwardingChains: chain,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to import forwarded room key")
		return
	}
	log.Info().Int("import_result", int(result)).Msg("Imported forwarded room key")

	req, err := h.m.store.FindRoomKeyRequest(ctx, content.RoomID, content.SessionID)
	if err != nil || req == nil {
		return
	}
	var remaining []id.DeviceID
	for _, deviceID := range req.AskedDevices {
		if deviceID != answeringDevice.DeviceID {
			remaining = append(remaining, deviceID)
		}
	}
	if err := h.sendCancellation(ctx, req, remaining); err != nil {
		log.Warn().Err(err).Msg("Failed to cancel answered key request")
	}
	if err := h.m.store.DeleteRoomKeyRequest(ctx, req.RequestID); err != nil {
		log.Warn().Err(err).Msg("Failed to delete answered key request")
	}
}

func (h *OutgoingRoomKeyRequestHandler) sendCancellation(ctx context.Context, req *store.RoomKeyRequest, devices []id.DeviceID) error {
	if len(devices) == 0 {
		return nil
	}
	content := &event.RoomKeyRequest{
		Action:             event.ActionRequestCancel,
		RequestID:          req.RequestID,
		RequestingDeviceID: h.m.cfg.DeviceID,
	}
	messages := map[id.UserID]map[id.DeviceID]any{h.m.cfg.UserID: {}}
	for _, deviceID := range devices {
		messages[h.m.cfg.UserID][deviceID] = content
	}
	return h.m.sendToDevice(ctx, event.TypeRoomKeyRequest, messages)
}

func (h *OutgoingRoomKeyRequestHandler) otherOwnDevices(ctx context.Context) ([]id.DeviceID, error) {
	devices, err := h.m.store.GetDevices(ctx, h.m.cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("list own devices: %w", err)
	}
	var targets []id.DeviceID
	for _, device := range devices {
		if device.DeviceID == h.m.cfg.DeviceID || device.Deleted {
			continue
		}
		targets = append(targets, device.DeviceID)
	}
	return targets, nil
}
