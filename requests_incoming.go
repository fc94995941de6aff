package keyflow

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/keyflow/event"
)

// pendingKeyRequest is a request buffered until the end of the sync batch.
type pendingKeyRequest struct {
	sender  id.UserID
	content *event.RoomKeyRequest
}

// IncomingRoomKeyRequestHandler answers m.room_key_request events from other
// devices of the same user. Requests are buffered per sync batch and only
// resolved afterwards, so a request and its cancellation delivered in the
// same batch cancel out without a key ever leaving this device.
type IncomingRoomKeyRequestHandler struct {
	m       *Machine
	pending *xsync.Map[string, *pendingKeyRequest]
}

func newIncomingRoomKeyRequestHandler(m *Machine) *IncomingRoomKeyRequestHandler {
	return &IncomingRoomKeyRequestHandler{
		m:       m,
		pending: xsync.NewMap[string, *pendingKeyRequest](),
	}
}

func requestKey(sender id.UserID, deviceID id.DeviceID, requestID string) string {
	return string(sender) + "/" + string(deviceID) + "/" + requestID
}

// HandleRequest buffers or cancels one key request. Requests from other users
// and from this very device are ignored outright. Cancellations for unknown
// requests are a no-op.
func (h *IncomingRoomKeyRequestHandler) HandleRequest(ctx context.Context, sender id.UserID, content *event.RoomKeyRequest) {
	log := zerolog.Ctx(ctx).With().
		Str("request_id", content.RequestID).
		Str("requesting_device", content.RequestingDeviceID.String()).
		Logger()
	if sender != h.m.cfg.UserID {
		log.Debug().Str("sender", sender.String()).Msg("Ignoring key request from another user")
		return
	}
	if content.RequestingDeviceID == h.m.cfg.DeviceID {
		return
	}
	key := requestKey(sender, content.RequestingDeviceID, content.RequestID)
	switch content.Action {
	case event.ActionRequest:
		h.pending.Store(key, &pendingKeyRequest{sender: sender, content: content})
	case event.ActionRequestCancel:
		if _, cancelled := h.pending.LoadAndDelete(key); cancelled {
			log.Debug().Msg("Cancelled pending key request")
		}
	default:
		log.Debug().Str("action", string(content.Action)).Msg("Ignoring key request with unknown action")
	}
}

// ResolvePending answers all requests that survived the batch. Every failure
// is logged and swallowed: a request this device cannot or may not answer is
// simply dropped, the requester retries elsewhere.
func (h *IncomingRoomKeyRequestHandler) ResolvePending(ctx context.Context) {
	h.pending.Range(func(key string, req *pendingKeyRequest) bool {
		h.pending.Delete(key)
		h.answer(ctx, req)
		return true
	})
}

func (h *IncomingRoomKeyRequestHandler) answer(ctx context.Context, req *pendingKeyRequest) {
	content := req.content
	log := zerolog.Ctx(ctx).With().
		Str("request_id", content.RequestID).
		Str("requesting_device", content.RequestingDeviceID.String()).
		Str("room_id", content.Body.RoomID.String()).
		Str("session_id", content.Body.SessionID.String()).
		Logger()

	if !h.m.cfg.AllowUnverifiedRequests {
		verified, err := h.m.Trust.IsDeviceVerified(ctx, req.sender, content.RequestingDeviceID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to check requesting device trust, dropping request")
			return
		}
		if !verified {
			log.Debug().Msg("Ignoring key request from unverified device")
			return
		}
	}

	rec, err := h.m.store.GetInboundGroupSession(ctx, content.Body.RoomID, content.Body.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up requested session")
		return
	}
	if rec == nil {
		log.Debug().Msg("Requested session not found, dropping request")
		return
	}

	h.m.cryptoLock.Lock()
	session, err := h.m.driver.UnpickleInboundGroupSession(rec.Pickled, h.m.cfg.PickleKey)
	if err != nil {
		h.m.cryptoLock.Unlock()
		log.Error().Err(err).Msg("Failed to unpickle requested session")
		return
	}
	exported, err := session.Export(session.FirstKnownIndex())
	h.m.cryptoLock.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to export requested session")
		return
	}

	forward := &event.ForwardedRoomKey{
		Algorithm:          id.AlgorithmMegolmV1,
		RoomID:             rec.RoomID,
		SessionID:          rec.SessionID,
		SessionKey:         string(exported),
		SenderKey:          rec.SenderKey,
		SenderClaimedKey:   rec.SigningKey,
		ForwardingKeyChain: rec.ForwardingChains,
	}
	if err := h.m.Olm.SendEncrypted(ctx, req.sender, content.RequestingDeviceID, event.TypeForwardedRoomKey, forward); err != nil {
		log.Warn().Err(err).Msg("Failed to send forwarded room key")
		return
	}
	log.Info().Msg("Forwarded room key to requesting device")
}
