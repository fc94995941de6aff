package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// ErrUnknownAlgorithm is returned for m.room.encrypted content whose
// algorithm field names no supported encryption scheme.
var ErrUnknownAlgorithm = errors.New("unknown encryption algorithm")

// Registry maps event type strings to content decoders. It is assembled once
// at startup; lookups at runtime are plain map reads.
type Registry struct {
	decoders map[string]func(raw json.RawMessage) (Content, error)
}

// NewRegistry returns a registry covering every event type the subsystem
// understands. m.room.encrypted is disambiguated by its algorithm field.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]func(json.RawMessage) (Content, error))}
	register[RoomKey](r, TypeRoomKey)
	register[RoomKeyRequest](r, TypeRoomKeyRequest)
	register[ForwardedRoomKey](r, TypeForwardedRoomKey)
	register[SecretRequest](r, TypeSecretRequest)
	register[SecretSend](r, TypeSecretSend)
	register[Dummy](r, TypeDummy)
	r.decoders[TypeEncrypted] = decodeEncrypted
	return r
}

func register[T any, PT interface {
	*T
	Content
}](r *Registry, eventType string) {
	r.decoders[eventType] = func(raw json.RawMessage) (Content, error) {
		content := PT(new(T))
		if err := json.Unmarshal(raw, content); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		return content, nil
	}
}

func decodeEncrypted(raw json.RawMessage) (Content, error) {
	switch alg := id.Algorithm(gjson.GetBytes(raw, "algorithm").Str); alg {
	case id.AlgorithmOlmV1:
		var content EncryptedOlm
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("decode olm envelope: %w", err)
		}
		return &content, nil
	case id.AlgorithmMegolmV1:
		var content EncryptedMegolm
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("decode megolm envelope: %w", err)
		}
		return &content, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
}

// Decode resolves raw content of the given event type to its concrete struct.
// Unregistered types decode to *Unknown rather than an error so a hostile or
// newer peer cannot break the handler loop.
func (r *Registry) Decode(eventType string, raw json.RawMessage) (Content, error) {
	decode, ok := r.decoders[eventType]
	if !ok {
		return &Unknown{Type: eventType, Raw: raw}, nil
	}
	return decode(raw)
}
