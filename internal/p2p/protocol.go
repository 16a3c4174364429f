package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
)

// TopicQueue is the GossipSub topic carrying queue advertisements.
const TopicQueue = "/klingnet/mix/dsq/1.0.0"

const (
	// MixProtocol is the stream protocol for direct messages between a
	// wallet and its mixing peer.
	MixProtocol = protocol.ID("/klingnet/mix/1.0.0")

	// ProtocolVersion is stamped on every envelope.
	ProtocolVersion uint32 = 1

	// MaxMessageSize bounds one encoded envelope. A final transaction with
	// a few hundred inputs stays well below it.
	MaxMessageSize = 1 << 20
)

var (
	// ErrMessageTooLarge is returned for envelopes above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrUnknownKind is returned for an envelope with an unknown kind.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrVersion is returned for an envelope of an unsupported version.
	ErrVersion = errors.New("unsupported protocol version")
)

// Envelope is the wire form of a mixing message.
type Envelope struct {
	Version uint32             `json:"version"`
	Kind    mixing.MessageKind `json:"kind"`
	Payload json.RawMessage    `json:"payload"`
}

// EncodeMessage wraps msg in an envelope.
func EncodeMessage(msg mixing.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	data, err := json.Marshal(Envelope{Version: ProtocolVersion, Kind: msg.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	return data, nil
}

// DecodeMessage parses an envelope and its payload.
func DecodeMessage(data []byte) (mixing.Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	msg, ok := mixing.NewMessage(env.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("empty %s payload", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Kind, err)
	}
	return msg, nil
}
