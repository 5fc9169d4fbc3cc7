// Package ws is the websocket sync transport: one connection per
// (client, tree), carrying the state-sync handshake followed by
// incremental updates and awareness relays.
package ws

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message kinds. The handshake is two steps: the server (or a client
// with local state) sends sync-step-1 to ask for state, and answers a
// sync-step-1 with a sync-step-2 carrying full encoded state. After
// that both sides exchange update and awareness messages.
const (
	MsgSyncStep1 = "sync-step-1"
	MsgSyncStep2 = "sync-step-2"
	MsgUpdate    = "update"
	MsgAwareness = "awareness"
)

// Update body tags. The first byte of an update body says what follows:
// a stamped delta from a replica-aware client, or a plain patch from a
// thin client that the server stamps itself.
const (
	UpdateDelta byte = 0x00
	UpdatePatch byte = 0x01
)

// Envelope frames every websocket message.
type Envelope struct {
	T    string `msgpack:"t"`
	Body []byte `msgpack:"b"`
}

// EncodeEnvelope marshals one frame.
func EncodeEnvelope(t string, body []byte) ([]byte, error) {
	return msgpack.Marshal(Envelope{T: t, Body: body})
}

// DecodeEnvelope unmarshals one frame and rejects unknown kinds.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.T {
	case MsgSyncStep1, MsgSyncStep2, MsgUpdate, MsgAwareness:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("unknown message kind %q", env.T)
	}
}
