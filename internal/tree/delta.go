package tree

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"arbor/api/internal/crdt"
)

// Delta is the incremental update artifact: the set of stamped writes a
// mutation produced. Applying a delta is exactly merging its entries,
// so deltas are idempotent and commute: the transport may duplicate or
// reorder them (within causal limits) without breaking convergence.
//
// A full document snapshot is a Delta too: the delta from the empty
// document. That makes sync-step-2 payloads, persistence blobs and
// broadcast updates one format with one merge path.
type Delta struct {
	Live      []LiveEntry  `msgpack:"l,omitempty"`
	Fields    []FieldEntry `msgpack:"f,omitempty"`
	Data      []FieldEntry `msgpack:"e,omitempty"`
	Children  []ChildEntry `msgpack:"c,omitempty"`
	Selection *SelEntry    `msgpack:"s,omitempty"`
}

// LiveEntry records node existence: a set or a delete tombstone in the
// document's node-liveness map.
type LiveEntry struct {
	Node    string     `msgpack:"n"`
	S       crdt.Stamp `msgpack:"s"`
	Deleted bool       `msgpack:"d,omitempty"`
}

// FieldEntry records one scalar write, on a node's field map or its
// extension data map.
type FieldEntry struct {
	Node    string     `msgpack:"n"`
	Key     string     `msgpack:"k"`
	V       any        `msgpack:"v,omitempty"`
	S       crdt.Stamp `msgpack:"s"`
	Deleted bool       `msgpack:"d,omitempty"`
}

// ChildEntry records one element insertion into a node's children
// sequence.
type ChildEntry struct {
	Node string       `msgpack:"n"`
	Elem crdt.SeqElem `msgpack:"e"`
}

// SelEntry records a selection change.
type SelEntry struct {
	Node string     `msgpack:"n"`
	S    crdt.Stamp `msgpack:"s"`
}

func (d *Delta) Empty() bool {
	return d == nil ||
		(len(d.Live) == 0 && len(d.Fields) == 0 && len(d.Data) == 0 &&
			len(d.Children) == 0 && d.Selection == nil)
}

func (d *Delta) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return b, nil
}

func DecodeDelta(b []byte) (*Delta, error) {
	var d Delta
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return &d, nil
}
