package tree

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"arbor/api/internal/crdt"
)

// TreeDocument is one replicated tree: a node map plus the selection
// register. All mutation goes through ApplyPatch (local writes) or
// ApplyDelta/MergeState (remote writes); each ApplyPatch is atomic with
// respect to every other mutation on the same document.
type TreeDocument struct {
	mu      sync.Mutex
	replica string
	clock   *crdt.Clock

	// live is the node map proper: node id -> present/tombstone. The
	// per-node containers survive a tombstone so a newer concurrent
	// write can still merge into them.
	live  *crdt.Map
	nodes map[string]*nodeState

	selected      string
	selectedStamp crdt.Stamp

	// version counts applied mutations; the registry compares it with
	// the last flushed version to find dirty documents.
	version uint64
}

// nodeState holds the replicated containers of one node id: scalar
// fields, the extension data sub-map, and the ordered children.
type nodeState struct {
	fields   *crdt.Map
	data     *crdt.Map
	children *crdt.Seq
}

func newNodeState() *nodeState {
	return &nodeState{
		fields:   crdt.NewMap(),
		data:     crdt.NewMap(),
		children: crdt.NewSeq(),
	}
}

// View is the materialized, JSON-friendly form of a document.
type View struct {
	NodeDict     map[string]NodeValue `json:"nodeDict"`
	SelectedNode string               `json:"selectedNode"`
}

// NewTreeDocument creates an empty document. The replica id goes into
// every stamp this document mints; it must be unique per process.
func NewTreeDocument(replica string) *TreeDocument {
	return &TreeDocument{
		replica: replica,
		clock:   crdt.NewClock(),
		live:    crdt.NewMap(),
		nodes:   make(map[string]*nodeState),
	}
}

func (d *TreeDocument) stamp() crdt.Stamp {
	return crdt.Stamp{Ts: d.clock.Now(), Replica: d.replica}
}

func (d *TreeDocument) node(id string) *nodeState {
	ns, ok := d.nodes[id]
	if !ok {
		ns = newNodeState()
		d.nodes[id] = ns
	}
	return ns
}

// ApplyPatch validates and applies a partial update, returning the
// delta to broadcast to other replicas. A validation error leaves the
// document unchanged. Deleting an absent node is a no-op, not an error.
func (d *TreeDocument) ApplyPatch(p Patch) (*Delta, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	delta := &Delta{}

	if p.SelectedNode != nil {
		s := d.stamp()
		d.selected = *p.SelectedNode
		d.selectedStamp = s
		delta.Selection = &SelEntry{Node: d.selected, S: s}
	}

	for _, id := range p.nodeIDs() {
		value := p.NodeDict[id]
		if value == nil {
			d.deleteNodeLocked(id, delta)
			continue
		}
		d.writeNodeLocked(id, value, delta)
	}

	if !delta.Empty() {
		d.version++
	}
	return delta, nil
}

func (d *TreeDocument) deleteNodeLocked(id string, delta *Delta) {
	s := d.stamp()
	d.live.Delete(id, s)
	delta.Live = append(delta.Live, LiveEntry{Node: id, S: s, Deleted: true})
}

// writeNodeLocked applies a full node value. Every present scalar field
// is written at one fresh stamp and every omitted scalar field is
// tombstoned at that same stamp: sequential writes replace the record
// wholesale, while concurrent writes to different fields still merge
// per field. The data sub-map merges per key (nil deletes a key). A
// present children list replaces the prior one: listed ids are kept or
// inserted in the given order and visible children left off the list
// are tombstoned at the write stamp. The tombstone targets only the
// insertions this replica has seen, so a concurrent re-insert on
// another replica survives the merge. Omitting the children key leaves
// the sequence untouched.
func (d *TreeDocument) writeNodeLocked(id string, value NodeValue, delta *Delta) {
	ns := d.node(id)
	s := d.stamp()

	d.live.Set(id, true, s)
	delta.Live = append(delta.Live, LiveEntry{Node: id, S: s})

	for _, key := range sortedKeys(value) {
		if !isScalarField(key) {
			continue
		}
		v := value[key]
		ns.fields.Set(key, v, s)
		delta.Fields = append(delta.Fields, FieldEntry{Node: id, Key: key, V: v, S: s})
	}
	for _, key := range ns.fields.Keys() {
		if _, present := value[key]; present {
			continue
		}
		ns.fields.Delete(key, s)
		delta.Fields = append(delta.Fields, FieldEntry{Node: id, Key: key, S: s, Deleted: true})
	}

	if data, _ := dataMap(value); data != nil {
		for _, key := range sortedKeys(data) {
			v := data[key]
			if v == nil {
				ns.data.Delete(key, s)
				delta.Data = append(delta.Data, FieldEntry{Node: id, Key: key, S: s, Deleted: true})
				continue
			}
			ns.data.Set(key, v, s)
			delta.Data = append(delta.Data, FieldEntry{Node: id, Key: key, V: v, S: s})
		}
	}

	if children, ok, _ := childIDs(value); ok {
		current := ns.children.Slice()
		pos := make(map[string]int, len(current))
		for i, child := range current {
			pos[child] = i
		}

		// Keep listed children that already sit in the right relative
		// order; re-insert the rest under fresh stamps so the sequence
		// ends up matching the listed order.
		desired := make(map[string]bool, len(children))
		anchor := crdt.Stamp{}
		lastPos := -1
		for _, child := range children {
			if desired[child] {
				continue
			}
			desired[child] = true
			if at, placed := pos[child]; placed && at > lastPos {
				lastPos = at
				anchor, _ = ns.children.StampOf(child)
				continue
			}
			cs := d.stamp()
			elem := crdt.SeqElem{ID: child, S: cs, Anchor: anchor}
			ns.children.Apply(elem)
			delta.Children = append(delta.Children, ChildEntry{Node: id, Elem: elem})
			anchor = cs
		}

		for _, child := range current {
			if desired[child] {
				continue
			}
			if ns.children.Remove(child, s) {
				elem, _ := ns.children.Latest(child)
				delta.Children = append(delta.Children, ChildEntry{Node: id, Elem: elem})
			}
		}
	}
}

// ApplyDelta merges a remote delta. It is safe to call with deltas that
// were already applied, in any causally consistent order.
func (d *TreeDocument) ApplyDelta(delta *Delta) {
	if delta.Empty() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	applied := false
	for _, e := range delta.Live {
		d.clock.Observe(e.S.Ts)
		if d.live.Apply(e.Node, crdt.Value{V: true, S: e.S, Deleted: e.Deleted}) {
			applied = true
		}
	}
	for _, e := range delta.Fields {
		d.clock.Observe(e.S.Ts)
		if d.node(e.Node).fields.Apply(e.Key, crdt.Value{V: e.V, S: e.S, Deleted: e.Deleted}) {
			applied = true
		}
	}
	for _, e := range delta.Data {
		d.clock.Observe(e.S.Ts)
		if d.node(e.Node).data.Apply(e.Key, crdt.Value{V: e.V, S: e.S, Deleted: e.Deleted}) {
			applied = true
		}
	}
	for _, e := range delta.Children {
		d.clock.Observe(e.Elem.S.Ts)
		if e.Elem.Removed() {
			d.clock.Observe(e.Elem.Del.Ts)
		}
		if d.node(e.Node).children.Apply(e.Elem) {
			applied = true
		}
	}
	if e := delta.Selection; e != nil {
		d.clock.Observe(e.S.Ts)
		if e.S.After(d.selectedStamp) {
			d.selected = e.Node
			d.selectedStamp = e.S
			applied = true
		}
	}

	if applied {
		d.version++
	}
}

// EncodeState produces a self-contained snapshot: the delta from the
// empty document. A fresh replica reconstructs the full node map and
// selection from it without replaying any history.
func (d *TreeDocument) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked().Encode()
}

func (d *TreeDocument) stateLocked() *Delta {
	state := &Delta{}
	for key, v := range d.live.Entries() {
		state.Live = append(state.Live, LiveEntry{Node: key, S: v.S, Deleted: v.Deleted})
	}
	for id, ns := range d.nodes {
		for key, v := range ns.fields.Entries() {
			state.Fields = append(state.Fields, FieldEntry{Node: id, Key: key, V: v.V, S: v.S, Deleted: v.Deleted})
		}
		for key, v := range ns.data.Entries() {
			state.Data = append(state.Data, FieldEntry{Node: id, Key: key, V: v.V, S: v.S, Deleted: v.Deleted})
		}
		for _, e := range ns.children.Elements() {
			state.Children = append(state.Children, ChildEntry{Node: id, Elem: e})
		}
	}
	if !d.selectedStamp.IsZero() {
		state.Selection = &SelEntry{Node: d.selected, S: d.selectedStamp}
	}
	return state
}

// MergeState merges an encoded snapshot from another replica, e.g. the
// sync-step-2 payload of a client with pending offline changes.
func (d *TreeDocument) MergeState(b []byte) error {
	state, err := DecodeDelta(b)
	if err != nil {
		return fmt.Errorf("merge state: %w", err)
	}
	d.ApplyDelta(state)
	return nil
}

// DecodeState reconstructs a document from a persisted snapshot.
func DecodeState(replica string, b []byte) (*TreeDocument, error) {
	d := NewTreeDocument(replica)
	if err := d.MergeState(b); err != nil {
		return nil, err
	}
	return d, nil
}

// Materialize renders the visible document: live nodes only, children
// filtered to ids that are themselves live (the lazy pruning of
// dangling references), the extension data map always present.
func (d *TreeDocument) Materialize() View {
	d.mu.Lock()
	defer d.mu.Unlock()

	view := View{NodeDict: make(map[string]NodeValue), SelectedNode: d.selected}
	for _, id := range d.live.Keys() {
		ns, ok := d.nodes[id]
		if !ok {
			ns = newNodeState()
		}

		value := NodeValue{}
		ns.fields.Range(func(key string, v any) bool {
			value[key] = v
			return true
		})
		value[FieldID] = id

		data := map[string]any{}
		ns.data.Range(func(key string, v any) bool {
			data[key] = v
			return true
		})
		value[FieldData] = data

		children := []string{}
		for _, child := range ns.children.Slice() {
			if d.live.Has(child) {
				children = append(children, child)
			}
		}
		value[FieldChildren] = children

		view.NodeDict[id] = value
	}
	return view
}

// MaterializeJSON is Materialize rendered as pretty-printed JSON,
// suitable for the history archive.
func (d *TreeDocument) MaterializeJSON() ([]byte, error) {
	return json.MarshalIndent(d.Materialize(), "", "  ")
}

// NodeCount returns the number of live nodes.
func (d *TreeDocument) NodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live.Len()
}

// Title returns the title of the root node, used as the document title
// in metadata. The root is the node with id "root" when present, else
// the first live node without a live parent.
func (d *TreeDocument) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if title, ok := d.nodeTitleLocked("root"); ok {
		return title
	}
	for _, id := range d.live.Keys() {
		ns, ok := d.nodes[id]
		if !ok {
			continue
		}
		if parent, ok := ns.fields.Get(FieldParent); ok {
			if pid, isStr := parent.(string); isStr && pid != "" && d.live.Has(pid) {
				continue
			}
		}
		if title, ok := d.nodeTitleLocked(id); ok {
			return title
		}
	}
	return ""
}

func (d *TreeDocument) nodeTitleLocked(id string) (string, bool) {
	ns, ok := d.nodes[id]
	if !ok || !d.live.Has(id) {
		return "", false
	}
	raw, ok := ns.fields.Get(FieldTitle)
	if !ok {
		return "", false
	}
	title, ok := raw.(string)
	return title, ok
}

// NodeTitles returns the titles of all live nodes, for search indexing.
func (d *TreeDocument) NodeTitles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var titles []string
	for _, id := range d.live.Keys() {
		ns, ok := d.nodes[id]
		if !ok {
			continue
		}
		if raw, ok := ns.fields.Get(FieldTitle); ok {
			if title, isStr := raw.(string); isStr && title != "" {
				titles = append(titles, title)
			}
		}
	}
	return titles
}

// Version returns the mutation counter.
func (d *TreeDocument) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
