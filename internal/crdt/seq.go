package crdt

import "sort"

// SeqElem is one insertion into a replicated sequence: a string id, the
// stamp under which it was inserted (its identity), the stamp of the
// element it was inserted after (zero = head of the sequence), and the
// stamp of its removal when it has been tombstoned.
type SeqElem struct {
	ID     string `msgpack:"i"`
	S      Stamp  `msgpack:"s"`
	Anchor Stamp  `msgpack:"a"`
	Del    Stamp  `msgpack:"d,omitempty"`
}

// Removed reports whether this insertion carries a tombstone.
func (e SeqElem) Removed() bool { return !e.Del.IsZero() }

// Seq is a replicated ordered sequence of unique string ids, in the
// style of an RGA: every insert names the element it goes after, and
// concurrent inserts under the same anchor are ordered newest-first by
// stamp, the same on every replica. Re-inserting an id mints a fresh
// insertion and the newest one decides the placement. Removal is
// observed-remove: a tombstone targets one specific insertion, so a
// concurrent re-insert under a new stamp survives the merge. Every
// insertion ever seen is retained as an anchor target, which keeps the
// order well defined under any delivery order.
type Seq struct {
	elems  map[Stamp]SeqElem // every insertion, keyed by its stamp
	latest map[string]Stamp  // id -> newest insertion stamp

	order   []string
	present map[string]bool
	dirty   bool
}

func NewSeq() *Seq {
	return &Seq{
		elems:  make(map[Stamp]SeqElem),
		latest: make(map[string]Stamp),
	}
}

// Insert places id after the element inserted at anchor (the zero stamp
// means the head). Inserting an id that is already present repositions
// it when s is newer than its current insertion.
func (q *Seq) Insert(id string, anchor, s Stamp) bool {
	return q.Apply(SeqElem{ID: id, S: s, Anchor: anchor})
}

// Remove tombstones the newest insertion of id at stamp s. Unknown ids
// and stale stamps are no-ops.
func (q *Seq) Remove(id string, s Stamp) bool {
	st, ok := q.latest[id]
	if !ok {
		return false
	}
	e := q.elems[st]
	if !s.After(e.Del) {
		return false
	}
	e.Del = s
	q.elems[st] = e
	q.dirty = true
	return true
}

// Apply merges one element: a new insertion, or a tombstone for an
// insertion already seen. Duplicate delivery is harmless.
func (q *Seq) Apply(e SeqElem) bool {
	if cur, ok := q.elems[e.S]; ok {
		if !e.Del.After(cur.Del) {
			return false
		}
		cur.Del = e.Del
		q.elems[e.S] = cur
		q.dirty = true
		return true
	}
	q.elems[e.S] = e
	if cur, ok := q.latest[e.ID]; !ok || e.S.After(cur) {
		q.latest[e.ID] = e.S
	}
	q.dirty = true
	return true
}

// Has reports whether id is currently visible in the sequence: placed
// (its anchor chain has arrived) and not tombstoned.
func (q *Seq) Has(id string) bool {
	q.rebuild()
	return q.present[id]
}

// Latest returns the newest insertion of id, tombstoned or not.
func (q *Seq) Latest(id string) (SeqElem, bool) {
	st, ok := q.latest[id]
	if !ok {
		return SeqElem{}, false
	}
	return q.elems[st], true
}

// StampOf returns the newest insertion stamp of id, for use as an
// anchor by subsequent inserts.
func (q *Seq) StampOf(id string) (Stamp, bool) {
	st, ok := q.latest[id]
	return st, ok
}

// Slice returns the visible ids in order. Insertions whose anchor has
// not arrived yet stay out of the order until it does.
func (q *Seq) Slice() []string {
	q.rebuild()
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}

func (q *Seq) rebuild() {
	if !q.dirty {
		return
	}

	// Every insertion, superseded or tombstoned, takes part in the walk
	// as an anchor target; an id is emitted only at the position of its
	// newest live insertion.
	children := make(map[Stamp][]SeqElem)
	for _, e := range q.elems {
		if !e.Anchor.IsZero() {
			if _, ok := q.elems[e.Anchor]; !ok {
				continue // anchor not delivered yet
			}
		}
		children[e.Anchor] = append(children[e.Anchor], e)
	}
	for _, group := range children {
		sort.Slice(group, func(i, j int) bool { return group[i].S.After(group[j].S) })
	}

	q.order = q.order[:0]
	q.present = make(map[string]bool, len(q.latest))
	visited := make(map[Stamp]bool, len(q.elems))
	var walk func(anchor Stamp)
	walk = func(anchor Stamp) {
		for _, e := range children[anchor] {
			if visited[e.S] {
				continue
			}
			visited[e.S] = true
			if q.latest[e.ID] == e.S && !e.Removed() {
				q.order = append(q.order, e.ID)
				q.present[e.ID] = true
			}
			walk(e.S)
		}
	}
	walk(Stamp{})
	q.dirty = false
}

// Elements returns every insertion ever seen, oldest first, including
// tombstoned and not-yet-placed ones. Feeding them all to Apply on an
// empty sequence reproduces this one.
func (q *Seq) Elements() []SeqElem {
	out := make([]SeqElem, 0, len(q.elems))
	for _, e := range q.elems {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].S.After(out[i].S) })
	return out
}

// Merge folds all of other's elements into q.
func (q *Seq) Merge(other *Seq) {
	for _, e := range other.Elements() {
		q.Apply(e)
	}
}
