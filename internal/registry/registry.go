// Package registry owns the live tree documents: exactly one in-memory
// instance per tree id, reference-counted by sessions, loaded lazily
// from the snapshot store and flushed back on a debounce. It also fans
// incremental updates out to the sessions of a document and, when a
// relay is configured, across server instances.
package registry

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"arbor/api/internal/store"
	"arbor/api/internal/tree"
)

// Message kinds carried by a Broadcast.
const (
	KindUpdate    = "update"
	KindAwareness = "awareness"
)

// Broadcast is one fanned-out message: an encoded delta or an awareness
// payload, tagged with the session it came from so the sender can be
// skipped.
type Broadcast struct {
	From    string
	Kind    string
	Payload []byte
}

// Relay forwards broadcasts between server instances. Implementations
// must not block the caller.
type Relay interface {
	Publish(treeID, kind string, payload []byte)
	Subscribe(treeID string, fn func(kind string, payload []byte)) (cancel func())
}

// Indexer receives tree content for search indexing on each flush. A
// tree flushed with no live nodes left is dropped from the index.
type Indexer interface {
	IndexTree(treeID, title string, nodeTitles []string, nodeCount int)
	DeleteTree(treeID string)
}

// Historian records a materialized tree export on each flush.
type Historian interface {
	RecordSnapshot(treeID string, view []byte)
}

// subscriber is one session's outbound queue. When the queue overflows
// the lost flag is raised instead of blocking; the transport notices
// and re-syncs the session from full state.
type subscriber struct {
	ch   chan Broadcast
	mu   sync.Mutex
	lost bool
}

func (s *subscriber) markLost() {
	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()
}

// Lost reports and clears the overflow flag.
func (s *subscriber) Lost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lost := s.lost
	s.lost = false
	return lost
}

type docEntry struct {
	ready chan struct{} // closed once doc is loaded

	doc         *tree.TreeDocument
	refs        int
	subs        map[string]*subscriber
	evictAt     time.Time // meaningful only while refs == 0
	flushedVer  uint64
	relayCancel func()
}

// Registry is constructed once at process start and owns all document
// instances. No ambient global state: everything reachable from here.
type Registry struct {
	store     store.SnapshotStore
	relay     Relay
	indexer   Indexer
	historian Historian

	replica       string
	flushInterval time.Duration
	idleEvict     time.Duration

	mu   sync.Mutex
	docs map[string]*docEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Registry)

func WithRelay(r Relay) Option         { return func(reg *Registry) { reg.relay = r } }
func WithIndexer(i Indexer) Option     { return func(reg *Registry) { reg.indexer = i } }
func WithHistorian(h Historian) Option { return func(reg *Registry) { reg.historian = h } }

// New creates a registry. replica is this server instance's id, stamped
// into every write the instance makes.
func New(s store.SnapshotStore, replica string, flushInterval, idleEvict time.Duration, opts ...Option) *Registry {
	reg := &Registry{
		store:         s,
		replica:       replica,
		flushInterval: flushInterval,
		idleEvict:     idleEvict,
		docs:          make(map[string]*docEntry),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(reg)
	}

	reg.wg.Add(1)
	go reg.flushLoop()
	return reg
}

// Handle is a session's reference to a live document.
type Handle struct {
	TreeID string
	Doc    *tree.TreeDocument
}

// Acquire returns the singleton live document for treeID, constructing
// it (from a persisted snapshot when one exists) on first access. Any
// number of concurrent first-acquires resolve to the same instance:
// the first caller installs a loading entry and everyone else waits on
// it.
func (r *Registry) Acquire(ctx context.Context, treeID string) (*Handle, error) {
	for {
		r.mu.Lock()
		e, ok := r.docs[treeID]
		if !ok {
			e = &docEntry{
				ready: make(chan struct{}),
				subs:  make(map[string]*subscriber),
			}
			r.docs[treeID] = e
			r.mu.Unlock()

			r.load(treeID, e)
		} else {
			r.mu.Unlock()
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		r.mu.Lock()
		if r.docs[treeID] != e {
			// Evicted between lookup and acquisition; start over.
			r.mu.Unlock()
			continue
		}
		e.refs++
		e.evictAt = time.Time{}
		r.mu.Unlock()
		return &Handle{TreeID: treeID, Doc: e.doc}, nil
	}
}

// load constructs the document. A store failure degrades to an empty
// in-memory document with a warning: collaboration availability beats
// durability here.
func (r *Registry) load(treeID string, e *docEntry) {
	defer close(e.ready)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blob, err := r.store.LoadSnapshot(ctx, treeID)
	switch {
	case err == nil:
		doc, derr := tree.DecodeState(r.replica, blob)
		if derr != nil {
			log.Printf("registry: corrupt snapshot for %s, starting empty: %v", treeID, derr)
			doc = tree.NewTreeDocument(r.replica)
		}
		e.doc = doc
	case errors.Is(err, store.ErrNotFound):
		e.doc = tree.NewTreeDocument(r.replica)
	default:
		log.Printf("registry: load %s failed, continuing in memory only: %v", treeID, err)
		e.doc = tree.NewTreeDocument(r.replica)
	}

	if r.relay != nil {
		e.relayCancel = r.relay.Subscribe(treeID, func(kind string, payload []byte) {
			r.handleRelayed(treeID, kind, payload)
		})
	}
}

// handleRelayed applies an update arriving from another instance and
// fans it out to this instance's sessions.
func (r *Registry) handleRelayed(treeID, kind string, payload []byte) {
	r.mu.Lock()
	e, ok := r.docs[treeID]
	r.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready

	if kind == KindUpdate {
		delta, err := tree.DecodeDelta(payload)
		if err != nil {
			log.Printf("registry: dropping malformed relayed update for %s: %v", treeID, err)
			return
		}
		e.doc.ApplyDelta(delta)
	}
	r.fanOut(e, Broadcast{Kind: kind, Payload: payload})
}

// Release drops a session's reference. At zero the document is flushed
// and becomes eligible for eviction after the idle TTL; a reacquire
// before the deadline cancels eviction.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	e, ok := r.docs[h.TreeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs < 0 {
		e.refs = 0
	}
	idle := e.refs == 0
	if idle {
		e.evictAt = time.Now().Add(r.idleEvict)
	}
	r.mu.Unlock()

	if idle && e.doc.Version() != r.flushedVersion(e) {
		r.flushOne(h.TreeID, e)
	}
}

// Subscribe registers a session for broadcasts on a tree. buffer sets
// the outbound queue depth.
func (r *Registry) Subscribe(treeID, sessionID string, buffer int) (<-chan Broadcast, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.docs[treeID]
	if !ok {
		return nil, false
	}
	sub := &subscriber{ch: make(chan Broadcast, buffer)}
	e.subs[sessionID] = sub
	return sub.ch, true
}

// Unsubscribe removes a session. Its channel is left to be garbage
// collected; in-flight sends to it were already delivered or dropped.
func (r *Registry) Unsubscribe(treeID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.docs[treeID]; ok {
		delete(e.subs, sessionID)
	}
}

// SessionLost reports (and clears) whether a session's queue overflowed
// since it was last checked, meaning the session must be re-synced from
// full state.
func (r *Registry) SessionLost(treeID, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.docs[treeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	sub, ok := e.subs[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return sub.Lost()
}

// Publish fans a message out to every session of the tree except the
// sender, and forwards updates and awareness to the relay. The send
// path never blocks: a full queue marks the subscriber lost.
func (r *Registry) Publish(treeID, fromSession, kind string, payload []byte) {
	r.mu.Lock()
	e, ok := r.docs[treeID]
	r.mu.Unlock()
	if !ok {
		return
	}

	r.fanOut(e, Broadcast{From: fromSession, Kind: kind, Payload: payload})
	if r.relay != nil {
		r.relay.Publish(treeID, kind, payload)
	}
}

func (r *Registry) fanOut(e *docEntry, b Broadcast) {
	r.mu.Lock()
	subs := make(map[string]*subscriber, len(e.subs))
	for id, sub := range e.subs {
		subs[id] = sub
	}
	r.mu.Unlock()

	for id, sub := range subs {
		if id == b.From {
			continue
		}
		select {
		case sub.ch <- b:
		default:
			sub.markLost()
		}
	}
}

// LoadedTrees materializes every document currently in memory, for the
// bulk debug/export surface.
func (r *Registry) LoadedTrees() map[string]tree.View {
	r.mu.Lock()
	entries := make(map[string]*docEntry, len(r.docs))
	for id, e := range r.docs {
		entries[id] = e
	}
	r.mu.Unlock()

	out := make(map[string]tree.View, len(entries))
	for id, e := range entries {
		select {
		case <-e.ready:
			out[id] = e.doc.Materialize()
		default:
			// Still loading; skip.
		}
	}
	return out
}

func (r *Registry) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.flushDirty()
			r.evictIdle()
		}
	}
}

func (r *Registry) flushDirty() {
	r.mu.Lock()
	entries := make(map[string]*docEntry, len(r.docs))
	for id, e := range r.docs {
		entries[id] = e
	}
	r.mu.Unlock()

	for id, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.doc.Version() != r.flushedVersion(e) {
			r.flushOne(id, e)
		}
	}
}

func (r *Registry) flushedVersion(e *docEntry) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.flushedVer
}

// flushOne persists one document's state and meta, then feeds the
// search indexer and history. Persistence failure is logged, never
// surfaced to live sessions.
func (r *Registry) flushOne(treeID string, e *docEntry) {
	version := e.doc.Version()
	blob, err := e.doc.EncodeState()
	if err != nil {
		log.Printf("registry: encode %s: %v", treeID, err)
		return
	}

	title := e.doc.Title()
	nodeTitles := e.doc.NodeTitles()
	meta := store.TreeMeta{
		TreeID:     treeID,
		Title:      title,
		NodeCount:  e.doc.NodeCount(),
		NodeTitles: strings.Join(nodeTitles, "\n"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.SaveSnapshot(ctx, treeID, blob, meta); err != nil {
		log.Printf("registry: save %s failed, updates since last save at risk: %v", treeID, err)
		return
	}

	r.mu.Lock()
	e.flushedVer = version
	r.mu.Unlock()

	if r.indexer != nil {
		if meta.NodeCount == 0 {
			r.indexer.DeleteTree(treeID)
		} else {
			r.indexer.IndexTree(treeID, title, nodeTitles, meta.NodeCount)
		}
	}
	if r.historian != nil {
		if view, err := e.doc.MaterializeJSON(); err == nil {
			r.historian.RecordSnapshot(treeID, view)
		}
	}
}

func (r *Registry) evictIdle() {
	now := time.Now()

	r.mu.Lock()
	var evict []string
	for id, e := range r.docs {
		if e.refs == 0 && !e.evictAt.IsZero() && now.After(e.evictAt) {
			evict = append(evict, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evict {
		r.mu.Lock()
		e, ok := r.docs[id]
		if !ok || e.refs != 0 {
			r.mu.Unlock()
			continue
		}
		delete(r.docs, id)
		r.mu.Unlock()

		if e.doc.Version() != r.flushedVersion(e) {
			r.flushOne(id, e)
		}
		if e.relayCancel != nil {
			e.relayCancel()
		}
		log.Printf("registry: evicted idle tree %s", id)
	}
}

// Close stops the flush loop and persists everything still dirty.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
	r.flushDirty()
}
