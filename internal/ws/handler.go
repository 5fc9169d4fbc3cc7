package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"arbor/api/internal/registry"
	"arbor/api/internal/tree"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20 // full tree states ride the wire

	// sendBuffer is the per-session broadcast queue depth. Overflow
	// marks the session lost and the next drain re-syncs it from
	// full state instead of blocking the publisher.
	sendBuffer = 256
)

// Handler upgrades sync connections and runs their sessions.
type Handler struct {
	reg      *registry.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates the transport handler. corsOrigin widens the
// upgrade origin check beyond same-origin; "*" allows all.
func NewHandler(reg *registry.Registry, corsOrigin string) *Handler {
	h := &Handler{reg: reg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if corsOrigin == "*" {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	} else if corsOrigin != "" {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == corsOrigin
		}
	}
	return h
}

// Serve runs one session on an upgraded connection. It returns when
// the connection closes; the document reference and subscription are
// released on every exit path.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, treeID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade %s: %v", treeID, err)
		return
	}

	handle, err := h.reg.Acquire(r.Context(), treeID)
	if err != nil {
		log.Printf("ws: acquire %s: %v", treeID, err)
		conn.Close()
		return
	}

	s := &session{
		id:         uuid.NewString(),
		treeID:     treeID,
		conn:       conn,
		doc:        handle.Doc,
		reg:        h.reg,
		handle:     handle,
		out:        make(chan []byte, 8),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	broadcasts, ok := h.reg.Subscribe(treeID, s.id, sendBuffer)
	if !ok {
		log.Printf("ws: subscribe %s: document gone", treeID)
		h.reg.Release(handle)
		conn.Close()
		return
	}

	go s.writePump(broadcasts)
	s.readPump()
}

// session is one client connection bound to one tree. The read pump
// runs on the caller's goroutine, the write pump on its own; all
// writes to the socket happen on the write pump.
type session struct {
	id     string
	treeID string
	conn   *websocket.Conn
	doc    *tree.TreeDocument
	reg    *registry.Registry
	handle *registry.Handle

	out        chan []byte // frames originated by this session's read pump
	done       chan struct{}
	writerDone chan struct{}
}

func (s *session) readPump() {
	defer func() {
		close(s.done)
		s.reg.Unsubscribe(s.treeID, s.id)
		s.reg.Release(s.handle)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Handshake: ask the client for its state and hand it ours.
	if err := s.queueFrame(MsgSyncStep1, nil); err != nil {
		return
	}
	if err := s.queueState(); err != nil {
		log.Printf("ws: initial sync %s: %v", s.treeID, err)
		return
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: session %s on %s: %v", s.id, s.treeID, err)
			}
			return
		}

		env, err := DecodeEnvelope(raw)
		if err != nil {
			log.Printf("ws: session %s: dropping frame: %v", s.id, err)
			continue
		}

		switch env.T {
		case MsgSyncStep1:
			if err := s.queueState(); err != nil {
				log.Printf("ws: sync-step-2 %s: %v", s.treeID, err)
				return
			}
		case MsgSyncStep2:
			s.handleRemoteState(env.Body)
		case MsgUpdate:
			s.handleUpdate(env.Body)
		case MsgAwareness:
			s.reg.Publish(s.treeID, s.id, registry.KindAwareness, env.Body)
		}
	}
}

// handleRemoteState merges a client's full state, picking up whatever
// it wrote while offline, and rebroadcasts it as an update.
func (s *session) handleRemoteState(body []byte) {
	if len(body) == 0 {
		return
	}
	if err := s.doc.MergeState(body); err != nil {
		log.Printf("ws: session %s: dropping client state: %v", s.id, err)
		return
	}
	s.reg.Publish(s.treeID, s.id, registry.KindUpdate, body)
}

func (s *session) handleUpdate(body []byte) {
	if len(body) < 1 {
		log.Printf("ws: session %s: dropping empty update", s.id)
		return
	}

	switch body[0] {
	case UpdateDelta:
		delta, err := tree.DecodeDelta(body[1:])
		if err != nil {
			log.Printf("ws: session %s: dropping malformed delta: %v", s.id, err)
			return
		}
		s.doc.ApplyDelta(delta)
		s.reg.Publish(s.treeID, s.id, registry.KindUpdate, body[1:])
	case UpdatePatch:
		var p tree.Patch
		if err := msgpack.Unmarshal(body[1:], &p); err != nil {
			log.Printf("ws: session %s: dropping malformed patch: %v", s.id, err)
			return
		}
		delta, err := s.doc.ApplyPatch(p)
		if err != nil {
			log.Printf("ws: session %s: rejecting patch: %v", s.id, err)
			return
		}
		if delta.Empty() {
			return
		}
		b, err := delta.Encode()
		if err != nil {
			log.Printf("ws: session %s: encode delta: %v", s.id, err)
			return
		}
		s.reg.Publish(s.treeID, s.id, registry.KindUpdate, b)
	default:
		log.Printf("ws: session %s: dropping update with unknown tag %d", s.id, body[0])
	}
}

// queueFrame hands a frame to the write pump.
func (s *session) queueFrame(kind string, body []byte) error {
	frame, err := EncodeEnvelope(kind, body)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.writerDone:
		return nil
	}
}

// queueState sends the full document state as a sync-step-2.
func (s *session) queueState() error {
	state, err := s.doc.EncodeState()
	if err != nil {
		return err
	}
	return s.queueFrame(MsgSyncStep2, state)
}

func (s *session) writePump(broadcasts <-chan registry.Broadcast) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		close(s.writerDone)
		ticker.Stop()
		s.conn.Close()
	}()

	write := func(frame []byte) bool {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return s.conn.WriteMessage(websocket.BinaryMessage, frame) == nil
	}

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			if !write(frame) {
				return
			}
		case b := <-broadcasts:
			// A session that missed broadcasts gets a fresh full
			// state instead of a gapped delta stream.
			if s.reg.SessionLost(s.treeID, s.id) {
				state, err := s.doc.EncodeState()
				if err != nil {
					log.Printf("ws: session %s: encode resync: %v", s.id, err)
					return
				}
				frame, err := EncodeEnvelope(MsgSyncStep2, state)
				if err != nil || !write(frame) {
					return
				}
				continue
			}

			var frame []byte
			var err error
			switch b.Kind {
			case registry.KindUpdate:
				body := make([]byte, 0, len(b.Payload)+1)
				body = append(body, UpdateDelta)
				body = append(body, b.Payload...)
				frame, err = EncodeEnvelope(MsgUpdate, body)
			case registry.KindAwareness:
				frame, err = EncodeEnvelope(MsgAwareness, b.Payload)
			default:
				continue
			}
			if err != nil || !write(frame) {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
