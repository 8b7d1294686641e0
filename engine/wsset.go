package engine

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/estuary-dev/estuary/store"
)

// WSFrame is one JSON text frame on the internal WebSocket protocol. Data
// frames carry payload bytes base64-encoded; control frames carry stream
// position transitions.
type WSFrame struct {
	Type    string        `json:"type"` // "data" or "control"
	Payload string        `json:"payload,omitempty"`
	Control *controlFrame `json:"control,omitempty"`
}

func wsData(payload []byte) WSFrame {
	return WSFrame{Type: "data", Payload: base64.StdEncoding.EncodeToString(payload)}
}

func wsControl(ctrl controlFrame) WSFrame {
	return WSFrame{Type: "control", Control: &ctrl}
}

// DecodePayload returns the payload bytes of a data frame.
func (f WSFrame) DecodePayload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Payload)
}

// WSConn is the transport half of an attached WebSocket. Production uses a
// gorilla/websocket connection; tests attach in-process pipes.
type WSConn interface {
	WriteJSON(v any) error
	Close() error
}

// ConnMeta describes one attached connection.
type ConnMeta struct {
	ID       string
	Attached time.Time
}

// ErrConnNotFound reports a send to a detached handle.
var ErrConnNotFound = errors.New("websocket handle not found")

type attachedConn struct {
	conn WSConn
	meta ConnMeta
}

// ConnSet is the per-stream registry of live WebSocket attachments. Handles
// survive the owning stream instance's idle eviction: the set lives on the
// instance map entry, and a send simply fails for a connection whose peer has
// gone away.
type ConnSet struct {
	mu    sync.Mutex
	conns map[string]attachedConn
}

func NewConnSet() *ConnSet {
	return &ConnSet{conns: make(map[string]attachedConn)}
}

// Attach registers a connection and returns its handle id.
func (s *ConnSet) Attach(conn WSConn) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.conns[id] = attachedConn{conn: conn, meta: ConnMeta{ID: id, Attached: time.Now()}}
	s.mu.Unlock()
	return id
}

// Detach removes a handle; the connection itself is closed by the caller.
func (s *ConnSet) Detach(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// List returns metadata for every attached handle.
func (s *ConnSet) List() []ConnMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnMeta, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.meta)
	}
	return out
}

func (s *ConnSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send writes one frame to a single handle.
func (s *ConnSet) Send(id string, frame WSFrame) error {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return ErrConnNotFound
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		s.drop(id, c)
		return err
	}
	return nil
}

// Broadcast writes one frame to every handle, dropping connections whose
// write fails.
func (s *ConnSet) Broadcast(frame WSFrame) {
	s.mu.Lock()
	conns := make(map[string]attachedConn, len(s.conns))
	for id, c := range s.conns {
		conns[id] = c
	}
	s.mu.Unlock()

	for id, c := range conns {
		if err := c.conn.WriteJSON(frame); err != nil {
			s.drop(id, c)
		}
	}
}

func (s *ConnSet) drop(id string, c attachedConn) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	c.conn.Close()
}

// AttachWS registers a WebSocket on a stream's connection set and returns
// the handle id.
func (e *Engine) AttachWS(path store.StreamPath, conn WSConn) (string, error) {
	inst, err := e.get(path)
	if err != nil {
		return "", err
	}
	return inst.ws.Attach(conn), nil
}

// DetachWS removes a previously attached handle.
func (e *Engine) DetachWS(path store.StreamPath, id string) {
	e.mu.Lock()
	inst, ok := e.instances[path.String()]
	e.mu.Unlock()
	if ok {
		inst.ws.Detach(id)
	}
}
