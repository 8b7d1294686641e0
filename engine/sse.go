package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

const (
	// MaxSSEClientsPerStream bounds live SSE subscribers on one stream.
	MaxSSEClientsPerStream = 1000

	sseHeartbeatInterval = 30 * time.Second
	sseClientBuffer      = 64
)

// controlFrame is the JSON body of control events on SSE and WebSocket.
type controlFrame struct {
	StreamNextOffset     string `json:"streamNextOffset,omitempty"`
	StreamCursor         string `json:"streamCursor,omitempty"`
	StreamWriteTimestamp int64  `json:"streamWriteTimestamp,omitempty"`
	StreamClosed         bool   `json:"streamClosed,omitempty"`
	UpToDate             bool   `json:"upToDate,omitempty"`
}

// SSEBatch is one append's worth of pre-rendered SSE wire bytes (data frames
// followed by the control frame). Tail is the stream tail after the append
// when the batch carries data, and zero for control-only batches, so a
// handler replaying catch-up can skip batches it has already served.
type SSEBatch struct {
	Frames [][]byte
	Tail   store.Offset
}

// SSEClient is one live event-stream subscriber. The handler drains Frames
// until Done closes.
type SSEClient struct {
	id     string
	base64 bool

	frames chan SSEBatch
	done   chan struct{}
	once   sync.Once
}

// Frames yields rendered SSE frame batches in order.
func (c *SSEClient) Frames() <-chan SSEBatch { return c.frames }

// Done closes when the client has been dropped.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

func (c *SSEClient) close() {
	c.once.Do(func() { close(c.done) })
}

// push enqueues a batch without blocking. Returns false when the client's
// buffer is full and it must be dropped.
func (c *SSEClient) push(batch SSEBatch) bool {
	select {
	case c.frames <- batch:
		return true
	default:
		return false
	}
}

// sseRegistry tracks live SSE subscribers for one stream and renders one
// frame per append for all of them.
type sseRegistry struct {
	logger *zap.Logger

	mu       sync.Mutex
	clients  map[string]*SSEClient
	lastSend time.Time
	stop     chan struct{}
}

func newSSERegistry(logger *zap.Logger) *sseRegistry {
	return &sseRegistry{logger: logger, clients: make(map[string]*SSEClient)}
}

func (r *sseRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *sseRegistry) add(base64Mode bool) (*SSEClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= MaxSSEClientsPerStream {
		return nil, wire.New(http.StatusTooManyRequests, wire.CodeTooManySSEConnections,
			"too many live connections on this stream")
	}
	c := &SSEClient{
		id:     uuid.NewString(),
		base64: base64Mode,
		frames: make(chan SSEBatch, sseClientBuffer),
		done:   make(chan struct{}),
	}
	r.clients[c.id] = c
	if r.stop == nil {
		r.stop = make(chan struct{})
		go r.heartbeatLoop(r.stop)
	}
	return c, nil
}

func (r *sseRegistry) remove(c *SSEClient) {
	r.mu.Lock()
	delete(r.clients, c.id)
	if len(r.clients) == 0 && r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.mu.Unlock()
	c.close()
}

// broadcast renders each payload once per serialization preference and
// enqueues one batch per append to every client, dropping clients whose
// buffers are full.
func (r *sseRegistry) broadcast(payloads [][]byte, ctrl controlFrame, tail store.Offset) {
	r.mu.Lock()
	if len(r.clients) == 0 {
		r.mu.Unlock()
		return
	}
	var textFrames, b64Frames [][]byte
	for _, p := range payloads {
		textFrames = append(textFrames, renderSSEData(p, false))
		b64Frames = append(b64Frames, renderSSEData(p, true))
	}
	if len(payloads) == 0 {
		// Control-only batches are never skipped by catch-up dedupe.
		tail = store.Offset{}
	}
	ctrlFrame := renderSSEControl(ctrl)
	textBatch := SSEBatch{Frames: append(textFrames, ctrlFrame), Tail: tail}
	b64Batch := SSEBatch{Frames: append(b64Frames, ctrlFrame), Tail: tail}

	var dropped []*SSEClient
	for _, c := range r.clients {
		batch := textBatch
		if c.base64 {
			batch = b64Batch
		}
		if !c.push(batch) {
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(r.clients, c.id)
	}
	if len(r.clients) == 0 && r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.lastSend = time.Now()
	r.mu.Unlock()

	for _, c := range dropped {
		r.logger.Warn("sse client dropped on back-pressure", zap.String("client", c.id))
		c.close()
	}
}

// closeAll sends a terminal control frame and drops every client.
func (r *sseRegistry) closeAll(ctrl controlFrame) {
	r.mu.Lock()
	clients := make([]*SSEClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*SSEClient)
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.mu.Unlock()

	frame := renderSSEControl(ctrl)
	for _, c := range clients {
		c.push(SSEBatch{Frames: [][]byte{frame}})
		c.close()
	}
}

// heartbeatLoop sends an up-to-date control frame to idle clients.
func (r *sseRegistry) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if time.Since(r.lastSend) < sseHeartbeatInterval {
				r.mu.Unlock()
				continue
			}
			batch := SSEBatch{Frames: [][]byte{renderSSEControl(controlFrame{UpToDate: true})}}
			for _, c := range r.clients {
				c.push(batch)
			}
			r.lastSend = time.Now()
			r.mu.Unlock()
		}
	}
}

// SubscribeSSE attaches a live SSE subscriber to a stream. base64Mode selects
// base64 rendering of payload bytes in data frames.
func (e *Engine) SubscribeSSE(path store.StreamPath, base64Mode bool) (*SSEClient, error) {
	inst, err := e.get(path)
	if err != nil {
		return nil, err
	}
	return inst.sse.add(base64Mode)
}

// UnsubscribeSSE detaches a subscriber.
func (e *Engine) UnsubscribeSSE(path store.StreamPath, c *SSEClient) {
	e.mu.Lock()
	inst, ok := e.instances[path.String()]
	e.mu.Unlock()
	if ok {
		inst.sse.remove(c)
	} else {
		c.close()
	}
}

// RenderSSEData frames one payload as an SSE data event, used by the
// handler's catch-up replay as well as the live registry.
func RenderSSEData(payload []byte, b64 bool) []byte {
	return renderSSEData(payload, b64)
}

// RenderSSEControl frames a position transition as an SSE control event.
func RenderSSEControl(nextOffset, cursor string, upToDate bool) []byte {
	return renderSSEControl(controlFrame{
		StreamNextOffset: nextOffset,
		StreamCursor:     cursor,
		UpToDate:         upToDate,
	})
}

func renderSSEData(payload []byte, b64 bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: data\n")
	if b64 {
		buf.WriteString("data: ")
		buf.WriteString(base64.StdEncoding.EncodeToString(payload))
		buf.WriteString("\n\n")
		return buf.Bytes()
	}
	// SSE data may not contain raw newlines; split the payload across
	// data: lines so multi-line text survives framing.
	for _, line := range bytes.Split(payload, []byte("\n")) {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

func renderSSEControl(ctrl controlFrame) []byte {
	body, _ := json.Marshal(ctrl)
	return []byte(fmt.Sprintf("event: control\ndata: %s\n\n", body))
}
