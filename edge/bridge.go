package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/engine"
	"github.com/estuary-dev/estuary/wire"
)

// Bridge serves ?live=sse requests by opening an internal WebSocket to the
// engine and translating each frame to an SSE event. One WebSocket per
// request; closes when either side goes away.
type Bridge struct {
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// NewBridge builds a bridge with the default dialer.
func NewBridge(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{Dialer: websocket.DefaultDialer, Logger: logger}
}

// Serve dials wsURL (a live=ws-internal endpoint), emits SSE for every
// received frame, and returns when the engine closes, the client
// disconnects, or ctx ends. Writes to a gone client are not errors.
func (b *Bridge) Serve(ctx context.Context, w http.ResponseWriter, header http.Header, wsURL string, base64Mode bool) error {
	conn, resp, err := b.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		return wire.Newf(status, wire.CodeInternal, "internal websocket dial failed: %v", err)
	}
	defer conn.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return wire.New(http.StatusInternalServerError, wire.CodeInternal, "response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	if base64Mode {
		h.Set(wire.HeaderStreamSSEEncoding, "base64")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Unblock ReadJSON when the client or the request context goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var frame engine.WSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			b.Logger.Debug("internal websocket read ended", zap.Error(err))
			return nil
		}
		event, err := sseEvent(frame, base64Mode)
		if err != nil {
			b.Logger.Warn("unframeable websocket message", zap.Error(err))
			continue
		}
		if _, err := w.Write(event); err != nil {
			return nil
		}
		flusher.Flush()
	}
}

// sseEvent renders one engine frame as SSE wire bytes.
func sseEvent(frame engine.WSFrame, base64Mode bool) ([]byte, error) {
	switch frame.Type {
	case "data":
		var buf bytes.Buffer
		buf.WriteString("event: data\n")
		if base64Mode {
			fmt.Fprintf(&buf, "data: %s\n\n", frame.Payload)
			return buf.Bytes(), nil
		}
		payload, err := frame.DecodePayload()
		if err != nil {
			return nil, err
		}
		for _, line := range bytes.Split(payload, []byte("\n")) {
			fmt.Fprintf(&buf, "data: %s\n", line)
		}
		buf.WriteString("\n")
		return buf.Bytes(), nil

	case "control":
		body, err := json.Marshal(frame.Control)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("event: control\ndata: %s\n\n", body)), nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}
