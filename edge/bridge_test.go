package edge

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsEchoServer upgrades the request, writes the given JSON frames, then
// closes normally.
func wsEchoServer(t *testing.T, frames []map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteJSON(frame); err != nil {
				t.Errorf("WriteJSON: %v", err)
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		// Give the close frame time to flush before the server tears down.
		time.Sleep(20 * time.Millisecond)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBridgeTranslatesFrames(t *testing.T) {
	srv := wsEchoServer(t, []map[string]any{
		{"type": "data", "payload": base64.StdEncoding.EncodeToString([]byte("line1\nline2"))},
		{"type": "control", "control": map[string]any{"streamNextOffset": "abc", "upToDate": true}},
	})
	defer srv.Close()

	rec := httptest.NewRecorder()
	b := NewBridge(nil)
	if err := b.Serve(t.Context(), rec, nil, wsURL(srv), false); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: data\ndata: line1\ndata: line2\n\n") {
		t.Fatalf("data event missing from body:\n%s", body)
	}
	if !strings.Contains(body, "event: control\n") || !strings.Contains(body, `"streamNextOffset":"abc"`) {
		t.Fatalf("control event missing from body:\n%s", body)
	}
}

func TestBridgeBase64Mode(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0x00, 0x01, 0xff})
	srv := wsEchoServer(t, []map[string]any{
		{"type": "data", "payload": payload},
	})
	defer srv.Close()

	rec := httptest.NewRecorder()
	b := NewBridge(nil)
	if err := b.Serve(t.Context(), rec, nil, wsURL(srv), true); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if enc := rec.Header().Get("Stream-SSE-Data-Encoding"); enc != "base64" {
		t.Fatalf("Stream-SSE-Data-Encoding = %q", enc)
	}
	if !strings.Contains(rec.Body.String(), "data: "+payload+"\n\n") {
		t.Fatalf("base64 payload missing:\n%s", rec.Body.String())
	}
}

func TestBridgeDialFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	b := NewBridge(nil)
	err := b.Serve(t.Context(), rec, nil, "ws://127.0.0.1:1/v1/stream/p/s", false)
	if err == nil {
		t.Fatal("dial to a closed port succeeded")
	}
}
