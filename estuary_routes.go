package estuary

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

// subscribeRequest is the body of subscribe/unsubscribe calls.
type subscribeRequest struct {
	EstuaryID string `json:"estuaryId"`
}

// serveEstuary routes /v1/estuary/... requests: subscription management on
// source streams and estuary lifecycle operations.
func (h *Handler) serveEstuary(w http.ResponseWriter, r *http.Request, rest string) error {
	if sub, ok := strings.CutPrefix(rest, "subscribe/"); ok {
		source, err := store.ParseStreamPath(sub)
		if err != nil {
			return wire.Newf(http.StatusBadRequest, wire.CodeMissingProjectOrStream,
				"expected /v1/estuary/subscribe/<project>/<stream>, got %q", sub)
		}
		switch r.Method {
		case http.MethodPost:
			return h.handleSubscribe(w, r, source)
		case http.MethodDelete:
			return h.handleUnsubscribe(w, r, source)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return nil
		}
	}

	path, err := store.ParseStreamPath(rest)
	if err != nil {
		return wire.Newf(http.StatusBadRequest, wire.CodeMissingProjectOrStream,
			"expected /v1/estuary/<project>/<estuary>, got %q", rest)
	}
	switch r.Method {
	case http.MethodGet:
		info, err := h.estuaries.Get(path.Project, path.Stream)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, info)
	case http.MethodPost:
		info, err := h.estuaries.Touch(path.Project, path.Stream)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		if err := h.estuaries.Delete(path.Project, path.Stream); err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

func decodeSubscribeBody(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		return "", wire.Newf(http.StatusBadRequest, wire.CodeInvalidJSON, "reading body: %v", err)
	}
	var req subscribeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", wire.New(http.StatusBadRequest, wire.CodeInvalidJSON,
			"body must be JSON with an estuaryId field")
	}
	if req.EstuaryID == "" {
		return "", wire.New(http.StatusBadRequest, wire.CodeEmptyQueryParam, "estuaryId is required")
	}
	return req.EstuaryID, nil
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request, source store.StreamPath) error {
	estuaryID, err := decodeSubscribeBody(r)
	if err != nil {
		return err
	}
	res, err := h.estuaries.Subscribe(source, estuaryID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request, source store.StreamPath) error {
	estuaryID, err := decodeSubscribeBody(r)
	if err != nil {
		return err
	}
	if err := h.estuaries.Unsubscribe(source, estuaryID); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
