package estuary

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/edge"
	"github.com/estuary-dev/estuary/engine"
	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

const (
	streamRoutePrefix  = "/v1/stream/"
	estuaryRoutePrefix = "/v1/estuary/"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	path := r.URL.Path
	if !strings.HasPrefix(path, streamRoutePrefix) && !strings.HasPrefix(path, estuaryRoutePrefix) {
		return next.ServeHTTP(w, r)
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Content-Type, If-None-Match, Stream-Seq, Stream-TTL, Stream-Expires-At, Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq")
	w.Header().Set("Access-Control-Expose-Headers",
		"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Stream-Seq, Stream-TTL, Stream-Expires-At, Stream-Reader-Key, Stream-SSE-Data-Encoding, Producer-Expected-Seq, Producer-Received-Seq, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.String("query", r.URL.RawQuery))

	var err error
	if strings.HasPrefix(path, estuaryRoutePrefix) {
		err = h.serveEstuary(w, r, strings.TrimPrefix(path, estuaryRoutePrefix))
	} else {
		err = h.serveStream(w, r, strings.TrimPrefix(path, streamRoutePrefix))
	}
	if err != nil {
		wire.WriteError(w, err)
	}
	return nil
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, rest string) error {
	path, err := store.ParseStreamPath(rest)
	if err != nil {
		return wire.Newf(http.StatusBadRequest, wire.CodeMissingProjectOrStream,
			"expected /v1/stream/<project>/<stream>, got %q", rest)
	}

	switch r.Method {
	case http.MethodPut:
		return h.handleCreate(w, r, path)
	case http.MethodPost:
		return h.handleAppend(w, r, path)
	case http.MethodGet:
		return h.handleRead(w, r, path)
	case http.MethodHead:
		return h.handleHead(w, r, path)
	case http.MethodDelete:
		return h.handleDelete(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

// readBody consumes the request body up to the payload cap.
func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	max := h.engineMaxPayload()
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(max)+1))
	if err != nil {
		return nil, wire.Newf(http.StatusBadRequest, wire.CodeInvalidContentLength,
			"reading request body: %v", err)
	}
	if len(body) > max {
		return nil, wire.Newf(http.StatusRequestEntityTooLarge, wire.CodePayloadTooLarge,
			"payload exceeds %d bytes", max)
	}
	return body, nil
}

func (h *Handler) engineMaxPayload() int {
	if h.MaxPayloadBytes > 0 {
		return h.MaxPayloadBytes
	}
	return engine.DefaultMaxPayloadBytes
}

func parseExpiryHeaders(r *http.Request) (*int64, *time.Time, error) {
	var ttl *int64
	var expiresAt *time.Time
	if raw := r.Header.Get(wire.HeaderStreamTTL); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			return nil, nil, wire.Newf(http.StatusBadRequest, wire.CodeInvalidTTL,
				"Stream-TTL must be a positive integer, got %q", raw)
		}
		ttl = &secs
	}
	if raw := r.Header.Get(wire.HeaderStreamExpiresAt); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, wire.Newf(http.StatusBadRequest, wire.CodeInvalidExpiresAt,
				"Stream-Expires-At must be a ms epoch integer, got %q", raw)
		}
		t := time.UnixMilli(ms)
		expiresAt = &t
	}
	return ttl, expiresAt, nil
}

func parseStreamSeqHeader(r *http.Request) (*uint64, error) {
	raw := r.Header.Get(wire.HeaderStreamSeq)
	if raw == "" {
		return nil, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, wire.Newf(http.StatusBadRequest, wire.CodeInvalidOffset,
			"Stream-Seq must be a non-negative integer, got %q", raw)
	}
	return &seq, nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path store.StreamPath) error {
	ttl, expiresAt, err := parseExpiryHeaders(r)
	if err != nil {
		return err
	}
	streamSeq, err := parseStreamSeqHeader(r)
	if err != nil {
		return err
	}
	producer, err := engine.ParseProducerHeaders(r.Header)
	if err != nil {
		return err
	}
	body, err := h.readBody(r)
	if err != nil {
		return err
	}

	res, err := h.engine.Create(engine.CreateRequest{
		Path:        path,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		TTLSeconds:  ttl,
		ExpiresAt:   expiresAt,
		Close:       r.Header.Get(wire.HeaderStreamClosed) == "true",
		Public:      r.URL.Query().Get(wire.ParamPublic) == "true",
		StreamSeq:   streamSeq,
		Producer:    producer,
	})
	if err != nil {
		return err
	}

	h.setMetaHeaders(w, res.Meta)
	if res.Meta.ReaderKey != "" {
		w.Header().Set(wire.HeaderStreamReaderKey, res.Meta.ReaderKey)
	}
	if res.Created {
		w.Header().Set("Location", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path store.StreamPath) error {
	producer, err := engine.ParseProducerHeaders(r.Header)
	if err != nil {
		return err
	}
	streamSeq, err := parseStreamSeqHeader(r)
	if err != nil {
		return err
	}
	body, err := h.readBody(r)
	if err != nil {
		return err
	}

	// All appends go through the dispatcher so source streams with
	// subscribers fan out on every write.
	res, err := h.dispatch.Publish(engine.AppendInput{
		Path:        path,
		Payload:     body,
		ContentType: r.Header.Get("Content-Type"),
		Producer:    producer,
		Close:       r.Header.Get(wire.HeaderStreamClosed) == "true",
		StreamSeq:   streamSeq,
	})
	if err != nil {
		return err
	}

	// Echo the position this append committed, not whatever the stream's
	// tail has moved to since.
	h.setMetaHeaders(w, res.Meta)
	w.Header().Set(wire.HeaderStreamSeq, strconv.FormatUint(res.Meta.Tail.Seq, 10))
	if producer != nil {
		received := producer.Seq
		if res.Duplicate {
			received = res.ReceivedSeq
		}
		w.Header().Set(wire.HeaderProducerReceivedSeq, strconv.FormatInt(received, 10))
	}
	h.invalidateURLCache(path)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path store.StreamPath) error {
	if err := h.engine.Delete(path); err != nil {
		return err
	}
	h.invalidateURLCache(path)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path store.StreamPath) error {
	meta, err := h.engine.Meta(path)
	if err != nil {
		return err
	}
	h.setMetaHeaders(w, meta)
	if meta.ReaderKey != "" {
		w.Header().Set(wire.HeaderStreamReaderKey, meta.ReaderKey)
	}
	w.Header().Set("ETag", strongETag(nil, meta.Tail))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) setMetaHeaders(w http.ResponseWriter, meta *store.StreamMeta) {
	w.Header().Set(wire.HeaderStreamNextOffset, meta.Tail.String())
	if meta.Closed {
		w.Header().Set(wire.HeaderStreamClosed, "true")
	}
	if meta.TTLSeconds != nil {
		w.Header().Set(wire.HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(wire.HeaderStreamExpiresAt, strconv.FormatInt(meta.ExpiresAt.UnixMilli(), 10))
	}
	w.Header().Set("Content-Type", meta.ContentType)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path store.StreamPath) error {
	q := r.URL.Query()
	live := q.Get(wire.ParamLive)

	switch live {
	case wire.LiveSSE:
		return h.handleSSE(w, r, path)
	case wire.LiveWS, wire.LiveWSInternal:
		return h.handleWebSocket(w, r, path, live)
	case "", wire.LiveLongPoll:
	default:
		return wire.Newf(http.StatusBadRequest, wire.CodeEmptyQueryParam,
			"unknown live mode %q", live)
	}

	longPoll := live == wire.LiveLongPoll
	if longPoll && q.Get(wire.ParamOffset) == "" && q.Get(wire.ParamCursor) == "" {
		return wire.New(http.StatusBadRequest, wire.CodeOffsetRequired,
			"offset is required for long-poll reads")
	}

	cacheKey := r.URL.RequestURI()
	if cached := h.cache.Get(cacheKey); cached != nil {
		return writeBuffered(w, r, cached)
	}

	resp, _, err := h.coalescer.Do(r.Context(), cacheKey, func() (*edge.BufferedResponse, bool, error) {
		res, err := h.engine.Read(r.Context(), engine.ReadRequest{
			Path:     path,
			Offset:   q.Get(wire.ParamOffset),
			Cursor:   q.Get(wire.ParamCursor),
			LongPoll: longPoll,
		})
		if err != nil {
			return nil, false, err
		}
		buffered := h.bufferReadResponse(res)
		policy := edge.CachePolicy{
			Method:         http.MethodGet,
			AtTail:         res.UpToDate,
			LongPoll:       longPoll,
			Public:         res.Meta.Public,
			ReaderKeyInURL: res.Meta.ReaderKey != "" && q.Get(wire.ParamReaderKey) == res.Meta.ReaderKey,
		}
		cacheable := edge.Cacheable(policy, buffered)
		if cacheable {
			go h.cache.Put(cacheKey, buffered, 0)
		}
		return buffered, cacheable, nil
	})
	if err != nil {
		return err
	}
	return writeBuffered(w, r, resp)
}

// bufferReadResponse renders one engine read as a replayable response.
func (h *Handler) bufferReadResponse(res *engine.ReadResult) *edge.BufferedResponse {
	var body []byte
	if store.IsJSONContentType(res.Meta.ContentType) {
		payloads := make([][]byte, 0, len(res.Ops))
		for _, op := range res.Ops {
			payloads = append(payloads, op.Payload)
		}
		body = store.FormatJSONResponse(payloads)
	} else {
		for _, op := range res.Ops {
			body = append(body, op.Payload...)
		}
	}

	header := make(http.Header)
	header.Set("Content-Type", res.Meta.ContentType)
	header.Set(wire.HeaderStreamNextOffset, res.NextOffset.String())
	if res.Cursor != "" {
		header.Set(wire.HeaderStreamCursor, res.Cursor)
	}
	if res.UpToDate {
		header.Set(wire.HeaderStreamUpToDate, "true")
	}
	if res.Meta.Closed {
		header.Set(wire.HeaderStreamClosed, "true")
	}
	header.Set("ETag", strongETag(body, res.NextOffset))

	status := http.StatusOK
	if res.TimedOut || (res.UpToDate && len(res.Ops) == 0 && !store.IsJSONContentType(res.Meta.ContentType)) {
		status = http.StatusNoContent
	}
	if res.UpToDate {
		header.Set("Cache-Control", "no-store")
	} else {
		header.Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}
	return &edge.BufferedResponse{Status: status, Header: header, Body: body}
}

// writeBuffered replays a buffered response, honouring If-None-Match.
func writeBuffered(w http.ResponseWriter, r *http.Request, resp *edge.BufferedResponse) error {
	etag := resp.ETag()
	if etag != "" && r.Header.Get("If-None-Match") == etag {
		for name, vals := range resp.Header {
			if name == "Content-Type" {
				continue
			}
			for _, v := range vals {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	for name, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	if resp.Status != http.StatusNoContent && len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
	return nil
}

// strongETag derives the validator from the response bytes and next offset.
func strongETag(body []byte, next store.Offset) string {
	sum := sha256.New()
	sum.Write(body)
	sum.Write([]byte(next.String()))
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum.Sum(nil)[:16]))
}

// invalidateURLCache is a best-effort eviction of the stream's cached reads.
// The cache is URL-keyed, so only tail-sensitive entries matter and those
// were never stored; closed/TTL transitions change headers though, so drop
// the plain-path entry.
func (h *Handler) invalidateURLCache(path store.StreamPath) {
	h.cache.Delete(streamRoutePrefix + path.String())
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path store.StreamPath) error {
	meta, err := h.engine.Meta(path)
	if err != nil {
		return err
	}
	base64Mode := !store.IsJSONContentType(meta.ContentType) &&
		!strings.HasPrefix(store.NormalizeContentType(meta.ContentType), "text/")

	if h.InternalAddr != "" {
		wsURL := h.InternalAddr + streamRoutePrefix + path.String() +
			"?" + wire.ParamLive + "=" + wire.LiveWSInternal
		if off := r.URL.Query().Get(wire.ParamOffset); off != "" {
			wsURL += "&" + wire.ParamOffset + "=" + off
		}
		return h.bridge.Serve(r.Context(), w, nil, wsURL, base64Mode)
	}
	return h.serveDirectSSE(w, r, path, meta, base64Mode)
}

// serveDirectSSE streams engine SSE frames without the bridge hop.
func (h *Handler) serveDirectSSE(w http.ResponseWriter, r *http.Request, path store.StreamPath, meta *store.StreamMeta, base64Mode bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return wire.New(http.StatusInternalServerError, wire.CodeInternal,
			"response writer does not support streaming")
	}
	client, err := h.engine.SubscribeSSE(path, base64Mode)
	if err != nil {
		return err
	}
	defer h.engine.UnsubscribeSSE(path, client)

	hw := w.Header()
	hw.Set("Content-Type", "text/event-stream")
	hw.Set("Cache-Control", "no-store")
	hw.Set("Connection", "keep-alive")
	if base64Mode {
		hw.Set(wire.HeaderStreamSSEEncoding, "base64")
	}
	w.WriteHeader(http.StatusOK)

	// Catch-up before live frames when an offset was supplied. Appends
	// committed during catch-up are buffered on the subscription and also
	// read by the replay; batches at or below the caught-up position are
	// dropped so nothing is delivered twice.
	var caughtUp store.Offset
	if off := r.URL.Query().Get(wire.ParamOffset); off != "" {
		pos, err := h.sseCatchUp(w, r, path, off, base64Mode)
		if err != nil {
			return nil
		}
		caughtUp = pos
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-client.Done():
			return nil
		case batch := <-client.Frames():
			if liveBatchServed(batch, caughtUp) {
				continue
			}
			for _, frame := range batch.Frames {
				if _, err := w.Write(frame); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

// liveBatchServed reports whether a live data batch lands at or below the
// catch-up position and was therefore already written by the replay.
// Control-only batches carry a zero tail and always pass through.
func liveBatchServed(batch engine.SSEBatch, caughtUp store.Offset) bool {
	return batch.Tail.Byte != 0 && batch.Tail.Byte <= caughtUp.Byte
}

// sseCatchUp replays stored messages as SSE frames until the tail, returning
// the position the replay reached.
func (h *Handler) sseCatchUp(w http.ResponseWriter, r *http.Request, path store.StreamPath, offset string, base64Mode bool) (store.Offset, error) {
	cursor := ""
	for {
		res, err := h.engine.Read(r.Context(), engine.ReadRequest{
			Path:   path,
			Offset: offset,
			Cursor: cursor,
		})
		if err != nil {
			return store.Offset{}, err
		}
		for _, op := range res.Ops {
			if _, werr := w.Write(engine.RenderSSEData(op.Payload, base64Mode)); werr != nil {
				return store.Offset{}, werr
			}
		}
		ctrl := engine.RenderSSEControl(res.NextOffset.String(), res.Cursor, res.UpToDate)
		if _, werr := w.Write(ctrl); werr != nil {
			return store.Offset{}, werr
		}
		if res.UpToDate || (len(res.Ops) == 0 && res.Cursor == "") {
			return res.NextOffset, nil
		}
		offset = res.NextOffset.String()
		cursor = res.Cursor
	}
}

// handleWebSocket upgrades live=ws-internal requests and attaches the
// connection to the stream's set. Non-upgrade requests get 426.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request, path store.StreamPath, live string) error {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return wire.New(http.StatusUpgradeRequired, wire.CodeWebSocketUpgradeRequired,
			"live="+live+" requires a WebSocket upgrade")
	}
	if _, err := h.engine.Meta(path); err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return nil
	}
	id, err := h.engine.AttachWS(path, conn)
	if err != nil {
		conn.Close()
		return nil
	}
	h.logger.Debug("websocket attached",
		zap.String("stream", path.String()), zap.String("handle", id))

	// Reader loop: the engine writes via the connection set; we only watch
	// for client close.
	go func() {
		defer func() {
			h.engine.DetachWS(path, id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}
