// Package engine implements the per-stream data plane: a keyed map of
// single-writer stream instances owning hot storage, rotation, and live
// delivery. All mutations for one stream path run serialised inside its
// instance; different streams proceed in parallel.
package engine

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

// Defaults for engine knobs.
const (
	DefaultMaxPayloadBytes    = 1 << 20 // 1 MiB
	DefaultSegmentMaxMessages = 1000
	DefaultSegmentMaxBytes    = 4 << 20 // 4 MiB
	DefaultReadChunkBytes     = 4 << 20
	DefaultLongPollTimeout    = 30 * time.Second
	MaxLongPollTimeout        = 60 * time.Second
	DefaultIdleEvictAfter     = 5 * time.Minute
	DefaultSweepInterval      = time.Minute
)

// Config wires an Engine to its storage collaborators.
type Config struct {
	Opener   store.HotStoreOpener
	Objects  store.ObjectStore
	Registry store.Registry
	Logger   *zap.Logger

	MaxPayloadBytes    int
	SegmentMaxMessages int
	SegmentMaxBytes    int
	ReadChunkBytes     int
	LongPollTimeout    time.Duration
	IdleEvictAfter     time.Duration
	SweepInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.SegmentMaxMessages <= 0 {
		c.SegmentMaxMessages = DefaultSegmentMaxMessages
	}
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = DefaultReadChunkBytes
	}
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = DefaultLongPollTimeout
	}
	if c.LongPollTimeout > MaxLongPollTimeout {
		c.LongPollTimeout = MaxLongPollTimeout
	}
	if c.IdleEvictAfter <= 0 {
		c.IdleEvictAfter = DefaultIdleEvictAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Engine owns all stream instances of one process.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	instances map[string]*instance

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// instance is the single-writer actor for one stream path. Its mutex is the
// serialisation point for every mutation and tail-sensitive read.
type instance struct {
	path store.StreamPath

	mu       sync.Mutex
	hot      store.HotStore
	waiters  *longPollQueue
	sse      *sseRegistry
	ws       *ConnSet
	rotating bool
	lastUsed time.Time
}

// New creates an engine and starts its background sweep.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger,
		instances: make(map[string]*instance),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go e.sweepLoop()
	return e
}

// Close evicts all instances and stops background work.
func (e *Engine) Close() error {
	close(e.stopSweep)
	<-e.sweepDone

	e.mu.Lock()
	defer e.mu.Unlock()
	var lastErr error
	for key, inst := range e.instances {
		inst.mu.Lock()
		if inst.hot != nil {
			if err := inst.hot.Close(); err != nil {
				lastErr = err
			}
			inst.hot = nil
		}
		inst.mu.Unlock()
		delete(e.instances, key)
	}
	return lastErr
}

// get materialises (or returns) the instance for a path.
func (e *Engine) get(path store.StreamPath) (*instance, error) {
	e.mu.Lock()
	inst, ok := e.instances[path.String()]
	if !ok {
		inst = &instance{
			path:    path,
			waiters: newLongPollQueue(),
			sse:     newSSERegistry(e.logger),
			ws:      NewConnSet(),
		}
		e.instances[path.String()] = inst
	}
	e.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.hot == nil {
		hot, err := e.cfg.Opener(path)
		if err != nil {
			return nil, err
		}
		inst.hot = hot
	}
	inst.lastUsed = time.Now()
	return inst, nil
}

// drop removes an instance from the map and closes its hot store.
func (e *Engine) drop(path store.StreamPath) {
	e.mu.Lock()
	inst, ok := e.instances[path.String()]
	if ok {
		delete(e.instances, path.String())
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	inst.mu.Lock()
	if inst.hot != nil {
		inst.hot.Close()
		inst.hot = nil
	}
	inst.mu.Unlock()
}

// ProducerInfo is a validated producer header triple.
type ProducerInfo struct {
	ID    string
	Epoch int64
	Seq   int64
}

// CreateRequest carries PUT semantics into the engine.
type CreateRequest struct {
	Path        store.StreamPath
	ContentType string
	Body        []byte
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	Close       bool
	Public      bool
	StreamSeq   *uint64 // only 0 is permitted, and only on creation
	Producer    *ProducerInfo
	Now         time.Time // zero means time.Now()
}

// CreateResult reports a create/touch outcome.
type CreateResult struct {
	Meta    *store.StreamMeta
	Created bool // false for the idempotent 200 path
}

// AppendInput carries POST semantics into the engine.
type AppendInput struct {
	Path        store.StreamPath
	Payload     []byte
	ContentType string
	Producer    *ProducerInfo
	Close       bool
	StreamSeq   *uint64 // expected stream_seq before this append
	Now         time.Time
}

// AppendOutcome reports an append.
type AppendOutcome struct {
	Meta        *store.StreamMeta
	Duplicate   bool  // idempotent producer duplicate; no op was written
	ReceivedSeq int64 // producer echo for duplicates
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// Create implements PUT: create the stream, or succeed idempotently when the
// existing configuration matches exactly.
func (e *Engine) Create(req CreateRequest) (*CreateResult, error) {
	now := orNow(req.Now)
	if req.TTLSeconds != nil && req.ExpiresAt != nil {
		return nil, wire.New(http.StatusBadRequest, wire.CodeInvalidTTL,
			"cannot specify both Stream-TTL and Stream-Expires-At")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, wire.New(http.StatusBadRequest, wire.CodeInvalidExpiresAt,
			"Stream-Expires-At must be in the future")
	}
	if req.StreamSeq != nil && *req.StreamSeq != 0 {
		return nil, wire.New(http.StatusConflict, wire.CodeStreamSeqRegression,
			"only stream seq 0 is permitted on creation")
	}

	inst, err := e.get(req.Path)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	meta, err := inst.hot.Meta()
	if err == nil && meta.IsExpired(now) {
		// Expired stream: purge and allow recreation.
		e.purgeLocked(inst)
		err = store.ErrStreamNotFound
	}
	if err == nil {
		if !store.ContentTypeMatches(meta.ContentType, req.ContentType) {
			return nil, wire.Newf(http.StatusConflict, wire.CodeContentTypeMismatch,
				"stream exists with content type %s", meta.ContentType)
		}
		if meta.Closed != req.Close {
			return nil, wire.New(http.StatusConflict, wire.CodeStreamClosedStatusMismatch,
				"stream exists with different closed status")
		}
		if !ttlMatches(meta, req.TTLSeconds, req.ExpiresAt) {
			return nil, wire.New(http.StatusConflict, wire.CodeStreamTTLMismatch,
				"stream exists with different expiry configuration")
		}
		return &CreateResult{Meta: meta, Created: false}, nil
	}
	if err != store.ErrStreamNotFound {
		return nil, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = store.DefaultContentType
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t := *req.ExpiresAt
		expiresAt = &t
	}
	meta = &store.StreamMeta{
		Path:        req.Path,
		ContentType: contentType,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		TTLSeconds:  req.TTLSeconds,
		Public:      req.Public,
	}
	if !req.Public {
		meta.ReaderKey = uuid.NewString()
	}
	if err := inst.hot.CreateMeta(meta); err != nil {
		return nil, err
	}

	if len(req.Body) > 0 || req.Close {
		payloads, err := e.splitPayload(meta, req.Body, true)
		if err != nil {
			return nil, err
		}
		var producer *store.ProducerState
		if req.Producer != nil {
			// No prior state can exist on create, so never a duplicate.
			state, _, err := validateProducer(nil, req.Producer)
			if err != nil {
				return nil, err
			}
			state.LastUpdated = now
			producer = state
		}
		meta, err = inst.hot.Append(store.AppendRequest{
			Payloads:  payloads,
			WriteTime: now,
			Producer:  producer,
			Close:     req.Close,
		})
		if err != nil {
			return nil, err
		}
	}

	entry := store.StreamEntry{
		Public:      meta.Public,
		ContentType: meta.ContentType,
		CreatedAt:   now.UnixMilli(),
		ReaderKey:   meta.ReaderKey,
	}
	if err := store.PutJSON(e.cfg.Registry, store.StreamKey(req.Path), entry); err != nil {
		// Hot storage is the source of truth; the registry self-heals later.
		e.logger.Warn("registry write failed on create",
			zap.String("stream", req.Path.String()), zap.Error(err))
	}

	e.logger.Debug("stream created",
		zap.String("stream", req.Path.String()),
		zap.String("content_type", meta.ContentType),
		zap.Bool("public", meta.Public))
	return &CreateResult{Meta: meta, Created: true}, nil
}

func ttlMatches(meta *store.StreamMeta, ttl *int64, expiresAt *time.Time) bool {
	if (meta.TTLSeconds == nil) != (ttl == nil) {
		return false
	}
	if meta.TTLSeconds != nil && *meta.TTLSeconds != *ttl {
		return false
	}
	if (meta.ExpiresAt == nil) != (expiresAt == nil) {
		return false
	}
	if meta.ExpiresAt != nil && !meta.ExpiresAt.Equal(*expiresAt) {
		return false
	}
	return true
}

// splitPayload validates the body against the stream's content type and, for
// JSON streams, flattens top-level arrays into individual messages.
func (e *Engine) splitPayload(meta *store.StreamMeta, body []byte, allowEmptyArray bool) ([][]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if len(body) > e.cfg.MaxPayloadBytes {
		return nil, wire.Newf(http.StatusRequestEntityTooLarge, wire.CodePayloadTooLarge,
			"payload exceeds %d bytes", e.cfg.MaxPayloadBytes)
	}
	if store.IsJSONContentType(meta.ContentType) {
		payloads, err := store.SplitJSONAppend(body, allowEmptyArray)
		if err == store.ErrInvalidJSON {
			return nil, wire.New(http.StatusBadRequest, wire.CodeInvalidJSON, "body is not valid JSON")
		}
		if err == store.ErrEmptyJSONArray {
			return nil, wire.New(http.StatusBadRequest, wire.CodeEmptyBody, "empty JSON array not allowed on append")
		}
		return payloads, err
	}
	return [][]byte{body}, nil
}

// Append implements POST. On success live waiters are woken and rotation is
// triggered when thresholds are crossed.
func (e *Engine) Append(in AppendInput) (*AppendOutcome, error) {
	now := orNow(in.Now)
	if len(in.Payload) == 0 && !in.Close {
		return nil, wire.New(http.StatusBadRequest, wire.CodeEmptyBody,
			"empty body allowed only with Stream-Closed: true")
	}

	inst, err := e.get(in.Path)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()

	meta, err := inst.hot.Meta()
	if err == store.ErrStreamNotFound || (err == nil && meta.IsExpired(now)) {
		inst.mu.Unlock()
		return nil, wire.New(http.StatusNotFound, wire.CodeStreamNotFound, "stream not found")
	}
	if err != nil {
		inst.mu.Unlock()
		return nil, err
	}
	if meta.Closed {
		inst.mu.Unlock()
		return nil, wire.New(http.StatusConflict, wire.CodeStreamClosed, "stream is closed")
	}
	if in.ContentType == "" && len(in.Payload) > 0 {
		inst.mu.Unlock()
		return nil, wire.New(http.StatusBadRequest, wire.CodeContentTypeRequired, "Content-Type header is required")
	}
	if len(in.Payload) > 0 && !store.ContentTypeMatches(meta.ContentType, in.ContentType) {
		inst.mu.Unlock()
		return nil, wire.Newf(http.StatusConflict, wire.CodeContentTypeMismatch,
			"stream content type is %s", meta.ContentType)
	}
	if in.StreamSeq != nil && *in.StreamSeq != meta.Tail.Seq {
		inst.mu.Unlock()
		return nil, wire.Newf(http.StatusConflict, wire.CodeStreamSeqRegression,
			"stream seq is %d, not %d", meta.Tail.Seq, *in.StreamSeq)
	}

	payloads, err := e.splitPayload(meta, in.Payload, false)
	if err != nil {
		inst.mu.Unlock()
		return nil, err
	}

	var producer *store.ProducerState
	if in.Producer != nil {
		prior, perr := inst.hot.Producer(in.Producer.ID)
		if perr != nil {
			inst.mu.Unlock()
			return nil, perr
		}
		state, outcome, verr := validateProducer(prior, in.Producer)
		if verr != nil {
			inst.mu.Unlock()
			return nil, verr
		}
		if outcome == producerDuplicate {
			inst.mu.Unlock()
			return &AppendOutcome{Meta: meta, Duplicate: true, ReceivedSeq: prior.LastSeq}, nil
		}
		state.LastUpdated = now
		producer = state
	}

	meta, err = inst.hot.Append(store.AppendRequest{
		Payloads:  payloads,
		WriteTime: now,
		Producer:  producer,
		Close:     in.Close,
	})
	if err != nil {
		inst.mu.Unlock()
		return nil, err
	}

	stats, statsErr := inst.hot.Stats()
	inst.mu.Unlock()

	// Wake live delivery outside the instance lock. Closing releases every
	// waiter; the re-read observes the closed meta instead of re-parking.
	if meta.Closed {
		inst.waiters.notifyClosed(meta.Tail)
	} else {
		inst.waiters.notify(meta.Tail)
	}
	e.broadcast(inst, meta, payloads)

	if statsErr == nil &&
		(stats.Count > e.cfg.SegmentMaxMessages || stats.Bytes > uint64(e.cfg.SegmentMaxBytes)) {
		e.maybeRotate(inst)
	}

	return &AppendOutcome{Meta: meta}, nil
}

// Meta returns current stream metadata (HEAD path).
func (e *Engine) Meta(path store.StreamPath) (*store.StreamMeta, error) {
	inst, err := e.get(path)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	meta, err := inst.hot.Meta()
	if err == store.ErrStreamNotFound || (err == nil && meta.IsExpired(time.Now())) {
		return nil, wire.New(http.StatusNotFound, wire.CodeStreamNotFound, "stream not found")
	}
	return meta, err
}

// Delete implements DELETE: drop hot state, best-effort delete cold segments,
// clear the registry entry, and evict live waiters.
func (e *Engine) Delete(path store.StreamPath) error {
	inst, err := e.get(path)
	if err != nil {
		return err
	}
	inst.mu.Lock()

	if _, err := inst.hot.Meta(); err == store.ErrStreamNotFound {
		inst.mu.Unlock()
		return wire.New(http.StatusNotFound, wire.CodeStreamNotFound, "stream not found")
	} else if err != nil {
		inst.mu.Unlock()
		return err
	}
	e.purgeLocked(inst)
	inst.mu.Unlock()

	inst.waiters.evictAll()
	inst.sse.closeAll(controlFrame{StreamClosed: true})
	inst.ws.Broadcast(wsControl(controlFrame{StreamClosed: true}))
	e.drop(path)
	return nil
}

// purgeLocked removes all durable state for a stream. Callers hold inst.mu.
func (e *Engine) purgeLocked(inst *instance) {
	segments, err := inst.hot.Segments()
	if err != nil {
		e.logger.Warn("listing segments for delete failed",
			zap.String("stream", inst.path.String()), zap.Error(err))
	}
	for _, seg := range segments {
		if err := e.cfg.Objects.Delete(seg.ObjectKey); err != nil {
			e.logger.Warn("cold segment delete failed",
				zap.String("key", seg.ObjectKey), zap.Error(err))
		}
	}
	if err := inst.hot.Purge(); err != nil {
		e.logger.Error("hot purge failed",
			zap.String("stream", inst.path.String()), zap.Error(err))
	}
	if err := store.DeleteWithRetry(e.cfg.Registry, store.StreamKey(inst.path)); err != nil {
		e.logger.Warn("registry delete failed after retries",
			zap.String("stream", inst.path.String()), zap.Error(err))
	}
}

// broadcast fans new payloads to SSE clients and attached WebSockets.
func (e *Engine) broadcast(inst *instance, meta *store.StreamMeta, payloads [][]byte) {
	// A close-only append carries no payloads but still owes subscribers the
	// streamClosed control frame.
	if len(payloads) == 0 && !meta.Closed {
		return
	}
	ctrl := controlFrame{
		StreamNextOffset: meta.Tail.String(),
		StreamClosed:     meta.Closed,
	}
	inst.sse.broadcast(payloads, ctrl, meta.Tail)
	for _, payload := range payloads {
		inst.ws.Broadcast(wsData(payload))
	}
	inst.ws.Broadcast(wsControl(ctrl))
}

// sweepLoop evicts idle instances and deletes expired streams.
func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopSweep:
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	candidates := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		candidates = append(candidates, inst)
	}
	e.mu.Unlock()

	for _, inst := range candidates {
		inst.mu.Lock()
		if inst.hot == nil {
			inst.mu.Unlock()
			continue
		}
		meta, err := inst.hot.Meta()
		expired := err == nil && meta.IsExpired(now)
		idle := now.Sub(inst.lastUsed) > e.cfg.IdleEvictAfter &&
			inst.waiters.len() == 0 && inst.sse.len() == 0 && inst.ws.Len() == 0
		if expired {
			e.purgeLocked(inst)
		}
		inst.mu.Unlock()

		if expired {
			inst.waiters.evictAll()
			inst.sse.closeAll(controlFrame{StreamClosed: true})
			e.drop(inst.path)
			e.logger.Debug("expired stream removed", zap.String("stream", inst.path.String()))
		} else if idle {
			e.drop(inst.path)
		}
	}
}
