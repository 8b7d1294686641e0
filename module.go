// Package estuary implements a durable event-streaming service as a Caddy
// HTTP handler: append-only ordered streams with hot/cold storage, idempotent
// producers, live delivery over long-poll, SSE and WebSocket, an edge cache
// with request coalescing, and estuary fan-out.
package estuary

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/edge"
	"github.com/estuary-dev/estuary/engine"
	"github.com/estuary-dev/estuary/fanout"
	"github.com/estuary-dev/estuary/store"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("estuary", parseCaddyfile)
}

// Handler serves the stream and estuary APIs.
type Handler struct {
	// DataDir is the directory for durable state. Empty means fully
	// in-memory storage (for testing and dev).
	DataDir string `json:"data_dir,omitempty"`

	// RegistryBackend selects the metadata registry: "bbolt" (default) or
	// "lmdb". Ignored when DataDir is empty.
	RegistryBackend string `json:"registry_backend,omitempty"`

	// MaxFileHandles caps cached read handles on cold segment files.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default long-poll deadline (max 60s).
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// MaxPayloadBytes caps a single append payload.
	MaxPayloadBytes int `json:"max_payload_bytes,omitempty"`

	// SegmentMaxMessages and SegmentMaxBytes are the rotation thresholds.
	SegmentMaxMessages int `json:"segment_max_messages,omitempty"`
	SegmentMaxBytes    int `json:"segment_max_bytes,omitempty"`

	// EstuaryTTL is the idle lifetime of an estuary before cleanup.
	EstuaryTTL caddy.Duration `json:"estuary_ttl,omitempty"`

	// MaxInlineFanout is the subscriber count above which fan-out is queued.
	MaxInlineFanout int `json:"max_inline_fanout,omitempty"`

	// FanoutBatchSize is the subscriber count per queued batch.
	FanoutBatchSize int `json:"fanout_batch_size,omitempty"`

	// NATSURL enables the queued fan-out path over NATS. Empty uses an
	// in-process queue with a local consumer.
	NATSURL string `json:"nats_url,omitempty"`

	// NATSSubject overrides the fan-out subject.
	NATSSubject string `json:"nats_subject,omitempty"`

	// InternalAddr is the base URL this handler can dial itself on for the
	// SSE-over-WebSocket bridge, e.g. "ws://127.0.0.1:8080". Empty serves
	// SSE directly from the engine.
	InternalAddr string `json:"internal_addr,omitempty"`

	// CacheMaxEntries bounds the edge URL cache.
	CacheMaxEntries int `json:"cache_max_entries,omitempty"`

	// CoalesceLinger is how long resolved coalesce entries outlive their
	// response.
	CoalesceLinger caddy.Duration `json:"coalesce_linger,omitempty"`

	// MaxInFlight caps the coalescing map.
	MaxInFlight int `json:"max_in_flight,omitempty"`

	logger    *zap.Logger
	engine    *engine.Engine
	registry  store.Registry
	objects   store.ObjectStore
	dispatch  *fanout.Dispatcher
	consumer  *fanout.Consumer
	queue     fanout.Queue
	estuaries *fanout.Manager
	cache     *edge.Cache
	coalescer *edge.Coalescer
	bridge    *edge.Bridge
	upgrader  websocket.Upgrader
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.estuary",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up storage, the engine, fan-out, and the edge layer.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(engine.DefaultLongPollTimeout)
	}
	if h.CacheMaxEntries == 0 {
		h.CacheMaxEntries = 10000
	}

	var (
		opener store.HotStoreOpener
		err    error
	)
	if h.DataDir == "" {
		opener = store.MemoryOpener()
		h.objects = store.NewMemoryObjectStore()
		h.registry = store.NewMemoryRegistry()
		h.logger.Info("using in-memory storage (no data_dir configured)")
	} else {
		opener = store.DuckDBOpener(h.DataDir)
		h.objects, err = store.NewFSObjectStore(h.DataDir, h.MaxFileHandles)
		if err != nil {
			return fmt.Errorf("initializing object store: %w", err)
		}
		switch h.RegistryBackend {
		case "", "bbolt":
			h.registry, err = store.NewBboltRegistry(h.DataDir)
		case "lmdb":
			h.registry, err = store.NewLMDBRegistry(h.DataDir)
		default:
			return fmt.Errorf("unknown registry_backend %q", h.RegistryBackend)
		}
		if err != nil {
			return fmt.Errorf("initializing registry: %w", err)
		}
		h.logger.Info("using durable storage",
			zap.String("data_dir", h.DataDir),
			zap.String("registry", h.RegistryBackend))
	}

	h.engine = engine.New(engine.Config{
		Opener:             opener,
		Objects:            h.objects,
		Registry:           h.registry,
		Logger:             h.logger,
		MaxPayloadBytes:    h.MaxPayloadBytes,
		SegmentMaxMessages: h.SegmentMaxMessages,
		SegmentMaxBytes:    h.SegmentMaxBytes,
		LongPollTimeout:    time.Duration(h.LongPollTimeout),
	})

	if h.NATSURL != "" {
		nq, err := fanout.NewNATSQueue(h.NATSURL, h.NATSSubject, h.logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		h.queue = nq
		h.dispatch = fanout.NewDispatcher(h.engine, h.registry, nq, h.logger)
		h.consumer = fanout.NewConsumer(h.dispatch, h.logger)
		if _, err := nq.Subscribe(h.consumer.Handle); err != nil {
			return fmt.Errorf("subscribing fanout consumer: %w", err)
		}
	} else {
		mq := fanout.NewMemoryQueue(0)
		h.queue = mq
		h.dispatch = fanout.NewDispatcher(h.engine, h.registry, mq, h.logger)
		h.consumer = fanout.NewConsumer(h.dispatch, h.logger)
		go h.consumer.Run(mq)
	}

	if h.MaxInlineFanout > 0 {
		h.dispatch.MaxInline = h.MaxInlineFanout
	}
	if h.FanoutBatchSize > 0 {
		h.dispatch.BatchSize = h.FanoutBatchSize
	}

	h.estuaries = fanout.NewManager(h.engine, h.registry, h.logger, time.Duration(h.EstuaryTTL))
	h.cache = edge.NewCache(h.CacheMaxEntries)
	h.coalescer = edge.NewCoalescer(time.Duration(h.CoalesceLinger), h.MaxInFlight)
	h.bridge = edge.NewBridge(h.logger)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The internal bridge dials from the same process; browsers never
		// reach this upgrade path directly.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.LongPollTimeout != 0 && time.Duration(h.LongPollTimeout) > engine.MaxLongPollTimeout {
		return fmt.Errorf("long_poll_timeout exceeds the %s maximum", engine.MaxLongPollTimeout)
	}
	if h.RegistryBackend != "" && h.RegistryBackend != "bbolt" && h.RegistryBackend != "lmdb" {
		return fmt.Errorf("unknown registry_backend %q", h.RegistryBackend)
	}
	return nil
}

// Cleanup releases all resources.
func (h *Handler) Cleanup() error {
	if h.estuaries != nil {
		h.estuaries.Close()
	}
	if h.queue != nil {
		h.queue.Close()
	}
	var firstErr error
	if h.engine != nil {
		if err := h.engine.Close(); err != nil {
			firstErr = err
		}
	}
	if h.registry != nil {
		if err := h.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if closer, ok := h.objects.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnmarshalCaddyfile parses the Caddyfile syntax:
//
//	estuary {
//	    data_dir /var/lib/estuary
//	    registry_backend bbolt
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    estuary_ttl 1h
//	    nats_url nats://127.0.0.1:4222
//	    internal_addr ws://127.0.0.1:8080
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "registry_backend":
				if !d.Args(&h.RegistryBackend) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
				h.MaxFileHandles = n
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "max_payload_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_payload_bytes: %v", err)
				}
				h.MaxPayloadBytes = n
			case "segment_max_messages":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid segment_max_messages: %v", err)
				}
				h.SegmentMaxMessages = n
			case "segment_max_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid segment_max_bytes: %v", err)
				}
				h.SegmentMaxBytes = n
			case "estuary_ttl":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.EstuaryTTL = caddy.Duration(dur)
			case "max_inline_fanout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_inline_fanout: %v", err)
				}
				h.MaxInlineFanout = n
			case "fanout_batch_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid fanout_batch_size: %v", err)
				}
				h.FanoutBatchSize = n
			case "nats_url":
				if !d.Args(&h.NATSURL) {
					return d.ArgErr()
				}
			case "nats_subject":
				if !d.Args(&h.NATSSubject) {
					return d.ArgErr()
				}
			case "internal_addr":
				if !d.Args(&h.InternalAddr) {
					return d.ArgErr()
				}
			case "cache_max_entries":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid cache_max_entries: %v", err)
				}
				h.CacheMaxEntries = n
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
