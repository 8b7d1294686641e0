package fanout

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/engine"
	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

// Estuary lifecycle defaults.
const (
	DefaultEstuaryTTL = time.Hour

	// cleanupBatchSize bounds parallel subscriber-registry removals during
	// TTL cleanup.
	cleanupBatchSize = 20
)

// SubscribeResult is the subscribe response body.
type SubscribeResult struct {
	EstuaryID         string `json:"estuaryId"`
	StreamID          string `json:"streamId"`
	EstuaryStreamPath string `json:"estuaryStreamPath"`
	ExpiresAt         int64  `json:"expiresAt"`
	IsNewEstuary      bool   `json:"isNewEstuary"`
}

// EstuaryInfo is the get/touch response body.
type EstuaryInfo struct {
	EstuaryID     string   `json:"estuaryId"`
	StreamPath    string   `json:"streamPath"`
	Subscriptions []string `json:"subscriptions"`
	ExpiresAt     int64    `json:"expiresAt"`
}

// Manager owns estuary lifecycle: the reverse index from estuary to source
// streams, the sink stream, and the TTL alarm that tears everything down.
type Manager struct {
	Engine   *engine.Engine
	Registry store.Registry
	Logger   *zap.Logger
	TTL      time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	expires map[string]time.Time
	closed  bool
}

// NewManager wires an estuary manager.
func NewManager(eng *engine.Engine, reg store.Registry, logger *zap.Logger, ttl time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultEstuaryTTL
	}
	return &Manager{
		Engine:   eng,
		Registry: reg,
		Logger:   logger,
		TTL:      ttl,
		timers:   make(map[string]*time.Timer),
		expires:  make(map[string]time.Time),
	}
}

// Close cancels all pending TTL alarms without running cleanup.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
		delete(m.expires, key)
	}
}

func estuaryKey(project, estuaryID string) string {
	return project + "/" + estuaryID
}

// Subscribe attaches an estuary to a source stream: ensure the sink stream
// exists with the source's content type, record both registry directions,
// and (re)arm the estuary's TTL.
func (m *Manager) Subscribe(source store.StreamPath, estuaryID string) (*SubscribeResult, error) {
	sink := store.StreamPath{Project: source.Project, Stream: estuaryID}
	if _, err := store.ParseStreamPath(sink.Project + "/" + sink.Stream); err != nil {
		return nil, wire.Newf(http.StatusBadRequest, wire.CodeMissingProjectOrStream,
			"invalid estuary id %q", estuaryID)
	}

	sourceMeta, err := m.Engine.Meta(source)
	if err != nil {
		return nil, err
	}

	isNew := false
	sinkMeta, err := m.Engine.Meta(sink)
	if wire.IsCode(err, wire.CodeStreamNotFound) {
		created, cerr := m.Engine.Create(engine.CreateRequest{
			Path:        sink,
			ContentType: sourceMeta.ContentType,
		})
		if cerr != nil {
			return nil, cerr
		}
		sinkMeta = created.Meta
		isNew = created.Created
	} else if err != nil {
		return nil, err
	} else if !store.ContentTypeMatches(sinkMeta.ContentType, sourceMeta.ContentType) {
		return nil, wire.Newf(http.StatusConflict, wire.CodeContentTypeMismatch,
			"estuary stream has content type %s, source has %s",
			sinkMeta.ContentType, sourceMeta.ContentType)
	}

	subs := NewSubscribers(m.Registry, source)
	if _, err := subs.Add(estuaryID); err != nil {
		return nil, err
	}
	if err := m.Registry.Put(store.EstKey(source.Project, estuaryID, source), marshalEstEntry()); err != nil {
		return nil, err
	}

	expiresAt := m.armTTL(source.Project, estuaryID)
	return &SubscribeResult{
		EstuaryID:         estuaryID,
		StreamID:          source.String(),
		EstuaryStreamPath: sink.String(),
		ExpiresAt:         expiresAt.UnixMilli(),
		IsNewEstuary:      isNew,
	}, nil
}

// Unsubscribe detaches an estuary from one source stream. The estuary and
// its sink stream survive until the TTL fires or Delete is called.
func (m *Manager) Unsubscribe(source store.StreamPath, estuaryID string) error {
	subs := NewSubscribers(m.Registry, source)
	if err := subs.Remove(estuaryID); err != nil {
		return err
	}
	if err := store.DeleteWithRetry(m.Registry, store.EstKey(source.Project, estuaryID, source)); err != nil {
		m.Logger.Warn("estuary reverse index delete failed",
			zap.String("estuary", estuaryKey(source.Project, estuaryID)), zap.Error(err))
	}
	return nil
}

// Get returns the estuary's current subscriptions and expiry.
func (m *Manager) Get(project, estuaryID string) (*EstuaryInfo, error) {
	sources, err := m.sources(project, estuaryID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	expiry := m.expires[estuaryKey(project, estuaryID)]
	m.mu.Unlock()
	if len(sources) == 0 && expiry.IsZero() {
		return nil, wire.New(http.StatusNotFound, wire.CodeStreamNotFound, "estuary not found")
	}
	return &EstuaryInfo{
		EstuaryID:     estuaryID,
		StreamPath:    project + "/" + estuaryID,
		Subscriptions: sources,
		ExpiresAt:     expiry.UnixMilli(),
	}, nil
}

// Touch re-arms the estuary's TTL and returns the refreshed info.
func (m *Manager) Touch(project, estuaryID string) (*EstuaryInfo, error) {
	info, err := m.Get(project, estuaryID)
	if err != nil {
		return nil, err
	}
	info.ExpiresAt = m.armTTL(project, estuaryID).UnixMilli()
	return info, nil
}

// Delete tears the estuary down immediately, as if its TTL fired.
func (m *Manager) Delete(project, estuaryID string) error {
	if _, err := m.Get(project, estuaryID); err != nil {
		return err
	}
	m.cleanup(project, estuaryID)
	return nil
}

// armTTL (re)schedules the cleanup alarm for now + TTL.
func (m *Manager) armTTL(project, estuaryID string) time.Time {
	key := estuaryKey(project, estuaryID)
	expiresAt := time.Now().Add(m.TTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return expiresAt
	}
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(m.TTL, func() { m.cleanup(project, estuaryID) })
	m.expires[key] = expiresAt
	return expiresAt
}

// sources lists the estuary's subscribed source streams.
func (m *Manager) sources(project, estuaryID string) ([]string, error) {
	prefix := store.EstKeyPrefix(project, estuaryID)
	keys, err := m.Registry.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, store.SuffixAfter(key, prefix))
	}
	return out, nil
}

// cleanup detaches the estuary from every subscribed source in bounded
// parallel batches, deletes the sink stream, and clears local state.
func (m *Manager) cleanup(project, estuaryID string) {
	key := estuaryKey(project, estuaryID)
	m.mu.Lock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	delete(m.expires, key)
	m.mu.Unlock()

	sources, err := m.sources(project, estuaryID)
	if err != nil {
		m.Logger.Error("estuary cleanup listing failed",
			zap.String("estuary", key), zap.Error(err))
		return
	}

	for start := 0; start < len(sources); start += cleanupBatchSize {
		end := start + cleanupBatchSize
		if end > len(sources) {
			end = len(sources)
		}
		var wg sync.WaitGroup
		for _, raw := range sources[start:end] {
			source, perr := store.ParseStreamPath(raw)
			if perr != nil {
				m.Logger.Warn("undecodable source in reverse index",
					zap.String("estuary", key), zap.String("source", raw))
				continue
			}
			wg.Add(1)
			go func(source store.StreamPath) {
				defer wg.Done()
				if err := NewSubscribers(m.Registry, source).Remove(estuaryID); err != nil {
					m.Logger.Warn("subscriber removal failed during cleanup",
						zap.String("estuary", key),
						zap.String("source", source.String()), zap.Error(err))
				}
				if err := store.DeleteWithRetry(m.Registry, store.EstKey(project, estuaryID, source)); err != nil {
					m.Logger.Warn("reverse index delete failed during cleanup",
						zap.String("estuary", key),
						zap.String("source", source.String()), zap.Error(err))
				}
			}(source)
		}
		wg.Wait()
	}

	sink := store.StreamPath{Project: project, Stream: estuaryID}
	if err := m.Engine.Delete(sink); err != nil && !wire.IsCode(err, wire.CodeStreamNotFound) {
		m.Logger.Warn("sink stream delete failed during cleanup",
			zap.String("estuary", key), zap.Error(err))
	}
	m.Logger.Debug("estuary cleaned up", zap.String("estuary", key))
}
