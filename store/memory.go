package store

import (
	"sort"
	"sync"
)

// MemoryHotStore is an in-memory HotStore for tests and dev mode.
type MemoryHotStore struct {
	mu        sync.Mutex
	meta      *StreamMeta
	ops       []Op
	segments  []Segment
	producers map[string]ProducerState
}

// NewMemoryHotStore creates an empty in-memory hot store.
func NewMemoryHotStore() *MemoryHotStore {
	return &MemoryHotStore{producers: make(map[string]ProducerState)}
}

// MemoryOpener is a HotStoreOpener backed by a process-wide map, so a stream
// instance evicted and re-materialised sees its previous state.
func MemoryOpener() HotStoreOpener {
	var mu sync.Mutex
	stores := make(map[string]*MemoryHotStore)
	return func(path StreamPath) (HotStore, error) {
		mu.Lock()
		defer mu.Unlock()
		if s, ok := stores[path.String()]; ok {
			return s, nil
		}
		s := NewMemoryHotStore()
		stores[path.String()] = s
		return s, nil
	}
}

func (s *MemoryHotStore) Meta() (*StreamMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, ErrStreamNotFound
	}
	meta := *s.meta
	return &meta, nil
}

func (s *MemoryHotStore) CreateMeta(meta *StreamMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta != nil {
		return ErrStreamExists
	}
	m := *meta
	s.meta = &m
	return nil
}

func (s *MemoryHotStore) UpdateMeta(meta *StreamMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return ErrStreamNotFound
	}
	m := *meta
	s.meta = &m
	return nil
}

func (s *MemoryHotStore) Append(req AppendRequest) (*StreamMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, ErrStreamNotFound
	}
	tail := s.meta.Tail
	for _, payload := range req.Payloads {
		op := Op{
			Seq:       tail.Seq + 1,
			Offset:    tail.Byte,
			Payload:   payload,
			WriteTime: req.WriteTime,
		}
		if req.Producer != nil {
			op.ProducerID = req.Producer.ID
			op.ProducerEpoch = req.Producer.Epoch
			op.ProducerSeq = req.Producer.LastSeq
		}
		s.ops = append(s.ops, op)
		tail = tail.Add(uint64(len(payload)))
	}
	s.meta.Tail = tail
	if req.Producer != nil {
		s.producers[req.Producer.ID] = *req.Producer
	}
	if req.Close {
		s.meta.Closed = true
	}
	meta := *s.meta
	return &meta, nil
}

func (s *MemoryHotStore) ListOps(fromByte uint64, maxBytes int) ([]Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, ErrStreamNotFound
	}
	i := sort.Search(len(s.ops), func(i int) bool { return s.ops[i].Offset >= fromByte })
	var out []Op
	total := 0
	for ; i < len(s.ops); i++ {
		if maxBytes > 0 && total > 0 && total+len(s.ops[i].Payload) > maxBytes {
			break
		}
		op := s.ops[i]
		op.Payload = append([]byte(nil), op.Payload...)
		out = append(out, op)
		total += len(op.Payload)
	}
	return out, nil
}

func (s *MemoryHotStore) OldestOps(maxCount int, maxBytes int) ([]Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Op
	total := 0
	for _, op := range s.ops {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		if maxBytes > 0 && total > 0 && total+len(op.Payload) > maxBytes {
			break
		}
		cp := op
		cp.Payload = append([]byte(nil), op.Payload...)
		out = append(out, cp)
		total += len(cp.Payload)
	}
	return out, nil
}

func (s *MemoryHotStore) Stats() (OpsStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats OpsStats
	for _, op := range s.ops {
		stats.Count++
		stats.Bytes += uint64(len(op.Payload))
	}
	return stats, nil
}

func (s *MemoryHotStore) Rotate(seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.segments {
		if existing.StartSeq == seg.StartSeq {
			return nil // already applied
		}
	}
	keep := s.ops[:0]
	for _, op := range s.ops {
		if op.Seq > seg.EndSeq {
			keep = append(keep, op)
		}
	}
	s.ops = keep
	seg.Index = len(s.segments)
	s.segments = append(s.segments, seg)
	return nil
}

func (s *MemoryHotStore) Segments() ([]Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Segment(nil), s.segments...), nil
}

func (s *MemoryHotStore) Producer(id string) (*ProducerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.producers[id]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *MemoryHotStore) Producers() ([]ProducerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProducerState, 0, len(s.producers))
	for _, state := range s.producers {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryHotStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = nil
	s.ops = nil
	s.segments = nil
	s.producers = make(map[string]ProducerState)
	return nil
}

// Close is a no-op: the opener hands the same store back when the stream
// instance re-materialises.
func (s *MemoryHotStore) Close() error {
	return nil
}
