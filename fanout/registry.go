package fanout

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/estuary-dev/estuary/store"
)

// Subscribers is the authoritative subscriber set of one source stream,
// backed by the shared metadata registry. It also tracks fanout_seq, the
// monotonic count of fan-out dispatches from the source.
type Subscribers struct {
	reg    store.Registry
	source store.StreamPath
}

// NewSubscribers binds a subscriber registry view to one source stream.
func NewSubscribers(reg store.Registry, source store.StreamPath) *Subscribers {
	return &Subscribers{reg: reg, source: source}
}

func (s *Subscribers) seqKey() string {
	return "fseq:" + s.source.String()
}

// Add registers an estuary as a subscriber. Returns false when it was
// already subscribed.
func (s *Subscribers) Add(estuaryID string) (bool, error) {
	key := store.SubKey(s.source, estuaryID)
	if _, err := s.reg.Get(key); err == nil {
		return false, nil
	} else if err != store.ErrRegistryKeyNotFound {
		return false, err
	}
	entry := store.SubEntry{SubscribedAt: time.Now().UnixMilli()}
	return true, store.PutJSON(s.reg, key, entry)
}

// Remove drops one subscriber, retrying the registry delete.
func (s *Subscribers) Remove(estuaryID string) error {
	return store.DeleteWithRetry(s.reg, store.SubKey(s.source, estuaryID))
}

// RemoveAll drops a set of subscribers, returning the first error after
// attempting every delete.
func (s *Subscribers) RemoveAll(estuaryIDs []string) error {
	var firstErr error
	for _, id := range estuaryIDs {
		if err := s.Remove(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List returns subscriber ids in stable order.
func (s *Subscribers) List() ([]string, error) {
	prefix := store.SubKeyPrefix(s.source)
	keys, err := s.reg.List(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, store.SuffixAfter(key, prefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// NextFanoutSeq increments and returns the dispatch counter. The publish
// path for one source is serialised upstream, so read-modify-write is safe.
func (s *Subscribers) NextFanoutSeq() (uint64, error) {
	var seq uint64
	raw, err := s.reg.Get(s.seqKey())
	if err == nil {
		seq, _ = strconv.ParseUint(string(raw), 10, 64)
	} else if err != store.ErrRegistryKeyNotFound {
		return 0, err
	}
	seq++
	if err := s.reg.Put(s.seqKey(), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

// Purge removes the subscriber set and counter, used on source deletion.
func (s *Subscribers) Purge() error {
	prefix := store.SubKeyPrefix(s.source)
	keys, err := s.reg.List(prefix)
	if err != nil {
		return err
	}
	var firstErr error
	for _, key := range keys {
		if err := store.DeleteWithRetry(s.reg, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.reg.Delete(s.seqKey()); err != nil && err != store.ErrRegistryKeyNotFound && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// estEntry is the value stored under est: keys.
type estEntry struct {
	SubscribedAt int64 `json:"subscribed_at"`
}

func marshalEstEntry() []byte {
	raw, _ := json.Marshal(estEntry{SubscribedAt: time.Now().UnixMilli()})
	return raw
}
