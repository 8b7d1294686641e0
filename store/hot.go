package store

import "time"

// AppendRequest carries everything one append commits atomically: the op
// insert, the tail/seq advance, optional producer state, and optional close.
type AppendRequest struct {
	Payloads  [][]byte // one op per payload; JSON arrays arrive pre-split
	WriteTime time.Time
	Producer  *ProducerState // upserted in the same transaction when non-nil
	Close     bool
}

// OpsStats summarises the hot ops table for rotation decisions.
type OpsStats struct {
	Count int
	Bytes uint64
}

// HotStore is the durable, transactional store co-located with one stream
// engine instance. Implementations need not be safe for concurrent mutation:
// the engine serialises all calls for a stream.
type HotStore interface {
	// Meta returns the streams row, or ErrStreamNotFound before CreateMeta.
	Meta() (*StreamMeta, error)

	// CreateMeta inserts the streams row. ErrStreamExists if present.
	CreateMeta(meta *StreamMeta) error

	// UpdateMeta rewrites mutable stream attributes (closed, expiry).
	UpdateMeta(meta *StreamMeta) error

	// Append commits req in one transaction and returns the updated meta.
	Append(req AppendRequest) (*StreamMeta, error)

	// ListOps returns hot ops with start byte >= fromByte in offset order,
	// stopping after maxBytes of payload (at least one op is returned when
	// any qualifies; maxBytes <= 0 means no cap).
	ListOps(fromByte uint64, maxBytes int) ([]Op, error)

	// OldestOps returns up to maxCount consecutive ops from the start of hot
	// storage, capped at maxBytes of payload. Used to build rotation buffers.
	OldestOps(maxCount int, maxBytes int) ([]Op, error)

	// Stats summarises the hot ops table.
	Stats() (OpsStats, error)

	// Rotate atomically inserts the segment row and deletes the hot ops with
	// seq <= seg.EndSeq. Idempotent: re-running after a crash with an already
	// applied segment is a no-op.
	Rotate(seg Segment) error

	// Segments lists segment rows in offset order.
	Segments() ([]Segment, error)

	// Producer returns producer state, or ErrStreamNotFound-independent
	// (nil, nil) when the producer has no state yet.
	Producer(id string) (*ProducerState, error)

	// Producers lists all producer states for the stream.
	Producers() ([]ProducerState, error)

	// Purge removes all stream data: meta, ops, segments, producers.
	Purge() error

	// Close releases resources. The store cannot be used afterwards.
	Close() error
}

// HotStoreOpener creates the hot store for one stream path. The engine calls
// it when materialising a stream instance.
type HotStoreOpener func(path StreamPath) (HotStore, error)
