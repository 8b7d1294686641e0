package fanout

import (
	"errors"
	"sync"
)

// BatchMessage is one queued fan-out work item: deliver payload to a slice
// of subscribers of one source stream. BatchIndex is the position of the
// first subscriber within the publish's full subscriber list.
type BatchMessage struct {
	Project       string   `json:"project"`
	SourceStream  string   `json:"source_stream"`
	SubscriberIDs []string `json:"subscriber_ids"`
	Payload       []byte   `json:"payload"`
	ContentType   string   `json:"content_type"`
	FanoutSeq     uint64   `json:"fanout_seq"`
	BatchIndex    int      `json:"batch_index"`
}

// Queue is the transport for queued fan-out batches. Delivery may repeat;
// the consumer's idempotent producer headers make redelivery safe.
type Queue interface {
	Send(msg BatchMessage) error
	Close() error
}

// ErrQueueClosed reports a send on a closed queue.
var ErrQueueClosed = errors.New("fanout queue closed")

// MemoryQueue is an in-process queue used in tests and single-node dev mode.
type MemoryQueue struct {
	mu     sync.Mutex
	closed bool
	ch     chan BatchMessage
}

// NewMemoryQueue builds a queue buffering up to size batches.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan BatchMessage, size)}
}

func (q *MemoryQueue) Send(msg BatchMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ch <- msg
	return nil
}

// Receive exposes the delivery channel; it closes when the queue closes.
func (q *MemoryQueue) Receive() <-chan BatchMessage {
	return q.ch
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
