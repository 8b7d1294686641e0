package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Common errors surfaced by storage backends. The engine maps these onto
// wire codes; backends stay protocol-agnostic.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrStreamClosed        = errors.New("stream is closed")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrObjectNotFound      = errors.New("object not found")
	ErrRegistryKeyNotFound = errors.New("registry key not found")
	ErrStoreClosed         = errors.New("store is closed")
)

// DefaultContentType is applied when a stream is created without one.
const DefaultContentType = "application/octet-stream"

// StreamMeta is the per-stream row of the hot store's streams table.
type StreamMeta struct {
	Path        StreamPath
	ContentType string
	Closed      bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	TTLSeconds  *int64
	Tail        Offset // Tail.Seq = stream_seq, Tail.Byte = tail_offset
	ReaderKey   string // empty for public streams
	Public      bool
}

// IsExpired checks whether the stream has passed its expiry.
func (m *StreamMeta) IsExpired(now time.Time) bool {
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil && now.After(m.CreatedAt.Add(time.Duration(*m.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// Op is a single message in hot storage.
type Op struct {
	Seq           uint64 // dense, 1-based append index
	Offset        uint64 // start byte position in the stream
	Payload       []byte
	WriteTime     time.Time
	ProducerID    string // empty when unattributed
	ProducerEpoch int64
	ProducerSeq   int64
}

// End returns the byte position just past this op's payload.
func (o Op) End() uint64 {
	return o.Offset + uint64(len(o.Payload))
}

// NextOffset returns the offset token a reader should request after
// consuming this op.
func (o Op) NextOffset() Offset {
	return Offset{Seq: o.Seq, Byte: o.End()}
}

// Segment describes one immutable blob rotated out of hot storage.
// Byte range is [StartByte, EndByte) and seq range is [StartSeq, EndSeq],
// both contiguous with neighbouring segments and with the first hot op.
type Segment struct {
	Index       int
	StartSeq    uint64
	EndSeq      uint64
	StartByte   uint64
	EndByte     uint64
	ByteLen     int64 // object size including record framing
	ObjectKey   string
	ContentType string
}

// Contains reports whether the stream byte position lies inside the segment.
func (s Segment) Contains(byteOff uint64) bool {
	return byteOff >= s.StartByte && byteOff < s.EndByte
}

// ProducerState tracks the last accepted epoch and sequence for an
// idempotent producer on one stream.
type ProducerState struct {
	ID          string
	Epoch       int64
	LastSeq     int64
	LastUpdated time.Time
}

// ContentTypeMatches compares two content types, ignoring case, surrounding
// whitespace, and parameters such as charset.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = DefaultContentType
	}
	if b == "" {
		b = DefaultContentType
	}
	return strings.EqualFold(NormalizeContentType(a), NormalizeContentType(b))
}

// NormalizeContentType extracts the media type (before any semicolon) and
// trims whitespace.
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// IsJSONContentType returns true for application/json streams.
func IsJSONContentType(ct string) bool {
	return strings.EqualFold(NormalizeContentType(ct), "application/json")
}

// SplitJSONAppend validates a JSON append body and splits a top-level array
// into individual messages. Empty arrays are allowed only on create.
func SplitJSONAppend(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return nil, nil
		}
		result := make([][]byte, len(arr))
		for i, elem := range arr {
			result[i] = []byte(elem)
		}
		return result, nil
	}
	return [][]byte{trimmed}, nil
}

// FormatJSONResponse frames messages as one JSON array, the pinned read
// framing for application/json streams.
func FormatJSONResponse(payloads [][]byte) []byte {
	if len(payloads) == 0 {
		return []byte("[]")
	}
	total := 2
	for i, p := range payloads {
		if i > 0 {
			total++
		}
		total += len(p)
	}
	result := make([]byte, 0, total)
	result = append(result, '[')
	for i, p := range payloads {
		if i > 0 {
			result = append(result, ',')
		}
		result = append(result, p...)
	}
	return append(result, ']')
}
