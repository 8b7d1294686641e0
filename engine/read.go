package engine

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"time"

	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

// ReadRequest describes one catch-up (or long-poll) read.
type ReadRequest struct {
	Path   store.StreamPath
	Offset string // "", "-1", "now", or an offset token
	Cursor string // opaque continuation; overrides Offset when set
	// MaxBytes caps payload bytes per response; 0 uses the engine default.
	MaxBytes int
	LongPoll bool
	Timeout  time.Duration // long-poll deadline; 0 uses the engine default
}

// ReadResult is one bounded chunk of a stream.
type ReadResult struct {
	Meta       *store.StreamMeta
	Ops        []store.Op
	NextOffset store.Offset
	Cursor     string // set when more rotated data remains at NextOffset
	UpToDate   bool
	TimedOut   bool // long-poll deadline expired with no new data
}

// Read serves GET: resolve the start position, emit a bounded chunk from
// cold or hot storage, or park on the long-poll queue at the tail.
func (e *Engine) Read(ctx context.Context, req ReadRequest) (*ReadResult, error) {
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = e.cfg.ReadChunkBytes
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.LongPollTimeout
	}
	if timeout > MaxLongPollTimeout {
		timeout = MaxLongPollTimeout
	}

	// The start position is resolved once; "-1"/"now" pin to the tail as it
	// was before parking, so a wake-up replays the data that arrived.
	var (
		start    store.Offset
		resolved bool
	)
	for {
		inst, err := e.get(req.Path)
		if err != nil {
			return nil, err
		}

		inst.mu.Lock()
		meta, err := inst.hot.Meta()
		if err == store.ErrStreamNotFound || (err == nil && meta.IsExpired(time.Now())) {
			inst.mu.Unlock()
			return nil, wire.New(http.StatusNotFound, wire.CodeStreamNotFound, "stream not found")
		}
		if err != nil {
			inst.mu.Unlock()
			return nil, err
		}

		if req.Cursor != "" {
			segIndex, pos, derr := decodeCursor(req.Cursor)
			if derr != nil {
				inst.mu.Unlock()
				return nil, derr
			}
			segs, serr := inst.hot.Segments()
			inst.mu.Unlock()
			if serr != nil {
				return nil, serr
			}
			seg, ok := segmentByIndex(segs, segIndex)
			if !ok {
				return nil, wire.New(http.StatusBadRequest, wire.CodeInvalidOffset, "cursor does not match stream state")
			}
			return e.readCold(meta, segs, seg, pos, maxBytes)
		}

		if !resolved {
			start, err = resolveStart(meta, req.Offset)
			if err != nil {
				inst.mu.Unlock()
				return nil, err
			}
			resolved = true
		}

		if start.Byte < meta.Tail.Byte {
			segs, serr := inst.hot.Segments()
			if serr != nil {
				inst.mu.Unlock()
				return nil, serr
			}
			if seg, ok := segmentContaining(segs, start.Byte); ok {
				inst.mu.Unlock()
				return e.readColdFrom(meta, segs, seg, start.Byte, maxBytes)
			}
			ops, lerr := inst.hot.ListOps(start.Byte, maxBytes)
			inst.mu.Unlock()
			if lerr != nil {
				return nil, lerr
			}
			return hotResult(meta, start, ops), nil
		}

		// At the tail. A closed stream never gains data, so long-poll returns
		// immediately instead of parking.
		if !req.LongPoll || meta.Closed {
			inst.mu.Unlock()
			return &ReadResult{Meta: meta, NextOffset: meta.Tail, UpToDate: true}, nil
		}
		w := inst.waiters.register(start.Byte)
		inst.mu.Unlock()
		if inst.waiters.wait(ctx, w, timeout) {
			// New data arrived; re-read from the same position.
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &ReadResult{Meta: meta, NextOffset: meta.Tail, UpToDate: true, TimedOut: true}, nil
	}
}

// resolveStart maps the offset parameter to a stream position.
func resolveStart(meta *store.StreamMeta, raw string) (store.Offset, error) {
	switch raw {
	case "":
		return store.ZeroOffset, nil
	case "-1", "now":
		return meta.Tail, nil
	}
	off, err := store.ParseOffset(raw)
	if err != nil {
		return store.Offset{}, wire.Newf(http.StatusBadRequest, wire.CodeInvalidOffset,
			"malformed offset %q", raw)
	}
	if off.Byte > meta.Tail.Byte {
		return store.Offset{}, wire.Newf(http.StatusUnprocessableEntity, wire.CodeOffsetBeyondTail,
			"offset %s is beyond the stream tail %s", off, meta.Tail)
	}
	return off, nil
}

func segmentContaining(segs []store.Segment, byteOff uint64) (store.Segment, bool) {
	for _, seg := range segs {
		if seg.Contains(byteOff) {
			return seg, true
		}
	}
	return store.Segment{}, false
}

func segmentByIndex(segs []store.Segment, index int) (store.Segment, bool) {
	for _, seg := range segs {
		if seg.Index == index {
			return seg, true
		}
	}
	return store.Segment{}, false
}

// readColdFrom locates the record boundary for startByte inside seg, then
// reads from there.
func (e *Engine) readColdFrom(meta *store.StreamMeta, segs []store.Segment, seg store.Segment, startByte uint64, maxBytes int) (*ReadResult, error) {
	rc, err := e.openSegment(seg, 0)
	if err != nil {
		return nil, err
	}
	pos, err := store.LocateInSegment(rc, seg, startByte)
	rc.Close()
	if err != nil {
		return nil, segmentReadError(seg, err)
	}
	return e.readCold(meta, segs, seg, pos, maxBytes)
}

// readCold emits one bounded chunk from a segment object starting at pos.
func (e *Engine) readCold(meta *store.StreamMeta, segs []store.Segment, seg store.Segment, pos store.SegmentCursorPos, maxBytes int) (*ReadResult, error) {
	rc, err := e.openSegment(seg, pos.ObjectByte)
	if err != nil {
		return nil, err
	}
	ops, next, more, err := store.ReadSegmentMessages(rc, seg, pos, maxBytes)
	rc.Close()
	if err != nil {
		return nil, segmentReadError(seg, err)
	}

	res := &ReadResult{
		Meta:       meta,
		Ops:        ops,
		NextOffset: store.Offset{Seq: next.Seq, Byte: next.StreamByte},
	}
	if more {
		res.Cursor = encodeCursor(seg.Index, next)
	} else if nseg, ok := segmentContaining(segs, next.StreamByte); ok {
		// Continuation falls in the next segment; a fresh cursor avoids a
		// second boundary scan.
		res.Cursor = encodeCursor(nseg.Index, store.SegmentCursorPos{
			Seq:        nseg.StartSeq - 1,
			StreamByte: nseg.StartByte,
		})
	}
	res.UpToDate = res.NextOffset.Byte == meta.Tail.Byte
	return res, nil
}

func (e *Engine) openSegment(seg store.Segment, objectByte uint64) (io.ReadCloser, error) {
	rc, err := e.cfg.Objects.Open(seg.ObjectKey, objectByte)
	if err == store.ErrObjectNotFound {
		return nil, wire.Newf(http.StatusBadGateway, wire.CodeSegmentMissing,
			"segment object %s is missing", seg.ObjectKey)
	}
	if err != nil {
		return nil, wire.Newf(http.StatusBadGateway, wire.CodeSegmentUnavailable,
			"segment object %s: %v", seg.ObjectKey, err)
	}
	return rc, nil
}

func segmentReadError(seg store.Segment, err error) error {
	if err == store.ErrSegmentTruncated {
		return wire.Newf(http.StatusBadGateway, wire.CodeSegmentTruncated,
			"segment object %s is truncated", seg.ObjectKey)
	}
	return err
}

func hotResult(meta *store.StreamMeta, start store.Offset, ops []store.Op) *ReadResult {
	res := &ReadResult{Meta: meta, Ops: ops, NextOffset: start}
	if len(ops) > 0 {
		res.NextOffset = ops[len(ops)-1].NextOffset()
	}
	res.UpToDate = res.NextOffset.Byte == meta.Tail.Byte
	return res
}

// Cursor tokens are four big-endian words (segment index, object byte, seq,
// stream byte) in URL-safe base64. They rotate on every cold response.
func encodeCursor(segIndex int, pos store.SegmentCursorPos) string {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(segIndex))
	binary.BigEndian.PutUint64(buf[8:], pos.ObjectByte)
	binary.BigEndian.PutUint64(buf[16:], pos.Seq)
	binary.BigEndian.PutUint64(buf[24:], pos.StreamByte)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

func decodeCursor(s string) (int, store.SegmentCursorPos, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return 0, store.SegmentCursorPos{}, wire.New(http.StatusBadRequest, wire.CodeInvalidOffset,
			"malformed cursor")
	}
	segIndex := int(binary.BigEndian.Uint64(raw[0:]))
	pos := store.SegmentCursorPos{
		ObjectByte: binary.BigEndian.Uint64(raw[8:]),
		Seq:        binary.BigEndian.Uint64(raw[16:]),
		StreamByte: binary.BigEndian.Uint64(raw[24:]),
	}
	return segIndex, pos, nil
}
