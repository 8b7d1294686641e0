package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Segment object format: each message is stored as
//
//	[4-byte big-endian length][payload bytes]
//
// concatenated without separators. Message offsets are reconstructed from the
// segment's start position plus the running payload lengths, so rotation is
// lossless: the same offsets a hot read returned before rotation come back
// from the cold object afterwards.

const (
	// LengthPrefixSize is the size of the record length prefix in bytes.
	LengthPrefixSize = 4

	// MaxMessageSize bounds one record, guarding against corrupt prefixes.
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	ErrMessageTooLarge  = errors.New("message too large")
	ErrSegmentTruncated = errors.New("segment object truncated")
)

// SegmentKey builds the content-addressed object key for a rotated range.
// Keys embed the seq range so a repeated rotation rewrites the identical key.
func SegmentKey(path StreamPath, startSeq, endSeq uint64) string {
	return fmt.Sprintf("%s/segments/%d-%d.bin", path.String(), startSeq, endSeq)
}

// BuildSegmentObject frames consecutive hot ops into one segment blob and
// returns the blob plus its Segment row. Ops must be non-empty and contiguous.
func BuildSegmentObject(path StreamPath, contentType string, ops []Op) ([]byte, Segment, error) {
	if len(ops) == 0 {
		return nil, Segment{}, errors.New("no ops to rotate")
	}
	var buf bytes.Buffer
	for _, op := range ops {
		if err := WriteRecord(&buf, op.Payload); err != nil {
			return nil, Segment{}, err
		}
	}
	first, last := ops[0], ops[len(ops)-1]
	seg := Segment{
		StartSeq:    first.Seq,
		EndSeq:      last.Seq,
		StartByte:   first.Offset,
		EndByte:     last.End(),
		ByteLen:     int64(buf.Len()),
		ObjectKey:   SegmentKey(path, first.Seq, last.Seq),
		ContentType: contentType,
	}
	return buf.Bytes(), seg, nil
}

// WriteRecord writes one length-prefixed record.
func WriteRecord(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadRecord reads one length-prefixed record. io.EOF at a record boundary is
// returned as-is; a partial record becomes ErrSegmentTruncated.
func ReadRecord(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrSegmentTruncated
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrSegmentTruncated
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrSegmentTruncated
	}
	return payload, nil
}

// SegmentCursorPos locates a read position inside a segment object.
type SegmentCursorPos struct {
	ObjectByte uint64 // byte position within the object, at a record boundary
	Seq        uint64 // stream seq of the last message before this position
	StreamByte uint64 // stream byte offset at this position
}

// ReadSegmentMessages reads records from r (an object reader positioned at
// pos) until maxBytes of payload have been emitted or the object ends.
// Returned ops carry reconstructed stream offsets. more is true when records
// remain past the returned batch; next locates the continuation.
func ReadSegmentMessages(r io.Reader, seg Segment, pos SegmentCursorPos, maxBytes int) (ops []Op, next SegmentCursorPos, more bool, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	next = pos
	total := 0
	for {
		if next.Seq >= seg.EndSeq {
			return ops, next, false, nil
		}
		if maxBytes > 0 && total > 0 {
			// Peek the next record length to honour the byte cap on a
			// record boundary.
			head, perr := br.Peek(LengthPrefixSize)
			if perr == io.EOF {
				return ops, next, false, nil
			}
			if perr != nil && len(head) < LengthPrefixSize {
				return ops, next, false, ErrSegmentTruncated
			}
			if total+int(binary.BigEndian.Uint32(head)) > maxBytes {
				return ops, next, true, nil
			}
		}
		payload, rerr := ReadRecord(br)
		if rerr == io.EOF {
			return ops, next, false, nil
		}
		if rerr != nil {
			return ops, next, false, rerr
		}
		op := Op{
			Seq:     next.Seq + 1,
			Offset:  next.StreamByte,
			Payload: payload,
		}
		ops = append(ops, op)
		total += len(payload)
		next = SegmentCursorPos{
			ObjectByte: next.ObjectByte + LengthPrefixSize + uint64(len(payload)),
			Seq:        op.Seq,
			StreamByte: op.End(),
		}
	}
}

// LocateInSegment scans a segment object reader from its start until the
// record whose stream byte offset is >= target, returning the position of
// that boundary. Offsets are message-aligned, so target always lands on a
// record boundary for well-formed requests.
func LocateInSegment(r io.Reader, seg Segment, target uint64) (SegmentCursorPos, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	pos := SegmentCursorPos{Seq: seg.StartSeq - 1, StreamByte: seg.StartByte}
	for pos.StreamByte < target {
		var lenBuf [LengthPrefixSize]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return pos, ErrSegmentTruncated
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > MaxMessageSize {
			return pos, ErrSegmentTruncated
		}
		if _, err := io.CopyN(io.Discard, br, int64(length)); err != nil {
			return pos, ErrSegmentTruncated
		}
		pos.Seq++
		pos.StreamByte += uint64(length)
		pos.ObjectByte += LengthPrefixSize + uint64(length)
	}
	return pos, nil
}
