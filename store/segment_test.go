package store

import (
	"bytes"
	"testing"
	"time"
)

func testOps(payloads ...string) []Op {
	var ops []Op
	var tail Offset
	for _, p := range payloads {
		ops = append(ops, Op{
			Seq:       tail.Seq + 1,
			Offset:    tail.Byte,
			Payload:   []byte(p),
			WriteTime: time.Now(),
		})
		tail = tail.Add(uint64(len(p)))
	}
	return ops
}

func TestSegmentKey(t *testing.T) {
	path := StreamPath{Project: "p", Stream: "s"}
	got := SegmentKey(path, 1, 1000)
	want := "p/s/segments/1-1000.bin"
	if got != want {
		t.Fatalf("SegmentKey = %q, want %q", got, want)
	}
}

func TestBuildSegmentObjectRoundtrip(t *testing.T) {
	path := StreamPath{Project: "p", Stream: "s"}
	ops := testOps("hello", "world", "!")

	blob, seg, err := BuildSegmentObject(path, "text/plain", ops)
	if err != nil {
		t.Fatalf("BuildSegmentObject: %v", err)
	}
	if seg.StartSeq != 1 || seg.EndSeq != 3 {
		t.Fatalf("seq range = %d-%d", seg.StartSeq, seg.EndSeq)
	}
	if seg.StartByte != 0 || seg.EndByte != 11 {
		t.Fatalf("byte range = %d-%d", seg.StartByte, seg.EndByte)
	}

	pos := SegmentCursorPos{Seq: seg.StartSeq - 1, StreamByte: seg.StartByte}
	read, next, more, err := ReadSegmentMessages(bytes.NewReader(blob), seg, pos, 0)
	if err != nil {
		t.Fatalf("ReadSegmentMessages: %v", err)
	}
	if more {
		t.Fatal("unexpected more=true after full read")
	}
	if len(read) != len(ops) {
		t.Fatalf("read %d ops, want %d", len(read), len(ops))
	}
	for i, op := range read {
		if !bytes.Equal(op.Payload, ops[i].Payload) {
			t.Errorf("op %d payload = %q, want %q", i, op.Payload, ops[i].Payload)
		}
		if op.Seq != ops[i].Seq || op.Offset != ops[i].Offset {
			t.Errorf("op %d position = (%d,%d), want (%d,%d)",
				i, op.Seq, op.Offset, ops[i].Seq, ops[i].Offset)
		}
	}
	if next.Seq != 3 || next.StreamByte != 11 {
		t.Fatalf("next = %+v", next)
	}
}

func TestReadSegmentMessagesByteCap(t *testing.T) {
	path := StreamPath{Project: "p", Stream: "s"}
	ops := testOps("aaaa", "bbbb", "cccc")
	blob, seg, err := BuildSegmentObject(path, "text/plain", ops)
	if err != nil {
		t.Fatalf("BuildSegmentObject: %v", err)
	}

	pos := SegmentCursorPos{Seq: seg.StartSeq - 1, StreamByte: seg.StartByte}
	read, next, more, err := ReadSegmentMessages(bytes.NewReader(blob), seg, pos, 5)
	if err != nil {
		t.Fatalf("ReadSegmentMessages: %v", err)
	}
	if len(read) != 1 {
		t.Fatalf("read %d ops under 5-byte cap, want 1", len(read))
	}
	if !more {
		t.Fatal("expected more=true with records remaining")
	}

	// Continue from the returned position.
	rest, _, more, err := ReadSegmentMessages(bytes.NewReader(blob[next.ObjectByte:]), seg, next, 0)
	if err != nil {
		t.Fatalf("continuation read: %v", err)
	}
	if more || len(rest) != 2 {
		t.Fatalf("continuation read %d ops (more=%v), want 2", len(rest), more)
	}
	if string(rest[0].Payload) != "bbbb" || string(rest[1].Payload) != "cccc" {
		t.Fatalf("continuation payloads = %q, %q", rest[0].Payload, rest[1].Payload)
	}
}

func TestLocateInSegment(t *testing.T) {
	path := StreamPath{Project: "p", Stream: "s"}
	ops := testOps("hello", "world")
	blob, seg, err := BuildSegmentObject(path, "text/plain", ops)
	if err != nil {
		t.Fatalf("BuildSegmentObject: %v", err)
	}

	pos, err := LocateInSegment(bytes.NewReader(blob), seg, 5)
	if err != nil {
		t.Fatalf("LocateInSegment: %v", err)
	}
	if pos.Seq != 1 || pos.StreamByte != 5 {
		t.Fatalf("pos = %+v", pos)
	}

	read, _, _, err := ReadSegmentMessages(bytes.NewReader(blob[pos.ObjectByte:]), seg, pos, 0)
	if err != nil {
		t.Fatalf("read after locate: %v", err)
	}
	if len(read) != 1 || string(read[0].Payload) != "world" {
		t.Fatalf("read after locate = %v", read)
	}
}

func TestReadSegmentMessagesTruncated(t *testing.T) {
	path := StreamPath{Project: "p", Stream: "s"}
	ops := testOps("hello", "world")
	blob, seg, err := BuildSegmentObject(path, "text/plain", ops)
	if err != nil {
		t.Fatalf("BuildSegmentObject: %v", err)
	}

	pos := SegmentCursorPos{Seq: seg.StartSeq - 1, StreamByte: seg.StartByte}
	_, _, _, err = ReadSegmentMessages(bytes.NewReader(blob[:len(blob)-3]), seg, pos, 0)
	if err != ErrSegmentTruncated {
		t.Fatalf("truncated read error = %v, want ErrSegmentTruncated", err)
	}
}

func TestBuildSegmentObjectDeterministic(t *testing.T) {
	path := StreamPath{Project: "p", Stream: "s"}
	ops := testOps("a", "bb", "ccc")
	blob1, seg1, err := BuildSegmentObject(path, "text/plain", ops)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	blob2, seg2, err := BuildSegmentObject(path, "text/plain", ops)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !bytes.Equal(blob1, blob2) {
		t.Fatal("rebuilt segment blob is not byte-identical")
	}
	if seg1.ObjectKey != seg2.ObjectKey {
		t.Fatalf("object keys differ: %q vs %q", seg1.ObjectKey, seg2.ObjectKey)
	}
}
