package store

import (
	"fmt"
	"strconv"
)

// Offset represents a position within a stream.
// Format: 16 lowercase hex digits of stream sequence, an underscore, and
// 16 lowercase hex digits of byte offset. The format is lexicographically
// sortable, and that ordering is the stream's total order.
type Offset struct {
	Seq  uint64 // Number of messages appended up to this position
	Byte uint64 // Bytes of payload data up to this position (not framing)
}

// ZeroOffset is the starting offset for a new stream.
var ZeroOffset = Offset{}

// OffsetTokenLen is the length of an encoded offset token.
const OffsetTokenLen = 33 // 16 hex + '_' + 16 hex

// String returns the offset as its wire token.
func (o Offset) String() string {
	return fmt.Sprintf("%016x_%016x", o.Seq, o.Byte)
}

// IsZero returns true if this is the zero/starting offset.
func (o Offset) IsZero() bool {
	return o.Seq == 0 && o.Byte == 0
}

// Add returns a new offset advanced by one message of the given byte count.
func (o Offset) Add(bytes uint64) Offset {
	return Offset{Seq: o.Seq + 1, Byte: o.Byte + bytes}
}

// ParseOffset parses an offset token. The empty string and the aliases "-1"
// and "now" are handled by the engine's offset resolution; this function
// accepts only the canonical 33-character form.
func ParseOffset(s string) (Offset, error) {
	if len(s) != OffsetTokenLen || s[16] != '_' {
		return Offset{}, fmt.Errorf("invalid offset format: want 16 hex digits, underscore, 16 hex digits")
	}
	if !isLowerHex(s[:16]) || !isLowerHex(s[17:]) {
		return Offset{}, fmt.Errorf("invalid offset format: non-hex character")
	}
	seq, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: %w", err)
	}
	byteOff, err := strconv.ParseUint(s[17:], 16, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: %w", err)
	}
	return Offset{Seq: seq, Byte: byteOff}, nil
}

// isLowerHex reports whether s consists only of [0-9a-f].
func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return len(s) > 0
}

// Compare compares two offsets.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Offset) int {
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	if a.Byte != b.Byte {
		if a.Byte < b.Byte {
			return -1
		}
		return 1
	}
	return 0
}

// LessThan returns true if o < other.
func (o Offset) LessThan(other Offset) bool {
	return Compare(o, other) < 0
}

// Equal returns true if o == other.
func (o Offset) Equal(other Offset) bool {
	return Compare(o, other) == 0
}
