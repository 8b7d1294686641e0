package store

import "testing"

func TestOffsetString(t *testing.T) {
	tests := []struct {
		off  Offset
		want string
	}{
		{Offset{}, "0000000000000000_0000000000000000"},
		{Offset{Seq: 1, Byte: 5}, "0000000000000001_0000000000000005"},
		{Offset{Seq: 2, Byte: 10}, "0000000000000002_000000000000000a"},
		{Offset{Seq: 0xffff, Byte: 0xdeadbeef}, "000000000000ffff_00000000deadbeef"},
	}
	for _, tt := range tests {
		if got := tt.off.String(); got != tt.want {
			t.Errorf("String(%+v) = %q, want %q", tt.off, got, tt.want)
		}
	}
}

func TestParseOffsetRoundtrip(t *testing.T) {
	for _, off := range []Offset{
		{},
		{Seq: 1, Byte: 5},
		{Seq: 1000, Byte: 1 << 40},
	} {
		parsed, err := ParseOffset(off.String())
		if err != nil {
			t.Fatalf("ParseOffset(%q): %v", off.String(), err)
		}
		if !parsed.Equal(off) {
			t.Errorf("roundtrip %+v -> %+v", off, parsed)
		}
	}
}

func TestParseOffsetRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"0",
		"0000000000000001",
		"0000000000000001_000000000000000", // short byte half
		"0000000000000001-0000000000000005",
		"000000000000000G_0000000000000005",
		"0000000000000001_0000000000000005x",
		"0000000000000001_0000000000000005_0000000000000001",
		"000000000000000A_0000000000000005", // uppercase hex
	}
	for _, s := range bad {
		if _, err := ParseOffset(s); err == nil {
			t.Errorf("ParseOffset(%q) accepted malformed token", s)
		}
	}
}

func TestOffsetOrderingMatchesLexicographic(t *testing.T) {
	offsets := []Offset{
		{},
		{Seq: 1, Byte: 5},
		{Seq: 2, Byte: 10},
		{Seq: 2, Byte: 255},
		{Seq: 1000, Byte: 1 << 20},
	}
	for i := 0; i < len(offsets)-1; i++ {
		a, b := offsets[i], offsets[i+1]
		if !a.LessThan(b) {
			t.Errorf("expected %v < %v", a, b)
		}
		if !(a.String() < b.String()) {
			t.Errorf("lexicographic order broken: %q vs %q", a.String(), b.String())
		}
	}
}

func TestOffsetAdd(t *testing.T) {
	off := Offset{}
	off = off.Add(5)
	if off.Seq != 1 || off.Byte != 5 {
		t.Fatalf("after first add: %+v", off)
	}
	off = off.Add(5)
	if off.Seq != 2 || off.Byte != 10 {
		t.Fatalf("after second add: %+v", off)
	}
}
