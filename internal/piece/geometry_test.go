package piece

import "testing"

func TestPieceCount(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		pieceLen int32
		want     int
	}{
		{"zero size", 0, 1024, 0},
		{"zero pieceLen", 1024, 0, 0},
		{"exact fit", 2048, 1024, 2},
		{"one extra byte", 2049, 1024, 3},
		{"less than one piece", 512, 1024, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := PieceCount(tc.size, tc.pieceLen); got != tc.want {
				t.Fatalf("PieceCount(%d,%d) = %d, want %d", tc.size, tc.pieceLen, got, tc.want)
			}
		})
	}
}

func TestLastPieceLength(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		pieceLen int32
		want     int32
	}{
		{"exact fit", 2048, 1024, 1024},
		{"one extra byte", 2049, 1024, 1},
		{"less than one piece", 512, 1024, 512},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := LastPieceLength(tc.size, tc.pieceLen); got != tc.want {
				t.Fatalf("LastPieceLength(%d,%d) = %d, want %d", tc.size, tc.pieceLen, got, tc.want)
			}
		})
	}
}

func TestLengthAt(t *testing.T) {
	// L=227172, P=32768 -> 7 pieces, last = 227172 - 6*32768 = 30564
	size, pieceLen := int64(227172), int32(32768)

	for i := 0; i < 6; i++ {
		got, err := LengthAt(i, size, pieceLen)
		if err != nil || got != pieceLen {
			t.Fatalf("LengthAt(%d) = (%d,%v), want (%d,nil)", i, got, err, pieceLen)
		}
	}

	last, err := LengthAt(6, size, pieceLen)
	if err != nil || last != 30564 {
		t.Fatalf("LengthAt(6) = (%d,%v), want (30564,nil)", last, err)
	}

	if _, err := LengthAt(7, size, pieceLen); err == nil {
		t.Fatalf("expected out-of-range error for index 7")
	}
}

func TestBlockBoundsAndCount(t *testing.T) {
	// A piece of 30564 bytes covers 2 full 16384-byte blocks plus a short tail.
	pieceLen := int32(30564)
	if got := blockCountFor(pieceLen); got != 2 {
		t.Fatalf("blockCountFor(%d) = %d, want 2", pieceLen, got)
	}

	begin0, len0, err := blockBounds(pieceLen, 0)
	if err != nil || begin0 != 0 || len0 != BlockLength {
		t.Fatalf("blockBounds(0) = (%d,%d,%v)", begin0, len0, err)
	}

	begin1, len1, err := blockBounds(pieceLen, 1)
	if err != nil || begin1 != BlockLength || len1 != uint32(pieceLen)-BlockLength {
		t.Fatalf("blockBounds(1) = (%d,%d,%v)", begin1, len1, err)
	}

	if _, _, err := blockBounds(pieceLen, 2); err == nil {
		t.Fatalf("expected out-of-range error for block 2")
	}
}

func TestBlockIndexForBegin(t *testing.T) {
	pieceLen := int32(30564)

	if got := blockIndexForBegin(0, pieceLen); got != 0 {
		t.Fatalf("blockIndexForBegin(0) = %d, want 0", got)
	}
	if got := blockIndexForBegin(BlockLength, pieceLen); got != 1 {
		t.Fatalf("blockIndexForBegin(BlockLength) = %d, want 1", got)
	}
	if got := blockIndexForBegin(100, pieceLen); got != -1 {
		t.Fatalf("blockIndexForBegin(100) = %d, want -1 (not block-aligned)", got)
	}
	if got := blockIndexForBegin(uint32(pieceLen), pieceLen); got != -1 {
		t.Fatalf("blockIndexForBegin(pieceLen) = %d, want -1 (out of range)", got)
	}
}
