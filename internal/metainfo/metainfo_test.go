package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"warren/internal/bencode"
)

func mkPieces(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.Bytes()
}

func contains(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

func TestParse_SingleFile_OK(t *testing.T) {
	info := map[string]any{
		"name":         "file.txt",
		"piece length": int64(16384),
		"pieces":       mkPieces(2),
		"length":       int64(1234),
	}

	root := map[string]any{
		"announce":      "http://tracker",
		"creation date": int64(1700000000),
		"created by":    "tester",
		"comment":       "hello",
		"info":          info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mi, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if mi.Announce != "http://tracker" {
		t.Fatalf("announce = %q", mi.Announce)
	}

	wantDate := time.Unix(1700000000, 0).UTC()
	if !mi.CreationDate.Equal(wantDate) {
		t.Fatalf("creation date = %v, want %v", mi.CreationDate, wantDate)
	}
	if mi.CreatedBy != "tester" || mi.Comment != "hello" {
		t.Fatalf("metadata fields mismatch: %#v", mi)
	}

	if mi.Name != "file.txt" {
		t.Fatalf("name = %q", mi.Name)
	}
	if mi.PieceLength != 16384 {
		t.Fatalf("piece length = %d", mi.PieceLength)
	}
	if len(mi.Pieces) != 2 {
		t.Fatalf("pieces len = %d, want 2", len(mi.Pieces))
	}
	if mi.Length != 1234 {
		t.Fatalf("length = %d, want 1234", mi.Length)
	}

	hashed, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	wantHash := sha1.Sum(hashed)
	if mi.InfoHash != wantHash {
		t.Fatalf("info hash mismatch")
	}
}

func TestParse_MultiFileRejected(t *testing.T) {
	info := map[string]any{
		"name":         "dir",
		"piece length": int64(32768),
		"pieces":       mkPieces(1),
		"files": []any{
			map[string]any{"length": int64(10), "path": []any{"a", "b.txt"}},
			map[string]any{"length": int64(20), "path": []any{"c.txt"}},
		},
	}

	root := map[string]any{"announce": "http://tracker", "info": info}
	data, _ := bencode.Marshal(root)

	if _, err := Parse(data); err != ErrMultiFileUnsupported {
		t.Fatalf("want ErrMultiFileUnsupported, got %v", err)
	}
}

func TestParse_TopLevelAndRequiredErrors(t *testing.T) {
	data, _ := bencode.Marshal([]any{"x"})
	if _, err := Parse(data); err != ErrTopLevelNotDict {
		t.Fatalf("want ErrTopLevelNotDict, got %v", err)
	}

	info := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	}
	root := map[string]any{"info": info}
	data, _ = bencode.Marshal(root)
	if _, err := Parse(data); err != ErrAnnounceMissing {
		t.Fatalf("want ErrAnnounceMissing, got %v", err)
	}

	root = map[string]any{"announce": "x"}
	data, _ = bencode.Marshal(root)
	if _, err := Parse(data); err != ErrInfoMissing {
		t.Fatalf("want ErrInfoMissing, got %v", err)
	}

	root = map[string]any{"announce": "x", "info": "oops"}
	data, _ = bencode.Marshal(root)
	if _, err := Parse(data); err != ErrInfoNotDict {
		t.Fatalf("want ErrInfoNotDict, got %v", err)
	}
}

func TestParse_FieldValidationErrors(t *testing.T) {
	base := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	}

	root := map[string]any{
		"announce":      "x",
		"info":          base,
		"creation date": int64(-1),
	}
	data, _ := bencode.Marshal(root)
	if _, err := Parse(data); err != ErrCreationDateInvalid {
		t.Fatalf("want ErrCreationDateInvalid, got %v", err)
	}
}

func TestParseInfo_ValidationErrors(t *testing.T) {
	_, err := parseInfo(map[string]any{
		"name":   "f",
		"pieces": mkPieces(1),
		"length": int64(1),
	})
	if err != ErrPieceLenMissing {
		t.Fatalf("want ErrPieceLenMissing, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name":         "f",
		"piece length": int64(0),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	})
	if err != ErrPieceLenNonPositive {
		t.Fatalf("want ErrPieceLenNonPositive, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"length":       int64(1),
	})
	if err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
		"private":      int64(2),
	})
	if err == nil || !contains(err.Error(), "invalid 'private'") {
		t.Fatalf("want invalid private flag, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
		"files":        []any{map[string]any{"length": int64(1), "path": []any{"a"}}},
	})
	if err != ErrMultiFileUnsupported {
		t.Fatalf("want ErrMultiFileUnsupported, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
	})
	if err != ErrLengthMissing {
		t.Fatalf("want ErrLengthMissing, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(-1),
	})
	if err == nil || !contains(err.Error(), "invalid 'length'") {
		t.Fatalf("want invalid length, got %v", err)
	}
}

func TestParsePieces_Errors(t *testing.T) {
	if _, err := parsePieces(nil); err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}
	if _, err := parsePieces(123); err == nil || !contains(err.Error(), "'pieces'") {
		t.Fatalf("want pieces type error, got %v", err)
	}
	if _, err := parsePieces([]byte("short")); err != ErrPiecesLenInvalid {
		t.Fatalf("want ErrPiecesLenInvalid, got %v", err)
	}
}

func TestSize(t *testing.T) {
	if got := (&Metainfo{Length: 42}).Size(); got != 42 {
		t.Fatalf("Size() = %d, want 42", got)
	}
}

func TestPieceCount(t *testing.T) {
	m := &Metainfo{Pieces: make([][sha1.Size]byte, 3)}
	if got := m.PieceCount(); got != 3 {
		t.Fatalf("PieceCount() = %d, want 3", got)
	}
}
