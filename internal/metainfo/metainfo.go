// Package metainfo parses single-file torrent descriptors ("the .torrent
// file") into the fields the download coordinator needs: the announce URL,
// the piece hashes, and the total file length.
//
// Multi-file torrents are out of scope: a metainfo dict with a 'files' list
// instead of a 'length' is rejected with ErrMultiFileUnsupported rather than
// silently ignoring the remaining files.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"warren/internal/bencode"
)

// Metainfo is a parsed single-file torrent descriptor.
type Metainfo struct {
	Name         string
	PieceLength  int32
	Pieces       [][sha1.Size]byte
	Length       int64
	Private      bool
	Announce     string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	InfoHash     [sha1.Size]byte
}

var (
	ErrTopLevelNotDict      = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing      = errors.New("metainfo: 'announce' missing")
	ErrInfoMissing          = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict          = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing          = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing      = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive  = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing        = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid     = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLengthMissing        = errors.New("metainfo: 'info' length missing")
	ErrMultiFileUnsupported = errors.New("metainfo: multi-file torrents are not supported")
	ErrCreationDateInvalid  = errors.New("metainfo: invalid creation date")
)

// Size returns the total torrent length in bytes.
func (m *Metainfo) Size() int64 { return m.Length }

// PieceCount returns the number of pieces named in the 'pieces' field.
func (m *Metainfo) PieceCount() int { return len(m.Pieces) }

// Parse decodes a bencoded .torrent file into a Metainfo.
func Parse(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := castString(root["announce"])
	if err != nil || announce == "" {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := castInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, _ := castString(root["created by"])
	comment, _ := castString(root["comment"])

	infoVal, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoVal.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	m, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	infoBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}
	m.InfoHash = sha1.Sum(infoBytes)
	m.Announce = announce
	m.CreationDate = creationDate
	m.CreatedBy = createdBy
	m.Comment = comment

	return m, nil
}

func parseInfo(dict map[string]any) (*Metainfo, error) {
	var m Metainfo

	nameVal, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	name, err := castString(nameVal)
	if err != nil || name == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}
	m.Name = name

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plen, err := castInt(plVal)
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	m.PieceLength = int32(plen)

	pieces, err := parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}
	m.Pieces = pieces

	if v, ok := dict["private"]; ok {
		p, err := castInt(v)
		if err != nil || (p != 0 && p != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		m.Private = p == 1
	}

	if _, hasFiles := dict["files"]; hasFiles {
		return nil, ErrMultiFileUnsupported
	}

	lengthVal, hasLength := dict["length"]
	if !hasLength {
		return nil, ErrLengthMissing
	}
	length, err := castInt(lengthVal)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("metainfo: invalid 'length'")
	}
	m.Length = length

	return &m, nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := castBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
