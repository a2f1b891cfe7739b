// Package piece owns the file-backed piece/block table: block ingestion,
// per-piece digest verification, and the local bitfield. Per the
// coordinator's concurrency model, a Manager is touched exclusively by the
// single goroutine that owns it — it is not safe for concurrent use from
// multiple goroutines, the way the teacher's equivalent bookkeeping guards
// itself with a sync.RWMutex.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"warren/internal/bitfield"
)

// PeerKey is a stable identifier for the peer a block is currently
// assigned to. It never dereferences a *session.Session directly, which
// would own the peer; the Manager only ever compares keys.
type PeerKey string

// BlockState is a block's position in the ingest lifecycle.
type BlockState uint8

const (
	BlockWant BlockState = iota
	BlockAssigned
	BlockGathered
)

type blockSlot struct {
	begin, length uint32
	state         BlockState
	assignedTo    PeerKey
	assignedAt    time.Time
}

type pieceSlot struct {
	index    uint32
	length   int32
	hash     [sha1.Size]byte
	blocks   []*blockSlot
	buf      []byte // assembled bytes, valid once gathered==blockCount
	gathered int
	finished bool // every block gathered; does not imply digest match
	verified bool // digest matched and bytes persisted
}

// Manager owns the piece/block table and the backing file for a single-file
// torrent.
type Manager struct {
	pieces    []*pieceSlot
	pieceLen  int32
	totalSize int64
	bf        bitfield.Bitfield
	file      *os.File
}

var (
	ErrPieceIndexRange = errors.New("piece: index out of range")
	ErrShortWrite      = errors.New("piece: short write to backing file")
	ErrShortRead       = errors.New("piece: short read from backing file")
)

// NewManager creates the piece/block table for a torrent described by
// pieceHashes/pieceLen/totalSize, and opens (creating if absent) the
// single backing file at filepath.Join(downloadDir, name).
func NewManager(pieceHashes [][sha1.Size]byte, pieceLen int32, totalSize int64, downloadDir, name string) (*Manager, error) {
	n := len(pieceHashes)
	pieces := make([]*pieceSlot, n)

	for i := 0; i < n; i++ {
		pl, err := LengthAt(i, totalSize, pieceLen)
		if err != nil {
			return nil, err
		}

		blockCount := blockCountFor(pl)
		blocks := make([]*blockSlot, blockCount)
		for j := 0; j < blockCount; j++ {
			begin, length, _ := blockBounds(pl, j)
			blocks[j] = &blockSlot{begin: begin, length: length, state: BlockWant}
		}

		pieces[i] = &pieceSlot{
			index:  uint32(i),
			length: pl,
			hash:   pieceHashes[i],
			blocks: blocks,
			buf:    make([]byte, pl),
		}
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("piece: create download dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(downloadDir, name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("piece: open backing file: %w", err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("piece: truncate backing file: %w", err)
	}

	return &Manager{
		pieces:    pieces,
		pieceLen:  pieceLen,
		totalSize: totalSize,
		bf:        bitfield.New(n),
		file:      f,
	}, nil
}

// Close closes the backing file.
func (m *Manager) Close() error { return m.file.Close() }

// NumPieces returns the number of pieces in the torrent.
func (m *Manager) NumPieces() int { return len(m.pieces) }

// NumBlocks returns the number of blocks in piece index.
func (m *Manager) NumBlocks(index uint32) int {
	if int(index) >= len(m.pieces) {
		return 0
	}
	return len(m.pieces[int(index)].blocks)
}

// BlockSpec returns the [begin,length) of block blockIdx within piece
// index, for building request messages.
func (m *Manager) BlockSpec(index uint32, blockIdx int) (begin, length uint32, ok bool) {
	if int(index) >= len(m.pieces) {
		return 0, 0, false
	}
	p := m.pieces[int(index)]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return 0, 0, false
	}
	b := p.blocks[blockIdx]
	return b.begin, b.length, true
}

// BlockState reports the lifecycle state of block blockIdx in piece index.
func (m *Manager) BlockState(index uint32, blockIdx int) (BlockState, bool) {
	if int(index) >= len(m.pieces) {
		return 0, false
	}
	p := m.pieces[int(index)]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return 0, false
	}
	return p.blocks[blockIdx].state, true
}

// PieceFinished reports whether every block of piece index has been
// gathered (independent of digest verification).
func (m *Manager) PieceFinished(index uint32) bool {
	if int(index) >= len(m.pieces) {
		return false
	}
	return m.pieces[int(index)].finished
}

// PieceVerified reports whether piece index's digest has been confirmed
// and its bytes persisted.
func (m *Manager) PieceVerified(index uint32) bool {
	if int(index) >= len(m.pieces) {
		return false
	}
	return m.pieces[int(index)].verified
}

// AssignBlock marks block blockIdx of piece index assigned to peer,
// stamping the current time. Returns false if the block is not currently
// wanted (already assigned or gathered).
func (m *Manager) AssignBlock(index uint32, blockIdx int, peer PeerKey, now time.Time) bool {
	if int(index) >= len(m.pieces) {
		return false
	}
	p := m.pieces[int(index)]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return false
	}
	b := p.blocks[blockIdx]
	if b.state != BlockWant {
		return false
	}
	b.state = BlockAssigned
	b.assignedTo = peer
	b.assignedAt = now
	return true
}

// UnassignBlock releases block blockIdx of piece index back to BlockWant,
// regardless of which peer held it. Used for the 10-second reassignment
// window; a dropped peer's blocks are released with UnassignPeer.
func (m *Manager) UnassignBlock(index uint32, blockIdx int) {
	if int(index) >= len(m.pieces) {
		return
	}
	p := m.pieces[int(index)]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return
	}
	b := p.blocks[blockIdx]
	if b.state == BlockAssigned {
		b.state = BlockWant
		b.assignedTo = ""
		b.assignedAt = time.Time{}
	}
}

// UnassignPeer releases every block currently assigned to peer, as when a
// session is dropped. It returns the count released, for W bookkeeping.
func (m *Manager) UnassignPeer(peer PeerKey) int {
	released := 0
	for _, p := range m.pieces {
		for _, b := range p.blocks {
			if b.state == BlockAssigned && b.assignedTo == peer {
				b.state = BlockWant
				b.assignedTo = ""
				b.assignedAt = time.Time{}
				released++
			}
		}
	}
	return released
}

// AssignedSince reports the peer and assignment time for an in-flight
// block, for the scheduler's 10-second staleness check.
func (m *Manager) AssignedSince(index uint32, blockIdx int) (peer PeerKey, at time.Time, ok bool) {
	if int(index) >= len(m.pieces) {
		return "", time.Time{}, false
	}
	p := m.pieces[int(index)]
	if blockIdx < 0 || blockIdx >= len(p.blocks) {
		return "", time.Time{}, false
	}
	b := p.blocks[blockIdx]
	if b.state != BlockAssigned {
		return "", time.Time{}, false
	}
	return b.assignedTo, b.assignedAt, true
}

// IngestBlock implements the C2 ingest contract: given a received block
// (index, begin, data), it locates the slot at offset begin within piece
// index, checks the incoming length matches the slot's length exactly
// (mismatch is silently ignored), copies the payload into the piece's
// assembled buffer, and marks the slot gathered. It reports whether the
// piece became finished as a result.
func (m *Manager) IngestBlock(index, begin uint32, data []byte) (finished bool, err error) {
	if int(index) >= len(m.pieces) {
		return false, ErrPieceIndexRange
	}
	p := m.pieces[int(index)]

	blockIdx := blockIndexForBegin(begin, p.length)
	if blockIdx < 0 {
		return false, nil // no matching slot; ignore
	}
	b := p.blocks[blockIdx]
	if uint32(len(data)) != b.length {
		return false, nil // length mismatch; ignore per §4.2
	}
	if b.state == BlockGathered {
		return p.finished, nil // duplicate arrival; no-op
	}

	copy(p.buf[begin:begin+b.length], data)
	b.state = BlockGathered
	b.assignedTo = ""
	p.gathered++

	if p.gathered == len(p.blocks) {
		p.finished = true
	}

	return p.finished, nil
}

// VerifyPiece compares the assembled buffer of a finished piece against its
// expected digest. On success it persists the piece to the backing file
// and sets the local bitfield bit, returning true. On mismatch it resets
// every block to BlockWant and zeroes the buffer, returning false so the
// piece is re-requested.
func (m *Manager) VerifyPiece(index uint32) (bool, error) {
	if int(index) >= len(m.pieces) {
		return false, ErrPieceIndexRange
	}
	p := m.pieces[int(index)]
	if !p.finished || p.verified {
		return p.verified, nil
	}

	if sha1.Sum(p.buf) != p.hash {
		for _, b := range p.blocks {
			b.state = BlockWant
			b.assignedTo = ""
			b.assignedAt = time.Time{}
		}
		for i := range p.buf {
			p.buf[i] = 0
		}
		p.gathered = 0
		p.finished = false
		return false, nil
	}

	if err := m.persist(p); err != nil {
		return false, err
	}

	p.verified = true
	m.bf.Set(int(index))
	return true, nil
}

// persist writes a verified piece's assembled buffer to the backing file
// at byte offset index*pieceLen. Writes never extend the file past
// totalSize, since the final piece's buffer is already sized to the short
// final length.
func (m *Manager) persist(p *pieceSlot) error {
	offset := int64(p.index) * int64(m.pieceLen)
	n, err := m.file.WriteAt(p.buf, offset)
	if err != nil {
		return fmt.Errorf("piece: write piece %d: %w", p.index, err)
	}
	if n != len(p.buf) {
		return ErrShortWrite
	}
	return nil
}

// ReadBlock reads length bytes at offset begin within piece index directly
// from the backing file, for serving a remote peer's request message.
func (m *Manager) ReadBlock(index, begin, length uint32) ([]byte, error) {
	if int(index) >= len(m.pieces) {
		return nil, ErrPieceIndexRange
	}
	p := m.pieces[int(index)]
	if int64(begin)+int64(length) > int64(p.length) {
		return nil, fmt.Errorf("piece: block request out of piece bounds")
	}

	offset := int64(p.index)*int64(m.pieceLen) + int64(begin)
	buf := make([]byte, length)
	n, err := m.file.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("piece: read piece %d: %w", p.index, err)
	}
	if n != int(length) {
		return nil, ErrShortRead
	}
	return buf, nil
}

// Bitfield returns a copy of the local bitfield (piece possession vector).
func (m *Manager) Bitfield() bitfield.Bitfield { return m.bf.Clone() }

// Complete reports whether every piece has been verified.
func (m *Manager) Complete() bool { return m.bf.All(len(m.pieces)) }

// MarkAllVerified sets every piece verified and the bitfield fully set,
// without touching the backing file — used by seeder startup once every
// piece on disk has independently passed digest verification.
func (m *Manager) MarkAllVerified() {
	for _, p := range m.pieces {
		p.verified = true
		p.finished = true
		for _, b := range p.blocks {
			b.state = BlockGathered
		}
		p.gathered = len(p.blocks)
	}
	for i := range m.pieces {
		m.bf.Set(i)
	}
}

// PieceLength returns the length of piece index.
func (m *Manager) PieceLength(index uint32) int32 {
	if int(index) >= len(m.pieces) {
		return 0
	}
	return m.pieces[int(index)].length
}

// PieceHash returns the expected digest of piece index.
func (m *Manager) PieceHash(index uint32) [sha1.Size]byte {
	if int(index) >= len(m.pieces) {
		return [sha1.Size]byte{}
	}
	return m.pieces[int(index)].hash
}

// PieceBuf returns the assembled buffer for piece index, for digest
// re-verification against data already on disk at seeder startup.
func (m *Manager) PieceBuf(index uint32) []byte {
	if int(index) >= len(m.pieces) {
		return nil
	}
	return m.pieces[int(index)].buf
}

// LoadFromDisk reads piece index's bytes from the backing file into its
// assembled buffer, for seeder-mode startup verification.
func (m *Manager) LoadFromDisk(index uint32) error {
	if int(index) >= len(m.pieces) {
		return ErrPieceIndexRange
	}
	p := m.pieces[int(index)]
	offset := int64(p.index) * int64(m.pieceLen)
	n, err := m.file.ReadAt(p.buf, offset)
	if err != nil {
		return fmt.Errorf("piece: load piece %d: %w", p.index, err)
	}
	if n != len(p.buf) {
		return ErrShortRead
	}
	return nil
}
