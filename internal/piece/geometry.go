package piece

import "fmt"

// BlockLength is the canonical request unit, 16 KiB (2^14), per the wire
// protocol's request/piece messages. Only the final block of the final
// piece may be shorter.
const BlockLength = 16 * 1024

// PieceCount returns how many pieces are needed to cover size bytes of
// content at pieceLen bytes per piece.
func PieceCount(size int64, pieceLen int32) int {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	return int((size + int64(pieceLen) - 1) / int64(pieceLen))
}

// LastPieceLength returns the exact byte length of the final piece.
func LastPieceLength(size int64, pieceLen int32) int32 {
	if size <= 0 || pieceLen <= 0 {
		return 0
	}
	rem := size % int64(pieceLen)
	if rem == 0 {
		return pieceLen
	}
	return int32(rem)
}

// LengthAt returns the exact length of piece index.
func LengthAt(index int, size int64, pieceLen int32) (int32, error) {
	pc := PieceCount(size, pieceLen)
	if index < 0 || index >= pc {
		return 0, fmt.Errorf("piece: index out of range: %d (count=%d)", index, pc)
	}
	if index == pc-1 {
		return LastPieceLength(size, pieceLen), nil
	}
	return pieceLen, nil
}

// blockCountFor returns the number of BlockLength-sized blocks needed to
// cover a piece of the given length.
func blockCountFor(pieceLen int32) int {
	if pieceLen <= 0 {
		return 0
	}
	return int((pieceLen + BlockLength - 1) / BlockLength)
}

// lastBlockLength returns the exact byte length of the final block in a
// piece of the given length.
func lastBlockLength(pieceLen int32) int32 {
	if pieceLen <= 0 {
		return 0
	}
	rem := pieceLen % BlockLength
	if rem == 0 {
		return BlockLength
	}
	return rem
}

// blockBounds returns the [begin,length) of block blockIdx within a piece
// of the given length.
func blockBounds(pieceLen int32, blockIdx int) (begin, length uint32, err error) {
	bc := blockCountFor(pieceLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("piece: block index out of range: %d (count=%d)", blockIdx, bc)
	}
	begin = uint32(blockIdx) * BlockLength
	length = uint32(BlockLength)
	if blockIdx == bc-1 {
		length = uint32(lastBlockLength(pieceLen))
	}
	return begin, length, nil
}

// blockIndexForBegin maps a byte offset within a piece to its block index.
// Returns -1 if begin does not fall on a block boundary within range.
func blockIndexForBegin(begin uint32, pieceLen int32) int {
	if pieceLen <= 0 || int64(begin) >= int64(pieceLen) {
		return -1
	}
	idx := int(begin / BlockLength)
	if begin%BlockLength != 0 {
		return -1
	}
	return idx
}
