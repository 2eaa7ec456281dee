package store

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"thunderbolt.dev/node/consensus"
)

// BlockStatus tracks what the engine has established about a stored block.
type BlockStatus byte

const (
	StatusUnknown BlockStatus = 0
	// StatusValid blocks passed full validation when they connected.
	StatusValid BlockStatus = 1
	// StatusInvalid blocks failed contextual validation during a connect or
	// reorg attempt and are never reconsidered.
	StatusInvalid BlockStatus = 2
	// StatusSide blocks are stored but not on the active chain.
	StatusSide BlockStatus = 3
)

// BlockMetadata is the per-block index record: the header plus everything
// needed to weigh, locate, and revert the block without reparsing it.
type BlockMetadata struct {
	Header         consensus.BlockHeader
	Height         uint64
	CumulativeWork *big.Int
	BlockPtr       LogPointer
	RevertPtr      LogPointer
	TxCount        uint32
	Status         BlockStatus
}

func (m *BlockMetadata) Hash() consensus.Hash {
	return m.Header.BlockHash()
}

// TxMetadata locates a confirmed transaction.
type TxMetadata struct {
	TxID            consensus.Hash
	BlockHash       consensus.Hash
	BlockHeight     uint64
	PositionInBlock uint32
	Timestamp       uint64
}

func appendPointer(out []byte, p LogPointer) []byte {
	var b4 [4]byte
	var b8 [8]byte
	binary.LittleEndian.PutUint32(b4[:], p.Segment)
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint64(b8[:], p.Offset)
	return append(out, b8[:]...)
}

func readPointer(b []byte) (LogPointer, []byte, error) {
	if len(b) < 12 {
		return LogPointer{}, nil, fmt.Errorf("meta: truncated pointer")
	}
	p := LogPointer{
		Segment: binary.LittleEndian.Uint32(b[0:4]),
		Offset:  binary.LittleEndian.Uint64(b[4:12]),
	}
	return p, b[12:], nil
}

func encodeBlockMetadata(m *BlockMetadata) ([]byte, error) {
	if m.CumulativeWork == nil || m.CumulativeWork.Sign() < 0 {
		return nil, fmt.Errorf("meta: cumulative work required")
	}
	work := m.CumulativeWork.Bytes()
	if len(work) > 0xffff {
		return nil, fmt.Errorf("meta: cumulative work too large")
	}

	// Layout:
	// header | height u64le | block_ptr 12 | revert_ptr 12 | tx_count u32le
	// | status u8 | work_len u16le | work_bytes
	out := make([]byte, 0, consensus.BlockHeaderSize+8+12+12+4+1+2+len(work))
	out = append(out, consensus.EncodeHeader(&m.Header)...)
	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], m.Height)
	out = append(out, b8[:]...)
	out = appendPointer(out, m.BlockPtr)
	out = appendPointer(out, m.RevertPtr)
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], m.TxCount)
	out = append(out, b4[:]...)
	out = append(out, byte(m.Status))
	var b2 [2]byte
	binary.LittleEndian.PutUint16(b2[:], uint16(len(work)))
	out = append(out, b2[:]...)
	out = append(out, work...)
	return out, nil
}

func decodeBlockMetadata(b []byte) (*BlockMetadata, error) {
	if len(b) < consensus.BlockHeaderSize+8+12+12+4+1+2 {
		return nil, fmt.Errorf("meta: truncated")
	}
	header, err := consensus.DecodeHeader(b[:consensus.BlockHeaderSize])
	if err != nil {
		return nil, fmt.Errorf("meta: header: %w", err)
	}
	rest := b[consensus.BlockHeaderSize:]
	height := binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]
	blockPtr, rest, err := readPointer(rest)
	if err != nil {
		return nil, err
	}
	revertPtr, rest, err := readPointer(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4+1+2 {
		return nil, fmt.Errorf("meta: truncated tail")
	}
	txCount := binary.LittleEndian.Uint32(rest[0:4])
	status := BlockStatus(rest[4])
	workLen := int(binary.LittleEndian.Uint16(rest[5:7]))
	rest = rest[7:]
	if len(rest) != workLen {
		return nil, fmt.Errorf("meta: bad work length")
	}
	return &BlockMetadata{
		Header:         header,
		Height:         height,
		CumulativeWork: new(big.Int).SetBytes(rest),
		BlockPtr:       blockPtr,
		RevertPtr:      revertPtr,
		TxCount:        txCount,
		Status:         status,
	}, nil
}

func encodeTxMetadata(m *TxMetadata) []byte {
	// Layout: txid 32 | block_hash 32 | height u64le | position u32le | timestamp u64le
	out := make([]byte, 0, 32+32+8+4+8)
	out = append(out, m.TxID[:]...)
	out = append(out, m.BlockHash[:]...)
	var b8 [8]byte
	var b4 [4]byte
	binary.LittleEndian.PutUint64(b8[:], m.BlockHeight)
	out = append(out, b8[:]...)
	binary.LittleEndian.PutUint32(b4[:], m.PositionInBlock)
	out = append(out, b4[:]...)
	binary.LittleEndian.PutUint64(b8[:], m.Timestamp)
	out = append(out, b8[:]...)
	return out
}

func decodeTxMetadata(b []byte) (*TxMetadata, error) {
	if len(b) != 32+32+8+4+8 {
		return nil, fmt.Errorf("txmeta: bad length %d", len(b))
	}
	m := &TxMetadata{}
	copy(m.TxID[:], b[0:32])
	copy(m.BlockHash[:], b[32:64])
	m.BlockHeight = binary.LittleEndian.Uint64(b[64:72])
	m.PositionInBlock = binary.LittleEndian.Uint32(b[72:76])
	m.Timestamp = binary.LittleEndian.Uint64(b[76:84])
	return m, nil
}
