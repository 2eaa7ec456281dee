package store

import (
	"encoding/binary"
	"fmt"

	"thunderbolt.dev/node/consensus"
)

// UtxoRecord preserves a consumed output so a disconnect can re-create it
// exactly.
type UtxoRecord struct {
	OutPoint consensus.OutPoint
	Entry    consensus.UtxoEntry
}

// RevertRecord is the per-block rollback payload: every UTXO the block
// consumed, with enough context to restore it. The outputs the block
// created are reconstructed from the block itself at disconnect time.
type RevertRecord struct {
	BlockHash consensus.Hash
	Spent     []UtxoRecord
}

func appendOutPoint(out []byte, p consensus.OutPoint) []byte {
	out = append(out, p.TxID[:]...)
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], p.Index)
	return append(out, b4[:]...)
}

func readOutPoint(b []byte) (consensus.OutPoint, []byte, error) {
	if len(b) < 36 {
		return consensus.OutPoint{}, nil, fmt.Errorf("undo: truncated outpoint")
	}
	var p consensus.OutPoint
	copy(p.TxID[:], b[0:32])
	p.Index = binary.LittleEndian.Uint32(b[32:36])
	return p, b[36:], nil
}

func encodeUtxoEntry(e consensus.UtxoEntry) []byte {
	// Layout:
	// amount u64le | lock_type u8 | locking_len u32le | locking_bytes
	// | block_height u64le | version u32le | is_coinbase u8
	out := make([]byte, 0, 8+1+4+len(e.Output.LockingParams)+8+4+1)
	var b8 [8]byte
	var b4 [4]byte
	binary.LittleEndian.PutUint64(b8[:], e.Output.Amount)
	out = append(out, b8[:]...)
	out = append(out, byte(e.Output.LockType))
	binary.LittleEndian.PutUint32(b4[:], uint32(len(e.Output.LockingParams)))
	out = append(out, b4[:]...)
	out = append(out, e.Output.LockingParams...)
	binary.LittleEndian.PutUint64(b8[:], e.BlockHeight)
	out = append(out, b8[:]...)
	binary.LittleEndian.PutUint32(b4[:], e.Version)
	out = append(out, b4[:]...)
	if e.IsCoinbase {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

func decodeUtxoEntry(b []byte) (consensus.UtxoEntry, error) {
	var e consensus.UtxoEntry
	if len(b) < 8+1+4+8+4+1 {
		return e, fmt.Errorf("utxo: truncated")
	}
	e.Output.Amount = binary.LittleEndian.Uint64(b[0:8])
	e.Output.LockType = consensus.LockType(b[8])
	lockLen := int(binary.LittleEndian.Uint32(b[9:13]))
	rest := b[13:]
	if len(rest) != lockLen+8+4+1 {
		return e, fmt.Errorf("utxo: bad locking length")
	}
	e.Output.LockingParams = append([]byte(nil), rest[:lockLen]...)
	rest = rest[lockLen:]
	e.BlockHeight = binary.LittleEndian.Uint64(rest[0:8])
	e.Version = binary.LittleEndian.Uint32(rest[8:12])
	e.IsCoinbase = rest[12] == 1
	return e, nil
}

func encodeRevertRecord(r *RevertRecord) ([]byte, error) {
	if len(r.Spent) > 0xffffffff {
		return nil, fmt.Errorf("undo: too many spent entries")
	}
	// Layout:
	// block_hash 32 | spent_count u32le
	//   (outpoint 36 | entry_len u32le | entry_bytes) * spent_count
	out := make([]byte, 0, 32+4+len(r.Spent)*(36+4+64))
	out = append(out, r.BlockHash[:]...)
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(len(r.Spent)))
	out = append(out, b4[:]...)
	for _, s := range r.Spent {
		out = appendOutPoint(out, s.OutPoint)
		entry := encodeUtxoEntry(s.Entry)
		binary.LittleEndian.PutUint32(b4[:], uint32(len(entry)))
		out = append(out, b4[:]...)
		out = append(out, entry...)
	}
	return out, nil
}

func decodeRevertRecord(b []byte) (*RevertRecord, error) {
	if len(b) < 32+4 {
		return nil, fmt.Errorf("undo: truncated")
	}
	r := &RevertRecord{}
	copy(r.BlockHash[:], b[0:32])
	count := binary.LittleEndian.Uint32(b[32:36])
	rest := b[36:]
	r.Spent = make([]UtxoRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		p, after, err := readOutPoint(rest)
		if err != nil {
			return nil, err
		}
		rest = after
		if len(rest) < 4 {
			return nil, fmt.Errorf("undo: truncated entry length")
		}
		entryLen := int(binary.LittleEndian.Uint32(rest[0:4]))
		rest = rest[4:]
		if entryLen > len(rest) {
			return nil, fmt.Errorf("undo: truncated entry")
		}
		entry, err := decodeUtxoEntry(rest[:entryLen])
		if err != nil {
			return nil, err
		}
		rest = rest[entryLen:]
		r.Spent = append(r.Spent, UtxoRecord{OutPoint: p, Entry: entry})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("undo: trailing bytes")
	}
	return r, nil
}
