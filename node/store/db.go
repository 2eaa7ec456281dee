package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"thunderbolt.dev/node/consensus"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlockMeta   = []byte("blockmeta")
	bucketTxMeta      = []byte("txmeta")
	bucketUtxo        = []byte("utxo")
	bucketAddrIndex   = []byte("addrindex")
	bucketHeightIndex = []byte("heightindex")
	bucketChain       = []byte("chainstate")
)

var keyHead = []byte("H")

// Store owns the node's persistent chain data: the bbolt metadata index
// plus the segmented block and revert logs. Block bytes and revert records
// live in the logs; everything keyed by hash lives in bbolt; a block's
// whole UTXO/metadata mutation set flushes in a single bbolt transaction.
type Store struct {
	dir     string
	db      *bolt.DB
	blocks  *SegmentedLog
	reverts *SegmentedLog
}

// Options tunes store geometry. The zero value selects defaults.
type Options struct {
	SegmentSize int64
}

// Open prepares the on-disk layout under dataDir: blocks/, reverts/, and
// meta/kv.db.
func Open(dataDir string, opts Options) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("store: datadir required")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "meta"), 0o750); err != nil {
		return nil, fmt.Errorf("store: create meta dir: %w", err)
	}

	blocks, err := OpenLog(filepath.Join(dataDir, "blocks"), "blk", opts.SegmentSize)
	if err != nil {
		return nil, err
	}
	reverts, err := OpenLog(filepath.Join(dataDir, "reverts"), "rev", opts.SegmentSize)
	if err != nil {
		_ = blocks.Close()
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(dataDir, "meta", "kv.db"), 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		_ = blocks.Close()
		_ = reverts.Close()
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}

	s := &Store{dir: dataDir, db: db, blocks: blocks, reverts: reverts}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlockMeta, bucketTxMeta, bucketUtxo, bucketAddrIndex, bucketHeightIndex, bucketChain} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var first error
	if s.blocks != nil {
		if err := s.blocks.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.reverts != nil {
		if err := s.reverts.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AppendBlock writes serialized block bytes to the block log.
func (s *Store) AppendBlock(raw []byte) (LogPointer, error) {
	return s.blocks.Append(raw)
}

// AppendRevert writes an encoded revert record to the revert log.
func (s *Store) AppendRevert(r *RevertRecord) (LogPointer, error) {
	raw, err := encodeRevertRecord(r)
	if err != nil {
		return LogPointer{}, err
	}
	return s.reverts.Append(raw)
}

// GetBlockMeta looks up a block's metadata by hash.
func (s *Store) GetBlockMeta(hash consensus.Hash) (*BlockMetadata, bool, error) {
	var out *BlockMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlockMeta).Get(hash[:])
		if v == nil {
			return nil
		}
		m, err := decodeBlockMetadata(v)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get block meta: %w", err)
	}
	return out, out != nil, nil
}

// PutBlockMeta writes a single metadata record outside a batch (status
// flips during reorg failure handling).
func (s *Store) PutBlockMeta(m *BlockMetadata) error {
	raw, err := encodeBlockMetadata(m)
	if err != nil {
		return err
	}
	hash := m.Hash()
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockMeta).Put(hash[:], raw)
	})
	if err != nil {
		return fmt.Errorf("store: put block meta: %w", err)
	}
	return nil
}

// HasBlock reports whether a block with this hash is persisted.
func (s *Store) HasBlock(hash consensus.Hash) (bool, error) {
	_, ok, err := s.GetBlockMeta(hash)
	return ok, err
}

// GetBlock loads and decodes the full block for hash.
func (s *Store) GetBlock(hash consensus.Hash) (*consensus.Block, error) {
	meta, ok, err := s.GetBlockMeta(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: block %s not found", hash)
	}
	raw, err := s.blocks.Read(meta.BlockPtr)
	if err != nil {
		return nil, err
	}
	return consensus.DecodeBlock(raw)
}

// GetRevert loads the revert record for hash.
func (s *Store) GetRevert(hash consensus.Hash) (*RevertRecord, error) {
	meta, ok, err := s.GetBlockMeta(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("store: block %s not found", hash)
	}
	raw, err := s.reverts.Read(meta.RevertPtr)
	if err != nil {
		return nil, err
	}
	return decodeRevertRecord(raw)
}

// GetTxMeta looks up confirmed-transaction metadata.
func (s *Store) GetTxMeta(txid consensus.Hash) (*TxMetadata, bool, error) {
	var out *TxMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTxMeta).Get(txid[:])
		if v == nil {
			return nil
		}
		m, err := decodeTxMetadata(v)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get tx meta: %w", err)
	}
	return out, out != nil, nil
}

// Head returns the active chain tip hash.
func (s *Store) Head() (consensus.Hash, bool, error) {
	var out consensus.Hash
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChain).Get(keyHead)
		if v == nil {
			return nil
		}
		if len(v) != consensus.HashSize {
			return fmt.Errorf("corrupt head record")
		}
		copy(out[:], v)
		ok = true
		return nil
	})
	if err != nil {
		return out, false, fmt.Errorf("store: get head: %w", err)
	}
	return out, ok, nil
}

// HashAtHeight returns the active-chain block hash at a height.
func (s *Store) HashAtHeight(height uint64) (consensus.Hash, bool, error) {
	var out consensus.Hash
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeightIndex).Get(heightKey(height))
		if v == nil {
			return nil
		}
		if len(v) != consensus.HashSize {
			return fmt.Errorf("corrupt height index record")
		}
		copy(out[:], v)
		ok = true
		return nil
	})
	if err != nil {
		return out, false, fmt.Errorf("store: hash at height: %w", err)
	}
	return out, ok, nil
}

// BlockBatch is the mutation set of one connect, disconnect, or whole
// reorg. ApplyBatch flushes it in a single transaction so the UTXO set,
// metadata, and head pointer can never be observed out of step.
type BlockBatch struct {
	PutBlockMetas []*BlockMetadata
	PutTxMetas    []*TxMetadata
	RemoveTxMetas []consensus.Hash
	InsertUtxos   []UtxoRecord
	RemoveUtxos   []consensus.OutPoint
	// RemoveHeights and PutHeights maintain the active-chain height index;
	// removes apply first so a reorg can vacate then repopulate a height.
	RemoveHeights []uint64
	PutHeights    []HeightEntry
	NewHead       *consensus.Hash
}

// HeightEntry maps an active-chain height to its block hash.
type HeightEntry struct {
	Height uint64
	Hash   consensus.Hash
}

func heightKey(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

// ApplyBatch applies the batch atomically.
func (s *Store) ApplyBatch(b *BlockBatch) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bm := tx.Bucket(bucketBlockMeta)
		tm := tx.Bucket(bucketTxMeta)
		bu := tx.Bucket(bucketUtxo)
		ba := tx.Bucket(bucketAddrIndex)

		for _, m := range b.PutBlockMetas {
			raw, err := encodeBlockMetadata(m)
			if err != nil {
				return err
			}
			hash := m.Hash()
			if err := bm.Put(hash[:], raw); err != nil {
				return err
			}
		}
		for _, m := range b.PutTxMetas {
			if err := tm.Put(m.TxID[:], encodeTxMetadata(m)); err != nil {
				return err
			}
		}
		for _, txid := range b.RemoveTxMetas {
			if err := tm.Delete(txid[:]); err != nil {
				return err
			}
		}
		hi := tx.Bucket(bucketHeightIndex)
		for _, h := range b.RemoveHeights {
			if err := hi.Delete(heightKey(h)); err != nil {
				return err
			}
		}
		for _, e := range b.PutHeights {
			if err := hi.Put(heightKey(e.Height), e.Hash[:]); err != nil {
				return err
			}
		}
		for _, op := range b.RemoveUtxos {
			if err := removeUtxoTx(bu, ba, op); err != nil {
				return err
			}
		}
		for _, u := range b.InsertUtxos {
			if err := insertUtxoTx(bu, ba, u.OutPoint, u.Entry); err != nil {
				return err
			}
		}
		if b.NewHead != nil {
			if err := tx.Bucket(bucketChain).Put(keyHead, b.NewHead[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: apply batch: %w", err)
	}
	return nil
}
