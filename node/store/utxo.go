package store

import (
	"bytes"
	"fmt"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/crypto"

	bolt "go.etcd.io/bbolt"
)

func utxoKey(op consensus.OutPoint) []byte {
	return appendOutPoint(make([]byte, 0, 36), op)
}

// AddressKeyForOutput extracts the 20-byte address hash an output pays to,
// for the secondary address index. Only single-signature outputs have a
// wallet address; other lock kinds are not indexed.
func AddressKeyForOutput(out consensus.TxOutput) ([20]byte, bool) {
	if out.LockType != consensus.LockSingleSignature || len(out.LockingParams) == 0 {
		return [20]byte{}, false
	}
	return crypto.Hash160(out.LockingParams), true
}

func addrIndexKey(addr [20]byte, op consensus.OutPoint) []byte {
	out := make([]byte, 0, 20+36)
	out = append(out, addr[:]...)
	return appendOutPoint(out, op)
}

func insertUtxoTx(bu, ba *bolt.Bucket, op consensus.OutPoint, e consensus.UtxoEntry) error {
	key := utxoKey(op)
	encoded := encodeUtxoEntry(e)
	if existing := bu.Get(key); existing != nil {
		if bytes.Equal(existing, encoded) {
			return nil // idempotent re-insert of the identical record
		}
		return fmt.Errorf("utxo: conflicting record for %s:%d", op.TxID, op.Index)
	}
	if err := bu.Put(key, encoded); err != nil {
		return err
	}
	if addr, ok := AddressKeyForOutput(e.Output); ok {
		if err := ba.Put(addrIndexKey(addr, op), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func removeUtxoTx(bu, ba *bolt.Bucket, op consensus.OutPoint) error {
	key := utxoKey(op)
	existing := bu.Get(key)
	if existing == nil {
		return fmt.Errorf("utxo: remove of absent record %s:%d", op.TxID, op.Index)
	}
	entry, err := decodeUtxoEntry(existing)
	if err != nil {
		return err
	}
	if err := bu.Delete(key); err != nil {
		return err
	}
	if addr, ok := AddressKeyForOutput(entry.Output); ok {
		if err := ba.Delete(addrIndexKey(addr, op)); err != nil {
			return err
		}
	}
	return nil
}

// GetUtxo looks up one unspent output.
func (s *Store) GetUtxo(op consensus.OutPoint) (consensus.UtxoEntry, bool, error) {
	var out consensus.UtxoEntry
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUtxo).Get(utxoKey(op))
		if v == nil {
			return nil
		}
		e, err := decodeUtxoEntry(v)
		if err != nil {
			return err
		}
		out = e
		ok = true
		return nil
	})
	if err != nil {
		return out, false, fmt.Errorf("store: get utxo: %w", err)
	}
	return out, ok, nil
}

// LookupUtxo satisfies consensus.UtxoView over the persistent set.
func (s *Store) LookupUtxo(op consensus.OutPoint) (consensus.UtxoEntry, bool, error) {
	return s.GetUtxo(op)
}

// InsertUtxo adds one record. Re-inserting an identical record is a no-op;
// a different record under the same key is an error.
func (s *Store) InsertUtxo(op consensus.OutPoint, e consensus.UtxoEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return insertUtxoTx(tx.Bucket(bucketUtxo), tx.Bucket(bucketAddrIndex), op, e)
	})
	if err != nil {
		return fmt.Errorf("store: insert utxo: %w", err)
	}
	return nil
}

// RemoveUtxo deletes one record, reporting whether it was present.
func (s *Store) RemoveUtxo(op consensus.OutPoint) (bool, error) {
	present := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bu := tx.Bucket(bucketUtxo)
		if bu.Get(utxoKey(op)) == nil {
			return nil
		}
		present = true
		return removeUtxoTx(bu, tx.Bucket(bucketAddrIndex), op)
	})
	if err != nil {
		return false, fmt.Errorf("store: remove utxo: %w", err)
	}
	return present, nil
}

// UtxosByAddress returns a snapshot of the outputs paying the given address
// hash.
func (s *Store) UtxosByAddress(addr [20]byte) ([]UtxoRecord, error) {
	var out []UtxoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bu := tx.Bucket(bucketUtxo)
		c := tx.Bucket(bucketAddrIndex).Cursor()
		for k, _ := c.Seek(addr[:]); k != nil && bytes.HasPrefix(k, addr[:]); k, _ = c.Next() {
			op, _, err := readOutPoint(k[20:])
			if err != nil {
				return err
			}
			v := bu.Get(utxoKey(op))
			if v == nil {
				return fmt.Errorf("address index points at missing utxo %s:%d", op.TxID, op.Index)
			}
			e, err := decodeUtxoEntry(v)
			if err != nil {
				return err
			}
			out = append(out, UtxoRecord{OutPoint: op, Entry: e})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: utxos by address: %w", err)
	}
	return out, nil
}

// ForEachUtxo iterates the whole set inside one read transaction. The
// callback must not retain the entry's slices across calls.
func (s *Store) ForEachUtxo(fn func(op consensus.OutPoint, e consensus.UtxoEntry) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUtxo).ForEach(func(k, v []byte) error {
			op, _, err := readOutPoint(k)
			if err != nil {
				return err
			}
			e, err := decodeUtxoEntry(v)
			if err != nil {
				return err
			}
			return fn(op, e)
		})
	})
	if err != nil {
		return fmt.Errorf("store: iterate utxos: %w", err)
	}
	return nil
}
