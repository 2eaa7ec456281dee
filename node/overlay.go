package node

import (
	"fmt"

	"thunderbolt.dev/node/consensus"
	"thunderbolt.dev/node/node/store"
)

// utxoOverlay stages UTXO mutations over a base view so a whole connect or
// reorg can be validated and accumulated before anything is flushed. The
// net effect converts to one store.BlockBatch.
type utxoOverlay struct {
	base consensus.UtxoView
	// live holds entries created or restored in the overlay.
	live map[consensus.OutPoint]consensus.UtxoEntry
	// dead marks base entries consumed in the overlay.
	dead map[consensus.OutPoint]struct{}
}

func newUtxoOverlay(base consensus.UtxoView) *utxoOverlay {
	return &utxoOverlay{
		base: base,
		live: make(map[consensus.OutPoint]consensus.UtxoEntry),
		dead: make(map[consensus.OutPoint]struct{}),
	}
}

func (o *utxoOverlay) LookupUtxo(op consensus.OutPoint) (consensus.UtxoEntry, bool, error) {
	if e, ok := o.live[op]; ok {
		return e, true, nil
	}
	if _, gone := o.dead[op]; gone {
		return consensus.UtxoEntry{}, false, nil
	}
	return o.base.LookupUtxo(op)
}

// create stages a new or restored entry.
func (o *utxoOverlay) create(op consensus.OutPoint, e consensus.UtxoEntry) {
	delete(o.dead, op)
	o.live[op] = e
}

// spend consumes an entry visible in this view. An entry created within the
// overlay nets out to nothing; a base entry is marked dead.
func (o *utxoOverlay) spend(op consensus.OutPoint) error {
	if _, ok := o.live[op]; ok {
		delete(o.live, op)
		return nil
	}
	if _, gone := o.dead[op]; gone {
		return fmt.Errorf("overlay: double spend of %s:%d", op.TxID, op.Index)
	}
	_, ok, err := o.base.LookupUtxo(op)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("overlay: spend of unknown %s:%d", op.TxID, op.Index)
	}
	o.dead[op] = struct{}{}
	return nil
}

// netOps emits the overlay's net UTXO mutations for a batch flush.
func (o *utxoOverlay) netOps() (inserts []store.UtxoRecord, removes []consensus.OutPoint) {
	for op, e := range o.live {
		inserts = append(inserts, store.UtxoRecord{OutPoint: op, Entry: e})
	}
	for op := range o.dead {
		removes = append(removes, op)
	}
	return inserts, removes
}
