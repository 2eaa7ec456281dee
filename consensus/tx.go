package consensus

import "math"

// LockType is the closed sum of output lock kinds. Dispatch is always by
// tag; there is no extensible script machine.
type LockType uint8

const (
	LockSingleSignature LockType = 0
	LockMultiSignature  LockType = 1
	LockUnlockable      LockType = 2
)

func (lt LockType) Valid() bool {
	return lt <= LockUnlockable
}

func (lt LockType) String() string {
	switch lt {
	case LockSingleSignature:
		return "single-signature"
	case LockMultiSignature:
		return "multi-signature"
	case LockUnlockable:
		return "unlockable"
	default:
		return "unknown"
	}
}

// OutPoint names a transaction output by (txid, index).
type OutPoint struct {
	TxID  Hash
	Index uint32
}

// CoinbaseIndex is the reference index of a coinbase input.
const CoinbaseIndex = math.MaxUint32

type TxInput struct {
	ReferenceTx     Hash
	ReferenceIndex  uint32
	UnlockingParams []byte
}

type TxOutput struct {
	Amount        uint64
	LockType      LockType
	LockingParams []byte
}

type Tx struct {
	Version  uint32
	Inputs   []TxInput
	Outputs  []TxOutput
	LockTime uint64
}

// IsCoinbase reports whether tx has the canonical coinbase shape: exactly
// one input with the zero reference hash and max index.
func (tx *Tx) IsCoinbase() bool {
	if tx == nil || len(tx.Inputs) != 1 {
		return false
	}
	in := tx.Inputs[0]
	return in.ReferenceTx.IsZero() && in.ReferenceIndex == CoinbaseIndex
}

// SerializedSize returns len(EncodeTx(tx)) without allocating.
func (tx *Tx) SerializedSize() int {
	n := 4 + 4 + 4 + 8 // version + input count + output count + lock_time
	for _, in := range tx.Inputs {
		n += HashSize + 4 + 4 + len(in.UnlockingParams)
	}
	for _, out := range tx.Outputs {
		n += 8 + 1 + 4 + len(out.LockingParams)
	}
	return n
}

func appendTxInput(dst []byte, in TxInput) []byte {
	dst = append(dst, in.ReferenceTx[:]...)
	dst = appendU32le(dst, in.ReferenceIndex)
	dst = appendByteSlice(dst, in.UnlockingParams)
	return dst
}

func appendTxOutput(dst []byte, out TxOutput) []byte {
	dst = appendU64le(dst, out.Amount)
	dst = append(dst, byte(out.LockType))
	dst = appendByteSlice(dst, out.LockingParams)
	return dst
}

// EncodeTx serializes tx in the canonical byte layout. Encoding is total:
// any in-memory Tx serializes.
func EncodeTx(tx *Tx) []byte {
	out := make([]byte, 0, tx.SerializedSize())
	out = appendU32le(out, tx.Version)
	out = appendU32le(out, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		out = appendTxInput(out, in)
	}
	out = appendU32le(out, uint32(len(tx.Outputs)))
	for _, o := range tx.Outputs {
		out = appendTxOutput(out, o)
	}
	out = appendU64le(out, tx.LockTime)
	return out
}

func decodeTxInput(d *decoder) (TxInput, error) {
	var in TxInput
	var err error
	if in.ReferenceTx, err = d.readHash(); err != nil {
		return in, err
	}
	if in.ReferenceIndex, err = d.readU32le(); err != nil {
		return in, err
	}
	if in.UnlockingParams, err = d.readByteSlice(); err != nil {
		return in, err
	}
	return in, nil
}

func decodeTxOutput(d *decoder) (TxOutput, error) {
	var out TxOutput
	var err error
	if out.Amount, err = d.readU64le(); err != nil {
		return out, err
	}
	tag, err := d.readU8()
	if err != nil {
		return out, err
	}
	out.LockType = LockType(tag)
	if !out.LockType.Valid() {
		return out, codecErr(CODEC_ERR_VARIANT, "unknown lock type")
	}
	if out.LockingParams, err = d.readByteSlice(); err != nil {
		return out, err
	}
	return out, nil
}

func decodeTxBody(d *decoder) (*Tx, error) {
	tx := &Tx{}
	var err error
	if tx.Version, err = d.readU32le(); err != nil {
		return nil, err
	}
	inCount, err := d.readCount()
	if err != nil {
		return nil, err
	}
	tx.Inputs = make([]TxInput, 0, preallocCount(inCount))
	for i := uint32(0); i < inCount; i++ {
		in, err := decodeTxInput(d)
		if err != nil {
			return nil, err
		}
		tx.Inputs = append(tx.Inputs, in)
	}
	outCount, err := d.readCount()
	if err != nil {
		return nil, err
	}
	tx.Outputs = make([]TxOutput, 0, preallocCount(outCount))
	for i := uint32(0); i < outCount; i++ {
		o, err := decodeTxOutput(d)
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, o)
	}
	if tx.LockTime, err = d.readU64le(); err != nil {
		return nil, err
	}
	return tx, nil
}

// DecodeTx parses exactly one transaction from b and rejects trailing bytes.
func DecodeTx(b []byte) (*Tx, error) {
	d := newDecoder(b)
	tx, err := decodeTxBody(d)
	if err != nil {
		return nil, err
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return tx, nil
}

// TxID is the transaction identity: the plain double-SHA-256 of the
// serialization. Unlike block hashes, transaction ids carry no display
// reversal.
func (tx *Tx) TxID() Hash {
	return DigestHash(EncodeTx(tx))
}
