package consensus

import (
	"bytes"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

func newKey(t *testing.T) (*secp256k1.PrivateKey, []byte) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, priv.PubKey().SerializeCompressed()
}

func signInput(priv *secp256k1.PrivateKey, in TxInput, lockType LockType, lockingParams []byte) []byte {
	msg := SignatureHash(in, lockType, lockingParams)
	return ecdsa.Sign(priv, msg[:]).Serialize()
}

func fundedView(t *testing.T, pub []byte, amount uint64, height uint64, coinbase bool) (MapUtxoView, OutPoint) {
	t.Helper()
	op := OutPoint{Index: 0}
	op.TxID[0] = 0x11
	view := MapUtxoView{op: UtxoEntry{
		Output:      TxOutput{Amount: amount, LockType: LockSingleSignature, LockingParams: pub},
		BlockHeight: height,
		Version:     1,
		IsCoinbase:  coinbase,
	}}
	return view, op
}

func spendOf(op OutPoint, amount uint64) *Tx {
	return &Tx{
		Version: 1,
		Inputs:  []TxInput{{ReferenceTx: op.TxID, ReferenceIndex: op.Index}},
		Outputs: []TxOutput{{Amount: amount, LockType: LockUnlockable}},
	}
}

func TestCheckTxSanityRules(t *testing.T) {
	base := sampleTx()
	if err := CheckTxSanity(base); err != nil {
		t.Fatalf("sample tx must be sane: %v", err)
	}

	noIn := sampleTx()
	noIn.Inputs = nil
	if err := CheckTxSanity(noIn); !IsRuleCode(err, TX_ERR_EMPTY) {
		t.Fatalf("no inputs: got %v", err)
	}

	noOut := sampleTx()
	noOut.Outputs = nil
	if err := CheckTxSanity(noOut); !IsRuleCode(err, TX_ERR_EMPTY) {
		t.Fatalf("no outputs: got %v", err)
	}

	rich := sampleTx()
	rich.Outputs[0].Amount = MaxMoney + 1
	if err := CheckTxSanity(rich); !IsRuleCode(err, TX_ERR_VALUE_RANGE) {
		t.Fatalf("oversized amount: got %v", err)
	}

	sumRich := sampleTx()
	sumRich.Outputs[0].Amount = MaxMoney
	sumRich.Outputs[1].Amount = 1
	if err := CheckTxSanity(sumRich); !IsRuleCode(err, TX_ERR_VALUE_RANGE) {
		t.Fatalf("oversized sum: got %v", err)
	}

	dup := sampleTx()
	dup.Inputs[1] = dup.Inputs[0]
	if err := CheckTxSanity(dup); !IsRuleCode(err, TX_ERR_DUPLICATE_INPUT) {
		t.Fatalf("duplicate input: got %v", err)
	}

	big := sampleTx()
	big.Outputs[0].LockingParams = bytes.Repeat([]byte{1}, MaxTxSize)
	if err := CheckTxSanity(big); !IsRuleCode(err, TX_ERR_OVERSIZE) {
		t.Fatalf("oversize tx: got %v", err)
	}
}

func TestCheckTxSanityCoinbaseShape(t *testing.T) {
	cb := &Tx{
		Version: 1,
		Inputs: []TxInput{{
			ReferenceTx:     ZeroHash,
			ReferenceIndex:  CoinbaseIndex,
			UnlockingParams: []byte{1, 0, 0, 0, 0, 0, 0, 0},
		}},
		Outputs: []TxOutput{{Amount: 50 * AtomicUnitsPerCoin, LockType: LockUnlockable}},
	}
	if !cb.IsCoinbase() {
		t.Fatalf("canonical coinbase not recognized")
	}
	if err := CheckTxSanity(cb); err != nil {
		t.Fatalf("coinbase must be sane: %v", err)
	}

	tooLong := *cb
	tooLong.Inputs = []TxInput{{
		ReferenceTx:     ZeroHash,
		ReferenceIndex:  CoinbaseIndex,
		UnlockingParams: bytes.Repeat([]byte{0}, MaxCoinbaseUnlockingLen+1),
	}}
	if err := CheckTxSanity(&tooLong); !IsRuleCode(err, TX_ERR_COINBASE_SHAPE) {
		t.Fatalf("oversized coinbase unlocking: got %v", err)
	}

	// A non-coinbase input referencing the zero hash is malformed.
	half := sampleTx()
	half.Inputs[0].ReferenceTx = ZeroHash
	if err := CheckTxSanity(half); !IsRuleCode(err, TX_ERR_COINBASE_SHAPE) {
		t.Fatalf("zero-hash reference: got %v", err)
	}
}

func TestCheckTxInputsMissingUtxo(t *testing.T) {
	tx := spendOf(OutPoint{Index: 9}, 1)
	_, err := CheckTxInputs(tx, MapUtxoView{}, 10, MainNetParams, false)
	if !IsRuleCode(err, TX_ERR_MISSING_UTXO) {
		t.Fatalf("missing utxo: got %v", err)
	}
}

func TestCheckTxInputsFee(t *testing.T) {
	_, pub := newKey(t)
	view, op := fundedView(t, pub, 10_000, 1, false)

	tx := spendOf(op, 9_000)
	fee, err := CheckTxInputs(tx, view, 10, MainNetParams, false)
	if err != nil {
		t.Fatalf("valid spend rejected: %v", err)
	}
	if fee != 1_000 {
		t.Fatalf("fee = %d, want 1000", fee)
	}

	over := spendOf(op, 10_001)
	_, err = CheckTxInputs(over, view, 10, MainNetParams, false)
	if !IsRuleCode(err, TX_ERR_FEE_NEGATIVE) {
		t.Fatalf("overspend: got %v", err)
	}
}

func TestCoinbaseMaturityBoundary(t *testing.T) {
	params := MainNetParams
	_, pub := newKey(t)
	view, op := fundedView(t, pub, 10_000, 100, true)

	tx := spendOf(op, 10_000)
	// maturity-1 confirmations: unspendable.
	_, err := CheckTxInputs(tx, view, 100+params.CoinbaseMaturity-1, params, false)
	if !IsRuleCode(err, TX_ERR_IMMATURE_COINBASE) {
		t.Fatalf("immature coinbase spend: got %v", err)
	}
	// exactly maturity: spendable.
	if _, err := CheckTxInputs(tx, view, 100+params.CoinbaseMaturity, params, false); err != nil {
		t.Fatalf("mature coinbase spend rejected: %v", err)
	}
}

func TestSingleSignatureLock(t *testing.T) {
	priv, pub := newKey(t)
	view, op := fundedView(t, pub, 10_000, 1, false)

	tx := spendOf(op, 9_000)
	tx.Inputs[0].UnlockingParams = signInput(priv, tx.Inputs[0], LockSingleSignature, pub)
	if _, err := CheckTxInputs(tx, view, 10, MainNetParams, true); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// A signature from the wrong key fails.
	wrongPriv, _ := newKey(t)
	tx.Inputs[0].UnlockingParams = signInput(wrongPriv, tx.Inputs[0], LockSingleSignature, pub)
	_, err := CheckTxInputs(tx, view, 10, MainNetParams, true)
	if !IsRuleCode(err, TX_ERR_LOCK_UNSATISFIED) {
		t.Fatalf("wrong-key signature: got %v", err)
	}

	// Garbage unlocking parameters fail.
	tx.Inputs[0].UnlockingParams = []byte{0xde, 0xad}
	_, err = CheckTxInputs(tx, view, 10, MainNetParams, true)
	if !IsRuleCode(err, TX_ERR_LOCK_UNSATISFIED) {
		t.Fatalf("garbage signature: got %v", err)
	}
}

func TestMultiSignatureLock(t *testing.T) {
	priv1, pub1 := newKey(t)
	priv2, pub2 := newKey(t)
	_, pub3 := newKey(t)
	keys := [][]byte{pub1, pub2, pub3}

	lockHash := DigestHash(EncodeMultiSigLockPreimage(2, keys))
	op := OutPoint{Index: 1}
	op.TxID[0] = 0x22
	view := MapUtxoView{op: UtxoEntry{
		Output: TxOutput{
			Amount:        10_000,
			LockType:      LockMultiSignature,
			LockingParams: lockHash[:],
		},
		BlockHeight: 1,
	}}

	tx := spendOf(op, 9_500)
	in := tx.Inputs[0]
	msgLock := view[op].Output
	sig1 := signInput(priv1, in, msgLock.LockType, msgLock.LockingParams)
	sig2 := signInput(priv2, in, msgLock.LockType, msgLock.LockingParams)

	tx.Inputs[0].UnlockingParams = EncodeMultiSigUnlocking(2, keys, map[uint32][]byte{0: sig1, 1: sig2})
	if _, err := CheckTxInputs(tx, view, 10, MainNetParams, true); err != nil {
		t.Fatalf("2-of-3 spend rejected: %v", err)
	}

	// Only one signature: below the required count.
	tx.Inputs[0].UnlockingParams = EncodeMultiSigUnlocking(2, keys, map[uint32][]byte{0: sig1})
	_, err := CheckTxInputs(tx, view, 10, MainNetParams, true)
	if !IsRuleCode(err, TX_ERR_LOCK_UNSATISFIED) {
		t.Fatalf("1-of-2 signatures: got %v", err)
	}

	// A key set that does not hash to the lock fails.
	otherKeys := [][]byte{pub2, pub1, pub3}
	sigAlt := signInput(priv2, in, msgLock.LockType, msgLock.LockingParams)
	tx.Inputs[0].UnlockingParams = EncodeMultiSigUnlocking(2, otherKeys, map[uint32][]byte{0: sigAlt, 1: sig1})
	_, err = CheckTxInputs(tx, view, 10, MainNetParams, true)
	if !IsRuleCode(err, TX_ERR_LOCK_UNSATISFIED) {
		t.Fatalf("mismatched key set: got %v", err)
	}
}

func TestUnlockableAlwaysFails(t *testing.T) {
	op := OutPoint{Index: 2}
	op.TxID[0] = 0x33
	view := MapUtxoView{op: UtxoEntry{
		Output:      TxOutput{Amount: 500, LockType: LockUnlockable},
		BlockHeight: 1,
	}}
	tx := spendOf(op, 500)
	tx.Inputs[0].UnlockingParams = []byte("anything")
	_, err := CheckTxInputs(tx, view, 10, MainNetParams, true)
	if !IsRuleCode(err, TX_ERR_LOCK_UNSATISFIED) {
		t.Fatalf("unlockable output spend: got %v", err)
	}
}

func TestCheckBlockSanity(t *testing.T) {
	params := RegressionNetParams
	if err := CheckBlockSanity(params.GenesisBlock, params); err != nil {
		t.Fatalf("genesis must be sane: %v", err)
	}

	bad := &Block{Header: params.GenesisBlock.Header, Txs: []*Tx{sampleTx()}}
	if err := CheckBlockSanity(bad, params); !IsRuleCode(err, BLOCK_ERR_COINBASE_INVALID) {
		t.Fatalf("first tx must be coinbase: got %v", err)
	}

	tampered := &Block{Header: params.GenesisBlock.Header, Txs: []*Tx{params.GenesisBlock.Txs[0], sampleTx()}}
	if err := CheckBlockSanity(tampered, params); !IsRuleCode(err, BLOCK_ERR_MERKLE_INVALID) {
		t.Fatalf("merkle mismatch: got %v", err)
	}
}

func TestCheckCoinbaseAmount(t *testing.T) {
	params := MainNetParams
	cb := &Tx{
		Version: 1,
		Inputs: []TxInput{{
			ReferenceTx:     ZeroHash,
			ReferenceIndex:  CoinbaseIndex,
			UnlockingParams: []byte{1, 0, 0, 0, 0, 0, 0, 0},
		}},
		Outputs: []TxOutput{{Amount: BlockSubsidy(1, params) + 250, LockType: LockUnlockable}},
	}
	if err := CheckCoinbaseAmount(cb, 1, 250, params); err != nil {
		t.Fatalf("subsidy+fees claim rejected: %v", err)
	}
	if err := CheckCoinbaseAmount(cb, 1, 249, params); !IsRuleCode(err, BLOCK_ERR_SUBSIDY_EXCEEDED) {
		t.Fatalf("excess claim: got %v", err)
	}
}
