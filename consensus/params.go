package consensus

import "math/big"

const (
	// AtomicUnitsPerCoin is the number of atomic units in one coin.
	AtomicUnitsPerCoin = 100_000_000

	// MaxMoney caps every output amount and sum of amounts.
	MaxMoney = 21_000_000 * AtomicUnitsPerCoin

	// MaxTxSize bounds a serialized transaction.
	MaxTxSize = 100_000

	// MaxBlockSize bounds a serialized block.
	MaxBlockSize = 1_000_000

	// MaxCoinbaseUnlockingLen bounds the coinbase input's unlocking
	// parameters (which encode the block height plus arbitrary miner data).
	MaxCoinbaseUnlockingLen = 100
)

// Params describes a network deployment. Values are fixed at process start
// and shared read-only.
type Params struct {
	Name        string
	Magic       uint32
	DefaultPort string

	// AddressVersion is the base58check version byte for pay-to-pubkey-hash
	// addresses on this network.
	AddressVersion byte

	PowLimit     *big.Int
	PowLimitBits uint32

	// RetargetInterval is the block cadence of difficulty adjustment;
	// TargetTimespan (seconds) is the wall time one interval should take.
	RetargetInterval uint64
	TargetTimespan   uint64

	CoinbaseMaturity       uint64
	BaseSubsidy            uint64
	SubsidyHalvingInterval uint64

	GenesisBlock *Block
	GenesisHash  Hash
}

// TargetSpacing is the expected seconds between blocks.
func (p *Params) TargetSpacing() uint64 {
	if p.RetargetInterval == 0 {
		return 0
	}
	return p.TargetTimespan / p.RetargetInterval
}

var mainPowLimit = CompactToTarget(0x1d00ffff)

// genesisCoinbaseTag is embedded in the genesis coinbase unlocking
// parameters after the height prefix.
var genesisCoinbaseTag = []byte("thunderbolt genesis 2019-04-16")

func newGenesisBlock(timestamp uint64, bits uint32, nonce uint64) *Block {
	unlocking := make([]byte, 0, 8+len(genesisCoinbaseTag))
	unlocking = appendU64le(unlocking, 0)
	unlocking = append(unlocking, genesisCoinbaseTag...)

	coinbase := &Tx{
		Version: 1,
		Inputs: []TxInput{{
			ReferenceTx:     ZeroHash,
			ReferenceIndex:  CoinbaseIndex,
			UnlockingParams: unlocking,
		}},
		Outputs: []TxOutput{{
			Amount:        50 * AtomicUnitsPerCoin,
			LockType:      LockUnlockable,
			LockingParams: nil,
		}},
	}
	b := &Block{
		Header: BlockHeader{
			Version:    1,
			ParentHash: ZeroHash,
			Timestamp:  timestamp,
			Bits:       bits,
			Nonce:      nonce,
		},
		Txs: []*Tx{coinbase},
	}
	b.Header.MerkleRoot = BlockMerkleRoot(b.Txs)
	return b
}

func finalizeParams(p Params) *Params {
	p.GenesisHash = p.GenesisBlock.Hash()
	return &p
}

// MainNetParams is the production network.
var MainNetParams = finalizeParams(Params{
	Name:        "mainnet",
	Magic:       0xe7b5c4d1,
	DefaultPort: "9567",

	AddressVersion: 0x19,

	PowLimit:     mainPowLimit,
	PowLimitBits: 0x1d00ffff,

	RetargetInterval: 2016,
	TargetTimespan:   14 * 24 * 60 * 60,

	CoinbaseMaturity:       100,
	BaseSubsidy:            50 * AtomicUnitsPerCoin,
	SubsidyHalvingInterval: 210_000,

	GenesisBlock: newGenesisBlock(1555286400, 0x1d00ffff, 0),
})

// TestNetParams is the public test network.
var TestNetParams = finalizeParams(Params{
	Name:        "testnet",
	Magic:       0xf8c6d5e2,
	DefaultPort: "19567",

	AddressVersion: 0x41,

	PowLimit:     mainPowLimit,
	PowLimitBits: 0x1d00ffff,

	RetargetInterval: 2016,
	TargetTimespan:   14 * 24 * 60 * 60,

	CoinbaseMaturity:       100,
	BaseSubsidy:            50 * AtomicUnitsPerCoin,
	SubsidyHalvingInterval: 210_000,

	GenesisBlock: newGenesisBlock(1555286401, 0x1d00ffff, 0),
})

// RegressionNetParams keeps difficulty trivial for tests and local mining.
var RegressionNetParams = finalizeParams(Params{
	Name:        "regtest",
	Magic:       0xa9d2e3f4,
	DefaultPort: "29567",

	AddressVersion: 0x53,

	PowLimit:     new(big.Int).Sub(new(big.Int).Lsh(bigOne, 255), bigOne),
	PowLimitBits: 0x207fffff,

	RetargetInterval: 2016,
	TargetTimespan:   14 * 24 * 60 * 60,

	CoinbaseMaturity:       100,
	BaseSubsidy:            50 * AtomicUnitsPerCoin,
	SubsidyHalvingInterval: 150,

	GenesisBlock: newGenesisBlock(1555286402, 0x207fffff, 0),
})

// ParamsForNetwork maps a network name to its params.
func ParamsForNetwork(name string) (*Params, bool) {
	switch name {
	case "mainnet":
		return MainNetParams, true
	case "testnet":
		return TestNetParams, true
	case "regtest":
		return RegressionNetParams, true
	default:
		return nil, false
	}
}
