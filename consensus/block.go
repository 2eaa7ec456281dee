package consensus

// BlockHeaderSize is the fixed serialized header length:
// version(4) parent(32) merkle(32) timestamp(8) bits(4) nonce(8).
const BlockHeaderSize = 4 + HashSize + HashSize + 8 + 4 + 8

type BlockHeader struct {
	Version    uint32
	ParentHash Hash
	MerkleRoot Hash
	Timestamp  uint64
	Bits       uint32
	Nonce      uint64
}

// EncodeHeader serializes the header. Bits is the one big-endian field.
func EncodeHeader(h *BlockHeader) []byte {
	out := make([]byte, 0, BlockHeaderSize)
	out = appendU32le(out, h.Version)
	out = append(out, h.ParentHash[:]...)
	out = append(out, h.MerkleRoot[:]...)
	out = appendU64le(out, h.Timestamp)
	out = appendU32be(out, h.Bits)
	out = appendU64le(out, h.Nonce)
	return out
}

func decodeHeaderBody(d *decoder) (BlockHeader, error) {
	var h BlockHeader
	var err error
	if h.Version, err = d.readU32le(); err != nil {
		return h, err
	}
	if h.ParentHash, err = d.readHash(); err != nil {
		return h, err
	}
	if h.MerkleRoot, err = d.readHash(); err != nil {
		return h, err
	}
	if h.Timestamp, err = d.readU64le(); err != nil {
		return h, err
	}
	if h.Bits, err = d.readU32be(); err != nil {
		return h, err
	}
	if h.Nonce, err = d.readU64le(); err != nil {
		return h, err
	}
	return h, nil
}

// DecodeHeader parses exactly one header.
func DecodeHeader(b []byte) (BlockHeader, error) {
	d := newDecoder(b)
	h, err := decodeHeaderBody(d)
	if err != nil {
		return h, err
	}
	if err := d.finish(); err != nil {
		return h, err
	}
	return h, nil
}

// BlockHash is the header identity in display form.
func (h *BlockHeader) BlockHash() Hash {
	return DoubleHash(EncodeHeader(h))
}

type Block struct {
	Header BlockHeader
	Txs    []*Tx
}

func (b *Block) Hash() Hash {
	return b.Header.BlockHash()
}

// SerializedSize returns len(EncodeBlock(b)).
func (b *Block) SerializedSize() int {
	n := BlockHeaderSize + 4
	for _, tx := range b.Txs {
		n += tx.SerializedSize()
	}
	return n
}

func EncodeBlock(b *Block) []byte {
	out := make([]byte, 0, b.SerializedSize())
	out = append(out, EncodeHeader(&b.Header)...)
	out = appendU32le(out, uint32(len(b.Txs)))
	for _, tx := range b.Txs {
		out = append(out, EncodeTx(tx)...)
	}
	return out
}

// DecodeBlock parses a full block and rejects trailing bytes.
func DecodeBlock(b []byte) (*Block, error) {
	d := newDecoder(b)
	header, err := decodeHeaderBody(d)
	if err != nil {
		return nil, ruleErr(KindCodec, BLOCK_ERR_PARSE, "invalid block header")
	}
	txCount, err := d.readCount()
	if err != nil {
		return nil, ruleErr(KindCodec, BLOCK_ERR_PARSE, "invalid tx count")
	}
	txs := make([]*Tx, 0, preallocCount(txCount))
	for i := uint32(0); i < txCount; i++ {
		tx, err := decodeTxBody(d)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := d.finish(); err != nil {
		return nil, ruleErr(KindCodec, BLOCK_ERR_PARSE, "trailing bytes after tx list")
	}
	return &Block{Header: header, Txs: txs}, nil
}
