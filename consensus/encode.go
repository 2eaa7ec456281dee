package consensus

import "encoding/binary"

// All on-wire and on-disk integers are little-endian; the lone exception is
// the compact difficulty field in block headers, which serializes big-endian
// to match the display convention. Variable-length containers carry a u32
// count; byte strings carry a u32 length.

const (
	// MaxContainerItems bounds every u32-prefixed container during decode so
	// a hostile count cannot drive allocation.
	MaxContainerItems = 1 << 24
)

func appendU32le(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU32be(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64le(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendByteSlice(dst []byte, b []byte) []byte {
	dst = appendU32le(dst, uint32(len(b)))
	return append(dst, b...)
}

// decoder walks a byte slice with an explicit cursor. Every read fails with
// CODEC_ERR_TRUNCATED rather than panicking on short input.
type decoder struct {
	buf []byte
	off int
}

func newDecoder(b []byte) *decoder {
	return &decoder{buf: b}
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) finish() error {
	if d.off != len(d.buf) {
		return codecErr(CODEC_ERR_TRAILING, "trailing bytes")
	}
	return nil
}

func (d *decoder) readU8() (byte, error) {
	if d.remaining() < 1 {
		return 0, codecErr(CODEC_ERR_TRUNCATED, "u8")
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) readU32le() (uint32, error) {
	if d.remaining() < 4 {
		return 0, codecErr(CODEC_ERR_TRUNCATED, "u32")
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *decoder) readU32be() (uint32, error) {
	if d.remaining() < 4 {
		return 0, codecErr(CODEC_ERR_TRUNCATED, "u32be")
	}
	v := binary.BigEndian.Uint32(d.buf[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *decoder) readU64le() (uint64, error) {
	if d.remaining() < 8 {
		return 0, codecErr(CODEC_ERR_TRUNCATED, "u64")
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off : d.off+8])
	d.off += 8
	return v, nil
}

func (d *decoder) readHash() (Hash, error) {
	var h Hash
	if d.remaining() < HashSize {
		return h, codecErr(CODEC_ERR_TRUNCATED, "hash")
	}
	copy(h[:], d.buf[d.off:d.off+HashSize])
	d.off += HashSize
	return h, nil
}

// readByteSlice reads a u32-length-prefixed byte string and returns a copy.
func (d *decoder) readByteSlice() ([]byte, error) {
	n, err := d.readU32le()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(d.remaining()) {
		return nil, codecErr(CODEC_ERR_TRUNCATED, "byte slice body")
	}
	out := append([]byte(nil), d.buf[d.off:d.off+int(n)]...)
	d.off += int(n)
	return out, nil
}

// readCount reads a u32 container count and bounds it.
func (d *decoder) readCount() (uint32, error) {
	n, err := d.readU32le()
	if err != nil {
		return 0, err
	}
	if n > MaxContainerItems {
		return 0, codecErr(CODEC_ERR_OVERFLOW, "container count")
	}
	return n, nil
}

// preallocCount bounds slice preallocation for attacker-controlled counts;
// growth past the bound falls back to append's own policy.
func preallocCount(n uint32) int {
	const maxPrealloc = 1024
	if n > maxPrealloc {
		return maxPrealloc
	}
	return int(n)
}
