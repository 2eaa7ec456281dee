package p2p

import (
	"encoding/binary"
	"fmt"
)

// Payload codecs share the chain codec conventions: little-endian integers,
// u32-count containers, u32-length byte strings. Ports serialize big-endian
// per long-standing network convention.

func appendU16be(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendU32le(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64le(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendVarBytes(dst []byte, b []byte) []byte {
	dst = appendU32le(dst, uint32(len(b)))
	return append(dst, b...)
}

type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) finish() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("p2p: trailing bytes")
	}
	return nil
}

func (r *reader) readU8() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("p2p: truncated u8")
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) readU16be() (uint16, error) {
	if r.remaining() < 2 {
		return 0, fmt.Errorf("p2p: truncated u16")
	}
	v := binary.BigEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v, nil
}

func (r *reader) readU32le() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("p2p: truncated u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *reader) readU64le() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("p2p: truncated u64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("p2p: truncated bytes")
	}
	out := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return out, nil
}

func (r *reader) readVarBytes(maxLen uint32) ([]byte, error) {
	n, err := r.readU32le()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, fmt.Errorf("p2p: byte string exceeds bound")
	}
	return r.readBytes(int(n))
}
