package p2p

import "fmt"

// EncodeAddrPayload serializes a timestamped address list for addr.
func EncodeAddrPayload(addrs []TimestampedAddress) ([]byte, error) {
	if len(addrs) > MaxAddrPerMessage {
		return nil, fmt.Errorf("p2p: addr: too many entries")
	}
	out := make([]byte, 0, 4+len(addrs)*(8+8+16+2))
	out = appendU32le(out, uint32(len(addrs)))
	for _, a := range addrs {
		out = appendTimestampedAddress(out, a)
	}
	return out, nil
}

func DecodeAddrPayload(b []byte) ([]TimestampedAddress, error) {
	r := newReader(b)
	count, err := r.readU32le()
	if err != nil {
		return nil, err
	}
	if count > MaxAddrPerMessage {
		return nil, fmt.Errorf("p2p: addr: count exceeds bound")
	}
	out := make([]TimestampedAddress, 0, count)
	for i := uint32(0); i < count; i++ {
		a, err := readTimestampedAddress(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return out, nil
}
