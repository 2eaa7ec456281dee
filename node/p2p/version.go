package p2p

import (
	"fmt"
	"unicode/utf8"
)

const MaxUserAgentBytes = 256

// VersionPayload opens the handshake. The nonce is the self-connection
// detector: seeing our own outstanding nonce back means we dialed
// ourselves.
type VersionPayload struct {
	ProtocolVersion uint32
	Services        uint64
	Timestamp       uint64
	// AddrRecv is the sender's view of the receiver's address; AddrFrom is
	// the sender's own address.
	AddrRecv   NetAddress
	AddrFrom   NetAddress
	Nonce      uint64
	UserAgent  string
	BestHeight uint64
	Relay      bool
}

func EncodeVersionPayload(v *VersionPayload) ([]byte, error) {
	if len(v.UserAgent) > MaxUserAgentBytes {
		return nil, fmt.Errorf("p2p: version: user agent too long")
	}
	if !utf8.ValidString(v.UserAgent) {
		return nil, fmt.Errorf("p2p: version: user agent must be UTF-8")
	}
	out := make([]byte, 0, 4+8+8+26+26+8+4+len(v.UserAgent)+8+1)
	out = appendU32le(out, v.ProtocolVersion)
	out = appendU64le(out, v.Services)
	out = appendU64le(out, v.Timestamp)
	out = appendNetAddress(out, v.AddrRecv)
	out = appendNetAddress(out, v.AddrFrom)
	out = appendU64le(out, v.Nonce)
	out = appendVarBytes(out, []byte(v.UserAgent))
	out = appendU64le(out, v.BestHeight)
	if v.Relay {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out, nil
}

func DecodeVersionPayload(b []byte) (*VersionPayload, error) {
	r := newReader(b)
	v := &VersionPayload{}
	var err error
	if v.ProtocolVersion, err = r.readU32le(); err != nil {
		return nil, err
	}
	if v.Services, err = r.readU64le(); err != nil {
		return nil, err
	}
	if v.Timestamp, err = r.readU64le(); err != nil {
		return nil, err
	}
	if v.AddrRecv, err = readNetAddress(r); err != nil {
		return nil, err
	}
	if v.AddrFrom, err = readNetAddress(r); err != nil {
		return nil, err
	}
	if v.Nonce, err = r.readU64le(); err != nil {
		return nil, err
	}
	ua, err := r.readVarBytes(MaxUserAgentBytes)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(ua) {
		return nil, fmt.Errorf("p2p: version: user agent must be UTF-8")
	}
	v.UserAgent = string(ua)
	if v.BestHeight, err = r.readU64le(); err != nil {
		return nil, err
	}
	relay, err := r.readU8()
	if err != nil {
		return nil, err
	}
	if relay > 1 {
		return nil, fmt.Errorf("p2p: version: relay must be 0 or 1")
	}
	v.Relay = relay == 1
	if err := r.finish(); err != nil {
		return nil, err
	}
	return v, nil
}
