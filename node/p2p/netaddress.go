package p2p

import (
	"fmt"
	"net"
	"strconv"
)

// NetAddress is a peer endpoint: 16-byte IPv6 (IPv4 stored v4-mapped), a
// port, and the services the peer advertises.
type NetAddress struct {
	IP       [16]byte
	Port     uint16
	Services uint64
}

// TimestampedAddress wraps an address with the time it was last seen
// working, for addr relay and pool bookkeeping.
type TimestampedAddress struct {
	Addr     NetAddress
	LastSeen uint64
}

// ParseNetAddress converts "host:port" into a NetAddress.
func ParseNetAddress(hostport string, services uint64) (NetAddress, error) {
	var out NetAddress
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return out, fmt.Errorf("p2p: address %q: %w", hostport, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return out, fmt.Errorf("p2p: address %q: invalid host", hostport)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return out, fmt.Errorf("p2p: address %q: invalid port", hostport)
	}
	copy(out.IP[:], ip.To16())
	out.Port = uint16(port)
	out.Services = services
	return out, nil
}

func (a NetAddress) String() string {
	ip := net.IP(a.IP[:])
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(a.Port)))
}

// IsRoutable rejects unspecified and loopback-free placeholder addresses
// for pool admission. Loopback stays allowed so local clusters work.
func (a NetAddress) IsRoutable() bool {
	ip := net.IP(a.IP[:])
	return !ip.IsUnspecified() && a.Port != 0
}

func appendNetAddress(dst []byte, a NetAddress) []byte {
	dst = appendU64le(dst, a.Services)
	dst = append(dst, a.IP[:]...)
	return appendU16be(dst, a.Port)
}

func readNetAddress(r *reader) (NetAddress, error) {
	var out NetAddress
	services, err := r.readU64le()
	if err != nil {
		return out, err
	}
	ip, err := r.readBytes(16)
	if err != nil {
		return out, err
	}
	port, err := r.readU16be()
	if err != nil {
		return out, err
	}
	out.Services = services
	copy(out.IP[:], ip)
	out.Port = port
	return out, nil
}

func appendTimestampedAddress(dst []byte, a TimestampedAddress) []byte {
	dst = appendU64le(dst, a.LastSeen)
	return appendNetAddress(dst, a.Addr)
}

func readTimestampedAddress(r *reader) (TimestampedAddress, error) {
	var out TimestampedAddress
	ts, err := r.readU64le()
	if err != nil {
		return out, err
	}
	addr, err := readNetAddress(r)
	if err != nil {
		return out, err
	}
	out.LastSeen = ts
	out.Addr = addr
	return out, nil
}
