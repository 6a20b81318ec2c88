// Package homadriver implements the Driver contract the transport
// coordinator depends on: non-blocking packet receipt, packet send, and
// symmetric raw/opaque address conversion. It is a pure-Go, zero-CGo UDP
// implementation, adapted from the framing approach in
// strandapi/pkg/transport/overlay.go -- but framing arbitrary raw packets
// addressed by opaque Address values instead of a single dialled RPC peer,
// since a Homa transport talks to many peers over one socket.
package homadriver

import (
	"encoding/binary"
	"net"

	"github.com/qizhe/homa/pkg/protocol"
)

// Address is the opaque peer identifier the coordinator and Sender/Receiver
// pass around. It wraps a UDP endpoint; RawAddressSize bytes serialise it in
// wire form so it can travel inside a message's MessageHeader.
type Address struct {
	IP   net.IP
	Port int
}

// UDPAddr returns the net.UDPAddr equivalent of a.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

func (a Address) String() string {
	return a.UDPAddr().String()
}

// ToRaw serialises a into buf, which must be at least
// protocol.RawAddressSize bytes: 16 bytes of IP (IPv4 addresses are
// stored IPv4-in-IPv6-mapped form) followed by a 2-byte big-endian port.
func (a Address) ToRaw(buf []byte) {
	ip16 := a.IP.To16()
	if ip16 == nil {
		ip16 = make(net.IP, 16)
	}
	copy(buf[0:16], ip16)
	binary.BigEndian.PutUint16(buf[16:18], uint16(a.Port))
}

// AddressFromRaw parses the wire form written by ToRaw.
func AddressFromRaw(raw [protocol.RawAddressSize]byte) Address {
	ip := make(net.IP, 16)
	copy(ip, raw[0:16])
	port := binary.BigEndian.Uint16(raw[16:18])
	return Address{IP: ip, Port: int(port)}
}

// AddressFromUDP converts a resolved net.UDPAddr into an Address.
func AddressFromUDP(u *net.UDPAddr) Address {
	return Address{IP: u.IP, Port: u.Port}
}
