package homadriver

// Packet is a single raw datagram received from the network, together with
// the address it arrived from.
type Packet struct {
	Payload []byte
	Source  Address
}

// Driver is the packet-level contract the transport coordinator, Sender,
// and Receiver depend on. It only sends and receives raw datagrams; it has
// no notion of messages, operations, or opcodes.
type Driver interface {
	// ReceivePackets returns up to maxBurst packets that have already
	// arrived, without blocking. It may return zero packets.
	ReceivePackets(maxBurst int) []Packet

	// SendPacket transmits payload to dest. Sender and Receiver call this;
	// the transport coordinator itself never does.
	SendPacket(dest Address, payload []byte) error

	// GetLocalAddress returns this driver's own bound address.
	GetLocalAddress() Address

	// GetAddress parses a raw wire-form address (as written by
	// AddressToRaw) back into an opaque Address.
	GetAddress(raw []byte) Address

	// AddressToRaw serialises addr into out, which must be at least
	// protocol.RawAddressSize bytes long.
	AddressToRaw(addr Address, out []byte)

	// Close releases the underlying socket.
	Close() error
}
