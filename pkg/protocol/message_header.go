package protocol

// RawAddressSize is the fixed size of a Driver address in its raw wire form:
// a 16-byte IPv4-mapped-or-native IPv6 address plus a 2-byte port. Drivers
// for other network types would need a different fixed size; this transport
// only ships a UDP driver.
const RawAddressSize = 18

// MessageHeader is prepended to every application-level message. It is the
// only piece of message content the transport coordinator itself
// interprets: the reply address a response should be sent to.
type MessageHeader struct {
	ReplyAddress [RawAddressSize]byte
}

// HeaderSize is the number of bytes MessageHeader occupies at the front of a
// message's byte representation.
const HeaderSize = RawAddressSize

// PutMessageHeader writes h to the front of buf, which must be at least
// HeaderSize bytes long.
func PutMessageHeader(buf []byte, h MessageHeader) {
	copy(buf[:HeaderSize], h.ReplyAddress[:])
}

// ReadMessageHeader parses a MessageHeader from the front of buf.
func ReadMessageHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < HeaderSize {
		return MessageHeader{}, &ErrShortPacket{Want: HeaderSize, Got: len(buf)}
	}
	var h MessageHeader
	copy(h.ReplyAddress[:], buf[:HeaderSize])
	return h, nil
}
