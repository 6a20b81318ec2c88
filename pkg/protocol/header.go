package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes, in bytes. A packet is
// [CommonHeader][MessageId][opcode-specific fields][payload].
const (
	CommonHeaderSize = 1  // 1B opcode
	MessageIdSize    = 20 // 8B transportId + 8B sequence + 4B tag
	DataHeaderSize   = 12 // 4B offset + 4B fragment length + 4B total length
	GrantHeaderSize  = 4  // 4B bytes granted
	ResendHeaderSize = 8  // 4B offset + 4B length
)

// ErrShortPacket is returned when a packet is too short for the header its
// opcode requires. All such packets are programming or wire-corruption
// errors; callers treat them as a reason to drop the packet.
type ErrShortPacket struct {
	Want int
	Got  int
}

func (e *ErrShortPacket) Error() string {
	return fmt.Sprintf("protocol: packet too short: want %d bytes, got %d", e.Want, e.Got)
}

// PutCommonHeader writes the CommonHeader into the front of buf.
func PutCommonHeader(buf []byte, opcode Opcode) {
	buf[0] = byte(opcode)
}

// ReadCommonHeader reads the opcode from the front of a raw packet.
func ReadCommonHeader(buf []byte) (Opcode, error) {
	if len(buf) < CommonHeaderSize {
		return 0, &ErrShortPacket{Want: CommonHeaderSize, Got: len(buf)}
	}
	return Opcode(buf[0]), nil
}

// PutMessageId writes id into buf starting at offset 0.
func PutMessageId(buf []byte, id MessageId) {
	binary.BigEndian.PutUint64(buf[0:8], id.OpId.TransportId)
	binary.BigEndian.PutUint64(buf[8:16], id.OpId.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], id.Tag)
}

// ReadMessageId reads a MessageId from the front of buf.
func ReadMessageId(buf []byte) (MessageId, error) {
	if len(buf) < MessageIdSize {
		return MessageId{}, &ErrShortPacket{Want: MessageIdSize, Got: len(buf)}
	}
	return MessageId{
		OpId: OpId{
			TransportId: binary.BigEndian.Uint64(buf[0:8]),
			Sequence:    binary.BigEndian.Uint64(buf[8:16]),
		},
		Tag: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// DataPacket is a DATA packet carrying one fragment of an outbound message.
type DataPacket struct {
	Id          MessageId
	Offset      uint32 // byte offset of Fragment within the full message
	TotalLength uint32 // total length of the message being fragmented
	Fragment    []byte
}

// EncodeDataPacket serialises a DataPacket to the wire.
func EncodeDataPacket(p DataPacket) []byte {
	buf := make([]byte, CommonHeaderSize+MessageIdSize+DataHeaderSize+len(p.Fragment))
	PutCommonHeader(buf, OpData)
	off := CommonHeaderSize
	PutMessageId(buf[off:], p.Id)
	off += MessageIdSize
	binary.BigEndian.PutUint32(buf[off:off+4], p.Offset)
	binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(len(p.Fragment)))
	binary.BigEndian.PutUint32(buf[off+8:off+12], p.TotalLength)
	off += DataHeaderSize
	copy(buf[off:], p.Fragment)
	return buf
}

// DecodeDataPacket parses a DATA packet's body (buf starts just past the
// CommonHeader).
func DecodeDataPacket(buf []byte) (DataPacket, error) {
	id, err := ReadMessageId(buf)
	if err != nil {
		return DataPacket{}, err
	}
	rest := buf[MessageIdSize:]
	if len(rest) < DataHeaderSize {
		return DataPacket{}, &ErrShortPacket{Want: DataHeaderSize, Got: len(rest)}
	}
	offset := binary.BigEndian.Uint32(rest[0:4])
	fragLen := binary.BigEndian.Uint32(rest[4:8])
	total := binary.BigEndian.Uint32(rest[8:12])
	fragment := rest[DataHeaderSize:]
	if uint32(len(fragment)) < fragLen {
		return DataPacket{}, &ErrShortPacket{Want: int(fragLen), Got: len(fragment)}
	}
	return DataPacket{Id: id, Offset: offset, TotalLength: total, Fragment: fragment[:fragLen]}, nil
}

// GrantPacket tells the Sender of a message how many bytes it is now
// permitted to have transmitted.
type GrantPacket struct {
	Id         MessageId
	GrantedTo  uint32 // bytes granted so far, from offset 0
}

func EncodeGrantPacket(p GrantPacket) []byte {
	buf := make([]byte, CommonHeaderSize+MessageIdSize+GrantHeaderSize)
	PutCommonHeader(buf, OpGrant)
	off := CommonHeaderSize
	PutMessageId(buf[off:], p.Id)
	off += MessageIdSize
	binary.BigEndian.PutUint32(buf[off:off+4], p.GrantedTo)
	return buf
}

func DecodeGrantPacket(buf []byte) (GrantPacket, error) {
	id, err := ReadMessageId(buf)
	if err != nil {
		return GrantPacket{}, err
	}
	rest := buf[MessageIdSize:]
	if len(rest) < GrantHeaderSize {
		return GrantPacket{}, &ErrShortPacket{Want: GrantHeaderSize, Got: len(rest)}
	}
	return GrantPacket{Id: id, GrantedTo: binary.BigEndian.Uint32(rest[0:4])}, nil
}

// ResendPacket asks the Sender of a message to retransmit a byte range.
type ResendPacket struct {
	Id     MessageId
	Offset uint32
	Length uint32
}

func EncodeResendPacket(p ResendPacket) []byte {
	buf := make([]byte, CommonHeaderSize+MessageIdSize+ResendHeaderSize)
	PutCommonHeader(buf, OpResend)
	off := CommonHeaderSize
	PutMessageId(buf[off:], p.Id)
	off += MessageIdSize
	binary.BigEndian.PutUint32(buf[off:off+4], p.Offset)
	binary.BigEndian.PutUint32(buf[off+4:off+8], p.Length)
	return buf
}

func DecodeResendPacket(buf []byte) (ResendPacket, error) {
	id, err := ReadMessageId(buf)
	if err != nil {
		return ResendPacket{}, err
	}
	rest := buf[MessageIdSize:]
	if len(rest) < ResendHeaderSize {
		return ResendPacket{}, &ErrShortPacket{Want: ResendHeaderSize, Got: len(rest)}
	}
	return ResendPacket{
		Id:     id,
		Offset: binary.BigEndian.Uint32(rest[0:4]),
		Length: binary.BigEndian.Uint32(rest[4:8]),
	}, nil
}

// IdOnlyPacket is the shape of DONE, BUSY, PING, UNKNOWN, and ERROR packets,
// which carry nothing beyond the CommonHeader and MessageId.
type IdOnlyPacket struct {
	Id MessageId
}

func encodeIdOnly(opcode Opcode, id MessageId) []byte {
	buf := make([]byte, CommonHeaderSize+MessageIdSize)
	PutCommonHeader(buf, opcode)
	PutMessageId(buf[CommonHeaderSize:], id)
	return buf
}

func EncodeDonePacket(id MessageId) []byte    { return encodeIdOnly(OpDone, id) }
func EncodeBusyPacket(id MessageId) []byte    { return encodeIdOnly(OpBusy, id) }
func EncodePingPacket(id MessageId) []byte    { return encodeIdOnly(OpPing, id) }
func EncodeUnknownPacket(id MessageId) []byte { return encodeIdOnly(OpUnknown, id) }
func EncodeErrorPacket(id MessageId) []byte   { return encodeIdOnly(OpError, id) }

func DecodeIdOnlyPacket(buf []byte) (IdOnlyPacket, error) {
	id, err := ReadMessageId(buf)
	if err != nil {
		return IdOnlyPacket{}, err
	}
	return IdOnlyPacket{Id: id}, nil
}
