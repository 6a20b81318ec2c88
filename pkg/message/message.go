// Package message defines the OutboundMessage and InboundMessage handles
// that an Op owns and the Sender/Receiver manage. Splitting these out of
// both the transport package and the sender/receiver packages avoids an
// import cycle: transport needs to read Sender/Receiver-owned state, and
// sender/receiver need to mutate the same handles the transport's Op holds.
package message

import (
	"sync"
	"time"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/protocol"
)

// OutboundState is the lifecycle of a message the Sender is transmitting.
type OutboundState int

const (
	OutboundNotSent OutboundState = iota
	OutboundInProgress
	OutboundSent
	OutboundCompleted
	OutboundFailed
)

// OutboundMessage is owned by an Op for its entire lifetime but mutated by
// the Sender under its own lock. The Op reads OutboundMessage.State (and
// sets its Header/Payload before the first send) without needing the
// Sender's lock, mirroring the original's atomic outMessage.getState().
type OutboundMessage struct {
	mu sync.Mutex

	header  protocol.MessageHeader
	payload []byte

	id    protocol.MessageId
	dest  homadriver.Address
	state OutboundState

	sentOffset   uint32
	grantedTo    uint32
	lastActivity time.Time
}

// NewOutboundMessage allocates an empty OutboundMessage; SendRequest and
// SendReply set its header and payload before the first send.
func NewOutboundMessage() *OutboundMessage {
	return &OutboundMessage{}
}

// SetHeader sets the reply address carried at the front of the message.
func (m *OutboundMessage) SetHeader(h protocol.MessageHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = h
}

// Header returns the message's current header.
func (m *OutboundMessage) Header() protocol.MessageHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// SetPayload sets the application payload. SendRequest and SendReply call
// it with the payload they are given; the transport does not support
// mutating an outbound message that is already sending.
func (m *OutboundMessage) SetPayload(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payload = p
}

// Bytes returns the full wire body (header followed by payload) that the
// Sender fragments into DATA packets.
func (m *OutboundMessage) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, protocol.HeaderSize+len(m.payload))
	protocol.PutMessageHeader(buf, m.header)
	copy(buf[protocol.HeaderSize:], m.payload)
	return buf
}

// State returns the current outbound lifecycle state. Safe to call without
// the Sender's lock; State is only ever advanced, never retreated.
func (m *OutboundMessage) State() OutboundState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState is used by the Sender to advance the message's lifecycle. Once
// the message is Completed or Failed, later calls leave the state as is.
func (m *OutboundMessage) SetState(s OutboundState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == OutboundCompleted || m.state == OutboundFailed {
		return
	}
	m.state = s
}

// Id returns the MessageId assigned at SendMessage time.
func (m *OutboundMessage) Id() protocol.MessageId {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Dest returns the destination address assigned at SendMessage time.
func (m *OutboundMessage) Dest() homadriver.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dest
}

// Begin is called by the Sender when SendMessage starts transmission.
func (m *OutboundMessage) Begin(id protocol.MessageId, dest homadriver.Address, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	m.dest = dest
	m.state = OutboundInProgress
	m.sentOffset = 0
	m.grantedTo = 0
	m.lastActivity = now
}

// Len returns the total length of the message body (header + payload).
func (m *OutboundMessage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return protocol.HeaderSize + len(m.payload)
}

// SentOffset returns how many bytes have been transmitted so far.
func (m *OutboundMessage) SentOffset() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentOffset
}

// AdvanceSentOffset records that bytes up to offset have now been sent.
func (m *OutboundMessage) AdvanceSentOffset(offset uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset > m.sentOffset {
		m.sentOffset = offset
	}
}

// GrantedTo returns how many bytes the peer has granted permission to send.
func (m *OutboundMessage) GrantedTo() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grantedTo
}

// AdvanceGrant records a new grant offset, ignoring stale (smaller) grants
// that arrive out of order.
func (m *OutboundMessage) AdvanceGrant(offset uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset > m.grantedTo {
		m.grantedTo = offset
	}
}

// LastActivity returns the last time this message was sent to or heard
// from its peer.
func (m *OutboundMessage) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Touch refreshes LastActivity. The Sender calls it whenever it transmits
// or retransmits fragments of the message.
func (m *OutboundMessage) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = now
}

// InboundState is the lifecycle of a message the Receiver is assembling.
type InboundState int

const (
	InboundAssembling InboundState = iota
	InboundReady
)

// InboundMessage is the handle a server or client Op's inMessage field
// refers to once the Receiver has located (or fully assembled) it.
type InboundMessage struct {
	mu sync.Mutex

	id     protocol.MessageId
	source homadriver.Address

	totalLength  uint32
	data         []byte // filled as fragments arrive
	haveBytes    uint32 // high-water mark of contiguous bytes received
	state        InboundState
	lastActivity time.Time

	headerStripped bool
	header         protocol.MessageHeader
}

// NewInboundMessage allocates a record for a message identified by id,
// first observed arriving from source, with the given declared total
// length.
func NewInboundMessage(id protocol.MessageId, source homadriver.Address, totalLength uint32) *InboundMessage {
	return &InboundMessage{
		id:           id,
		source:       source,
		totalLength:  totalLength,
		data:         make([]byte, totalLength),
		state:        InboundAssembling,
		lastActivity: time.Now(),
	}
}

// Id returns the message's identifier.
func (m *InboundMessage) Id() protocol.MessageId {
	return m.id
}

// Source returns the address the message is arriving from. DONE
// acknowledgements and RESEND requests for this message are sent there;
// replies go to the reply address in the message's header instead.
func (m *InboundMessage) Source() homadriver.Address {
	return m.source
}

// IsReady reports whether every byte of the message has arrived.
func (m *InboundMessage) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == InboundReady
}

// AddFragment records a contiguous fragment of data at offset, advancing
// the high-water mark when the fragment extends it (fragments fill gaps
// during a RESEND-driven retransmit without double-counting bytes already
// seen). Returns true if this fragment completed the message.
func (m *InboundMessage) AddFragment(offset uint32, fragment []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasReady := m.state == InboundReady
	end := offset + uint32(len(fragment))
	if end > uint32(len(m.data)) {
		end = uint32(len(m.data))
	}
	if offset < end {
		copy(m.data[offset:end], fragment[:end-offset])
	}
	m.lastActivity = time.Now()
	if offset <= m.haveBytes && end > m.haveBytes {
		m.haveBytes = end
	}
	if m.haveBytes >= m.totalLength {
		m.state = InboundReady
		return !wasReady
	}
	return false
}

// TotalLength returns the declared total message length.
func (m *InboundMessage) TotalLength() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLength
}

// HaveBytes returns the highest contiguous byte offset received so far.
func (m *InboundMessage) HaveBytes() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haveBytes
}

// LastActivity returns the last time a fragment for this message arrived.
func (m *InboundMessage) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Touch refreshes LastActivity without changing any data, used when a BUSY
// packet arrives for a message still in progress.
func (m *InboundMessage) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

// StripHeader parses and removes the MessageHeader from the front of the
// assembled data, matching the original's "defineHeader<Message::Header>()"
// step performed once on the NotStarted->InProgress (server) or
// InProgress->Completed (client) transition. Calling it more than once is a
// no-op.
func (m *InboundMessage) StripHeader() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headerStripped {
		return nil
	}
	h, err := protocol.ReadMessageHeader(m.data)
	if err != nil {
		return err
	}
	m.header = h
	m.headerStripped = true
	return nil
}

// Header returns the stripped header. Valid only after StripHeader.
func (m *InboundMessage) Header() protocol.MessageHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// Payload returns the application-visible bytes, i.e. everything after the
// stripped MessageHeader. Valid only after StripHeader.
func (m *InboundMessage) Payload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.headerStripped || len(m.data) < protocol.HeaderSize {
		return nil
	}
	return m.data[protocol.HeaderSize:]
}
