// Package receiver implements inbound packet reassembly and the matching
// flow-control/resend half of the Homa protocol: turning a stream of DATA
// packets into complete messages, eagerly granting new messages, and
// chasing missing byte ranges with RESEND. It is the concrete counterpart
// of the "Receiver" external collaborator described by the transport
// coordinator's contract.
//
// Grounded on the method set and locking discipline documented in
// original_source/src/Receiver.h (handleDataPacket/handleBusyPacket/
// handlePingPacket/receiveMessage/dropMessage/poll/sendDonePacket).
package receiver

import (
	"sync"
	"time"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/message"
	"github.com/qizhe/homa/pkg/protocol"
)

// Receiver tracks every inbound message currently being assembled or
// awaiting pickup via ReceiveMessage.
type Receiver struct {
	driver homadriver.Driver

	resendInterval time.Duration

	mu      sync.Mutex
	inbound map[protocol.MessageId]*message.InboundMessage
	ready   []*message.InboundMessage
}

// New creates a Receiver bound to driver, with its resend interval derived
// from the transport's base timeout (see transport.Config).
func New(driver homadriver.Driver, resendInterval time.Duration) *Receiver {
	return &Receiver{
		driver:         driver,
		resendInterval: resendInterval,
		inbound:        make(map[protocol.MessageId]*message.InboundMessage),
	}
}

// HandleDataPacket assembles a DATA fragment into its message, creating the
// message record on first sight, and eagerly grants the whole message the
// first time its length becomes known (this transport does not implement
// the original's byte-granularity congestion control -- see SPEC_FULL.md
// §4.7/4.8 -- so there is no reason to pace a single receiver's grants).
func (r *Receiver) HandleDataPacket(pkt homadriver.Packet) {
	data, err := protocol.DecodeDataPacket(pkt.Payload[protocol.CommonHeaderSize:])
	if err != nil {
		return
	}

	r.mu.Lock()
	msg, exists := r.inbound[data.Id]
	if !exists {
		msg = message.NewInboundMessage(data.Id, pkt.Source, data.TotalLength)
		r.inbound[data.Id] = msg
	}
	r.mu.Unlock()

	if !exists {
		grant := protocol.EncodeGrantPacket(protocol.GrantPacket{Id: data.Id, GrantedTo: data.TotalLength})
		_ = r.driver.SendPacket(pkt.Source, grant)
	}

	if msg.AddFragment(data.Offset, data.Fragment) {
		r.mu.Lock()
		r.ready = append(r.ready, msg)
		r.mu.Unlock()
	}
}

// HandleBusyPacket refreshes the matching message's activity timer so Poll
// does not re-issue a RESEND while the peer has said it is still working.
func (r *Receiver) HandleBusyPacket(pkt homadriver.Packet) {
	idOnly, err := protocol.DecodeIdOnlyPacket(pkt.Payload[protocol.CommonHeaderSize:])
	if err != nil {
		return
	}
	if msg := r.lookup(idOnly.Id); msg != nil {
		msg.Touch()
	}
}

// HandlePingPacket answers a liveness probe: BUSY if this Receiver still
// has a record of the message (assembling or ready-but-not-yet-dropped),
// UNKNOWN otherwise.
func (r *Receiver) HandlePingPacket(pkt homadriver.Packet) {
	idOnly, err := protocol.DecodeIdOnlyPacket(pkt.Payload[protocol.CommonHeaderSize:])
	if err != nil {
		return
	}
	var resp []byte
	if r.lookup(idOnly.Id) != nil {
		resp = protocol.EncodeBusyPacket(idOnly.Id)
	} else {
		resp = protocol.EncodeUnknownPacket(idOnly.Id)
	}
	_ = r.driver.SendPacket(pkt.Source, resp)
}

// ReceiveMessage pops the next fully-assembled message, if any.
func (r *Receiver) ReceiveMessage() (*message.InboundMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) == 0 {
		return nil, false
	}
	msg := r.ready[0]
	r.ready = r.ready[1:]
	return msg, true
}

// DropMessage stops tracking msg, freeing its reassembly buffer.
func (r *Receiver) DropMessage(msg *message.InboundMessage) {
	r.mu.Lock()
	delete(r.inbound, msg.Id())
	r.mu.Unlock()
}

// SendDonePacket sends a DONE packet acknowledging message to its source.
// A package-level function rather than a method, matching the original's
// static helper (Go has no static methods) -- called by the transport
// coordinator's server-Op Completed transition, not by the Receiver itself.
func SendDonePacket(driver homadriver.Driver, msg *message.InboundMessage) error {
	pkt := protocol.EncodeDonePacket(msg.Id())
	return driver.SendPacket(msg.Source(), pkt)
}

// Poll retransmit-requests any in-progress message that has gone quiet for
// longer than the resend interval, asking for everything from its current
// high-water mark to its declared total length.
func (r *Receiver) Poll() {
	now := time.Now()
	r.mu.Lock()
	assembling := make([]*message.InboundMessage, 0, len(r.inbound))
	for _, msg := range r.inbound {
		if !msg.IsReady() {
			assembling = append(assembling, msg)
		}
	}
	r.mu.Unlock()

	for _, msg := range assembling {
		if now.Sub(msg.LastActivity()) < r.resendInterval {
			continue
		}
		have := msg.HaveBytes()
		total := msg.TotalLength()
		if have >= total {
			continue
		}
		resend := protocol.EncodeResendPacket(protocol.ResendPacket{
			Id:     msg.Id(),
			Offset: have,
			Length: total - have,
		})
		_ = r.driver.SendPacket(msg.Source(), resend)
		msg.Touch()
	}
}

func (r *Receiver) lookup(id protocol.MessageId) *message.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inbound[id]
}
