// Package sender implements the byte-level retry/grant logic that drives an
// outbound message to completion: fragmentation, grant-paced transmission,
// liveness pings, and timeout failure. It is the concrete counterpart of the
// "Sender" external collaborator described by the transport coordinator's
// contract -- the coordinator only ever calls the methods below, never
// reaches into outboundMessages itself.
//
// Grounded on the grant/offset bookkeeping shown in
// original_source/src/SenderTest.cc (grantOffset, staleness checks) and on
// the timeout constants from original_source/src/Transport.cc.
package sender

import (
	"sync"
	"time"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/message"
	"github.com/qizhe/homa/pkg/protocol"
)

// FragmentSize bounds a single DATA packet's payload. Messages longer than
// this are sent across several packets, paced by GRANT packets from the
// receiving end.
const FragmentSize = 1200

// Sender tracks every outbound message currently in flight, keyed by
// MessageId, and drives their fragmentation, pacing, and timeouts.
type Sender struct {
	driver homadriver.Driver

	messageTimeout time.Duration
	pingInterval   time.Duration

	mu       sync.Mutex
	outbound map[protocol.MessageId]*message.OutboundMessage
}

// New creates a Sender bound to driver, with the message timeout and ping
// interval derived from the transport's base timeout (see
// transport.Config).
func New(driver homadriver.Driver, messageTimeout, pingInterval time.Duration) *Sender {
	return &Sender{
		driver:         driver,
		messageTimeout: messageTimeout,
		pingInterval:   pingInterval,
		outbound:       make(map[protocol.MessageId]*message.OutboundMessage),
	}
}

// SendMessage begins transmitting msg under id to destination. The message
// is registered for grant/ping/timeout tracking until DropMessage is called.
func (s *Sender) SendMessage(id protocol.MessageId, destination homadriver.Address, msg *message.OutboundMessage) {
	now := time.Now()
	msg.Begin(id, destination, now)

	s.mu.Lock()
	s.outbound[id] = msg
	s.mu.Unlock()

	s.sendUpTo(msg, id, destination, initialWindow(msg.Len()))
}

// initialWindow is how many bytes may be sent before any GRANT has been
// received: always at least one fragment, so small messages complete in a
// single DATA packet without waiting on the receiver's eager grant.
func initialWindow(totalLen int) uint32 {
	if totalLen <= FragmentSize {
		return uint32(totalLen)
	}
	return FragmentSize
}

// sendUpTo transmits fragments covering [msg.SentOffset(), limit), updating
// msg's state once every byte has gone out at least once.
func (s *Sender) sendUpTo(msg *message.OutboundMessage, id protocol.MessageId, dest homadriver.Address, limit uint32) {
	body := msg.Bytes()
	total := uint32(len(body))
	if limit > total {
		limit = total
	}
	offset := msg.SentOffset()
	for offset < limit {
		end := offset + FragmentSize
		if end > limit {
			end = limit
		}
		pkt := protocol.EncodeDataPacket(protocol.DataPacket{
			Id:          id,
			Offset:      offset,
			TotalLength: total,
			Fragment:    body[offset:end],
		})
		_ = s.driver.SendPacket(dest, pkt)
		offset = end
	}
	msg.AdvanceSentOffset(offset)
	msg.Touch(time.Now())
	if offset >= total {
		msg.SetState(message.OutboundSent)
	}
}

// HandleGrantPacket advances the matching outbound message's grant window
// and transmits any newly-permitted bytes.
func (s *Sender) HandleGrantPacket(pkt homadriver.Packet) {
	grant, err := protocol.DecodeGrantPacket(pkt.Payload[protocol.CommonHeaderSize:])
	if err != nil {
		return
	}
	msg := s.lookup(grant.Id)
	if msg == nil {
		return
	}
	msg.AdvanceGrant(grant.GrantedTo)
	if msg.State() == message.OutboundInProgress {
		s.sendUpTo(msg, grant.Id, msg.Dest(), msg.GrantedTo())
	}
}

// HandleDonePacket marks the matching outbound message Completed. DONE
// acknowledges a delegated-hop request: see transport.Op's server-side
// InProgress->Completed transition, which emits the DONE this handles.
func (s *Sender) HandleDonePacket(pkt homadriver.Packet) {
	done, err := protocol.DecodeIdOnlyPacket(pkt.Payload[protocol.CommonHeaderSize:])
	if err != nil {
		return
	}
	if msg := s.lookup(done.Id); msg != nil {
		msg.SetState(message.OutboundCompleted)
	}
}

// HandleResendPacket retransmits the requested byte range.
func (s *Sender) HandleResendPacket(pkt homadriver.Packet) {
	resend, err := protocol.DecodeResendPacket(pkt.Payload[protocol.CommonHeaderSize:])
	if err != nil {
		return
	}
	msg := s.lookup(resend.Id)
	if msg == nil {
		return
	}
	body := msg.Bytes()
	total := uint32(len(body))
	end := resend.Offset + resend.Length
	if end > total {
		end = total
	}
	if resend.Offset >= end {
		return
	}
	pktOut := protocol.EncodeDataPacket(protocol.DataPacket{
		Id:          resend.Id,
		Offset:      resend.Offset,
		TotalLength: total,
		Fragment:    body[resend.Offset:end],
	})
	_ = s.driver.SendPacket(msg.Dest(), pktOut)
	msg.Touch(time.Now())
}

// HandleUnknownPacket marks the matching outbound message Failed: the peer
// has no record of it (e.g. it restarted or the message was evicted).
func (s *Sender) HandleUnknownPacket(pkt homadriver.Packet) {
	s.fail(pkt)
}

// HandleErrorPacket marks the matching outbound message Failed.
func (s *Sender) HandleErrorPacket(pkt homadriver.Packet) {
	s.fail(pkt)
}

func (s *Sender) fail(pkt homadriver.Packet) {
	idOnly, err := protocol.DecodeIdOnlyPacket(pkt.Payload[protocol.CommonHeaderSize:])
	if err != nil {
		return
	}
	if msg := s.lookup(idOnly.Id); msg != nil {
		msg.SetState(message.OutboundFailed)
	}
}

// DropMessage stops tracking msg. Safe to call after the message has
// reached a terminal state, and safe to call on a message that was never
// sent (e.g. a client Op released before SendRequest).
func (s *Sender) DropMessage(msg *message.OutboundMessage) {
	id := msg.Id()
	s.mu.Lock()
	delete(s.outbound, id)
	s.mu.Unlock()
}

// Poll pings outbound messages that have gone quiet for longer than the
// ping interval, and fails any that have been quiet for longer than the
// message timeout.
func (s *Sender) Poll() {
	now := time.Now()
	s.mu.Lock()
	inFlight := make([]*message.OutboundMessage, 0, len(s.outbound))
	for _, msg := range s.outbound {
		inFlight = append(inFlight, msg)
	}
	s.mu.Unlock()

	for _, msg := range inFlight {
		state := msg.State()
		if state == message.OutboundCompleted || state == message.OutboundFailed {
			continue
		}
		idle := now.Sub(msg.LastActivity())
		if idle >= s.messageTimeout {
			msg.SetState(message.OutboundFailed)
			continue
		}
		if idle >= s.pingInterval {
			// Send a liveness probe but deliberately do not refresh
			// lastActivity here. Only sending or retransmitting fragments
			// (after a GRANT or a RESEND) postpones the message timeout;
			// BUSY packets go to the Receiver and do not postpone it.
			ping := protocol.EncodePingPacket(msg.Id())
			_ = s.driver.SendPacket(msg.Dest(), ping)
		}
	}
}

func (s *Sender) lookup(id protocol.MessageId) *message.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound[id]
}
