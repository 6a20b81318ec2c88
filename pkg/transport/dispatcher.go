package transport

import "github.com/qizhe/homa/pkg/protocol"

// processPackets drains whatever the Driver has queued and routes each
// packet to the Sender or Receiver by opcode, per the table in
// SPEC_FULL.md §4.4: DATA goes to the Receiver; GRANT, DONE, RESEND,
// UNKNOWN, and ERROR go to the Sender; BUSY and PING go to the Receiver.
func (t *Transport) processPackets() {
	for _, pkt := range t.driver.ReceivePackets(t.config.ReceiveBurst) {
		opcode, err := protocol.ReadCommonHeader(pkt.Payload)
		if err != nil {
			continue
		}
		switch opcode {
		case protocol.OpData:
			t.receiver.HandleDataPacket(pkt)
		case protocol.OpGrant:
			t.sender.HandleGrantPacket(pkt)
		case protocol.OpDone:
			t.sender.HandleDonePacket(pkt)
		case protocol.OpResend:
			t.sender.HandleResendPacket(pkt)
		case protocol.OpBusy:
			t.receiver.HandleBusyPacket(pkt)
		case protocol.OpPing:
			t.receiver.HandlePingPacket(pkt)
		case protocol.OpUnknown:
			t.sender.HandleUnknownPacket(pkt)
		case protocol.OpError:
			t.sender.HandleErrorPacket(pkt)
		default:
			t.logger.Printf("transport: dropping packet with unrecognized opcode %d from %s", opcode, pkt.Source)
		}
	}
}

// processInboundMessages drains every message the Receiver has finished
// assembling since the last pass and hands it to the Op that is waiting for
// it: an existing client Op if the message answers one of its outstanding
// remoteOps entries, or a freshly allocated server Op if it does not
// (Transport.cc's processInboundMessages -- lookup remoteOps by
// ULTIMATE_RESPONSE_TAG id, otherwise allocate a new server-side Op).
func (t *Transport) processInboundMessages() {
	for {
		msg, ok := t.receiver.ReceiveMessage()
		if !ok {
			return
		}

		if op := t.table.lookupRemote(msg.Id()); op != nil {
			t.table.forgetRemote(msg.Id())
			op.mutex.Lock()
			op.inMessage = msg
			op.processUpdates(t)
			op.mutex.Unlock()
			continue
		}

		op := t.table.allocate(t.id, RoleServer)
		op.mutex.Lock()
		op.inMessage = msg
		op.processUpdates(t)
		op.mutex.Unlock()
	}
}

// checkForUpdates processes every Op that might have changed since the
// last pass. It seeds a hint for every active Op (hintAllActive) and then
// drains the dedup queue once, rather than looping on the live queue --
// bounding one poll pass to exactly the set of Ops active when this step
// began, matching Transport.cc's snapshot-count-then-loop pattern. An Op
// allocated or hinted again mid-pass is picked up next time, never
// starving cleanupOps of a turn.
func (t *Transport) checkForUpdates() {
	t.table.hintAllActive()
	for _, op := range t.table.drainHints() {
		op.mutex.Lock()
		op.processUpdates(t)
		op.mutex.Unlock()
	}
}

// cleanupOps reclaims every Op that Op.drop queued during this pass: it is
// removed from activeOps (via reapUnused) and its message-level state is
// dropped from the Sender/Receiver so they stop tracking it.
func (t *Transport) cleanupOps() {
	for _, op := range t.table.reapUnused() {
		if op.role == RoleServer {
			if op.inMessage != nil {
				t.receiver.DropMessage(op.inMessage)
			}
		} else {
			responseTag := protocol.UltimateResponseTag
			if op.requestTag != 0 {
				responseTag = op.requestTag
			}
			t.table.forgetRemote(protocol.MessageId{OpId: op.opId, Tag: responseTag})
		}
		if op.outMessage != nil {
			t.sender.DropMessage(op.outMessage)
		}
	}
}
