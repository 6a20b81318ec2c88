// Package protocol defines the Homa wire protocol: packet opcodes, the
// common packet header, message/operation identifiers, and the per-message
// header the transport coordinator reads (the reply address). It mirrors the
// narrow, coordinator-visible slice of the original Homa wire format
// described in the Homa C++ implementation (original_source/src/Transport.cc,
// Receiver.h) -- not the full byte-granularity congestion-control header set.
package protocol

// Opcode identifies a packet's purpose on the wire. Every packet begins with
// a CommonHeader carrying one of these values.
type Opcode byte

const (
	OpData    Opcode = iota + 1 // DATA    -- a fragment of an outbound message
	OpGrant                     // GRANT   -- permission to send more bytes
	OpDone                      // DONE    -- acknowledges a delegated-hop request
	OpResend                    // RESEND  -- request retransmission of a byte range
	OpBusy                      // BUSY    -- peer is still working, suppress RESEND
	OpPing                      // PING    -- liveness probe for an outbound message
	OpUnknown                   // UNKNOWN -- peer has no record of the referenced message
	OpError                     // ERROR   -- peer signals a protocol-level failure
)

// OpcodeNames maps opcodes to human-readable identifiers for logging.
var OpcodeNames = map[Opcode]string{
	OpData:    "DATA",
	OpGrant:   "GRANT",
	OpDone:    "DONE",
	OpResend:  "RESEND",
	OpBusy:    "BUSY",
	OpPing:    "PING",
	OpUnknown: "UNKNOWN",
	OpError:   "ERROR",
}

func (o Opcode) String() string {
	if name, ok := OpcodeNames[o]; ok {
		return name
	}
	return "INVALID"
}
