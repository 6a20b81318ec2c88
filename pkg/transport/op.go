package transport

import (
	"sync"
	"sync/atomic"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/message"
	"github.com/qizhe/homa/pkg/protocol"
)

// Role distinguishes a client-side operation (the application initiated a
// request) from a server-side operation (a request arrived and the
// application is expected to reply). A single Op type carries both roles --
// see DESIGN.md for why this module keeps the original's dual-role design
// rather than splitting into two types.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// State is an Op's position in its lifecycle. State only ever advances:
// NotStarted -> InProgress -> (Completed | Failed).
type State int32

const (
	StateNotStarted State = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Op represents one client or server side of a single request/response
// exchange. Applications never construct an Op directly; they obtain one
// from AllocOp or ReceiveOp and release it with ReleaseOp.
//
// Concurrency: Op.mutex protects state transitions and pointer assignments
// made by the Dispatcher (processUpdates) and by the table operations that
// hand an Op off between the transport-wide lock and the Op's own lock (see
// OpTable). Calling Op methods concurrently from multiple application
// threads on the *same* Op is not supported -- the application must
// serialize its own use of a given Op, exactly as in the distilled spec
// §4.1.
type Op struct {
	opId protocol.OpId
	role Role

	state    atomic.Int32
	retained atomic.Bool
	destroy  bool

	outMessage *message.OutboundMessage
	inMessage  *message.InboundMessage

	// requestTag overrides the tag SendRequest uses, and the tag its
	// response is expected under, for a delegated-hop client Op (zero
	// means "not a delegate": send under InitialRequestTag, expect the
	// response under UltimateResponseTag). See AllocDelegatedRequest.
	requestTag uint32

	// autoRelease marks a delegated-hop Op that no application goroutine
	// will ever call ReleaseOp on; it is reclaimed as soon as it reaches a
	// terminal state instead of waiting for Retained to go false.
	autoRelease bool

	mutex sync.Mutex
}

// newOp allocates an Op. Called by opTable.allocate under the table lock,
// and by AllocDelegatedRequest before it takes the table lock to register
// the delegate.
func newOp(opId protocol.OpId, role Role) *Op {
	op := &Op{
		opId:       opId,
		role:       role,
		outMessage: message.NewOutboundMessage(),
	}
	op.state.Store(int32(StateNotStarted))
	return op
}

// OpId returns the operation's globally unique identifier.
func (op *Op) OpId() protocol.OpId { return op.opId }

// Role reports whether this Op is the client or server side of its
// exchange.
func (op *Op) Role() Role { return op.role }

// State returns the Op's current lifecycle state. Safe to call without
// holding op.mutex -- state is read atomically, per the distilled spec's
// "read by the application without a lock" invariant.
func (op *Op) State() State {
	return State(op.state.Load())
}

// OutMessage returns the outbound message handle. SendRequest and SendReply
// set its header and payload before transmitting it.
func (op *Op) OutMessage() *message.OutboundMessage {
	return op.outMessage
}

// InMessage returns the inbound message handle, or nil if none has arrived
// yet.
func (op *Op) InMessage() *message.InboundMessage {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	return op.inMessage
}

// Retained reports whether the application still holds this Op.
func (op *Op) Retained() bool {
	return op.retained.Load()
}

// processUpdates runs the Op's state machine (distilled spec §4.2). Must be
// called with op.mutex held. hooks gives processUpdates the narrow set of
// transport-level actions (posting a hint, enqueuing for destruction,
// sending a DONE packet) it needs without reaching back into the table or
// subcomponents directly.
func (op *Op) processUpdates(hooks opHooks) {
	if op.destroy {
		return
	}

	state := op.State()
	var outState message.OutboundState
	if op.outMessage != nil {
		outState = op.outMessage.State()
	}

	if op.role == RoleServer {
		switch state {
		case StateNotStarted:
			if op.inMessage != nil && op.inMessage.IsReady() {
				_ = op.inMessage.StripHeader()
				hooks.enqueuePendingServerOp(op)
				op.state.Store(int32(StateInProgress))
			}
		case StateInProgress:
			ultimateSent := op.outMessage.Id().IsResponse() && outState == message.OutboundSent
			switch {
			case outState == message.OutboundFailed:
				op.state.Store(int32(StateFailed))
				hooks.hintUpdatedOp(op)
			case outState == message.OutboundCompleted || ultimateSent:
				op.state.Store(int32(StateCompleted))
				if op.inMessage != nil && !op.inMessage.Id().IsInitialRequest() {
					hooks.sendDone(op.inMessage)
				}
				hooks.hintUpdatedOp(op)
			}
		case StateCompleted, StateFailed:
			if !op.Retained() {
				op.drop(hooks)
			}
		}
	} else {
		switch state {
		case StateNotStarted:
			if !op.Retained() {
				op.drop(hooks)
			}
		case StateInProgress:
			switch {
			case !op.Retained():
				// Client abandons an in-flight request: drop unconditionally
				// regardless of Sender state, unlike the server-side
				// release-before-SendReply case. cleanupOps calls
				// sender.DropMessage on the next pass once this Op is
				// reclaimed, cancelling the in-flight send.
				op.drop(hooks)
			case outState == message.OutboundFailed:
				op.state.Store(int32(StateFailed))
				hooks.hintUpdatedOp(op)
			case op.inMessage != nil && op.inMessage.IsReady():
				_ = op.inMessage.StripHeader()
				op.state.Store(int32(StateCompleted))
				if op.requestTag != 0 {
					// This is a delegated-hop request (AllocDelegatedRequest),
					// not a root client request: the peer that replied is a
					// middle-hop server whose own Op is waiting on exactly
					// this acknowledgement to leave StateInProgress, since its
					// reply's tag is never ULTIMATE_RESPONSE_TAG and so never
					// qualifies for the ultimateSent shortcut.
					hooks.sendDone(op.inMessage)
				}
				hooks.hintUpdatedOp(op)
			}
		case StateCompleted, StateFailed:
			if op.autoRelease || !op.Retained() {
				op.drop(hooks)
			}
		}
	}
}

// drop marks op reclaimable and enqueues it for the next cleanup pass. Must
// be called with op.mutex held (distilled spec §4.6).
func (op *Op) drop(hooks opHooks) {
	if op.destroy {
		return
	}
	op.destroy = true
	hooks.enqueueUnused(op)
}

// opHooks is the minimal set of transport-level side effects an Op's state
// machine can trigger. Implemented by *Transport; kept as an interface so
// op.go has no direct dependency on OpTable's lock internals.
type opHooks interface {
	enqueuePendingServerOp(op *Op)
	enqueueUnused(op *Op)
	hintUpdatedOp(op *Op)
	sendDone(inMessage *message.InboundMessage)
}

// rawAddress is a small helper shared by SendRequest/SendReply to write a
// homadriver.Address into a MessageHeader's fixed-size ReplyAddress field.
func rawAddress(addr homadriver.Address) protocol.MessageHeader {
	var h protocol.MessageHeader
	addr.ToRaw(h.ReplyAddress[:])
	return h
}
