// Package transport implements the Homa-style request/response coordinator:
// Op allocation and lifecycle, the packet router, and the Dispatcher poll
// loop that ties the Sender and Receiver together. Everything below this
// package -- the Driver, the wire codec, fragmentation and flow control --
// is treated as an external collaborator with a narrow, already-defined
// contract (pkg/homadriver, pkg/sender, pkg/receiver, pkg/protocol).
//
// Grounded throughout on original_source/src/Transport.cc: the lock
// hand-off pattern in ReceiveOp/ReleaseOp, the packet opcode routing table
// in processPackets, and the bounded snapshot-then-loop draining used by
// checkForUpdates and cleanupOps.
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/message"
	"github.com/qizhe/homa/pkg/protocol"
	"github.com/qizhe/homa/pkg/receiver"
	"github.com/qizhe/homa/pkg/sender"
)

// Transport is the application-facing coordinator: allocate or receive an
// Op, populate and send its message, and poll until it completes.
//
// A Transport is safe for concurrent use by multiple goroutines, except
// that a single Op must not be driven by more than one goroutine at a time
// (see Op's doc comment).
type Transport struct {
	id     uint64
	driver homadriver.Driver

	sender   *sender.Sender
	receiver *receiver.Receiver
	table    *opTable
	config   Config

	closed    chan struct{}
	closeOnce sync.Once
	logger    *log.Logger
}

// New creates a Transport bound to driver with the given transport id
// (assigned by the application; it only needs to be unique among peers
// this transport talks to) and options.
func New(driver homadriver.Driver, id uint64, opts ...Option) *Transport {
	cfg := newConfig(opts)
	return &Transport{
		id:       id,
		driver:   driver,
		sender:   sender.New(driver, cfg.MessageTimeout, cfg.PingInterval),
		receiver: receiver.New(driver, cfg.ResendInterval),
		table:    newOpTable(),
		config:   cfg,
		closed:   make(chan struct{}),
		logger:   log.Default(),
	}
}

// AllocOp creates a new client-side Op. The application passes the request
// payload to SendRequest to transmit it.
func (t *Transport) AllocOp() (*Op, error) {
	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}
	op := t.table.allocate(t.id, RoleClient)
	op.retained.Store(true)
	return op, nil
}

// ReceiveOp blocks until a server-side Op is ready for the application (its
// request has fully arrived), or ctx is cancelled, or the Transport is
// closed.
func (t *Transport) ReceiveOp(ctx context.Context) (*Op, error) {
	type result struct {
		op *Op
	}
	resultCh := make(chan result, 1)
	go func() {
		resultCh <- result{op: t.table.waitPendingServerOp(t.closed)}
	}()
	select {
	case r := <-resultCh:
		if r.op == nil {
			return nil, ErrClosed
		}
		r.op.retained.Store(true)
		return r.op, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

// ReleaseOp gives up the application's hold on op. Once released, a client
// Op is reclaimed by the next poll pass whatever its state; a server Op is
// reclaimed once its state machine reaches a terminal state -- see
// SPEC_FULL.md's Open Question resolution on releasing a server Op before
// SendReply.
func (t *Transport) ReleaseOp(op *Op) {
	op.mutex.Lock()
	op.retained.Store(false)
	op.processUpdates(t)
	op.mutex.Unlock()
}

// SendRequest sets payload as op's OutMessage payload and transmits it as a
// new request to destination. op must be a client Op in its NotStarted
// state.
func (t *Transport) SendRequest(op *Op, destination homadriver.Address, payload []byte) error {
	if op.Role() != RoleClient {
		return ErrWrongRole
	}
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if !op.Retained() {
		return ErrOpReleased
	}

	sendTag := protocol.InitialRequestTag
	responseTag := protocol.UltimateResponseTag
	if op.requestTag != 0 {
		// A delegated-hop request: this Op knows exactly which tag it
		// sent under and expects its response under the same tag, unlike
		// a root request, which sends under InitialRequestTag but must
		// wait on the fixed UltimateResponseTag regardless of how many
		// hops the chain grows to.
		sendTag = op.requestTag
		responseTag = op.requestTag
	}
	id := protocol.MessageId{OpId: op.opId, Tag: sendTag}
	op.outMessage.SetHeader(rawAddress(t.driver.GetLocalAddress()))
	op.outMessage.SetPayload(payload)

	responseId := protocol.MessageId{OpId: op.opId, Tag: responseTag}
	t.table.registerRemote(responseId, op)

	op.state.Store(int32(StateInProgress))
	t.sender.SendMessage(id, destination, op.outMessage)
	return nil
}

// SendReply sets payload as op's OutMessage payload and transmits it to the
// reply address carried in the inbound request's header. op must be a
// server Op whose inbound request has arrived.
func (t *Transport) SendReply(op *Op, payload []byte) error {
	if op.Role() != RoleServer {
		return ErrWrongRole
	}
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.inMessage == nil {
		return fmt.Errorf("transport: op %s has no inbound request to reply to", op.opId)
	}

	// The reply must be addressed under the chain's OpId -- the original
	// client's (or, for a delegated hop, the upstream server's delegate
	// Op's) OpId, found on the inbound request -- never this server's own
	// locally-allocated op.opId.
	chainId := op.inMessage.Id().OpId
	replyTag := protocol.UltimateResponseTag
	if !op.inMessage.Id().IsInitialRequest() {
		// A delegated hop's reply travels under the same tag the request
		// arrived with; the upstream hop is waiting on exactly that
		// MessageId in its own remoteOps entry.
		replyTag = op.inMessage.Id().Tag
	}
	id := protocol.MessageId{OpId: chainId, Tag: replyTag}
	replyAddr := op.inMessage.Header().ReplyAddress
	op.outMessage.SetHeader(rawAddress(t.driver.GetLocalAddress()))
	op.outMessage.SetPayload(payload)
	t.sender.SendMessage(id, t.driver.GetAddress(replyAddr[:]), op.outMessage)
	return nil
}

// AllocDelegatedRequest creates a client-role Op that continues op's inbound
// request one hop further down its chain: the same end-to-end OpId, tagged
// one past the tag op's request arrived under. The application sends it
// with SendRequest, polls until it reaches a terminal state, and then
// passes its InMessage's payload (on success) to SendReply for op -- the
// transport does not forward automatically.
//
// Unlike AllocOp, the returned Op is never passed to ReleaseOp: nothing
// outside this package holds it, so it is reclaimed as soon as it reaches
// Completed or Failed.
func (t *Transport) AllocDelegatedRequest(op *Op) (*Op, error) {
	if op.Role() != RoleServer {
		return nil, ErrWrongRole
	}
	op.mutex.Lock()
	if op.inMessage == nil {
		op.mutex.Unlock()
		return nil, fmt.Errorf("transport: op %s has no inbound request to delegate", op.opId)
	}
	chainId := op.inMessage.Id().OpId
	nextTag := op.inMessage.Id().Tag + 1
	op.mutex.Unlock()

	delegate := newOp(chainId, RoleClient)
	delegate.requestTag = nextTag
	delegate.autoRelease = true
	delegate.retained.Store(true)

	t.table.mu.Lock()
	t.table.activeOps[chainId] = delegate
	t.table.mu.Unlock()

	return delegate, nil
}

// Poll drives one pass of the Dispatcher: drain arrived packets, let the
// Sender and Receiver service their own timers, promote newly-assembled
// messages to their Ops, process every Op with a pending state-change hint,
// and reclaim released terminal Ops. Applications call Poll from their own
// event loop; the coordinator runs no background poll goroutine (the only
// goroutines it starts are the Driver's reader and the waiter each
// ReceiveOp call uses).
func (t *Transport) Poll() {
	t.processPackets()
	t.sender.Poll()
	t.receiver.Poll()
	t.processInboundMessages()
	t.checkForUpdates()
	t.cleanupOps()
}

// Close drains every active Op directly, bypassing the two-phase reap --
// SPEC_FULL.md's supplemented destructor-time behavior, grounded on
// Transport.cc's destructor, which does not wait for ReleaseOp before
// reclaiming -- and releases the Driver.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		for _, op := range t.table.snapshotActive() {
			op.mutex.Lock()
			if op.inMessage != nil {
				t.receiver.DropMessage(op.inMessage)
			}
			op.mutex.Unlock()
			t.sender.DropMessage(op.outMessage)
			t.table.mu.Lock()
			delete(t.table.activeOps, op.opId)
			t.table.mu.Unlock()
		}
		err = t.driver.Close()
	})
	return err
}

// opHooks implementation -- called by Op.processUpdates with op.mutex held.

func (t *Transport) enqueuePendingServerOp(op *Op) {
	t.table.enqueuePendingServerOp(op)
}

func (t *Transport) enqueueUnused(op *Op) {
	t.table.enqueueUnused(op)
}

func (t *Transport) hintUpdatedOp(op *Op) {
	t.table.hintUpdatedOp(op)
}

func (t *Transport) sendDone(inMessage *message.InboundMessage) {
	if err := receiver.SendDonePacket(t.driver, inMessage); err != nil {
		t.logger.Printf("transport: send DONE for %s: %v", inMessage.Id(), err)
	}
}
