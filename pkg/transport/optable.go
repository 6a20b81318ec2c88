package transport

import (
	"sync"

	"github.com/qizhe/homa/pkg/protocol"
)

// opTable holds every table the coordinator's lock hierarchy (SPEC_FULL.md
// §3) describes: the set of live Ops, the client-side lookup from an
// outstanding request's MessageId back to its Op, and three producer/
// consumer queues decoupling event sources (packets, timers) from the
// Dispatcher's single consuming pass.
//
// Lock order, strictly enforced: mu (the table-wide lock) is always
// acquired before any of the three queue locks, and a queue lock is always
// released before the corresponding Op's own mutex is acquired. No code
// path in this package ever holds two Op mutexes at once.
type opTable struct {
	mu           sync.Mutex
	activeOps    map[protocol.OpId]*Op
	remoteOps    map[protocol.MessageId]*Op
	nextSequence uint64

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     []*Op

	hintsMu sync.Mutex
	hintSet map[protocol.OpId]bool
	hints   []*Op

	unusedMu sync.Mutex
	unused   []*Op
}

func newOpTable() *opTable {
	t := &opTable{
		activeOps: make(map[protocol.OpId]*Op),
		remoteOps: make(map[protocol.MessageId]*Op),
		hintSet:   make(map[protocol.OpId]bool),
	}
	t.pendingCond = sync.NewCond(&t.pendingMu)
	return t
}

// allocate creates a new Op of the given role under the table's own lock,
// registers it in activeOps, and returns it with op.mutex unlocked --
// callers lock it themselves when they need to.
func (t *opTable) allocate(transportId uint64, role Role) *Op {
	t.mu.Lock()
	t.nextSequence++
	opId := protocol.OpId{TransportId: transportId, Sequence: t.nextSequence}
	op := newOp(opId, role)
	t.activeOps[opId] = op
	t.mu.Unlock()
	return op
}

// registerRemote records that responseId identifies the ultimate response
// (or a delegated hop's acknowledgement) this op is waiting for, so
// processInboundMessages can route an arriving message straight to op
// without scanning activeOps.
func (t *opTable) registerRemote(responseId protocol.MessageId, op *Op) {
	t.mu.Lock()
	t.remoteOps[responseId] = op
	t.mu.Unlock()
}

func (t *opTable) lookupRemote(id protocol.MessageId) *Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteOps[id]
}

func (t *opTable) forgetRemote(id protocol.MessageId) {
	t.mu.Lock()
	delete(t.remoteOps, id)
	t.mu.Unlock()
}

// enqueuePendingServerOp hands a newly-arrived server Op to receiveOp. Must
// be called with op.mutex held by the caller (Op.processUpdates); acquires
// only the sibling pendingMu, never another Op's mutex, per the lock
// hierarchy.
func (t *opTable) enqueuePendingServerOp(op *Op) {
	t.pendingMu.Lock()
	t.pending = append(t.pending, op)
	t.pendingCond.Signal()
	t.pendingMu.Unlock()
}

// popPendingServerOp removes and returns the oldest Op waiting for
// receiveOp, or nil if none are waiting.
func (t *opTable) popPendingServerOp() *Op {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	op := t.pending[0]
	t.pending = t.pending[1:]
	return op
}

// waitPendingServerOp blocks until an Op is waiting for receiveOp, or until
// done is closed. Used by ReceiveOp's blocking variant.
func (t *opTable) waitPendingServerOp(done <-chan struct{}) *Op {
	for {
		if op := t.popPendingServerOp(); op != nil {
			return op
		}
		select {
		case <-done:
			return nil
		default:
		}
		t.pendingMu.Lock()
		t.pendingCond.Wait()
		t.pendingMu.Unlock()
	}
}

// hintUpdatedOp posts a deduplicated hint that op has a state change the
// Dispatcher should process. Only touches the hint queue's own lock, so it
// may be called either from Op.processUpdates (with op.mutex held) or from
// hintAllActive (without it). Dedup keeps checkForUpdates' pass bounded by
// the number of *distinct* Ops with pending updates, not the number of
// events that produced them.
func (t *opTable) hintUpdatedOp(op *Op) {
	t.hintsMu.Lock()
	if !t.hintSet[op.opId] {
		t.hintSet[op.opId] = true
		t.hints = append(t.hints, op)
	}
	t.hintsMu.Unlock()
}

// drainHints returns every distinct Op hinted since the last drain and
// clears the dedup set, following the snapshot-count-then-loop pattern: the
// Dispatcher processes exactly this snapshot, so a hint posted while it is
// running waits for the next poll pass instead of starving cleanupOps.
func (t *opTable) drainHints() []*Op {
	t.hintsMu.Lock()
	defer t.hintsMu.Unlock()
	if len(t.hints) == 0 {
		return nil
	}
	drained := t.hints
	t.hints = nil
	for _, op := range drained {
		delete(t.hintSet, op.opId)
	}
	return drained
}

// enqueueUnused marks op ready for reclamation. Must be called with
// op.mutex held (Op.drop).
func (t *opTable) enqueueUnused(op *Op) {
	t.unusedMu.Lock()
	t.unused = append(t.unused, op)
	t.unusedMu.Unlock()
}

// reapUnused removes every Op queued for reclamation from activeOps, under
// the table-wide lock, following the same bounded-snapshot pattern as
// drainHints. Its remoteOps entry is removed by cleanupOps.
func (t *opTable) reapUnused() []*Op {
	t.unusedMu.Lock()
	if len(t.unused) == 0 {
		t.unusedMu.Unlock()
		return nil
	}
	drained := t.unused
	t.unused = nil
	t.unusedMu.Unlock()

	t.mu.Lock()
	for _, op := range drained {
		delete(t.activeOps, op.opId)
	}
	t.mu.Unlock()
	return drained
}

// hintAllActive posts a hint for every currently-active Op. checkForUpdates
// calls this at the start of its pass: the Sender and Receiver advance an
// Op's outMessage/inMessage state from their own goroutine-free Poll calls
// without a direct channel back to the Op that owns them, so a full sweep
// is this table's only reliable source of "something may have changed"
// hints for in-flight Ops. The dedup set still bounds the resulting work to
// one processUpdates call per distinct Op for the pass, exactly as if the
// hints had arrived one at a time from discrete events.
func (t *opTable) hintAllActive() {
	t.mu.Lock()
	ops := make([]*Op, 0, len(t.activeOps))
	for _, op := range t.activeOps {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	for _, op := range ops {
		t.hintUpdatedOp(op)
	}
}

// snapshotActive returns every currently-active Op. Used by Close to drain
// the table directly, bypassing the two-phase reap (SPEC_FULL.md's
// SUPPLEMENTED FEATURES: the original's destructor does the same).
func (t *opTable) snapshotActive() []*Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]*Op, 0, len(t.activeOps))
	for _, op := range t.activeOps {
		ops = append(ops, op)
	}
	return ops
}
