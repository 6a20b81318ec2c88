package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/protocol"
)

func pollUntil(t *testing.T, tps []*Transport, done <-chan struct{}) {
	t.Helper()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, tp := range tps {
				tp.Poll()
			}
		}
	}
}

func newLoopbackTransport(t *testing.T, id uint64) (*Transport, homadriver.Driver) {
	t.Helper()
	driver, err := homadriver.NewUDPDriver("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewUDPDriver: %v", err)
	}
	tp := New(driver, id, WithBaseTimeout(time.Millisecond))
	return tp, driver
}

func TestRequestReplyRoundTrip(t *testing.T) {
	serverTp, serverDriver := newLoopbackTransport(t, 1)
	defer serverTp.Close()
	clientTp, _ := newLoopbackTransport(t, 2)
	defer clientTp.Close()

	done := make(chan struct{})
	go pollUntil(t, []*Transport{serverTp, clientTp}, done)
	defer close(done)

	serverErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		op, err := serverTp.ReceiveOp(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		defer serverTp.ReleaseOp(op)
		reply := strings.ToUpper(string(op.InMessage().Payload()))
		serverErr <- serverTp.SendReply(op, []byte(reply))
	}()

	clientOp, err := clientTp.AllocOp()
	if err != nil {
		t.Fatalf("AllocOp: %v", err)
	}
	if err := clientTp.SendRequest(clientOp, serverDriver.GetLocalAddress(), []byte("hello")); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for clientOp.State() != StateCompleted && clientOp.State() != StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("client Op never reached a terminal state, stuck at %v", clientOp.State())
		}
		time.Sleep(time.Millisecond)
	}
	if clientOp.State() != StateCompleted {
		t.Fatalf("client Op state = %v, want Completed", clientOp.State())
	}
	if got := string(clientOp.InMessage().Payload()); got != "HELLO" {
		t.Fatalf("reply payload = %q, want %q", got, "HELLO")
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server side: %v", err)
	}
	clientTp.ReleaseOp(clientOp)
}

func TestAllocOpAfterCloseFails(t *testing.T) {
	tp, _ := newLoopbackTransport(t, 1)
	if err := tp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tp.AllocOp(); err != ErrClosed {
		t.Fatalf("AllocOp after Close = %v, want ErrClosed", err)
	}
}

func TestSendRequestWrongRoleRejected(t *testing.T) {
	tp, _ := newLoopbackTransport(t, 1)
	defer tp.Close()

	serverOp := tp.table.allocate(tp.id, RoleServer)
	if err := tp.SendRequest(serverOp, homadriver.Address{}, []byte("x")); err != ErrWrongRole {
		t.Fatalf("SendRequest on a server Op = %v, want ErrWrongRole", err)
	}
}

func TestSendReplyWrongRoleRejected(t *testing.T) {
	tp, _ := newLoopbackTransport(t, 1)
	defer tp.Close()

	clientOp, err := tp.AllocOp()
	if err != nil {
		t.Fatalf("AllocOp: %v", err)
	}
	if err := tp.SendReply(clientOp, []byte("x")); err != ErrWrongRole {
		t.Fatalf("SendReply on a client Op = %v, want ErrWrongRole", err)
	}
}

func TestReleaseOpReclaimsCompletedClientOp(t *testing.T) {
	serverTp, serverDriver := newLoopbackTransport(t, 1)
	defer serverTp.Close()
	clientTp, _ := newLoopbackTransport(t, 2)
	defer clientTp.Close()

	done := make(chan struct{})
	go pollUntil(t, []*Transport{serverTp, clientTp}, done)
	defer close(done)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		op, err := serverTp.ReceiveOp(ctx)
		if err != nil {
			return
		}
		_ = serverTp.SendReply(op, op.InMessage().Payload())
		serverTp.ReleaseOp(op)
	}()

	clientOp, err := clientTp.AllocOp()
	if err != nil {
		t.Fatalf("AllocOp: %v", err)
	}
	opId := clientOp.OpId()
	if err := clientTp.SendRequest(clientOp, serverDriver.GetLocalAddress(), []byte("ping")); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for clientOp.State() != StateCompleted {
		if time.Now().After(deadline) {
			t.Fatal("client Op never completed")
		}
		time.Sleep(time.Millisecond)
	}
	clientTp.ReleaseOp(clientOp)

	deadline = time.Now().Add(2 * time.Second)
	for {
		clientTp.table.mu.Lock()
		_, stillActive := clientTp.table.activeOps[opId]
		clientTp.table.mu.Unlock()
		if !stillActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("released, completed client Op was never reclaimed")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestClientAbandonsInFlightRequest exercises the "client abandons" scenario:
// a client releases its Op before any response arrives. The Op must be
// dropped unconditionally on the next poll pass or two, regardless of the
// Sender's in-flight state, not left around waiting for a reply that will
// never complete it.
func TestClientAbandonsInFlightRequest(t *testing.T) {
	clientTp, _ := newLoopbackTransport(t, 1)
	defer clientTp.Close()

	// Nothing is listening here; the request is never answered.
	unreachable := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 1}

	op, err := clientTp.AllocOp()
	if err != nil {
		t.Fatalf("AllocOp: %v", err)
	}
	opId := op.OpId()
	if err := clientTp.SendRequest(op, unreachable, []byte("abandoned")); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if op.State() != StateInProgress {
		t.Fatalf("op state = %v, want InProgress before abandoning", op.State())
	}

	clientTp.ReleaseOp(op)

	for i := 0; i < 2; i++ {
		clientTp.Poll()
	}

	clientTp.table.mu.Lock()
	_, activeStill := clientTp.table.activeOps[opId]
	_, remoteStill := clientTp.table.remoteOps[protocol.MessageId{OpId: opId, Tag: protocol.UltimateResponseTag}]
	clientTp.table.mu.Unlock()
	if activeStill {
		t.Fatal("abandoned in-flight Op still present in activeOps after two polls")
	}
	if remoteStill {
		t.Fatal("abandoned in-flight Op's remoteOps entry still present after two polls")
	}
}

// TestDelegatedServerToServerCall exercises the three-party delegated chain:
// a client calls server A, server A delegates one hop further to server B,
// and the reply flows back through A to the original client under the same
// end-to-end OpId.
func TestDelegatedServerToServerCall(t *testing.T) {
	serverBTp, serverBDriver := newLoopbackTransport(t, 1)
	defer serverBTp.Close()
	serverATp, serverADriver := newLoopbackTransport(t, 2)
	defer serverATp.Close()
	clientTp, _ := newLoopbackTransport(t, 3)
	defer clientTp.Close()

	done := make(chan struct{})
	go pollUntil(t, []*Transport{serverBTp, serverATp, clientTp}, done)
	defer close(done)

	errCh := make(chan error, 2)

	// Server B just uppercases whatever it's asked to forward.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		op, err := serverBTp.ReceiveOp(ctx)
		if err != nil {
			errCh <- err
			return
		}
		defer serverBTp.ReleaseOp(op)
		reply := strings.ToUpper(string(op.InMessage().Payload()))
		errCh <- serverBTp.SendReply(op, []byte(reply))
	}()

	// Server A forwards the client's request to server B one hop further
	// down the chain, waits for the delegate to complete, and relays its
	// payload back to the client as its own reply.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		op, err := serverATp.ReceiveOp(ctx)
		if err != nil {
			errCh <- err
			return
		}
		defer serverATp.ReleaseOp(op)

		delegate, err := serverATp.AllocDelegatedRequest(op)
		if err != nil {
			errCh <- err
			return
		}
		if err := serverATp.SendRequest(delegate, serverBDriver.GetLocalAddress(), op.InMessage().Payload()); err != nil {
			errCh <- err
			return
		}

		deadline := time.Now().Add(2 * time.Second)
		for delegate.State() != StateCompleted && delegate.State() != StateFailed {
			if time.Now().After(deadline) {
				errCh <- context.DeadlineExceeded
				return
			}
			time.Sleep(time.Millisecond)
		}
		if delegate.State() != StateCompleted {
			errCh <- fmt.Errorf("delegated request to server B did not complete, state=%v", delegate.State())
			return
		}
		errCh <- serverATp.SendReply(op, delegate.InMessage().Payload())
	}()

	clientOp, err := clientTp.AllocOp()
	if err != nil {
		t.Fatalf("AllocOp: %v", err)
	}
	if err := clientTp.SendRequest(clientOp, serverADriver.GetLocalAddress(), []byte("hello chain")); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for clientOp.State() != StateCompleted && clientOp.State() != StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("client Op never reached a terminal state, stuck at %v", clientOp.State())
		}
		time.Sleep(time.Millisecond)
	}
	if clientOp.State() != StateCompleted {
		t.Fatalf("client Op state = %v, want Completed", clientOp.State())
	}
	if got := string(clientOp.InMessage().Payload()); got != "HELLO CHAIN" {
		t.Fatalf("reply payload = %q, want %q", got, "HELLO CHAIN")
	}
	clientTp.ReleaseOp(clientOp)

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("delegated chain: %v", err)
		}
	}
}
