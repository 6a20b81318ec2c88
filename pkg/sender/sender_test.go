package sender

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/message"
	"github.com/qizhe/homa/pkg/protocol"
)

// fakeDriver is an in-memory homadriver.Driver that just records every
// packet handed to SendPacket, for assertions in these tests.
type fakeDriver struct {
	mu   sync.Mutex
	sent []sentPacket
	addr homadriver.Address
}

type sentPacket struct {
	dest    homadriver.Address
	payload []byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{addr: homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 4000}}
}

func (f *fakeDriver) ReceivePackets(maxBurst int) []homadriver.Packet { return nil }

func (f *fakeDriver) SendPacket(dest homadriver.Address, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, sentPacket{dest: dest, payload: cp})
	return nil
}

func (f *fakeDriver) GetLocalAddress() homadriver.Address { return f.addr }

func (f *fakeDriver) GetAddress(raw []byte) homadriver.Address {
	var arr [protocol.RawAddressSize]byte
	copy(arr[:], raw)
	return homadriver.AddressFromRaw(arr)
}

func (f *fakeDriver) AddressToRaw(addr homadriver.Address, out []byte) { addr.ToRaw(out) }

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) lastSent() (sentPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentPacket{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakeDriver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testId(seq uint64) protocol.MessageId {
	return protocol.MessageId{OpId: protocol.OpId{TransportId: 1, Sequence: seq}, Tag: protocol.InitialRequestTag}
}

func TestSendMessageSmallFitsInOnePacket(t *testing.T) {
	d := newFakeDriver()
	s := New(d, time.Second, 200*time.Millisecond)

	msg := message.NewOutboundMessage()
	msg.SetPayload([]byte("hi"))
	dest := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	id := testId(1)

	s.SendMessage(id, dest, msg)

	if got := d.count(); got != 1 {
		t.Fatalf("sent %d packets, want 1", got)
	}
	if msg.State() != message.OutboundSent {
		t.Fatalf("state = %v, want OutboundSent", msg.State())
	}
}

func TestHandleGrantPacketSendsNewlyGrantedBytes(t *testing.T) {
	d := newFakeDriver()
	s := New(d, time.Second, 200*time.Millisecond)

	payload := make([]byte, FragmentSize+100)
	msg := message.NewOutboundMessage()
	msg.SetPayload(payload)
	dest := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	id := testId(2)

	s.SendMessage(id, dest, msg)
	if msg.State() != message.OutboundInProgress {
		t.Fatalf("state = %v, want OutboundInProgress after partial send", msg.State())
	}
	sentBefore := d.count()

	total := uint32(protocol.HeaderSize + len(payload))
	grant := protocol.EncodeGrantPacket(protocol.GrantPacket{Id: id, GrantedTo: total})
	s.HandleGrantPacket(homadriver.Packet{Payload: grant})

	if d.count() <= sentBefore {
		t.Fatal("expected additional packets sent after grant")
	}
	if msg.State() != message.OutboundSent {
		t.Fatalf("state = %v, want OutboundSent once fully granted and sent", msg.State())
	}
}

func TestHandleResendPacketRetransmitsRange(t *testing.T) {
	d := newFakeDriver()
	s := New(d, time.Second, 200*time.Millisecond)

	msg := message.NewOutboundMessage()
	msg.SetPayload([]byte("hello world"))
	dest := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	id := testId(3)
	s.SendMessage(id, dest, msg)

	before := d.count()
	resend := protocol.EncodeResendPacket(protocol.ResendPacket{Id: id, Offset: 0, Length: 5})
	s.HandleResendPacket(homadriver.Packet{Payload: resend})

	if d.count() != before+1 {
		t.Fatalf("sent %d packets after resend, want %d", d.count(), before+1)
	}
	pkt, ok := d.lastSent()
	if !ok {
		t.Fatal("expected a retransmitted packet")
	}
	dp, err := protocol.DecodeDataPacket(pkt.payload[protocol.CommonHeaderSize:])
	if err != nil {
		t.Fatalf("DecodeDataPacket: %v", err)
	}
	if dp.Offset != 0 {
		t.Fatalf("retransmit offset = %d, want 0", dp.Offset)
	}
}

func TestHandleUnknownPacketFailsMessage(t *testing.T) {
	d := newFakeDriver()
	s := New(d, time.Second, 200*time.Millisecond)

	msg := message.NewOutboundMessage()
	msg.SetPayload([]byte("x"))
	dest := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	id := testId(4)
	s.SendMessage(id, dest, msg)

	s.HandleUnknownPacket(homadriver.Packet{Payload: protocol.EncodeUnknownPacket(id)})
	if msg.State() != message.OutboundFailed {
		t.Fatalf("state = %v, want OutboundFailed", msg.State())
	}
}

func TestHandleDonePacketCompletesMessage(t *testing.T) {
	d := newFakeDriver()
	s := New(d, time.Second, 200*time.Millisecond)

	msg := message.NewOutboundMessage()
	msg.SetPayload([]byte("x"))
	dest := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	id := testId(5)
	s.SendMessage(id, dest, msg)

	s.HandleDonePacket(homadriver.Packet{Payload: protocol.EncodeDonePacket(id)})
	if msg.State() != message.OutboundCompleted {
		t.Fatalf("state = %v, want OutboundCompleted", msg.State())
	}
}

func TestPollFailsOnTimeout(t *testing.T) {
	d := newFakeDriver()
	s := New(d, 10*time.Millisecond, 100*time.Second)

	msg := message.NewOutboundMessage()
	msg.SetPayload([]byte("x"))
	dest := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	id := testId(6)
	s.SendMessage(id, dest, msg)

	time.Sleep(20 * time.Millisecond)
	s.Poll()

	if msg.State() != message.OutboundFailed {
		t.Fatalf("state = %v, want OutboundFailed after timeout", msg.State())
	}
}

func TestDropMessageStopsTracking(t *testing.T) {
	d := newFakeDriver()
	s := New(d, time.Second, 200*time.Millisecond)

	msg := message.NewOutboundMessage()
	msg.SetPayload([]byte("x"))
	dest := homadriver.Address{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	id := testId(7)
	s.SendMessage(id, dest, msg)

	s.DropMessage(msg)
	before := d.count()
	s.HandleResendPacket(homadriver.Packet{Payload: protocol.EncodeResendPacket(protocol.ResendPacket{Id: id, Offset: 0, Length: 1})})
	if d.count() != before {
		t.Fatal("expected dropped message to be ignored by later handlers")
	}
}
