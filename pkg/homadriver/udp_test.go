package homadriver

import (
	"testing"
	"time"
)

func TestUDPDriverSendReceiveRoundTrip(t *testing.T) {
	a, err := NewUDPDriver("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewUDPDriver a: %v", err)
	}
	defer a.Close()
	b, err := NewUDPDriver("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewUDPDriver b: %v", err)
	}
	defer b.Close()

	payload := []byte("ping")
	if err := a.SendPacket(b.GetLocalAddress(), payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []Packet
	for time.Now().Before(deadline) {
		got = b.ReceivePackets(8)
		if len(got) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatalf("got %d packets, want 1", len(got))
	}
	if string(got[0].Payload) != "ping" {
		t.Fatalf("payload = %q, want %q", got[0].Payload, "ping")
	}
	if got[0].Source.Port != a.GetLocalAddress().Port {
		t.Fatalf("source port = %d, want %d", got[0].Source.Port, a.GetLocalAddress().Port)
	}
}

func TestUDPDriverReceivePacketsDoesNotBlock(t *testing.T) {
	d, err := NewUDPDriver("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewUDPDriver: %v", err)
	}
	defer d.Close()

	done := make(chan []Packet, 1)
	go func() { done <- d.ReceivePackets(4) }()

	select {
	case pkts := <-done:
		if len(pkts) != 0 {
			t.Fatalf("expected no packets, got %d", len(pkts))
		}
	case <-time.After(time.Second):
		t.Fatal("ReceivePackets blocked with nothing queued")
	}
}

func TestAddressRawRoundTrip(t *testing.T) {
	d, err := NewUDPDriver("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewUDPDriver: %v", err)
	}
	defer d.Close()

	addr := d.GetLocalAddress()
	raw := make([]byte, 18)
	d.AddressToRaw(addr, raw)
	got := d.GetAddress(raw)
	if got.Port != addr.Port {
		t.Fatalf("port = %d, want %d", got.Port, addr.Port)
	}
	if !got.IP.Equal(addr.IP) {
		t.Fatalf("ip = %v, want %v", got.IP, addr.IP)
	}
}
