package homadriver

import (
	"fmt"
	"net"
)

// maxDatagramSize bounds a single UDP read; Homa packets are kept well
// under typical MTUs by the Sender's fragmentation.
const maxDatagramSize = 65507

// recvQueueDepth bounds how many already-received packets ReceivePackets can
// have buffered before the background reader starts blocking on send,
// which in turn applies backpressure to the kernel's socket receive queue
// rather than growing memory without bound.
const recvQueueDepth = 4096

// UDPDriver is a pure-Go, zero-CGo Driver implementation over a UDP socket.
// Like strandapi/pkg/transport.OverlayTransport it needs no CGo, no
// StrandLink, and no platform-specific packet capture APIs -- it exists so
// this module works with a plain "go build".
//
// Go's net.UDPConn has no true non-blocking peek, so ReceivePackets is
// backed by one background reader goroutine that feeds a bounded channel;
// ReceivePackets itself only ever drains that channel, so it never blocks.
type UDPDriver struct {
	conn  *net.UDPConn
	local Address
	recvQ chan Packet
	done  chan struct{}
}

// NewUDPDriver binds a UDP socket to addr (e.g. "127.0.0.1:0" for an
// ephemeral port) and starts the background reader.
func NewUDPDriver(addr string) (*UDPDriver, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("homadriver: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("homadriver: listen %s: %w", addr, err)
	}
	d := &UDPDriver{
		conn:  conn,
		local: AddressFromUDP(conn.LocalAddr().(*net.UDPAddr)),
		recvQ: make(chan Packet, recvQueueDepth),
		done:  make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *UDPDriver) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		pkt := Packet{Payload: payload, Source: AddressFromUDP(from)}
		select {
		case d.recvQ <- pkt:
		case <-d.done:
			return
		}
	}
}

// ReceivePackets drains up to maxBurst already-queued packets without
// blocking.
func (d *UDPDriver) ReceivePackets(maxBurst int) []Packet {
	packets := make([]Packet, 0, maxBurst)
	for len(packets) < maxBurst {
		select {
		case pkt := <-d.recvQ:
			packets = append(packets, pkt)
		default:
			return packets
		}
	}
	return packets
}

// SendPacket transmits payload to dest.
func (d *UDPDriver) SendPacket(dest Address, payload []byte) error {
	_, err := d.conn.WriteToUDP(payload, dest.UDPAddr())
	return err
}

// GetLocalAddress returns the socket's bound address.
func (d *UDPDriver) GetLocalAddress() Address {
	return d.local
}

// GetAddress parses a raw wire-form address.
func (d *UDPDriver) GetAddress(raw []byte) Address {
	var arr [18]byte
	copy(arr[:], raw)
	return AddressFromRaw(arr)
}

// AddressToRaw serialises addr into out.
func (d *UDPDriver) AddressToRaw(addr Address, out []byte) {
	addr.ToRaw(out)
}

// Close shuts down the reader goroutine and the underlying socket.
func (d *UDPDriver) Close() error {
	close(d.done)
	return d.conn.Close()
}
