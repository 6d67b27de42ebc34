package cs8900

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/ipv4"
)

// Backend carries Ethernet frames between the controller and the host.
// Recv blocks until a frame arrives or the backend is closed.
type Backend interface {
	Send(frame []byte) error
	Recv(buf []byte) (int, error)
	Close() error
}

// DefaultGroup is the multicast hub used by "mcast" without an address.
const DefaultGroup = "239.192.24.10:5410"

// Open parses a backend parameter:
//
//	none | null | ""      frames are discarded, nothing is received
//	loopback              every sent frame is received back
//	mcast[:GROUP:PORT]    UDP multicast hub shared by every emulator on the link
func Open(param string) (Backend, error) {
	switch {
	case param == "", param == "none", param == "null":
		return newNullBackend(), nil
	case param == "loopback":
		return newLoopbackBackend(), nil
	case param == "mcast":
		return openMulticast(DefaultGroup)
	case strings.HasPrefix(param, "mcast:"):
		return openMulticast(strings.TrimPrefix(param, "mcast:"))
	default:
		return nil, fmt.Errorf("cs8900: unknown network backend %q", param)
	}
}

type nullBackend struct {
	closed chan struct{}
	once   sync.Once
}

func newNullBackend() *nullBackend {
	return &nullBackend{closed: make(chan struct{})}
}

func (b *nullBackend) Send([]byte) error { return nil }

func (b *nullBackend) Recv([]byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *nullBackend) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type loopbackBackend struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newLoopbackBackend() *loopbackBackend {
	return &loopbackBackend{frames: make(chan []byte, RxQueueDepth), closed: make(chan struct{})}
}

func (b *loopbackBackend) Send(frame []byte) error {
	select {
	case b.frames <- append([]byte(nil), frame...):
		return nil
	case <-b.closed:
		return net.ErrClosed
	default:
		return errors.New("cs8900: loopback full")
	}
}

func (b *loopbackBackend) Recv(buf []byte) (int, error) {
	select {
	case f := <-b.frames:
		return copy(buf, f), nil
	case <-b.closed:
		return 0, io.EOF
	}
}

func (b *loopbackBackend) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// senderIDLen prefixes every hub datagram so a node can drop its own
// frames, which multicast loopback hands back to it.
const senderIDLen = 8

type multicastBackend struct {
	raw   net.PacketConn
	conn  *ipv4.PacketConn
	group *net.UDPAddr
	id    [senderIDLen]byte
	out   []byte
	mu    sync.Mutex
}

func openMulticast(addr string) (Backend, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("cs8900: multicast group %q: %w", addr, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("cs8900: %s is not a multicast address", group.IP)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	raw, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("cs8900: listen on hub port %d: %w", group.Port, err)
	}
	conn := ipv4.NewPacketConn(raw)
	if err := conn.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("cs8900: join %s: %w", group.IP, err)
	}
	if err := conn.SetMulticastLoopback(true); err != nil {
		raw.Close()
		return nil, fmt.Errorf("cs8900: enable multicast loopback: %w", err)
	}
	if err := conn.SetMulticastTTL(1); err != nil {
		raw.Close()
		return nil, fmt.Errorf("cs8900: set multicast TTL: %w", err)
	}

	b := &multicastBackend{raw: raw, conn: conn, group: group}
	if _, err := rand.Read(b.id[:]); err != nil {
		raw.Close()
		return nil, fmt.Errorf("cs8900: sender id: %w", err)
	}
	return b, nil
}

func (b *multicastBackend) Send(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(append(b.out[:0], b.id[:]...), frame...)
	if _, err := b.conn.WriteTo(b.out, nil, b.group); err != nil {
		return fmt.Errorf("cs8900: hub send: %w", err)
	}
	return nil
}

func (b *multicastBackend) Recv(buf []byte) (int, error) {
	pkt := make([]byte, senderIDLen+len(buf))
	for {
		n, _, _, err := b.conn.ReadFrom(pkt)
		if err != nil {
			return 0, err
		}
		if n < senderIDLen+ethHeaderLen || string(pkt[:senderIDLen]) == string(b.id[:]) {
			continue
		}
		return copy(buf, pkt[senderIDLen:n]), nil
	}
}

func (b *multicastBackend) Close() error {
	_ = b.conn.LeaveGroup(nil, &net.UDPAddr{IP: b.group.IP})
	return b.raw.Close()
}
