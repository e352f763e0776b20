package transport

import (
	"context"
	"net"
	"sync"

	"github.com/xenocomm/xenocomm/xerr"
)

type loopbackAddr string

func (a loopbackAddr) Network() string { return "loopback" }
func (a loopbackAddr) String() string  { return string(a) }

// LoopbackTransport is an in-memory Transport for tests, grounded on
// kcp-go's own test harness style of wiring two sessions through buffered
// channel pipes instead of a real socket.
type LoopbackTransport struct {
	local  loopbackAddr
	remote loopbackAddr
	out    chan<- []byte
	in     <-chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLoopbackPair builds two LoopbackTransports wired to each other.
func NewLoopbackPair(localName, remoteName string, buffer int) (a, b *LoopbackTransport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a = &LoopbackTransport{
		local: loopbackAddr(localName), remote: loopbackAddr(remoteName),
		out: ab, in: ba, closed: make(chan struct{}),
	}
	b = &LoopbackTransport{
		local: loopbackAddr(remoteName), remote: loopbackAddr(localName),
		out: ba, in: ab, closed: make(chan struct{}),
	}
	return a, b
}

func (l *LoopbackTransport) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case l.out <- cp:
		return nil
	case <-ctx.Done():
		return xerr.Wrap(xerr.Transport, "transport.LoopbackTransport.Send", ctx.Err())
	case <-l.closed:
		return xerr.New(xerr.Transport, "transport.LoopbackTransport.Send")
	}
}

func (l *LoopbackTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-l.in:
		if !ok {
			return nil, xerr.New(xerr.Transport, "transport.LoopbackTransport.Receive")
		}
		return frame, nil
	case <-ctx.Done():
		return nil, xerr.Wrap(xerr.Transport, "transport.LoopbackTransport.Receive", ctx.Err())
	case <-l.closed:
		return nil, xerr.New(xerr.Transport, "transport.LoopbackTransport.Receive")
	}
}

func (l *LoopbackTransport) LocalAddr() net.Addr  { return l.local }
func (l *LoopbackTransport) RemoteAddr() net.Addr { return l.remote }

func (l *LoopbackTransport) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
