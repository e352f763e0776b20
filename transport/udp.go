package transport

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/xenocomm/xenocomm/xerr"
)

// UDPTransport is a net.PacketConn-backed Transport bound to one remote
// peer. Grounded on kcp-go/sess.go's UDPSession: a packet conn plus a
// remembered remote address, with an ipv4.PacketConn held alongside for
// batched writes (its own txqueue []ipv4.Message usage).
type UDPTransport struct {
	conn   net.PacketConn
	remote net.Addr
	xconn  *ipv4.PacketConn
	ownsConn bool
}

// DialUDP opens a UDP socket connected to addr.
func DialUDP(addr string) (*UDPTransport, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, xerr.Wrap(xerr.Transport, "transport.DialUDP", err, xerr.WithPeer(addr))
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.Transport, "transport.DialUDP", err, xerr.WithPeer(addr))
	}
	return &UDPTransport{conn: conn, remote: remote, xconn: ipv4.NewPacketConn(conn), ownsConn: true}, nil
}

// NewUDPTransport wraps an already-bound PacketConn (e.g. a listener's
// accepted peer) without taking ownership of closing it independently.
func NewUDPTransport(conn net.PacketConn, remote net.Addr) *UDPTransport {
	return &UDPTransport{conn: conn, remote: remote, xconn: ipv4.NewPacketConn(conn)}
}

func (u *UDPTransport) Send(ctx context.Context, frame []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(dl)
	}
	_, err := u.conn.WriteTo(frame, u.remote)
	if err != nil {
		return xerr.Wrap(xerr.Transport, "transport.UDPTransport.Send", err, xerr.WithPeer(u.remote.String()))
	}
	return nil
}

// SendVectored emits frames as one batched write via ipv4.PacketConn's
// WriteBatch, the same API kcp-go/sess.go's postProcess uses to drain its
// txqueue in one syscall.
func (u *UDPTransport) SendVectored(ctx context.Context, frames [][]byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(dl)
	}
	msgs := make([]ipv4.Message, len(frames))
	for i, f := range frames {
		msgs[i] = ipv4.Message{Buffers: [][]byte{f}, Addr: u.remote}
	}
	n, err := u.xconn.WriteBatch(msgs, 0)
	if err != nil {
		return xerr.Wrap(xerr.Transport, "transport.UDPTransport.SendVectored", err, xerr.WithPeer(u.remote.String()))
	}
	if n != len(msgs) {
		return xerr.New(xerr.Transport, "transport.UDPTransport.SendVectored", xerr.WithPeer(u.remote.String()))
	}
	return nil
}

func (u *UDPTransport) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetReadDeadline(dl)
	} else {
		_ = u.conn.SetReadDeadline(time.Time{})
	}
	// Cancellation without a deadline unblocks the read by expiring it now.
	stop := context.AfterFunc(ctx, func() { _ = u.conn.SetReadDeadline(time.Now()) })
	defer stop()
	buf := make([]byte, defaultReadBufferSize)
	n, _, err := u.conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerr.Wrap(xerr.Transport, "transport.UDPTransport.Receive", ctx.Err())
		}
		return nil, xerr.Wrap(xerr.Transport, "transport.UDPTransport.Receive", err)
	}
	return buf[:n], nil
}

func (u *UDPTransport) LocalAddr() net.Addr  { return u.conn.LocalAddr() }
func (u *UDPTransport) RemoteAddr() net.Addr { return u.remote }

func (u *UDPTransport) Close() error {
	if !u.ownsConn {
		return nil
	}
	return u.conn.Close()
}
