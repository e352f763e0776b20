// Package transport defines the packet-level external collaborator every
// XenoComm component sends and receives frames through. It owns no
// algorithm of its own (no retry, no fragmentation); it is the thin
// send/receive boundary the rest of the module is built against.
package transport

import (
	"context"
	"net"
	"time"
)

// Transport sends and receives whole datagrams to/from a single peer. A
// concrete Transport may be backed by UDP (udp.go) or, in tests, an
// in-memory pipe (loopback.go).
type Transport interface {
	// Send transmits one frame. It does not block waiting for any reply.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until one frame arrives or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	// LocalAddr and RemoteAddr report the transport's endpoints, where known.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// VectoredTransport is implemented by transports that can emit several
// frames in a single underlying write (secure.BatchWriter's counterpart at
// the transport layer).
type VectoredTransport interface {
	Transport
	SendVectored(ctx context.Context, frames [][]byte) error
}

// defaultReadBufferSize bounds one inbound datagram; XenoComm fragments are
// capped well under this by fragment.DefaultFragmentSize plus header/AEAD
// overhead.
const defaultReadBufferSize = 64 * 1024

// dialTimeout is a resolution bound that nothing reads: udp.go's DialUDP
// resolves the address without a timeout.
const dialTimeout = 5 * time.Second
