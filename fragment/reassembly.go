package fragment

import (
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

// context tracks the fragments received so far for one transmission_id.
type context struct {
	total     int
	slots     [][]byte
	have      int
	original  uint32
	deadline  time.Time
}

// Reassembler collects Frames sharing a transmission_id back into the
// original payload, expiring contexts that never complete in time. This
// mirrors kcp-go's ringbuffer.go idiom of pruning expired entries in a
// sweep rather than with per-item timers; Sweep does the pruning, and
// transmission.Manager.Receive calls it before adding each fragment.
type Reassembler struct {
	mu       sync.Mutex
	timeout  time.Duration
	contexts map[uint32]*context
}

// NewReassembler builds a Reassembler. timeout bounds how long an
// incomplete transmission is kept before Sweep discards it.
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		timeout:  timeout,
		contexts: make(map[uint32]*context),
	}
}

// Add folds one verified fragment payload into its transmission's context.
// It returns (payload, true, nil) once every fragment for that
// transmission has arrived; otherwise it returns (nil, false, nil).
// Duplicate fragments at the same index are silently ignored.
func (r *Reassembler) Add(h Header, payload []byte, now time.Time) ([]byte, bool, error) {
	if h.TotalFragments == 0 || h.FragmentIndex >= h.TotalFragments {
		return nil, false, xerr.New(xerr.Protocol, "fragment.Reassembler.Add")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.contexts[h.TransmissionID]
	if !ok {
		ctx = &context{
			total:    int(h.TotalFragments),
			slots:    make([][]byte, h.TotalFragments),
			original: h.OriginalSize,
			deadline: now.Add(r.timeout),
		}
		r.contexts[h.TransmissionID] = ctx
	}
	if int(h.TotalFragments) != ctx.total {
		return nil, false, xerr.New(xerr.Protocol, "fragment.Reassembler.Add")
	}

	if ctx.slots[h.FragmentIndex] == nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		ctx.slots[h.FragmentIndex] = cp
		ctx.have++
	}

	if ctx.have < ctx.total {
		return nil, false, nil
	}

	delete(r.contexts, h.TransmissionID)
	out := make([]byte, 0, ctx.original)
	for _, s := range ctx.slots {
		out = append(out, s...)
	}
	return out, true, nil
}

// Sweep discards contexts whose deadline has passed, returning the
// transmission_ids that timed out incomplete so callers can surface a
// ResourceError / trigger retransmission bookkeeping.
func (r *Reassembler) Sweep(now time.Time) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []uint32
	for id, ctx := range r.contexts {
		if now.After(ctx.deadline) {
			expired = append(expired, id)
			delete(r.contexts, id)
		}
	}
	return expired
}

// Pending reports how many transmissions currently have an open context.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
