package negotiation

import (
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

// Sweeper periodically fails sessions that have overstayed
// NegotiationTimeout (age since CreatedAt) or ResponseTimeout (age since
// EnteredAt, for sessions waiting on a peer), grounded on kcp-go's
// timedsched.go background-task idiom: one goroutine, one ticker, no
// per-session timers.
type Sweeper struct {
	engine *Engine
	period time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSweeper builds a Sweeper that checks session ages every period.
func NewSweeper(engine *Engine, period time.Duration) *Sweeper {
	return &Sweeper{
		engine: engine,
		period: period,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (sw *Sweeper) Start() {
	go sw.run()
}

// Stop halts the sweep loop and waits for it to exit.
func (sw *Sweeper) Stop() {
	sw.once.Do(func() { close(sw.stop) })
	<-sw.done
}

func (sw *Sweeper) run() {
	defer close(sw.done)
	ticker := time.NewTicker(sw.period)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			sw.sweep(now)
		case <-sw.stop:
			return
		}
	}
}

// waitingStates are the states in which a session is waiting on a peer and
// therefore subject to ResponseTimeout in addition to NegotiationTimeout.
var waitingStates = map[State]bool{
	StateAwaitingResponse:     true,
	StateAwaitingFinalization: true,
}

func (sw *Sweeper) sweep(now time.Time) {
	e := sw.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sessions {
		switch s.State {
		case StateFinalized, StateFailed, StateClosed:
			continue
		}

		expired := false
		if waitingStates[s.State] && e.cfg.ResponseTimeout > 0 && now.After(s.EnteredAt.Add(e.cfg.ResponseTimeout)) {
			expired = true
		}
		if e.cfg.NegotiationTimeout > 0 && now.After(s.CreatedAt.Add(e.cfg.NegotiationTimeout)) {
			expired = true
		}

		if expired {
			s.FailReason = xerr.New(xerr.Protocol, "negotiation.Sweeper", xerr.WithSession(sessionIDString(s.ID)))
			s.State = StateFailed
			s.EnteredAt = now
		}
	}
}
