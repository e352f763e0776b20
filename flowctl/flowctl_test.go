package flowctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialWindowSize = 1000
	cfg.MinWindowSize = 100
	cfg.MaxWindowSize = 2000
	cfg.MaxFragmentSize = 100
	cfg.MinRTTSamples = 3
	return cfg
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, 400))
	assert.Equal(t, 600, c.AvailableCredits())

	c.Release(400)
	assert.Equal(t, 1000, c.AvailableCredits())
}

// TestAcquireBlocksThenTimesOut is spec §8 scenario 4: a send that exceeds
// the admissible window blocks, and times out with a resource error rather
// than hanging forever.
func TestAcquireBlocksThenTimesOut(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, c.Acquire(context.Background(), 1000)) // drain all credits

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Acquire(ctx, 1)
	require.Error(t, err)
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, c.Acquire(context.Background(), 1000))

	done := make(chan error, 1)
	go func() {
		done <- c.Acquire(context.Background(), 500)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Release(500)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Acquire never unblocked after Release")
	}
}

func TestAcquireRejectsOverMaxWindow(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)
	err = c.Acquire(context.Background(), 5000)
	require.Error(t, err)
}

// TestWindowInvariants checks the spec §3/§8 invariant that current_size
// stays within [min_size, max_size] and credits never exceed current_size
// across a sequence of congestion/backoff events.
func TestWindowInvariants(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	now := time.Now()
	rtts := []time.Duration{10 * time.Millisecond, 11 * time.Millisecond, 12 * time.Millisecond, 50 * time.Millisecond}
	for i, rtt := range rtts {
		now = now.Add(time.Duration(i+1) * time.Second)
		c.OnAck(rtt, false, now)
		assert.GreaterOrEqual(t, c.CurrentSize(), c.cfg.MinWindowSize)
		assert.LessOrEqual(t, c.CurrentSize(), c.cfg.MaxWindowSize)
		assert.LessOrEqual(t, c.AvailableCredits(), c.CurrentSize())
	}
}

func TestCongestionTriggersBackoff(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	now := time.Now()
	// Seed a stable RTT baseline.
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		c.OnAck(10*time.Millisecond, false, now)
	}
	before := c.CurrentSize()

	// A sample far above the deque minimum should declare congestion.
	now = now.Add(time.Second)
	c.OnAck(50*time.Millisecond, false, now)

	assert.True(t, c.InCongestionAvoidance())
	assert.Less(t, c.CurrentSize(), before)
}

func TestLossForcesBackoffRegardlessOfRTT(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	before := c.CurrentSize()
	c.OnAck(5*time.Millisecond, true, time.Now())
	assert.True(t, c.InCongestionAvoidance())
	assert.Less(t, c.CurrentSize(), before)
}
