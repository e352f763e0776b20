package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackSendReceiveRoundTrip(t *testing.T) {
	a, b := NewLoopbackPair("a", "b", 4)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte("hello")))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestLoopbackReceiveRespectsContextTimeout(t *testing.T) {
	a, b := NewLoopbackPair("a", "b", 4)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	assert.Error(t, err)
}

func TestLoopbackCloseUnblocksReceive(t *testing.T) {
	a, b := NewLoopbackPair("a", "b", 4)
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock after close")
	}
}
