package transmission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenocomm/xenocomm/negotiation"
	"github.com/xenocomm/xenocomm/secure"
	"github.com/xenocomm/xenocomm/transport"
	"github.com/xenocomm/xenocomm/xconfig"
)

func pairedManagers(t *testing.T, cfg xconfig.Config) (*Manager, *Manager) {
	t.Helper()
	trA, trB := transport.NewLoopbackPair("a", "b", 16)
	mgrA, err := NewManager(trA, cfg, secure.RoleClient, secure.AES128GCM, nil, negotiation.CompressionNone)
	require.NoError(t, err)
	mgrB, err := NewManager(trB, cfg, secure.RoleServer, secure.AES128GCM, nil, negotiation.CompressionNone)
	require.NoError(t, err)
	return mgrA, mgrB
}

func testConfig() xconfig.Config {
	cfg := xconfig.Default()
	cfg.Fragment.MaxFragmentSize = 500
	cfg.Fragment.ReassemblyTimeoutMS = 2000
	cfg.Retransmission.MaxRetries = 3
	cfg.Retransmission.RetryTimeoutMS = 10
	cfg.Retransmission.AckTimeoutMS = 200
	cfg.Security.RequireEncryption = false
	return cfg
}

// TestSendReceiveRoundTrip is spec §8's exact-multiple boundary case: a
// 2000-byte payload with a 500-byte max fragment size splits into exactly
// four fragments with no trailing short fragment, and reassembles intact.
func TestSendReceiveRoundTrip(t *testing.T) {
	cfg := testConfig()
	sender, receiver := pairedManagers(t, cfg)

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvDone := make(chan []byte, 1)
	recvErr := make(chan error, 1)
	go func() {
		got, err := receiver.Receive(ctx, 0)
		recvErr <- err
		recvDone <- got
	}()

	require.NoError(t, sender.Send(ctx, payload))

	require.NoError(t, <-recvErr)
	assert.Equal(t, payload, <-recvDone)

	stats := sender.GetStats()
	assert.EqualValues(t, 4, stats.PacketsSent)
}

// TestEmptyPayloadSendSucceeds is spec §8's empty-payload boundary case.
func TestEmptyPayloadSendSucceeds(t *testing.T) {
	cfg := testConfig()
	sender, receiver := pairedManagers(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvDone := make(chan []byte, 1)
	go func() {
		got, _ := receiver.Receive(ctx, 0)
		recvDone <- got
	}()

	require.NoError(t, sender.Send(ctx, []byte{}))
	got := <-recvDone
	assert.Equal(t, 0, len(got))
}

// TestMaxRetriesZeroFailsImmediately is spec §8's max_retries=0 boundary
// case: with no peer acknowledging, the send must fail on the very first
// attempt rather than sleeping through a retry loop.
func TestMaxRetriesZeroFailsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Retransmission.MaxRetries = 0
	cfg.Retransmission.AckTimeoutMS = 20

	trA, _ := transport.NewLoopbackPair("a", "b", 16)
	sender, err := NewManager(trA, cfg, secure.RoleClient, secure.AES128GCM, nil, negotiation.CompressionNone)
	require.NoError(t, err)

	var events []negotiation.RetryEvent
	sender.SetRetryCallback(func(event negotiation.RetryEvent, attempt int, err error) {
		events = append(events, event)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	err = sender.Send(ctx, []byte("hi"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 500*time.Millisecond)
	require.NotEmpty(t, events)
	assert.Equal(t, negotiation.MaxRetriesReached, events[len(events)-1])
}

// TestSetupSecureChannelEstablishesEncryption drives a real handshake
// across a loopback pair and then confirms application data round-trips
// encrypted end to end.
func TestSetupSecureChannelEstablishesEncryption(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RequireEncryption = true
	sender, receiver := pairedManagers(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- receiver.SetupSecureChannel(ctx, secure.Config{})
	}()
	require.NoError(t, sender.SetupSecureChannel(ctx, secure.Config{}))
	require.NoError(t, <-serverErr)

	establishedA, _ := sender.SecurityStatus()
	establishedB, _ := receiver.SecurityStatus()
	assert.True(t, establishedA)
	assert.True(t, establishedB)

	payload := []byte("secret payload")
	recvDone := make(chan []byte, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		got, err := receiver.Receive(ctx, 0)
		recvErrCh <- err
		recvDone <- got
	}()

	require.NoError(t, sender.Send(ctx, payload))
	require.NoError(t, <-recvErrCh)
	assert.Equal(t, payload, <-recvDone)
}

// TestNewManagerFromParamsSelectsCipherSuite confirms the negotiated
// Cipher/KeySize pair is translated into the matching secure.CipherSuite
// via std.SelectCipherSuite rather than requiring the caller to do the
// lookup.
func TestNewManagerFromParamsSelectsCipherSuite(t *testing.T) {
	cfg := testConfig()
	tr, _ := transport.NewLoopbackPair("a", "b", 16)
	params := negotiation.ParameterSet{
		Cipher:      negotiation.CipherAES256GCM,
		KeySize:     negotiation.KeySize256,
		Compression: negotiation.CompressionNone,
	}
	mgr, err := NewManagerFromParams(tr, cfg, secure.RoleClient, params, nil)
	require.NoError(t, err)
	assert.Equal(t, secure.AES256GCM, mgr.suite)
}

// TestSendReceiveWithCompressionRoundTrips confirms the negotiated
// compression codec is applied symmetrically: Send compresses before
// fragmentation, Receive decompresses after reassembly, and the caller
// never sees the compressed bytes.
func TestSendReceiveWithCompressionRoundTrips(t *testing.T) {
	cfg := testConfig()
	trA, trB := transport.NewLoopbackPair("a", "b", 16)
	sender, err := NewManager(trA, cfg, secure.RoleClient, secure.AES128GCM, nil, negotiation.CompressionSnappy)
	require.NoError(t, err)
	receiver, err := NewManager(trB, cfg, secure.RoleServer, secure.AES128GCM, nil, negotiation.CompressionSnappy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("highly compressible aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	recvDone := make(chan []byte, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		got, err := receiver.Receive(ctx, 0)
		recvErrCh <- err
		recvDone <- got
	}()

	require.NoError(t, sender.Send(ctx, payload))
	require.NoError(t, <-recvErrCh)
	assert.Equal(t, payload, <-recvDone)
}
