package secure

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driveHandshake(t *testing.T, client, server *Channel) {
	t.Helper()

	var toServer, toClient []byte
	// Client always speaks first.
	res, out, err := client.DoStep(nil)
	require.NoError(t, err)
	require.Equal(t, StepWantWrite, res)
	toServer = out

	for i := 0; i < 10; i++ {
		if client.Done() && server.Done() {
			return
		}
		if len(toServer) > 0 {
			res, out, err := server.DoStep(toServer)
			require.NoError(t, err)
			toServer = nil
			if res == StepWantWrite {
				toClient = out
			}
		}
		if len(toClient) > 0 {
			res, out, err := client.DoStep(toClient)
			require.NoError(t, err)
			toClient = nil
			if res == StepWantWrite {
				toServer = out
			}
		}
	}
	require.True(t, client.Done(), "client handshake never completed")
	require.True(t, server.Done(), "server handshake never completed")
}

func TestHandshakeStreamCompletesAndAgreesKeys(t *testing.T) {
	client, err := NewChannel(Config{Role: RoleClient, Suite: AES256GCM, ALPN: []string{"xc/1"}})
	require.NoError(t, err)
	server, err := NewChannel(Config{Role: RoleServer, Suite: AES256GCM, ALPN: []string{"xc/1"}})
	require.NoError(t, err)

	driveHandshake(t, client, server)

	assert.Equal(t, "xc/1", client.ALPN())
	assert.Equal(t, "xc/1", server.ALPN())

	plain := []byte("hello secure world")
	ct, err := client.Encrypt(plain)
	require.NoError(t, err)
	got, err := server.Decrypt(ct)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestHandshakeDatagramCookieExchange(t *testing.T) {
	secret := []byte("server-cookie-secret-key-material")
	client, err := NewChannel(Config{Role: RoleClient, Datagram: true, Suite: ChaCha20Poly1305})
	require.NoError(t, err)
	server, err := NewChannel(Config{
		Role:         RoleServer,
		Datagram:     true,
		PeerAddr:     "198.51.100.5:4433",
		CookieSecret: secret,
		Suite:        ChaCha20Poly1305,
	})
	require.NoError(t, err)

	driveHandshake(t, client, server)

	plain := []byte("datagram payload")
	ct, err := server.Encrypt(plain)
	require.NoError(t, err)
	got, err := client.Decrypt(ct)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestCookieRejectsExpired(t *testing.T) {
	secret := []byte("another-secret")
	issued := time.Now().Add(-10 * time.Minute)
	cookie := issueCookie(secret, "peer", issued)
	assert.False(t, verifyCookie(secret, "peer", cookie, time.Now()))
}

func TestCookieRejectsWrongPeer(t *testing.T) {
	secret := []byte("another-secret")
	now := time.Now()
	cookie := issueCookie(secret, "peer-a", now)
	assert.False(t, verifyCookie(secret, "peer-b", cookie, now))
}

func TestAnitReplayRejectsReusedCiphertext(t *testing.T) {
	client, err := NewChannel(Config{Role: RoleClient, Suite: AES128GCM})
	require.NoError(t, err)
	server, err := NewChannel(Config{Role: RoleServer, Suite: AES128GCM})
	require.NoError(t, err)
	driveHandshake(t, client, server)

	ct, err := client.Encrypt([]byte("one"))
	require.NoError(t, err)
	_, err = server.Decrypt(ct)
	require.NoError(t, err)

	// Replaying the already-consumed record must fail.
	_, err = server.Decrypt(ct)
	require.Error(t, err)

	ct2, err := client.Encrypt([]byte("two"))
	require.NoError(t, err)
	_, err = server.Decrypt(ct2)
	require.NoError(t, err)
}

func TestBatcherDrainsOnMaxMessages(t *testing.T) {
	var sent [][]byte
	b := NewBatcher(BatchConfig{
		Enabled:             true,
		MaxBatchSize:        1 << 20,
		MinMessageSize:      4,
		MaxMessagesPerBatch: 2,
		MaxDelay:            time.Hour,
	}, func(buf []byte) error {
		sent = append(sent, buf)
		return nil
	})
	defer b.Close()

	require.NoError(t, b.Enqueue([]byte("aaaa")))
	assert.Empty(t, sent)
	require.NoError(t, b.Enqueue([]byte("bbbb")))
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("aaaabbbb"), sent[0])
}

func TestBatcherBypassesSmallMessagesWhenDisabled(t *testing.T) {
	var sent [][]byte
	b := NewBatcher(BatchConfig{Enabled: false}, func(buf []byte) error {
		sent = append(sent, buf)
		return nil
	})
	require.NoError(t, b.Enqueue([]byte("x")))
	require.Len(t, sent, 1)
	require.NoError(t, b.Close())
}

func TestBatcherFlushesOnClose(t *testing.T) {
	var sent [][]byte
	b := NewBatcher(BatchConfig{
		Enabled:             true,
		MaxBatchSize:        1 << 20,
		MinMessageSize:      1,
		MaxMessagesPerBatch: 100,
		MaxDelay:            time.Hour,
	}, func(buf []byte) error {
		sent = append(sent, buf)
		return nil
	})
	require.NoError(t, b.Enqueue([]byte("only one")))
	require.Empty(t, sent)
	require.NoError(t, b.Close())
	require.Len(t, sent, 1)
}

// TestAdaptiveSizerGrowsWhenRatioBelowLowThreshold covers a window whose
// average stays within 1.1x of its minimum: the size grows each window
// the ratio holds, but never more than once per RTTWindow.
func TestAdaptiveSizerGrowsWhenRatioBelowLowThreshold(t *testing.T) {
	a := NewAdaptiveSizer(AdaptiveConfig{
		Enabled: true, MinSize: 100, MaxSize: 100000, InitialSize: 1000,
		RTTWindow: time.Minute, GrowthFactor: 1.5, ShrinkFactor: 0.5,
	})
	now := time.Now()

	a.Observe(20*time.Millisecond, now)
	afterFirst := a.Size()
	assert.Greater(t, afterFirst, 1000)

	// Still inside the same RTT window: the gate suppresses a second
	// adjustment even though this sample alone would also qualify.
	a.Observe(20*time.Millisecond, now.Add(5*time.Second))
	assert.Equal(t, afterFirst, a.Size())

	// A new window, still a low stable ratio: the size grows again.
	a.Observe(21*time.Millisecond, now.Add(61*time.Second))
	assert.Greater(t, a.Size(), afterFirst)
}

// TestAdaptiveSizerShrinksWhenRatioAboveHighThreshold covers a window whose
// average exceeds 1.5x its minimum (baseline) RTT.
func TestAdaptiveSizerShrinksWhenRatioAboveHighThreshold(t *testing.T) {
	a := NewAdaptiveSizer(AdaptiveConfig{
		Enabled: true, MinSize: 100, MaxSize: 100000, InitialSize: 1000,
		RTTWindow: time.Minute, GrowthFactor: 1.5, ShrinkFactor: 0.5,
	})
	now := time.Now()

	a.Observe(10*time.Millisecond, now)
	afterFirst := a.Size()

	// Still inside the same window: gated, just accumulates a sample.
	a.Observe(10*time.Millisecond, now.Add(30*time.Second))
	assert.Equal(t, afterFirst, a.Size())

	// A new window: the gate opens again, and the window now mixes the
	// carried-over low sample with a spike, pulling the average well past
	// the 1.5x shrink threshold over the 10ms baseline.
	a.Observe(80*time.Millisecond, now.Add(61*time.Second))
	assert.Less(t, a.Size(), afterFirst)
}

type fakeBatchWriter struct {
	calls [][][]byte
}

func (f *fakeBatchWriter) WriteVectored(buffers [][]byte) error {
	f.calls = append(f.calls, buffers)
	return nil
}

func TestSendvUsesVectoredWriteAboveThreshold(t *testing.T) {
	client, err := NewChannel(Config{Role: RoleClient, Suite: AES128GCM})
	require.NoError(t, err)
	server, err := NewChannel(Config{Role: RoleServer, Suite: AES128GCM})
	require.NoError(t, err)
	driveHandshake(t, client, server)

	big1 := bytes.Repeat([]byte{1}, 5000)
	big2 := bytes.Repeat([]byte{2}, 5000)
	bw := &fakeBatchWriter{}
	var fallbackCalls int
	err = client.Sendv([][]byte{big1, big2}, bw, func([]byte) error {
		fallbackCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, bw.calls, 1)
	assert.Equal(t, 0, fallbackCalls)
}

func TestSendvFallsBackBelowThreshold(t *testing.T) {
	client, err := NewChannel(Config{Role: RoleClient, Suite: AES128GCM})
	require.NoError(t, err)
	server, err := NewChannel(Config{Role: RoleServer, Suite: AES128GCM})
	require.NoError(t, err)
	driveHandshake(t, client, server)

	bw := &fakeBatchWriter{}
	var fallbackCalls int
	err = client.Sendv([][]byte{[]byte("a"), []byte("b")}, bw, func([]byte) error {
		fallbackCalls++
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, bw.calls)
	assert.Equal(t, 2, fallbackCalls)
}
