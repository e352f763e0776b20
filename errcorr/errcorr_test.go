package errcorr

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32RoundTrip(t *testing.T) {
	coder := NewCRC32()
	payload := []byte("Hello")
	encoded, err := coder.Encode(payload)
	require.NoError(t, err)
	require.Len(t, encoded, len(payload)+4)

	decoded, err := coder.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

// TestCRC32DetectsSingleBitError is spec §8 scenario 1: flipping bit 3 of
// byte 0 of "Hello" must make Decode fail, not silently accept garbage.
func TestCRC32DetectsSingleBitError(t *testing.T) {
	coder := NewCRC32()
	payload := []byte("Hello")
	encoded, err := coder.Encode(payload)
	require.NoError(t, err)

	corrupted := append([]byte(nil), encoded...)
	corrupted[0] ^= 1 << 3

	_, err = coder.Decode(corrupted)
	require.Error(t, err)
}

func TestCRC32ShortBufferUncorrectable(t *testing.T) {
	coder := NewCRC32()
	_, err := coder.Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestReedSolomonRoundTrip(t *testing.T) {
	coder, err := NewReedSolomon(4, 2, false)
	require.NoError(t, err)

	payload := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(payload)

	encoded, err := coder.Encode(payload)
	require.NoError(t, err)

	decoded, err := coder.Decode(encoded)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, decoded))
}

// TestReedSolomonCorrectsOneShard is spec §8 scenario 2.
func TestReedSolomonCorrectsOneShard(t *testing.T) {
	coder, err := NewReedSolomon(4, 2, false)
	require.NoError(t, err)

	payload := make([]byte, 1000)
	rand.New(rand.NewSource(2)).Read(payload)

	encoded, err := coder.Encode(payload)
	require.NoError(t, err)

	corrupted := append([]byte(nil), encoded...)
	corrupted[0] ^= 0xFF // flip a byte inside the first shard

	decoded, err := coder.Decode(corrupted)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestReedSolomonInterleaved(t *testing.T) {
	coder, err := NewReedSolomon(8, 4, true)
	require.NoError(t, err)

	payload := make([]byte, 4096)
	rand.New(rand.NewSource(3)).Read(payload)

	encoded, err := coder.Encode(payload)
	require.NoError(t, err)

	decoded, err := coder.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestReedSolomonExceedsParityBudget(t *testing.T) {
	coder, err := NewReedSolomon(4, 2, false)
	require.NoError(t, err)

	payload := make([]byte, 500)
	rand.New(rand.NewSource(4)).Read(payload)

	encoded, err := coder.Encode(payload)
	require.NoError(t, err)

	total := 4 + 2
	shardSize := len(encoded) / total
	corrupted := append([]byte(nil), encoded...)
	// Corrupt 3 shards, one more than the parity budget of 2.
	for i := 0; i < 3; i++ {
		corrupted[i*shardSize] ^= 0xFF
	}

	_, err = coder.Decode(corrupted)
	require.Error(t, err)
}

func TestReedSolomonMaxCorrectableBounds(t *testing.T) {
	coder, err := NewReedSolomon(10, 6, false)
	require.NoError(t, err)
	assert.Equal(t, 3, coder.MaxCorrectable())
	assert.Equal(t, 6, coder.MaxErasures())
}

func TestReedSolomonEmptyPayload(t *testing.T) {
	coder, err := NewReedSolomon(4, 2, false)
	require.NoError(t, err)

	encoded, err := coder.Encode(nil)
	require.NoError(t, err)

	decoded, err := coder.Decode(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
