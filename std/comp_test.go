package std

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenocomm/xenocomm/negotiation"
)

func TestCodecRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("compressed payload"), 64)

	for _, c := range []negotiation.Compression{
		negotiation.CompressionNone,
		negotiation.CompressionSnappy,
		negotiation.CompressionZstd,
		negotiation.CompressionLZ4,
	} {
		c := c
		t.Run(string(c), func(t *testing.T) {
			codec, err := NewCodec(c)
			require.NoError(t, err)

			compressed, err := codec.Compress(payload)
			require.NoError(t, err)

			got, err := codec.Decompress(compressed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got))
		})
	}
}

func TestNewCodecRejectsUnknown(t *testing.T) {
	_, err := NewCodec(negotiation.Compression("bogus"))
	assert.Error(t, err)
}
