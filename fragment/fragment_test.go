package fragment

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenocomm/xenocomm/errcorr"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		TransmissionID: 42,
		FragmentIndex:  3,
		TotalFragments: 10,
		FragmentSize:   128,
		OriginalSize:   1000,
		ErrorCheck:     0xDEADBEEF,
		IsEncrypted:    true,
		SecurityFlags:  0x07,
	}
	buf := h.Marshal()
	require.Len(t, buf, HeaderSize)

	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestAckRoundTrip(t *testing.T) {
	a := Ack{TransmissionID: 7, FragmentIndex: 2, Success: false, ErrorCode: 99}
	buf := a.Marshal()
	require.Len(t, buf, AckSize)

	got, err := UnmarshalAck(buf)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

// TestFragmentRoundTripOutOfOrder is spec §8 scenario 3: fragments
// delivered out of order ([2,0,3,1]) must still reassemble correctly.
func TestFragmentRoundTripOutOfOrder(t *testing.T) {
	f, err := New(16, errcorr.NewCRC32())
	require.NoError(t, err)

	payload := make([]byte, 60)
	rand.New(rand.NewSource(5)).Read(payload)

	frames, err := f.Split(1, payload, false, 0)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	reasm := NewReassembler(time.Minute)
	order := []int{2, 0, 3, 1}
	var result []byte
	var done bool
	for _, idx := range order {
		raw, err := f.Verify(frames[idx])
		require.NoError(t, err)
		result, done, err = reasm.Add(frames[idx].Header, raw, time.Now())
		require.NoError(t, err)
		if done {
			break
		}
	}
	require.True(t, done)
	assert.True(t, bytes.Equal(payload, result))
}

func TestFragmentEmptyPayload(t *testing.T) {
	f, err := New(16, errcorr.NewCRC32())
	require.NoError(t, err)

	frames, err := f.Split(2, nil, false, 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(1), frames[0].Header.TotalFragments)
	assert.Equal(t, uint32(0), frames[0].Header.OriginalSize)

	reasm := NewReassembler(time.Minute)
	raw, err := f.Verify(frames[0])
	require.NoError(t, err)
	result, done, err := reasm.Add(frames[0].Header, raw, time.Now())
	require.NoError(t, err)
	require.True(t, done)
	assert.Empty(t, result)
}

func TestFragmentSingleByte(t *testing.T) {
	f, err := New(16, nil)
	require.NoError(t, err)

	frames, err := f.Split(3, []byte{0x42}, false, 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

// TestFragmentExactMultiple ensures a payload that is an exact multiple of
// the fragment size does not produce a spurious short trailing fragment.
func TestFragmentExactMultiple(t *testing.T) {
	f, err := New(10, nil)
	require.NoError(t, err)

	payload := make([]byte, 30)
	frames, err := f.Split(4, payload, false, 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for _, fr := range frames {
		assert.Equal(t, 10, len(fr.Payload))
	}
}

func TestReassemblerSweepExpires(t *testing.T) {
	f, err := New(10, nil)
	require.NoError(t, err)
	frames, err := f.Split(5, make([]byte, 25), false, 0)
	require.NoError(t, err)

	reasm := NewReassembler(time.Millisecond)
	raw, err := f.Verify(frames[0])
	require.NoError(t, err)
	_, done, err := reasm.Add(frames[0].Header, raw, time.Now())
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, reasm.Pending())

	expired := reasm.Sweep(time.Now().Add(time.Second))
	assert.Equal(t, []uint32{5}, expired)
	assert.Equal(t, 0, reasm.Pending())
}

func TestFragmentDuplicateIgnored(t *testing.T) {
	f, err := New(10, nil)
	require.NoError(t, err)
	frames, err := f.Split(6, make([]byte, 15), false, 0)
	require.NoError(t, err)

	reasm := NewReassembler(time.Minute)
	raw0, err := f.Verify(frames[0])
	require.NoError(t, err)
	_, done, err := reasm.Add(frames[0].Header, raw0, time.Now())
	require.NoError(t, err)
	require.False(t, done)
	// Re-add the same fragment; should not flip completion by itself.
	_, done, err = reasm.Add(frames[0].Header, raw0, time.Now())
	require.NoError(t, err)
	require.False(t, done)

	raw1, err := f.Verify(frames[1])
	require.NoError(t, err)
	_, done, err = reasm.Add(frames[1].Header, raw1, time.Now())
	require.NoError(t, err)
	require.True(t, done)
}
