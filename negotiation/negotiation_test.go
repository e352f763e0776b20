package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relaySender struct {
	other *Engine
}

func (r *relaySender) Send(targetID string, msg Message) error {
	switch msg.Type {
	case MsgPropose:
		_, err := r.other.OnProposal(msg.SessionID, "initiator", *msg.Params, capsFor(*msg.Params))
		return err
	case MsgAccept, MsgCounter:
		return r.other.OnResponse(msg.SessionID, msg)
	case MsgFinalize:
		return r.other.OnFinalize(msg.SessionID, *msg.Params)
	case MsgReject, MsgClose:
		return nil
	}
	return nil
}

// capsFor pretends the responder supports everything in a proposal except
// ZSTD compression, forcing a counter-proposal in TestCounterProposalFlow.
func capsFor(p ParameterSet) RemoteCapabilities {
	return RemoteCapabilities{
		DataFormats:      []DataFormat{p.DataFormat},
		Compressions:     []Compression{CompressionLZ4, CompressionNone},
		ErrorCorrections: []ErrorCorrection{p.ErrorCorrection},
		Ciphers:          []Cipher{p.Cipher},
		KeyExchanges:     []KeyExchange{p.KeyExchange},
		AuthMethods:      []AuthMethod{p.AuthMethod},
		KeySizes:         []KeySize{p.KeySize},
	}
}

func basicParamSet() ParameterSet {
	return ParameterSet{
		ProtocolVersion: "1.0",
		SecurityVersion: "1.0",
		DataFormat:      DataFormatVectorFloat32,
		Compression:     CompressionZstd,
		ErrorCorrection: ErrorCorrectionNone,
		Cipher:          CipherNone,
		KeyExchange:     KeyExchangeNone,
		AuthMethod:      AuthMethodNone,
		KeySize:         KeySizeNone,
	}
}

// TestCounterProposalFlow covers the spec's negotiation-counter scenario:
// the initiator proposes ZSTD compression, the responder lacks it and
// counters with LZ4, and both sides finalize on the countered set.
func TestCounterProposalFlow(t *testing.T) {
	respCfg := Config{ProtocolVersion: "1.0", SecurityVersion: "1.0", MaxFallbackAttempts: 3}
	initCfg := Config{ProtocolVersion: "1.0", SecurityVersion: "1.0", MaxFallbackAttempts: 3}

	responder := NewEngine(respCfg, ParameterPreference{}, nil)
	initiator := NewEngine(initCfg, ParameterPreference{}, &relaySender{other: responder})
	responder.send = &relaySender{other: initiator}

	proposed := basicParamSet()
	sessionID, err := initiator.Initiate("responder", proposed)
	require.NoError(t, err)

	s, ok := responder.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, StateProposalReceived, s.State)

	respPref := ParameterPreference{
		Compressions: []RankedOption[Compression]{{Value: CompressionLZ4, Rank: 0}},
		DataFormats:  []RankedOption[DataFormat]{{Value: proposed.DataFormat, Rank: 0}},
		ErrorCorrections: []RankedOption[ErrorCorrection]{
			{Value: proposed.ErrorCorrection, Rank: 0},
		},
		Ciphers:      []RankedOption[Cipher]{{Value: proposed.Cipher, Rank: 0}},
		KeyExchanges: []RankedOption[KeyExchange]{{Value: proposed.KeyExchange, Rank: 0}},
		AuthMethods:  []RankedOption[AuthMethod]{{Value: proposed.AuthMethod, Rank: 0}},
		KeySizes:     []RankedOption[KeySize]{{Value: proposed.KeySize, Rank: 0}},
	}
	counter, err := responder.GenerateCounter(sessionID, respPref)
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, counter.Compression)

	require.NoError(t, responder.Respond(sessionID, ResponseCounter, &counter))

	is, ok := initiator.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, StateCounterReceived, is.State)
	assert.Equal(t, CompressionLZ4, is.LastCounterProposal.Compression)

	require.NoError(t, initiator.AcceptCounter(sessionID))
	agreed, err := initiator.Finalize(sessionID)
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, agreed.Compression)

	fs, ok := initiator.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, StateFinalized, fs.State)

	rs, ok := responder.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, StateFinalized, rs.State)
}

func TestAcceptFlowReachesFinalized(t *testing.T) {
	responder := NewEngine(Config{ProtocolVersion: "1.0", SecurityVersion: "1.0"}, ParameterPreference{}, nil)
	initiator := NewEngine(Config{ProtocolVersion: "1.0", SecurityVersion: "1.0"}, ParameterPreference{}, &relaySender{other: responder})
	responder.send = &relaySender{other: initiator}

	proposed := basicParamSet()
	sessionID, err := initiator.Initiate("responder", proposed)
	require.NoError(t, err)

	require.NoError(t, responder.Respond(sessionID, ResponseAccept, nil))

	is, ok := initiator.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, StateCounterReceived, is.State)

	require.NoError(t, initiator.AcceptCounter(sessionID))
	_, err = initiator.Finalize(sessionID)
	require.NoError(t, err)

	fs, _ := initiator.Session(sessionID)
	assert.Equal(t, StateFinalized, fs.State)
}

func TestInvalidTransitionFails(t *testing.T) {
	s := &Session{State: StateIdle}
	err := s.transition(StateFinalized)
	assert.Error(t, err)
	assert.Equal(t, StateFailed, s.State)
}

func TestCloseIsIdempotentFromAnyState(t *testing.T) {
	sent := 0
	e := NewEngine(Config{ProtocolVersion: "1.0", SecurityVersion: "1.0"}, ParameterPreference{}, sendFunc(func(string, Message) error {
		sent++
		return nil
	}))
	sessionID, err := e.Initiate("peer", basicParamSet())
	require.NoError(t, err)

	require.NoError(t, e.Close(sessionID))
	s, _ := e.Session(sessionID)
	assert.Equal(t, StateClosed, s.State)

	require.NoError(t, e.Close(sessionID))
}

type sendFunc func(targetID string, msg Message) error

func (f sendFunc) Send(targetID string, msg Message) error { return f(targetID, msg) }

func TestMessageRoundTrip(t *testing.T) {
	ps := basicParamSet()
	ps.Custom = map[string]string{"region": "us-west"}
	msg := Message{Type: MsgPropose, SessionID: 42, Sequence: 7, Params: &ps}

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.SessionID, got.SessionID)
	assert.Equal(t, msg.Sequence, got.Sequence)
	require.NotNil(t, got.Params)
	assert.Equal(t, ps, *got.Params)
}

func TestRejectMessageRoundTrip(t *testing.T) {
	msg := Message{Type: MsgReject, SessionID: 1, Sequence: 1, Reason: "incompatible"}
	data, err := msg.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "incompatible", got.Reason)
}

func TestRetryPolicyDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxRetries: 5}
	noJitter := func() float64 { return 0.5 } // midpoint: zero jitter offset

	d0 := p.delay(0, noJitter)
	d1 := p.delay(1, noJitter)
	d5 := p.delay(5, noJitter)

	assert.Equal(t, 100*time.Millisecond, d0)
	assert.Equal(t, 200*time.Millisecond, d1)
	assert.Equal(t, p.BaseDelay*10, d5) // capped
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, MaxRetries: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

// TestBuildProposalJointlySelectsCompatibleSecurityTriple covers the case
// where the independently-top-ranked Cipher and KeySize are incompatible:
// the top-ranked cipher (AES_256_GCM) requires a 256-bit key, but the
// top-ranked key size (128) only pairs with AES_128_GCM. BuildProposal
// must search the joint space and settle on a compatible, next-best
// combination rather than returning the mutually exclusive top picks.
func TestBuildProposalJointlySelectsCompatibleSecurityTriple(t *testing.T) {
	pref := ParameterPreference{
		DataFormats:      []RankedOption[DataFormat]{{Value: DataFormatJSON, Rank: 0}},
		Compressions:     []RankedOption[Compression]{{Value: CompressionNone, Rank: 0}},
		ErrorCorrections: []RankedOption[ErrorCorrection]{{Value: ErrorCorrectionNone, Rank: 0}},
		AuthMethods:      []RankedOption[AuthMethod]{{Value: AuthMethodNone, Rank: 0}},
		Ciphers: []RankedOption[Cipher]{
			{Value: CipherAES256GCM, Rank: 0},
			{Value: CipherAES128GCM, Rank: 1},
		},
		KeyExchanges: []RankedOption[KeyExchange]{
			{Value: KeyExchangeECDHE25519, Rank: 0},
		},
		KeySizes: []RankedOption[KeySize]{
			{Value: KeySize128, Rank: 0},
			{Value: KeySize256, Rank: 1},
		},
	}
	caps := RemoteCapabilities{
		DataFormats:      []DataFormat{DataFormatJSON},
		Compressions:     []Compression{CompressionNone},
		ErrorCorrections: []ErrorCorrection{ErrorCorrectionNone},
		AuthMethods:      []AuthMethod{AuthMethodNone},
		Ciphers:          []Cipher{CipherAES256GCM, CipherAES128GCM},
		KeyExchanges:     []KeyExchange{KeyExchangeECDHE25519},
		KeySizes:         []KeySize{KeySize128, KeySize256},
	}

	ps, err := BuildProposal("1.0", "1.0", pref, caps)
	require.NoError(t, err)
	require.NoError(t, ps.Validate())

	// The independently-best Cipher (AES_256_GCM, rank 0) and independently
	// best KeySize (128, rank 0) cannot coexist. Both compatible
	// combinations tie at rank sum 1 ((AES_256_GCM, 256) and (AES_128_GCM,
	// 128)), so the lexicographically-least tuple label must win:
	// "AES_128_GCM|..." sorts before "AES_256_GCM|...".
	assert.Equal(t, CipherAES128GCM, ps.Cipher)
	assert.Equal(t, KeySize128, ps.KeySize)
}

func TestSweeperFailsExpiredSession(t *testing.T) {
	e := NewEngine(Config{
		ProtocolVersion:    "1.0",
		SecurityVersion:    "1.0",
		NegotiationTimeout: 10 * time.Millisecond,
	}, ParameterPreference{}, sendFunc(func(string, Message) error { return nil }))

	sessionID, err := e.Initiate("peer", basicParamSet())
	require.NoError(t, err)

	sw := NewSweeper(e, time.Hour) // manual sweep call below, not the ticker
	sw.sweep(time.Now().Add(time.Hour))

	s, ok := e.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, s.State)
}
