// Package transmission implements the TransmissionManager component (spec
// §4.6): it drives a Fragmenter, a flow-control Controller, and an optional
// SecureChannel over one Transport, exposing a single send/receive surface
// with exponential-backoff retry and live stats.
package transmission

import (
	"context"
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/errcorr"
	"github.com/xenocomm/xenocomm/flowctl"
	"github.com/xenocomm/xenocomm/fragment"
	"github.com/xenocomm/xenocomm/negotiation"
	"github.com/xenocomm/xenocomm/secure"
	"github.com/xenocomm/xenocomm/std"
	"github.com/xenocomm/xenocomm/transport"
	"github.com/xenocomm/xenocomm/xconfig"
	"github.com/xenocomm/xenocomm/xerr"
)

// Manager is the per-connection façade described by spec §4.6. A Manager
// is built around exactly one Transport and is not safe for concurrent
// Send and Receive calls from separate goroutines sharing that Transport,
// since both directions multiplex handshake/frame/ack traffic over the
// same underlying pipe (spec §5's single-session FIFO ordering guarantee
// assumes one logical conversation at a time).
type Manager struct {
	mu sync.Mutex

	tr          transport.Transport
	role        secure.Role
	cfg         xconfig.Config
	fragmenter  *fragment.Fragmenter
	reassembler *fragment.Reassembler
	flow        *flowctl.Controller
	coder       errcorr.Coder
	retry       negotiation.RetryPolicy
	codec       std.Codec

	channel *secure.Channel
	suite   secure.CipherSuite

	nextTransmissionID uint32

	stats         statsTracker
	retryObserver negotiation.RetryObserver
}

// NewManager builds a Manager. coder may be nil (no per-fragment error
// correction, matching negotiation.ErrorCorrectionNone). compression
// selects the whole-payload codec applied before fragmentation on Send
// and after reassembly on Receive, matching the negotiated
// negotiation.Compression parameter.
func NewManager(tr transport.Transport, cfg xconfig.Config, role secure.Role, suite secure.CipherSuite, coder errcorr.Coder, compression negotiation.Compression) (*Manager, error) {
	fr, err := fragment.New(cfg.Fragment.MaxFragmentSize, coder)
	if err != nil {
		return nil, err
	}
	codec, err := std.NewCodec(compression)
	if err != nil {
		return nil, xerr.Wrap(xerr.Validation, "transmission.NewManager", err)
	}
	flow, err := flowctl.New(flowctl.Config{
		InitialWindowSize:   cfg.Flow.InitialWindowSize,
		MinWindowSize:       cfg.Flow.MinWindowSize,
		MaxWindowSize:       cfg.Flow.MaxWindowSize,
		RTTSmoothingFactor:  cfg.Flow.RTTSmoothingFactor,
		CongestionThreshold: cfg.Flow.CongestionThreshold,
		BackoffMultiplier:   cfg.Flow.BackoffMultiplier,
		RecoveryMultiplier:  cfg.Flow.RecoveryMultiplier,
		MinRTTSamples:       cfg.Flow.MinRTTSamples,
		MaxFragmentSize:     cfg.Fragment.MaxFragmentSize,
	})
	if err != nil {
		return nil, err
	}
	reassembleTimeout := time.Duration(cfg.Fragment.ReassemblyTimeoutMS) * time.Millisecond
	retry := negotiation.RetryPolicy{
		BaseDelay:  time.Duration(cfg.Retransmission.RetryTimeoutMS) * time.Millisecond,
		MaxRetries: cfg.Retransmission.MaxRetries,
	}
	return &Manager{
		tr:          tr,
		role:        role,
		cfg:         cfg,
		fragmenter:  fr,
		reassembler: fragment.NewReassembler(reassembleTimeout),
		flow:        flow,
		coder:       coder,
		retry:       retry,
		codec:       codec,
		suite:       suite,
	}, nil
}

// NewManagerFromParams builds a Manager directly from a finalized
// negotiation.ParameterSet, translating its Cipher/KeySize into a
// secure.CipherSuite via std.SelectCipherSuite instead of requiring the
// caller to do that lookup itself.
func NewManagerFromParams(tr transport.Transport, cfg xconfig.Config, role secure.Role, params negotiation.ParameterSet, coder errcorr.Coder) (*Manager, error) {
	if params.Cipher == negotiation.CipherNone {
		return NewManager(tr, cfg, role, 0, coder, params.Compression)
	}
	suite, err := std.SelectCipherSuite(params.Cipher, params.KeySize)
	if err != nil {
		return nil, xerr.Wrap(xerr.Crypto, "transmission.NewManagerFromParams", err)
	}
	return NewManager(tr, cfg, role, suite, coder, params.Compression)
}

// SetConfig swaps in a new configuration. The retry policy, retransmission
// timeouts and fragment size take effect for transmissions started after
// this call (spec §4.6 deliberately allows StrategyAdapter to push a new
// config mid-session without tearing down in-flight state). The flow
// Controller keeps the bounds NewManager built it with; the new config's
// flow settings are not applied.
func (m *Manager) SetConfig(cfg xconfig.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.retry = negotiation.RetryPolicy{
		BaseDelay:  time.Duration(cfg.Retransmission.RetryTimeoutMS) * time.Millisecond,
		MaxRetries: cfg.Retransmission.MaxRetries,
	}
	if fr, err := fragment.New(cfg.Fragment.MaxFragmentSize, m.coder); err == nil {
		m.fragmenter = fr
	}
}

// GetStats returns a consistent snapshot of send/receive activity.
func (m *Manager) GetStats() Stats { return m.stats.snapshot() }

// ResetStats zeroes all counters without disturbing in-flight state.
func (m *Manager) ResetStats() { m.stats.reset() }

// statsRecorder adapts a live Manager to std.Recorder, re-reading
// GetStats on every ToSlice call so a periodic logger sees current
// counters rather than a one-time snapshot.
type statsRecorder struct{ mgr *Manager }

func (r statsRecorder) Header() []string  { return Stats{}.Header() }
func (r statsRecorder) ToSlice() []string { return r.mgr.GetStats().ToSlice() }

// StartStatsLogging appends one CSV row of this Manager's current stats to
// path every interval, until stop is closed, the same periodic-dump shape
// the teacher's SnmpLogger used over kcp.DefaultSnmp.
func (m *Manager) StartStatsLogging(path string, interval time.Duration, stop <-chan struct{}) {
	std.PeriodicCSVLog(path, interval, statsRecorder{mgr: m}, stop)
}

// SetRetryCallback registers an observer notified of RetryAttempt/
// RetrySuccess/RetryFailure/MaxRetriesReached events (spec §4.7).
func (m *Manager) SetRetryCallback(fn negotiation.RetryObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryObserver = fn
}

func (m *Manager) notify(event negotiation.RetryEvent, attempt int, err error) {
	m.mu.Lock()
	fn := m.retryObserver
	m.mu.Unlock()
	if fn != nil {
		fn(event, attempt, err)
	}
}

// SecurityStatus reports whether a secure channel is currently established
// and, if so, the agreed ALPN protocol.
func (m *Manager) SecurityStatus() (established bool, alpn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil || !m.channel.Done() {
		return false, ""
	}
	return true, m.channel.ALPN()
}

// SetupSecureChannel drives a fresh handshake to completion over Transport,
// envelope-multiplexing handshake flights against any concurrent frame/ack
// traffic. It is idempotent: calling it again while a channel is already
// established is a no-op.
func (m *Manager) SetupSecureChannel(ctx context.Context, secCfg secure.Config) error {
	m.mu.Lock()
	if m.channel != nil && m.channel.Done() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	secCfg.Suite = m.suite
	secCfg.Role = m.role
	ch, err := secure.NewChannel(secCfg)
	if err != nil {
		return xerr.Wrap(xerr.Crypto, "transmission.SetupSecureChannel", err)
	}

	if err := m.runHandshake(ctx, ch); err != nil {
		return err
	}

	m.mu.Lock()
	m.channel = ch
	m.mu.Unlock()
	m.stats.recordSecurity(true, ch.ALPN())
	return nil
}

// RenegotiateSecurity discards any established channel and runs a fresh
// handshake, matching spec §4.6's renegotiate_security() operation.
func (m *Manager) RenegotiateSecurity(ctx context.Context, secCfg secure.Config) error {
	m.mu.Lock()
	if m.channel != nil {
		m.channel.Shutdown()
		m.channel = nil
	}
	m.mu.Unlock()
	m.stats.recordSecurity(false, "")
	return m.SetupSecureChannel(ctx, secCfg)
}

// runHandshake loops DoStep/Send/Receive until the channel reports Done,
// per secure.Channel's step-driven contract: a returned StepWantWrite
// buffer must reach the peer before the next DoStep call, and the loop
// blocks for the peer's next flight only when the handshake is not yet
// complete (a server's final flight, for instance, still reports
// StepWantWrite even though its internal state is already done).
func (m *Manager) runHandshake(ctx context.Context, ch *secure.Channel) error {
	var incoming []byte
	for {
		_, out, err := ch.DoStep(incoming)
		if err != nil {
			return xerr.Wrap(xerr.Crypto, "transmission.runHandshake", err)
		}
		if len(out) > 0 {
			if err := m.tr.Send(ctx, envelope(envHandshake, out)); err != nil {
				return xerr.Wrap(xerr.Transport, "transmission.runHandshake", err)
			}
		}
		if ch.Done() {
			return nil
		}
		raw, err := m.tr.Receive(ctx)
		if err != nil {
			return xerr.Wrap(xerr.Transport, "transmission.runHandshake", err)
		}
		kind, body, err := parseEnvelope(raw)
		if err != nil || kind != envHandshake {
			return xerr.New(xerr.Protocol, "transmission.runHandshake")
		}
		incoming = body
	}
}

func (m *Manager) closeSecureChannelLocked() {
	if m.channel != nil {
		m.channel.Shutdown()
		m.channel = nil
	}
	m.stats.recordSecurity(false, "")
}

// Send fragments payload, encrypting and checksumming each fragment,
// admitting it through flow control, transmitting it, and retrying with
// exponential backoff until it is acknowledged or retries are exhausted
// (spec §4.6's send algorithm).
func (m *Manager) Send(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	requireEnc := m.cfg.Security.RequireEncryption
	established := m.channel != nil && m.channel.Done()
	m.mu.Unlock()
	if requireEnc && !established {
		return xerr.New(xerr.Crypto, "transmission.Send")
	}

	m.mu.Lock()
	m.nextTransmissionID++
	transmissionID := m.nextTransmissionID
	fr := m.fragmenter
	retry := m.retry
	codec := m.codec
	ackTimeout := time.Duration(m.cfg.Retransmission.AckTimeoutMS) * time.Millisecond
	m.mu.Unlock()

	compressed, err := codec.Compress(payload)
	if err != nil {
		return xerr.Wrap(xerr.Validation, "transmission.Send", err)
	}

	frames, err := fr.Split(transmissionID, compressed, false, 0)
	if err != nil {
		return err
	}

	for i := range frames {
		if err := m.sendFragment(ctx, &frames[i], fr, retry, ackTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sendFragment(ctx context.Context, frame *fragment.Frame, fr *fragment.Fragmenter, retry negotiation.RetryPolicy, ackTimeout time.Duration) error {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch != nil && ch.Done() {
		ciphertext, err := ch.Encrypt(frame.Payload)
		if err != nil {
			return xerr.Wrap(xerr.Crypto, "transmission.sendFragment", err)
		}
		frame.Payload = ciphertext
		frame.Header.FragmentSize = uint32(len(ciphertext))
		frame.Header.ErrorCheck = errcorr.Checksum(ciphertext)
		frame.Header.IsEncrypted = true
	}

	attempt := 0
	for {
		if err := m.flow.Acquire(ctx, len(frame.Payload)); err != nil {
			return xerr.Wrap(xerr.Resource, "transmission.sendFragment", err)
		}

		start := time.Now()
		sendErr := m.tr.Send(ctx, envelope(envFrame, frame.Marshal()))
		if sendErr == nil {
			m.stats.recordSend(len(frame.Payload))
		}

		var ackErr error
		var ack fragment.Ack
		if sendErr == nil {
			ack, ackErr = m.awaitAck(ctx, ackTimeout, frame.Header.TransmissionID, frame.Header.FragmentIndex)
		} else {
			ackErr = sendErr
		}
		rtt := time.Since(start)
		m.flow.Release(len(frame.Payload))

		if ackErr == nil && ack.Success {
			m.flow.OnAck(rtt, false, time.Now())
			m.stats.recordRTT(rtt)
			m.stats.recordWindowSize(m.flow.CurrentSize())
			if attempt > 0 {
				m.notify(negotiation.RetrySuccess, attempt, nil)
			}
			return nil
		}

		m.flow.OnAck(rtt, true, time.Now())
		m.stats.recordLoss()

		if retry.Exhausted(attempt) {
			m.notify(negotiation.MaxRetriesReached, attempt, ackErr)
			return xerr.New(xerr.Resource, "transmission.sendFragment")
		}
		m.notify(negotiation.RetryAttempt, attempt, ackErr)

		select {
		case <-time.After(retry.Delay(attempt)):
		case <-ctx.Done():
			return xerr.Wrap(xerr.Transport, "transmission.sendFragment", ctx.Err())
		}
		m.stats.recordRetransmission()
		attempt++
	}
}

// awaitAck blocks for up to timeout for the ack matching transmissionID
// and fragmentIndex. Any other envelope received while waiting is treated
// as a protocol mismatch and reported as a failed ack, which feeds the
// caller's retry loop rather than aborting the whole Send.
func (m *Manager) awaitAck(ctx context.Context, timeout time.Duration, transmissionID uint32, fragmentIndex uint16) (fragment.Ack, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := m.tr.Receive(waitCtx)
	if err != nil {
		return fragment.Ack{}, xerr.Wrap(xerr.Transport, "transmission.awaitAck", err)
	}
	kind, body, err := parseEnvelope(raw)
	if err != nil || kind != envAck {
		return fragment.Ack{}, xerr.New(xerr.Protocol, "transmission.awaitAck")
	}
	ack, err := fragment.UnmarshalAck(body)
	if err != nil {
		return fragment.Ack{}, err
	}
	if ack.TransmissionID != transmissionID || ack.FragmentIndex != fragmentIndex {
		return fragment.Ack{}, xerr.New(xerr.Protocol, "transmission.awaitAck")
	}
	return ack, nil
}

// Receive pulls fragments until one transmission's reassembly completes or
// timeout elapses. A timed-out receive leaves any partially reassembled
// context in place for a later call to complete (spec §4.6).
func (m *Manager) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		raw, err := m.tr.Receive(waitCtx)
		if err != nil {
			return nil, xerr.Wrap(xerr.Transport, "transmission.Receive", err)
		}
		kind, body, err := parseEnvelope(raw)
		if err != nil || kind != envFrame {
			continue
		}
		frame, err := fragment.UnmarshalFrame(body)
		if err != nil {
			continue
		}

		decoded, success, errCode, fatal := m.verifyAndDecode(frame)
		ack := fragment.Ack{
			TransmissionID: frame.Header.TransmissionID,
			FragmentIndex:  frame.Header.FragmentIndex,
			Success:        success,
			ErrorCode:      errCode,
		}
		_ = m.tr.Send(ctx, envelope(envAck, ack.Marshal()))
		if fatal != nil {
			return nil, fatal
		}
		if !success {
			m.stats.recordLoss()
			continue
		}

		m.stats.recordReceive(len(decoded))
		now := time.Now()
		m.reassembler.Sweep(now)
		reassembled, done, err := m.reassembler.Add(frame.Header, decoded, now)
		if err != nil {
			continue
		}
		if done {
			payload, err := m.codec.Decompress(reassembled)
			if err != nil {
				return nil, xerr.Wrap(xerr.Validation, "transmission.Receive", err)
			}
			return payload, nil
		}
	}
}

// verifyAndDecode checks a fragment's integrity and, if encrypted,
// decrypts it, matching spec §7's propagation rule that a decryption
// failure is fatal for the channel while a checksum/correction failure is
// local to the one fragment (Receive answers it with a failed ACK, so the
// sender retransmits it).
func (m *Manager) verifyAndDecode(frame fragment.Frame) (payload []byte, success bool, errCode uint32, fatal error) {
	if !frame.Header.IsEncrypted {
		decoded, err := m.fragmenter.Verify(frame)
		if err != nil {
			return nil, false, uint32(xerr.Correction), nil
		}
		return decoded, true, 0, nil
	}

	if !fragment.CheckSum(frame.Payload, frame.Header.ErrorCheck) {
		return nil, false, uint32(xerr.Protocol), nil
	}

	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil || !ch.Done() {
		return nil, false, uint32(xerr.Crypto), xerr.New(xerr.Crypto, "transmission.verifyAndDecode")
	}

	plain, err := ch.Decrypt(frame.Payload)
	if err != nil {
		m.mu.Lock()
		m.closeSecureChannelLocked()
		m.mu.Unlock()
		return nil, false, uint32(xerr.Crypto), xerr.Wrap(xerr.Crypto, "transmission.verifyAndDecode", err)
	}

	decoded, err := m.fragmenter.DecodeTag(plain)
	if err != nil {
		return nil, false, uint32(xerr.Correction), nil
	}
	return decoded, true, 0, nil
}
