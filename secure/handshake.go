// Package secure implements the SecureChannel component (spec §4.4): a
// TLS/DTLS-like record layer offering a step-driven handshake, encrypted
// records, optional batching, adaptive record sizing, and vectored send.
package secure

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

// StepResult is the outcome of one DoStep call (spec §4.4's "do_step()
// returns Done | WantRead | WantWrite | Error(reason)").
type StepResult int

const (
	StepWantRead StepResult = iota
	StepWantWrite
	StepDone
	StepError
)

// Role distinguishes which side of the handshake a Channel plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

type handshakeState int

const (
	stateInit handshakeState = iota
	stateClientWaitHelloVerify
	stateClientWaitServerHello
	stateServerWaitClientHello
	stateDone
	stateError
)

// Config configures a Channel before the handshake begins.
type Config struct {
	Role Role
	// Datagram enables the DTLS-style cookie exchange flight.
	Datagram bool
	// PeerAddr identifies the remote endpoint for cookie binding
	// (spec §4.4: "HMAC over peer address + nonce").
	PeerAddr string
	// CookieSecret authenticates server-issued cookies. Required when
	// Role is RoleServer and Datagram is true.
	CookieSecret []byte
	Suite        CipherSuite
	ALPN         []string
}

// Channel is the per-connection handshake + record state spec §5 says is
// "exclusively owned" by the secure layer (decrypt/encrypt buffers are
// temporary, but the handshake state itself persists for the session).
type Channel struct {
	cfg   Config
	state handshakeState

	kp         ephemeralKeyPair
	clientPub  [32]byte
	serverPub  [32]byte
	keys       directionalKeys
	alpnAgreed string
	issuedCookie []byte

	mu      sync.Mutex
	sendSeq uint64
	recvSeq uint64
}

// NewChannel builds a Channel ready to begin its handshake.
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.Role == RoleServer && cfg.Datagram && len(cfg.CookieSecret) == 0 {
		return nil, xerr.New(xerr.Validation, "secure.NewChannel")
	}
	state := stateInit
	if cfg.Role == RoleServer {
		state = stateServerWaitClientHello
	}
	return &Channel{cfg: cfg, state: state}, nil
}

// Done reports whether the handshake has completed successfully.
func (c *Channel) Done() bool { return c.state == stateDone }

// ALPN returns the protocol agreed during the handshake, or "" if none.
func (c *Channel) ALPN() string { return c.alpnAgreed }

// DoStep advances the handshake by one increment. incoming is the bytes
// most recently received from the peer (nil on the very first call for a
// client). The returned buffer, when non-nil, must be sent to the peer
// before the caller calls DoStep again.
func (c *Channel) DoStep(incoming []byte) (StepResult, []byte, error) {
	switch c.state {
	case stateInit:
		return c.clientStart()
	case stateClientWaitHelloVerify:
		return c.clientHandleHelloVerify(incoming)
	case stateClientWaitServerHello:
		return c.clientHandleServerHello(incoming)
	case stateServerWaitClientHello:
		return c.serverHandleClientHello(incoming)
	case stateDone:
		return StepDone, nil, nil
	default:
		return StepError, nil, xerr.New(xerr.Protocol, "secure.DoStep")
	}
}

func (c *Channel) fail(err error) (StepResult, []byte, error) {
	c.state = stateError
	return StepError, nil, err
}

func (c *Channel) clientStart() (StepResult, []byte, error) {
	kp, err := newEphemeralKeyPair()
	if err != nil {
		return c.fail(xerr.Wrap(xerr.Crypto, "secure.clientStart", err))
	}
	c.kp = kp
	c.clientPub = kp.public

	msg := clientHello{publicKey: kp.public, alpn: c.cfg.ALPN}
	if c.cfg.Datagram {
		c.state = stateClientWaitHelloVerify
	} else {
		c.state = stateClientWaitServerHello
	}
	return StepWantWrite, msg.marshal(), nil
}

func (c *Channel) clientHandleHelloVerify(incoming []byte) (StepResult, []byte, error) {
	if len(incoming) == 0 {
		return StepWantRead, nil, nil
	}
	if incoming[0] == msgServerHello {
		// Server skipped the cookie round trip (non-adversarial path
		// some deployments allow); fall through to normal handling.
		c.state = stateClientWaitServerHello
		return c.clientHandleServerHello(incoming)
	}
	hv, err := parseHelloVerifyRequest(incoming)
	if err != nil {
		return c.fail(err)
	}
	msg := clientHello{publicKey: c.kp.public, alpn: c.cfg.ALPN, cookie: hv.cookie}
	c.state = stateClientWaitServerHello
	return StepWantWrite, msg.marshal(), nil
}

func (c *Channel) clientHandleServerHello(incoming []byte) (StepResult, []byte, error) {
	if len(incoming) == 0 {
		return StepWantRead, nil, nil
	}
	sh, err := parseServerHello(incoming)
	if err != nil {
		return c.fail(err)
	}
	c.serverPub = sh.publicKey
	c.alpnAgreed = sh.alpn

	if err := c.finishKeyExchange(); err != nil {
		return c.fail(err)
	}
	c.state = stateDone
	return StepDone, nil, nil
}

func (c *Channel) serverHandleClientHello(incoming []byte) (StepResult, []byte, error) {
	if len(incoming) == 0 {
		return StepWantRead, nil, nil
	}
	ch, err := parseClientHello(incoming)
	if err != nil {
		return c.fail(err)
	}

	if c.cfg.Datagram {
		now := time.Now()
		if len(ch.cookie) == 0 || !verifyCookie(c.cfg.CookieSecret, c.cfg.PeerAddr, ch.cookie, now) {
			cookie := issueCookie(c.cfg.CookieSecret, c.cfg.PeerAddr, now)
			hv := helloVerifyRequest{cookie: cookie}
			// Remain in the same state; the client must resend
			// ClientHello with this cookie attached.
			return StepWantWrite, hv.marshal(), nil
		}
	}

	c.clientPub = ch.publicKey
	kp, err := newEphemeralKeyPair()
	if err != nil {
		return c.fail(xerr.Wrap(xerr.Crypto, "secure.serverHandleClientHello", err))
	}
	c.kp = kp
	c.serverPub = kp.public
	c.alpnAgreed = selectALPN(ch.alpn, c.cfg.ALPN)

	if err := c.finishKeyExchange(); err != nil {
		return c.fail(err)
	}

	msg := serverHello{publicKey: kp.public, alpn: c.alpnAgreed}
	c.state = stateDone
	return StepWantWrite, msg.marshal(), nil
}

func (c *Channel) finishKeyExchange() error {
	secret, err := sharedSecret(c.kp.private, peerPublicFor(c.cfg.Role, c.clientPub, c.serverPub, c.kp.public))
	if err != nil {
		return err
	}
	keys, err := deriveKeys(secret, c.clientPub[:], c.serverPub[:], c.cfg.Suite.KeyLen())
	if err != nil {
		return err
	}
	c.keys = keys
	return nil
}

// peerPublicFor resolves which public key a side should use as "the
// peer's" key in the ECDH computation: the client's own public key never
// participates as its own peer key, and likewise for the server.
func peerPublicFor(role Role, clientPub, serverPub, self [32]byte) [32]byte {
	if role == RoleClient {
		return serverPub
	}
	return clientPub
}

// selectALPN picks the first client-offered protocol the server also
// supports, preserving the client's preference order.
func selectALPN(offered, supported []string) string {
	supportedSet := make(map[string]bool, len(supported))
	for _, p := range supported {
		supportedSet[p] = true
	}
	for _, p := range offered {
		if supportedSet[p] {
			return p
		}
	}
	return ""
}

// Encrypt seals plain into a new ciphertext record using this side's write
// key (client-write for a client, server-write for a server) and the next
// send sequence number as nonce input.
func (c *Channel) Encrypt(plain []byte) ([]byte, error) {
	if !c.Done() {
		return nil, xerr.New(xerr.Protocol, "secure.Encrypt")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.writeKey()
	aead, err := newAEAD(c.cfg.Suite, key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, xerr.Wrap(xerr.Crypto, "secure.Encrypt", err)
	}
	nonce := sequenceNonce(iv, c.sendSeq)
	c.sendSeq++

	sealed := aead.Seal(nil, nonce, plain, nil)
	out := make([]byte, len(iv)+len(sealed))
	copy(out, iv)
	copy(out[len(iv):], sealed)
	return out, nil
}

// Decrypt opens a ciphertext record produced by the peer's Encrypt,
// rejecting sequence numbers it has already consumed (anti-replay).
func (c *Channel) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.Done() {
		return nil, xerr.New(xerr.Protocol, "secure.Decrypt")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.readKey()
	aead, err := newAEAD(c.cfg.Suite, key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, xerr.New(xerr.Crypto, "secure.Decrypt")
	}
	iv := ciphertext[:nonceSize]
	sealed := ciphertext[nonceSize:]
	nonce := sequenceNonce(iv, c.recvSeq)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.Crypto, "secure.Decrypt", err)
	}
	c.recvSeq++
	return plain, nil
}

func (c *Channel) writeKey() []byte {
	if c.cfg.Role == RoleClient {
		return c.keys.clientWrite
	}
	return c.keys.serverWrite
}

func (c *Channel) readKey() []byte {
	if c.cfg.Role == RoleClient {
		return c.keys.serverWrite
	}
	return c.keys.clientWrite
}

// Shutdown releases the channel's key material. Encrypt/Decrypt return
// errors once Shutdown has been called (spec §5's "released on disconnect"
// resource lifetime rule).
func (c *Channel) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = directionalKeys{}
	c.state = stateError
}
