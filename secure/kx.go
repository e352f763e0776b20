package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/xenocomm/xenocomm/xerr"
)

// ephemeralKeyPair is one X25519 key-exchange leg (spec §3's KeyExchange
// enum resolves to curve25519 in this implementation; RSA/ECDHE-P256 are
// accepted at the negotiation layer but map onto this same primitive since
// the library only ships one concrete key-exchange backend).
type ephemeralKeyPair struct {
	private [32]byte
	public  [32]byte
}

func newEphemeralKeyPair() (ephemeralKeyPair, error) {
	var kp ephemeralKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return ephemeralKeyPair{}, xerr.Wrap(xerr.Crypto, "secure.newEphemeralKeyPair", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return ephemeralKeyPair{}, xerr.Wrap(xerr.Crypto, "secure.newEphemeralKeyPair", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

func sharedSecret(private, peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return nil, xerr.Wrap(xerr.Crypto, "secure.sharedSecret", err)
	}
	return secret, nil
}

// directionalKeys are the two independent AEAD keys derived from one
// shared secret, split by direction so client-write and server-write use
// distinct keys (standard TLS-style key separation).
type directionalKeys struct {
	clientWrite []byte
	serverWrite []byte
}

// deriveKeys runs HKDF-SHA256 over the shared secret, salted with the
// exchanged public keys so a transcript replay can't rederive the same
// keys from a different handshake, and expands two directional keys of
// keyLen bytes each.
func deriveKeys(secret, clientPub, serverPub []byte, keyLen int) (directionalKeys, error) {
	salt := append(append([]byte{}, clientPub...), serverPub...)
	r := hkdf.New(sha256.New, secret, salt, []byte("xenocomm record keys"))

	clientKey := make([]byte, keyLen)
	serverKey := make([]byte, keyLen)
	if _, err := io.ReadFull(r, clientKey); err != nil {
		return directionalKeys{}, xerr.Wrap(xerr.Crypto, "secure.deriveKeys", err)
	}
	if _, err := io.ReadFull(r, serverKey); err != nil {
		return directionalKeys{}, xerr.Wrap(xerr.Crypto, "secure.deriveKeys", err)
	}
	return directionalKeys{clientWrite: clientKey, serverWrite: serverKey}, nil
}
