package secure

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/xenocomm/xenocomm/xerr"
)

// CipherSuite is the concrete AEAD this channel negotiates down to,
// independent of the negotiation layer's own Cipher/KeySize parameter
// enums (spec §9's "SecureContext capability trait" boundary: the crypto
// backend lives fully behind this package).
type CipherSuite int

const (
	AES128GCM CipherSuite = iota
	AES256GCM
	ChaCha20Poly1305
	XChaCha20Poly1305
)

// KeyLen returns the raw key size, in bytes, this suite requires.
func (c CipherSuite) KeyLen() int {
	switch c {
	case AES128GCM:
		return 16
	case AES256GCM:
		return 32
	case ChaCha20Poly1305:
		return chacha20poly1305.KeySize
	case XChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		return 0
	}
}

// newAEAD builds the concrete cipher.AEAD for suite from a key of exactly
// suite.KeyLen() bytes. This mirrors std/crypt.go's cryptMethods lookup
// table shape (name -> constructor), retargeted from kcptun's CLI cipher
// names to the suite enum above. AES-GCM comes from the standard library
// because kcp-go's own crypt.go wraps crypto/aes the same way; the other
// two come from golang.org/x/crypto, which the corpus has no reason to
// avoid for modern AEAD ciphers.
func newAEAD(suite CipherSuite, key []byte) (cipher.AEAD, error) {
	if len(key) != suite.KeyLen() {
		return nil, xerr.New(xerr.Crypto, "secure.newAEAD")
	}
	switch suite {
	case AES128GCM, AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, xerr.Wrap(xerr.Crypto, "secure.newAEAD", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, xerr.New(xerr.Crypto, "secure.newAEAD")
	}
}

// sequenceNonce derives a deterministic nonce from a monotonically
// increasing sequence counter, the same anti-replay mechanism TLS 1.3
// record protection uses: XOR the big-endian counter into the low bytes
// of iv. Encrypt draws a fresh random iv for every record and sends it in
// front of the ciphertext.
func sequenceNonce(iv []byte, seq uint64) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(seq >> (8 * i))
	}
	return nonce
}
