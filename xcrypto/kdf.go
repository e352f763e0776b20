// Package xcrypto is the Crypto external collaborator (spec §9): a
// process-wide KeyStore plus pre-shared-key derivation, kept separate from
// secure.Channel so neither component borrows a back-pointer into the
// other.
package xcrypto

import (
	"crypto/sha1"

	"golang.org/x/crypto/pbkdf2"
)

// defaultSalt matches the constant salt kcptun's own client/server main.go
// hardcodes for its pbkdf2 expansion; pre-shared-key setups that need a
// distinct salt should call DeriveKeyWithSalt directly.
const defaultSalt = "xenocomm-psk-salt"

const pbkdf2Iterations = 4096

// DeriveKey expands a human-supplied passphrase into a keyLen-byte key via
// PBKDF2-HMAC-SHA1, grounded on kcptun/client/main.go's
// `pbkdf2.Key([]byte(config.Key), []byte(SALT), 4096, 32, sha1.New)` call.
func DeriveKey(passphrase string, keyLen int) []byte {
	return DeriveKeyWithSalt(passphrase, defaultSalt, keyLen)
}

// DeriveKeyWithSalt is DeriveKey with an explicit salt.
func DeriveKeyWithSalt(passphrase, salt string, keyLen int) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, keyLen, sha1.New)
}
