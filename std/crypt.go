// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package std

import (
	"github.com/pkg/errors"

	"github.com/xenocomm/xenocomm/negotiation"
	"github.com/xenocomm/xenocomm/secure"
)

// cipherMethod maps a negotiated cipher name to its secure.CipherSuite and
// the key size it requires, the same lookup-table shape the teacher used
// for its own BlockCrypt constructors.
type cipherMethod struct {
	keySize negotiation.KeySize
	suite   secure.CipherSuite
}

var cipherMethods = map[negotiation.Cipher]cipherMethod{
	negotiation.CipherAES128GCM:         {negotiation.KeySize128, secure.AES128GCM},
	negotiation.CipherAES256GCM:         {negotiation.KeySize256, secure.AES256GCM},
	negotiation.CipherChaCha20Poly1305:  {negotiation.KeySize256, secure.ChaCha20Poly1305},
	negotiation.CipherXChaCha20Poly1305: {negotiation.KeySize256, secure.XChaCha20Poly1305},
}

// SelectCipherSuite translates a negotiated Cipher/KeySize pair into the
// concrete secure.CipherSuite that implements it.
func SelectCipherSuite(cipher negotiation.Cipher, keySize negotiation.KeySize) (secure.CipherSuite, error) {
	m, ok := cipherMethods[cipher]
	if !ok {
		return 0, errors.Errorf("std: unsupported cipher %q", cipher)
	}
	if m.keySize != keySize {
		return 0, errors.Errorf("std: cipher %q requires key size %d, got %d", cipher, m.keySize, keySize)
	}
	return m.suite, nil
}
