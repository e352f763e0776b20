// Package errcorr implements the ErrorCoder component (spec §4.1): a
// byte-sequence codec offering either CRC32 error detection or
// Reed-Solomon error correction, sharing one Coder contract.
package errcorr

import "github.com/xenocomm/xenocomm/xerr"

// Coder is the contract both ErrorCoder variants satisfy.
type Coder interface {
	// Encode appends error-detection/correction data to payload.
	Encode(payload []byte) ([]byte, error)
	// Decode verifies/corrects a previously encoded buffer, returning the
	// original payload. It returns an *xerr.Error of kind xerr.Correction
	// when the buffer is uncorrectable.
	Decode(encoded []byte) ([]byte, error)
}

// Uncorrectable builds the standard "payload could not be verified or
// recovered" error a Coder.Decode returns; callers (fragment.Fragmenter,
// transmission.Manager) treat it as a retransmission trigger, not a fatal
// channel error (spec §7).
func Uncorrectable(op string, cause error) error {
	if cause == nil {
		return xerr.New(xerr.Correction, op)
	}
	return xerr.Wrap(xerr.Correction, op, cause)
}
