package fragment

import (
	"github.com/xenocomm/xenocomm/errcorr"
	"github.com/xenocomm/xenocomm/xerr"
)

// DefaultFragmentSize mirrors kcp-go's conservative MTU-minus-headers
// default (sess.go sets a similar floor for its own internal segment size).
const DefaultFragmentSize = 1400

// Fragmenter splits payloads into Frames carrying a shared transmission_id
// and reassembles them back, delegating per-fragment integrity to an
// errcorr.Coder (spec §4.2).
type Fragmenter struct {
	fragmentSize int
	coder        errcorr.Coder
}

// New builds a Fragmenter. fragmentSize is the maximum payload carried by a
// single fragment, excluding the coder's own tag and the fixed header.
// coder may be nil, in which case fragments carry no per-fragment check and
// rely entirely on whatever integrity the transport/secure layer provides.
func New(fragmentSize int, coder errcorr.Coder) (*Fragmenter, error) {
	if fragmentSize <= 0 {
		return nil, xerr.New(xerr.Validation, "fragment.New")
	}
	return &Fragmenter{fragmentSize: fragmentSize, coder: coder}, nil
}

// Split divides payload into one or more Frames tagged with transmissionID.
// A zero-length payload still yields exactly one (empty) fragment, matching
// spec §8's boundary-case requirement that empty sends round-trip cleanly.
func (f *Fragmenter) Split(transmissionID uint32, payload []byte, isEncrypted bool, securityFlags uint8) ([]Frame, error) {
	chunks, err := f.chunk(payload)
	if err != nil {
		return nil, err
	}
	total := len(chunks)
	frames := make([]Frame, total)
	for i, chunk := range chunks {
		tagged := chunk
		if f.coder != nil {
			tagged, err = f.coder.Encode(chunk)
			if err != nil {
				return nil, xerr.Wrap(xerr.Correction, "fragment.Split", err)
			}
		}
		frames[i] = Frame{
			Header: Header{
				TransmissionID: transmissionID,
				FragmentIndex:  uint16(i),
				TotalFragments: uint16(total),
				FragmentSize:   uint32(len(tagged)),
				OriginalSize:   uint32(len(payload)),
				ErrorCheck:     errcorr.Checksum(tagged),
				IsEncrypted:    isEncrypted,
				SecurityFlags:  securityFlags,
			},
			Payload: tagged,
		}
	}
	return frames, nil
}

func (f *Fragmenter) chunk(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return [][]byte{{}}, nil
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += f.fragmentSize {
		end := off + f.fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks, nil
}

// Verify confirms a received frame's header-level checksum still matches
// its payload, and if a Coder was configured, decodes the per-fragment tag.
func (f *Fragmenter) Verify(frame Frame) ([]byte, error) {
	if errcorr.Checksum(frame.Payload) != frame.Header.ErrorCheck {
		return nil, xerr.New(xerr.Protocol, "fragment.Verify")
	}
	return f.DecodeTag(frame.Payload)
}

// DecodeTag applies the configured Coder's Decode to payload without
// checking any checksum. A secure-channel-encrypted frame's checksum
// covers the ciphertext, so the transmission manager checks it and
// decrypts before this runs, rather than going through Verify.
func (f *Fragmenter) DecodeTag(payload []byte) ([]byte, error) {
	if f.coder == nil {
		return payload, nil
	}
	raw, err := f.coder.Decode(payload)
	if err != nil {
		return nil, xerr.Wrap(xerr.Correction, "fragment.DecodeTag", err)
	}
	return raw, nil
}

// CheckSum reports whether payload's checksum matches want, exposing the
// same check Verify performs internally so callers can validate a frame's
// ciphertext before decrypting it.
func CheckSum(payload []byte, want uint32) bool {
	return errcorr.Checksum(payload) == want
}
