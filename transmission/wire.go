package transmission

import "github.com/xenocomm/xenocomm/xerr"

// Envelope kinds multiplex the three message shapes that cross one
// Transport: handshake flights, fragment frames, and fragment ACKs.
const (
	envHandshake uint8 = 1
	envFrame     uint8 = 2
	envAck       uint8 = 3
)

func envelope(kind uint8, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = kind
	copy(out[1:], body)
	return out
}

func parseEnvelope(data []byte) (uint8, []byte, error) {
	if len(data) < 1 {
		return 0, nil, xerr.New(xerr.Protocol, "transmission.parseEnvelope")
	}
	return data[0], data[1:], nil
}
