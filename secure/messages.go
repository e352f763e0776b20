package secure

import (
	"encoding/binary"

	"github.com/xenocomm/xenocomm/xerr"
)

// Handshake message types (spec §4.4's "BIO-like adapter" pumps bytes
// shaped like this across the underlying transport).
const (
	msgClientHello       uint8 = 1
	msgHelloVerifyRequest uint8 = 2
	msgServerHello       uint8 = 3
	msgFinished          uint8 = 4
)

// clientHello carries the client's ephemeral public key, its offered ALPN
// protocols, and (on the second flight of a datagram handshake) the cookie
// echoed back from a HelloVerifyRequest.
type clientHello struct {
	publicKey [32]byte
	alpn      []string
	cookie    []byte
}

func (m clientHello) marshal() []byte {
	buf := []byte{msgClientHello}
	buf = append(buf, m.publicKey[:]...)
	buf = appendStringList(buf, m.alpn)
	buf = appendBytes16(buf, m.cookie)
	return buf
}

func parseClientHello(buf []byte) (clientHello, error) {
	if len(buf) < 1+32 || buf[0] != msgClientHello {
		return clientHello{}, xerr.New(xerr.Protocol, "secure.parseClientHello")
	}
	var m clientHello
	copy(m.publicKey[:], buf[1:33])
	rest := buf[33:]
	alpn, rest, err := readStringList(rest)
	if err != nil {
		return clientHello{}, err
	}
	m.alpn = alpn
	cookie, _, err := readBytes16(rest)
	if err != nil {
		return clientHello{}, err
	}
	m.cookie = cookie
	return m, nil
}

// helloVerifyRequest is the DTLS-style stateless cookie challenge (spec
// §4.4's "DTLS specifics").
type helloVerifyRequest struct {
	cookie []byte
}

func (m helloVerifyRequest) marshal() []byte {
	buf := []byte{msgHelloVerifyRequest}
	return appendBytes16(buf, m.cookie)
}

func parseHelloVerifyRequest(buf []byte) (helloVerifyRequest, error) {
	if len(buf) < 1 || buf[0] != msgHelloVerifyRequest {
		return helloVerifyRequest{}, xerr.New(xerr.Protocol, "secure.parseHelloVerifyRequest")
	}
	cookie, _, err := readBytes16(buf[1:])
	if err != nil {
		return helloVerifyRequest{}, err
	}
	return helloVerifyRequest{cookie: cookie}, nil
}

// serverHello carries the server's ephemeral public key and the single
// ALPN protocol it selected from the client's offer.
type serverHello struct {
	publicKey [32]byte
	alpn      string
}

func (m serverHello) marshal() []byte {
	buf := []byte{msgServerHello}
	buf = append(buf, m.publicKey[:]...)
	buf = appendString16(buf, m.alpn)
	return buf
}

func parseServerHello(buf []byte) (serverHello, error) {
	if len(buf) < 1+32 || buf[0] != msgServerHello {
		return serverHello{}, xerr.New(xerr.Protocol, "secure.parseServerHello")
	}
	var m serverHello
	copy(m.publicKey[:], buf[1:33])
	alpn, _, err := readString16(buf[33:])
	if err != nil {
		return serverHello{}, err
	}
	m.alpn = alpn
	return m, nil
}

func appendString16(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString16(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, xerr.New(xerr.Protocol, "secure.readString16")
	}
	n := int(binary.LittleEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return "", nil, xerr.New(xerr.Protocol, "secure.readString16")
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func appendStringList(buf []byte, list []string) []byte {
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(list)))
	buf = append(buf, countBuf[:]...)
	for _, s := range list {
		buf = appendString16(buf, s)
	}
	return buf
}

func readStringList(buf []byte) ([]string, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, xerr.New(xerr.Protocol, "secure.readStringList")
	}
	count := int(binary.LittleEndian.Uint16(buf[:2]))
	rest := buf[2:]
	list := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var s string
		var err error
		s, rest, err = readString16(rest)
		if err != nil {
			return nil, nil, err
		}
		list = append(list, s)
	}
	return list, rest, nil
}

func appendBytes16(buf []byte, b []byte) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func readBytes16(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, xerr.New(xerr.Protocol, "secure.readBytes16")
	}
	n := int(binary.LittleEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return nil, nil, xerr.New(xerr.Protocol, "secure.readBytes16")
	}
	return buf[2 : 2+n], buf[2+n:], nil
}
