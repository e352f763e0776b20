// Package fragment implements the Fragmenter component (spec §4.2): it
// splits a payload into numbered, header-prefixed fragments and reassembles
// them on the receiving side, and defines the per-fragment ACK message. The
// ACK wait and retry loop that use it run in transmission.Manager.
package fragment

import (
	"encoding/binary"

	"github.com/xenocomm/xenocomm/xerr"
)

// HeaderSize is the fixed on-wire fragment header width (spec §6).
const HeaderSize = 22

// Header is the fixed-size, bit-exact fragment header prepended to every
// fragment payload (spec §3, §6). All integers are little-endian on the wire.
type Header struct {
	TransmissionID  uint32
	FragmentIndex   uint16
	TotalFragments  uint16
	FragmentSize    uint32
	OriginalSize    uint32
	ErrorCheck      uint32
	IsEncrypted     bool
	SecurityFlags   uint8
}

// Marshal encodes h into its fixed 22-byte wire representation.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.TransmissionID)
	binary.LittleEndian.PutUint16(buf[4:], h.FragmentIndex)
	binary.LittleEndian.PutUint16(buf[6:], h.TotalFragments)
	binary.LittleEndian.PutUint32(buf[8:], h.FragmentSize)
	binary.LittleEndian.PutUint32(buf[12:], h.OriginalSize)
	binary.LittleEndian.PutUint32(buf[16:], h.ErrorCheck)
	if h.IsEncrypted {
		buf[20] = 1
	}
	buf[21] = h.SecurityFlags
	return buf
}

// UnmarshalHeader decodes a fixed 22-byte header from the front of buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, xerr.New(xerr.Protocol, "fragment.UnmarshalHeader")
	}
	return Header{
		TransmissionID: binary.LittleEndian.Uint32(buf[0:]),
		FragmentIndex:  binary.LittleEndian.Uint16(buf[4:]),
		TotalFragments: binary.LittleEndian.Uint16(buf[6:]),
		FragmentSize:   binary.LittleEndian.Uint32(buf[8:]),
		OriginalSize:   binary.LittleEndian.Uint32(buf[12:]),
		ErrorCheck:     binary.LittleEndian.Uint32(buf[16:]),
		IsEncrypted:    buf[20] != 0,
		SecurityFlags:  buf[21],
	}, nil
}

// Frame is a decoded on-wire unit: a Header plus its fragment payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Marshal produces the full on-wire frame: header followed by payload.
func (f Frame) Marshal() []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	copy(out, f.Header.Marshal())
	copy(out[HeaderSize:], f.Payload)
	return out
}

// UnmarshalFrame decodes a full on-wire frame (header + payload).
func UnmarshalFrame(buf []byte) (Frame, error) {
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	payload := buf[HeaderSize:]
	if uint32(len(payload)) != h.FragmentSize {
		return Frame{}, xerr.New(xerr.Protocol, "fragment.UnmarshalFrame")
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Ack is the fixed 11-byte fragment acknowledgement (spec §6).
type Ack struct {
	TransmissionID uint32
	FragmentIndex  uint16
	Success        bool
	ErrorCode      uint32
}

// AckSize is the fixed on-wire ack width.
const AckSize = 11

// Marshal encodes a into its fixed 11-byte wire representation.
func (a Ack) Marshal() []byte {
	buf := make([]byte, AckSize)
	binary.LittleEndian.PutUint32(buf[0:], a.TransmissionID)
	binary.LittleEndian.PutUint16(buf[4:], a.FragmentIndex)
	if a.Success {
		buf[6] = 1
	}
	binary.LittleEndian.PutUint32(buf[7:], a.ErrorCode)
	return buf
}

// UnmarshalAck decodes a fixed 11-byte ack.
func UnmarshalAck(buf []byte) (Ack, error) {
	if len(buf) < AckSize {
		return Ack{}, xerr.New(xerr.Protocol, "fragment.UnmarshalAck")
	}
	return Ack{
		TransmissionID: binary.LittleEndian.Uint32(buf[0:]),
		FragmentIndex:  binary.LittleEndian.Uint16(buf[4:]),
		Success:        buf[6] != 0,
		ErrorCode:      binary.LittleEndian.Uint32(buf[7:]),
	}, nil
}
