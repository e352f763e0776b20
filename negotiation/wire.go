package negotiation

import (
	"encoding/binary"

	"github.com/xenocomm/xenocomm/xerr"
)

// Message types for the negotiation wire framing (spec §6).
const (
	MsgPropose  uint8 = 1
	MsgAccept   uint8 = 2
	MsgCounter  uint8 = 3
	MsgReject   uint8 = 4
	MsgFinalize uint8 = 5
	MsgClose    uint8 = 6
)

// Message is one framed negotiation exchange: {type: u8, session_id: u64,
// sequence: u32, payload_len: u32, payload: bytes} (spec §6). Params carries
// the payload for PROPOSE/ACCEPT/COUNTER/FINALIZE; Reason carries it for
// REJECT. CLOSE carries no payload.
type Message struct {
	Type      uint8
	SessionID uint64
	Sequence  uint32
	Params    *ParameterSet
	Reason    string
}

// Marshal encodes msg per spec §6's framing.
func (m Message) Marshal() ([]byte, error) {
	var payload []byte
	switch m.Type {
	case MsgPropose, MsgAccept, MsgCounter, MsgFinalize:
		if m.Params == nil {
			return nil, xerr.New(xerr.Validation, "negotiation.Message.Marshal")
		}
		payload = marshalParameterSet(*m.Params)
	case MsgReject:
		payload = appendString16(nil, m.Reason)
	case MsgClose:
		payload = nil
	default:
		return nil, xerr.New(xerr.Validation, "negotiation.Message.Marshal")
	}

	buf := make([]byte, 1+8+4+4, 1+8+4+4+len(payload))
	buf[0] = m.Type
	binary.LittleEndian.PutUint64(buf[1:9], m.SessionID)
	binary.LittleEndian.PutUint32(buf[9:13], m.Sequence)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// UnmarshalMessage decodes a framed Message.
func UnmarshalMessage(data []byte) (Message, error) {
	if len(data) < 17 {
		return Message{}, xerr.New(xerr.Protocol, "negotiation.UnmarshalMessage")
	}
	m := Message{
		Type:      data[0],
		SessionID: binary.LittleEndian.Uint64(data[1:9]),
		Sequence:  binary.LittleEndian.Uint32(data[9:13]),
	}
	payloadLen := binary.LittleEndian.Uint32(data[13:17])
	rest := data[17:]
	if uint32(len(rest)) < payloadLen {
		return Message{}, xerr.New(xerr.Protocol, "negotiation.UnmarshalMessage")
	}
	payload := rest[:payloadLen]

	switch m.Type {
	case MsgPropose, MsgAccept, MsgCounter, MsgFinalize:
		ps, err := unmarshalParameterSet(payload)
		if err != nil {
			return Message{}, err
		}
		m.Params = &ps
	case MsgReject:
		reason, _, err := readString16(payload)
		if err != nil {
			return Message{}, err
		}
		m.Reason = reason
	case MsgClose:
	default:
		return Message{}, xerr.New(xerr.Protocol, "negotiation.UnmarshalMessage")
	}
	return m, nil
}

func marshalParameterSet(p ParameterSet) []byte {
	var buf []byte
	buf = appendString16(buf, p.ProtocolVersion)
	buf = appendString16(buf, p.SecurityVersion)
	buf = appendString16(buf, string(p.DataFormat))
	buf = appendString16(buf, string(p.Compression))
	buf = appendString16(buf, string(p.ErrorCorrection))
	buf = appendString16(buf, string(p.Cipher))
	buf = appendString16(buf, string(p.KeyExchange))
	buf = appendString16(buf, string(p.AuthMethod))
	sizeBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(sizeBuf, uint16(p.KeySize))
	buf = append(buf, sizeBuf...)

	countBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(countBuf, uint16(len(p.Custom)))
	buf = append(buf, countBuf...)
	keys := sortedKeys(p.Custom)
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendString16(buf, p.Custom[k])
	}
	return buf
}

func unmarshalParameterSet(data []byte) (ParameterSet, error) {
	var p ParameterSet
	var err error
	var s string

	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.ProtocolVersion = s
	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.SecurityVersion = s
	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.DataFormat = DataFormat(s)
	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.Compression = Compression(s)
	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.ErrorCorrection = ErrorCorrection(s)
	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.Cipher = Cipher(s)
	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.KeyExchange = KeyExchange(s)
	if s, data, err = readString16(data); err != nil {
		return ParameterSet{}, err
	}
	p.AuthMethod = AuthMethod(s)

	if len(data) < 2 {
		return ParameterSet{}, xerr.New(xerr.Protocol, "negotiation.unmarshalParameterSet")
	}
	p.KeySize = KeySize(binary.LittleEndian.Uint16(data[:2]))
	data = data[2:]

	if len(data) < 2 {
		return ParameterSet{}, xerr.New(xerr.Protocol, "negotiation.unmarshalParameterSet")
	}
	count := binary.LittleEndian.Uint16(data[:2])
	data = data[2:]
	if count > 0 {
		p.Custom = make(map[string]string, count)
	}
	for i := uint16(0); i < count; i++ {
		var k, v string
		if k, data, err = readString16(data); err != nil {
			return ParameterSet{}, err
		}
		if v, data, err = readString16(data); err != nil {
			return ParameterSet{}, err
		}
		p.Custom[k] = v
	}
	return p, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func appendString16(buf []byte, s string) []byte {
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(s)))
	buf = append(buf, lenBuf...)
	return append(buf, s...)
}

func readString16(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, xerr.New(xerr.Protocol, "negotiation.readString16")
	}
	n := binary.LittleEndian.Uint16(data[:2])
	data = data[2:]
	if uint16(len(data)) < n {
		return "", nil, xerr.New(xerr.Protocol, "negotiation.readString16")
	}
	return string(data[:n]), data[n:], nil
}
