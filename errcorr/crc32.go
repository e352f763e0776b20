package errcorr

import (
	"encoding/binary"
	"hash/crc32"
)

// crc32Table is the IEEE 802.3 polynomial table (0xEDB88320), computed
// once at init like kcp-go's own checksum tables.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// CRC32 is the detect-only ErrorCoder variant (spec §4.1, §6). It appends
// a 4-byte little-endian CRC32 (initial 0xFFFFFFFF, final XOR 0xFFFFFFFF,
// which is exactly what hash/crc32's IEEE table computes) to the payload.
type CRC32 struct{}

// NewCRC32 constructs a CRC32 error-detecting Coder.
func NewCRC32() *CRC32 { return &CRC32{} }

// Encode appends the 4-byte little-endian CRC32 of payload.
func (CRC32) Encode(payload []byte) ([]byte, error) {
	sum := crc32.Checksum(payload, crc32Table)
	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.LittleEndian.PutUint32(out[len(payload):], sum)
	return out, nil
}

// Decode recomputes the CRC over the prefix and fails on mismatch.
func (CRC32) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) < 4 {
		return nil, Uncorrectable("errcorr.CRC32.Decode", nil)
	}
	prefix := encoded[:len(encoded)-4]
	want := binary.LittleEndian.Uint32(encoded[len(encoded)-4:])
	got := crc32.Checksum(prefix, crc32Table)
	if got != want {
		return nil, Uncorrectable("errcorr.CRC32.Decode", nil)
	}
	return prefix, nil
}

// Checksum computes the raw 4-byte error_check value used in the fragment
// header (spec §6) without the append-to-payload framing CRC32.Encode does.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, crc32Table)
}
