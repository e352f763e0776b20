package errcorr

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// interleaveDepth is the row count used by the optional burst-error
// disperser (spec §4.1: "transpose the k·shard_size buffer as depth=16
// rows before sharding").
const interleaveDepth = 16

// sizeFooter is the width, in bytes, of the little-endian original-size
// footer appended to the padded data region before sharding (spec §6).
const sizeFooter = 8

// shardCRCSize is the width of the per-shard integrity tag this
// implementation appends to every data/parity shard. klauspost/reedsolomon
// (the teacher's exact FEC dependency, vendored under kcp-go/fec.go) only
// reconstructs *erasures* — shards it is told are missing — it cannot
// locate corruption inside a shard it believes is present. Tagging each
// shard with its own CRC32 lets Decode turn "corrupted" into "missing"
// before calling ReconstructData, which is how this module resolves spec
// §9's Open Question about the erasure-vs-error-correction mismatch.
const shardCRCSize = 4

// ReedSolomon is the GF(2^8) error-correcting ErrorCoder variant (spec
// §4.1). There are no default shard counts: both come from the arguments to
// NewReedSolomon, and the zero value is not usable.
type ReedSolomon struct {
	dataShards   int
	parityShards int
	interleaved  bool
	codec        reedsolomon.Encoder
}

// NewReedSolomon builds an RS(dataShards, parityShards) coder. interleaved
// enables the depth-16 burst-error disperser.
func NewReedSolomon(dataShards, parityShards int, interleaved bool) (*ReedSolomon, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, fmt.Errorf("errcorr: dataShards and parityShards must be positive")
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("errcorr: %w", err)
	}
	return &ReedSolomon{
		dataShards:   dataShards,
		parityShards: parityShards,
		interleaved:  interleaved,
		codec:        codec,
	}, nil
}

// MaxCorrectable is the Berlekamp-bound guarantee spec §4.1/§8 promise:
// errors can be corrected blind (without knowing their location) only up
// to half the parity shards.
func (r *ReedSolomon) MaxCorrectable() int { return r.parityShards / 2 }

// MaxErasures is the stronger bound this implementation actually achieves
// once corrupt shards are identified via their CRC tag and handed to the
// underlying library as erasures (spec §9 Open Question resolution).
func (r *ReedSolomon) MaxErasures() int { return r.parityShards }

// Interleaved reports whether the depth-16 burst-error disperser is active.
func (r *ReedSolomon) Interleaved() bool { return r.interleaved }

// SetInterleaved toggles the burst-error disperser on an existing coder,
// letting StrategyAdapter escalate a live coder in place (spec §4.9) rather
// than replacing it.
func (r *ReedSolomon) SetInterleaved(enabled bool) { r.interleaved = enabled }

func (r *ReedSolomon) shardDataSize(payloadLen int) int {
	size := (payloadLen + sizeFooter + r.dataShards - 1) / r.dataShards
	if size == 0 {
		size = 1
	}
	if r.interleaved {
		for (size*r.dataShards)%interleaveDepth != 0 {
			size++
		}
	}
	return size
}

// Encode pads payload, optionally interleaves it, splits it into
// r.dataShards data shards, computes r.parityShards parity shards, and
// concatenates all of them (data shards first) each tagged with a CRC32.
func (r *ReedSolomon) Encode(payload []byte) ([]byte, error) {
	shardDataSize := r.shardDataSize(len(payload))
	paddedLen := shardDataSize * r.dataShards

	buf := make([]byte, paddedLen)
	copy(buf, payload)
	binary.LittleEndian.PutUint64(buf[len(buf)-sizeFooter:], uint64(len(payload)))

	if r.interleaved {
		buf = interleaveBytes(buf, interleaveDepth)
	}

	total := r.dataShards + r.parityShards
	shards := make([][]byte, total)
	for i := 0; i < r.dataShards; i++ {
		shards[i] = buf[i*shardDataSize : (i+1)*shardDataSize]
	}
	for i := r.dataShards; i < total; i++ {
		shards[i] = make([]byte, shardDataSize)
	}

	if err := r.codec.Encode(shards); err != nil {
		return nil, fmt.Errorf("errcorr: reed-solomon encode: %w", err)
	}

	shardSize := shardDataSize + shardCRCSize
	out := make([]byte, total*shardSize)
	for i, s := range shards {
		off := i * shardSize
		copy(out[off:], s)
		binary.LittleEndian.PutUint32(out[off+shardDataSize:], Checksum(s))
	}
	return out, nil
}

// Decode splits encoded into k+m equal shards, uses each shard's CRC tag
// to detect missing/corrupt shards, reconstructs them if their count is
// within MaxErasures, de-interleaves, and truncates to the original size.
func (r *ReedSolomon) Decode(encoded []byte) ([]byte, error) {
	total := r.dataShards + r.parityShards
	if total == 0 || len(encoded)%total != 0 {
		return nil, Uncorrectable("errcorr.ReedSolomon.Decode", nil)
	}
	shardSize := len(encoded) / total
	if shardSize <= shardCRCSize {
		return nil, Uncorrectable("errcorr.ReedSolomon.Decode", nil)
	}
	shardDataSize := shardSize - shardCRCSize

	shards := make([][]byte, total)
	bad := 0
	for i := 0; i < total; i++ {
		chunk := encoded[i*shardSize : (i+1)*shardSize]
		data := chunk[:shardDataSize]
		want := binary.LittleEndian.Uint32(chunk[shardDataSize:])
		if Checksum(data) == want {
			cp := make([]byte, shardDataSize)
			copy(cp, data)
			shards[i] = cp
		} else {
			shards[i] = nil
			bad++
		}
	}

	if bad > r.MaxErasures() {
		return nil, Uncorrectable("errcorr.ReedSolomon.Decode",
			fmt.Errorf("%d shards unavailable, exceeds parity budget %d", bad, r.parityShards))
	}
	if bad > 0 {
		if err := r.codec.ReconstructData(shards); err != nil {
			return nil, Uncorrectable("errcorr.ReedSolomon.Decode", err)
		}
	}

	buf := make([]byte, 0, shardDataSize*r.dataShards)
	for i := 0; i < r.dataShards; i++ {
		buf = append(buf, shards[i]...)
	}
	if r.interleaved {
		buf = deinterleaveBytes(buf, interleaveDepth)
	}
	if len(buf) < sizeFooter {
		return nil, Uncorrectable("errcorr.ReedSolomon.Decode", nil)
	}
	origSize := binary.LittleEndian.Uint64(buf[len(buf)-sizeFooter:])
	if origSize > uint64(len(buf)-sizeFooter) {
		return nil, Uncorrectable("errcorr.ReedSolomon.Decode", nil)
	}
	return buf[:origSize], nil
}

// interleaveBytes disperses burst errors by writing buf into a
// depth-row matrix column-major and reading it back out row-major.
func interleaveBytes(buf []byte, depth int) []byte {
	cols := len(buf) / depth
	out := make([]byte, len(buf))
	idx := 0
	for row := 0; row < depth; row++ {
		for col := 0; col < cols; col++ {
			out[idx] = buf[col*depth+row]
			idx++
		}
	}
	return out
}

// deinterleaveBytes is the exact inverse of interleaveBytes.
func deinterleaveBytes(buf []byte, depth int) []byte {
	cols := len(buf) / depth
	out := make([]byte, len(buf))
	idx := 0
	for row := 0; row < depth; row++ {
		for col := 0; col < cols; col++ {
			out[col*depth+row] = buf[idx]
			idx++
		}
	}
	return out
}
