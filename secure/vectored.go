package secure

// vectoredThreshold is the combined-size floor below which Sendv falls
// back to per-buffer sends instead of coalescing (spec §4.4: "~8 KiB").
const vectoredThreshold = 8 * 1024

// BatchWriter is implemented by transports that can emit several buffers
// as one vectored write (spec §4.4). transport.UDPTransport's batched write
// is SendVectored(ctx, frames), so it does not satisfy BatchWriter itself;
// transports without a BatchWriter are driven through the fallback func
// passed to Sendv instead.
type BatchWriter interface {
	WriteVectored(buffers [][]byte) error
}

// Sendv encrypts each of buffers independently and emits the resulting
// ciphertexts as a single vectored write when bw is non-nil and the total
// plaintext size exceeds vectoredThreshold with more than one buffer;
// otherwise it falls back to fallback, called once per ciphertext.
func (c *Channel) Sendv(buffers [][]byte, bw BatchWriter, fallback func([]byte) error) error {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}

	ciphertexts := make([][]byte, len(buffers))
	for i, b := range buffers {
		ct, err := c.Encrypt(b)
		if err != nil {
			return err
		}
		ciphertexts[i] = ct
	}

	if bw != nil && total > vectoredThreshold && len(buffers) > 1 {
		return bw.WriteVectored(ciphertexts)
	}
	for _, ct := range ciphertexts {
		if err := fallback(ct); err != nil {
			return err
		}
	}
	return nil
}
