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

// Package std adapts the teacher's small ambient helpers (compression,
// cipher selection, periodic stats logging) to the negotiated parameter
// enums instead of hardcoded CLI choices.
package std

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/xenocomm/xenocomm/negotiation"
)

// Codec compresses and decompresses whole fragment payloads. Where the
// original CompStream wrapped a net.Conn and compressed a byte stream,
// fragments are discrete buffers, so each Codec here runs over one buffer
// instead of owning a connection.
type Codec interface {
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// NewCodec builds the Codec for a negotiated negotiation.Compression value.
func NewCodec(c negotiation.Compression) (Codec, error) {
	switch c {
	case negotiation.CompressionNone:
		return noneCodec{}, nil
	case negotiation.CompressionSnappy:
		return snappyCodec{}, nil
	case negotiation.CompressionZstd:
		return zstdCodec{}, nil
	case negotiation.CompressionLZ4:
		return lz4Codec{}, nil
	default:
		return nil, errors.Errorf("std: unknown compression %q", c)
	}
}

type noneCodec struct{}

func (noneCodec) Compress(payload []byte) ([]byte, error)   { return payload, nil }
func (noneCodec) Decompress(payload []byte) ([]byte, error) { return payload, nil }

type snappyCodec struct{}

func (snappyCodec) Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (snappyCodec) Decompress(payload []byte) ([]byte, error) {
	r := snappy.NewReader(bytes.NewReader(payload))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

type zstdCodec struct{}

func (zstdCodec) Compress(payload []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}

func (zstdCodec) Decompress(payload []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(payload []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(payload))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}
