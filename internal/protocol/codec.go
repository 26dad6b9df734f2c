package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/constellation/internal/bufpool"
)

const (
	flagRaw    byte = 0
	flagBrotli byte = 1

	// DefaultCompressThreshold is the encoded size from which frames are compressed.
	DefaultCompressThreshold = 4096

	// MaxFrameSize bounds a decoded frame.
	MaxFrameSize = 64 << 20

	scratchSize = 4096
)

// ErrMalformedFrame is returned for frames that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Codec turns frames into transport payloads and back.
type Codec struct {
	pool      *bufpool.Pool
	threshold int
	level     int
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCompressThreshold sets the encoded size from which frames are compressed.
func WithCompressThreshold(n int) CodecOption {
	return func(c *Codec) {
		c.threshold = n
	}
}

// WithCompressLevel sets the brotli level.
func WithCompressLevel(level int) CodecOption {
	return func(c *Codec) {
		c.level = level
	}
}

// NewCodec creates a codec borrowing scratch buffers from pool.
func NewCodec(pool *bufpool.Pool, opts ...CodecOption) *Codec {
	if pool == nil {
		pool = bufpool.New()
	}
	c := &Codec{pool: pool, threshold: DefaultCompressThreshold, level: brotli.BestSpeed}
	for _, opt := range opts {
		opt(c)
	}
	c.pool.Prefill(scratchSize, 8)
	return c
}

// NewFrame builds a frame with a fresh message id and a msgpack encoded body.
func NewFrame(t FrameType, from uint32, body any) (Frame, error) {
	data, err := msgpack.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s body: %w", t, err)
	}
	return Frame{Type: t, ID: uuid.Must(uuid.NewV7()).String(), From: from, Body: data}, nil
}

// DecodeBody decodes the body of f into v.
func DecodeBody(f Frame, v any) error {
	if err := msgpack.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// Encode serializes f, compressing it when it is large.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	raw, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if len(raw) < c.threshold {
		out := make([]byte, 1+len(raw))
		out[0] = flagRaw
		copy(out[1:], raw)
		return out, nil
	}

	scratch := c.pool.Get(scratchSize, false)
	defer c.pool.Put(scratch)
	buf := bytes.NewBuffer(scratch[:0])
	buf.WriteByte(flagBrotli)
	w := brotli.NewWriterLevel(buf, c.level)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress %s frame: %w", f.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress %s frame: %w", f.Type, err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Decode parses bytes produced by Encode.
func (c *Codec) Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	body := data[1:]
	switch data[0] {
	case flagRaw:
	case flagBrotli:
		scratch := c.pool.Get(scratchSize, false)
		defer c.pool.Put(scratch)
		buf := bytes.NewBuffer(scratch[:0])
		r := io.LimitReader(brotli.NewReader(bytes.NewReader(body)), MaxFrameSize+1)
		if _, err := buf.ReadFrom(r); err != nil {
			return Frame{}, fmt.Errorf("%w: decompress: %v", ErrMalformedFrame, err)
		}
		if buf.Len() > MaxFrameSize {
			return Frame{}, fmt.Errorf("%w: larger than %d bytes", ErrMalformedFrame, MaxFrameSize)
		}
		body = buf.Bytes()
	default:
		return Frame{}, fmt.Errorf("%w: unknown flag %d", ErrMalformedFrame, data[0])
	}

	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}
