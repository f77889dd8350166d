package storage

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Value encodings recorded in RecordMetadata.Encoding
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// Codec compresses stored values. Decoding handles every known encoding regardless of
// the configured compression so records written under another setting stay readable.
type Codec struct {
	compression string
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

// NewCodec creates a codec. compression is "none" or "zstd"; level is a zstd level name
// ("fastest", "default", "better", "best") and may be empty.
func NewCodec(compression, level string) (*Codec, error) {
	compression = strings.ToLower(strings.TrimSpace(compression))
	if compression == "" || compression == EncodingIdentity {
		compression = "none"
	}
	if compression != "none" && compression != EncodingZstd {
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	codec := &Codec{compression: compression, decoder: decoder}

	if compression == EncodingZstd {
		encLevel := zstd.SpeedDefault
		if level != "" {
			ok, parsed := zstd.EncoderLevelFromString(level)
			if !ok {
				decoder.Close()
				return nil, fmt.Errorf("unsupported zstd level %q", level)
			}
			encLevel = parsed
		}
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		codec.encoder = encoder
	}

	return codec, nil
}

// Encode returns the stored form of data and the encoding name to record
func (c *Codec) Encode(data []byte) ([]byte, string) {
	if c.encoder == nil {
		return data, EncodingIdentity
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2+64)), EncodingZstd
}

// Decode reverses Encode for the given encoding
func (c *Codec) Decode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingIdentity:
		return data, nil
	case EncodingZstd:
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Compression returns the configured compression name
func (c *Codec) Compression() string {
	return c.compression
}

// Close releases encoder and decoder resources
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}
