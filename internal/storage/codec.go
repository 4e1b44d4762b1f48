package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Value encodings recorded next to stored blobs.
const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"
)

// DefaultCompressThreshold is the value size from which blobs are
// zstd-compressed.
const DefaultCompressThreshold = 4096

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeBlob compresses data when it reaches threshold and compression
// actually shrinks it. threshold <= 0 disables compression.
func encodeBlob(data []byte, threshold int) ([]byte, string) {
	if threshold <= 0 || len(data) < threshold {
		return data, EncodingJSON
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingJSON
	}
	return compressed, EncodingZstd
}

func decodeBlob(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingJSON:
		return data, nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("storage: unknown encoding %q", encoding)
	}
}
