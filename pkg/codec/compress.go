package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm a persisted blob was compressed with. Values are written into blob headers;
// changing them breaks compatibility with previously persisted snapshots.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1 // Fast, moderate ratio.
	CompressionZstd Compression = 2 // Better ratio on CBOR/JSON-like payloads.
)

var errUnknownCompression = errors.New("unknown compression")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the flag representation of a compression algorithm.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownCompression, name)
	}
}

var (
	// Encoders and decoders are safe for concurrent use and expensive to build, hence shared.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	// DecodeAll stops at the capacity of its destination, which Decompress sizes to the declared length.
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecodeAllCapLimit(true), zstd.WithDecoderMaxMemory(math.MaxUint32))
)

// Compress compresses `data` with algorithm `c`. CompressionNone returns the input unchanged.
func Compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 { // Incompressible input; lz4 block format requires the caller to store it raw.
			return nil, errors.New("lz4 compress: incompressible input")
		}
		return destination[:written], nil
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownCompression, uint8(c))
	}
}

// Decompress reverses Compress. `sizeHint` is the uncompressed length: decompression never produces more, and
// producing a different length is an error.
func Decompress(data []byte, c Compression, sizeHint int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		if sizeHint <= 0 {
			return nil, errors.New("zstd decompress: missing uncompressed size")
		}
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, sizeHint))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != sizeHint {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), sizeHint)
		}
		return out, nil
	case CompressionLZ4:
		if sizeHint <= 0 {
			return nil, errors.New("lz4 decompress: missing uncompressed size")
		}
		out := make([]byte, sizeHint)
		read, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != sizeHint {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, sizeHint)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownCompression, uint8(c))
	}
}
