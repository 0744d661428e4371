package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the update size above which blobs are stored
// zstd compressed.
const CompressThreshold = 4 << 10

const (
	encodingRaw  = "raw"
	encodingZstd = "zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlob returns the stored form of an update and its encoding tag.
// Compression is kept only when it actually saves space.
func encodeBlob(update []byte) ([]byte, string) {
	if len(update) <= CompressThreshold {
		return update, encodingRaw
	}
	compressed := zstdEncoder.EncodeAll(update, make([]byte, 0, len(update)/2))
	if len(compressed) >= len(update) {
		return update, encodingRaw
	}
	return compressed, encodingZstd
}

func decodeBlob(blob []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingRaw, "":
		return blob, nil
	case encodingZstd:
		out, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress update: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown update encoding %q", encoding)
}
