package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Transcripts are small and written once, so one shared encoder and
// decoder serve every call through EncodeAll and DecodeAll.
var (
	transcriptEncoder *zstd.Encoder
	transcriptDecoder *zstd.Decoder
)

// maxTranscriptSize caps decompression so a corrupt row cannot exhaust memory.
const maxTranscriptSize = 64 << 20

func init() {
	var err error
	transcriptEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	transcriptDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxTranscriptSize),
	)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func compressTranscript(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return transcriptEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompressTranscript(compressed []byte, size int) ([]byte, error) {
	if len(compressed) == 0 {
		return []byte{}, nil
	}
	out, err := transcriptDecoder.DecodeAll(compressed, make([]byte, 0, min(max(size, 0), maxTranscriptSize)))
	if err != nil {
		return nil, fmt.Errorf("decompress transcript: %w", err)
	}
	if size > 0 && len(out) != size {
		return nil, fmt.Errorf("decompress transcript: got %d bytes, want %d", len(out), size)
	}
	return out, nil
}
