// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// The encoder and decoder are shared; EncodeAll and DecodeAll are safe for
// concurrent use.
var (
	encoder = mustEncoder()
	decoder = mustDecoder()
)

func mustEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("create zstd encoder: %v", err))
	}
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecodeAllCapLimit(true),
	)
	if err != nil {
		panic(fmt.Sprintf("create zstd decoder: %v", err))
	}
	return dec
}

func compress(src []byte) []byte { return encoder.EncodeAll(src, make([]byte, 0, len(src))) }

// decompress decodes the zstd payload in src. The first frame must declare
// its content size, and that size must not exceed limit. The output is capped
// at the declared size, so trailing frames cannot expand it further.
func decompress(src []byte, limit int) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(src); err != nil {
		return nil, err
	}
	if !h.HasFCS {
		return nil, fmt.Errorf("frame does not declare its content size")
	} else if h.FrameContentSize > uint64(limit) {
		return nil, fmt.Errorf("decompressed size too large (%d > %d bytes)", h.FrameContentSize, limit)
	}
	out, err := decoder.DecodeAll(src, make([]byte, 0, int(h.FrameContentSize)))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("decompressed size exceeds declared size (%d bytes)", h.FrameContentSize)
	} else if err != nil {
		return nil, err
	} else if len(out) > limit {
		return nil, fmt.Errorf("decompressed size too large (%d > %d bytes)", len(out), limit)
	}
	return out, nil
}
