//go:build !opus

package audio

import "errors"

// NewOpusCodec reports that Opus support was not compiled in.
func NewOpusCodec(bitrate int) (Codec, error) {
	return nil, errors.New("opus not available: build with -tags opus and libopus installed")
}
