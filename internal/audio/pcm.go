package audio

import (
	"encoding/binary"
	"fmt"
)

// Resample converts mono PCM between sample rates by linear interpolation.
func Resample(input []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d, to=%d", fromRate, toRate)
	}
	if fromRate == toRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out, nil
	}
	n := len(input)
	if n == 0 {
		return []int16{}, nil
	}

	outLen := int((int64(n)*int64(toRate) + int64(fromRate) - 1) / int64(fromRate))
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx >= n-1 {
			out[i] = input[n-1]
			continue
		}
		s0 := float64(input[idx])
		s1 := float64(input[idx+1])
		out[i] = int16(s0 + frac*(s1-s0))
	}
	return out, nil
}

// BytesToSamples decodes little-endian 16-bit PCM.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}

// PCM16Codec carries raw little-endian samples. It is lossless and only
// useful against receivers that accept uncompressed voice, such as local test
// servers.
type PCM16Codec struct{}

func (PCM16Codec) Name() string { return "pcm16" }

func (PCM16Codec) NewEncoder() (Encoder, error) { return pcm16Coder{}, nil }

func (PCM16Codec) NewDecoder() (Decoder, error) { return pcm16Coder{}, nil }

type pcm16Coder struct{}

func (pcm16Coder) Encode(pcm []int16) ([]byte, error) { return SamplesToBytes(pcm), nil }

func (pcm16Coder) Decode(payload []byte) ([]int16, error) { return BytesToSamples(payload) }

func (pcm16Coder) Close() error { return nil }
