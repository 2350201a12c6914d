// Package audio converts synthesized speech into fixed-size encoded voice
// frames for the radio network.
package audio

import (
	"errors"
	"fmt"
	"time"
)

const (
	// SampleRate is the rate the radio network plays voice at.
	SampleRate = 48000
	// FrameDuration is the playback length of one frame.
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of mono samples in one frame.
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000
)

// ErrTranscode marks malformed input to the transcoder. It indicates a bug
// upstream and is not retried.
var ErrTranscode = errors.New("transcode error")

// Frame is one encoded 20 ms slice of a broadcast. Index is its position
// within the cycle that produced it.
type Frame struct {
	Index   int
	Payload []byte
}

// Codec creates per-use encoders and decoders. Encoders carry state between
// consecutive frames and must not be shared between goroutines.
type Codec interface {
	Name() string
	NewEncoder() (Encoder, error)
	NewDecoder() (Decoder, error)
}

type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	Close() error
}

type Decoder interface {
	Decode(payload []byte) ([]int16, error)
	Close() error
}

// NewCodec returns the codec registered under name.
func NewCodec(name string, bitrate int) (Codec, error) {
	switch name {
	case "opus":
		return NewOpusCodec(bitrate)
	case "pcm16":
		return PCM16Codec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Transcoder resamples, windows and encodes PCM into frames.
type Transcoder struct {
	codec Codec
}

func NewTranscoder(codec Codec) *Transcoder {
	return &Transcoder{codec: codec}
}

func (t *Transcoder) Codec() Codec { return t.codec }

// Transcode turns mono PCM at sourceRate into ceil(n/FrameSamples) frames,
// where n is the sample count at SampleRate. The final window is padded with
// silence.
func (t *Transcoder) Transcode(pcm []int16, sourceRate int) ([]Frame, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty pcm", ErrTranscode)
	}
	if sourceRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrTranscode, sourceRate)
	}

	samples := pcm
	if sourceRate != SampleRate {
		resampled, err := Resample(pcm, sourceRate, SampleRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
		}
		samples = resampled
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples after resampling", ErrTranscode)
	}

	enc, err := t.codec.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("%s encoder: %w", t.codec.Name(), err)
	}
	defer enc.Close()

	count := (len(samples) + FrameSamples - 1) / FrameSamples
	frames := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		start := i * FrameSamples
		end := min(start+FrameSamples, len(samples))
		window := make([]int16, FrameSamples)
		copy(window, samples[start:end])

		payload, err := enc.Encode(window)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		frames = append(frames, Frame{Index: i, Payload: payload})
	}
	return frames, nil
}
