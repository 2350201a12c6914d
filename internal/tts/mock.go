package tts

import (
	"context"
	"math"
	"time"

	"github.com/loqalabs/loqa-atis/internal/audio"
)

// mockSpeechRate is how long the mock voice takes per character of text.
const mockSpeechRate = 50 * time.Millisecond

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a backend that renders text as a quiet 440 Hz tone
// whose length follows the text length. Output is deterministic.
func NewMockSynth(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}

		total := int(time.Duration(len(req.Text)) * mockSpeechRate * time.Duration(m.sampleRate) / time.Second)
		perChunk := m.sampleRate
		sequence := 0
		for start := 0; start < total; start += perChunk {
			n := min(perChunk, total-start)
			samples := make([]int16, n)
			for i := range samples {
				phase := 2 * math.Pi * 440 * float64(start+i) / float64(m.sampleRate)
				samples[i] = int16(2000 * math.Sin(phase))
			}
			chunk := SynthChunk{
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   1,
				PCM:        audio.SamplesToBytes(samples),
				Final:      start+n >= total,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			sequence++
		}
	}()
	return chunks, errs
}
