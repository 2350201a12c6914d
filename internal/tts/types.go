package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	StationID string
	Text      string
	Voice     string
}

// SynthChunk contains little-endian 16-bit PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract every backend implements. Exactly one error or
// a closed error channel signals the end of the stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// PCM is a complete mono utterance.
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Collect drains a synthesis stream into memory.
func Collect(ctx context.Context, s Synthesizer, req SynthRequest) ([]SynthChunk, error) {
	chunks, errs := s.Synthesize(ctx, req)
	var out []SynthChunk
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				break
			}
			out = append(out, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				return nil, err
			}
			errs = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if chunks == nil && errs == nil {
			return out, nil
		}
	}
}

// replay streams previously collected chunks.
func replay(ctx context.Context, chunks []SynthChunk) (<-chan SynthChunk, <-chan error) {
	out := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, chunk := range chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return out, errs
}

// failed returns a stream that carries only err.
func failed(err error) (<-chan SynthChunk, <-chan error) {
	out := make(chan SynthChunk)
	errs := make(chan error, 1)
	errs <- err
	close(out)
	close(errs)
	return out, errs
}
