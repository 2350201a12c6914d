package tts

import (
	"context"

	"golang.org/x/time/rate"
)

type limitedSynth struct {
	next    Synthesizer
	limiter *rate.Limiter
}

// NewLimitedSynth bounds the request rate to a paid cloud backend. Waiting
// for a token honours ctx.
func NewLimitedSynth(next Synthesizer, perSecond float64) Synthesizer {
	if perSecond <= 0 {
		return next
	}
	burst := max(1, int(perSecond))
	return &limitedSynth{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limitedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return failed(ctx.Err())
		}
		return failed(unavailable("ratelimit", "wait", "rate limiter", err))
	}
	return l.next.Synthesize(ctx, req)
}
