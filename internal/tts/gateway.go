// Package tts turns report text into PCM through pluggable speech backends.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/loqalabs/loqa-atis/internal/config"
)

// Gateway routes synthesis requests to the backend a station's voice
// selects and normalizes the result into one mono utterance.
type Gateway struct {
	backends map[ProviderKind]Synthesizer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGateway builds the backends enabled by cfg. Backends without
// credentials or a command are left out and report SynthesisUnavailable
// when selected.
func NewGateway(ctx context.Context, cfg config.TTSConfig, logger *slog.Logger) (*Gateway, error) {
	logger = logger.With(slog.String("component", "tts-gateway"))
	backends := make(map[ProviderKind]Synthesizer)

	if cfg.Mode == "mock" {
		mock := NewMockSynth(cfg.SampleRate)
		for _, kind := range []ProviderKind{ProviderGoogle, ProviderAWS, ProviderLocal} {
			backends[kind] = mock
		}
		return NewGatewayWithBackends(backends, time.Duration(cfg.TimeoutMS)*time.Millisecond, logger), nil
	}

	cache, err := NewSynthCache(cfg.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("create synthesis cache: %w", err)
	}

	if cfg.LocalCommand != "" {
		local, err := NewExecSynth(cfg.LocalCommand, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		backends[ProviderLocal] = NewCachedSynth(string(ProviderLocal), local, cache)
	} else {
		logger.Warn("local speech engine not configured")
	}

	if cfg.GoogleAPIKey != "" {
		google := NewGoogleSynth(cfg.GoogleEndpoint, cfg.GoogleAPIKey, cfg.SampleRate, nil)
		backends[ProviderGoogle] = NewCachedSynth(string(ProviderGoogle), NewLimitedSynth(google, cfg.RequestsPerSecond), cache)
	}

	if cfg.AWSRegion != "" {
		polly, err := NewPollySynth(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			logger.Warn("aws polly disabled", slogError(err))
		} else {
			backends[ProviderAWS] = NewCachedSynth(string(ProviderAWS), NewLimitedSynth(polly, cfg.RequestsPerSecond), cache)
		}
	}

	return NewGatewayWithBackends(backends, time.Duration(cfg.TimeoutMS)*time.Millisecond, logger), nil
}

// NewGatewayWithBackends wires explicit backends. A zero timeout disables
// the per-request deadline.
func NewGatewayWithBackends(backends map[ProviderKind]Synthesizer, timeout time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{backends: backends, timeout: timeout, logger: logger}
}

// Synthesize renders text with the provider's voice. Failures are reported
// as ErrSynthesisUnavailable or ErrSynthesisRejected, except cancellation
// of ctx which is returned as is.
func (g *Gateway) Synthesize(ctx context.Context, text string, p Provider) (PCM, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PCM{}, rejected("gateway", "empty_text", "nothing to speak", ErrEmptyText)
	}
	backend, ok := g.backends[p.Kind]
	if !ok {
		return PCM{}, unavailable(string(p.Kind), "not_configured", "backend not configured", nil)
	}

	reqCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	chunks, err := Collect(reqCtx, backend, SynthRequest{Text: text, Voice: p.Voice})
	if err != nil {
		if ctx.Err() != nil {
			return PCM{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return PCM{}, unavailable(string(p.Kind), "timeout", "synthesis timed out", err)
		}
		if errors.Is(err, ErrSynthesisUnavailable) || errors.Is(err, ErrSynthesisRejected) {
			return PCM{}, err
		}
		return PCM{}, unavailable(string(p.Kind), "backend_error", "synthesis failed", err)
	}

	pcm, err := assemble(string(p.Kind), chunks)
	if err != nil {
		return PCM{}, err
	}
	g.logger.Debug("synthesized speech",
		slog.String("provider", p.String()),
		slog.Int("samples", len(pcm.Samples)),
		slog.Int("sample_rate", pcm.SampleRate),
		slog.Duration("elapsed", time.Since(start)),
	)
	return pcm, nil
}

func assemble(provider string, chunks []SynthChunk) (PCM, error) {
	var out PCM
	for _, chunk := range chunks {
		if len(chunk.PCM) == 0 {
			continue
		}
		if out.SampleRate == 0 {
			out.SampleRate = chunk.SampleRate
		} else if chunk.SampleRate != out.SampleRate {
			return PCM{}, unavailable(provider, "bad_audio", fmt.Sprintf("sample rate changed from %d to %d", out.SampleRate, chunk.SampleRate), nil)
		}
		samples, err := audio.BytesToSamples(chunk.PCM)
		if err != nil {
			return PCM{}, unavailable(provider, "bad_audio", "decode chunk", err)
		}
		out.Samples = append(out.Samples, downmix(samples, chunk.Channels)...)
	}
	if len(out.Samples) == 0 || out.SampleRate <= 0 {
		return PCM{}, unavailable(provider, "empty_audio", "backend returned no audio", nil)
	}
	return out, nil
}

func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range out {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(samples[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
