// Package broadcast runs the compose, synthesize, transcode and stream
// cycle for a single station.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/loqalabs/loqa-atis/internal/composer"
	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/srs"
	"github.com/loqalabs/loqa-atis/internal/station"
	"github.com/loqalabs/loqa-atis/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Synthesizer renders report text. *tts.Gateway implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, p tts.Provider) (tts.PCM, error)
}

// Session is the radio network connection a loop drives. *srs.Client
// implements it.
type Session interface {
	Connect(ctx context.Context) error
	State() srs.State
	Stream(ctx context.Context, frames []audio.Frame) (int, error)
	Close() error
}

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailed  Outcome = "failed"
)

// Cycle describes one pass through the loop.
type Cycle struct {
	StationID   string
	FrequencyHz int64
	Outcome     Outcome
	Stage       string
	Text        string
	Frames      int
	Started     time.Time
	Duration    time.Duration
	NextIn      time.Duration
	Err         error
}

// Observer is told about every finished cycle.
type Observer interface {
	CycleCompleted(ctx context.Context, c Cycle)
}

// Settings hold the timing shared by all loops.
type Settings struct {
	Interval       time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	DefaultVoice   string
	RecordDir      string
}

func SettingsFromConfig(b config.BroadcastConfig, t config.TTSConfig) Settings {
	return Settings{
		Interval:       time.Duration(b.IntervalMS) * time.Millisecond,
		BackoffInitial: time.Duration(b.BackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(b.BackoffMaxMS) * time.Millisecond,
		DefaultVoice:   t.DefaultVoice,
		RecordDir:      b.RecordDir,
	}
}

// Loop drives one station until its context is cancelled.
type Loop struct {
	settings   Settings
	synth      Synthesizer
	transcoder *audio.Transcoder
	session    Session
	observer   Observer
	logger     *slog.Logger
	tracer     trace.Tracer

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	station station.Station
}

func NewLoop(st station.Station, settings Settings, synth Synthesizer, transcoder *audio.Transcoder, session Session, observer Observer, logger *slog.Logger) *Loop {
	return &Loop{
		settings:   settings,
		synth:      synth,
		transcoder: transcoder,
		session:    session,
		observer:   observer,
		logger: logger.With(
			slog.String("component", "broadcast-loop"),
			slog.String("station", st.ID),
			slog.Float64("frequency_mhz", st.FrequencyMHz()),
		),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-atis/broadcast"),
		Sleep:   sleep,
		station: st,
	}
}

// UpdateWeather replaces the observation used by the next cycle.
func (l *Loop) UpdateWeather(wx station.WeatherReport) {
	l.mu.Lock()
	l.station.Weather = wx
	l.mu.Unlock()
}

// Station returns the station as the next cycle will see it.
func (l *Loop) Station() station.Station {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.station
}

// Run broadcasts until ctx is cancelled, then closes the session. It only
// stops at waits: a report that is being transcoded is finished first.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		if err := l.session.Close(); err != nil {
			l.logger.Warn("close session", slogError(err))
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.settings.BackoffInitial
	bo.MaxInterval = l.settings.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	l.logger.Info("broadcast loop started")
	for {
		if ctx.Err() != nil {
			l.logger.Info("broadcast loop stopped")
			return nil
		}
		c := l.cycle(ctx)
		if ctx.Err() != nil {
			if c.Frames > 0 {
				l.report(ctx, c)
			}
			l.logger.Info("broadcast loop stopped")
			return nil
		}

		switch c.Outcome {
		case OutcomeRetry:
			c.NextIn = bo.NextBackOff()
		case OutcomeSent:
			bo.Reset()
			c.NextIn = l.untilNext(c.Started)
		default:
			// A skipped or failed cycle never restarts at once, even on a
			// continuous station.
			if l.Station().Continuous {
				c.NextIn = bo.NextBackOff()
			} else {
				c.NextIn = l.untilNext(c.Started)
			}
		}
		l.report(ctx, c)

		if err := l.Sleep(ctx, c.NextIn); err != nil {
			l.logger.Info("broadcast loop stopped")
			return nil
		}
	}
}

func (l *Loop) untilNext(started time.Time) time.Duration {
	st := l.Station()
	if st.Continuous {
		return 0
	}
	interval := st.Interval
	if interval <= 0 {
		interval = l.settings.Interval
	}
	return max(0, time.Until(started.Add(interval)))
}

func (l *Loop) cycle(ctx context.Context) (c Cycle) {
	st := l.Station()
	c = Cycle{StationID: st.ID, FrequencyHz: st.FrequencyHz, Started: time.Now()}

	ctx, span := l.tracer.Start(ctx, "broadcast.cycle", trace.WithAttributes(
		attribute.String("station.id", st.ID),
		attribute.Int64("station.frequency_hz", st.FrequencyHz),
	))
	defer func() {
		c.Duration = time.Since(c.Started)
		span.SetAttributes(attribute.String("cycle.outcome", string(c.Outcome)), attribute.Int("cycle.frames", c.Frames))
		if c.Err != nil {
			span.RecordError(c.Err)
			span.SetStatus(codes.Error, c.Stage)
		}
		span.End()
	}()

	if !l.session.State().Established() {
		c.Stage = "connect"
		if err := l.session.Connect(ctx); err != nil {
			c.Outcome, c.Err = OutcomeRetry, err
			return c
		}
		if !l.session.State().Established() {
			c.Outcome, c.Err = OutcomeRetry, fmt.Errorf("%w: session is %s", srs.ErrNetworkSession, l.session.State())
			return c
		}
	}

	c.Stage = "compose"
	text, err := composer.Compose(st, st.Weather)
	if err != nil {
		c.Outcome, c.Err = OutcomeSkipped, err
		return c
	}
	c.Text = text

	c.Stage = "synthesize"
	pcm, err := l.synth.Synthesize(ctx, text, l.provider(st))
	if err != nil {
		switch {
		case ctx.Err() != nil:
			c.Outcome, c.Err = OutcomeFailed, ctx.Err()
		case errors.Is(err, tts.ErrSynthesisRejected):
			c.Outcome, c.Err = OutcomeSkipped, err
		default:
			c.Outcome, c.Err = OutcomeRetry, err
		}
		return c
	}

	c.Stage = "transcode"
	frames, err := l.transcoder.Transcode(pcm.Samples, pcm.SampleRate)
	if err != nil {
		c.Outcome, c.Err = OutcomeFailed, err
		return c
	}
	l.record(st, pcm)

	c.Stage = "stream"
	sent, err := l.session.Stream(ctx, frames)
	c.Frames = sent
	if err != nil {
		switch {
		case ctx.Err() != nil:
			c.Outcome, c.Err = OutcomeFailed, ctx.Err()
		case errors.Is(err, srs.ErrNetworkSession):
			c.Outcome, c.Err = OutcomeRetry, err
		default:
			c.Outcome, c.Err = OutcomeFailed, err
		}
		return c
	}

	c.Stage = "drain"
	c.Outcome = OutcomeSent
	return c
}

func (l *Loop) provider(st station.Station) tts.Provider {
	voice := st.Voice
	if voice == "" {
		voice = l.settings.DefaultVoice
	}
	return tts.ParseProvider(voice)
}

// record keeps a copy of the synthesized report when a record directory is
// configured. Failures only cost the recording.
func (l *Loop) record(st station.Station, pcm tts.PCM) {
	if l.settings.RecordDir == "" {
		return
	}
	if err := os.MkdirAll(l.settings.RecordDir, 0o755); err != nil {
		l.logger.Warn("create record dir", slogError(err))
		return
	}
	path := filepath.Join(l.settings.RecordDir, fmt.Sprintf("%s-%d.wav", st.ID, time.Now().Unix()))
	f, err := os.Create(path)
	if err != nil {
		l.logger.Warn("create recording", slogError(err))
		return
	}
	defer f.Close()
	if err := audio.WriteWAV(f, pcm.Samples, pcm.SampleRate); err != nil {
		l.logger.Warn("write recording", slog.String("path", path), slogError(err))
	}
}

func (l *Loop) report(ctx context.Context, c Cycle) {
	attrs := []any{
		slog.String("outcome", string(c.Outcome)),
		slog.String("stage", c.Stage),
		slog.Int("frames", c.Frames),
		slog.Duration("next_in", c.NextIn),
	}
	switch c.Outcome {
	case OutcomeSent:
		l.logger.Info("broadcast sent", attrs...)
	case OutcomeRetry:
		l.logger.Warn("broadcast will retry", append(attrs, slogError(c.Err))...)
	case OutcomeSkipped:
		l.logger.Warn("broadcast skipped", append(attrs, slogError(c.Err))...)
	default:
		l.logger.Error("broadcast failed", append(attrs, slogError(c.Err))...)
	}
	if l.observer != nil {
		l.observer.CycleCompleted(context.WithoutCancel(ctx), c)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
