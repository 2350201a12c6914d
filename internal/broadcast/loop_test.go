package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/loqalabs/loqa-atis/internal/srs"
	"github.com/loqalabs/loqa-atis/internal/station"
	"github.com/loqalabs/loqa-atis/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStation() station.Station {
	return station.Station{
		ID:          "batumi",
		Name:        "Batumi",
		Kind:        station.KindATIS,
		FrequencyHz: 251000000,
		Coalition:   station.CoalitionBlue,
		Active:      true,
		Voice:       "WIN",
		Units:       station.UnitsImperial,
		Weather: station.WeatherReport{
			WindDirection:  270,
			WindSpeedKnots: 8,
			QNH:            1013.2,
			TemperatureC:   20,
			Timestamp:      time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
		},
	}
}

type fakeSession struct {
	mu         sync.Mutex
	state      srs.State
	connects   int
	closes     int
	streams    [][]audio.Frame
	texts      []string
	connectErr []error
	streamErr  []error
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErr) > 0 {
		err := s.connectErr[0]
		s.connectErr = s.connectErr[1:]
		if err != nil {
			return err
		}
	}
	s.state = srs.StateSyncEstablished
	return nil
}

func (s *fakeSession) State() srs.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Stream(_ context.Context, frames []audio.Frame) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streamErr) > 0 {
		err := s.streamErr[0]
		s.streamErr = s.streamErr[1:]
		if err != nil {
			s.state = srs.StateDisconnected
			return 0, err
		}
	}
	s.streams = append(s.streams, frames)
	s.state = srs.StateDraining
	return len(frames), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.state = srs.StateDisconnected
	return nil
}

type fakeSynth struct {
	mu    sync.Mutex
	errs  []error
	calls int
	texts []string
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, _ tts.Provider) (tts.PCM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, text)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return tts.PCM{}, err
		}
	}
	return tts.PCM{Samples: make([]int16, 1000), SampleRate: 24000}, nil
}

// recorder collects cycles and cancels the run once stop reports true.
type recorder struct {
	mu     sync.Mutex
	cycles []Cycle
	stop   func([]Cycle) bool
	cancel context.CancelFunc
}

func (r *recorder) CycleCompleted(_ context.Context, c Cycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, c)
	if r.stop != nil && r.stop(r.cycles) {
		r.cancel()
	}
}

func (r *recorder) snapshot() []Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Cycle(nil), r.cycles...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testSettings() Settings {
	return Settings{
		Interval:       time.Hour,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     25 * time.Millisecond,
		DefaultVoice:   "WIN",
	}
}

func runLoop(t *testing.T, st station.Station, settings Settings, synth Synthesizer, session Session, stop func([]Cycle) bool) (*recorder, *sleepRecorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{stop: stop, cancel: cancel}
	sleeps := &sleepRecorder{}
	loop := NewLoop(st, settings, synth, audio.NewTranscoder(audio.PCM16Codec{}), session, rec, testLogger())
	loop.Sleep = sleeps.sleep

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop")
	}
	return rec, sleeps
}

func stopAfterSent(cycles []Cycle) bool {
	return cycles[len(cycles)-1].Outcome == OutcomeSent
}

func TestLoopBacksOffOnUnavailableSynthesis(t *testing.T) {
	down := fmt.Errorf("backend down: %w", tts.ErrSynthesisUnavailable)
	synth := &fakeSynth{errs: []error{down, down, down}}
	session := &fakeSession{}

	rec, sleeps := runLoop(t, testStation(), testSettings(), synth, session, stopAfterSent)

	cycles := rec.snapshot()
	if len(cycles) != 4 {
		t.Fatalf("expected 4 cycles, got %d", len(cycles))
	}
	for i := 0; i < 3; i++ {
		if cycles[i].Outcome != OutcomeRetry || !errors.Is(cycles[i].Err, tts.ErrSynthesisUnavailable) {
			t.Fatalf("cycle %d: unexpected %+v", i, cycles[i])
		}
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, d := range want {
		if sleeps.delays[i] != d {
			t.Fatalf("backoff %d = %s, want %s (all %v)", i, sleeps.delays[i], d, sleeps.delays)
		}
	}
	if session.connects != 1 {
		t.Fatalf("expected the session to be kept, got %d connects", session.connects)
	}
	if len(session.streams) != 1 || len(session.streams[0]) != 3 {
		t.Fatalf("expected one streamed report of 3 frames, got %d streams", len(session.streams))
	}
	if session.closes != 1 {
		t.Fatalf("expected session closed on stop, got %d", session.closes)
	}
}

func TestLoopBackoffCapsAtMaximum(t *testing.T) {
	down := fmt.Errorf("backend down: %w", tts.ErrSynthesisUnavailable)
	synth := &fakeSynth{errs: []error{down, down, down, down, down, down}}
	_, sleeps := runLoop(t, testStation(), testSettings(), synth, &fakeSession{}, stopAfterSent)

	for i := 1; i < 6; i++ {
		prev, cur := sleeps.delays[i-1], sleeps.delays[i]
		if cur > 25*time.Millisecond {
			t.Fatalf("delay %s exceeds cap", cur)
		}
		if cur < prev {
			t.Fatalf("delays decreased: %v", sleeps.delays[:6])
		}
		if prev < 25*time.Millisecond && cur <= prev {
			t.Fatalf("delays not strictly increasing below the cap: %v", sleeps.delays[:6])
		}
	}
}

func TestLoopResetsBackoffAfterSuccess(t *testing.T) {
	down := fmt.Errorf("backend down: %w", tts.ErrSynthesisUnavailable)
	synth := &fakeSynth{errs: []error{down, down, nil, down}}
	stop := func(cycles []Cycle) bool { return len(cycles) == 4 }
	_, sleeps := runLoop(t, testStation(), testSettings(), synth, &fakeSession{}, stop)

	if sleeps.delays[0] != 10*time.Millisecond || sleeps.delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff %v", sleeps.delays)
	}
	if sleeps.delays[2] < 59*time.Minute {
		t.Fatalf("expected interval wait after success, got %s", sleeps.delays[2])
	}
	if sleeps.delays[3] != 10*time.Millisecond {
		t.Fatalf("expected backoff reset after success, got %s", sleeps.delays[3])
	}
}

func TestLoopSkipsRejectedSynthesis(t *testing.T) {
	synth := &fakeSynth{errs: []error{fmt.Errorf("bad voice: %w", tts.ErrSynthesisRejected)}}
	stop := func(cycles []Cycle) bool { return len(cycles) == 1 }
	rec, sleeps := runLoop(t, testStation(), testSettings(), synth, &fakeSession{}, stop)

	if got := rec.snapshot()[0].Outcome; got != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", got)
	}
	if sleeps.delays[0] < 59*time.Minute {
		t.Fatalf("expected wait for the next scheduled broadcast, got %s", sleeps.delays[0])
	}
}

func TestLoopSkipsInvalidStation(t *testing.T) {
	st := testStation()
	st.Weather = station.WeatherReport{}
	synth := &fakeSynth{}
	stop := func(cycles []Cycle) bool { return len(cycles) == 1 }
	rec, _ := runLoop(t, st, testSettings(), synth, &fakeSession{}, stop)

	c := rec.snapshot()[0]
	if c.Outcome != OutcomeSkipped || !errors.Is(c.Err, station.ErrInvalidStationState) {
		t.Fatalf("unexpected cycle %+v", c)
	}
	if synth.calls != 0 {
		t.Fatalf("synthesizer called for an invalid station")
	}
}

func TestLoopRetriesFailedConnect(t *testing.T) {
	refused := &srs.SessionError{Station: "batumi", Op: "connect", Cause: errors.New("connection refused")}
	session := &fakeSession{connectErr: []error{refused, refused}}
	rec, sleeps := runLoop(t, testStation(), testSettings(), &fakeSynth{}, session, stopAfterSent)

	cycles := rec.snapshot()
	if len(cycles) != 3 || cycles[0].Stage != "connect" || cycles[0].Outcome != OutcomeRetry {
		t.Fatalf("unexpected cycles %+v", cycles)
	}
	if sleeps.delays[0] != 10*time.Millisecond || sleeps.delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff %v", sleeps.delays)
	}
	if session.connects != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", session.connects)
	}
}

func TestLoopReconnectsAfterDroppedSession(t *testing.T) {
	dropped := &srs.SessionError{Station: "batumi", Op: "stream", Cause: errors.New("heartbeat timeout")}
	session := &fakeSession{streamErr: []error{dropped}}
	rec, sleeps := runLoop(t, testStation(), testSettings(), &fakeSynth{}, session, stopAfterSent)

	cycles := rec.snapshot()
	if cycles[0].Outcome != OutcomeRetry || !errors.Is(cycles[0].Err, srs.ErrNetworkSession) {
		t.Fatalf("unexpected first cycle %+v", cycles[0])
	}
	if sleeps.delays[0] != 10*time.Millisecond {
		t.Fatalf("expected backoff after dropped session, got %s", sleeps.delays[0])
	}
	if session.connects != 2 {
		t.Fatalf("expected reconnect, got %d connects", session.connects)
	}
}

func TestLoopContinuousStation(t *testing.T) {
	st := testStation()
	st.Continuous = true
	stop := func(cycles []Cycle) bool { return len(cycles) == 2 }
	_, sleeps := runLoop(t, st, testSettings(), &fakeSynth{}, &fakeSession{}, stop)
	if sleeps.delays[0] != 0 {
		t.Fatalf("continuous station should not wait, got %s", sleeps.delays[0])
	}
}

func TestLoopContinuousStationWaitsAfterRejectedSynthesis(t *testing.T) {
	st := testStation()
	st.Continuous = true
	rejected := fmt.Errorf("bad voice: %w", tts.ErrSynthesisRejected)
	synth := &fakeSynth{errs: []error{rejected, rejected, rejected, rejected, rejected}}
	stop := func(cycles []Cycle) bool { return len(cycles) == 5 }
	rec, sleeps := runLoop(t, st, testSettings(), synth, &fakeSession{}, stop)

	for _, c := range rec.snapshot() {
		if c.Outcome != OutcomeSkipped {
			t.Fatalf("unexpected cycle %+v", c)
		}
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	for i, d := range want {
		if sleeps.delays[i] != d {
			t.Fatalf("delay %d = %s, want %s (all %v)", i, sleeps.delays[i], d, sleeps.delays)
		}
	}
}

func TestLoopContinuousStationWaitsWithoutWeather(t *testing.T) {
	st := testStation()
	st.Continuous = true
	st.Weather = station.WeatherReport{}
	synth := &fakeSynth{}
	stop := func(cycles []Cycle) bool { return len(cycles) == 3 }
	rec, sleeps := runLoop(t, st, testSettings(), synth, &fakeSession{}, stop)

	if got := len(rec.snapshot()); got != 3 {
		t.Fatalf("expected 3 cycles, got %d", got)
	}
	for i, d := range sleeps.delays {
		if d <= 0 {
			t.Fatalf("skipped cycle %d scheduled without a wait: %v", i, sleeps.delays)
		}
	}
	if synth.calls != 0 {
		t.Fatalf("synthesizer called for an invalid station")
	}
}

func TestLoopContinuousStationResetsAfterSkip(t *testing.T) {
	st := testStation()
	st.Continuous = true
	synth := &fakeSynth{errs: []error{fmt.Errorf("bad voice: %w", tts.ErrSynthesisRejected), nil}}
	stop := func(cycles []Cycle) bool { return len(cycles) == 2 }
	_, sleeps := runLoop(t, st, testSettings(), synth, &fakeSession{}, stop)

	if sleeps.delays[0] != 10*time.Millisecond || sleeps.delays[1] != 0 {
		t.Fatalf("expected backoff then immediate restart, got %v", sleeps.delays)
	}
}

func TestLoopStationInterval(t *testing.T) {
	st := testStation()
	st.Interval = 2 * time.Minute
	stop := func(cycles []Cycle) bool { return len(cycles) == 1 }
	_, sleeps := runLoop(t, st, testSettings(), &fakeSynth{}, &fakeSession{}, stop)
	if d := sleeps.delays[0]; d > 2*time.Minute || d < time.Minute {
		t.Fatalf("expected station interval, got %s", d)
	}
}

func TestLoopUsesUpdatedWeather(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synth := &fakeSynth{}
	session := &fakeSession{}
	loop := NewLoop(testStation(), testSettings(), synth, audio.NewTranscoder(audio.PCM16Codec{}), session, nil, testLogger())

	cycles := 0
	loop.Sleep = func(ctx context.Context, _ time.Duration) error {
		cycles++
		if cycles == 1 {
			wx := loop.Station().Weather
			wx.WindDirection = 90
			loop.UpdateWeather(wx)
			return nil
		}
		cancel()
		return ctx.Err()
	}
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(synth.texts) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(synth.texts))
	}
	if !strings.Contains(synth.texts[0], "two seven zero at") || !strings.Contains(synth.texts[1], "zero niner zero at") {
		t.Fatalf("weather update not applied:\n%s\n%s", synth.texts[0], synth.texts[1])
	}
	if session.connects != 1 {
		t.Fatalf("weather update restarted the session")
	}
}

func TestLoopRecordsReports(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings()
	settings.RecordDir = dir
	stop := func(cycles []Cycle) bool { return len(cycles) == 1 }
	runLoop(t, testStation(), settings, &fakeSynth{}, &fakeSession{}, stop)

	matches, err := filepath.Glob(filepath.Join(dir, "batumi-*.wav"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one recording, got %v (%v)", matches, err)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()
	samples, rate, err := audio.DecodeWAV(f)
	if err != nil {
		t.Fatalf("decode recording: %v", err)
	}
	if rate != 24000 || len(samples) != 1000 {
		t.Fatalf("unexpected recording %d samples at %d Hz", len(samples), rate)
	}
}

func TestLoopStopsAtSuspensionPoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{}
	loop := NewLoop(testStation(), testSettings(), &fakeSynth{}, audio.NewTranscoder(audio.PCM16Codec{}), session, nil, testLogger())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("loop ignored cancellation while waiting")
	}
	if session.closes != 1 || session.State() != srs.StateDisconnected {
		t.Fatalf("expected session torn down on cancellation")
	}
	if len(session.streams) != 1 {
		t.Fatalf("expected exactly one report before the interval wait, got %d", len(session.streams))
	}
}
