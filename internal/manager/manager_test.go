package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-atis/internal/srs"
	"github.com/loqalabs/loqa-atis/internal/station"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	station station.Station
	running atomic.Bool
	stopped chan struct{}
	// hold, when set, keeps Run from returning after cancellation until it
	// is closed.
	hold    chan struct{}
	mu      sync.Mutex
	weather []station.WeatherReport
}

func (r *fakeRunner) Run(ctx context.Context) error {
	r.running.Store(true)
	<-ctx.Done()
	r.running.Store(false)
	if r.hold != nil {
		<-r.hold
	}
	close(r.stopped)
	return nil
}

func (r *fakeRunner) UpdateWeather(wx station.WeatherReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weather = append(r.weather, wx)
}

func (r *fakeRunner) Session() srs.Session {
	if r.running.Load() {
		return srs.Session{State: srs.StateSyncEstablished}
	}
	return srs.Session{}
}

type fakeFactory struct {
	mu      sync.Mutex
	hold    chan struct{}
	runners []*fakeRunner
}

func (f *fakeFactory) build(st station.Station) Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRunner{station: st, stopped: make(chan struct{}), hold: f.hold}
	f.runners = append(f.runners, r)
	return r
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runners)
}

func (f *fakeFactory) runner(i int) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[i]
}

func makeStation(id string, freq int64) station.Station {
	return station.Station{ID: id, Name: id, Kind: station.KindATIS, FrequencyHz: freq, Active: true}
}

func TestApplyStartsStopsAndRestarts(t *testing.T) {
	factory := &fakeFactory{}
	m := New(context.Background(), factory.build, testLogger())
	defer m.Close()

	delta := m.Apply([]station.Station{makeStation("batumi", 251000000), makeStation("kutaisi", 264000000)})
	if !slices.Equal(delta.Started, []string{"batumi", "kutaisi"}) {
		t.Fatalf("unexpected start delta %+v", delta)
	}

	wx := station.WeatherReport{WindDirection: 90, QNH: 1013, Timestamp: time.Now()}
	batumi := makeStation("batumi", 251000000)
	batumi.Weather = wx
	moved := makeStation("kutaisi", 265000000)
	delta = m.Apply([]station.Station{batumi, moved, makeStation("senaki", 132000000)})
	if !slices.Equal(delta.Started, []string{"senaki"}) || !slices.Equal(delta.Restarted, []string{"kutaisi"}) || !slices.Equal(delta.Updated, []string{"batumi"}) {
		t.Fatalf("unexpected delta %+v", delta)
	}

	oldKutaisi := factory.runner(1)
	select {
	case <-oldKutaisi.stopped:
	default:
		t.Fatalf("changed station kept its old loop")
	}
	if factory.count() != 4 {
		t.Fatalf("expected 4 runners built, got %d", factory.count())
	}
	first := factory.runner(0)
	first.mu.Lock()
	updates := len(first.weather)
	first.mu.Unlock()
	if updates != 1 {
		t.Fatalf("expected weather forwarded without restart, got %d updates", updates)
	}

	delta = m.Apply([]station.Station{moved})
	if !slices.Equal(delta.Stopped, []string{"batumi", "senaki"}) {
		t.Fatalf("unexpected stop delta %+v", delta)
	}
	if got := len(m.Stations()); got != 1 {
		t.Fatalf("expected 1 running station, got %d", got)
	}
}

func TestStationsDoesNotWaitForStoppingLoops(t *testing.T) {
	factory := &fakeFactory{hold: make(chan struct{})}
	m := New(context.Background(), factory.build, testLogger())

	m.Apply([]station.Station{makeStation("batumi", 251000000)})
	first := factory.runner(0)
	for !first.running.Load() {
		time.Sleep(time.Millisecond)
	}

	applied := make(chan Delta, 1)
	go func() { applied <- m.Apply([]station.Station{makeStation("batumi", 252000000)}) }()
	for first.running.Load() {
		time.Sleep(time.Millisecond)
	}

	listed := make(chan []Status, 1)
	go func() { listed <- m.Stations() }()
	select {
	case got := <-listed:
		if len(got) != 0 {
			t.Fatalf("expected the stopping station to be unlisted, got %d", len(got))
		}
	case <-time.After(time.Second):
		t.Fatalf("Stations blocked while a loop was stopping")
	}
	if loops, _ := m.snapshotCounts(); loops != 0 {
		t.Fatalf("expected no running loops during restart, got %d", loops)
	}
	if factory.count() != 1 {
		t.Fatalf("replacement started before its predecessor stopped")
	}

	close(factory.hold)
	select {
	case delta := <-applied:
		if !slices.Equal(delta.Restarted, []string{"batumi"}) {
			t.Fatalf("unexpected delta %+v", delta)
		}
	case <-time.After(time.Second):
		t.Fatalf("apply did not finish")
	}
	if factory.count() != 2 || len(m.Stations()) != 1 {
		t.Fatalf("expected the replacement running, got %d runners", factory.count())
	}
	m.Close()
}

func TestApplyTreatsInactiveAndInvalidAsAbsent(t *testing.T) {
	factory := &fakeFactory{}
	m := New(context.Background(), factory.build, testLogger())
	defer m.Close()

	off := makeStation("batumi", 251000000)
	off.Active = false
	broken := makeStation("kobuleti", 0)
	delta := m.Apply([]station.Station{off, broken})
	if len(delta.Started) != 0 || factory.count() != 0 {
		t.Fatalf("inactive or invalid stations started: %+v", delta)
	}

	m.Apply([]station.Station{makeStation("batumi", 251000000)})
	delta = m.Apply([]station.Station{off})
	if !slices.Equal(delta.Stopped, []string{"batumi"}) {
		t.Fatalf("deactivated station not stopped: %+v", delta)
	}
}

func TestStationsReportsSessions(t *testing.T) {
	factory := &fakeFactory{}
	m := New(context.Background(), factory.build, testLogger())
	defer m.Close()

	m.Apply([]station.Station{makeStation("kutaisi", 264000000), makeStation("batumi", 251000000)})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !(factory.runner(0).running.Load() && factory.runner(1).running.Load()) {
		time.Sleep(2 * time.Millisecond)
	}
	statuses := m.Stations()
	if len(statuses) != 2 || statuses[0].Station.ID != "batumi" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if statuses[0].Session.State != srs.StateSyncEstablished.String() {
		t.Fatalf("unexpected session state %q", statuses[0].Session.State)
	}
	loops, sessions := m.snapshotCounts()
	if loops != 2 || sessions != 2 {
		t.Fatalf("unexpected counts %d %d", loops, sessions)
	}
}

type scriptedSource struct {
	mu    sync.Mutex
	calls int
	steps [][]station.Station
}

func (s *scriptedSource) Snapshot(context.Context) ([]station.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i == 1 {
		return nil, errors.New("bridge unavailable")
	}
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i], nil
}

func TestRunPollsAndIgnoresFailures(t *testing.T) {
	factory := &fakeFactory{}
	m := New(context.Background(), factory.build, testLogger())
	defer m.Close()

	source := &scriptedSource{steps: [][]station.Station{
		{makeStation("batumi", 251000000)},
		nil,
		{makeStation("batumi", 251000000)},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, source, 10*time.Millisecond) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		source.mu.Lock()
		calls := source.calls
		source.mu.Unlock()
		if calls >= 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if factory.count() != 1 {
		t.Fatalf("failed snapshot restarted stations: %d runners", factory.count())
	}
	if len(m.Stations()) != 1 {
		t.Fatalf("failed snapshot removed stations")
	}
}

func TestCloseStopsAllLoops(t *testing.T) {
	factory := &fakeFactory{}
	m := New(context.Background(), factory.build, testLogger())
	m.Apply([]station.Station{makeStation("batumi", 251000000), makeStation("kutaisi", 264000000)})
	m.Close()
	for i := 0; i < factory.count(); i++ {
		select {
		case <-factory.runner(i).stopped:
		default:
			t.Fatalf("runner %d still running after close", i)
		}
	}
	if len(m.Stations()) != 0 {
		t.Fatalf("expected no stations after close")
	}
}
