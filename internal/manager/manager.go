// Package manager keeps one broadcast loop running per active station.
package manager

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-atis/internal/datasource"
	"github.com/loqalabs/loqa-atis/internal/srs"
	"github.com/loqalabs/loqa-atis/internal/station"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Runner is a station's broadcast loop together with its session.
type Runner interface {
	Run(ctx context.Context) error
	UpdateWeather(wx station.WeatherReport)
	Session() srs.Session
}

// Factory builds the runner for a station.
type Factory func(st station.Station) Runner

// Delta lists the station ids an Apply call acted on.
type Delta struct {
	Started   []string
	Stopped   []string
	Restarted []string
	Updated   []string
}

// Status describes one running station.
type Status struct {
	Station station.Station `json:"station"`
	Started time.Time       `json:"started"`
	Session SessionStatus   `json:"session"`
}

type SessionStatus struct {
	State             string    `json:"state"`
	GUID              string    `json:"guid,omitempty"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	NextPacketID      uint64    `json:"next_packet_id"`
}

type handle struct {
	station station.Station
	runner  Runner
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Manager owns the station id to loop mapping. Loops share nothing; the
// manager is the only coordination point.
type Manager struct {
	ctx     context.Context
	factory Factory
	log     *slog.Logger
	meter   metric.Meter

	// applyMu serializes Apply and Close; mu only guards loops and is never
	// held while a loop is waited on.
	applyMu sync.Mutex
	mu      sync.RWMutex
	loops   map[string]*handle
}

func New(ctx context.Context, factory Factory, log *slog.Logger) *Manager {
	m := &Manager{
		ctx:     ctx,
		factory: factory,
		log:     log.With(slog.String("component", "station-manager")),
		meter:   otel.Meter("github.com/loqalabs/loqa-atis/manager"),
		loops:   make(map[string]*handle),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

// Apply moves the running set to stations. Inactive and invalid stations
// count as absent. Stations whose identity changed are stopped, and their
// session fully closed, before the replacement starts.
func (m *Manager) Apply(stations []station.Station) Delta {
	desired := make(map[string]station.Station, len(stations))
	for _, st := range stations {
		if !st.Active {
			continue
		}
		if err := st.Validate(); err != nil {
			m.log.Warn("ignoring station", slog.String("station", st.ID), slog.String("error", err.Error()))
			continue
		}
		desired[st.ID] = st
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	var (
		delta    Delta
		stopping []*handle
		starting []station.Station
	)
	m.mu.Lock()
	for id, h := range m.loops {
		next, ok := desired[id]
		switch {
		case !ok:
			stopping = append(stopping, h)
			delete(m.loops, id)
			delta.Stopped = append(delta.Stopped, id)
		case station.NeedsRestart(h.station, next):
			stopping = append(stopping, h)
			delete(m.loops, id)
			starting = append(starting, next)
			delta.Restarted = append(delta.Restarted, id)
		default:
			h.station.Weather = next.Weather
			h.runner.UpdateWeather(next.Weather)
			delta.Updated = append(delta.Updated, id)
		}
	}
	for id, st := range desired {
		if _, ok := m.loops[id]; ok || slices.Contains(delta.Restarted, id) {
			continue
		}
		starting = append(starting, st)
		delta.Started = append(delta.Started, id)
	}
	m.mu.Unlock()

	// Replacements start only once their predecessors have closed their
	// sessions.
	m.stopAll(stopping)
	for _, st := range starting {
		h := m.start(st)
		m.mu.Lock()
		m.loops[st.ID] = h
		m.mu.Unlock()
	}

	sort.Strings(delta.Started)
	sort.Strings(delta.Stopped)
	sort.Strings(delta.Restarted)
	sort.Strings(delta.Updated)
	if len(delta.Started)+len(delta.Stopped)+len(delta.Restarted) > 0 {
		m.log.Info("stations changed",
			slog.Any("started", delta.Started),
			slog.Any("stopped", delta.Stopped),
			slog.Any("restarted", delta.Restarted))
	}
	return delta
}

func (m *Manager) start(st station.Station) *handle {
	ctx, cancel := context.WithCancel(m.ctx)
	h := &handle{
		station: st,
		runner:  m.factory(st),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	go func() {
		defer close(h.done)
		if err := h.runner.Run(ctx); err != nil {
			m.log.Error("broadcast loop exited", slog.String("station", st.ID), slog.String("error", err.Error()))
		}
	}()
	return h
}

func (m *Manager) stopAll(handles []*handle) {
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// Run applies a snapshot from source immediately and then every interval
// until ctx is done. Failed snapshots leave the running set alone.
func (m *Manager) Run(ctx context.Context, source datasource.Source, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.poll(ctx, source)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) poll(ctx context.Context, source datasource.Source) {
	stations, err := source.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("station snapshot failed", slog.String("error", err.Error()))
		}
		return
	}
	m.Apply(stations)
}

// Stations returns the running stations ordered by id.
func (m *Manager) Stations() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Status, 0, len(m.loops))
	for _, h := range m.loops {
		sess := h.runner.Session()
		result = append(result, Status{
			Station: h.station,
			Started: h.started,
			Session: SessionStatus{
				State:             sess.State.String(),
				GUID:              sess.GUID,
				LastHeartbeat:     sess.LastHeartbeat,
				ReconnectAttempts: sess.ReconnectAttempts,
				NextPacketID:      sess.NextPacketID,
			},
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Station.ID < result[j].Station.ID })
	return result
}

// Close stops every loop and waits for their sessions to close.
func (m *Manager) Close() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	handles := make([]*handle, 0, len(m.loops))
	for _, h := range m.loops {
		handles = append(handles, h)
	}
	m.loops = make(map[string]*handle)
	m.mu.Unlock()

	m.stopAll(handles)
}

func (m *Manager) initMetrics() error {
	if m.meter == nil {
		return nil
	}
	running, err := m.meter.Int64ObservableGauge("atis.stations.running", metric.WithDescription("Stations with a running broadcast loop"))
	if err != nil {
		return err
	}
	established, err := m.meter.Int64ObservableGauge("atis.sessions.established", metric.WithDescription("Stations with an established radio session"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		loops, sessions := m.snapshotCounts()
		obs.ObserveInt64(running, loops)
		obs.ObserveInt64(established, sessions)
		return nil
	}, running, established)
	return err
}

func (m *Manager) snapshotCounts() (int64, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var loops, sessions int64
	for _, h := range m.loops {
		loops++
		if h.runner.Session().State.Established() {
			sessions++
		}
	}
	return loops, sessions
}
