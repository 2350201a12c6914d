// Package journal records broadcast cycles and session transitions to the
// event store, the bus and the metrics pipeline.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-atis/internal/broadcast"
	"github.com/loqalabs/loqa-atis/internal/eventstore"
	"github.com/loqalabs/loqa-atis/internal/protocol"
	"github.com/loqalabs/loqa-atis/internal/srs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const queueSize = 256

// Metric names recorded by the journal.
const (
	MetricCycles   = "atis.broadcast.cycles"
	MetricFrames   = "atis.broadcast.frames"
	MetricDuration = "atis.broadcast.duration"
)

// Store is the subset of *eventstore.Store the journal writes to.
type Store interface {
	OpenSession(ctx context.Context, s eventstore.Session) error
	CloseSession(ctx context.Context, sessionID, reason string, at time.Time) error
	AppendBroadcast(ctx context.Context, b eventstore.Broadcast) error
}

// Publisher is the subset of *bus.Client the journal publishes with.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Journal implements broadcast.Observer. Session transitions arrive through
// OnTransition while the radio client holds its lock, so all writes are
// queued and applied by Run.
type Journal struct {
	store Store
	pub   Publisher
	log   *slog.Logger

	queue chan func(context.Context)
	done  chan struct{}

	mu       sync.Mutex
	sessions map[string]string
	closed   bool

	cycles   metric.Int64Counter
	frames   metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds a journal. store and pub may be nil.
func New(store Store, pub Publisher, log *slog.Logger) *Journal {
	j := &Journal{
		store:    store,
		pub:      pub,
		log:      log.With(slog.String("component", "journal")),
		queue:    make(chan func(context.Context), queueSize),
		done:     make(chan struct{}),
		sessions: make(map[string]string),
	}
	if err := j.initMetrics(otel.Meter("github.com/loqalabs/loqa-atis/journal")); err != nil {
		j.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return j
}

func (j *Journal) initMetrics(meter metric.Meter) error {
	var err error
	if j.cycles, err = meter.Int64Counter(MetricCycles, metric.WithDescription("Broadcast cycles by outcome")); err != nil {
		return err
	}
	if j.frames, err = meter.Int64Counter(MetricFrames, metric.WithDescription("Voice frames sent")); err != nil {
		return err
	}
	j.duration, err = meter.Float64Histogram(MetricDuration, metric.WithDescription("Broadcast cycle duration"), metric.WithUnit("s"))
	return err
}

// Run applies queued writes until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	defer close(j.done)
	for {
		select {
		case job := <-j.queue:
			job(ctx)
		case <-ctx.Done():
			j.mu.Lock()
			j.closed = true
			j.mu.Unlock()
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case job := <-j.queue:
					job(flush)
				default:
					return nil
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (j *Journal) Done() <-chan struct{} {
	return j.done
}

func (j *Journal) enqueue(job func(context.Context)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- job:
	default:
		j.log.Warn("journal queue full, dropping entry")
	}
}

// CycleCompleted records a finished broadcast cycle.
func (j *Journal) CycleCompleted(ctx context.Context, c broadcast.Cycle) {
	attrs := metric.WithAttributes(
		attribute.String("station", c.StationID),
		attribute.String("outcome", string(c.Outcome)),
	)
	if j.duration != nil {
		j.cycles.Add(ctx, 1, attrs)
		j.frames.Add(ctx, int64(c.Frames), metric.WithAttributes(attribute.String("station", c.StationID)))
		j.duration.Record(ctx, c.Duration.Seconds(), attrs)
	}

	errText := ""
	if c.Err != nil {
		errText = c.Err.Error()
	}
	j.mu.Lock()
	sessionID := j.sessions[c.StationID]
	j.mu.Unlock()

	row := eventstore.Broadcast{
		SessionID: sessionID,
		StationID: c.StationID,
		Outcome:   string(c.Outcome),
		Stage:     c.Stage,
		Frames:    c.Frames,
		Text:      c.Text,
		Error:     errText,
		Duration:  c.Duration,
		CreatedAt: c.Started,
	}
	status := protocol.BroadcastStatus{
		StationID:   c.StationID,
		FrequencyHz: c.FrequencyHz,
		Outcome:     string(c.Outcome),
		Stage:       c.Stage,
		Frames:      c.Frames,
		DurationMS:  c.Duration.Milliseconds(),
		NextInMS:    c.NextIn.Milliseconds(),
		Error:       errText,
		Timestamp:   c.Started.Add(c.Duration),
	}
	j.enqueue(func(ctx context.Context) {
		if j.store != nil {
			if err := j.store.AppendBroadcast(ctx, row); err != nil {
				j.log.Warn("append broadcast", slog.String("station", row.StationID), slog.String("error", err.Error()))
			}
		}
		j.publish(protocol.BroadcastStatusSubject(status.StationID), status)
	})
}

// OnTransition records session lifecycle changes. It is safe to call with
// the radio client's lock held.
func (j *Journal) OnTransition(tr srs.Transition) {
	var job func(context.Context)

	j.mu.Lock()
	switch {
	case tr.To == srs.StateSyncEstablished && tr.From == srs.StateConnecting:
		j.sessions[tr.StationID] = tr.GUID
		sess := eventstore.Session{ID: tr.GUID, StationID: tr.StationID, FrequencyHz: tr.FrequencyHz, OpenedAt: tr.At}
		job = func(ctx context.Context) {
			if j.store == nil {
				return
			}
			if err := j.store.OpenSession(ctx, sess); err != nil {
				j.log.Warn("open session", slog.String("station", sess.StationID), slog.String("error", err.Error()))
			}
		}
	case tr.To == srs.StateDisconnected:
		id := j.sessions[tr.StationID]
		delete(j.sessions, tr.StationID)
		reason := "closed"
		if tr.Err != nil {
			reason = tr.Err.Error()
		}
		if id != "" {
			at := tr.At
			job = func(ctx context.Context) {
				if j.store == nil {
					return
				}
				if err := j.store.CloseSession(ctx, id, reason, at); err != nil {
					j.log.Warn("close session", slog.String("session", id), slog.String("error", err.Error()))
				}
			}
		}
	}
	j.mu.Unlock()

	status := protocol.SessionStatus{
		StationID: tr.StationID,
		From:      tr.From.String(),
		State:     tr.To.String(),
		GUID:      tr.GUID,
		Timestamp: tr.At,
	}
	if tr.Err != nil {
		status.Error = tr.Err.Error()
	}
	j.enqueue(func(ctx context.Context) {
		if job != nil {
			job(ctx)
		}
		j.publish(protocol.SessionStatusSubject(status.StationID), status)
	})
}

func (j *Journal) publish(subject string, v any) {
	if j.pub == nil {
		return
	}
	if err := j.pub.PublishJSON(subject, v); err != nil {
		j.log.Warn("publish status", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
