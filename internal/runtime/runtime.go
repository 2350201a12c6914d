// Package runtime assembles the broadcaster from configuration and runs it
// until its context is cancelled.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/loqalabs/loqa-atis/internal/broadcast"
	"github.com/loqalabs/loqa-atis/internal/bus"
	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/datasource"
	"github.com/loqalabs/loqa-atis/internal/eventstore"
	"github.com/loqalabs/loqa-atis/internal/journal"
	"github.com/loqalabs/loqa-atis/internal/manager"
	"github.com/loqalabs/loqa-atis/internal/natsserver"
	"github.com/loqalabs/loqa-atis/internal/srs"
	"github.com/loqalabs/loqa-atis/internal/tts"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metrics     *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	journal  *journal.Journal
	manager  *manager.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves HTTP and broadcasts until ctx is
// done. Stations are stopped before the journal and the bus go away.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.cleanup()

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.events.Ensure(); err != nil {
		return err
	}

	var pub journal.Publisher
	if r.bus != nil {
		pub = r.bus
	}
	r.journal = journal.New(r.events, pub, r.logger)

	gateway, err := tts.NewGateway(ctx, r.cfg.TTS, r.logger)
	if err != nil {
		return fmt.Errorf("create synthesis gateway: %w", err)
	}
	codec, err := audio.NewCodec(r.cfg.Broadcast.Codec, r.cfg.Broadcast.Bitrate)
	if err != nil {
		return fmt.Errorf("create codec: %w", err)
	}

	source, err := r.dataSource()
	if err != nil {
		return err
	}

	journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	defer stopJournal()
	go r.journal.Run(journalCtx)

	g, gctx := errgroup.WithContext(ctx)

	r.manager = manager.New(gctx, manager.LoopFactory(manager.Deps{
		SRS: r.cfg.SRS,
		Transport: srs.NetTransport{
			Address:     r.cfg.SRS.Address,
			DialTimeout: time.Duration(r.cfg.SRS.HandshakeTimeout) * time.Millisecond,
		},
		Synth:        gateway,
		Transcoder:   audio.NewTranscoder(codec),
		Settings:     broadcast.SettingsFromConfig(r.cfg.Broadcast, r.cfg.TTS),
		Observer:     r.journal,
		OnTransition: r.journal.OnTransition,
		Logger:       r.logger,
	}), r.logger)

	mux := newMux(r.manager, r.events, r.ready.Load, metricsHandler)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error { return serve(r.httpServer) })

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metrics = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serve(r.metrics) })
	}

	pollInterval := time.Duration(r.cfg.DataSource.PollIntervalMS) * time.Millisecond
	g.Go(func() error { return r.manager.Run(gctx, source, pollInterval) })
	g.Go(func() error { return r.prune(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if r.metrics != nil {
			if err := r.metrics.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("srs", r.cfg.SRS.Address),
		slog.String("data_source", r.cfg.DataSource.Mode))

	err = g.Wait()
	r.manager.Close()
	stopJournal()
	<-r.journal.Done()
	return err
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server on %s: %w", srv.Addr, err)
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	return nil
}

func (r *Runtime) dataSource() (datasource.Source, error) {
	switch r.cfg.DataSource.Mode {
	case "", "static":
		return datasource.NewStatic(r.cfg.Stations), nil
	case "bus":
		if r.bus == nil {
			return nil, errors.New("data_source.mode bus requires bus.enabled")
		}
		return datasource.NewBus(r.bus, r.cfg.DataSource, r.cfg.RuntimeName), nil
	default:
		return nil, fmt.Errorf("unknown data source mode %q", r.cfg.DataSource.Mode)
	}
}

func (r *Runtime) prune(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) cleanup() {
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
