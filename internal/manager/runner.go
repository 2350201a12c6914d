package manager

import (
	"log/slog"

	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/loqalabs/loqa-atis/internal/broadcast"
	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/srs"
	"github.com/loqalabs/loqa-atis/internal/station"
)

// Deps are the shared, stateless pieces every station loop is built from.
type Deps struct {
	SRS          config.SRSConfig
	Transport    srs.Transport
	Synth        broadcast.Synthesizer
	Transcoder   *audio.Transcoder
	Settings     broadcast.Settings
	Observer     broadcast.Observer
	OnTransition func(srs.Transition)
	Logger       *slog.Logger
}

// LoopFactory builds a fresh radio client and broadcast loop per station.
func LoopFactory(deps Deps) Factory {
	return func(st station.Station) Runner {
		opts := srs.OptionsFromConfig(deps.SRS, st)
		opts.OnTransition = deps.OnTransition
		client := srs.NewClient(opts, deps.Transport, deps.Logger)
		loop := broadcast.NewLoop(st, deps.Settings, deps.Synth, deps.Transcoder, client, deps.Observer, deps.Logger)
		return &stationRunner{Loop: loop, client: client}
	}
}

type stationRunner struct {
	*broadcast.Loop
	client *srs.Client
}

func (r *stationRunner) Session() srs.Session {
	return r.client.Snapshot()
}
