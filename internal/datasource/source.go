// Package datasource provides the station snapshots the manager polls.
package datasource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-atis/internal/bus"
	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/protocol"
	"github.com/loqalabs/loqa-atis/internal/station"
)

// Source returns the stations that should currently be on air. Errors mean
// "no change" to the caller.
type Source interface {
	Snapshot(ctx context.Context) ([]station.Station, error)
}

// Static serves the stations from configuration. Weather is re-stamped on
// every snapshot.
type Static struct {
	stations []config.StationConfig
	now      func() time.Time
}

func NewStatic(stations []config.StationConfig) *Static {
	return &Static{stations: stations, now: time.Now}
}

func (s *Static) Snapshot(context.Context) ([]station.Station, error) {
	return station.FromConfig(s.stations, s.now()), nil
}

// Bus asks a simulation bridge for the station set over NATS request/reply.
type Bus struct {
	client    *bus.Client
	subject   string
	timeout   time.Duration
	requester string
}

func NewBus(client *bus.Client, cfg config.DataSourceConfig, requester string) *Bus {
	subject := cfg.Subject
	if subject == "" {
		subject = protocol.SubjectSnapshotRequest
	}
	return &Bus{
		client:    client,
		subject:   subject,
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		requester: requester,
	}
}

func (b *Bus) Snapshot(ctx context.Context) ([]station.Station, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	var snap protocol.StationSnapshot
	req := protocol.SnapshotRequest{Requester: b.requester, Timestamp: time.Now().UTC()}
	if err := b.client.RequestJSON(ctx, b.subject, req, &snap); err != nil {
		return nil, fmt.Errorf("station snapshot: %w", err)
	}
	stations := make([]station.Station, 0, len(snap.Stations))
	for _, rec := range snap.Stations {
		stations = append(stations, FromRecord(rec, snap.GeneratedAt))
	}
	return stations, nil
}

// FromRecord converts a bus record. Weather without its own timestamp takes
// the snapshot's.
func FromRecord(rec protocol.StationRecord, generatedAt time.Time) station.Station {
	st := station.Station{
		ID:          rec.ID,
		Name:        rec.Name,
		Kind:        station.Kind(rec.Kind),
		FrequencyHz: rec.FrequencyHz,
		Coalition:   station.ParseCoalition(rec.Coalition),
		Position:    station.Position{Lat: rec.Lat, Lon: rec.Lon, AltMeters: rec.AltMeters},
		Active:      rec.Active == nil || *rec.Active,
		Voice:       rec.Voice,
		Units:       station.Units(rec.Units),
		Runways:     append([]string(nil), rec.Runways...),
		Message:     rec.Message,
		Interval:    time.Duration(rec.IntervalMS) * time.Millisecond,
		Continuous:  rec.Continuous,
	}
	if st.Kind == "" {
		st.Kind = station.KindATIS
	}
	if st.Units == "" {
		st.Units = station.UnitsImperial
	}
	if st.Name == "" {
		st.Name = rec.ID
	}
	if w := rec.Weather; w != nil {
		st.Weather = station.WeatherReport{
			WindDirection:    w.WindDirection,
			WindSpeedKnots:   w.WindSpeedKnots,
			QNH:              w.QNH,
			TemperatureC:     w.TemperatureC,
			DewpointC:        w.DewpointC,
			VisibilityMeters: w.VisibilityMeters,
			Timestamp:        w.Timestamp,
		}
		if st.Weather.Timestamp.IsZero() {
			st.Weather.Timestamp = generatedAt
		}
		for _, c := range w.Clouds {
			st.Weather.Clouds = append(st.Weather.Clouds, station.CloudLayer{Coverage: strings.ToUpper(c.Coverage), BaseFeet: c.BaseFeet})
		}
	}
	return st
}
