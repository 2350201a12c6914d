package station

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/loqalabs/loqa-atis/internal/config"
)

// ErrInvalidStationState reports station or weather data that cannot produce a
// report. Callers skip the cycle and try again on the next one.
var ErrInvalidStationState = errors.New("invalid station state")

type Kind string

const (
	KindATIS    Kind = "atis"
	KindMessage Kind = "message"
)

type Units string

const (
	UnitsImperial Units = "imperial"
	UnitsMetric   Units = "metric"
)

// Coalition values match the radio network's side numbering.
type Coalition int

const (
	CoalitionSpectator Coalition = 0
	CoalitionRed       Coalition = 1
	CoalitionBlue      Coalition = 2
)

func ParseCoalition(s string) Coalition {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "red", "1":
		return CoalitionRed
	case "blue", "2":
		return CoalitionBlue
	default:
		return CoalitionSpectator
	}
}

func (c Coalition) String() string {
	switch c {
	case CoalitionRed:
		return "red"
	case CoalitionBlue:
		return "blue"
	default:
		return "spectator"
	}
}

type Position struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AltMeters float64 `json:"alt_m"`
}

type CloudLayer struct {
	Coverage string `json:"coverage"` // FEW, SCT, BKN, OVC
	BaseFeet int    `json:"base_ft"`
}

// WeatherReport is the observation a single report is built from.
type WeatherReport struct {
	WindDirection    float64      `json:"wind_direction"`
	WindSpeedKnots   float64      `json:"wind_speed_kt"`
	QNH              float64      `json:"qnh_hpa"`
	TemperatureC     float64      `json:"temperature_c"`
	DewpointC        *float64     `json:"dewpoint_c,omitempty"`
	VisibilityMeters float64      `json:"visibility_m"`
	Clouds           []CloudLayer `json:"clouds,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}

const hpaPerInHg = 33.8638866667

// AltimeterInHg converts the QNH setting to inches of mercury.
func (w WeatherReport) AltimeterInHg() float64 {
	return w.QNH / hpaPerInHg
}

type Station struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	FrequencyHz int64         `json:"frequency_hz"`
	Coalition   Coalition     `json:"coalition"`
	Position    Position      `json:"position"`
	Active      bool          `json:"active"`
	Voice       string        `json:"voice,omitempty"`
	Units       Units         `json:"units,omitempty"`
	Runways     []string      `json:"runways,omitempty"`
	Message     string        `json:"message,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	Continuous  bool          `json:"continuous,omitempty"`
	Weather     WeatherReport `json:"weather"`
}

// FrequencyMHz returns the frequency in megahertz.
func (s Station) FrequencyMHz() float64 {
	return float64(s.FrequencyHz) / 1e6
}

// Validate checks the fields every report needs.
func (s Station) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidStationState)
	case s.FrequencyHz <= 0:
		return fmt.Errorf("%w: station %s has no frequency", ErrInvalidStationState, s.ID)
	}
	switch s.Kind {
	case KindATIS:
		if s.Name == "" {
			return fmt.Errorf("%w: station %s has no name", ErrInvalidStationState, s.ID)
		}
	case KindMessage:
		if strings.TrimSpace(s.Message) == "" {
			return fmt.Errorf("%w: station %s has no message", ErrInvalidStationState, s.ID)
		}
	default:
		return fmt.Errorf("%w: station %s has unknown kind %q", ErrInvalidStationState, s.ID, s.Kind)
	}
	return nil
}

// NeedsRestart reports whether moving from old to next changes the identity
// the radio session was opened with. Weather never does.
func NeedsRestart(old, next Station) bool {
	if old.ID != next.ID || old.Name != next.Name || old.Kind != next.Kind {
		return true
	}
	if old.FrequencyHz != next.FrequencyHz || old.Coalition != next.Coalition {
		return true
	}
	if !samePosition(old.Position, next.Position) {
		return true
	}
	if old.Voice != next.Voice || old.Units != next.Units || old.Message != next.Message {
		return true
	}
	if old.Interval != next.Interval || old.Continuous != next.Continuous {
		return true
	}
	return !slices.Equal(old.Runways, next.Runways)
}

func samePosition(a, b Position) bool {
	const eps = 1e-7
	return math.Abs(a.Lat-b.Lat) < eps && math.Abs(a.Lon-b.Lon) < eps && math.Abs(a.AltMeters-b.AltMeters) < 0.01
}

// FromConfig converts operator configuration into stations. Weather blocks are
// stamped with now so the static source yields a complete report.
func FromConfig(stations []config.StationConfig, now time.Time) []Station {
	result := make([]Station, 0, len(stations))
	for _, sc := range stations {
		st := Station{
			ID:          sc.ID,
			Name:        sc.Name,
			Kind:        Kind(sc.Kind),
			FrequencyHz: sc.FrequencyHz,
			Coalition:   ParseCoalition(sc.Coalition),
			Position:    Position{Lat: sc.Latitude, Lon: sc.Longitude, AltMeters: sc.AltitudeM},
			Active:      !sc.Disabled,
			Voice:       sc.Voice,
			Units:       Units(sc.Units),
			Runways:     append([]string(nil), sc.Runways...),
			Message:     sc.Message,
			Interval:    time.Duration(sc.IntervalMS) * time.Millisecond,
			Continuous:  sc.Continuous,
		}
		if st.Kind == "" {
			st.Kind = KindATIS
		}
		if st.Units == "" {
			st.Units = UnitsImperial
		}
		if st.Name == "" {
			st.Name = sc.ID
		}
		if sc.Weather != nil {
			st.Weather = weatherFromConfig(*sc.Weather, now)
		}
		result = append(result, st)
	}
	return result
}

func weatherFromConfig(wc config.WeatherConfig, now time.Time) WeatherReport {
	wx := WeatherReport{
		WindDirection:    wc.WindDirection,
		WindSpeedKnots:   wc.WindSpeedKnots,
		QNH:              wc.QNH,
		TemperatureC:     wc.TemperatureC,
		VisibilityMeters: wc.VisibilityMeters,
		Timestamp:        now.UTC(),
	}
	if wc.DewpointC != nil {
		dp := *wc.DewpointC
		wx.DewpointC = &dp
	}
	for _, c := range wc.Clouds {
		wx.Clouds = append(wx.Clouds, CloudLayer{Coverage: strings.ToUpper(c.Coverage), BaseFeet: c.BaseFeet})
	}
	return wx
}
