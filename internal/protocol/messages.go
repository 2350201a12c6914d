package protocol

import (
	"fmt"
	"time"
)

// SnapshotRequest asks the simulation bridge for the current station set.
type SnapshotRequest struct {
	Requester string    `json:"requester"`
	Timestamp time.Time `json:"timestamp"`
}

// StationSnapshot is the bridge's reply: every station that should be on air.
type StationSnapshot struct {
	Stations    []StationRecord `json:"stations"`
	GeneratedAt time.Time       `json:"generated_at"`
}

type StationRecord struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Kind        string         `json:"kind,omitempty"`
	FrequencyHz int64          `json:"frequency_hz"`
	Coalition   string         `json:"coalition,omitempty"`
	Lat         float64        `json:"lat"`
	Lon         float64        `json:"lon"`
	AltMeters   float64        `json:"alt_m"`
	Active      *bool          `json:"active,omitempty"`
	Voice       string         `json:"voice,omitempty"`
	Units       string         `json:"units,omitempty"`
	Runways     []string       `json:"runways,omitempty"`
	Message     string         `json:"message,omitempty"`
	IntervalMS  int            `json:"interval_ms,omitempty"`
	Continuous  bool           `json:"continuous,omitempty"`
	Weather     *WeatherRecord `json:"weather,omitempty"`
}

type WeatherRecord struct {
	WindDirection    float64       `json:"wind_direction"`
	WindSpeedKnots   float64       `json:"wind_speed_kt"`
	QNH              float64       `json:"qnh_hpa"`
	TemperatureC     float64       `json:"temperature_c"`
	DewpointC        *float64      `json:"dewpoint_c,omitempty"`
	VisibilityMeters float64       `json:"visibility_m,omitempty"`
	Clouds           []CloudRecord `json:"clouds,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

type CloudRecord struct {
	Coverage string `json:"coverage"`
	BaseFeet int    `json:"base_ft"`
}

// BroadcastStatus is published after every broadcast cycle.
type BroadcastStatus struct {
	StationID   string    `json:"station_id"`
	FrequencyHz int64     `json:"frequency_hz"`
	Outcome     string    `json:"outcome"`
	Stage       string    `json:"stage"`
	Frames      int       `json:"frames"`
	DurationMS  int64     `json:"duration_ms"`
	NextInMS    int64     `json:"next_in_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionStatus is published on every radio network session transition.
type SessionStatus struct {
	StationID string    `json:"station_id"`
	From      string    `json:"from"`
	State     string    `json:"state"`
	GUID      string    `json:"guid,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSnapshotRequest = "atis.snapshot.request"
	SubjectStationPrefix   = "atis.station"
)

func BroadcastStatusSubject(stationID string) string {
	return fmt.Sprintf("%s.%s.status", SubjectStationPrefix, stationID)
}

func SessionStatusSubject(stationID string) string {
	return fmt.Sprintf("%s.%s.session", SubjectStationPrefix, stationID)
}
