package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	SRS         SRSConfig        `yaml:"srs"`
	TTS         TTSConfig        `yaml:"tts"`
	Broadcast   BroadcastConfig  `yaml:"broadcast"`
	DataSource  DataSourceConfig `yaml:"data_source"`
	Stations    []StationConfig  `yaml:"stations"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SRSConfig describes the radio network server and session timing.
type SRSConfig struct {
	Address           string `yaml:"address"`
	Version           string `yaml:"version"`
	UnitIDBase        int    `yaml:"unit_id_base"`
	HandshakeTimeout  int    `yaml:"handshake_timeout_ms"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type TTSConfig struct {
	Mode              string  `yaml:"mode"` // mock, live
	DefaultVoice      string  `yaml:"default_voice"`
	LocalCommand      string  `yaml:"local_command"`
	GoogleAPIKey      string  `yaml:"google_api_key"`
	GoogleEndpoint    string  `yaml:"google_endpoint"`
	AWSRegion         string  `yaml:"aws_region"`
	AWSEndpoint       string  `yaml:"aws_endpoint"`
	SampleRate        int     `yaml:"sample_rate"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	CacheEntries      int     `yaml:"cache_entries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type BroadcastConfig struct {
	IntervalMS       int    `yaml:"interval_ms"`
	BackoffInitialMS int    `yaml:"backoff_initial_ms"`
	BackoffMaxMS     int    `yaml:"backoff_max_ms"`
	Codec            string `yaml:"codec"` // opus, pcm16
	Bitrate          int    `yaml:"bitrate"`
	RecordDir        string `yaml:"record_dir"`
}

type DataSourceConfig struct {
	Mode           string `yaml:"mode"` // static, bus
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	Subject        string `yaml:"subject"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

// StationConfig is the operator-facing description of one broadcast station.
type StationConfig struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"` // atis, message
	FrequencyHz int64          `yaml:"frequency_hz"`
	Coalition   string         `yaml:"coalition"`
	Latitude    float64        `yaml:"lat"`
	Longitude   float64        `yaml:"lon"`
	AltitudeM   float64        `yaml:"alt_m"`
	Voice       string         `yaml:"voice"`
	Units       string         `yaml:"units"`
	Runways     []string       `yaml:"runways"`
	Message     string         `yaml:"message"`
	IntervalMS  int            `yaml:"interval_ms"`
	Continuous  bool           `yaml:"continuous"`
	Disabled    bool           `yaml:"disabled"`
	Weather     *WeatherConfig `yaml:"weather"`
}

type WeatherConfig struct {
	WindDirection    float64       `yaml:"wind_direction"`
	WindSpeedKnots   float64       `yaml:"wind_speed_kt"`
	QNH              float64       `yaml:"qnh_hpa"`
	TemperatureC     float64       `yaml:"temperature_c"`
	DewpointC        *float64      `yaml:"dewpoint_c"`
	VisibilityMeters float64       `yaml:"visibility_m"`
	Clouds           []CloudConfig `yaml:"clouds"`
}

type CloudConfig struct {
	Coverage string `yaml:"coverage"`
	BaseFeet int    `yaml:"base_ft"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-atis",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-atis.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		SRS: SRSConfig{
			Address:           "127.0.0.1:5002",
			Version:           "2.1.0.10",
			UnitIDBase:        100000000,
			HandshakeTimeout:  5000,
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		TTS: TTSConfig{
			Mode:              "live",
			DefaultVoice:      "WIN",
			GoogleEndpoint:    "https://texttospeech.googleapis.com",
			AWSRegion:         "eu-central-1",
			SampleRate:        24000,
			TimeoutMS:         30000,
			CacheEntries:      64,
			RequestsPerSecond: 2,
		},
		Broadcast: BroadcastConfig{
			IntervalMS:       10 * 60 * 1000,
			BackoffInitialMS: 1000,
			BackoffMaxMS:     60000,
			Codec:            "opus",
			Bitrate:          16000,
		},
		DataSource: DataSourceConfig{
			Mode:           "static",
			PollIntervalMS: 10000,
			Subject:        "atis.snapshot.request",
			TimeoutMS:      2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.SRS.Address, "LOQA_SRS_ADDRESS")
	overrideString(&cfg.SRS.Version, "LOQA_SRS_VERSION")
	overrideInt(&cfg.SRS.UnitIDBase, "LOQA_SRS_UNIT_ID_BASE")
	overrideInt(&cfg.SRS.HandshakeTimeout, "LOQA_SRS_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.SRS.HeartbeatInterval, "LOQA_SRS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.SRS.HeartbeatTimeout, "LOQA_SRS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.DefaultVoice, "LOQA_TTS_DEFAULT_VOICE")
	overrideString(&cfg.TTS.LocalCommand, "LOQA_TTS_LOCAL_COMMAND")
	overrideString(&cfg.TTS.GoogleAPIKey, "LOQA_TTS_GOOGLE_API_KEY")
	overrideString(&cfg.TTS.GoogleEndpoint, "LOQA_TTS_GOOGLE_ENDPOINT")
	overrideString(&cfg.TTS.AWSRegion, "LOQA_TTS_AWS_REGION")
	overrideString(&cfg.TTS.AWSEndpoint, "LOQA_TTS_AWS_ENDPOINT")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.CacheEntries, "LOQA_TTS_CACHE_ENTRIES")
	overrideFloat(&cfg.TTS.RequestsPerSecond, "LOQA_TTS_REQUESTS_PER_SECOND")
	overrideInt(&cfg.Broadcast.IntervalMS, "LOQA_BROADCAST_INTERVAL_MS")
	overrideInt(&cfg.Broadcast.BackoffInitialMS, "LOQA_BROADCAST_BACKOFF_INITIAL_MS")
	overrideInt(&cfg.Broadcast.BackoffMaxMS, "LOQA_BROADCAST_BACKOFF_MAX_MS")
	overrideString(&cfg.Broadcast.Codec, "LOQA_BROADCAST_CODEC")
	overrideInt(&cfg.Broadcast.Bitrate, "LOQA_BROADCAST_BITRATE")
	overrideString(&cfg.Broadcast.RecordDir, "LOQA_BROADCAST_RECORD_DIR")
	overrideString(&cfg.DataSource.Mode, "LOQA_DATA_SOURCE_MODE")
	overrideInt(&cfg.DataSource.PollIntervalMS, "LOQA_DATA_SOURCE_POLL_INTERVAL_MS")
	overrideString(&cfg.DataSource.Subject, "LOQA_DATA_SOURCE_SUBJECT")
	overrideInt(&cfg.DataSource.TimeoutMS, "LOQA_DATA_SOURCE_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.SRS.Address == "" {
		return errors.New("srs.address must not be empty")
	}
	if cfg.SRS.HandshakeTimeout <= 0 {
		return errors.New("srs.handshake_timeout_ms must be positive")
	}
	if cfg.SRS.HeartbeatInterval <= 0 {
		return errors.New("srs.heartbeat_interval_ms must be positive")
	}
	if cfg.SRS.HeartbeatTimeout <= cfg.SRS.HeartbeatInterval {
		return errors.New("srs.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.TTS.Mode {
	case "mock", "live":
	default:
		return errors.New("tts.mode must be one of mock|live")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.CacheEntries < 0 {
		return errors.New("tts.cache_entries must be >= 0")
	}
	if cfg.TTS.RequestsPerSecond < 0 {
		return errors.New("tts.requests_per_second must be >= 0")
	}
	if cfg.Broadcast.IntervalMS <= 0 {
		return errors.New("broadcast.interval_ms must be positive")
	}
	if cfg.Broadcast.BackoffInitialMS <= 0 {
		return errors.New("broadcast.backoff_initial_ms must be positive")
	}
	if cfg.Broadcast.BackoffMaxMS < cfg.Broadcast.BackoffInitialMS {
		return errors.New("broadcast.backoff_max_ms must be >= backoff_initial_ms")
	}
	switch cfg.Broadcast.Codec {
	case "opus", "pcm16":
	default:
		return errors.New("broadcast.codec must be one of opus|pcm16")
	}
	if cfg.Broadcast.Bitrate <= 0 {
		return errors.New("broadcast.bitrate must be positive")
	}
	switch cfg.DataSource.Mode {
	case "static":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("data_source.mode=bus requires bus.enabled")
		}
		if cfg.DataSource.Subject == "" {
			return errors.New("data_source.subject must be set when mode=bus")
		}
	default:
		return errors.New("data_source.mode must be one of static|bus")
	}
	if cfg.DataSource.PollIntervalMS <= 0 {
		return errors.New("data_source.poll_interval_ms must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.Stations))
	for i, st := range cfg.Stations {
		if st.ID == "" {
			return fmt.Errorf("stations[%d].id must not be empty", i)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("stations[%d].id %q is duplicated", i, st.ID)
		}
		seen[st.ID] = struct{}{}
		if st.FrequencyHz <= 0 {
			return fmt.Errorf("stations[%d].frequency_hz must be positive", i)
		}
		switch st.Kind {
		case "", "atis":
		case "message":
			if strings.TrimSpace(st.Message) == "" {
				return fmt.Errorf("stations[%d].message must be set when kind=message", i)
			}
		default:
			return fmt.Errorf("stations[%d].kind must be one of atis|message", i)
		}
		if st.IntervalMS < 0 {
			return fmt.Errorf("stations[%d].interval_ms must be >= 0", i)
		}
	}
	return nil
}
