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
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	Framing           string `yaml:"framing"` // raw, sse, ndjson
	ReadBufferBytes   int    `yaml:"read_buffer_bytes"`
	WebSocket         bool   `yaml:"websocket"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

type ModelConfig struct {
	Path string `yaml:"path"`
}

type EngineConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, vosk-ws
	Command         string `yaml:"command"`
	URL             string `yaml:"url"`
	DialTimeoutMS   int    `yaml:"dial_timeout_ms"`
	ReplyTimeoutMS  int    `yaml:"reply_timeout_ms"`
	MockUtteranceMS int    `yaml:"mock_utterance_ms"`
}

type SessionConfig struct {
	QueueDepth    int  `yaml:"queue_depth"`
	IdleTimeoutMS int  `yaml:"idle_timeout_ms"`
	MaxSessions   int  `yaml:"max_sessions"`
	FlushOnEnd    bool `yaml:"flush_on_end"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	QueueDepth    int    `yaml:"queue_depth"`
}

type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Model       ModelConfig      `yaml:"model"`
	Engine      EngineConfig     `yaml:"engine"`
	Session     SessionConfig    `yaml:"session"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Recording   RecordingConfig  `yaml:"recording"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              6010,
			Framing:           "raw",
			ReadBufferBytes:   8192,
			WebSocket:         true,
			ShutdownTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
		},
		Model: ModelConfig{
			Path: "model",
		},
		Engine: EngineConfig{
			Mode:            "vosk-ws",
			URL:             "ws://localhost:2700",
			DialTimeoutMS:   5000,
			ReplyTimeoutMS:  10000,
			MockUtteranceMS: 1000,
		},
		Session: SessionConfig{
			QueueDepth:    16,
			IdleTimeoutMS: 30000,
		},
		Bus: BusConfig{
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "stt",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/stt-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			QueueDepth:    256,
		},
		Recording: RecordingConfig{
			Directory: "./data/recordings",
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
	overrideString(&cfg.Model.Path, "MODEL_PATH")
	overrideInt(&cfg.HTTP.Port, "PORT")

	overrideString(&cfg.ServiceName, "LOQA_STT_SERVICE_NAME")
	overrideString(&cfg.Environment, "LOQA_STT_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_STT_HTTP_BIND")
	overrideString(&cfg.HTTP.Framing, "LOQA_STT_HTTP_FRAMING")
	overrideInt(&cfg.HTTP.ReadBufferBytes, "LOQA_STT_HTTP_READ_BUFFER_BYTES")
	overrideBool(&cfg.HTTP.WebSocket, "LOQA_STT_HTTP_WEBSOCKET")
	overrideInt(&cfg.HTTP.ShutdownTimeoutMS, "LOQA_STT_HTTP_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_STT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_STT_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_STT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_STT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_STT_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Engine.Mode, "LOQA_STT_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_STT_ENGINE_COMMAND")
	overrideString(&cfg.Engine.URL, "LOQA_STT_ENGINE_URL")
	overrideInt(&cfg.Engine.DialTimeoutMS, "LOQA_STT_ENGINE_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Engine.ReplyTimeoutMS, "LOQA_STT_ENGINE_REPLY_TIMEOUT_MS")
	overrideInt(&cfg.Engine.MockUtteranceMS, "LOQA_STT_ENGINE_MOCK_UTTERANCE_MS")
	overrideInt(&cfg.Session.QueueDepth, "LOQA_STT_SESSION_QUEUE_DEPTH")
	overrideInt(&cfg.Session.IdleTimeoutMS, "LOQA_STT_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxSessions, "LOQA_STT_SESSION_MAX_SESSIONS")
	overrideBool(&cfg.Session.FlushOnEnd, "LOQA_STT_SESSION_FLUSH_ON_END")
	overrideBool(&cfg.Bus.Enabled, "LOQA_STT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_STT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_STT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_STT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_STT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_STT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_STT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_STT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_STT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_STT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_STT_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.EventStore.Enabled, "LOQA_STT_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LOQA_STT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_STT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_STT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_STT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_STT_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.QueueDepth, "LOQA_STT_EVENT_STORE_QUEUE_DEPTH")
	overrideBool(&cfg.Recording.Enabled, "LOQA_STT_RECORDING_ENABLED")
	overrideString(&cfg.Recording.Directory, "LOQA_STT_RECORDING_DIRECTORY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.HTTP.Framing {
	case "raw", "sse", "ndjson":
	default:
		return errors.New("http.framing must be one of raw|sse|ndjson")
	}
	if cfg.HTTP.ReadBufferBytes <= 0 {
		return errors.New("http.read_buffer_bytes must be positive")
	}
	if cfg.HTTP.ShutdownTimeoutMS <= 0 {
		return errors.New("http.shutdown_timeout_ms must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if strings.TrimSpace(cfg.Model.Path) == "" {
		return errors.New("model.path must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock":
		if cfg.Engine.MockUtteranceMS <= 0 {
			return errors.New("engine.mock_utterance_ms must be positive when mode=mock")
		}
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "vosk-ws":
		if cfg.Engine.URL == "" {
			return errors.New("engine.url must be set when mode=vosk-ws")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|vosk-ws")
	}
	if cfg.Engine.ReplyTimeoutMS < 0 || cfg.Engine.DialTimeoutMS < 0 {
		return errors.New("engine timeouts must be >= 0")
	}
	if cfg.Session.QueueDepth <= 0 {
		return errors.New("session.queue_depth must be >= 1")
	}
	if cfg.Session.IdleTimeoutMS < 0 {
		return errors.New("session.idle_timeout_ms must be >= 0")
	}
	if cfg.Session.MaxSessions < 0 {
		return errors.New("session.max_sessions must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.EventStore.Enabled {
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
			// ok
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
		if cfg.EventStore.QueueDepth <= 0 {
			return errors.New("event_store.queue_depth must be >= 1")
		}
	}
	if cfg.Recording.Enabled && cfg.Recording.Directory == "" {
		return errors.New("recording.directory must not be empty when recording is enabled")
	}
	return nil
}
