package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Metrics      bool   `yaml:"metrics"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Registry    RegistryConfig  `yaml:"registry"`
	Engine      EngineConfig    `yaml:"engine"`
	Stream      StreamConfig    `yaml:"stream"`
	Output      OutputConfig    `yaml:"output"`
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type RegistryConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ModelFamily names the pair of checkpoints used for one model family.
type ModelFamily struct {
	Name           string `yaml:"name"`
	DesignModel    string `yaml:"design_model"`
	SynthesisModel string `yaml:"synthesis_model"`
}

type EngineConfig struct {
	Mode           string        `yaml:"mode"` // mock, exec
	Command        string        `yaml:"command"`
	Device         string        `yaml:"device"` // auto, cuda, cpu
	AttnImpl       string        `yaml:"attn_implementation"`
	DefaultFamily  string        `yaml:"default_family"`
	Families       []ModelFamily `yaml:"families"`
	SampleRate     int           `yaml:"sample_rate"`
	LoadTimeout    time.Duration `yaml:"load_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type StreamConfig struct {
	EmitEveryFrames     int           `yaml:"emit_every_frames"`
	DecodeWindowFrames  int           `yaml:"decode_window_frames"`
	FirstChunkEmitEvery int           `yaml:"first_chunk_emit_every"`
	FirstChunkFrames    int           `yaml:"first_chunk_frames"`
	StallTimeout        time.Duration `yaml:"stall_timeout"` // longest wait for the engine's next frame
}

type OutputConfig struct {
	Dir             string `yaml:"dir"`
	DefaultLanguage string `yaml:"default_language"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8008,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Metrics:      true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Registry: RegistryConfig{
			Path: "./data/speakers.db",
		},
		Engine: EngineConfig{
			Mode:          "mock",
			Device:        "auto",
			AttnImpl:      "flash_attention_2",
			DefaultFamily: "Qwen3-TTS",
			Families: []ModelFamily{
				{
					Name:           "Qwen3-TTS",
					DesignModel:    "Qwen/Qwen3-TTS-12Hz-1.7B-VoiceDesign",
					SynthesisModel: "Qwen/Qwen3-TTS-12Hz-1.7B-Base",
				},
			},
			SampleRate:     24000,
			LoadTimeout:    5 * time.Minute,
			AcquireTimeout: 2 * time.Minute,
			RequestTimeout: 5 * time.Minute,
		},
		Stream: StreamConfig{
			EmitEveryFrames:     12,
			DecodeWindowFrames:  80,
			FirstChunkEmitEvery: 5,
			FirstChunkFrames:    48,
			StallTimeout:        30 * time.Second,
		},
		Output: OutputConfig{
			Dir:             "outputs/tts",
			DefaultLanguage: "English",
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

// Family returns the configured family whose name matches name. Matching is a
// case-insensitive substring test so "qwen3-tts-1.7b" selects "Qwen3-TTS".
func (c EngineConfig) Family(name string) (ModelFamily, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return ModelFamily{}, false
	}
	for _, f := range c.Families {
		if strings.Contains(needle, strings.ToLower(f.Name)) {
			return f, true
		}
	}
	return ModelFamily{}, false
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "VOICE_TELEMETRY_METRICS")
	overrideBool(&cfg.Bus.Enabled, "VOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICE_NODE_ID")
	overrideString(&cfg.Node.Role, "VOICE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Registry.Path, "VOICE_REGISTRY_PATH")
	overrideBool(&cfg.Registry.VacuumOnStart, "VOICE_REGISTRY_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "VOICE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOICE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Device, "VOICE_ENGINE_DEVICE")
	overrideString(&cfg.Engine.AttnImpl, "VOICE_ENGINE_ATTN_IMPLEMENTATION")
	overrideString(&cfg.Engine.DefaultFamily, "VOICE_ENGINE_DEFAULT_FAMILY")
	overrideInt(&cfg.Engine.SampleRate, "VOICE_ENGINE_SAMPLE_RATE")
	overrideDuration(&cfg.Engine.LoadTimeout, "VOICE_ENGINE_LOAD_TIMEOUT")
	overrideDuration(&cfg.Engine.AcquireTimeout, "VOICE_ENGINE_ACQUIRE_TIMEOUT")
	overrideDuration(&cfg.Engine.RequestTimeout, "VOICE_ENGINE_REQUEST_TIMEOUT")
	overrideInt(&cfg.Stream.EmitEveryFrames, "VOICE_STREAM_EMIT_EVERY_FRAMES")
	overrideInt(&cfg.Stream.DecodeWindowFrames, "VOICE_STREAM_DECODE_WINDOW_FRAMES")
	overrideInt(&cfg.Stream.FirstChunkEmitEvery, "VOICE_STREAM_FIRST_CHUNK_EMIT_EVERY")
	overrideInt(&cfg.Stream.FirstChunkFrames, "VOICE_STREAM_FIRST_CHUNK_FRAMES")
	overrideDuration(&cfg.Stream.StallTimeout, "VOICE_STREAM_STALL_TIMEOUT")
	overrideString(&cfg.Output.Dir, "VOICE_OUTPUT_DIR")
	overrideString(&cfg.Output.DefaultLanguage, "VOICE_OUTPUT_DEFAULT_LANGUAGE")
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

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.Registry.Path == "" {
		return errors.New("registry.path must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	switch cfg.Engine.Device {
	case "auto", "cuda", "cpu":
	default:
		return errors.New("engine.device must be one of auto|cuda|cpu")
	}
	if len(cfg.Engine.Families) == 0 {
		return errors.New("engine.families must not be empty")
	}
	for _, f := range cfg.Engine.Families {
		if f.Name == "" || f.DesignModel == "" || f.SynthesisModel == "" {
			return errors.New("engine.families entries need name, design_model and synthesis_model")
		}
	}
	if _, ok := cfg.Engine.Family(cfg.Engine.DefaultFamily); !ok {
		return fmt.Errorf("engine.default_family %q does not match any configured family", cfg.Engine.DefaultFamily)
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.LoadTimeout <= 0 || cfg.Engine.AcquireTimeout <= 0 || cfg.Engine.RequestTimeout <= 0 {
		return errors.New("engine timeouts must be positive")
	}
	if cfg.Stream.EmitEveryFrames <= 0 || cfg.Stream.DecodeWindowFrames <= 0 {
		return errors.New("stream.emit_every_frames and stream.decode_window_frames must be positive")
	}
	if cfg.Stream.FirstChunkEmitEvery <= 0 || cfg.Stream.FirstChunkFrames <= 0 {
		return errors.New("stream.first_chunk_emit_every and stream.first_chunk_frames must be positive")
	}
	if cfg.Stream.FirstChunkEmitEvery > cfg.Stream.EmitEveryFrames {
		return errors.New("stream.first_chunk_emit_every must not exceed stream.emit_every_frames")
	}
	if cfg.Output.Dir == "" {
		return errors.New("output.dir must not be empty")
	}
	if cfg.Output.DefaultLanguage == "" {
		return errors.New("output.default_language must not be empty")
	}
	return nil
}
