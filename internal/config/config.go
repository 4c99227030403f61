package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all audiotap configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Registry  RegistryConfig  `yaml:"registry"`
	Recording RecordingConfig `yaml:"recording"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Storage   StorageConfig   `yaml:"storage"`
	Web       WebConfig       `yaml:"web"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds settings for the UDP ingest loop and its worker pool.
type ServerConfig struct {
	Port         int `yaml:"port"`
	ReadBuffer   int `yaml:"read_buffer"`   // kernel socket receive buffer in bytes
	DatagramSize int `yaml:"datagram_size"` // largest datagram accepted; longer ones are truncated
	Workers      int `yaml:"workers"`
	QueueDepth   int `yaml:"queue_depth"` // pending datagrams per worker before dropping
}

// RegistryConfig holds admission, memory and reaping settings.
type RegistryConfig struct {
	MaxMemoryMB     int           `yaml:"max_memory_mb"`   // global pre-roll memory ceiling
	MaxConnections  int           `yaml:"max_connections"` // 0 = unlimited
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	Cooldown        time.Duration `yaml:"cooldown"` // re-admission ban after manual removal
	AutoActivate    bool          `yaml:"auto_activate"`
	Rebalance       bool          `yaml:"rebalance"` // resize buffers with connection count (unlimited mode only)
	RebalanceFactor int           `yaml:"rebalance_factor"`
	ReservedSlots   int           `yaml:"reserved_slots"`
}

// RecordingConfig describes where and in which format recordings are written.
type RecordingConfig struct {
	Dir           string `yaml:"dir"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	BitsPerSample int    `yaml:"bits_per_sample"`
}

// PlaybackConfig holds settings for live playback of the active sender.
type PlaybackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Device   string `yaml:"device"`
	PeriodMs int    `yaml:"period_ms"`
}

// StorageConfig holds settings for the event log and the recording catalog.
type StorageConfig struct {
	SQLitePath    string        `yaml:"sqlite_path"` // empty disables the catalog
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	EventBuffer   int           `yaml:"event_buffer"` // in-memory event ring capacity
}

// WebConfig holds settings for the HTTP control API.
type WebConfig struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         50005,
			ReadBuffer:   1 << 20,
			DatagramSize: 65535,
			Workers:      4,
			QueueDepth:   256,
		},
		Registry: RegistryConfig{
			MaxMemoryMB:     100,
			MaxConnections:  10,
			IdleTimeout:     2 * time.Second,
			ReapInterval:    3 * time.Second,
			Cooldown:        10 * time.Second,
			AutoActivate:    true,
			Rebalance:       true,
			RebalanceFactor: 10,
			ReservedSlots:   10,
		},
		Recording: RecordingConfig{
			Dir:           ".",
			SampleRate:    44100,
			Channels:      1,
			BitsPerSample: 16,
		},
		Playback: PlaybackConfig{
			Enabled:  false,
			Device:   "default",
			PeriodMs: 100,
		},
		Storage: StorageConfig{
			SQLitePath:    "./audiotap.db",
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
			EventBuffer:   1000,
		},
		Web: WebConfig{
			Listen: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file from path and returns a Config.
// Values not specified in the file retain their defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config file: %w", err)
	}

	return cfg, nil
}

// Validate reports the first setting that would make the server unusable.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.DatagramSize <= 0 {
		errs = append(errs, errors.New("server.datagram_size must be positive"))
	}
	if c.Server.Workers <= 0 {
		errs = append(errs, errors.New("server.workers must be positive"))
	}
	if c.Server.QueueDepth <= 0 {
		errs = append(errs, errors.New("server.queue_depth must be positive"))
	}
	if c.Registry.MaxMemoryMB <= 0 {
		errs = append(errs, errors.New("registry.max_memory_mb must be positive"))
	}
	if c.Registry.MaxConnections < 0 {
		errs = append(errs, errors.New("registry.max_connections must not be negative"))
	}
	if c.Registry.IdleTimeout <= 0 || c.Registry.ReapInterval <= 0 {
		errs = append(errs, errors.New("registry.idle_timeout and registry.reap_interval must be positive"))
	}
	if c.Registry.Cooldown < 0 {
		errs = append(errs, errors.New("registry.cooldown must not be negative"))
	}
	if c.Registry.Rebalance && (c.Registry.RebalanceFactor < 2 || c.Registry.ReservedSlots <= 0) {
		errs = append(errs, errors.New("registry.rebalance needs rebalance_factor >= 2 and reserved_slots > 0"))
	}
	if c.Recording.SampleRate <= 0 || c.Recording.Channels <= 0 {
		errs = append(errs, errors.New("recording.sample_rate and recording.channels must be positive"))
	}
	if c.Recording.BitsPerSample != 8 && c.Recording.BitsPerSample != 16 {
		errs = append(errs, fmt.Errorf("recording.bits_per_sample %d unsupported (8 or 16)", c.Recording.BitsPerSample))
	}
	return errors.Join(errs...)
}

// BufferBytes returns the per-connection pre-roll capacity derived from the
// memory ceiling. Unlimited registries divide by the reserved slot count.
func (r RegistryConfig) BufferBytes() int {
	slots := r.MaxConnections
	if slots <= 0 {
		slots = r.ReservedSlots
	}
	if slots <= 0 {
		slots = 1
	}
	n := r.MaxMemoryMB * 1000000 / slots
	if n < 1 {
		n = 1
	}
	return n
}

// BytesPerSecond returns the PCM data rate of the recording format.
func (r RecordingConfig) BytesPerSecond() int {
	return r.SampleRate * r.Channels * ((r.BitsPerSample + 7) / 8)
}
