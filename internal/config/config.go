package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

// Config is the full squawk configuration.
type Config struct {
	Debug bool `mapstructure:"debug"`

	Synth    SynthConfig    `mapstructure:"synth"`
	Voices   VoicesConfig   `mapstructure:"voices"`
	Params   ParamsConfig   `mapstructure:"params"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

// SynthConfig configures the remote synthesis service.
type SynthConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BatchSize int           `mapstructure:"batch_size"`
}

// VoicesConfig configures voice extraction and reward mappings.
type VoicesConfig struct {
	Default string            `mapstructure:"default"`
	Known   []string          `mapstructure:"known"`
	Mode    string            `mapstructure:"mode"` // bracket or firstword
	Rewards map[string]string `mapstructure:"rewards"`
}

// ParamsConfig holds the synthesis parameters captured at enqueue time.
type ParamsConfig struct {
	Speed             float64 `mapstructure:"speed"`
	Temperature       float64 `mapstructure:"temperature"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	MaxTokens         int     `mapstructure:"max_tokens"`
}

// CacheConfig configures the disk audio cache. MaxSize accepts
// human-readable sizes like "512MB" or "1GB".
type CacheConfig struct {
	Dir              string `mapstructure:"dir"`
	MaxSize          string `mapstructure:"max_size"`
	CompressionLevel int    `mapstructure:"compression_level"`
}

// MaxBytes parses the configured cache limit.
func (c CacheConfig) MaxBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid cache max_size %q: %w", c.MaxSize, err)
	}
	return int64(n), nil
}

// PlaybackConfig configures the playback controller.
type PlaybackConfig struct {
	Delay        time.Duration      `mapstructure:"delay"`
	Volume       float64            `mapstructure:"volume"`
	VoiceVolumes map[string]float64 `mapstructure:"voice_volumes"`
}

// ChatConfig configures the ingestion adapters.
type ChatConfig struct {
	WebsocketURL string  `mapstructure:"websocket_url"`
	NATSURL      string  `mapstructure:"nats_url"`
	NATSSubject  string  `mapstructure:"nats_subject"`
	PerSecond    float64 `mapstructure:"per_second"`
	Burst        int     `mapstructure:"burst"`
}

// envOverrides are applied on top of the file config. Pointer fields
// stay nil when the variable is unset.
type envOverrides struct {
	Debug        *bool    `env:"SQUAWK_DEBUG"`
	SynthURL     *string  `env:"SQUAWK_SYNTH_URL"`
	CacheDir     *string  `env:"SQUAWK_CACHE_DIR"`
	CacheMaxSize *string  `env:"SQUAWK_CACHE_MAX_SIZE"`
	Volume       *float64 `env:"SQUAWK_VOLUME"`
	WebsocketURL *string  `env:"SQUAWK_WEBSOCKET_URL"`
	NATSURL      *string  `env:"SQUAWK_NATS_URL"`
}

// Loader owns the viper instance behind the configuration.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults registered.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("synth.url", "http://localhost:8880")
	v.SetDefault("synth.timeout", "30s")
	v.SetDefault("synth.batch_size", 2)

	v.SetDefault("voices.default", "brian")
	v.SetDefault("voices.known", []string{"brian", "amy", "emma", "justin"})
	v.SetDefault("voices.mode", "bracket")

	v.SetDefault("params.speed", 1.0)
	v.SetDefault("params.temperature", 0.75)
	v.SetDefault("params.repetition_penalty", 1.1)
	v.SetDefault("params.max_tokens", 1200)

	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.max_size", "1GB")
	v.SetDefault("cache.compression_level", 3)

	v.SetDefault("playback.delay", "250ms")
	v.SetDefault("playback.volume", 1.0)

	v.SetDefault("chat.nats_subject", "chat.messages")
	v.SetDefault("chat.per_second", 5)
	v.SetDefault("chat.burst", 10)
}

// Load reads the config file and applies environment overrides. With
// an empty path the standard config directories are searched; a
// missing file is not an error, defaults apply.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		for _, dir := range searchDirs() {
			l.v.AddConfigPath(dir)
		}
		l.v.SetConfigName("squawk")
		l.v.SetConfigType("yaml")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if used := l.v.ConfigFileUsed(); used != "" {
		log.Debug("using configuration file", "path", used)
	}

	return l.unmarshal()
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Reload re-reads the config file and reapplies overrides.
func (l *Loader) Reload() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to reread config: %w", err)
	}
	return l.unmarshal()
}

// Watch reloads the configuration when the file changes and hands the
// result to fn. Reload errors are logged and the old config stays in
// effect.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.Reload()
		if err != nil {
			log.Warn("config reload failed, keeping previous", "path", e.Name, "error", err)
			return
		}
		log.Info("configuration reloaded", "path", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = DefaultCacheDir()
	}
	if _, err := cfg.Cache.MaxBytes(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if overrides.Debug != nil {
		cfg.Debug = *overrides.Debug
	}
	if overrides.SynthURL != nil {
		cfg.Synth.URL = *overrides.SynthURL
	}
	if overrides.CacheDir != nil {
		cfg.Cache.Dir = *overrides.CacheDir
	}
	if overrides.CacheMaxSize != nil {
		cfg.Cache.MaxSize = *overrides.CacheMaxSize
	}
	if overrides.Volume != nil {
		cfg.Playback.Volume = *overrides.Volume
	}
	if overrides.WebsocketURL != nil {
		cfg.Chat.WebsocketURL = *overrides.WebsocketURL
	}
	if overrides.NATSURL != nil {
		cfg.Chat.NATSURL = *overrides.NATSURL
	}
	return nil
}

// searchDirs returns the config directories in priority order.
func searchDirs() []string {
	scope := gap.NewScope(gap.User, "squawk")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		dirs = nil
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "squawk")}, dirs...)
	}
	if c := os.Getenv("SQUAWK_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs
}

// DefaultCacheDir returns the user cache directory for audio blobs.
func DefaultCacheDir() string {
	scope := gap.NewScope(gap.User, "squawk")
	dir, err := scope.CacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "squawk-cache")
	}
	return filepath.Join(dir, "audio")
}

// DefaultConfigPath returns where a fresh config file should be
// written.
func DefaultConfigPath() (string, error) {
	scope := gap.NewScope(gap.User, "squawk")
	dirs, err := scope.ConfigDirs()
	if err != nil || len(dirs) == 0 {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dirs[0], "squawk.yml"), nil
}
