package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	Secret     string        `mapstructure:"secret" validate:"required"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	ICEServers []string      `mapstructure:"ice_servers"`

	Signal    SignalConfig    `mapstructure:"signal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Redaction RedactionConfig `mapstructure:"redaction"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Call      CallConfig      `mapstructure:"call"`
	Log       LogConfig       `mapstructure:"log"`
}

type SignalConfig struct {
	// Backend is the channel the server exposes, or the peer talks to.
	Backend string `mapstructure:"backend" validate:"oneof=memory redis relay"`
	// URL of the relay websocket, used by peers with the relay backend.
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Prefix   string `mapstructure:"prefix"`
}

type StoreConfig struct {
	EndedTTL time.Duration `mapstructure:"ended_ttl" validate:"min=0"`
}

type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit" validate:"min=0"`
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`
}

type RedactionConfig struct {
	FrameInterval time.Duration `mapstructure:"frame_interval" validate:"min=0"`
	BlurSigma     float64       `mapstructure:"blur_sigma" validate:"min=0"`
	Padding       float64       `mapstructure:"padding" validate:"min=0,max=1"`
}

type DetectorConfig struct {
	ModelURL         string  `mapstructure:"model_url"`
	CachePath        string  `mapstructure:"cache_path"`
	MinSize          int     `mapstructure:"min_size" validate:"min=0"`
	MaxSize          int     `mapstructure:"max_size" validate:"min=0"`
	ShiftFactor      float64 `mapstructure:"shift_factor" validate:"min=0,max=1"`
	ScaleFactor      float64 `mapstructure:"scale_factor" validate:"min=0"`
	IoUThreshold     float64 `mapstructure:"iou_threshold" validate:"min=0,max=1"`
	QualityThreshold float32 `mapstructure:"quality_threshold" validate:"min=0"`
	MaxWidth         int     `mapstructure:"max_width" validate:"min=0"`
}

type CallConfig struct {
	EndWriteTimeout time.Duration `mapstructure:"end_write_timeout" validate:"min=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	// File enables a rotating JSON log file next to the console output.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "televisit-dev-secret")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("signal.backend", "memory")
	v.SetDefault("signal.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "televisit")
	v.SetDefault("store.ended_ttl", "10m")

	v.SetDefault("rate_limit.limit", 120)
	v.SetDefault("rate_limit.interval", "10s")

	v.SetDefault("redaction.frame_interval", "33ms")
	v.SetDefault("redaction.blur_sigma", 12.0)
	v.SetDefault("redaction.padding", 0.15)

	v.SetDefault("detector.model_url", "")
	v.SetDefault("detector.cache_path", "")
	v.SetDefault("detector.min_size", 40)
	v.SetDefault("detector.max_size", 1000)
	v.SetDefault("detector.shift_factor", 0.1)
	v.SetDefault("detector.scale_factor", 1.1)
	v.SetDefault("detector.iou_threshold", 0.2)
	v.SetDefault("detector.quality_threshold", 5.0)
	v.SetDefault("detector.max_width", 320)

	v.SetDefault("call.end_write_timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"port":       "port",
	"backend":    "signal.backend",
	"signal-url": "signal.url",
	"redis-addr": "redis.addr",
	"log-level":  "log.level",
	"log-file":   "log.file",
	"model-url":  "detector.model_url",
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Signal.Backend {
	case "relay":
		if c.Signal.URL == "" {
			return fmt.Errorf("%w: signal.url is required for the relay backend", ErrInvalid)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr is required for the redis backend", ErrInvalid)
		}
	}
	return nil
}

// Load reads .env, config/config.<CONFIG_ENV>.yaml and TELEVISIT_* variables,
// in increasing precedence. Flags bound through fs, when given, win over all.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("televisit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("backend", cfg.Signal.Backend).Msg("config ready")
	return &cfg, nil
}
