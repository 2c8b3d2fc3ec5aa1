package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the relay.
// Precedence: defaults, then the YAML file named by CONFIG_FILE, then env.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// StreamBaseURL is joined with a session code to form the encoder output.
	StreamBaseURL string `yaml:"stream_base_url"`

	Log LogConfig `yaml:"logging"`

	Session SessionConfig `yaml:"session"`

	HeartbeatInterval time.Duration `yaml:"-"`
	HandshakeTimeout  time.Duration `yaml:"-"`

	FFmpegPath     string `yaml:"ffmpeg_path"`
	FFmpegLogLevel string `yaml:"ffmpeg_log_level"`

	STUNURLs         []string `yaml:"stun_urls"`
	CodecPreferences []string `yaml:"codec_preferences"`
	AllowedOrigins   []string `yaml:"allowed_origins"`

	// raw duration strings, parsed in resolve
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SessionConfig configures session storage and retention.
type SessionConfig struct {
	DB            string        `yaml:"db"`
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          3000,
		StreamBaseURL: "rtmp://localhost/live",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			DB:            "db.sqlite3",
			SweepInterval: time.Hour,
		},
		HeartbeatInterval: 3 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		FFmpegPath:        "ffmpeg",
		FFmpegLogLevel:    "info",
		STUNURLs:          []string{"stun:stun.l.google.com:19302"},
		CodecPreferences:  []string{"h264/aac", "h264/opus", "vp8/opus"},
	}
}

// Load builds the Config from defaults, an optional YAML file and the
// environment. The .env file is read first so it can name CONFIG_FILE.
func Load() (*Config, error) {
	_ = LoadEnv()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{c.HeartbeatIntervalRaw, &c.HeartbeatInterval},
		{c.HandshakeTimeoutRaw, &c.HandshakeTimeout},
		{c.Session.TTLRaw, &c.Session.TTL},
		{c.Session.SweepIntervalRaw, &c.Session.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q in config file: %w", d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Host = GetEnv("HOST", c.Host)
	c.Port = GetEnvInt("PORT", c.Port)
	c.StreamBaseURL = GetEnv("STREAM_BASE_URL", c.StreamBaseURL)
	c.Log.Level = GetEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnv("LOG_FORMAT", c.Log.Format)
	c.Log.File = GetEnv("LOG_FILE", c.Log.File)
	if v, ok := os.LookupEnv("SESSION_DB"); ok {
		c.Session.DB = v
	}
	c.Session.TTL = GetEnvDuration("SESSION_TTL", c.Session.TTL)
	c.Session.SweepInterval = GetEnvDuration("SESSION_SWEEP_INTERVAL", c.Session.SweepInterval)
	c.HeartbeatInterval = GetEnvDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HandshakeTimeout = GetEnvDuration("HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.FFmpegPath = GetEnv("FFMPEG_PATH", c.FFmpegPath)
	c.FFmpegLogLevel = GetEnv("FFMPEG_LOG_LEVEL", c.FFmpegLogLevel)
	c.STUNURLs = GetEnvList("STUN_URLS", c.STUNURLs)
	c.CodecPreferences = GetEnvList("CODEC_PREFERENCES", c.CodecPreferences)
	c.AllowedOrigins = GetEnvList("ALLOWED_ORIGINS", c.AllowedOrigins)
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1-65535)", c.Port)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if strings.ToLower(c.Log.Level) == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %v)", c.Log.Level, validLevels)
	}

	if c.StreamBaseURL == "" {
		return fmt.Errorf("stream base url must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval: %s", c.HeartbeatInterval)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("invalid handshake timeout: %s", c.HandshakeTimeout)
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("invalid session ttl: %s (must be non-negative)", c.Session.TTL)
	}
	if c.Session.TTL > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("invalid session sweep interval: %s", c.Session.SweepInterval)
	}
	if len(c.CodecPreferences) == 0 {
		return fmt.Errorf("codec preferences must not be empty")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
