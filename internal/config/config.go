package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults
const (
	DefaultNATSSubject     = "remoteid.telemetry"
	DefaultOutputPath      = "/run/readsb/drone.json"
	DefaultMaxAge          = 10 * time.Second
	DefaultMaxAircraft     = 30
	DefaultPublishInterval = time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultStatsInterval   = 5 * time.Minute
	DefaultEvictionPolicy  = "fifo"
	DefaultDecodeMode      = "degrade"
)

// Config holds the application configuration
type Config struct {
	// Sources are AntSDR receiver addresses (host:port)
	Sources     []string
	NATSURL     string
	NATSSubject string

	OutputPath      string
	MaxAge          time.Duration
	MaxAircraft     int
	PublishInterval time.Duration
	ReconnectDelay  time.Duration

	EvictionPolicy string
	DecodeMode     string
	RejectZero     bool

	RedisAddr     string
	DBConnStr     string
	MetricsAddr   string
	StatsInterval time.Duration

	Verbose bool
}

// Load loads the configuration from environment variables and .env file
// and validates it.
func Load() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the configuration from the environment without validating
// it, so command-line flags can be applied on top.
func FromEnv() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Sources:     splitList(os.Getenv("ANTSDR_ADDR")),
		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: getEnv("NATS_SUBJECT", DefaultNATSSubject),
		OutputPath:  getEnv("OUTPUT_PATH", DefaultOutputPath),

		EvictionPolicy: getEnv("EVICTION_POLICY", DefaultEvictionPolicy),
		DecodeMode:     getEnv("DECODE_MODE", DefaultDecodeMode),

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		DBConnStr:   os.Getenv("DB_CONN_STR"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}

	var err error
	if cfg.MaxAge, err = getDuration("MAX_AGE", DefaultMaxAge); err != nil {
		return nil, err
	}
	if cfg.PublishInterval, err = getDuration("PUBLISH_INTERVAL", DefaultPublishInterval); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = getDuration("RECONNECT_DELAY", DefaultReconnectDelay); err != nil {
		return nil, err
	}
	if cfg.StatsInterval, err = getDuration("STATS_INTERVAL", DefaultStatsInterval); err != nil {
		return nil, err
	}
	if cfg.MaxAircraft, err = getInt("MAX_AIRCRAFT", DefaultMaxAircraft); err != nil {
		return nil, err
	}
	if cfg.RejectZero, err = getBool("REJECT_ZERO_POSITION", true); err != nil {
		return nil, err
	}
	if cfg.Verbose, err = getBool("VERBOSE", false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if len(c.Sources) == 0 && c.NATSURL == "" {
		return fmt.Errorf("ANTSDR_ADDR or NATS_URL is required")
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		return fmt.Errorf("NATS_SUBJECT must not be empty")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("OUTPUT_PATH must not be empty")
	}
	if c.MaxAircraft < 1 {
		return fmt.Errorf("MAX_AIRCRAFT must be at least 1, got %d", c.MaxAircraft)
	}
	for name, d := range map[string]time.Duration{
		"MAX_AGE":          c.MaxAge,
		"PUBLISH_INTERVAL": c.PublishInterval,
		"RECONNECT_DELAY":  c.ReconnectDelay,
		"STATS_INTERVAL":   c.StatsInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	switch c.EvictionPolicy {
	case "fifo", "lru":
	default:
		return fmt.Errorf("EVICTION_POLICY must be fifo or lru, got %q", c.EvictionPolicy)
	}
	switch c.DecodeMode {
	case "degrade", "drop":
	default:
		return fmt.Errorf("DECODE_MODE must be degrade or drop, got %q", c.DecodeMode)
	}
	return nil
}

// ParseDuration accepts Go durations ("1500ms", "10s") and bare numbers,
// which are seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
