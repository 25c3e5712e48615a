package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DefaultListenAddr      = ":3002"
	DefaultSweepInterval   = 5 * time.Minute
	DefaultIdleThreshold   = 10 * time.Minute
	DefaultCursorRateLimit = 24
	DefaultMaxParticipants = 10
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// SweepInterval is how often idle rooms are reaped.
	SweepInterval time.Duration
	// IdleThreshold is how long a room may go without activity before the sweep removes it.
	IdleThreshold time.Duration
	// LockIdleTimeout releases locks whose holder has been silent this long. Zero disables it.
	LockIdleTimeout time.Duration
	// CursorRateLimit is the per-connection cursor events/second clients are asked to respect.
	CursorRateLimit int
	// MaxParticipants is the room capacity used when a share config does not set one.
	MaxParticipants int

	StorageType      string
	LocalStoragePath string
	DataSourceName   string
	S3BucketName     string

	JWTSecret string
}

// Load reads an optional .env file, then resolves every setting from flags, falling
// back to environment variables and finally to the built-in defaults.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	fs := flag.NewFlagSet("canvas-collab", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.ListenAddr, "listen", envString("LISTEN_ADDR", DefaultListenAddr), "Set the server listen address")
	fs.StringVar(&cfg.LogLevel, "loglevel", envString("LOG_LEVEL", "info"), "Set the logging level: debug, info, warn, error, fatal, panic")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", envDuration("ROOM_SWEEP_INTERVAL", DefaultSweepInterval), "Interval between idle room sweeps")
	fs.DurationVar(&cfg.IdleThreshold, "idle-threshold", envDuration("ROOM_IDLE_THRESHOLD", DefaultIdleThreshold), "Inactivity after which a room is reaped")
	fs.DurationVar(&cfg.LockIdleTimeout, "lock-idle-timeout", envDuration("LOCK_IDLE_TIMEOUT", 0), "Release locks held by silent participants after this long (0 disables)")
	fs.IntVar(&cfg.CursorRateLimit, "cursor-rate", envInt("CURSOR_RATE_LIMIT", DefaultCursorRateLimit), "Cursor events per second each connection should send at most")
	fs.IntVar(&cfg.MaxParticipants, "max-participants", envInt("ROOM_MAX_PARTICIPANTS", DefaultMaxParticipants), "Default room capacity")
	fs.StringVar(&cfg.StorageType, "storage", envString("STORAGE_TYPE", "memory"), "Storage backend: memory, filesystem, sqlite, s3")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.LocalStoragePath = envString("LOCAL_STORAGE_PATH", "./data")
	cfg.DataSourceName = envString("DATA_SOURCE_NAME", "canvas-collab.db")
	cfg.S3BucketName = os.Getenv("S3_BUCKET_NAME")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise break the collaboration core.
func (c *Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("idle threshold must be positive, got %s", c.IdleThreshold)
	}
	if c.LockIdleTimeout < 0 {
		return fmt.Errorf("lock idle timeout must not be negative, got %s", c.LockIdleTimeout)
	}
	if c.CursorRateLimit < 1 {
		return fmt.Errorf("cursor rate limit must be at least 1, got %d", c.CursorRateLimit)
	}
	if c.MaxParticipants < 1 {
		return fmt.Errorf("max participants must be at least 1, got %d", c.MaxParticipants)
	}
	switch c.StorageType {
	case "memory", "filesystem", "sqlite":
	case "s3":
		if c.S3BucketName == "" {
			return fmt.Errorf("S3_BUCKET_NAME must be set for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}
	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Ignoring invalid duration")
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": v}).Warn("Ignoring invalid integer")
		return fallback
	}
	return n
}
