// Package config parses command line flags of the moshi binaries. Every flag
// defaults to its MOSHI_* environment variable, which in turn may come from a
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"

	envPrefix = "MOSHI_"
)

var (
	ErrInvalidEnv   = errors.New("invalid environment variable")
	ErrMissingValue = errors.New("required value is missing")
	ErrInvalidValue = errors.New("invalid value")
)

type Signal struct {
	ListenAddr string
	LogLevel   string
}

type Creator struct {
	UserID   string
	Identity string

	SignalURL     string
	APIListenAddr string
	LogLevel      string
	ICEServers    []string

	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string

	// Seed* create the profile on startup when the store has none.
	SeedUsername string
	SeedRate     string

	AudioFile string
	RecordDir string

	SendAutoReply   bool
	EndedLinger     time.Duration
	RegisterTimeout time.Duration
}

// LoadEnv loads variables from a dotenv file without overriding the ones
// already set. A missing file is not an error.
func LoadEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func ParseSignal(args []string) (*Signal, error) {
	var (
		cfg Signal
		env envReader
		fs  = newFlagSet("signal")
	)
	fs.StringVarP(&cfg.ListenAddr, "ws-listen-addr", "w",
		env.String("WS_LISTEN_ADDR", ":8888"), "websocket signaling listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l",
		env.String("LOG_LEVEL", "debug"), "log level")

	if err := env.Err(); err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ParseCreator(args []string) (*Creator, error) {
	var (
		cfg Creator
		env envReader
		fs  = newFlagSet("creator")
	)
	fs.StringVarP(&cfg.UserID, "user-id", "u", env.String("USER_ID", ""), "creator user id in the profile store")
	fs.StringVarP(&cfg.Identity, "identity", "i", env.String("IDENTITY", ""),
		"signaling identity, profile username when empty")
	fs.StringVarP(&cfg.SignalURL, "signal-url", "s", env.String("SIGNAL_URL", "ws://localhost:8888"),
		"signaling server base url")
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", env.String("API_LISTEN_ADDR", ":8080"),
		"api listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", env.String("LOG_LEVEL", "debug"), "log level")
	fs.StringSliceVar(&cfg.ICEServers, "ice-server",
		env.List("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}), "ICE server urls")

	fs.StringVar(&cfg.Store, "store", env.String("STORE", StoreMemory), "profile store: memory, redis or sqlite")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", env.String("REDIS_ADDR", "localhost:6379"), "redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", env.String("REDIS_PASSWORD", ""), "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", env.Int("REDIS_DB", 0), "redis database")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", env.String("SQLITE_PATH", "moshi.db"), "sqlite database file")

	fs.StringVar(&cfg.SeedUsername, "seed-username", env.String("SEED_USERNAME", ""),
		"username of the profile created when missing")
	fs.StringVar(&cfg.SeedRate, "seed-rate", env.String("SEED_RATE", ""), "rate of the seeded profile")

	fs.StringVar(&cfg.AudioFile, "audio-file", env.String("AUDIO_FILE", "voice.ogg"),
		"ogg/opus file used as microphone")
	fs.StringVar(&cfg.RecordDir, "record-dir", env.String("RECORD_DIR", ""),
		"directory for caller audio recordings, disabled when empty")

	fs.BoolVar(&cfg.SendAutoReply, "send-auto-reply", env.Bool("SEND_AUTO_REPLY", true),
		"send the saved auto-reply when a caller opens chat")
	fs.DurationVar(&cfg.EndedLinger, "ended-linger", env.Duration("ENDED_LINGER", 2*time.Second),
		"how long an ended call stays visible")
	fs.DurationVar(&cfg.RegisterTimeout, "register-timeout", env.Duration("REGISTER_TIMEOUT", 10*time.Second),
		"signaling registration timeout")

	if err := env.Err(); err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Creator) validate() error {
	var errs []error
	if strings.TrimSpace(c.UserID) == "" {
		errs = append(errs, fmt.Errorf("%w: user id", ErrMissingValue))
	}
	switch c.Store {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("%w: store %q", ErrInvalidValue, c.Store))
	}
	if c.EndedLinger < 0 {
		errs = append(errs, fmt.Errorf("%w: ended linger %s", ErrInvalidValue, c.EndedLinger))
	}
	if c.RegisterTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: register timeout %s", ErrInvalidValue, c.RegisterTimeout))
	}
	return errors.Join(errs...)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

// envReader reads MOSHI_* variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) Err() error {
	return errors.Join(e.errs...)
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w %s%s=%q: %w", ErrInvalidEnv, envPrefix, key, value, err))
}

func (e *envReader) String(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) Int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) Bool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *envReader) List(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
