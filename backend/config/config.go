package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	ErrParseFlags = errors.New("failed to parse command line arguments")
	ErrReadFile   = errors.New("failed to read config file")
	ErrInvalid    = errors.New("invalid config")
)

// Config is the server configuration. Values come from defaults, then the
// optional YAML file, then explicitly set command line flags.
type Config struct {
	APIListenAddr     string        `yaml:"api_listen_addr"`
	WSListenAddr      string        `yaml:"ws_listen_addr"`
	LogLevel          string        `yaml:"log_level"`
	AutoCreateRooms   bool          `yaml:"auto_create_rooms"`
	RoomGracePeriod   time.Duration `yaml:"room_grace_period"`
	RoomGCInterval    time.Duration `yaml:"room_gc_interval"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	EventBufferSize   int           `yaml:"event_buffer_size"`
}

func Default() Config {
	return Config{
		APIListenAddr:     ":8080",
		WSListenAddr:      ":8888",
		LogLevel:          "debug",
		AutoCreateRooms:   true,
		RoomGracePeriod:   time.Minute,
		RoomGCInterval:    15 * time.Second,
		OutboundQueueSize: 64,
		EventBufferSize:   64,
	}
}

// Load builds the config from command line args (without program name).
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to yaml config file")
	flags := cfg
	fs.StringVarP(&flags.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
	fs.StringVarP(&flags.WSListenAddr, "ws-listen-addr", "w", cfg.WSListenAddr, "websocket signaling listen address")
	fs.StringVarP(&flags.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.BoolVar(&flags.AutoCreateRooms, "auto-create-rooms", cfg.AutoCreateRooms, "create rooms on first join")
	fs.DurationVar(&flags.RoomGracePeriod, "room-grace-period", cfg.RoomGracePeriod, "how long an empty room is kept")
	fs.DurationVar(&flags.RoomGCInterval, "room-gc-interval", cfg.RoomGCInterval, "how often empty rooms are collected")
	fs.IntVar(&flags.OutboundQueueSize, "outbound-queue-size", cfg.OutboundQueueSize, "per connection outbound message queue")
	fs.IntVar(&flags.EventBufferSize, "event-buffer-size", cfg.EventBufferSize, "per stream room event buffer")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrParseFlags, err)
	}

	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return nil, errors.Join(ErrReadFile, err)
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "api-listen-addr":
			cfg.APIListenAddr = flags.APIListenAddr
		case "ws-listen-addr":
			cfg.WSListenAddr = flags.WSListenAddr
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "auto-create-rooms":
			cfg.AutoCreateRooms = flags.AutoCreateRooms
		case "room-grace-period":
			cfg.RoomGracePeriod = flags.RoomGracePeriod
		case "room-gc-interval":
			cfg.RoomGCInterval = flags.RoomGCInterval
		case "outbound-queue-size":
			cfg.OutboundQueueSize = flags.OutboundQueueSize
		case "event-buffer-size":
			cfg.EventBufferSize = flags.EventBufferSize
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	if err = yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (cfg *Config) Validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	if cfg.RoomGCInterval <= 0 {
		return fmt.Errorf("%w: room gc interval must be positive", ErrInvalid)
	}
	if cfg.RoomGracePeriod < 0 {
		return fmt.Errorf("%w: room grace period must not be negative", ErrInvalid)
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("%w: outbound queue size must be positive", ErrInvalid)
	}
	if cfg.EventBufferSize <= 0 {
		return fmt.Errorf("%w: event buffer size must be positive", ErrInvalid)
	}
	return nil
}

// Level returns the parsed log level.
func (cfg *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.DebugLevel
	}
	return lvl
}
