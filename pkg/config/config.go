package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netdump/netdump/pkg/drive"
	"github.com/netdump/netdump/pkg/events"
	"github.com/netdump/netdump/pkg/types"
)

const (
	DefaultChunkSize       = "32KiB"
	DefaultShutdownCommand = "poweroff"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Listen          string
	Protocol        types.DataServerProtocol
	StatusListen    string
	ShutdownCommand string

	Drive   DriveConfig
	Session SessionConfig
	Events  EventsConfig
	Log     LogConfig
}

type DriveConfig struct {
	Type     string
	Path     string
	BCAPath  string
	LockFile string
}

type SessionConfig struct {
	// Sizes are in human form, "32KiB", "10MB"
	ChunkSize      string
	BandwidthLimit string
	CommandTimeout Duration
}

type EventsConfig struct {
	NATSURL         string
	SubjectPrefix   string
	RedisAddr       string
	RedisSessionTTL Duration
}

type LogConfig struct {
	Debug      bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func Default() *Config {
	return &Config{
		Listen:          fmt.Sprintf(":%d", types.DefaultPort),
		Protocol:        types.DataServerProtocolTCP,
		ShutdownCommand: DefaultShutdownCommand,
		Drive: DriveConfig{
			Type: drive.TypeOptical,
			Path: drive.DefaultOpticalDevice,
		},
		Session: SessionConfig{
			ChunkSize:      DefaultChunkSize,
			CommandTimeout: Duration{types.DefaultCommandTimeout},
		},
		Events: EventsConfig{
			SubjectPrefix:   events.DefaultSubjectPrefix,
			RedisSessionTTL: Duration{events.DefaultSessionTTL},
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads file over the defaults and validates the result. An empty file name
// returns the defaults.
func Load(file string) (*Config, error) {
	cfg, err := Decode(file)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %v", file)
	}
	return cfg, nil
}

// Decode is Load without validation, for callers that apply overrides first.
func Decode(file string) (*Config, error) {
	cfg := Default()
	if file == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(file, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config %v", file)
	}
	for _, key := range md.Undecoded() {
		logrus.Warnf("Ignoring unknown config key %v in %v", key, file)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Protocol {
	case types.DataServerProtocolTCP, types.DataServerProtocolUNIX:
	default:
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address can't be empty")
	}
	switch c.Drive.Type {
	case drive.TypeImage, drive.TypeOptical:
	default:
		return fmt.Errorf("unknown drive type %q", c.Drive.Type)
	}

	chunkSize, err := c.ChunkSizeBytes()
	if err != nil {
		return err
	}
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive: %v", c.Session.ChunkSize)
	}
	if _, err := c.BandwidthLimitBytes(); err != nil {
		return err
	}
	if c.Session.CommandTimeout.Duration < 0 {
		return fmt.Errorf("command timeout can't be negative: %v", c.Session.CommandTimeout)
	}
	return nil
}

func (c *Config) ChunkSizeBytes() (int, error) {
	size, err := units.RAMInBytes(c.Session.ChunkSize)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid chunk size %q", c.Session.ChunkSize)
	}
	return int(size), nil
}

// BandwidthLimitBytes is the per-session limit in bytes per second, 0 if unlimited.
func (c *Config) BandwidthLimitBytes() (int64, error) {
	if c.Session.BandwidthLimit == "" {
		return 0, nil
	}
	limit, err := units.FromHumanSize(c.Session.BandwidthLimit)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid bandwidth limit %q", c.Session.BandwidthLimit)
	}
	return limit, nil
}

// ShutdownArgs splits the shutdown command on whitespace.
func (c *Config) ShutdownArgs() []string {
	return strings.Fields(c.ShutdownCommand)
}

func (c *Config) Dump() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return err.Error()
	}
	return buf.String()
}
