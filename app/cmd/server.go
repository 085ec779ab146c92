package cmd

import (
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/netdump/netdump/pkg/config"
	"github.com/netdump/netdump/pkg/dataconn"
	"github.com/netdump/netdump/pkg/drive"
	"github.com/netdump/netdump/pkg/events"
	"github.com/netdump/netdump/pkg/server"
	"github.com/netdump/netdump/pkg/types"
	"github.com/netdump/netdump/pkg/util"
)

func ServerCmd() cli.Command {
	return cli.Command{
		Name:  "server",
		Usage: "serve a disc drive over NETDUMP",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config",
				Usage: "TOML config file, flags override its values",
			},
			cli.StringFlag{
				Name:  "listen",
				Usage: "Address to listen on, or a socket path with --protocol unix (default \":9875\")",
			},
			cli.StringFlag{
				Name:  "protocol",
				Usage: "Specify the data-server protocol. Available options are \"tcp\" and \"unix\"",
			},
			cli.StringFlag{
				Name:  "status-listen",
				Usage: "Address of the HTTP status endpoint, disabled if empty",
			},
			cli.StringFlag{
				Name:  "drive-type",
				Usage: "\"optical\" for a real drive or \"image\" for a disc image file",
			},
			cli.StringFlag{
				Name:  "drive",
				Usage: "Device of the optical drive or path of the disc image",
			},
			cli.StringFlag{
				Name:  "bca",
				Usage: "BCA file of the disc image, defaults to <image>.bca",
			},
			cli.StringFlag{
				Name:  "lock-file",
				Usage: "Lock file shared with other processes using the drive",
			},
			cli.StringFlag{
				Name:  "chunk-size",
				Usage: "Game transfer chunk size in human readable form, 32KiB, 1MiB",
			},
			cli.StringFlag{
				Name:  "command-timeout",
				Usage: "How long a client may take to send its command, 30s",
			},
			cli.StringFlag{
				Name:  "bandwidth-limit",
				Usage: "Per session transfer limit per second in human readable form, 10MB",
			},
			cli.StringFlag{
				Name:  "nats-url",
				Usage: "Publish session events to this NATS server",
			},
			cli.StringFlag{
				Name:  "nats-subject-prefix",
				Usage: "Subject prefix of the session events",
			},
			cli.StringFlag{
				Name:  "redis-address",
				Usage: "Track live sessions in this Redis server",
			},
			cli.StringFlag{
				Name:  "shutdown-command",
				Usage: "Command run when a client asks to shut down the machine",
			},
		},
		Action: func(c *cli.Context) {
			if err := startServer(c); err != nil {
				logrus.WithError(err).Fatalf("Error running server command")
			}
		},
	}
}

func loadServerConfig(c *cli.Context) (*config.Config, error) {
	file := c.String("config")
	cfg, err := config.Decode(file)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"listen":              &cfg.Listen,
		"status-listen":       &cfg.StatusListen,
		"drive-type":          &cfg.Drive.Type,
		"drive":               &cfg.Drive.Path,
		"bca":                 &cfg.Drive.BCAPath,
		"lock-file":           &cfg.Drive.LockFile,
		"chunk-size":          &cfg.Session.ChunkSize,
		"bandwidth-limit":     &cfg.Session.BandwidthLimit,
		"nats-url":            &cfg.Events.NATSURL,
		"nats-subject-prefix": &cfg.Events.SubjectPrefix,
		"redis-address":       &cfg.Events.RedisAddr,
		"shutdown-command":    &cfg.ShutdownCommand,
	}
	for name, value := range overrides {
		if c.IsSet(name) {
			*value = c.String(name)
		}
	}
	if c.IsSet("protocol") {
		cfg.Protocol = types.DataServerProtocol(c.String("protocol"))
	}
	if c.IsSet("command-timeout") {
		if err := cfg.Session.CommandTimeout.UnmarshalText([]byte(c.String("command-timeout"))); err != nil {
			return nil, err
		}
	}

	// The default optical device means nothing to an image drive, start it empty.
	if cfg.Drive.Type == drive.TypeImage && cfg.Drive.Path == drive.DefaultOpticalDevice && !c.IsSet("drive") {
		cfg.Drive.Path = ""
	}

	if err := cfg.Validate(); err != nil {
		if file != "" {
			return nil, errors.Wrapf(err, "invalid config %v", file)
		}
		return nil, err
	}
	return cfg, nil
}

func newRecorder(cfg config.EventsConfig) (events.Recorder, error) {
	var recorders []events.Recorder
	if cfg.NATSURL != "" {
		r, err := events.NewNATSRecorder(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, r)
	}
	if cfg.RedisAddr != "" {
		r, err := events.NewRedisRecorder(cfg.RedisAddr, cfg.RedisSessionTTL.Duration)
		if err != nil {
			events.Multi(recorders).Close()
			return nil, err
		}
		recorders = append(recorders, r)
	}
	return events.NewMulti(recorders...), nil
}

func newSessionOptions(cfg *config.Config) (dataconn.SessionOptions, error) {
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return dataconn.SessionOptions{}, err
	}
	bandwidthLimit, err := cfg.BandwidthLimitBytes()
	if err != nil {
		return dataconn.SessionOptions{}, err
	}
	return dataconn.SessionOptions{
		ChunkSize:      chunkSize,
		CommandTimeout: cfg.Session.CommandTimeout.Duration,
		BandwidthLimit: bandwidthLimit,
		Lifecycle:      newLifecycle(cfg.ShutdownArgs()).Handle,
	}, nil
}

func startServer(c *cli.Context) error {
	cfg, err := loadServerConfig(c)
	if err != nil {
		return err
	}
	if cfg.Log.File != "" && !c.GlobalIsSet("log-file") {
		if err := util.SetUpLogger(util.LogFileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}); err != nil {
			return err
		}
	}
	if cfg.Log.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.Debugf("Effective configuration:\n%v", cfg.Dump())

	d, err := drive.New(cfg.Drive.Type, cfg.Drive.Path, cfg.Drive.BCAPath, cfg.Drive.LockFile)
	if err != nil {
		return err
	}

	recorder, err := newRecorder(cfg.Events)
	if err != nil {
		return err
	}

	options, err := newSessionOptions(cfg)
	if err != nil {
		return err
	}

	s := server.NewDataServer(cfg.Protocol, cfg.Listen, d, options, recorder)
	if err := s.Listen(); err != nil {
		return err
	}
	addShutdown(func() {
		if err := s.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close data server")
		}
	})
	addShutdown(func() {
		if err := recorder.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close event recorders")
		}
	})

	resp := make(chan error)

	go func() {
		logrus.Infof("Listening on data server %s", cfg.Listen)
		err := s.Serve()
		logrus.WithError(err).Warnf("Data server at %v is down", cfg.Listen)
		resp <- err
	}()

	if cfg.StatusListen != "" {
		go func() {
			logrus.Infof("Listening on status server %s", cfg.StatusListen)
			err := http.ListenAndServe(cfg.StatusListen, server.NewStatusHandler(s, os.Stdout))
			logrus.WithError(err).Warnf("Status server at %v is down", cfg.StatusListen)
			resp <- err
		}()
	}

	return <-resp
}
