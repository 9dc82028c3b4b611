package cmd

import (
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/lifecycle"
	"github.com/openarchive/stors/meta"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "meta-driver",
			Value: "redis",
			Usage: "metadata store driver",
		},
		&cli.StringFlag{
			Name:  "meta-addr",
			Value: "127.0.0.1:6379/0",
			Usage: "the address of the metadata store",
		},
		&cli.StringFlag{
			Name:  "loglevel",
			Value: "info",
			Usage: "log level: trace/debug/info/warn/error",
		},
		&cli.StringFlag{
			Name:  "logdir",
			Usage: "write logs to a rotated file under this directory instead of stderr",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored log output",
		},
		&cli.StringFlag{
			Name:  "staging",
			Value: "/var/lib/stors/staging",
			Usage: "local scratch area for package transfers",
		},
		&cli.StringFlag{
			Name:  "space-root",
			Value: "/var/lib/stors/space",
			Usage: "root directory of the default local space",
		},
		&cli.IntFlag{
			Name:  "workers",
			Value: internal.DefaultAsyncWorkers,
			Usage: "async task worker count",
		},
		&cli.DurationFlag{
			Name:  "backend-timeout",
			Value: internal.DefaultBackendTimeout,
			Usage: "per-request timeout for remote space backends",
		},
		&cli.StringFlag{
			Name:  "gpg-key",
			Usage: "keyfile for encrypted filesystem spaces",
		},
	}
}

func applyLogging(c *cli.Context) {
	switch c.String("loglevel") {
	case "trace":
		internal.SetLogLevel(logrus.TraceLevel)
	case "debug":
		internal.SetLogLevel(logrus.DebugLevel)
	case "info":
		internal.SetLogLevel(logrus.InfoLevel)
	case "warn":
		internal.SetLogLevel(logrus.WarnLevel)
	case "error":
		internal.SetLogLevel(logrus.ErrorLevel)
	default:
		internal.SetLogLevel(logrus.InfoLevel)
	}
	if c.Bool("no-color") {
		internal.DisableLogColor()
	}
	if dir := c.String("logdir"); dir != "" {
		internal.SetOutFile(path.Join(dir, "stors.log"))
	}
}

func buildConfig(c *cli.Context) *internal.Config {
	return &internal.Config{
		MetaDriver:       c.String("meta-driver"),
		MetaAddr:         c.String("meta-addr"),
		StagingPath:      c.String("staging"),
		DefaultSpacePath: c.String("space-root"),
		AsyncWorkers:     c.Int("workers"),
		BackendTimeout:   c.Duration("backend-timeout"),
		GPGKeyPath:       c.String("gpg-key"),
	}
}

// setup wires logging, the metadata store and the lifecycle engine from
// the global flags. Callers own closing the returned store.
func setup(c *cli.Context) (*internal.Config, meta.Store, *lifecycle.Engine, error) {
	applyLogging(c)
	conf := buildConfig(c)
	if conf.MetaDriver != "redis" {
		return nil, nil, nil, fmt.Errorf("unsupported meta driver %q", conf.MetaDriver)
	}
	store, err := meta.NewRedisStore(conf.MetaDriver, conf.MetaAddr)
	if err != nil {
		return nil, nil, nil, err
	}
	return conf, store, lifecycle.New(store, conf), nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
