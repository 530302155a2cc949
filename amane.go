// Package amane assembles the amane executable: the SMTP ingress server,
// the periodic reviewer and reporter passes, and the tenant CLI, all driven
// by one configuration file.
package amane

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	amanecli "github.com/themadorg/amane/internal/cli"
	"github.com/themadorg/amane/internal/config"
	"github.com/themadorg/amane/internal/db"
	amanelog "github.com/themadorg/amane/internal/log"
	"github.com/themadorg/amane/internal/metrics"
	"github.com/themadorg/amane/internal/relay"
	"github.com/themadorg/amane/internal/reporter"
	"github.com/themadorg/amane/internal/reviewer"
	"github.com/themadorg/amane/internal/smtpd"
	"github.com/themadorg/amane/internal/store"
)

// Version is set at build time via -ldflags.
var Version = "go-build"

func BuildInfo() string {
	return fmt.Sprintf("%s %s/%s %s", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func init() {
	amanecli.AddGlobalFlag(&cli.PathFlag{
		Name:    "config",
		Usage:   "Configuration file to use",
		EnvVars: []string{config.EnvConfigFile},
	})
	amanecli.AddGlobalFlag(&cli.BoolFlag{
		Name:    "debug",
		Usage:   "enable debug logging",
		EnvVars: []string{"AMANE_DEBUG"},
	})

	amanecli.AddSubcommand(&cli.Command{
		Name:   "run",
		Usage:  "Start the SMTP ingress server",
		Action: Run,
	})
	amanecli.AddSubcommand(&cli.Command{
		Name:   "review",
		Usage:  "Advance idle lists through the lifecycle once",
		Action: Review,
	})
	amanecli.AddSubcommand(&cli.Command{
		Name:   "report",
		Usage:  "Mail every tenant's activity digest once",
		Action: Report,
	})
	amanecli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Println("amane", BuildInfo())
			return nil
		},
	})
}

type env struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Database
	relay *relay.SMTP
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(config.Path(c.String("config")))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	logger, err := amanelog.New(cfg.LogFile, c.Bool("debug"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	gdb, err := db.Open(db.Config{URL: cfg.DBURL, DBName: cfg.DBName, Debug: c.Bool("debug")})
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	st, err := store.New(gdb, logger)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return &env{
		cfg:   cfg,
		log:   logger,
		store: st,
		relay: &relay.SMTP{Host: cfg.RelayHost, Port: cfg.RelayPort, Log: logger},
	}, nil
}

// Run starts the ingress endpoint and blocks until SIGINT/SIGTERM.
func Run(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.log.Sync()

	handler := &smtpd.Handler{
		Store:  e.store,
		Relay:  e.relay,
		Domain: e.cfg.Domain,
		Log:    e.log,
	}
	endpoint := smtpd.NewEndpoint(handler, e.cfg.ListenAddress, e.cfg.ListenPort)

	if e.cfg.MetricsAddress != "" {
		go func() {
			e.log.Info("metrics listening", zap.String("addr", e.cfg.MetricsAddress))
			if err := http.ListenAndServe(e.cfg.MetricsAddress, metrics.Handler()); err != nil {
				e.log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- endpoint.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	case s := <-sig:
		e.log.Info("shutting down", zap.String("signal", s.String()))
		endpoint.Close()
	}
	return nil
}

// Review performs one reviewer pass. It is meant to be invoked by an
// external scheduler and tolerates overlapping runs.
func Review(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.log.Sync()

	r := &reviewer.Reviewer{Store: e.store, Relay: e.relay, Domain: e.cfg.Domain, Log: e.log}
	if err := r.Run(c.Context); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// Report performs one reporter pass.
func Report(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.log.Sync()

	r := &reporter.Reporter{Store: e.store, Relay: e.relay, Domain: e.cfg.Domain, Log: e.log}
	if err := r.Run(c.Context); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
