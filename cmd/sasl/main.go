package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/auth"
	"rook/internal/conf"
	"rook/internal/db"
	"rook/internal/logging"
	"rook/internal/sasl"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (searches the default locations when empty)")
	socketPath := flag.String("socket", "", "Path to UNIX socket (overrides sasl.socket)")
	flag.Parse()

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rook-sasl: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SASL.Socket = *socketPath
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		level.Error(logger).Log("msg", "exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *conf.Config, logger log.Logger) error {
	if cfg.SASL.Socket == "" {
		return fmt.Errorf("sasl.socket cannot be empty")
	}

	var authenticator auth.Authenticator
	if cfg.Auth.Backend == "sql" {
		dbm, err := db.NewDBManager(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer dbm.Close()
		authenticator, err = auth.New(cfg.Auth, dbm.GetSharedDB())
		if err != nil {
			return err
		}
	} else {
		var err error
		authenticator, err = auth.New(cfg.Auth, nil)
		if err != nil {
			return err
		}
	}

	srv := sasl.NewServer(cfg.SASL.Socket, authenticator,
		sasl.WithLogger(log.With(logger, "component", "sasl")),
		sasl.WithDomain(cfg.Auth.Domain),
	)
	level.Info(logger).Log("msg", "starting SASL authentication service", "socket", cfg.SASL.Socket, "auth", cfg.Auth.Backend, "domain", cfg.Auth.Domain)
	err := srv.Serve(ctx)
	level.Info(logger).Log("msg", "SASL authentication service stopped")
	return err
}
