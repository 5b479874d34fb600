package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"rook/internal/auth"
	"rook/internal/blobstorage"
	"rook/internal/conf"
	"rook/internal/db"
	"rook/internal/delivery/lmtp"
	"rook/internal/delivery/storage"
	"rook/internal/imap/processor"
	"rook/internal/logging"
	"rook/internal/mailbox"
	"rook/internal/metrics"
	"rook/internal/server"
	"rook/internal/store/memstore"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (searches the default locations when empty)")
	addUser := flag.String("adduser", "", "Set the password of this user, read from stdin, and exit")
	flag.Parse()

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rook: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if *addUser != "" {
		err = setPassword(cfg, *addUser)
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = run(ctx, cfg, logger)
		stop()
	}
	if err != nil {
		level.Error(logger).Log("msg", "exiting", "err", err)
		os.Exit(1)
	}
}

// setPassword stores a bcrypt hash for user in the shared users table.
func setPassword(cfg *conf.Config, user string) error {
	if cfg.Storage.Backend != "sqlite" {
		return fmt.Errorf("-adduser needs the sqlite storage backend")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	dbm, err := db.NewDBManager(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer dbm.Close()

	user = auth.QualifyUsername(user, cfg.Auth.Domain)
	if err := db.SetUserPassword(dbm.GetSharedDB(), user, password); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	fmt.Fprintf(os.Stderr, "password set for %s\n", user)
	return nil
}

func run(ctx context.Context, cfg *conf.Config, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var (
		factory mailbox.MapperFactory
		dbm     *db.DBManager
	)
	switch cfg.Storage.Backend {
	case "sqlite":
		opts := []db.Option{db.WithLogger(log.With(logger, "component", "db"))}
		if cfg.BlobStorage.Enabled {
			blobs, err := blobstorage.NewS3BlobStorage(ctx, cfg.BlobStorage)
			if err != nil {
				return fmt.Errorf("failed to initialize blob storage: %w", err)
			}
			level.Info(logger).Log("msg", "S3 blob storage enabled", "endpoint", cfg.BlobStorage.Endpoint, "bucket", cfg.BlobStorage.Bucket)
			opts = append(opts, db.WithBlobStorage(blobs))
		}
		var err error
		dbm, err = db.NewDBManager(cfg.Storage.Path, opts...)
		if err != nil {
			return err
		}
		defer func() {
			if err := dbm.Close(); err != nil {
				level.Warn(logger).Log("msg", "failed to close databases", "err", err)
			}
		}()
		factory = dbm
		level.Info(logger).Log("msg", "using sqlite storage", "path", cfg.Storage.Path)
	case "memory":
		factory = memstore.New()
		level.Warn(logger).Log("msg", "using in-memory storage, mail is lost on exit")
	}

	authenticator, err := newAuthenticator(cfg, dbm)
	if err != nil {
		return err
	}

	manager := mailbox.NewManager(factory,
		mailbox.WithUIDValidityOnRename(cfg.Storage.UIDValidityOnRename),
		mailbox.WithLogger(log.With(logger, "component", "mailbox")),
	)

	chain := processor.NewChain(processor.Config{
		Manager:       manager,
		Authenticator: authenticator,
		Domain:        cfg.Auth.Domain,
		Logger:        log.With(logger, "component", "imap"),
		Metrics:       m,
	})

	srvCfg := server.Config{
		Addr:        cfg.Server.Addr,
		TLSAddr:     cfg.Server.TLSAddr,
		Greeting:    cfg.Server.Greeting,
		IdleTimeout: cfg.Server.IdleTimeoutDuration(),
		MaxLiteral:  cfg.Server.MaxLiteral,
	}
	if cfg.Server.TLSAddr != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		srvCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	imapServer := server.NewIMAPServer(srvCfg, chain,
		server.WithLogger(log.With(logger, "component", "imap")),
		server.WithMetrics(m),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return imapServer.Serve(ctx) })

	if cfg.Delivery.LMTP.Enabled {
		opts := []storage.Option{storage.WithLogger(log.With(logger, "component", "delivery"))}
		if dbm != nil {
			opts = append(opts, storage.WithUserDirectory(dbm))
		}
		stor := storage.NewStorage(manager, cfg.Delivery.Delivery, opts...)
		lmtpServer := lmtp.NewServer(&cfg.Delivery, stor,
			lmtp.WithLogger(log.With(logger, "component", "lmtp")),
			lmtp.WithMetrics(m),
		)
		g.Go(func() error { return lmtpServer.Serve(ctx) })
	}

	g.Go(func() error { return metrics.Serve(ctx, logger, cfg.Metrics.Addr, reg) })

	level.Info(logger).Log("msg", "rook started")
	err = g.Wait()
	level.Info(logger).Log("msg", "rook stopped")
	return err
}

func newAuthenticator(cfg *conf.Config, dbm *db.DBManager) (auth.Authenticator, error) {
	if dbm == nil {
		return auth.New(cfg.Auth, nil)
	}
	return auth.New(cfg.Auth, dbm.GetSharedDB())
}
