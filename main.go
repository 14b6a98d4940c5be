package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/inbox-sync/internal/api"
	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/config"
	"github.com/Martian-dev/inbox-sync/internal/credential"
	"github.com/Martian-dev/inbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/inbox-sync/internal/imapclient"
	natsjs "github.com/Martian-dev/inbox-sync/internal/nats"
	"github.com/Martian-dev/inbox-sync/internal/providers"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting inbox sync")

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := openKeys(cfg)
	if err != nil {
		return err
	}

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	factory := providers.NewDefaultFactory(accounts.CapabilityTable(), providers.Deps{
		Broker:  auth.NewBrokerClient(cfg.AuthServerURL, cfg.ServiceToken),
		Keys:    keys,
		Fetcher: imapclient.New(logger, cfg.IMAPDialTimeout),
		Logger:  logger,
	})

	runner := &sync.Runner{
		Providers:   factory,
		Store:       store,
		Logger:      logger,
		MinInterval: cfg.MinSyncInterval,
	}
	manager := sync.NewManager(runner, logger)
	for _, acc := range accounts.Accounts {
		res := factory.ValidateProviderConfig(acc.ProviderType, acc)
		if !res.Success {
			logger.Warn("skipping invalid account", "account_id", acc.ID, "errors", res.Errors)
			continue
		}
		register := manager.Register
		if res.InboundDisabled {
			register = manager.RegisterIdle
		}
		if err := register(acc); err != nil {
			return err
		}
	}
	logger.Info("accounts loaded", "count", len(manager.Accounts()))

	if cfg.PublishingEnabled() {
		pub, err := natsjs.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx, natsjs.DefaultStream); err != nil {
			return err
		}
		dispatcher := &sync.Dispatcher{
			Outbox:    store,
			Publisher: pub,
			Logger:    logger.With("component", "dispatcher"),
			Idle:      cfg.DispatchInterval,
		}
		go dispatcher.Run(ctx)
	} else {
		logger.Warn("NATS_URL not set; events stay in the outbox")
	}

	if cfg.AutoStart {
		manager.StartAll(ctx)
	}

	var srv *http.Server
	if cfg.JWKSURL != "" {
		var opts []auth.VerifierOption
		if cfg.Audience != "" {
			opts = append(opts, auth.WithAudience(cfg.Audience))
		}
		opts = append(opts, auth.WithVerifierLogger(logger))
		verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL, opts...)
		if err != nil {
			return err
		}

		gin.SetMode(gin.ReleaseMode)
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.New(ctx, factory, manager, store, verifier, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("admin API listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin API failed", "error", err)
				stop()
			}
		}()
	} else {
		logger.Warn("JWKS_URL not set; admin API disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin API shutdown", "error", err)
		}
	}
	manager.StopAll()
	return nil
}

func openKeys(cfg *config.Config) (credential.KeyProvider, error) {
	if cfg.EncryptionKey != "" {
		key, err := credential.ParseHexKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
	ring, err := credential.OpenKeyring(cfg.KeyringDir, cfg.KeyringFilePassword)
	if err != nil {
		return nil, err
	}
	return ring, nil
}
