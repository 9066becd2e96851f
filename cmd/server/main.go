package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/locations"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := storage.Open(ctx, storage.Options{
		Backend:       cfg.StoreBackend,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisPrefix:   cfg.RedisPrefix,
		MongoURI:      cfg.MongoURI,
		MongoDB:       cfg.MongoDB,
		PGDSN:         cfg.PGDSN,
		Migrate:       cfg.RunMigrations,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()
	store := handle.Store

	var pub events.Publisher = events.Nop{}
	var locPub locations.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		eventsPub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer eventsPub.Close()
		pub = eventsPub

		lp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		defer lp.Close()
		locPub = lp
	}

	wsReg := dispatch.NewWSRegistry()
	var push dispatch.Notifier
	if cfg.FCMEndpoint != "" {
		push = dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey)
	}
	sender := dispatch.NewOfferDispatcher(store, dispatch.NewFallbackNotifier(wsReg, push), logging.With(logger, "dispatch"))

	fares := fare.DefaultTable()
	lc := lifecycle.NewManager(store, fares, pub, logging.With(logger, "lifecycle"))
	sel := matcher.NewService(store, logging.With(logger, "matcher"), matcher.Options{
		MaxRadiusMeters: cfg.MaxRadiusMeters,
		MaxResults:      cfg.MaxResults,
	})
	seq := offers.NewSequencer(store, sender, lc, pub, offers.Config{
		OfferTimeout:    cfg.OfferTimeout,
		MinOfferSpacing: cfg.MinOfferSpacing,
	}, logging.With(logger, "offers"))
	defer seq.Close()

	svc := rides.NewService(sel, seq, lc, fares, sender, logging.With(logger, "rides"))

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Rides:     svc,
		Store:     store,
		Locations: locPub,
		WSReg:     wsReg,
		Auth:      verifier,
		Ready:     func(r *http.Request) error { return handle.Ping(r.Context()) },
		Logger:    logging.With(logger, "http"),
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
