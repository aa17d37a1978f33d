package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/api"
	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
	"github.com/orthopoint/clinic-booking-engine/internal/config"
	"github.com/orthopoint/clinic-booking-engine/internal/db"
	"github.com/orthopoint/clinic-booking-engine/internal/logger"
	redisclient "github.com/orthopoint/clinic-booking-engine/internal/redis"
	"github.com/orthopoint/clinic-booking-engine/internal/waitlist"
	"github.com/orthopoint/clinic-booking-engine/internal/xray"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logger.Init(cfg.LogLevel)

	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	cat, err := catalog.OpenFile(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("catalog load error")
	}
	log.Info().Int("branches", len(cat.Snapshot().Branches())).Msg("catalog loaded")

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)

	ledger := booking.NewPgRepository(pgPool)
	svc := booking.NewService(ledger, cat, locker, cfg)

	store := waitlist.NewPgStore(pgPool)
	notifier := waitlist.NewRedisNotifier(rdb)
	mgr := waitlist.NewManager(store, store, locker, notifier, svc, cfg)
	svc.AttachWaitlist(mgr)

	referrals := xray.NewPgReferralStore(pgPool)
	ctrl := xray.NewController(svc, referrals, booking.NewLimitTracker(ledger), cat)
	mgr.AttachGate(ctrl)

	// SIGHUP swaps in a freshly validated catalog; a rejected file keeps the
	// previous snapshot live.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := cat.Reload(); err != nil {
				log.Error().Err(err).Str("path", cfg.CatalogPath).Msg("catalog reload rejected")
				continue
			}
			log.Info().Int("branches", len(cat.Snapshot().Branches())).Msg("catalog reloaded")
		}
	}()

	router := api.NewRouter(api.RouterConfig{
		Bookings: svc,
		Waitlist: mgr,
		Xray:     ctrl,
		Catalog:  cat,
		PgPool:   pgPool,
		Redis:    rdb,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
}
