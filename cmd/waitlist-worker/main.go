package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
	"github.com/orthopoint/clinic-booking-engine/internal/config"
	"github.com/orthopoint/clinic-booking-engine/internal/db"
	"github.com/orthopoint/clinic-booking-engine/internal/logger"
	redisclient "github.com/orthopoint/clinic-booking-engine/internal/redis"
	"github.com/orthopoint/clinic-booking-engine/internal/waitlist"
)

// waitlist-worker runs the periodic sweeps: lapsed acceptance holds are
// reverted and re-offered, timed-out entries are expired.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logger.Init(cfg.LogLevel)

	log.Info().Str("env", cfg.Env).Dur("interval", cfg.SweepInterval).Msg("waitlist-worker starting up")

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

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	ledger := booking.NewPgRepository(pgPool)
	svc := booking.NewService(ledger, cat, locker, cfg)

	store := waitlist.NewPgStore(pgPool)
	mgr := waitlist.NewManager(store, store, locker, waitlist.NewRedisNotifier(rdb), svc, cfg)
	svc.AttachWaitlist(mgr)

	sweep := func() {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.SweepInterval)
		defer cancel()

		now := time.Now()
		if err := mgr.SweepHolds(ctx, now); err != nil {
			log.Error().Err(err).Msg("hold sweep failed")
		}
		if err := mgr.SweepExpired(ctx, now); err != nil {
			log.Error().Err(err).Msg("expiry sweep failed")
		}
	}

	// Run once at startup, then on the schedule.
	sweep()

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), sweep); err != nil {
		log.Fatal().Err(err).Msg("schedule sweep")
	}
	c.Start()
	defer c.Stop()

	<-rootCtx.Done()
	log.Info().Msg("shutting down waitlist-worker")
}
