package main

import (
	"context"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
	"github.com/orthopoint/clinic-booking-engine/internal/config"
	"github.com/orthopoint/clinic-booking-engine/internal/db"
	"github.com/orthopoint/clinic-booking-engine/internal/logger"
)

// seed fills the referrals table with plausible clinician-issued referrals
// for every referral-gated appointment type in the catalog.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logger.Init(cfg.LogLevel)

	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	cat, err := catalog.OpenFile(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("catalog load error")
	}

	gofakeit.Seed(time.Now().UnixNano())

	snap := cat.Snapshot()
	var gated []string
	for _, b := range snap.Branches() {
		for _, typeID := range b.Types {
			t, ok := snap.Type(typeID)
			if ok && t.RequiresReferral && !contains(gated, typeID) {
				gated = append(gated, typeID)
			}
		}
	}
	if len(gated) == 0 {
		log.Info().Msg("no referral-gated types in catalog, nothing to seed")
		return
	}

	if err := seedReferrals(ctx, pool, gated, 2000); err != nil {
		log.Fatal().Err(err).Msg("seed referrals")
	}

	log.Info().Msg("seed complete")
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func seedReferrals(ctx context.Context, pool *pgxpool.Pool, types []string, count int) error {
	log.Info().Int("count", count).Msg("seeding referrals")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			patientID := uuid.New()
			typeID := types[gofakeit.Number(0, len(types)-1)]
			issuedBy := "dr-" + gofakeit.LastName()
			issuedAt := gofakeit.DateRange(time.Now().AddDate(0, -2, 0), time.Now())
			expiresAt := issuedAt.AddDate(0, 3, 0)

			_, err := tx.Exec(ctx, `
				INSERT INTO referrals (id, patient_id, appointment_type, issued_by, issued_at, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, id, patientID, typeID, issuedBy, issuedAt, expiresAt)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Info().Msg("referrals seeded")
	return nil
}
