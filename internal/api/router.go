package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
	"github.com/orthopoint/clinic-booking-engine/internal/waitlist"
	"github.com/orthopoint/clinic-booking-engine/internal/xray"
)

type RouterConfig struct {
	Bookings *booking.Service
	Waitlist *waitlist.Manager
	Xray     *xray.Controller
	Catalog  *catalog.Store
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/catalog/branches", listBranchesHandler(cfg.Catalog))
	r.Post("/admin/catalog/reload", reloadCatalogHandler(cfg.Catalog))

	r.Post("/bookings", submitBookingHandler(cfg.Xray))
	r.Post("/bookings/validate", validateBookingHandler(cfg.Xray))
	r.Get("/bookings/{id}", getBookingHandler(cfg.Bookings))
	r.Post("/bookings/{id}/cancel", cancelBookingHandler(cfg.Bookings))

	r.Post("/xray-bookings", submitBookingHandler(cfg.Xray))
	r.Post("/referrals", createReferralHandler(cfg.Xray))
	r.Get("/referrals/{id}", getReferralHandler(cfg.Xray))

	r.Get("/waitlist/{id}", getWaitlistEntryHandler(cfg.Waitlist))
	r.Post("/waitlist/{id}/accept", acceptOfferHandler(cfg.Waitlist))

	return r
}
