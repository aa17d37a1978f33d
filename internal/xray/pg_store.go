package xray

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgReferralStore struct {
	pool querier
}

func NewPgReferralStore(pool *pgxpool.Pool) *PgReferralStore {
	return &PgReferralStore{pool: pool}
}

func newPgReferralStoreWithQuerier(q querier) *PgReferralStore {
	return &PgReferralStore{pool: q}
}

const referralColumns = `id, patient_id, appointment_type, issued_by, issued_at, expires_at`

func scanReferral(row pgx.Row) (*Referral, error) {
	var r Referral
	err := row.Scan(&r.ID, &r.PatientID, &r.Type, &r.IssuedBy, &r.IssuedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PgReferralStore) Create(ctx context.Context, r *Referral) (*Referral, error) {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO referrals (id, patient_id, appointment_type, issued_by, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+referralColumns+`
	`, id, r.PatientID, r.Type, r.IssuedBy, r.IssuedAt, r.ExpiresAt)

	return scanReferral(row)
}

func (s *PgReferralStore) GetByID(ctx context.Context, id uuid.UUID) (*Referral, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id)
	return scanReferral(row)
}
