package waitlist

import (
	"context"
	"errors"
	"time"

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

// PgStore persists waitlist entries and consumed slot-release event ids in
// Postgres. Status updates are compare-and-set on the current status.
type PgStore struct {
	pool querier
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func newPgStoreWithQuerier(q querier) *PgStore {
	return &PgStore{pool: q}
}

const entryColumns = `id, patient_id, branch_code, appointment_type, preferred_doctor, referral_id, window_start, window_end, status, created_at, updated_at, expires_at, notified_at, hold_expires_at, offered_doctor, offered_start, offered_end`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var preferred, offeredDoctor *string

	err := row.Scan(
		&e.ID,
		&e.PatientID,
		&e.Branch,
		&e.Type,
		&preferred,
		&e.ReferralID,
		&e.WindowStart,
		&e.WindowEnd,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ExpiresAt,
		&e.NotifiedAt,
		&e.HoldExpiresAt,
		&offeredDoctor,
		&e.OfferedStart,
		&e.OfferedEnd,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	if preferred != nil {
		e.PreferredDoctor = *preferred
	}
	if offeredDoctor != nil {
		e.OfferedDoctor = *offeredDoctor
	}
	return &e, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PgStore) Enqueue(ctx context.Context, e *Entry) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO waitlist_entries (id, patient_id, branch_code, appointment_type, preferred_doctor, referral_id, window_start, window_end, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', now(), now(), $9)
		RETURNING `+entryColumns+`
	`, e.ID, e.PatientID, e.Branch, e.Type, nullableString(e.PreferredDoctor), e.ReferralID, e.WindowStart, e.WindowEnd, e.ExpiresAt)

	return scanEntry(row)
}

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = $1`, id)
	return scanEntry(row)
}

func (s *PgStore) OldestPending(ctx context.Context, branch, typeID string, slotStart, now time.Time, exclude uuid.UUID) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE branch_code = $1
		  AND appointment_type = $2
		  AND status = 'pending'
		  AND expires_at > $3
		  AND window_start <= $4
		  AND window_end > $4
		  AND id <> $5
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, branch, typeID, now, slotStart, exclude)

	return scanEntry(row)
}

// update runs a CAS status update; no matching row means the entry either
// does not exist or is not in the expected source state.
func (s *PgStore) update(ctx context.Context, id uuid.UUID, sql string, args ...any) (*Entry, error) {
	row := s.pool.QueryRow(ctx, sql, args...)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			if _, getErr := s.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return e, nil
}

func (s *PgStore) MarkNotified(ctx context.Context, id uuid.UUID, offer Offer, holdUntil, now time.Time) (*Entry, error) {
	return s.update(ctx, id, `
		UPDATE waitlist_entries
		SET status = 'notified', notified_at = $2, hold_expires_at = $3,
		    offered_doctor = $4, offered_start = $5, offered_end = $6, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+entryColumns+`
	`, id, now, holdUntil, nullableString(offer.Doctor), offer.Start, offer.End)
}

func (s *PgStore) RevertToPending(ctx context.Context, id uuid.UUID, now time.Time) (*Entry, error) {
	return s.update(ctx, id, `
		UPDATE waitlist_entries
		SET status = 'pending', hold_expires_at = NULL,
		    offered_doctor = NULL, offered_start = NULL, offered_end = NULL, updated_at = $2
		WHERE id = $1 AND status = 'notified'
		RETURNING `+entryColumns+`
	`, id, now)
}

func (s *PgStore) MarkConverted(ctx context.Context, id uuid.UUID, now time.Time) (*Entry, error) {
	return s.update(ctx, id, `
		UPDATE waitlist_entries
		SET status = 'converted', updated_at = $2
		WHERE id = $1 AND status = 'notified'
		RETURNING `+entryColumns+`
	`, id, now)
}

func (s *PgStore) MarkExpired(ctx context.Context, id uuid.UUID, from Status, now time.Time) (*Entry, error) {
	return s.update(ctx, id, `
		UPDATE waitlist_entries
		SET status = 'expired', updated_at = $3
		WHERE id = $1 AND status = $2
		RETURNING `+entryColumns+`
	`, id, from, now)
}

func (s *PgStore) find(ctx context.Context, sql string, args ...any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PgStore) FindLapsedHolds(ctx context.Context, now time.Time) ([]Entry, error) {
	return s.find(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE status = 'notified' AND hold_expires_at < $1
		ORDER BY created_at ASC
	`, now)
}

func (s *PgStore) FindExpired(ctx context.Context, now time.Time) ([]Entry, error) {
	return s.find(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE status IN ('pending', 'notified') AND expires_at < $1
		ORDER BY created_at ASC
	`, now)
}

// MarkProcessed inserts the event id; a conflict means the release was
// already handled.
func (s *PgStore) MarkProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_releases (event_id, processed_at)
		VALUES ($1, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
