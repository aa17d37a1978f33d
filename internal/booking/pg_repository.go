package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier covers the pgxpool methods the repository needs, so tests can
// substitute a pgxmock pool.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool querier
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithQuerier(q querier) *PgRepository {
	return &PgRepository{pool: q}
}

const bookingColumns = `id, patient_id, branch_code, appointment_type, doctor_id, slot_start, slot_end, status, referral_id, created_at, updated_at, cancelled_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var referralID *uuid.UUID
	var cancelledAt *time.Time

	err := row.Scan(
		&b.ID,
		&b.PatientID,
		&b.Branch,
		&b.Type,
		&b.Doctor,
		&b.Start,
		&b.End,
		&b.Status,
		&referralID,
		&b.CreatedAt,
		&b.UpdatedAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	b.ReferralID = referralID
	b.CancelledAt = cancelledAt
	return &b, nil
}

// Commit inserts a confirmed booking. The partial unique index on active
// (branch, doctor, slot_start) is the compare-and-commit that guarantees a
// single winner under concurrent requests.
func (r *PgRepository) Commit(ctx context.Context, b *Booking) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO bookings (id, patient_id, branch_code, appointment_type, doctor_id, slot_start, slot_end, status, referral_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'confirmed', $8, now(), now())
		RETURNING `+bookingColumns+`
	`, b.ID, b.PatientID, b.Branch, b.Type, b.Doctor, b.Start, b.End, b.ReferralID)

	committed, err := scanBooking(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("commit booking: %w", err)
	}
	return committed, nil
}

// Cancel flips an active booking to cancelled. The status predicate makes
// the update a compare-and-set, so a double cancel reports
// ErrAlreadyCancelled instead of silently overwriting.
func (r *PgRepository) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
		    cancelled_at = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'confirmed'
		RETURNING `+bookingColumns+`
	`, id, now)

	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			existing, getErr := r.GetByID(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			if existing.Status == StatusCancelled {
				return nil, ErrAlreadyCancelled
			}
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("cancel booking: %w", err)
	}
	return b, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, id)
	return scanBooking(row)
}

func (r *PgRepository) Query(ctx context.Context, f QueryFilter) ([]Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE 1=1`
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}

	if f.Branch != "" {
		add("branch_code = $%d", f.Branch)
	}
	if f.PatientID != uuid.Nil {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Doctor != "" {
		add("doctor_id = $%d", f.Doctor)
	}
	if !f.From.IsZero() {
		add("slot_start >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("slot_start < $%d", f.To)
	}
	if !f.IncludeCancelled {
		query += " AND status = 'confirmed'"
	}
	query += " ORDER BY slot_start, created_at"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func (r *PgRepository) countActive(ctx context.Context, cond string, args ...any) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM bookings
		WHERE status = 'confirmed' AND `+cond, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active bookings: %w", err)
	}
	return n, nil
}

func (r *PgRepository) CountActiveBySlot(ctx context.Context, branch, typeID string, start time.Time) (int, error) {
	return r.countActive(ctx,
		`branch_code = $1 AND appointment_type = $2 AND slot_start = $3`,
		branch, typeID, start)
}

func (r *PgRepository) CountActiveByDoctorSlot(ctx context.Context, branch, doctor string, start time.Time) (int, error) {
	return r.countActive(ctx,
		`branch_code = $1 AND doctor_id = $2 AND slot_start = $3`,
		branch, doctor, start)
}

func (r *PgRepository) CountActiveByDoctorDay(ctx context.Context, branch, doctor string, day time.Time) (int, error) {
	from, to := dayBounds(day)
	return r.countActive(ctx,
		`branch_code = $1 AND doctor_id = $2 AND slot_start >= $3 AND slot_start < $4`,
		branch, doctor, from, to)
}

func (r *PgRepository) CountActiveByPatientDay(ctx context.Context, patientID uuid.UUID, day time.Time) (int, error) {
	from, to := dayBounds(day)
	return r.countActive(ctx,
		`patient_id = $1 AND slot_start >= $2 AND slot_start < $3`,
		patientID, from, to)
}

func (r *PgRepository) CountActiveByPatientBranchMonth(ctx context.Context, patientID uuid.UUID, branch string, month time.Time) (int, error) {
	from, to := monthBounds(month)
	return r.countActive(ctx,
		`patient_id = $1 AND branch_code = $2 AND slot_start >= $3 AND slot_start < $4`,
		patientID, branch, from, to)
}

func (r *PgRepository) CountActiveByPatientTypesMonth(ctx context.Context, patientID uuid.UUID, typeIDs []string, month time.Time) (int, error) {
	from, to := monthBounds(month)
	return r.countActive(ctx,
		`patient_id = $1 AND appointment_type = ANY($2) AND slot_start >= $3 AND slot_start < $4`,
		patientID, typeIDs, from, to)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, booking_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.BookingID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func dayBounds(t time.Time) (time.Time, time.Time) {
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return from, from.AddDate(0, 0, 1)
}

func monthBounds(t time.Time) (time.Time, time.Time) {
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return from, from.AddDate(0, 1, 0)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
