package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookingNotFound  = errors.New("booking not found")
	ErrAlreadyCancelled = errors.New("booking already cancelled")

	// ErrSlotConflict is returned by Commit when the slot already has an
	// active booking for the same doctor. This is the linearization point
	// that prevents double booking under concurrent requests.
	ErrSlotConflict = errors.New("slot already has an active booking")

	// ErrUnavailable marks a collaborator failure (storage, locking). It is
	// never a rejection: callers may retry.
	ErrUnavailable = errors.New("booking engine dependency unavailable")
)

// QueryFilter narrows a ledger query. Zero fields are ignored.
type QueryFilter struct {
	Branch           string
	PatientID        uuid.UUID
	Doctor           string
	From             time.Time
	To               time.Time
	IncludeCancelled bool
}

// Repository is the allocation ledger: the source of truth for slot
// occupancy. All limit counts are derived from it, never maintained as
// independent counters, so they are always recomputable.
type Repository interface {
	Commit(ctx context.Context, b *Booking) (*Booking, error)
	Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Booking, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	Query(ctx context.Context, f QueryFilter) ([]Booking, error)

	// Scope-keyed counts over active bookings. Implementations index by the
	// scope key; a count is never a full ledger scan.
	CountActiveBySlot(ctx context.Context, branch, typeID string, start time.Time) (int, error)
	CountActiveByDoctorSlot(ctx context.Context, branch, doctor string, start time.Time) (int, error)
	CountActiveByDoctorDay(ctx context.Context, branch, doctor string, day time.Time) (int, error)
	CountActiveByPatientDay(ctx context.Context, patientID uuid.UUID, day time.Time) (int, error)
	CountActiveByPatientBranchMonth(ctx context.Context, patientID uuid.UUID, branch string, month time.Time) (int, error)
	CountActiveByPatientTypesMonth(ctx context.Context, patientID uuid.UUID, typeIDs []string, month time.Time) (int, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
