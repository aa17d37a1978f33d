package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LimitTracker answers "would one more booking exceed this ceiling" questions
// against the ledger. It holds no state of its own (I3): every count is a
// scope-keyed read of active bookings.
type LimitTracker struct {
	ledger Repository
}

func NewLimitTracker(ledger Repository) *LimitTracker {
	return &LimitTracker{ledger: ledger}
}

// A ceiling of zero or less means the limit is not configured.

func (t *LimitTracker) WouldExceedPatientDay(ctx context.Context, patientID uuid.UUID, day time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := t.ledger.CountActiveByPatientDay(ctx, patientID, day)
	if err != nil {
		return false, err
	}
	return n+1 > limit, nil
}

func (t *LimitTracker) WouldExceedPatientBranchMonth(ctx context.Context, patientID uuid.UUID, branch string, month time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := t.ledger.CountActiveByPatientBranchMonth(ctx, patientID, branch, month)
	if err != nil {
		return false, err
	}
	return n+1 > limit, nil
}

// WouldExceedPatientTypesMonth covers category-scoped ceilings such as the
// radiology repeat-exposure limit.
func (t *LimitTracker) WouldExceedPatientTypesMonth(ctx context.Context, patientID uuid.UUID, typeIDs []string, month time.Time, limit int) (bool, error) {
	if limit <= 0 || len(typeIDs) == 0 {
		return false, nil
	}
	n, err := t.ledger.CountActiveByPatientTypesMonth(ctx, patientID, typeIDs, month)
	if err != nil {
		return false, err
	}
	return n+1 > limit, nil
}

func (t *LimitTracker) WouldExceedDoctorDay(ctx context.Context, branch, doctor string, day time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := t.ledger.CountActiveByDoctorDay(ctx, branch, doctor, day)
	if err != nil {
		return false, err
	}
	return n+1 > limit, nil
}

// SlotAtCapacity reports whether the (branch, type, slot start) bucket has
// reached its configured concurrency.
func (t *LimitTracker) SlotAtCapacity(ctx context.Context, branch, typeID string, start time.Time, maxPerSlot int) (bool, error) {
	n, err := t.ledger.CountActiveBySlot(ctx, branch, typeID, start)
	if err != nil {
		return false, err
	}
	return n >= maxPerSlot, nil
}
