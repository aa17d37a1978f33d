package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a ledger backed by process memory. It maintains the
// same scope-keyed indexes the Postgres schema does, so limit counts stay
// O(1) per check, and it serves as the reference implementation for the
// engine's deterministic properties in tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]*Booking
	events   []EventLog

	doctorSlot         map[string]uuid.UUID
	slotCount          map[string]int
	doctorDay          map[string]int
	patientDay         map[string]int
	patientBranchMonth map[string]int
	patientTypeMonth   map[string]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bookings:           make(map[uuid.UUID]*Booking),
		doctorSlot:         make(map[string]uuid.UUID),
		slotCount:          make(map[string]int),
		doctorDay:          make(map[string]int),
		patientDay:         make(map[string]int),
		patientBranchMonth: make(map[string]int),
		patientTypeMonth:   make(map[string]int),
	}
}

func doctorSlotKey(branch, doctor string, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", branch, doctor, start.Unix())
}

func slotKey(branch, typeID string, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", branch, typeID, start.Unix())
}

func dayKey(prefix string, t time.Time) string {
	return prefix + "|" + t.Format("2006-01-02")
}

func monthKey(prefix string, t time.Time) string {
	return prefix + "|" + t.Format("2006-01")
}

func (r *MemoryRepository) index(b *Booking, delta int) {
	r.slotCount[slotKey(b.Branch, b.Type, b.Start)] += delta
	r.doctorDay[dayKey(b.Branch+"|"+b.Doctor, b.Start)] += delta
	r.patientDay[dayKey(b.PatientID.String(), b.Start)] += delta
	r.patientBranchMonth[monthKey(b.PatientID.String()+"|"+b.Branch, b.Start)] += delta
	r.patientTypeMonth[monthKey(b.PatientID.String()+"|"+b.Type, b.Start)] += delta
}

func (r *MemoryRepository) Commit(ctx context.Context, b *Booking) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := doctorSlotKey(b.Branch, b.Doctor, b.Start)
	if _, taken := r.doctorSlot[key]; taken {
		return nil, ErrSlotConflict
	}

	stored := *b
	stored.Status = StatusConfirmed
	r.bookings[stored.ID] = &stored
	r.doctorSlot[key] = stored.ID
	r.index(&stored, +1)

	out := stored
	return &out, nil
}

func (r *MemoryRepository) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if b.Status == StatusCancelled {
		return nil, ErrAlreadyCancelled
	}

	b.Status = StatusCancelled
	t := now
	b.CancelledAt = &t
	b.UpdatedAt = now

	delete(r.doctorSlot, doctorSlotKey(b.Branch, b.Doctor, b.Start))
	r.index(b, -1)

	out := *b
	return &out, nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	out := *b
	return &out, nil
}

func (r *MemoryRepository) Query(ctx context.Context, f QueryFilter) ([]Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Booking
	for _, b := range r.bookings {
		if f.Branch != "" && b.Branch != f.Branch {
			continue
		}
		if f.PatientID != uuid.Nil && b.PatientID != f.PatientID {
			continue
		}
		if f.Doctor != "" && b.Doctor != f.Doctor {
			continue
		}
		if !f.From.IsZero() && b.Start.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !b.Start.Before(f.To) {
			continue
		}
		if !f.IncludeCancelled && b.Status != StatusConfirmed {
			continue
		}
		result = append(result, *b)
	}
	return result, nil
}

func (r *MemoryRepository) CountActiveBySlot(ctx context.Context, branch, typeID string, start time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slotCount[slotKey(branch, typeID, start)], nil
}

func (r *MemoryRepository) CountActiveByDoctorSlot(ctx context.Context, branch, doctor string, start time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, taken := r.doctorSlot[doctorSlotKey(branch, doctor, start)]; taken {
		return 1, nil
	}
	return 0, nil
}

func (r *MemoryRepository) CountActiveByDoctorDay(ctx context.Context, branch, doctor string, day time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doctorDay[dayKey(branch+"|"+doctor, day)], nil
}

func (r *MemoryRepository) CountActiveByPatientDay(ctx context.Context, patientID uuid.UUID, day time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.patientDay[dayKey(patientID.String(), day)], nil
}

func (r *MemoryRepository) CountActiveByPatientBranchMonth(ctx context.Context, patientID uuid.UUID, branch string, month time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.patientBranchMonth[monthKey(patientID.String()+"|"+branch, month)], nil
}

func (r *MemoryRepository) CountActiveByPatientTypesMonth(ctx context.Context, patientID uuid.UUID, typeIDs []string, month time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, typeID := range typeIDs {
		n += r.patientTypeMonth[monthKey(patientID.String()+"|"+typeID, month)]
	}
	return n, nil
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the audit trail.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}
