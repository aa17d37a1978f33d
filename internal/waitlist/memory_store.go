package waitlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store and ProcessedStore for tests and the
// simulator.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*Entry
	processed map[uuid.UUID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[uuid.UUID]*Entry),
		processed: make(map[uuid.UUID]struct{}),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.entries[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) OldestPending(_ context.Context, branch, typeID string, slotStart, now time.Time, exclude uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Entry
	for _, e := range s.entries {
		if e.ID == exclude {
			continue
		}
		if e.Status != StatusPending || e.Branch != branch || e.Type != typeID {
			continue
		}
		if now.After(e.ExpiresAt) {
			continue
		}
		if slotStart.Before(e.WindowStart) || !slotStart.Before(e.WindowEnd) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, ErrEntryNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID.String() < candidates[j].ID.String()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

func (s *MemoryStore) transition(id uuid.UUID, from Status, apply func(*Entry)) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status != from {
		return nil, ErrInvalidTransition
	}
	apply(e)
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) MarkNotified(_ context.Context, id uuid.UUID, offer Offer, holdUntil, now time.Time) (*Entry, error) {
	return s.transition(id, StatusPending, func(e *Entry) {
		e.Status = StatusNotified
		e.NotifiedAt = &now
		e.HoldExpiresAt = &holdUntil
		e.OfferedDoctor = offer.Doctor
		start, end := offer.Start, offer.End
		e.OfferedStart = &start
		e.OfferedEnd = &end
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) RevertToPending(_ context.Context, id uuid.UUID, now time.Time) (*Entry, error) {
	return s.transition(id, StatusNotified, func(e *Entry) {
		e.Status = StatusPending
		e.HoldExpiresAt = nil
		e.OfferedDoctor = ""
		e.OfferedStart = nil
		e.OfferedEnd = nil
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkConverted(_ context.Context, id uuid.UUID, now time.Time) (*Entry, error) {
	return s.transition(id, StatusNotified, func(e *Entry) {
		e.Status = StatusConverted
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) MarkExpired(_ context.Context, id uuid.UUID, from Status, now time.Time) (*Entry, error) {
	return s.transition(id, from, func(e *Entry) {
		e.Status = StatusExpired
		e.UpdatedAt = now
	})
}

func (s *MemoryStore) FindLapsedHolds(_ context.Context, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Status == StatusNotified && e.HoldExpiresAt != nil && now.After(*e.HoldExpiresAt) {
			out = append(out, *e)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) FindExpired(_ context.Context, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if (e.Status == StatusPending || e.Status == StatusNotified) && now.After(e.ExpiresAt) {
			out = append(out, *e)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.processed[eventID]; seen {
		return false, nil
	}
	s.processed[eventID] = struct{}{}
	return true, nil
}

func sortByCreated(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
