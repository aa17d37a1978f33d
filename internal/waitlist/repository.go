package waitlist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("waitlist entry not found")

	// ErrInvalidTransition is returned by the status updates when the entry
	// is not in the expected source state, which keeps transitions monotonic
	// under concurrent sweeps and matches.
	ErrInvalidTransition = errors.New("invalid waitlist status transition")

	// ErrNoActiveOffer means the entry is not holding a live offer: never
	// notified, hold lapsed, or already terminal.
	ErrNoActiveOffer = errors.New("waitlist entry has no active offer")
)

// Store persists waitlist entries. Every status update is a compare-and-set
// on the source status.
type Store interface {
	Enqueue(ctx context.Context, e *Entry) (*Entry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)

	// OldestPending returns the earliest-created pending, unexpired entry in
	// the (branch, type) bucket whose window contains slotStart. exclude
	// skips one entry id, used when a lapsed holder must yield to the next
	// in line. ErrEntryNotFound when the bucket has no candidate.
	OldestPending(ctx context.Context, branch, typeID string, slotStart, now time.Time, exclude uuid.UUID) (*Entry, error)

	MarkNotified(ctx context.Context, id uuid.UUID, offer Offer, holdUntil, now time.Time) (*Entry, error)
	RevertToPending(ctx context.Context, id uuid.UUID, now time.Time) (*Entry, error)
	MarkConverted(ctx context.Context, id uuid.UUID, now time.Time) (*Entry, error)
	MarkExpired(ctx context.Context, id uuid.UUID, from Status, now time.Time) (*Entry, error)

	// Sweep feeds.
	FindLapsedHolds(ctx context.Context, now time.Time) ([]Entry, error)
	FindExpired(ctx context.Context, now time.Time) ([]Entry, error)
}

// ProcessedStore records slot-release event ids that were already consumed,
// so replays are dropped.
type ProcessedStore interface {
	// MarkProcessed returns false when the event id was seen before.
	MarkProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
}
