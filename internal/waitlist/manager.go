package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	"github.com/orthopoint/clinic-booking-engine/internal/config"
	redisclient "github.com/orthopoint/clinic-booking-engine/internal/redis"
)

// Booker converts an accepted offer into a booking. Implemented by the
// booking service; the no-defer variant is required so a lost slot reverts
// the existing entry instead of enqueueing a second one.
type Booker interface {
	TryBook(ctx context.Context, req booking.Request, now time.Time) (*booking.ValidationResult, error)
}

// Gate re-validates an entry's authorization at conversion time. Implemented
// by the x-ray referral controller: a referral that was live at enqueue may
// have expired by the time the offer is accepted.
type Gate interface {
	Recheck(ctx context.Context, req booking.Request, now time.Time) ([]booking.Reason, error)
}

// Manager owns deferred requests: enqueueing, slot-release matching in FIFO
// order, offer holds, and the expiry sweeps.
type Manager struct {
	store     Store
	processed ProcessedStore
	locker    redisclient.Locker
	notifier  Notifier
	booker    Booker
	gate      Gate
	cfg       config.Config
	now       func() time.Time
}

func NewManager(store Store, processed ProcessedStore, locker redisclient.Locker, notifier Notifier, booker Booker, cfg config.Config) *Manager {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Manager{
		store:     store,
		processed: processed,
		locker:    locker,
		notifier:  notifier,
		booker:    booker,
		cfg:       cfg,
		now:       time.Now,
	}
}

// AttachGate wires the conversion-time authorization check in after
// construction; the gate needs the booking service, so the two are linked in
// main.
func (m *Manager) AttachGate(g Gate) {
	m.gate = g
}

// Enqueue defers a request. The matching window is the whole requested day:
// a patient deferred from a 09:00 slot is a candidate for any freed slot on
// that date at the same branch and type.
func (m *Manager) Enqueue(ctx context.Context, req booking.Request, expiry time.Time) (*Entry, error) {
	windowStart := time.Date(req.Start.Year(), req.Start.Month(), req.Start.Day(), 0, 0, 0, 0, req.Start.Location())

	now := m.now()
	e := &Entry{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		Branch:          req.Branch,
		Type:            req.Type,
		PreferredDoctor: req.PreferredDoctor,
		ReferralID:      req.ReferralID,
		WindowStart:     windowStart,
		WindowEnd:       windowStart.AddDate(0, 0, 1),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       expiry,
	}

	stored, err := m.store.Enqueue(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("enqueue waitlist entry: %w", err)
	}
	return stored, nil
}

// Defer adapts Enqueue to the booking service's waitlist contract.
func (m *Manager) Defer(ctx context.Context, req booking.Request, expiry time.Time) (uuid.UUID, error) {
	e, err := m.Enqueue(ctx, req, expiry)
	if err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

// OnSlotRelease matches a freed slot against the oldest pending entry in its
// bucket. Replayed event ids are dropped before any matching runs; matching
// for one (branch, type) bucket is serialized through the bucket lock so
// concurrent releases preserve FIFO fairness.
func (m *Manager) OnSlotRelease(ctx context.Context, evt booking.SlotReleaseEvent) error {
	fresh, err := m.processed.MarkProcessed(ctx, evt.ID)
	if err != nil {
		return fmt.Errorf("record slot release %s: %w", evt.ID, err)
	}
	if !fresh {
		log.Debug().Str("event_id", evt.ID.String()).Msg("slot release replay dropped")
		return nil
	}

	return m.matchBucket(ctx, evt, uuid.Nil)
}

func (m *Manager) bucketKey(branch, typeID string) string {
	return fmt.Sprintf("bucket:%s:%s", branch, typeID)
}

func (m *Manager) matchBucket(ctx context.Context, evt booking.SlotReleaseEvent, exclude uuid.UUID) error {
	return m.locker.WithLock(ctx, m.bucketKey(evt.Branch, evt.Type), func(lockCtx context.Context) error {
		now := m.now()

		entry, err := m.store.OldestPending(lockCtx, evt.Branch, evt.Type, evt.Start, now, exclude)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return nil
			}
			return fmt.Errorf("find waitlist candidate: %w", err)
		}

		offer := Offer{Doctor: evt.Doctor, Start: evt.Start, End: evt.End}
		notified, err := m.store.MarkNotified(lockCtx, entry.ID, offer, now.Add(m.cfg.AcceptanceWindow), now)
		if err != nil {
			return fmt.Errorf("notify waitlist entry %s: %w", entry.ID, err)
		}

		if err := m.notifier.Notify(lockCtx, notified.PatientID, *notified, offer); err != nil {
			// Delivery belongs to the collaborator; the hold sweep re-offers
			// if nobody converts.
			log.Error().Err(err).Str("entry_id", notified.ID.String()).Msg("offer notification failed")
		}

		log.Info().
			Str("entry_id", notified.ID.String()).
			Str("branch", evt.Branch).
			Str("type", evt.Type).
			Time("slot_start", evt.Start).
			Msg("waitlist entry notified")
		return nil
	})
}

// Accept converts a live offer into a booking. The authorization gate runs
// again first: a referral that lapsed while the entry waited rejects the
// conversion and the held slot moves to the next in line. When the slot was
// lost in the meantime the entry reverts to pending and the (non-admitted)
// validation result is returned to the caller.
func (m *Manager) Accept(ctx context.Context, entryID uuid.UUID, now time.Time) (*booking.ValidationResult, error) {
	e, err := m.store.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if e.Status != StatusNotified || e.OfferedStart == nil {
		return nil, ErrNoActiveOffer
	}
	if e.HoldExpiresAt != nil && now.After(*e.HoldExpiresAt) {
		return nil, ErrNoActiveOffer
	}
	if now.After(e.ExpiresAt) {
		return nil, ErrNoActiveOffer
	}

	if m.gate != nil {
		reasons, err := m.gate.Recheck(ctx, e.Request(), now)
		if err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			if _, err := m.store.MarkExpired(ctx, e.ID, e.Status, now); err != nil && !errors.Is(err, ErrInvalidTransition) {
				return nil, fmt.Errorf("expire waitlist entry %s: %w", e.ID, err)
			}
			m.reoffer(ctx, *e, now)
			return &booking.ValidationResult{Outcome: booking.OutcomeRejected, Reasons: reasons}, nil
		}
	}

	res, err := m.booker.TryBook(ctx, e.Request(), now)
	if err != nil {
		return nil, err
	}

	if res.Outcome == booking.OutcomeAdmitted {
		if _, err := m.store.MarkConverted(ctx, e.ID, now); err != nil {
			return nil, fmt.Errorf("convert waitlist entry %s: %w", e.ID, err)
		}
		return res, nil
	}

	if _, err := m.store.RevertToPending(ctx, e.ID, now); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return nil, fmt.Errorf("revert waitlist entry %s: %w", e.ID, err)
	}
	return res, nil
}

// GetEntry retrieves a waitlist ticket by id.
func (m *Manager) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return m.store.GetByID(ctx, id)
}

// SweepHolds reverts notified entries whose acceptance window lapsed and
// re-releases each held slot to the next entry in line.
func (m *Manager) SweepHolds(ctx context.Context, now time.Time) error {
	lapsed, err := m.store.FindLapsedHolds(ctx, now)
	if err != nil {
		return fmt.Errorf("find lapsed holds: %w", err)
	}

	for _, e := range lapsed {
		if _, err := m.store.RevertToPending(ctx, e.ID, now); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// Converted or expired between find and revert.
				continue
			}
			log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("hold revert failed")
			continue
		}

		// The lapsed holder yields: the re-released slot goes to the next
		// entry in FIFO order.
		m.reoffer(ctx, e, now)
	}
	return nil
}

// SweepExpired expires entries past their deadline regardless of match
// state. An expired entry that still held an offer hands its slot to the
// next in line. Terminal rows are kept for audit.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) error {
	expired, err := m.store.FindExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired entries: %w", err)
	}

	for _, e := range expired {
		if _, err := m.store.MarkExpired(ctx, e.ID, e.Status, now); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("expire entry failed")
			continue
		}
		if e.Status == StatusNotified {
			m.reoffer(ctx, e, now)
		}
		log.Info().Str("entry_id", e.ID.String()).Msg("waitlist entry expired")
	}
	return nil
}

// reoffer hands the slot held by e to the next entry in its bucket. e itself
// is excluded from matching; failures degrade to a later sweep pass.
func (m *Manager) reoffer(ctx context.Context, e Entry, now time.Time) {
	if e.OfferedStart == nil || e.OfferedEnd == nil {
		return
	}
	evt := booking.SlotReleaseEvent{
		ID:         uuid.New(),
		Branch:     e.Branch,
		Type:       e.Type,
		Doctor:     e.OfferedDoctor,
		Start:      *e.OfferedStart,
		End:        *e.OfferedEnd,
		ReleasedAt: now,
	}
	if err := m.matchBucket(ctx, evt, e.ID); err != nil {
		log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("slot re-release failed")
	}
}
