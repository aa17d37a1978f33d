package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
	"github.com/orthopoint/clinic-booking-engine/internal/config"
	redisclient "github.com/orthopoint/clinic-booking-engine/internal/redis"
)

const (
	EventBookingCommitted = "BOOKING_COMMITTED"
	EventBookingCancelled = "BOOKING_CANCELLED"
)

var (
	// ErrCancellationClosed means the branch rule's cancellation window for
	// the booking has already passed.
	ErrCancellationClosed = errors.New("cancellation window has closed")

	// errPatientLimitReached signals that a racing commit consumed the
	// patient's remaining allowance between evaluation and the commit
	// re-check.
	errPatientLimitReached = errors.New("patient limit reached at commit")
)

// Waitlist is the deferred-request collaborator. The validator hands over
// capacity-only shortfalls and forwards slot releases from cancellations.
type Waitlist interface {
	Defer(ctx context.Context, req Request, expiry time.Time) (uuid.UUID, error)
	OnSlotRelease(ctx context.Context, evt SlotReleaseEvent) error
}

// Service is the booking validator and allocation front end. Validation is a
// pure read of (request, catalog snapshot, ledger state, now); the only write
// happens on admission, atomically with the capacity re-check under the slot
// lock.
type Service struct {
	ledger   Repository
	limits   *LimitTracker
	catalog  *catalog.Store
	locker   redisclient.Locker
	waitlist Waitlist
	cfg      config.Config
}

func NewService(ledger Repository, cat *catalog.Store, locker redisclient.Locker, cfg config.Config) *Service {
	return &Service{
		ledger:  ledger,
		limits:  NewLimitTracker(ledger),
		catalog: cat,
		locker:  locker,
		cfg:     cfg,
	}
}

// AttachWaitlist wires the waitlist manager in after construction; the
// manager needs the service for offer conversion, so the two are linked in
// main.
func (s *Service) AttachWaitlist(w Waitlist) {
	s.waitlist = w
}

// evaluation is the intermediate result of the rule walk.
type evaluation struct {
	outcome    Outcome
	reasons    []Reason
	slot       Slot // resolved when admissible
	maxPerSlot int  // carried into the commit re-check
}

// Validate runs the rule walk without side effects. Calling it twice with an
// unchanged ledger and catalog yields an identical result.
func (s *Service) Validate(ctx context.Context, req Request, now time.Time) (*ValidationResult, error) {
	ev, err := s.evaluate(ctx, s.catalog.Snapshot(), req, now)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{Outcome: ev.outcome, Reasons: ev.reasons}, nil
}

// Submit validates the request and, on admission, commits the booking
// atomically with the validation read. A racing commit for the same slot is
// retried through one fresh evaluation; a second conflict escalates to the
// waitlist.
func (s *Service) Submit(ctx context.Context, req Request, now time.Time) (*ValidationResult, error) {
	return s.submit(ctx, s.catalog.Snapshot(), req, now, true, true)
}

// TryBook is Submit without the waitlist handoff. The waitlist manager uses
// it when converting an offer: a capacity loss there must revert the existing
// entry, not create a second one.
func (s *Service) TryBook(ctx context.Context, req Request, now time.Time) (*ValidationResult, error) {
	return s.submit(ctx, s.catalog.Snapshot(), req, now, true, false)
}

func (s *Service) submit(ctx context.Context, snap *catalog.Snapshot, req Request, now time.Time, retry, deferAllowed bool) (*ValidationResult, error) {
	ev, err := s.evaluate(ctx, snap, req, now)
	if err != nil {
		return nil, err
	}

	switch ev.outcome {
	case OutcomeRejected:
		return &ValidationResult{Outcome: OutcomeRejected, Reasons: ev.reasons}, nil
	case OutcomeWaitlisted:
		return s.deferToWaitlist(ctx, req, now, deferAllowed)
	}

	b := &Booking{
		ID:         uuid.New(),
		PatientID:  req.PatientID,
		Branch:     ev.slot.Branch,
		Type:       req.Type,
		Doctor:     ev.slot.Doctor,
		Start:      ev.slot.Start,
		End:        ev.slot.End,
		Status:     StatusConfirmed,
		ReferralID: req.ReferralID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Every count that justified the admit is re-read inside a critical
	// section whose key covers it: the patient lock for patient-scoped
	// ceilings, the capacity lock for the (branch, type, slot) bucket, the
	// slot lock for the doctor. Lock order is fixed so commits never
	// deadlock.
	var limitReasons []Reason
	err = s.locker.WithLock(ctx, patientKey(req.PatientID), func(patientCtx context.Context) error {
		return s.locker.WithLock(patientCtx, capacityKey(ev.slot.Branch, req.Type, ev.slot.Start), func(capCtx context.Context) error {
			return s.locker.WithLock(capCtx, ev.slot.Key(), func(lockCtx context.Context) error {
				taken, err := s.ledger.CountActiveByDoctorSlot(lockCtx, ev.slot.Branch, ev.slot.Doctor, ev.slot.Start)
				if err != nil {
					return fmt.Errorf("recheck doctor slot: %w", err)
				}
				if taken > 0 {
					return ErrSlotConflict
				}

				atCapacity, err := s.limits.SlotAtCapacity(lockCtx, ev.slot.Branch, req.Type, ev.slot.Start, ev.maxPerSlot)
				if err != nil {
					return fmt.Errorf("recheck slot capacity: %w", err)
				}
				if atCapacity {
					return ErrSlotConflict
				}

				limits := snap.Limits()
				exceeded, err := s.limits.WouldExceedPatientDay(lockCtx, req.PatientID, ev.slot.Start, limits.PerPatientPerDay)
				if err != nil {
					return fmt.Errorf("recheck patient day limit: %w", err)
				}
				if exceeded {
					limitReasons = append(limitReasons, ReasonPatientDailyLimit)
				}
				exceeded, err = s.limits.WouldExceedPatientBranchMonth(lockCtx, req.PatientID, ev.slot.Branch, ev.slot.Start, limits.PerPatientPerBranchPerMonth)
				if err != nil {
					return fmt.Errorf("recheck patient month limit: %w", err)
				}
				if exceeded {
					limitReasons = append(limitReasons, ReasonPatientMonthlyLimit)
				}
				if len(limitReasons) > 0 {
					return errPatientLimitReached
				}

				if _, err := s.ledger.Commit(lockCtx, b); err != nil {
					return err
				}
				return nil
			})
		})
	})

	if err != nil {
		if errors.Is(err, errPatientLimitReached) {
			return &ValidationResult{Outcome: OutcomeRejected, Reasons: limitReasons}, nil
		}
		if errors.Is(err, ErrSlotConflict) || errors.Is(err, redisclient.ErrLockNotAcquired) {
			if retry {
				return s.submit(ctx, snap, req, now, false, deferAllowed)
			}
			return s.deferToWaitlist(ctx, req, now, deferAllowed)
		}
		return nil, fmt.Errorf("%w: commit booking: %v", ErrUnavailable, err)
	}

	s.logEvent(ctx, b.ID, EventBookingCommitted, map[string]any{
		"patient_id": b.PatientID.String(),
		"branch":     b.Branch,
		"type":       b.Type,
		"doctor":     b.Doctor,
		"slot_start": b.Start,
	})

	return &ValidationResult{Outcome: OutcomeAdmitted, Booking: b}, nil
}

// Cancel flags the booking as cancelled and emits a slot-release event for
// the waitlist.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*Booking, error) {
	b, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load booking: %v", ErrUnavailable, err)
	}
	if b.Status == StatusCancelled {
		return nil, ErrAlreadyCancelled
	}

	snap := s.catalog.Snapshot()
	rule, ok := snap.Rule(b.Branch, b.Type)
	if !ok {
		// An active booking whose type vanished from the catalog is an
		// out-of-band configuration error. Alert operators, let the
		// cancellation itself proceed.
		log.Error().
			Str("booking_id", b.ID.String()).
			Str("branch", b.Branch).
			Str("type", b.Type).
			Msg("catalog integrity: active booking references unknown (branch, type)")
	} else if now.After(b.Start.Add(-rule.CancellationWindow)) {
		return nil, ErrCancellationClosed
	}

	cancelled, err := s.ledger.Cancel(ctx, id, now)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) || errors.Is(err, ErrAlreadyCancelled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cancel booking: %v", ErrUnavailable, err)
	}

	s.logEvent(ctx, cancelled.ID, EventBookingCancelled, map[string]any{
		"branch":     cancelled.Branch,
		"type":       cancelled.Type,
		"doctor":     cancelled.Doctor,
		"slot_start": cancelled.Start,
	})

	if s.waitlist != nil {
		evt := SlotReleaseEvent{
			ID:         uuid.New(),
			Branch:     cancelled.Branch,
			Type:       cancelled.Type,
			Doctor:     cancelled.Doctor,
			Start:      cancelled.Start,
			End:        cancelled.End,
			ReleasedAt: now,
		}
		if err := s.waitlist.OnSlotRelease(ctx, evt); err != nil {
			// Matching is retried by the sweep; losing one trigger degrades
			// to "notified later", not data loss.
			log.Error().Err(err).Str("event_id", evt.ID.String()).Msg("slot release dispatch failed")
		}
	}

	return cancelled, nil
}

// GetBooking retrieves a ledger entry by id.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	b, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load booking: %v", ErrUnavailable, err)
	}
	return b, nil
}

func (s *Service) deferToWaitlist(ctx context.Context, req Request, now time.Time, deferAllowed bool) (*ValidationResult, error) {
	res := &ValidationResult{Outcome: OutcomeWaitlisted, Reasons: []Reason{ReasonSlotCapacity}}
	if s.waitlist == nil || !deferAllowed {
		return res, nil
	}
	ticket, err := s.waitlist.Defer(ctx, req, now.Add(s.cfg.WaitlistTTL))
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue waitlist: %v", ErrUnavailable, err)
	}
	res.Ticket = &ticket
	return res, nil
}

// evaluate walks the rules in order: existence, lead time, operating hours,
// doctor restrictions, slot capacity, patient limits. Structural failures
// accumulate into a rejection; a capacity shortfall alone waitlists.
func (s *Service) evaluate(ctx context.Context, snap *catalog.Snapshot, req Request, now time.Time) (*evaluation, error) {
	branch, ok := snap.Branch(req.Branch)
	if !ok {
		return &evaluation{outcome: OutcomeRejected, reasons: []Reason{ReasonUnknownBranch}}, nil
	}

	typ, typOK := snap.Type(req.Type)
	rule, ruleOK := snap.Rule(req.Branch, req.Type)
	if !typOK || !ruleOK {
		return &evaluation{outcome: OutcomeRejected, reasons: []Reason{ReasonUnknownType}}, nil
	}

	start := req.Start
	end := req.End
	if end.IsZero() {
		end = start.Add(typ.DefaultDuration)
	}

	var reasons []Reason

	if typ.RequiresReferral && req.ReferralID == nil {
		reasons = append(reasons, ReasonReferralMissing)
	}

	if start.Sub(now) < rule.MinLeadTime {
		reasons = append(reasons, ReasonLeadTime)
	}

	if !end.After(start) || !rule.AllowsWeekday(start.Weekday()) || !rule.WithinHours(start, end) {
		reasons = append(reasons, ReasonOutsideHours)
	}

	capacityShort := false

	doctor, doctorReasons, doctorBusy, err := s.resolveDoctor(ctx, snap, branch, req, rule, start)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve doctor: %v", ErrUnavailable, err)
	}
	reasons = append(reasons, doctorReasons...)
	if doctorBusy {
		capacityShort = true
	}

	atCapacity, err := s.limits.SlotAtCapacity(ctx, req.Branch, req.Type, start, rule.MaxPerSlot)
	if err != nil {
		return nil, fmt.Errorf("%w: slot capacity: %v", ErrUnavailable, err)
	}
	if atCapacity {
		capacityShort = true
	}

	// Patient-scoped ceilings always reject: waitlisting cannot resolve a
	// patient-side limit.
	limits := snap.Limits()
	exceeded, err := s.limits.WouldExceedPatientDay(ctx, req.PatientID, start, limits.PerPatientPerDay)
	if err != nil {
		return nil, fmt.Errorf("%w: patient day limit: %v", ErrUnavailable, err)
	}
	if exceeded {
		reasons = append(reasons, ReasonPatientDailyLimit)
	}

	exceeded, err = s.limits.WouldExceedPatientBranchMonth(ctx, req.PatientID, req.Branch, start, limits.PerPatientPerBranchPerMonth)
	if err != nil {
		return nil, fmt.Errorf("%w: patient month limit: %v", ErrUnavailable, err)
	}
	if exceeded {
		reasons = append(reasons, ReasonPatientMonthlyLimit)
	}

	if len(reasons) > 0 {
		return &evaluation{outcome: OutcomeRejected, reasons: reasons}, nil
	}
	if capacityShort {
		return &evaluation{outcome: OutcomeWaitlisted, reasons: []Reason{ReasonSlotCapacity}}, nil
	}

	return &evaluation{
		outcome:    OutcomeAdmitted,
		slot:       Slot{Branch: req.Branch, Doctor: doctor, Start: start, End: end},
		maxPerSlot: rule.MaxPerSlot,
	}, nil
}

// resolveDoctor picks the doctor for the slot. A preferred doctor is honored
// when admissible; otherwise the first roster doctor that is unrestricted and
// free takes the slot. busy is true when every admissible doctor is occupied,
// which counts as a capacity shortfall rather than a rejection.
func (s *Service) resolveDoctor(ctx context.Context, snap *catalog.Snapshot, branch catalog.Branch, req Request, rule catalog.BranchRule, start time.Time) (doctor string, reasons []Reason, busy bool, err error) {
	if req.PreferredDoctor != "" {
		if !branch.HasDoctor(req.PreferredDoctor) {
			return "", []Reason{ReasonDoctorRestricted}, false, nil
		}
		rs, err := s.doctorRuleReasons(ctx, snap, branch.Code, req.PreferredDoctor, req.Type, start)
		if err != nil {
			return "", nil, false, err
		}
		if len(rs) > 0 {
			return "", rs, false, nil
		}
		taken, err := s.ledger.CountActiveByDoctorSlot(ctx, branch.Code, req.PreferredDoctor, start)
		if err != nil {
			return "", nil, false, err
		}
		if taken > 0 {
			return "", nil, true, nil
		}
		return req.PreferredDoctor, nil, false, nil
	}

	anyEligible := false
	for _, d := range branch.Doctors {
		rs, err := s.doctorRuleReasons(ctx, snap, branch.Code, d, req.Type, start)
		if err != nil {
			return "", nil, false, err
		}
		if len(rs) > 0 {
			continue
		}
		anyEligible = true
		taken, err := s.ledger.CountActiveByDoctorSlot(ctx, branch.Code, d, start)
		if err != nil {
			return "", nil, false, err
		}
		if taken == 0 {
			return d, nil, false, nil
		}
	}
	if !anyEligible {
		return "", []Reason{ReasonDoctorRestricted}, false, nil
	}
	return "", nil, true, nil
}

// doctorRuleReasons collects the structural restrictions that bar a doctor
// from the requested slot. A failed load count propagates: an outage must
// never masquerade as a rule violation.
func (s *Service) doctorRuleReasons(ctx context.Context, snap *catalog.Snapshot, branchCode, doctor, typeID string, start time.Time) ([]Reason, error) {
	restr := snap.Restriction(branchCode, doctor)

	var reasons []Reason
	if restr.Excludes(typeID) {
		reasons = append(reasons, ReasonDoctorRestricted)
	}
	if restr.BlackedOut(start) {
		reasons = append(reasons, ReasonDoctorBlackout)
	}
	if restr.MaxDailyLoad > 0 {
		over, err := s.limits.WouldExceedDoctorDay(ctx, branchCode, doctor, start, restr.MaxDailyLoad)
		if err != nil {
			return nil, fmt.Errorf("doctor load count: %w", err)
		}
		if over {
			reasons = append(reasons, ReasonDoctorDailyLoad)
		}
	}
	return reasons, nil
}

func (s *Service) logEvent(ctx context.Context, bookingID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	id := bookingID
	ev := EventLog{
		EventType: eventType,
		BookingID: &id,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := s.ledger.InsertEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Str("booking_id", bookingID.String()).Msg("insert event log")
	}
}
