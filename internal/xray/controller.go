package xray

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
)

// Controller fronts referral-gated radiology bookings. It verifies the
// referral and the repeat-exposure ceiling, then hands the request to the
// regular booking pipeline; structural rules and capacity stay the booking
// service's business.
type Controller struct {
	booking   *booking.Service
	referrals ReferralStore
	limits    *booking.LimitTracker
	catalog   *catalog.Store
}

func NewController(svc *booking.Service, referrals ReferralStore, limits *booking.LimitTracker, cat *catalog.Store) *Controller {
	return &Controller{booking: svc, referrals: referrals, limits: limits, catalog: cat}
}

// Submit validates the referral side of the request and delegates. A
// referral or exposure violation rejects outright: the waitlist never holds
// a request that cannot currently be authorized.
func (c *Controller) Submit(ctx context.Context, req booking.Request, now time.Time) (*booking.ValidationResult, error) {
	snap := c.catalog.Snapshot()

	reasons, err := c.gateReasons(ctx, snap, req, now)
	if err != nil {
		return nil, err
	}
	if len(reasons) == 0 {
		return c.booking.Submit(ctx, req, now)
	}

	// Fold in the structural failures so the caller sees every violation
	// in one verdict.
	res, err := c.booking.Validate(ctx, req, now)
	if err != nil {
		return nil, err
	}
	if res.Outcome == booking.OutcomeRejected {
		reasons = mergeReasons(reasons, res.Reasons)
	}
	return &booking.ValidationResult{Outcome: booking.OutcomeRejected, Reasons: reasons}, nil
}

// Validate is the side-effect-free counterpart of Submit: the referral gate
// plus the structural rule walk, with no commit.
func (c *Controller) Validate(ctx context.Context, req booking.Request, now time.Time) (*booking.ValidationResult, error) {
	snap := c.catalog.Snapshot()

	reasons, err := c.gateReasons(ctx, snap, req, now)
	if err != nil {
		return nil, err
	}

	res, err := c.booking.Validate(ctx, req, now)
	if err != nil {
		return nil, err
	}
	if len(reasons) == 0 {
		return res, nil
	}
	if res.Outcome == booking.OutcomeRejected {
		reasons = mergeReasons(reasons, res.Reasons)
	}
	return &booking.ValidationResult{Outcome: booking.OutcomeRejected, Reasons: reasons}, nil
}

// Recheck re-runs the referral gate for an offer conversion. The waitlist
// manager calls it before booking: an entry enqueued with a live referral
// must not convert after that referral expires.
func (c *Controller) Recheck(ctx context.Context, req booking.Request, now time.Time) ([]booking.Reason, error) {
	return c.gateReasons(ctx, c.catalog.Snapshot(), req, now)
}

// CreateReferral registers a clinician-issued referral.
func (c *Controller) CreateReferral(ctx context.Context, r *Referral) (*Referral, error) {
	created, err := c.referrals.Create(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: create referral: %v", booking.ErrUnavailable, err)
	}
	return created, nil
}

func (c *Controller) GetReferral(ctx context.Context, id uuid.UUID) (*Referral, error) {
	return c.referrals.GetByID(ctx, id)
}

func (c *Controller) gateReasons(ctx context.Context, snap *catalog.Snapshot, req booking.Request, now time.Time) ([]booking.Reason, error) {
	typ, ok := snap.Type(req.Type)
	if !ok {
		// Delegation reports the unknown type.
		return nil, nil
	}

	var reasons []booking.Reason

	if typ.RequiresReferral {
		switch {
		case req.ReferralID == nil:
			reasons = append(reasons, booking.ReasonReferralMissing)
		default:
			ref, err := c.referrals.GetByID(ctx, *req.ReferralID)
			switch {
			case errors.Is(err, ErrReferralNotFound):
				reasons = append(reasons, booking.ReasonReferralMissing)
			case err != nil:
				return nil, fmt.Errorf("%w: load referral: %v", booking.ErrUnavailable, err)
			case !ref.Covers(req.PatientID, req.Type):
				reasons = append(reasons, booking.ReasonReferralMissing)
			case ref.Expired(now):
				reasons = append(reasons, booking.ReasonReferralExpired)
			}
		}
	}

	if typ.Radiology {
		limits := snap.Limits()
		over, err := c.limits.WouldExceedPatientTypesMonth(ctx, req.PatientID, snap.RadiologyTypes(), req.Start, limits.RadiologyPerPatientPerMonth)
		if err != nil {
			return nil, fmt.Errorf("%w: radiology exposure count: %v", booking.ErrUnavailable, err)
		}
		if over {
			reasons = append(reasons, booking.ReasonRepeatExposureLimit)
		}
	}

	return reasons, nil
}

func mergeReasons(base, extra []booking.Reason) []booking.Reason {
	seen := make(map[booking.Reason]struct{}, len(base))
	for _, r := range base {
		seen[r] = struct{}{}
	}
	for _, r := range extra {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		base = append(base, r)
	}
	return base
}
