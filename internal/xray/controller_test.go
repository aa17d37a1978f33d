package xray

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	"github.com/orthopoint/clinic-booking-engine/internal/catalog"
	"github.com/orthopoint/clinic-booking-engine/internal/config"
	redisclient "github.com/orthopoint/clinic-booking-engine/internal/redis"
)

const testCatalog = `{
  "appointment_types": [
    {"id": "initial-fitting", "name": "Initial Fitting", "duration_minutes": 60},
    {"id": "xray-limb", "name": "Limb X-ray", "duration_minutes": 15, "requires_referral": true, "radiology": true}
  ],
  "limits": {
    "per_patient_per_day": 2,
    "per_patient_per_branch_per_month": 8,
    "radiology_per_patient_per_month": 2
  },
  "branches": [
    {
      "code": "B1",
      "name": "Main Street Clinic",
      "doctors": ["doc-anders", "doc-brandt"],
      "rules": {
        "initial-fitting": {"weekdays": [1,2,3,4,5], "open": "08:00", "close": "17:00", "max_per_slot": 1, "min_lead_time_hours": 24, "cancellation_window_hours": 12},
        "xray-limb": {"weekdays": [1,3,5], "open": "09:00", "close": "13:00", "max_per_slot": 1, "min_lead_time_hours": 2, "cancellation_window_hours": 4}
      }
    }
  ]
}`

// Tuesday morning; x-ray slots land on the following Wednesday and Friday.
var testNow = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func xraySlot(day, hour int) time.Time {
	return time.Date(2026, 9, day, hour, 0, 0, 0, time.UTC)
}

type fixture struct {
	ctrl      *Controller
	referrals *MemoryReferralStore
	svc       *booking.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	snap, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	cat := catalog.NewStore(snap)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger := booking.NewMemoryRepository()
	svc := booking.NewService(ledger, cat, redisclient.NewRedisLocker(client, 5*time.Second), config.Config{
		WaitlistTTL: 14 * 24 * time.Hour,
	})

	referrals := NewMemoryReferralStore()
	ctrl := NewController(svc, referrals, booking.NewLimitTracker(ledger), cat)
	return &fixture{ctrl: ctrl, referrals: referrals, svc: svc}
}

func (f *fixture) issueReferral(t *testing.T, patientID uuid.UUID, typeID string, expiresAt time.Time) *Referral {
	t.Helper()
	r, err := f.referrals.Create(context.Background(), &Referral{
		PatientID: patientID,
		Type:      typeID,
		IssuedBy:  "dr-hoffman",
		IssuedAt:  testNow.AddDate(0, 0, -7),
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	return r
}

func xrayRequest(patientID uuid.UUID, referralID *uuid.UUID, start time.Time) booking.Request {
	return booking.Request{
		PatientID:  patientID,
		Branch:     "B1",
		Type:       "xray-limb",
		Start:      start,
		ReferralID: referralID,
	}
}

func TestXraySubmitWithValidReferralAdmits(t *testing.T) {
	f := newFixture(t)
	patient := uuid.New()
	ref := f.issueReferral(t, patient, "xray-limb", testNow.AddDate(0, 1, 0))

	res, err := f.ctrl.Submit(context.Background(), xrayRequest(patient, &ref.ID, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeAdmitted, res.Outcome)
	require.NotNil(t, res.Booking)
	assert.Equal(t, xraySlot(2, 10).Add(15*time.Minute), res.Booking.End)
}

func TestXrayMissingReferralRejects(t *testing.T) {
	f := newFixture(t)

	res, err := f.ctrl.Submit(context.Background(), xrayRequest(uuid.New(), nil, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.Reasons, booking.ReasonReferralMissing)
}

func TestXrayUnknownReferralRejects(t *testing.T) {
	f := newFixture(t)
	bogus := uuid.New()

	res, err := f.ctrl.Submit(context.Background(), xrayRequest(uuid.New(), &bogus, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.Reasons, booking.ReasonReferralMissing)
}

func TestXrayExpiredReferralRejects(t *testing.T) {
	f := newFixture(t)
	patient := uuid.New()
	ref := f.issueReferral(t, patient, "xray-limb", testNow.AddDate(0, 0, -1))

	res, err := f.ctrl.Submit(context.Background(), xrayRequest(patient, &ref.ID, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Equal(t, []booking.Reason{booking.ReasonReferralExpired}, res.Reasons)
}

func TestXrayReferralForAnotherPatientRejects(t *testing.T) {
	f := newFixture(t)
	ref := f.issueReferral(t, uuid.New(), "xray-limb", testNow.AddDate(0, 1, 0))

	res, err := f.ctrl.Submit(context.Background(), xrayRequest(uuid.New(), &ref.ID, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.Reasons, booking.ReasonReferralMissing)
}

func TestXrayRepeatExposureCeilingRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient := uuid.New()
	ref := f.issueReferral(t, patient, "xray-limb", testNow.AddDate(0, 1, 0))

	// Two scans in September exhaust the monthly radiology ceiling.
	for _, day := range []int{2, 4} {
		res, err := f.ctrl.Submit(ctx, xrayRequest(patient, &ref.ID, xraySlot(day, 10)), testNow)
		require.NoError(t, err)
		require.Equal(t, booking.OutcomeAdmitted, res.Outcome)
	}

	res, err := f.ctrl.Submit(ctx, xrayRequest(patient, &ref.ID, xraySlot(7, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.Reasons, booking.ReasonRepeatExposureLimit)
}

func TestXrayRejectionFoldsInStructuralReasons(t *testing.T) {
	f := newFixture(t)

	// Sunday, outside operating weekdays, and no referral at all.
	sunday := time.Date(2026, 9, 6, 10, 0, 0, 0, time.UTC)
	res, err := f.ctrl.Submit(context.Background(), xrayRequest(uuid.New(), nil, sunday), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.Reasons, booking.ReasonReferralMissing)
	assert.Contains(t, res.Reasons, booking.ReasonOutsideHours)
}

// Recheck is the conversion-time gate: the same referral that passed at
// enqueue fails once its expiry slides behind the clock.
func TestRecheckReportsReferralLapsedSinceEnqueue(t *testing.T) {
	f := newFixture(t)
	patient := uuid.New()
	ref := f.issueReferral(t, patient, "xray-limb", testNow.Add(time.Hour))
	req := xrayRequest(patient, &ref.ID, xraySlot(2, 10))

	reasons, err := f.ctrl.Recheck(context.Background(), req, testNow)
	require.NoError(t, err)
	assert.Empty(t, reasons)

	reasons, err = f.ctrl.Recheck(context.Background(), req, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []booking.Reason{booking.ReasonReferralExpired}, reasons)
}

func TestValidateGatesWithoutCommitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	patient := uuid.New()
	ref := f.issueReferral(t, patient, "xray-limb", testNow.AddDate(0, 0, -1))

	res, err := f.ctrl.Validate(ctx, xrayRequest(patient, &ref.ID, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Equal(t, []booking.Reason{booking.ReasonReferralExpired}, res.Reasons)

	// A clean request validates as admissible with no side effects.
	live := f.issueReferral(t, patient, "xray-limb", testNow.AddDate(0, 1, 0))
	res, err = f.ctrl.Validate(ctx, xrayRequest(patient, &live.ID, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeAdmitted, res.Outcome)
	assert.Nil(t, res.Booking)
}

func TestXrayCapacityShortfallStillWaitlists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	patientA := uuid.New()
	refA := f.issueReferral(t, patientA, "xray-limb", testNow.AddDate(0, 1, 0))
	res, err := f.ctrl.Submit(ctx, xrayRequest(patientA, &refA.ID, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	require.Equal(t, booking.OutcomeAdmitted, res.Outcome)

	patientB := uuid.New()
	refB := f.issueReferral(t, patientB, "xray-limb", testNow.AddDate(0, 1, 0))
	res, err = f.ctrl.Submit(ctx, xrayRequest(patientB, &refB.ID, xraySlot(2, 10)), testNow)
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeWaitlisted, res.Outcome, "an authorized request beyond capacity defers, it is not rejected")
}
