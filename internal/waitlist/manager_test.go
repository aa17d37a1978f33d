package waitlist

import (
	"context"
	"sync"
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
    {"id": "follow-up", "name": "Follow Up", "duration_minutes": 30, "follow_up": true}
  ],
  "limits": {
    "per_patient_per_day": 2,
    "per_patient_per_branch_per_month": 8,
    "radiology_per_patient_per_month": 3
  },
  "branches": [
    {
      "code": "B1",
      "name": "Main Street Clinic",
      "doctors": ["doc-anders", "doc-brandt"],
      "rules": {
        "initial-fitting": {"weekdays": [1,2,3,4,5], "open": "08:00", "close": "17:00", "max_per_slot": 1, "min_lead_time_hours": 24, "cancellation_window_hours": 12}
      }
    }
  ]
}`

// Monday morning; the requested slot sits on Wednesday so the 24h lead time
// holds even after the clock steps forward during a test.
var baseNow = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func slotAt(hour int) time.Time {
	return time.Date(2026, 9, 2, hour, 0, 0, 0, time.UTC)
}

// fakeClock steps one second per reading so consecutive enqueues get
// distinct FIFO positions.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	entries []Entry
	offers  []Offer
}

func (n *recordingNotifier) Notify(_ context.Context, _ uuid.UUID, e Entry, offer Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, e)
	n.offers = append(n.offers, offer)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// fakeGate stands in for the referral controller's conversion re-check.
type fakeGate struct {
	mu      sync.Mutex
	reasons []booking.Reason
}

func (g *fakeGate) Recheck(_ context.Context, _ booking.Request, _ time.Time) ([]booking.Reason, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reasons, nil
}

func (g *fakeGate) deny(reasons ...booking.Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reasons = reasons
}

type fixture struct {
	mgr      *Manager
	store    *MemoryStore
	svc      *booking.Service
	ledger   *booking.MemoryRepository
	notifier *recordingNotifier
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	snap, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redisclient.NewRedisLocker(client, 5*time.Second)

	cfg := config.Config{
		AcceptanceWindow: 30 * time.Minute,
		WaitlistTTL:      14 * 24 * time.Hour,
	}

	ledger := booking.NewMemoryRepository()
	svc := booking.NewService(ledger, catalog.NewStore(snap), locker, cfg)

	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	clock := &fakeClock{t: baseNow}

	mgr := NewManager(store, store, locker, notifier, svc, cfg)
	mgr.now = clock.Now
	svc.AttachWaitlist(mgr)

	return &fixture{mgr: mgr, store: store, svc: svc, ledger: ledger, notifier: notifier, clock: clock}
}

func (f *fixture) enqueue(t *testing.T, req booking.Request) *Entry {
	t.Helper()
	e, err := f.mgr.Enqueue(context.Background(), req, baseNow.Add(14*24*time.Hour))
	require.NoError(t, err)
	return e
}

func fittingRequest() booking.Request {
	return booking.Request{
		PatientID: uuid.New(),
		Branch:    "B1",
		Type:      "initial-fitting",
		Start:     slotAt(9),
	}
}

func releaseEvent(doctor string) booking.SlotReleaseEvent {
	return booking.SlotReleaseEvent{
		ID:         uuid.New(),
		Branch:     "B1",
		Type:       "initial-fitting",
		Doctor:     doctor,
		Start:      slotAt(9),
		End:        slotAt(10),
		ReleasedAt: baseNow,
	}
}

func TestDeferredRequestGetsReleasedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := fittingRequest()
	res, err := f.svc.Submit(ctx, first, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, booking.OutcomeAdmitted, res.Outcome)

	second := fittingRequest()
	deferred, err := f.svc.Submit(ctx, second, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, booking.OutcomeWaitlisted, deferred.Outcome)
	require.NotNil(t, deferred.Ticket, "a deferred request carries its waitlist ticket")

	_, err = f.svc.Cancel(ctx, res.Booking.ID, f.clock.Now())
	require.NoError(t, err)

	entry, err := f.mgr.GetEntry(ctx, *deferred.Ticket)
	require.NoError(t, err)
	assert.Equal(t, StatusNotified, entry.Status)
	require.NotNil(t, entry.OfferedStart)
	assert.Equal(t, slotAt(9), *entry.OfferedStart)
	assert.Equal(t, res.Booking.Doctor, entry.OfferedDoctor)
	assert.Equal(t, 1, f.notifier.count())

	accepted, err := f.mgr.Accept(ctx, entry.ID, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, booking.OutcomeAdmitted, accepted.Outcome)
	assert.Equal(t, second.PatientID, accepted.Booking.PatientID)

	converted, err := f.mgr.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConverted, converted.Status)
}

func TestReleaseMatchesOldestEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := f.enqueue(t, fittingRequest())
	e2 := f.enqueue(t, fittingRequest())
	e3 := f.enqueue(t, fittingRequest())

	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-anders")))

	got1, _ := f.mgr.GetEntry(ctx, e1.ID)
	got2, _ := f.mgr.GetEntry(ctx, e2.ID)
	got3, _ := f.mgr.GetEntry(ctx, e3.ID)
	assert.Equal(t, StatusNotified, got1.Status, "earliest enqueued entry gets the offer")
	assert.Equal(t, StatusPending, got2.Status)
	assert.Equal(t, StatusPending, got3.Status)

	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-brandt")))

	got2, _ = f.mgr.GetEntry(ctx, e2.ID)
	assert.Equal(t, StatusNotified, got2.Status, "next release goes to the next in line")
}

func TestReplayedReleaseIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, fittingRequest())
	f.enqueue(t, fittingRequest())

	evt := releaseEvent("doc-anders")
	require.NoError(t, f.mgr.OnSlotRelease(ctx, evt))
	require.NoError(t, f.mgr.OnSlotRelease(ctx, evt))

	assert.Equal(t, 1, f.notifier.count(), "a replayed event must not produce a second offer")
}

func TestReleaseWithEmptyBucketIsNoOp(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.OnSlotRelease(context.Background(), releaseEvent("doc-anders")))
	assert.Equal(t, 0, f.notifier.count())
}

func TestAcceptRequiresActiveOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.enqueue(t, fittingRequest())

	_, err := f.mgr.Accept(ctx, e.ID, f.clock.Now())
	assert.ErrorIs(t, err, ErrNoActiveOffer, "a pending entry has nothing to accept")

	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-anders")))
	f.clock.Advance(45 * time.Minute)

	_, err = f.mgr.Accept(ctx, e.ID, f.clock.Now())
	assert.ErrorIs(t, err, ErrNoActiveOffer, "a lapsed hold is no longer acceptable")
}

func TestAcceptAfterSlotRetakenRevertsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.enqueue(t, fittingRequest())
	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-anders")))

	// Someone books the same slot through the front door before the offer
	// is accepted.
	walkIn := fittingRequest()
	res, err := f.svc.Submit(ctx, walkIn, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, booking.OutcomeAdmitted, res.Outcome)

	accepted, err := f.mgr.Accept(ctx, e.ID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeWaitlisted, accepted.Outcome)
	assert.Nil(t, accepted.Ticket, "losing an offer must not enqueue a duplicate entry")

	reverted, err := f.mgr.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reverted.Status)
	assert.Nil(t, reverted.OfferedStart)
}

func TestLapsedHoldYieldsToNextInLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := f.enqueue(t, fittingRequest())
	e2 := f.enqueue(t, fittingRequest())

	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-anders")))
	f.clock.Advance(45 * time.Minute)

	require.NoError(t, f.mgr.SweepHolds(ctx, f.clock.Now()))

	got1, _ := f.mgr.GetEntry(ctx, e1.ID)
	got2, _ := f.mgr.GetEntry(ctx, e2.ID)
	assert.Equal(t, StatusPending, got1.Status, "the lapsed holder goes back in line")
	assert.Equal(t, StatusNotified, got2.Status, "the freed slot is re-offered to the next entry")
	require.NotNil(t, got2.OfferedStart)
	assert.Equal(t, slotAt(9), *got2.OfferedStart)
}

// An entry enqueued with a live authorization must not convert after that
// authorization lapses: the gate runs again at acceptance, the entry expires
// and the held slot moves to the next in line.
func TestAcceptRechecksAuthorizationGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gate := &fakeGate{}
	f.mgr.AttachGate(gate)

	e1 := f.enqueue(t, fittingRequest())
	e2 := f.enqueue(t, fittingRequest())
	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-anders")))

	gate.deny(booking.ReasonReferralExpired)

	res, err := f.mgr.Accept(ctx, e1.ID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeRejected, res.Outcome)
	assert.Equal(t, []booking.Reason{booking.ReasonReferralExpired}, res.Reasons)

	n, err := f.ledger.CountActiveBySlot(ctx, "B1", "initial-fitting", slotAt(9))
	require.NoError(t, err)
	assert.Zero(t, n, "a gated conversion must not commit a booking")

	got1, _ := f.mgr.GetEntry(ctx, e1.ID)
	assert.Equal(t, StatusExpired, got1.Status, "a lapsed authorization ends the entry")

	got2, _ := f.mgr.GetEntry(ctx, e2.ID)
	assert.Equal(t, StatusNotified, got2.Status, "the held slot is re-offered to the next in line")
	require.NotNil(t, got2.OfferedStart)
	assert.Equal(t, slotAt(9), *got2.OfferedStart)
}

func TestAcceptWithOpenGateConverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mgr.AttachGate(&fakeGate{})

	e := f.enqueue(t, fittingRequest())
	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-anders")))

	res, err := f.mgr.Accept(ctx, e.ID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, booking.OutcomeAdmitted, res.Outcome)
}

func TestSweepExpiredMarksTimedOutEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shortLived, err := f.mgr.Enqueue(ctx, fittingRequest(), baseNow.Add(time.Minute))
	require.NoError(t, err)
	longLived := f.enqueue(t, fittingRequest())

	f.clock.Advance(time.Hour)
	require.NoError(t, f.mgr.SweepExpired(ctx, f.clock.Now()))

	got, err := f.mgr.GetEntry(ctx, shortLived.ID)
	require.NoError(t, err, "expired entries are retained for audit")
	assert.Equal(t, StatusExpired, got.Status)

	kept, _ := f.mgr.GetEntry(ctx, longLived.ID)
	assert.Equal(t, StatusPending, kept.Status)
}

// An entry that times out while holding an offer must not strand the slot:
// the sweep re-releases it to the next entry in the bucket.
func TestSweepExpiredReleasesHeldOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	holder, err := f.mgr.Enqueue(ctx, fittingRequest(), baseNow.Add(10*time.Minute))
	require.NoError(t, err)
	next := f.enqueue(t, fittingRequest())

	require.NoError(t, f.mgr.OnSlotRelease(ctx, releaseEvent("doc-anders")))

	got, _ := f.mgr.GetEntry(ctx, holder.ID)
	require.Equal(t, StatusNotified, got.Status, "the older entry holds the offer")

	// Past the holder's deadline but still inside its acceptance hold.
	f.clock.Advance(15 * time.Minute)
	require.NoError(t, f.mgr.SweepExpired(ctx, f.clock.Now()))

	expired, _ := f.mgr.GetEntry(ctx, holder.ID)
	assert.Equal(t, StatusExpired, expired.Status)

	reoffered, _ := f.mgr.GetEntry(ctx, next.ID)
	assert.Equal(t, StatusNotified, reoffered.Status)
	require.NotNil(t, reoffered.OfferedStart)
	assert.Equal(t, slotAt(9), *reoffered.OfferedStart)
	assert.Equal(t, "doc-anders", reoffered.OfferedDoctor)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.enqueue(t, fittingRequest())
	now := f.clock.Now()

	_, err := f.store.MarkConverted(ctx, e.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot convert without an offer")

	_, err = f.store.MarkNotified(ctx, e.ID, Offer{Doctor: "doc-anders", Start: slotAt(9), End: slotAt(10)}, now.Add(30*time.Minute), now)
	require.NoError(t, err)
	_, err = f.store.MarkConverted(ctx, e.ID, now)
	require.NoError(t, err)

	_, err = f.store.MarkNotified(ctx, e.ID, Offer{}, now, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "converted is terminal")
	_, err = f.store.MarkExpired(ctx, e.ID, StatusPending, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.store.MarkConverted(ctx, uuid.New(), now)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
