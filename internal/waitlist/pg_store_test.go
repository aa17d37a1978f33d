package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryCols = []string{
	"id", "patient_id", "branch_code", "appointment_type", "preferred_doctor", "referral_id",
	"window_start", "window_end", "status", "created_at", "updated_at", "expires_at",
	"notified_at", "hold_expires_at", "offered_doctor", "offered_start", "offered_end",
}

func entryRow(e *Entry) *pgxmock.Rows {
	return pgxmock.NewRows(entryCols).AddRow(
		e.ID, e.PatientID, e.Branch, e.Type, nullableString(e.PreferredDoctor), e.ReferralID,
		e.WindowStart, e.WindowEnd, e.Status, e.CreatedAt, e.UpdatedAt, e.ExpiresAt,
		e.NotifiedAt, e.HoldExpiresAt, nullableString(e.OfferedDoctor), e.OfferedStart, e.OfferedEnd,
	)
}

func testEntry() *Entry {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	day := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)
	return &Entry{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		Branch:      "B1",
		Type:        "initial-fitting",
		WindowStart: day,
		WindowEnd:   day.AddDate(0, 0, 1),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.AddDate(0, 0, 14),
	}
}

func TestPgEnqueue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPgStoreWithQuerier(mock)
	e := testEntry()

	mock.ExpectQuery("INSERT INTO waitlist_entries").
		WithArgs(e.ID, e.PatientID, e.Branch, e.Type, (*string)(nil), e.ReferralID, e.WindowStart, e.WindowEnd, e.ExpiresAt).
		WillReturnRows(entryRow(e))

	stored, err := store.Enqueue(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, e.ID, stored.ID)
	assert.Equal(t, StatusPending, stored.Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgOldestPendingNoneMatching(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPgStoreWithQuerier(mock)
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	slot := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM waitlist_entries").
		WithArgs("B1", "initial-fitting", now, slot, uuid.Nil).
		WillReturnRows(pgxmock.NewRows(entryCols))

	_, err = store.OldestPending(context.Background(), "B1", "initial-fitting", slot, now, uuid.Nil)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgMarkNotifiedWrongStatusIsInvalidTransition(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPgStoreWithQuerier(mock)
	e := testEntry()
	e.Status = StatusConverted
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	offer := Offer{Doctor: "doc-anders", Start: now.AddDate(0, 0, 1), End: now.AddDate(0, 0, 1).Add(time.Hour)}

	// The CAS update matches no row; the follow-up read shows the entry
	// exists in another state.
	mock.ExpectQuery("UPDATE waitlist_entries").
		WithArgs(e.ID, now, now.Add(30*time.Minute), nullableString(offer.Doctor), offer.Start, offer.End).
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectQuery("SELECT (.+) FROM waitlist_entries WHERE id").
		WithArgs(e.ID).
		WillReturnRows(entryRow(e))

	_, err = store.MarkNotified(context.Background(), e.ID, offer, now.Add(30*time.Minute), now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgMarkProcessedDeduplicates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPgStoreWithQuerier(mock)
	eventID := uuid.New()

	mock.ExpectExec("INSERT INTO processed_releases").
		WithArgs(eventID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO processed_releases").
		WithArgs(eventID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	fresh, err := store.MarkProcessed(context.Background(), eventID)
	require.NoError(t, err)
	assert.True(t, fresh)

	replay, err := store.MarkProcessed(context.Background(), eventID)
	require.NoError(t, err)
	assert.False(t, replay)

	require.NoError(t, mock.ExpectationsWereMet())
}
