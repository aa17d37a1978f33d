package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `{
  "appointment_types": [
    {"id": "initial-fitting", "name": "Initial Fitting", "duration_minutes": 60},
    {"id": "follow-up", "name": "Follow Up", "duration_minutes": 30, "follow_up": true},
    {"id": "xray-limb", "name": "Limb X-ray", "duration_minutes": 15, "requires_referral": true, "radiology": true}
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
        "initial-fitting": {"weekdays": [1,2,3,4,5], "open": "08:00", "close": "17:00", "max_per_slot": 1, "min_lead_time_hours": 24, "cancellation_window_hours": 12},
        "xray-limb": {"weekdays": [1,3,5], "open": "09:00", "close": "13:00", "max_per_slot": 2, "min_lead_time_hours": 2, "cancellation_window_hours": 4}
      },
      "restrictions": {
        "doc-brandt": {"excluded_types": ["xray-limb"], "max_daily_load": 6, "blackout_dates": ["2026-09-07"]}
      }
    },
    {
      "code": "B2",
      "name": "Harbor Clinic",
      "doctors": ["doc-cruz"],
      "rules": {
        "follow-up": {"weekdays": [2,4], "open": "10:00", "close": "16:00", "max_per_slot": 3, "min_lead_time_hours": 4, "cancellation_window_hours": 4}
      }
    }
  ]
}`

func mustParse(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := Parse([]byte(testCatalog))
	require.NoError(t, err)
	return snap
}

func TestParseBuildsLookups(t *testing.T) {
	snap := mustParse(t)

	branches := snap.Branches()
	require.Len(t, branches, 2)
	assert.Equal(t, "B1", branches[0].Code)
	assert.Equal(t, "B2", branches[1].Code)

	b1, ok := snap.Branch("B1")
	require.True(t, ok)
	assert.True(t, b1.Supports("initial-fitting"))
	assert.False(t, b1.Supports("follow-up"))
	assert.True(t, b1.HasDoctor("doc-anders"))

	typ, ok := snap.Type("xray-limb")
	require.True(t, ok)
	assert.True(t, typ.Radiology)
	assert.True(t, typ.RequiresReferral)
	assert.Equal(t, 15*time.Minute, typ.DefaultDuration)

	rule, ok := snap.Rule("B1", "initial-fitting")
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, rule.MinLeadTime)
	assert.Equal(t, 1, rule.MaxPerSlot)

	_, ok = snap.Rule("B1", "follow-up")
	assert.False(t, ok, "unsupported type must report not-found, not error")

	assert.Equal(t, []string{"xray-limb"}, snap.RadiologyTypes())
	assert.Equal(t, 2, snap.Limits().PerPatientPerDay)
}

func TestRuleWindows(t *testing.T) {
	snap := mustParse(t)
	rule, ok := snap.Rule("B1", "initial-fitting")
	require.True(t, ok)

	// Wednesday 2026-09-02 is inside weekdays 1-5.
	start := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, rule.AllowsWeekday(start.Weekday()))
	assert.True(t, rule.WithinHours(start, start.Add(time.Hour)))

	// 16:30-17:30 runs past close.
	late := time.Date(2026, 9, 2, 16, 30, 0, 0, time.UTC)
	assert.False(t, rule.WithinHours(late, late.Add(time.Hour)))

	// Sunday is not an allowed weekday.
	sunday := time.Date(2026, 9, 6, 9, 0, 0, 0, time.UTC)
	assert.False(t, rule.AllowsWeekday(sunday.Weekday()))
}

func TestRestrictionsDefaultToNone(t *testing.T) {
	snap := mustParse(t)

	brandt := snap.Restriction("B1", "doc-brandt")
	assert.True(t, brandt.Excludes("xray-limb"))
	assert.Equal(t, 6, brandt.MaxDailyLoad)
	assert.True(t, brandt.BlackedOut(time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)))
	assert.False(t, brandt.BlackedOut(time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC)))

	anders := snap.Restriction("B1", "doc-anders")
	assert.False(t, anders.Excludes("xray-limb"))
	assert.Zero(t, anders.MaxDailyLoad)
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown rule type": `{"appointment_types":[{"id":"a","duration_minutes":30}],"branches":[{"code":"B1","rules":{"nope":{"weekdays":[1],"open":"08:00","close":"17:00","max_per_slot":1}}}]}`,
		"zero duration":     `{"appointment_types":[{"id":"a","duration_minutes":0}]}`,
		"close before open": `{"appointment_types":[{"id":"a","duration_minutes":30}],"branches":[{"code":"B1","rules":{"a":{"weekdays":[1],"open":"17:00","close":"08:00","max_per_slot":1}}}]}`,
		"zero capacity":     `{"appointment_types":[{"id":"a","duration_minutes":30}],"branches":[{"code":"B1","rules":{"a":{"weekdays":[1],"open":"08:00","close":"17:00","max_per_slot":0}}}]}`,
		"bad blackout":      `{"appointment_types":[{"id":"a","duration_minutes":30}],"branches":[{"code":"B1","rules":{"a":{"weekdays":[1],"open":"08:00","close":"17:00","max_per_slot":1}},"restrictions":{"d":{"blackout_dates":["soon"]}}}]}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestStoreReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))

	store, err := OpenFile(path)
	require.NoError(t, err)

	before := store.Snapshot()
	_, ok := before.Branch("B1")
	require.True(t, ok)

	// A broken file must leave the previous snapshot in place.
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	require.Error(t, store.Reload())
	assert.Same(t, before, store.Snapshot())

	// A valid file swaps in a fresh snapshot.
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))
	require.NoError(t, store.Reload())
	assert.NotSame(t, before, store.Snapshot())
}
