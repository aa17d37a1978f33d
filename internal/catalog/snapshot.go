package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the branch/rule catalog. Validation reads
// one snapshot for its whole evaluation; reloads swap in a new snapshot and
// never mutate an existing one.
type Snapshot struct {
	LoadedAt time.Time

	branches   []Branch // ordered by code
	branchIdx  map[string]int
	types      map[string]AppointmentType
	rules      map[ruleKey]BranchRule
	restricted map[restrictionKey]DoctorRestriction
	limits     Limits
}

type ruleKey struct {
	Branch string
	Type   string
}

type restrictionKey struct {
	Branch string
	Doctor string
}

// Branches returns all branches ordered by code.
func (s *Snapshot) Branches() []Branch {
	return s.branches
}

func (s *Snapshot) Branch(code string) (Branch, bool) {
	i, ok := s.branchIdx[code]
	if !ok {
		return Branch{}, false
	}
	return s.branches[i], true
}

func (s *Snapshot) Type(id string) (AppointmentType, bool) {
	t, ok := s.types[id]
	return t, ok
}

// Rule returns the policy for (branch, type). A missing rule is a rejection
// reason for the caller, not an error.
func (s *Snapshot) Rule(branch, typeID string) (BranchRule, bool) {
	r, ok := s.rules[ruleKey{Branch: branch, Type: typeID}]
	return r, ok
}

// Restriction returns the doctor's restrictions at a branch, defaulting to
// no restrictions.
func (s *Snapshot) Restriction(branch, doctorID string) DoctorRestriction {
	return s.restricted[restrictionKey{Branch: branch, Doctor: doctorID}]
}

func (s *Snapshot) Limits() Limits {
	return s.limits
}

// RadiologyTypes returns the ids of all radiology appointment types, used to
// scope repeat-exposure ceilings.
func (s *Snapshot) RadiologyTypes() []string {
	var ids []string
	for id, t := range s.types {
		if t.Radiology {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Store holds the current catalog snapshot behind an atomic pointer so that
// a reload is never visible as a partial update.
type Store struct {
	current atomic.Pointer[Snapshot]
	path    string
}

func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	s.current.Store(snap)
	return s
}

// OpenFile loads the catalog file and returns a store that can reload it.
func OpenFile(path string) (*Store, error) {
	snap, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := NewStore(snap)
	s.path = path
	return s, nil
}

// Snapshot returns the current catalog view. Callers must hold on to the
// returned pointer for the duration of one evaluation.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Swap installs a new snapshot.
func (s *Store) Swap(snap *Snapshot) {
	s.current.Store(snap)
}

// Reload re-reads the backing file and atomically swaps the snapshot. On
// error the previous snapshot stays in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("catalog store has no backing file")
	}
	snap, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.Swap(snap)
	return nil
}

// File format

type catalogFile struct {
	AppointmentTypes []typeEntry   `json:"appointment_types"`
	Branches         []branchEntry `json:"branches"`
	Limits           limitsEntry   `json:"limits"`
}

type typeEntry struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	DurationMinutes  int    `json:"duration_minutes"`
	RequiresReferral bool   `json:"requires_referral"`
	FollowUp         bool   `json:"follow_up"`
	Radiology        bool   `json:"radiology"`
}

type branchEntry struct {
	Code         string                      `json:"code"`
	Name         string                      `json:"name"`
	Doctors      []string                    `json:"doctors"`
	Rules        map[string]ruleEntry        `json:"rules"`
	Restrictions map[string]restrictionEntry `json:"restrictions"`
}

type ruleEntry struct {
	Weekdays                []int  `json:"weekdays"`
	Open                    string `json:"open"`
	Close                   string `json:"close"`
	MaxPerSlot              int    `json:"max_per_slot"`
	MinLeadTimeHours        int    `json:"min_lead_time_hours"`
	CancellationWindowHours int    `json:"cancellation_window_hours"`
}

type restrictionEntry struct {
	ExcludedTypes []string `json:"excluded_types"`
	MaxDailyLoad  int      `json:"max_daily_load"`
	BlackoutDates []string `json:"blackout_dates"`
}

type limitsEntry struct {
	PerPatientPerDay            int `json:"per_patient_per_day"`
	PerPatientPerBranchPerMonth int `json:"per_patient_per_branch_per_month"`
	RadiologyPerPatientPerMonth int `json:"radiology_per_patient_per_month"`
}

// LoadFile parses and validates a catalog file into an immutable snapshot.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse builds a snapshot from raw catalog JSON.
func Parse(data []byte) (*Snapshot, error) {
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	snap := &Snapshot{
		LoadedAt:   time.Now(),
		branchIdx:  make(map[string]int),
		types:      make(map[string]AppointmentType),
		rules:      make(map[ruleKey]BranchRule),
		restricted: make(map[restrictionKey]DoctorRestriction),
		limits: Limits{
			PerPatientPerDay:            file.Limits.PerPatientPerDay,
			PerPatientPerBranchPerMonth: file.Limits.PerPatientPerBranchPerMonth,
			RadiologyPerPatientPerMonth: file.Limits.RadiologyPerPatientPerMonth,
		},
	}

	for _, t := range file.AppointmentTypes {
		if t.ID == "" {
			return nil, fmt.Errorf("catalog: appointment type with empty id")
		}
		if t.DurationMinutes <= 0 {
			return nil, fmt.Errorf("catalog: appointment type %s has no duration", t.ID)
		}
		snap.types[t.ID] = AppointmentType{
			ID:               t.ID,
			Name:             t.Name,
			DefaultDuration:  time.Duration(t.DurationMinutes) * time.Minute,
			RequiresReferral: t.RequiresReferral,
			FollowUp:         t.FollowUp,
			Radiology:        t.Radiology,
		}
	}

	for _, b := range file.Branches {
		if b.Code == "" {
			return nil, fmt.Errorf("catalog: branch with empty code")
		}
		branch := Branch{
			Code:    b.Code,
			Name:    b.Name,
			Doctors: b.Doctors,
		}

		for typeID, re := range b.Rules {
			if _, ok := snap.types[typeID]; !ok {
				return nil, fmt.Errorf("catalog: branch %s has rule for unknown type %s", b.Code, typeID)
			}
			rule, err := parseRule(re)
			if err != nil {
				return nil, fmt.Errorf("catalog: branch %s type %s: %w", b.Code, typeID, err)
			}
			snap.rules[ruleKey{Branch: b.Code, Type: typeID}] = rule
			branch.Types = append(branch.Types, typeID)
		}
		sort.Strings(branch.Types)

		for doctorID, re := range b.Restrictions {
			blackouts := make(map[string]bool, len(re.BlackoutDates))
			for _, d := range re.BlackoutDates {
				if _, err := time.Parse("2006-01-02", d); err != nil {
					return nil, fmt.Errorf("catalog: branch %s doctor %s: bad blackout date %q", b.Code, doctorID, d)
				}
				blackouts[d] = true
			}
			snap.restricted[restrictionKey{Branch: b.Code, Doctor: doctorID}] = DoctorRestriction{
				ExcludedTypes: re.ExcludedTypes,
				MaxDailyLoad:  re.MaxDailyLoad,
				BlackoutDates: blackouts,
			}
		}

		snap.branches = append(snap.branches, branch)
	}

	sort.Slice(snap.branches, func(i, j int) bool {
		return snap.branches[i].Code < snap.branches[j].Code
	})
	for i, b := range snap.branches {
		snap.branchIdx[b.Code] = i
	}

	return snap, nil
}

func parseRule(re ruleEntry) (BranchRule, error) {
	openMin, err := parseClock(re.Open)
	if err != nil {
		return BranchRule{}, fmt.Errorf("bad open time %q", re.Open)
	}
	closeMin, err := parseClock(re.Close)
	if err != nil {
		return BranchRule{}, fmt.Errorf("bad close time %q", re.Close)
	}
	if closeMin <= openMin {
		return BranchRule{}, fmt.Errorf("close %q not after open %q", re.Close, re.Open)
	}
	if re.MaxPerSlot <= 0 {
		return BranchRule{}, fmt.Errorf("max_per_slot must be positive")
	}

	weekdays := make([]time.Weekday, 0, len(re.Weekdays))
	for _, w := range re.Weekdays {
		if w < 0 || w > 6 {
			return BranchRule{}, fmt.Errorf("bad weekday %d", w)
		}
		weekdays = append(weekdays, time.Weekday(w))
	}

	return BranchRule{
		Weekdays:           weekdays,
		OpenMinute:         openMin,
		CloseMinute:        closeMin,
		MaxPerSlot:         re.MaxPerSlot,
		MinLeadTime:        time.Duration(re.MinLeadTimeHours) * time.Hour,
		CancellationWindow: time.Duration(re.CancellationWindowHours) * time.Hour,
	}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
