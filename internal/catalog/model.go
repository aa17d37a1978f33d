package catalog

import (
	"time"
)

// AppointmentType describes a bookable service offered by one or more branches.
type AppointmentType struct {
	ID               string
	Name             string
	DefaultDuration  time.Duration
	RequiresReferral bool
	FollowUp         bool
	Radiology        bool
}

// Branch is a physical clinic location with its own rule set and doctor roster.
type Branch struct {
	Code    string
	Name    string
	Doctors []string
	Types   []string // supported appointment type ids
}

func (b *Branch) Supports(typeID string) bool {
	for _, t := range b.Types {
		if t == typeID {
			return true
		}
	}
	return false
}

func (b *Branch) HasDoctor(doctorID string) bool {
	for _, d := range b.Doctors {
		if d == doctorID {
			return true
		}
	}
	return false
}

// BranchRule is the per (branch, appointment type) booking policy.
type BranchRule struct {
	Weekdays           []time.Weekday
	OpenMinute         int // minutes from midnight, clinic-local
	CloseMinute        int
	MaxPerSlot         int // max concurrent bookings per slot bucket
	MinLeadTime        time.Duration
	CancellationWindow time.Duration
}

func (r *BranchRule) AllowsWeekday(d time.Weekday) bool {
	for _, w := range r.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// WithinHours reports whether [start, end) falls inside the rule's daily
// operating window. Both bounds are interpreted in start's location.
func (r *BranchRule) WithinHours(start, end time.Time) bool {
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if end.YearDay() != start.YearDay() || end.Year() != start.Year() {
		// Overnight appointments are never inside a daily window.
		return false
	}
	return startMin >= r.OpenMinute && endMin <= r.CloseMinute
}

// DoctorRestriction limits what a doctor may perform at a branch. The zero
// value means no restrictions.
type DoctorRestriction struct {
	ExcludedTypes []string
	MaxDailyLoad  int // 0 = unlimited
	BlackoutDates map[string]bool
}

func (dr DoctorRestriction) Excludes(typeID string) bool {
	for _, t := range dr.ExcludedTypes {
		if t == typeID {
			return true
		}
	}
	return false
}

func (dr DoctorRestriction) BlackedOut(day time.Time) bool {
	if len(dr.BlackoutDates) == 0 {
		return false
	}
	return dr.BlackoutDates[day.Format("2006-01-02")]
}

// Limits are the global booking ceilings applied by the validator. A zero
// ceiling means the limit is not enforced.
type Limits struct {
	PerPatientPerDay            int
	PerPatientPerBranchPerMonth int
	RadiologyPerPatientPerMonth int
}
