package booking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the decision the validator reaches for a request.
type Outcome string

const (
	OutcomeAdmitted   Outcome = "admitted"
	OutcomeRejected   Outcome = "rejected"
	OutcomeWaitlisted Outcome = "waitlisted"
)

// Reason is a stable, user-visible code for a violated rule. The string
// values are part of the API contract and are mapped to translations by
// clients, so they must never change.
type Reason string

const (
	ReasonUnknownBranch       Reason = "unknown-branch"
	ReasonUnknownType         Reason = "unknown-appointment-type"
	ReasonLeadTime            Reason = "lead-time"
	ReasonOutsideHours        Reason = "outside-operating-hours"
	ReasonDoctorRestricted    Reason = "doctor-restricted"
	ReasonDoctorBlackout      Reason = "doctor-blackout"
	ReasonDoctorDailyLoad     Reason = "doctor-daily-load"
	ReasonPatientDailyLimit   Reason = "patient-daily-limit"
	ReasonPatientMonthlyLimit Reason = "patient-monthly-limit"
	ReasonSlotCapacity        Reason = "slot-capacity"
	ReasonReferralMissing     Reason = "referral-missing"
	ReasonReferralExpired     Reason = "referral-expired"
	ReasonRepeatExposureLimit Reason = "repeat-exposure-limit"
)

// Request is a raw booking request as received from a patient.
type Request struct {
	PatientID       uuid.UUID
	Branch          string
	Type            string
	Start           time.Time
	End             time.Time // zero value: derived from the type's default duration
	PreferredDoctor string    // optional
	ReferralID      *uuid.UUID
}

// Slot is the unit of bookable capacity: one doctor at one branch for one
// time window.
type Slot struct {
	Branch string
	Doctor string
	Start  time.Time
	End    time.Time
}

// Key identifies the slot for lock scoping and conflict detection.
func (s Slot) Key() string {
	return fmt.Sprintf("slot:%s:%s:%s", s.Branch, s.Doctor, s.Start.UTC().Format(time.RFC3339))
}

// capacityKey scopes the (branch, type, slot start) occupancy re-check. The
// doctor-slot key alone cannot serialize two commits that resolve to
// different doctors in the same slot.
func capacityKey(branch, typeID string, start time.Time) string {
	return fmt.Sprintf("cap:%s:%s:%s", branch, typeID, start.UTC().Format(time.RFC3339))
}

// patientKey serializes commits that count against one patient's ceilings.
func patientKey(id uuid.UUID) string {
	return "patient:" + id.String()
}

// Booking is a ledger entry. Immutable once committed, except for the
// cancellation fields.
type Booking struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	Branch      string
	Type        string
	Doctor      string
	Start       time.Time
	End         time.Time
	Status      Status
	ReferralID  *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
}

func (b *Booking) Slot() Slot {
	return Slot{Branch: b.Branch, Doctor: b.Doctor, Start: b.Start, End: b.End}
}

// ValidationResult is the outcome of one admission decision. Reasons are
// ordered by evaluation order and empty on admission.
type ValidationResult struct {
	Outcome Outcome
	Reasons []Reason
	Booking *Booking   // set when admitted
	Ticket  *uuid.UUID // set when waitlisted and a ticket was issued
}

// SlotReleaseEvent signals that a previously occupied slot became free.
// Events carry a unique id so consumers can drop replays.
type SlotReleaseEvent struct {
	ID         uuid.UUID
	Branch     string
	Type       string
	Doctor     string
	Start      time.Time
	End        time.Time
	ReleasedAt time.Time
}

// EventLog is an append-only audit record of an engine decision.
type EventLog struct {
	ID        int64
	EventType string
	BookingID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
