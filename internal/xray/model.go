package xray

import (
	"time"

	"github.com/google/uuid"
)

// Referral is a clinician-issued authorization for a referral-gated
// appointment type. It is matched on patient and type and expires on its
// own schedule, independent of any booking.
type Referral struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Type      string // appointment type id the referral authorizes
	IssuedBy  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Covers reports whether the referral authorizes this patient for this
// appointment type, ignoring expiry.
func (r *Referral) Covers(patientID uuid.UUID, typeID string) bool {
	return r.PatientID == patientID && r.Type == typeID
}

func (r *Referral) Expired(at time.Time) bool {
	return at.After(r.ExpiresAt)
}
