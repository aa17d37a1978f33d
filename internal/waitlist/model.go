package waitlist

import (
	"time"

	"github.com/google/uuid"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
)

type Status string

// Transitions are monotonic: pending -> notified -> {converted, expired},
// notified -> pending (hold lapse), pending -> expired. Converted and
// expired are terminal and retained for audit.
const (
	StatusPending   Status = "pending"
	StatusNotified  Status = "notified"
	StatusExpired   Status = "expired"
	StatusConverted Status = "converted"
)

// Offer is the tentatively held slot attached to a notified entry.
type Offer struct {
	Doctor string
	Start  time.Time
	End    time.Time
}

// Entry is a deferred booking request. CreatedAt is the FIFO priority key
// within a (branch, type) bucket.
type Entry struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	Branch          string
	Type            string
	PreferredDoctor string
	ReferralID      *uuid.UUID
	WindowStart     time.Time // compatible-time-window for matching
	WindowEnd       time.Time
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	NotifiedAt      *time.Time
	HoldExpiresAt   *time.Time
	OfferedDoctor   string
	OfferedStart    *time.Time
	OfferedEnd      *time.Time
}

// Request reconstructs the booking request an accepted offer converts into.
func (e *Entry) Request() booking.Request {
	req := booking.Request{
		PatientID:  e.PatientID,
		Branch:     e.Branch,
		Type:       e.Type,
		ReferralID: e.ReferralID,
	}
	if e.OfferedStart != nil {
		req.Start = *e.OfferedStart
	}
	if e.OfferedEnd != nil {
		req.End = *e.OfferedEnd
	}
	if e.OfferedDoctor != "" {
		req.PreferredDoctor = e.OfferedDoctor
	}
	return req
}
