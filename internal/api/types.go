package api

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	"github.com/orthopoint/clinic-booking-engine/internal/waitlist"
	"github.com/orthopoint/clinic-booking-engine/internal/xray"
)

var validate = validator.New()

type SubmitBookingRequest struct {
	PatientID       string    `json:"patient_id" validate:"required,uuid4"`
	Branch          string    `json:"branch" validate:"required"`
	Type            string    `json:"type" validate:"required"`
	Start           time.Time `json:"start" validate:"required"`
	End             time.Time `json:"end,omitempty"`
	PreferredDoctor string    `json:"preferred_doctor,omitempty"`
	ReferralID      string    `json:"referral_id,omitempty" validate:"omitempty,uuid4"`
}

func (r SubmitBookingRequest) toDomain() (booking.Request, error) {
	patientID, err := uuid.Parse(r.PatientID)
	if err != nil {
		return booking.Request{}, err
	}
	req := booking.Request{
		PatientID:       patientID,
		Branch:          r.Branch,
		Type:            r.Type,
		Start:           r.Start,
		End:             r.End,
		PreferredDoctor: r.PreferredDoctor,
	}
	if r.ReferralID != "" {
		refID, err := uuid.Parse(r.ReferralID)
		if err != nil {
			return booking.Request{}, err
		}
		req.ReferralID = &refID
	}
	return req, nil
}

type BookingResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	Branch      string     `json:"branch"`
	Type        string     `json:"type"`
	Doctor      string     `json:"doctor"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Status      string     `json:"status"`
	ReferralID  *uuid.UUID `json:"referral_id,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func toBookingResponse(b *booking.Booking) BookingResponse {
	return BookingResponse{
		ID:          b.ID,
		PatientID:   b.PatientID,
		Branch:      b.Branch,
		Type:        b.Type,
		Doctor:      b.Doctor,
		Start:       b.Start,
		End:         b.End,
		Status:      string(b.Status),
		ReferralID:  b.ReferralID,
		CancelledAt: b.CancelledAt,
	}
}

// VerdictResponse is the admission verdict for a submitted request. Exactly
// one of Booking and WaitlistTicket is set for admitted and waitlisted
// outcomes; rejected verdicts carry only reasons.
type VerdictResponse struct {
	Outcome        string           `json:"outcome"`
	Reasons        []booking.Reason `json:"reasons,omitempty"`
	Booking        *BookingResponse `json:"booking,omitempty"`
	WaitlistTicket *uuid.UUID       `json:"waitlist_ticket,omitempty"`
}

func toVerdictResponse(res *booking.ValidationResult) VerdictResponse {
	out := VerdictResponse{
		Outcome:        string(res.Outcome),
		Reasons:        res.Reasons,
		WaitlistTicket: res.Ticket,
	}
	if res.Booking != nil {
		b := toBookingResponse(res.Booking)
		out.Booking = &b
	}
	return out
}

type WaitlistEntryResponse struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	Branch        string     `json:"branch"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	OfferedDoctor string     `json:"offered_doctor,omitempty"`
	OfferedStart  *time.Time `json:"offered_start,omitempty"`
	OfferedEnd    *time.Time `json:"offered_end,omitempty"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
}

func toWaitlistEntryResponse(e *waitlist.Entry) WaitlistEntryResponse {
	return WaitlistEntryResponse{
		ID:            e.ID,
		PatientID:     e.PatientID,
		Branch:        e.Branch,
		Type:          e.Type,
		Status:        string(e.Status),
		CreatedAt:     e.CreatedAt,
		ExpiresAt:     e.ExpiresAt,
		OfferedDoctor: e.OfferedDoctor,
		OfferedStart:  e.OfferedStart,
		OfferedEnd:    e.OfferedEnd,
		HoldExpiresAt: e.HoldExpiresAt,
	}
}

type CreateReferralRequest struct {
	PatientID string    `json:"patient_id" validate:"required,uuid4"`
	Type      string    `json:"type" validate:"required"`
	IssuedBy  string    `json:"issued_by" validate:"required"`
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

type ReferralResponse struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Type      string    `json:"type"`
	IssuedBy  string    `json:"issued_by"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toReferralResponse(r *xray.Referral) ReferralResponse {
	return ReferralResponse{
		ID:        r.ID,
		PatientID: r.PatientID,
		Type:      r.Type,
		IssuedBy:  r.IssuedBy,
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

type BranchResponse struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Doctors []string `json:"doctors"`
	Types   []string `json:"types"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
