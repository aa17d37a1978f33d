package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orthopoint/clinic-booking-engine/internal/booking"
	redisclient "github.com/orthopoint/clinic-booking-engine/internal/redis"
	"github.com/orthopoint/clinic-booking-engine/internal/waitlist"
	"github.com/orthopoint/clinic-booking-engine/internal/xray"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// All submissions go through the x-ray controller: for referral-free types
// the gate is a no-op and the request falls straight through to the booking
// service, so one pipeline serves both endpoints.
func submitBookingHandler(ctrl *xray.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitBookingRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		domainReq, err := req.toDomain()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
			return
		}

		res, err := ctrl.Submit(r.Context(), domainReq, time.Now())
		if err != nil {
			handleDomainError(w, err)
			return
		}

		status := http.StatusCreated
		if res.Outcome != booking.OutcomeAdmitted {
			status = http.StatusOK
		}
		writeJSON(w, status, toVerdictResponse(res))
	}
}

func validateBookingHandler(ctrl *xray.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitBookingRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		domainReq, err := req.toDomain()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
			return
		}

		res, err := ctrl.Validate(r.Context(), domainReq, time.Now())
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toVerdictResponse(res))
	}
}

func getBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		b, err := svc.GetBooking(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingResponse(b))
	}
}

func cancelBookingHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		b, err := svc.Cancel(r.Context(), id, time.Now())
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingResponse(b))
	}
}

func createReferralHandler(ctrl *xray.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateReferralRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		created, err := ctrl.CreateReferral(r.Context(), &xray.Referral{
			PatientID: patientID,
			Type:      req.Type,
			IssuedBy:  req.IssuedBy,
			IssuedAt:  time.Now(),
			ExpiresAt: req.ExpiresAt,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toReferralResponse(created))
	}
}

func getReferralHandler(ctrl *xray.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		ref, err := ctrl.GetReferral(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReferralResponse(ref))
	}
}

func getWaitlistEntryHandler(mgr *waitlist.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		e, err := mgr.GetEntry(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWaitlistEntryResponse(e))
	}
}

func acceptOfferHandler(mgr *waitlist.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		res, err := mgr.Accept(r.Context(), id, time.Now())
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toVerdictResponse(res))
	}
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, booking.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, booking.ErrCancellationClosed):
		writeError(w, http.StatusConflict, "cancellation_window_closed", err.Error())
	case errors.Is(err, waitlist.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "waitlist_entry_not_found", err.Error())
	case errors.Is(err, waitlist.ErrNoActiveOffer):
		writeError(w, http.StatusConflict, "no_active_offer", err.Error())
	case errors.Is(err, xray.ErrReferralNotFound):
		writeError(w, http.StatusNotFound, "referral_not_found", err.Error())
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_contended", "slot is being booked, please retry shortly")
	case errors.Is(err, booking.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
