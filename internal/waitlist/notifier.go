package waitlist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Notifier delivers a slot offer to a patient. Delivery is fire-and-forget
// from the engine's perspective: the manager logs failures and moves on, and
// the acceptance-window sweep re-offers the slot if nobody converts.
type Notifier interface {
	Notify(ctx context.Context, patientID uuid.UUID, entry Entry, offer Offer) error
}

// LogNotifier writes offers to the log. Used in dev and as a fallback.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, patientID uuid.UUID, entry Entry, offer Offer) error {
	log.Info().
		Str("patient_id", patientID.String()).
		Str("entry_id", entry.ID.String()).
		Str("branch", entry.Branch).
		Str("type", entry.Type).
		Time("slot_start", offer.Start).
		Msg("waitlist offer")
	return nil
}

const offersChannel = "waitlist:offers"

// RedisNotifier publishes offers on a Redis channel for the dispatch
// collaborator (SMS/push gateway) to consume.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

type offerMessage struct {
	EntryID   uuid.UUID `json:"entry_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Branch    string    `json:"branch"`
	Type      string    `json:"type"`
	Doctor    string    `json:"doctor"`
	SlotStart time.Time `json:"slot_start"`
	SlotEnd   time.Time `json:"slot_end"`
	HoldUntil time.Time `json:"hold_until"`
}

func (n *RedisNotifier) Notify(ctx context.Context, patientID uuid.UUID, entry Entry, offer Offer) error {
	msg := offerMessage{
		EntryID:   entry.ID,
		PatientID: patientID,
		Branch:    entry.Branch,
		Type:      entry.Type,
		Doctor:    offer.Doctor,
		SlotStart: offer.Start,
		SlotEnd:   offer.End,
	}
	if entry.HoldExpiresAt != nil {
		msg.HoldUntil = *entry.HoldExpiresAt
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	if err := n.client.Publish(ctx, offersChannel, data).Err(); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}
