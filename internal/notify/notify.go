// Package notify fans reservation and offer events out to the websocket
// hub, Kafka and Telegram. Delivery is best effort: a failing channel is
// logged and never fails the state transition that raised the event.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/metrics"
	"github.com/xtrntr/p2pmarket/internal/models"
)

type EventType string

const (
	ReservationCreated   EventType = "reservation.created"
	ReservationConfirmed EventType = "reservation.confirmed"
	ReservationRejected  EventType = "reservation.rejected"
	ReservationExpired   EventType = "reservation.expired"
	ReservationCancelled EventType = "reservation.cancelled"
	OfferCompleted       EventType = "offer.completed"
)

// Event is one state change, addressed to the offer owner and the responder
type Event struct {
	Type          EventType                `json:"type"`
	OfferID       int64                    `json:"offer_id"`
	ReservationID int64                    `json:"reservation_id,omitempty"`
	OwnerID       int64                    `json:"owner_id"`
	BuyerUserID   *int64                   `json:"buyer_user_id,omitempty"`
	BuyerName     string                   `json:"buyer_name,omitempty"`
	Status        models.ReservationStatus `json:"status,omitempty"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// ReservationEvent builds an event for a reservation transition
func ReservationEvent(t EventType, r models.Reservation, ownerID int64, at time.Time) Event {
	return Event{
		Type:          t,
		OfferID:       r.OfferID,
		ReservationID: r.ID,
		OwnerID:       ownerID,
		BuyerUserID:   r.BuyerUserID,
		BuyerName:     r.BuyerName,
		Status:        r.Status,
		OccurredAt:    at,
	}
}

// Recipients returns the registered users the event concerns
func (e Event) Recipients() []int64 {
	ids := []int64{e.OwnerID}
	if e.BuyerUserID != nil && *e.BuyerUserID != e.OwnerID {
		ids = append(ids, *e.BuyerUserID)
	}
	return ids
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

type channel struct {
	name string
	n    Notifier
}

// Multi delivers each event to every registered channel in order
type Multi struct {
	channels []channel
	logger   *zap.Logger
}

func NewMulti(logger *zap.Logger) *Multi {
	return &Multi{logger: logger}
}

// Add registers a channel under name, used in logs and metrics
func (m *Multi) Add(name string, n Notifier) *Multi {
	m.channels = append(m.channels, channel{name: name, n: n})
	return m
}

// Notify never returns an error; channel failures are logged and counted
func (m *Multi) Notify(ctx context.Context, ev Event) error {
	for _, c := range m.channels {
		if err := c.n.Notify(ctx, ev); err != nil {
			metrics.NotifyFailed(c.name)
			m.logger.Warn("event delivery failed",
				zap.String("channel", c.name),
				zap.String("event", string(ev.Type)),
				zap.Int64("offer_id", ev.OfferID),
				zap.Error(err))
		}
	}
	return nil
}
