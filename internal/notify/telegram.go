package notify

import (
	"context"
	"fmt"

	tele "gopkg.in/telebot.v3"

	"github.com/xtrntr/p2pmarket/internal/models"
)

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// UserLookup resolves a user's Telegram chat
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// TelegramNotifier messages the affected user in Telegram. Users without a
// linked telegram id are skipped.
type TelegramNotifier struct {
	bot   sender
	users UserLookup
}

// NewTelegramNotifier builds a send-only bot; it never polls for updates
func NewTelegramNotifier(token string, users UserLookup) (*TelegramNotifier, error) {
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, users: users}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, ev Event) error {
	to, text := t.message(ev)
	if to == nil || text == "" {
		return nil
	}
	u, err := t.users.GetUser(ctx, *to)
	if err != nil {
		return fmt.Errorf("failed to look up recipient: %w", err)
	}
	if u.TelegramID == nil {
		return nil
	}
	if _, err := t.bot.Send(tele.ChatID(*u.TelegramID), text); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// message picks the recipient and text for ev. The owner hears about new
// reservations, the responder about the owner's decision.
func (t *TelegramNotifier) message(ev Event) (*int64, string) {
	owner := ev.OwnerID
	switch ev.Type {
	case ReservationCreated:
		return &owner, fmt.Sprintf("Новая бронь на объявление #%d от %s. Подтвердите или отклоните её.", ev.OfferID, ev.BuyerName)
	case ReservationCancelled:
		return &owner, fmt.Sprintf("Бронь на объявление #%d отменена.", ev.OfferID)
	case ReservationConfirmed:
		return ev.BuyerUserID, fmt.Sprintf("Ваша бронь на объявление #%d подтверждена.", ev.OfferID)
	case ReservationRejected:
		return ev.BuyerUserID, fmt.Sprintf("Ваша бронь на объявление #%d отклонена.", ev.OfferID)
	case ReservationExpired:
		return ev.BuyerUserID, fmt.Sprintf("Время ожидания подтверждения брони на объявление #%d истекло.", ev.OfferID)
	case OfferCompleted:
		return ev.BuyerUserID, fmt.Sprintf("Сделка по объявлению #%d завершена.", ev.OfferID)
	}
	return nil, ""
}
