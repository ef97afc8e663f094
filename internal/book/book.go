// Package book arranges public offers by price-time priority so a visitor
// sees the best rate on each side first.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pmarket/internal/models"
)

// Book holds active offers split by side. Buy offers are ordered highest
// rate first, sell offers lowest rate first; equal rates keep the earlier
// offer ahead.
type Book struct {
	Buy  []models.Offer `json:"buy"`
	Sell []models.Offer `json:"sell"`
}

func New(offers []models.Offer) *Book {
	b := &Book{Buy: []models.Offer{}, Sell: []models.Offer{}}
	for _, o := range offers {
		if o.Status != models.OfferActive {
			continue
		}
		if o.Type == models.OfferBuy {
			b.Buy = append(b.Buy, o)
		} else {
			b.Sell = append(b.Sell, o)
		}
	}
	sortSide(b.Buy, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) })
	sortSide(b.Sell, func(a, c decimal.Decimal) bool { return a.LessThan(c) })
	return b
}

func sortSide(offers []models.Offer, better func(a, c decimal.Decimal) bool) {
	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].Rate.Equal(offers[j].Rate) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return better(offers[i].Rate, offers[j].Rate)
	})
}

// Best returns the top offer on each side, nil when a side is empty
func (b *Book) Best() (buy, sell *models.Offer) {
	if len(b.Buy) > 0 {
		buy = &b.Buy[0]
	}
	if len(b.Sell) > 0 {
		sell = &b.Sell[0]
	}
	return buy, sell
}

// Spread is the best sell rate minus the best buy rate
func (b *Book) Spread() (decimal.Decimal, bool) {
	buy, sell := b.Best()
	if buy == nil || sell == nil {
		return decimal.Zero, false
	}
	return sell.Rate.Sub(buy.Rate), true
}

// Crossing lists the offers a counterparty wanting side at limit could
// reserve right away, in priority order, until amount is covered. A zero
// amount returns every crossing offer.
func (b *Book) Crossing(side models.OfferType, limit, amount decimal.Decimal) []models.Offer {
	var (
		against []models.Offer
		crosses func(rate decimal.Decimal) bool
	)
	if side == models.OfferBuy {
		against = b.Sell
		crosses = func(rate decimal.Decimal) bool { return rate.LessThanOrEqual(limit) }
	} else {
		against = b.Buy
		crosses = func(rate decimal.Decimal) bool { return rate.GreaterThanOrEqual(limit) }
	}

	var out []models.Offer
	covered := decimal.Zero
	for _, o := range against {
		if !crosses(o.Rate) {
			// sorted, nothing further can cross
			break
		}
		out = append(out, o)
		covered = covered.Add(o.Amount)
		if amount.IsPositive() && covered.GreaterThanOrEqual(amount) {
			break
		}
	}
	return out
}

// Remove drops an offer from the book
func (b *Book) Remove(offerID int64) bool {
	for _, side := range []*[]models.Offer{&b.Buy, &b.Sell} {
		for i, o := range *side {
			if o.ID == offerID {
				*side = append((*side)[:i], (*side)[i+1:]...)
				return true
			}
		}
	}
	return false
}
