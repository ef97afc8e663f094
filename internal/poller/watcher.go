// Package poller turns periodic snapshots of the marketplace into events
// for a client: new reservations on the creator's offers, and the final
// status of a reservation the responder is waiting on.
package poller

import (
	"sort"
	"sync"

	"github.com/xtrntr/p2pmarket/internal/models"
)

// NewReservations reports pending reservations that appeared on one offer
// since the previous snapshot. Reservations are ordered newest first.
type NewReservations struct {
	OfferID      int64
	Reservations []models.Reservation
}

// Latest returns the newest of the reported reservations
func (n NewReservations) Latest() models.Reservation {
	return n.Reservations[0]
}

// CreatorWatcher detects new pending reservations on offers the user
// created. The first snapshot only records state; an offer that shows up
// in a later snapshot counts from zero, so its pending reservations are
// reported.
type CreatorWatcher struct {
	mu     sync.Mutex
	loaded bool
	counts map[int64]int
	// pending reservation ids per offer as of the last snapshot
	seen map[int64]map[int64]struct{}
}

func NewCreatorWatcher() *CreatorWatcher {
	return &CreatorWatcher{
		counts: make(map[int64]int),
		seen:   make(map[int64]map[int64]struct{}),
	}
}

// Observe consumes one snapshot of the user's offers and returns at most
// one event per offer.
func (w *CreatorWatcher) Observe(snapshot []models.UserOffer) []NewReservations {
	w.mu.Lock()
	defer w.mu.Unlock()

	initial := !w.loaded
	w.loaded = true

	present := make(map[int64]struct{}, len(snapshot))
	var events []NewReservations
	for _, uo := range snapshot {
		if uo.RelationType != models.RelationCreated {
			continue
		}
		id := uo.Offer.ID
		present[id] = struct{}{}

		prev := w.seen[id]
		next := make(map[int64]struct{})
		var fresh []models.Reservation
		for _, r := range uo.Reservations {
			if r.Status != models.ReservationPending {
				continue
			}
			next[r.ID] = struct{}{}
			if _, ok := prev[r.ID]; !ok {
				fresh = append(fresh, r)
			}
		}
		// resolved reservations never return to pending, so only the
		// current pending set is kept
		w.seen[id] = next
		w.counts[id] = uo.PendingCount()

		if initial || len(fresh) == 0 {
			continue
		}
		sort.Slice(fresh, func(i, j int) bool {
			if !fresh[i].CreatedAt.Equal(fresh[j].CreatedAt) {
				return fresh[i].CreatedAt.After(fresh[j].CreatedAt)
			}
			return fresh[i].ID > fresh[j].ID
		})
		events = append(events, NewReservations{OfferID: id, Reservations: fresh})
	}

	// forget deleted or completed-and-gone offers
	for id := range w.counts {
		if _, ok := present[id]; !ok {
			delete(w.counts, id)
			delete(w.seen, id)
		}
	}
	return events
}

// PendingCount returns the last observed pending count for an offer
func (w *CreatorWatcher) PendingCount(offerID int64) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.counts[offerID]
	return n, ok
}

// StatusChange is the single transition a responder is told about
type StatusChange struct {
	ReservationID int64
	From          models.ReservationStatus
	To            models.ReservationStatus
}

// ResponderWatcher follows one reservation. It reports the first status
// other than pending and ignores every read after that.
type ResponderWatcher struct {
	mu     sync.Mutex
	id     int64
	status models.ReservationStatus
	final  bool
}

func NewResponderWatcher(reservationID int64) *ResponderWatcher {
	return &ResponderWatcher{id: reservationID, status: models.ReservationPending}
}

func (w *ResponderWatcher) Observe(st models.ReservationState) (StatusChange, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if st.ID != w.id || w.final || st.Status == models.ReservationPending {
		return StatusChange{}, false
	}
	change := StatusChange{ReservationID: w.id, From: w.status, To: st.Status}
	w.status = st.Status
	w.final = true
	return change, true
}

func (w *ResponderWatcher) Status() models.ReservationStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Resolved reports whether the watched reservation has left pending
func (w *ResponderWatcher) Resolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.final
}

// Countdown is a local estimate of the seconds left on a pending
// reservation. It is display state only; the server decides expiry.
type Countdown struct {
	mu   sync.Mutex
	left int
}

// Sync replaces the estimate with the server's value
func (c *Countdown) Sync(seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = max(seconds, 0)
}

// Tick advances the countdown by one second and returns what is left
func (c *Countdown) Tick() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left > 0 {
		c.left--
	}
	return c.left
}

func (c *Countdown) Left() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// Imminent is true once the estimate has reached zero
func (c *Countdown) Imminent() bool {
	return c.Left() == 0
}
