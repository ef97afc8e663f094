package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
	"github.com/xtrntr/p2pmarket/internal/models"
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

const userColumns = "id, name, email, phone, password_hash, telegram_id, is_admin, blocked, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.TelegramID, &u.IsAdmin, &u.Blocked, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	created, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (name, email, phone, password_hash, telegram_id, is_admin) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+userColumns,
		u.Name, u.Email, u.Phone, u.PasswordHash, u.TelegramID, u.IsAdmin))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return created, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)", email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ListUsers returns every user ordered by id
func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetUserBlocked blocks or unblocks a user
func (db *DB) SetUserBlocked(ctx context.Context, id int64, blocked bool) error {
	tag, err := db.Pool.Exec(ctx, "UPDATE users SET blocked = $2 WHERE id = $1", id, blocked)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}

// SetTelegramID links a Telegram chat to the user, or unlinks it with nil
func (db *DB) SetTelegramID(ctx context.Context, id int64, telegramID *int64) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		"UPDATE users SET telegram_id = $2 WHERE id = $1 RETURNING "+userColumns, id, telegramID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
}

const offerColumns = `o.id, o.owner_id, u.name, o.offer_type, o.amount, o.rate, o.meeting_time, o.meeting_time_end,
	o.city, o.offices, o.status, o.reserved_by, o.reserved_at, o.created_at, o.updated_at,
	o.anonymous_name, o.anonymous_phone, o.expires_at`

const offerFrom = " FROM offers o JOIN users u ON u.id = o.owner_id"

// scanOffer reads offerColumns followed by any extra columns
func scanOffer(row scanner, extra ...any) (*models.Offer, error) {
	o := &models.Offer{}
	var contactName, contactPhone *string
	dest := []any{&o.ID, &o.OwnerID, &o.OwnerName, &o.Type, &o.Amount, &o.Rate, &o.MeetingTime, &o.MeetingTimeEnd,
		&o.City, &o.Offices, &o.Status, &o.ReservedBy, &o.ReservedAt, &o.CreatedAt, &o.UpdatedAt,
		&contactName, &contactPhone, &o.ExpiresAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if contactName != nil {
		o.Contact = &models.AnonymousContact{Name: *contactName}
		if contactPhone != nil {
			o.Contact.Phone = *contactPhone
		}
		o.OwnerName = o.Contact.Name
	}
	return o, nil
}

func collectOffers(rows pgx.Rows) ([]models.Offer, error) {
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return offers, nil
}

// CreateOffer inserts a new active offer
func (db *DB) CreateOffer(ctx context.Context, o *models.Offer) (*models.Offer, error) {
	offices := o.Offices
	if offices == nil {
		offices = []string{}
	}

	var contactName, contactPhone *string
	if o.Contact != nil {
		contactName, contactPhone = &o.Contact.Name, &o.Contact.Phone
	}

	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO offers (owner_id, offer_type, amount, rate, meeting_time, meeting_time_end, city, offices, status, created_at, updated_at,
			anonymous_name, anonymous_phone, expires_at)
		SELECT id, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $9, $10, $11, $12 FROM users WHERE id = $1
		RETURNING id`,
		o.OwnerID, o.Type, o.Amount, o.Rate, o.MeetingTime, o.MeetingTimeEnd, o.City, offices, o.CreatedAt,
		contactName, contactPhone, o.ExpiresAt).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	return db.GetOffer(ctx, id)
}

// GetOffer retrieves an offer by id
func (db *DB) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	o, err := scanOffer(db.Pool.QueryRow(ctx, "SELECT "+offerColumns+offerFrom+" WHERE o.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return o, nil
}

// ListActiveOffers returns the public listing: active offers of unblocked owners
func (db *DB) ListActiveOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+offerColumns+offerFrom+`
		WHERE o.status = 'active' AND NOT u.blocked
		AND ($1 = '' OR o.offer_type = $1)
		AND ($2 = '' OR lower(o.city) = lower($2))
		ORDER BY o.created_at DESC, o.id DESC`,
		string(f.Type), f.City)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	return collectOffers(rows)
}

// ListAllOffers returns every offer regardless of status
func (db *DB) ListAllOffers(ctx context.Context) ([]models.Offer, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+offerColumns+offerFrom+" ORDER BY o.created_at DESC, o.id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	return collectOffers(rows)
}

// lockOffer selects an offer row FOR UPDATE inside tx, together with its
// owner's name and blocked flag.
func lockOffer(ctx context.Context, tx pgx.Tx, id int64) (*models.Offer, bool, error) {
	var ownerBlocked bool
	o, err := scanOffer(tx.QueryRow(ctx, "SELECT "+offerColumns+", u.blocked"+offerFrom+" WHERE o.id = $1 FOR UPDATE OF o", id), &ownerBlocked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, apperr.ErrOfferNotFound
		}
		return nil, false, fmt.Errorf("failed to get offer: %w", err)
	}
	return o, ownerBlocked, nil
}

const reservationColumns = `id, offer_id, buyer_user_id, buyer_name, buyer_phone, buyer_email, amount,
	meeting_time, meeting_office, status, created_at, expires_at, resolved_at`

func scanReservation(row scanner) (*models.Reservation, error) {
	r := &models.Reservation{}
	err := row.Scan(&r.ID, &r.OfferID, &r.BuyerUserID, &r.BuyerName, &r.BuyerPhone, &r.BuyerEmail, &r.Amount,
		&r.MeetingTime, &r.MeetingOffice, &r.Status, &r.CreatedAt, &r.ExpiresAt, &r.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// lockHolding selects the offer's pending or confirmed reservation FOR UPDATE.
// It returns nil when the offer is unheld.
func lockHolding(ctx context.Context, tx pgx.Tx, offerID int64) (*models.Reservation, error) {
	r, err := scanReservation(tx.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE offer_id = $1 AND status IN ('pending', 'confirmed') FOR UPDATE",
		offerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// resolve moves a pending reservation to a terminal status. Returns
// ErrAlreadyResolved when another transaction got there first.
func resolve(ctx context.Context, tx pgx.Tx, r *models.Reservation, to models.ReservationStatus, now time.Time) error {
	tag, err := tx.Exec(ctx,
		"UPDATE reservations SET status = $2, resolved_at = $3 WHERE id = $1 AND status = 'pending'",
		r.ID, to, now)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrAlreadyResolved
	}
	r.Status = to
	resolved := now
	r.ResolvedAt = &resolved
	return nil
}

// release returns a reserved offer to active once its reservation ended
func release(ctx context.Context, tx pgx.Tx, o *models.Offer, now time.Time) error {
	next := lifecycle.OfferAfterRelease(o.Status)
	_, err := tx.Exec(ctx,
		"UPDATE offers SET status = $2, reserved_by = NULL, reserved_at = NULL, updated_at = $3 WHERE id = $1",
		o.ID, next, now)
	if err != nil {
		return fmt.Errorf("failed to release offer: %w", err)
	}
	o.Status = next
	o.ReservedBy = nil
	o.ReservedAt = nil
	o.UpdatedAt = now
	return nil
}

func expire(ctx context.Context, tx pgx.Tx, o *models.Offer, r *models.Reservation, now time.Time) error {
	if err := resolve(ctx, tx, r, models.ReservationExpired, now); err != nil {
		return err
	}
	return release(ctx, tx, o, now)
}

func withTimeLeft(r *models.Reservation, now time.Time) *models.Reservation {
	r.TimeLeftSeconds = lifecycle.TimeLeft(*r, now)
	return r
}

// UpdateOffer edits amount, rate, meeting time or offices of an unreserved
// offer. The meeting window is checked on the merged terms under the row lock.
func (db *DB) UpdateOffer(ctx context.Context, id, actorID int64, p models.OfferPatch, now time.Time) (*models.Offer, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, _, err := lockOffer(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	holding, err := lockHolding(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.CheckEdit(*o, actorID, holding); err != nil {
		return nil, err
	}
	start, end := o.MeetingTime, o.MeetingTimeEnd
	if p.MeetingTime != nil {
		start = *p.MeetingTime
	}
	if p.MeetingTimeEnd != nil {
		end = *p.MeetingTimeEnd
	}
	if err := lifecycle.CheckMeetingWindow(start, end); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE offers SET
			amount = COALESCE($2, amount),
			rate = COALESCE($3, rate),
			meeting_time = COALESCE($4, meeting_time),
			meeting_time_end = COALESCE($5, meeting_time_end),
			offices = COALESCE($6, offices),
			updated_at = $7
		WHERE id = $1`,
		id, p.Amount, p.Rate, p.MeetingTime, p.MeetingTimeEnd, p.Offices, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update offer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return db.GetOffer(ctx, id)
}

// SetOfferStatus pauses or resumes an unreserved offer
func (db *DB) SetOfferStatus(ctx context.Context, id, actorID int64, to models.OfferStatus, now time.Time) (*models.Offer, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, _, err := lockOffer(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	holding, err := lockHolding(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.CheckSetStatus(*o, actorID, to, holding); err != nil {
		return nil, err
	}

	if o.Status != to {
		tag, err := tx.Exec(ctx,
			"UPDATE offers SET status = $2, updated_at = $4 WHERE id = $1 AND status = $3",
			id, to, o.Status, now)
		if err != nil {
			return nil, fmt.Errorf("failed to update offer status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, apperr.ErrInvalidTransition
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return db.GetOffer(ctx, id)
}

// DeleteOffer removes an offer and its reservations
func (db *DB) DeleteOffer(ctx context.Context, id, actorID int64, admin bool) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, _, err := lockOffer(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.CheckDelete(*o, actorID, admin); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM offers WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete offer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteOffer finalizes an offer and writes the deal records. Without
// force the offer must hold a confirmed reservation and actorID must own it;
// with force a pending reservation is expired in the same transaction.
func (db *DB) CompleteOffer(ctx context.Context, id, actorID int64, force bool, now time.Time) (*models.Offer, []models.Deal, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, _, err := lockOffer(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if !force && o.OwnerID != actorID {
		return nil, nil, apperr.ErrNotOwner
	}
	holding, err := lockHolding(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if holding != nil && lifecycle.IsOverdue(*holding, now) {
		if err := expire(ctx, tx, o, holding, now); err != nil {
			return nil, nil, err
		}
		holding = nil
	}
	if err := lifecycle.CheckComplete(*o, holding, force); err != nil {
		return nil, nil, err
	}
	if holding != nil && holding.Status == models.ReservationPending {
		// forced: the responder's window closes with the offer
		if err := expire(ctx, tx, o, holding, now); err != nil {
			return nil, nil, err
		}
		holding = nil
	}

	deals := lifecycle.Deals(*o, o.OwnerName, holding, now)
	for i := range deals {
		d := &deals[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO deals (user_id, offer_id, deal_type, amount, rate, total, status, partner_name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) RETURNING id`,
			d.UserID, d.OfferID, d.Type, d.Amount, d.Rate, d.Total, d.Status, d.PartnerName, now).Scan(&d.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create deal: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		"UPDATE offers SET status = 'completed', updated_at = $2 WHERE id = $1 AND status <> 'completed'",
		id, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to complete offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, apperr.ErrOfferCompleted
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	o.Status = models.OfferCompleted
	o.UpdatedAt = now
	return o, deals, nil
}

// CreateReservation places a pending reservation and marks the offer
// reserved in one transaction. A concurrent attempt that loses the row lock
// sees the offer held and gets ErrOfferReserved; the partial unique index
// on reservations backs the same rule.
func (db *DB) CreateReservation(ctx context.Context, req models.ReservationRequest, now time.Time, window time.Duration) (*models.Reservation, *models.Offer, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, ownerBlocked, err := lockOffer(ctx, tx, req.OfferID)
	if err != nil {
		return nil, nil, err
	}
	holding, err := lockHolding(ctx, tx, o.ID)
	if err != nil {
		return nil, nil, err
	}
	if holding != nil && lifecycle.IsOverdue(*holding, now) {
		if err := expire(ctx, tx, o, holding, now); err != nil {
			return nil, nil, err
		}
		holding = nil
	}

	requester := lifecycle.Requester{
		UserID: req.BuyerUserID,
		Name:   req.BuyerName,
		Phone:  req.BuyerPhone,
		Email:  req.BuyerEmail,
	}
	if req.BuyerUserID != nil {
		err := tx.QueryRow(ctx, "SELECT blocked FROM users WHERE id = $1", *req.BuyerUserID).Scan(&requester.Blocked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil, apperr.ErrUserNotFound
			}
			return nil, nil, fmt.Errorf("failed to get user: %w", err)
		}
	}
	amount := req.Amount
	if amount.IsZero() {
		amount = o.Amount
	}
	if err := lifecycle.CheckReserve(*o, holding, requester, amount, req.MeetingOffice, ownerBlocked); err != nil {
		return nil, nil, err
	}

	r, err := scanReservation(tx.QueryRow(ctx, `
		INSERT INTO reservations (offer_id, buyer_user_id, buyer_name, buyer_phone, buyer_email, amount,
			meeting_time, meeting_office, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10)
		RETURNING `+reservationColumns,
		o.ID, req.BuyerUserID, req.BuyerName, req.BuyerPhone, req.BuyerEmail, amount,
		req.MeetingTime, req.MeetingOffice, now, now.Add(window)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, apperr.ErrOfferReserved
		}
		return nil, nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	tag, err := tx.Exec(ctx,
		"UPDATE offers SET status = 'reserved', reserved_by = $2, reserved_at = $3, updated_at = $3 WHERE id = $1 AND status = 'active'",
		o.ID, req.BuyerUserID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reserve offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, apperr.ErrOfferReserved
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	o.Status = models.OfferReserved
	o.ReservedBy = req.BuyerUserID
	reservedAt := now
	o.ReservedAt = &reservedAt
	o.UpdatedAt = now
	return withTimeLeft(r, now), o, nil
}

// RespondToReservation applies the owner's accept or reject. An overdue
// reservation is expired instead and the call reports it already resolved.
func (db *DB) RespondToReservation(ctx context.Context, id, ownerID int64, to models.ReservationStatus, now time.Time) (*models.Reservation, *models.Offer, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var offerID int64
	if err := tx.QueryRow(ctx, "SELECT offer_id FROM reservations WHERE id = $1", id).Scan(&offerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperr.ErrReservationNotFound
		}
		return nil, nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	// offer first, then reservation: the same lock order as CreateReservation
	o, _, err := lockOffer(ctx, tx, offerID)
	if err != nil {
		return nil, nil, err
	}
	r, err := scanReservation(tx.QueryRow(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperr.ErrReservationNotFound
		}
		return nil, nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	if o.OwnerID == ownerID && lifecycle.IsOverdue(*r, now) {
		if err := expire(ctx, tx, o, r, now); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil, nil, apperr.ErrAlreadyResolved.WithMessage("reservation already %s", r.Status)
	}
	if err := lifecycle.CheckRespond(*o, *r, ownerID, to); err != nil {
		return nil, nil, err
	}

	if err := resolve(ctx, tx, r, to, now); err != nil {
		return nil, nil, err
	}
	if to == models.ReservationRejected {
		err = release(ctx, tx, o, now)
	} else {
		_, err = tx.Exec(ctx, "UPDATE offers SET updated_at = $2 WHERE id = $1", o.ID, now)
		o.UpdatedAt = now
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update offer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return withTimeLeft(r, now), o, nil
}

// CancelReservation lets the responder, or the owner, withdraw the offer's
// pending reservation.
func (db *DB) CancelReservation(ctx context.Context, offerID int64, who models.Identity, now time.Time) (*models.Reservation, *models.Offer, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, _, err := lockOffer(ctx, tx, offerID)
	if err != nil {
		return nil, nil, err
	}
	r, err := lockHolding(ctx, tx, offerID)
	if err != nil {
		return nil, nil, err
	}
	isOwner := who.UserID != nil && *who.UserID == o.OwnerID
	if r == nil || (!isOwner && !who.Matches(*r)) {
		return nil, nil, apperr.ErrReservationNotFound
	}

	if lifecycle.IsOverdue(*r, now) {
		if err := expire(ctx, tx, o, r, now); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil, nil, apperr.ErrAlreadyResolved.WithMessage("reservation already %s", r.Status)
	}
	if r.Status != models.ReservationPending {
		return nil, nil, apperr.ErrAlreadyResolved.WithMessage("reservation already %s", r.Status)
	}

	if err := resolve(ctx, tx, r, models.ReservationRejected, now); err != nil {
		return nil, nil, err
	}
	if err := release(ctx, tx, o, now); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return withTimeLeft(r, now), o, nil
}

// GetReservation returns a reservation, expiring it first when its window
// has passed.
func (db *DB) GetReservation(ctx context.Context, id int64, now time.Time) (*models.Reservation, error) {
	r, err := scanReservation(db.Pool.QueryRow(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if !lifecycle.IsOverdue(*r, now) {
		return withTimeLeft(r, now), nil
	}

	if err := db.expireOverdue(ctx, now, &id); err != nil {
		return nil, err
	}
	r, err = scanReservation(db.Pool.QueryRow(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return withTimeLeft(r, now), nil
}

// ListOffersForUser returns the offers a user created, with all their
// reservations, and the offers the user reserved, with the user's own
// reservations only.
func (db *DB) ListOffersForUser(ctx context.Context, userID int64, now time.Time) ([]models.UserOffer, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+offerColumns+offerFrom+`
		WHERE o.owner_id = $1 OR o.id IN (SELECT offer_id FROM reservations WHERE buyer_user_id = $1)
		ORDER BY o.created_at DESC, o.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user offers: %w", err)
	}
	offers, err := collectOffers(rows)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(offers))
	for i, o := range offers {
		ids[i] = o.ID
	}
	rrows, err := db.Pool.Query(ctx, "SELECT "+reservationColumns+`
		FROM reservations WHERE offer_id = ANY($1)
		ORDER BY created_at DESC, id DESC`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rrows.Close()

	byOffer := make(map[int64][]models.Reservation)
	for rrows.Next() {
		r, err := scanReservation(rrows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		byOffer[r.OfferID] = append(byOffer[r.OfferID], *withTimeLeft(r, now))
	}
	if err := rrows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.UserOffer, 0, len(offers))
	for _, o := range offers {
		if o.OwnerID == userID {
			out = append(out, models.UserOffer{Offer: o, RelationType: models.RelationCreated, Reservations: byOffer[o.ID]})
			continue
		}
		var mine []models.Reservation
		for _, r := range byOffer[o.ID] {
			if r.BuyerUserID != nil && *r.BuyerUserID == userID {
				mine = append(mine, r)
			}
		}
		out = append(out, models.UserOffer{Offer: o, RelationType: models.RelationReserved, Reservations: mine})
	}
	return out, nil
}

// ExpireOverdue expires every pending reservation past its window, releases
// the offers they held and returns the expiries not reported before. That
// includes reservations a read or write expired on its own; each one is
// returned exactly once.
func (db *DB) ExpireOverdue(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	if err := db.expireOverdue(ctx, now, nil); err != nil {
		return nil, err
	}

	rows, err := db.Pool.Query(ctx, `
		UPDATE reservations SET expiry_reported = TRUE
		WHERE status = 'expired' AND NOT expiry_reported
		RETURNING `+reservationColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired reservations: %w", err)
	}
	defer rows.Close()

	var expired []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		expired = append(expired, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// expireOverdue expires overdue pending reservations, all of them or only
// the one given. Offer rows are locked before reservation rows, in id order,
// matching the order every other transaction takes.
func (db *DB) expireOverdue(ctx context.Context, now time.Time, only *int64) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT o.id FROM offers o
		WHERE EXISTS (
			SELECT 1 FROM reservations r
			WHERE r.offer_id = o.id AND r.status = 'pending' AND r.expires_at < $1
			  AND ($2::bigint IS NULL OR r.id = $2))
		ORDER BY o.id
		FOR UPDATE OF o`,
		now, only)
	if err != nil {
		return fmt.Errorf("failed to lock offers: %w", err)
	}
	offerIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("failed to lock offers: %w", err)
	}
	if len(offerIDs) == 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
		WITH expired AS (
			UPDATE reservations SET status = 'expired', resolved_at = $1
			WHERE offer_id = ANY($2) AND status = 'pending' AND expires_at < $1
			  AND ($3::bigint IS NULL OR id = $3)
			RETURNING offer_id
		)
		UPDATE offers SET status = 'active', reserved_by = NULL, reserved_at = NULL, updated_at = $1
		WHERE status = 'reserved' AND id IN (SELECT offer_id FROM expired)`,
		now, offerIDs, only)
	if err != nil {
		return fmt.Errorf("failed to expire reservations: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CleanupStale deletes the offers rules select: anonymous offers past their
// expiry, reserved offers held since before rules.ReservedBefore and, with
// rules.PastMeetings, active offers whose meeting time has gone by.
func (db *DB) CleanupStale(ctx context.Context, rules models.StaleRules) (int, error) {
	var missed []int64
	if rules.PastMeetings {
		rows, err := db.Pool.Query(ctx,
			"SELECT id, meeting_time, meeting_time_end, created_at FROM offers WHERE status = 'active' AND expires_at IS NULL")
		if err != nil {
			return 0, fmt.Errorf("failed to list active offers: %w", err)
		}
		for rows.Next() {
			var o models.Offer
			if err := rows.Scan(&o.ID, &o.MeetingTime, &o.MeetingTimeEnd, &o.CreatedAt); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to scan offer: %w", err)
			}
			if lifecycle.MeetingPassed(o, rules.Now) {
				missed = append(missed, o.ID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
	}

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM offers
		WHERE status <> 'completed' AND (
		      expires_at < $1
		   OR ($2::timestamptz IS NOT NULL AND status = 'reserved' AND reserved_at < $2)
		   OR (status = 'active' AND id = ANY($3)))`,
		rules.Now, nullTime(rules.ReservedBefore), missed)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up offers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClearOffers deletes every offer that is not completed, with its
// reservations. Completed offers and their deals stay.
func (db *DB) ClearOffers(ctx context.Context) (models.ClearResult, error) {
	var res models.ClearResult
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, "SELECT id FROM offers WHERE status <> 'completed' ORDER BY id FOR UPDATE")
	if err != nil {
		return res, fmt.Errorf("failed to lock offers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return res, fmt.Errorf("failed to lock offers: %w", err)
	}

	tag, err := tx.Exec(ctx, "DELETE FROM reservations WHERE offer_id = ANY($1)", ids)
	if err != nil {
		return res, fmt.Errorf("failed to delete reservations: %w", err)
	}
	res.Reservations = int(tag.RowsAffected())
	tag, err = tx.Exec(ctx, "DELETE FROM offers WHERE id = ANY($1)", ids)
	if err != nil {
		return res, fmt.Errorf("failed to delete offers: %w", err)
	}
	res.Offers = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return models.ClearResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

const dealColumns = "id, user_id, offer_id, deal_type, amount, rate, total, status, partner_name, created_at, updated_at"

// ListDeals returns the deals of one user, or of everyone when userID is nil
func (db *DB) ListDeals(ctx context.Context, userID *int64) ([]models.Deal, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+dealColumns+" FROM deals WHERE ($1::bigint IS NULL OR user_id = $1) ORDER BY id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deals: %w", err)
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		var d models.Deal
		if err := rows.Scan(&d.ID, &d.UserID, &d.OfferID, &d.Type, &d.Amount, &d.Rate, &d.Total,
			&d.Status, &d.PartnerName, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

const dealStatsSelect = `
	SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COALESCE(SUM(total) FILTER (WHERE status = 'completed'), 0),
		COUNT(*) FILTER (WHERE deal_type = 'buy' AND status = 'completed'),
		COALESCE(SUM(total) FILTER (WHERE deal_type = 'buy' AND status = 'completed'), 0),
		COUNT(*) FILTER (WHERE deal_type = 'sell' AND status = 'completed'),
		COALESCE(SUM(total) FILTER (WHERE deal_type = 'sell' AND status = 'completed'), 0)
	FROM deals
	WHERE ($1::bigint IS NULL OR user_id = $1)
	  AND ($2::timestamptz IS NULL OR created_at >= $2)
	  AND ($3::timestamptz IS NULL OR created_at < $3)`

func (db *DB) dealStats(ctx context.Context, userID *int64, p models.Period) (models.UserStats, error) {
	var st models.UserStats
	err := db.Pool.QueryRow(ctx, dealStatsSelect, userID, nullTime(p.Start), nullTime(p.End)).Scan(
		&st.TotalDeals, &st.CompletedDeals, &st.TotalVolume,
		&st.BuyDeals, &st.BuyVolume, &st.SellDeals, &st.SellVolume)
	if err != nil {
		return st, fmt.Errorf("failed to compute deal statistics: %w", err)
	}
	return st, nil
}

// UserStats aggregates one user's deals and active offers over a period
func (db *DB) UserStats(ctx context.Context, userID int64, p models.Period) (*models.UserStats, error) {
	st, err := db.dealStats(ctx, &userID, p)
	if err != nil {
		return nil, err
	}
	err = db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM offers
		WHERE owner_id = $1 AND status = 'active'
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)`,
		userID, nullTime(p.Start), nullTime(p.End)).Scan(&st.ActiveOffers)
	if err != nil {
		return nil, fmt.Errorf("failed to count offers: %w", err)
	}
	return &st, nil
}

// GlobalStats aggregates marketplace activity over a period
func (db *DB) GlobalStats(ctx context.Context, p models.Period) (*models.GlobalStats, error) {
	st := &models.GlobalStats{}
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE blocked) FROM users").Scan(&st.TotalUsers, &st.BlockedUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	err = db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'active') FROM offers
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)`,
		nullTime(p.Start), nullTime(p.End)).Scan(&st.TotalOffers, &st.ActiveOffers)
	if err != nil {
		return nil, fmt.Errorf("failed to count offers: %w", err)
	}

	deals, err := db.dealStats(ctx, nil, p)
	if err != nil {
		return nil, err
	}
	active := st.ActiveOffers
	st.UserStats = deals
	st.ActiveOffers = active
	return st, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
