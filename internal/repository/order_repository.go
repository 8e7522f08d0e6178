package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// OrderRepo provides data access to the orders table.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns a new OrderRepo bound to the provided database.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

const orderColumns = `order_id, user_id, seat_id, event_id, credits_charged, status, verification_sid, created_at, confirmed_at`

func scanOrder(s rowScanner) (model.Order, error) {
	var (
		o         model.Order
		sid       sql.NullString
		confirmed sql.NullTime
	)
	err := s.Scan(&o.ID, &o.UserID, &o.SeatID, &o.EventID, &o.CreditsCharged, &o.Status, &sid, &o.CreatedAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	if sid.Valid {
		o.VerificationSID = &sid.String
	}
	if confirmed.Valid {
		t := confirmed.Time
		o.ConfirmedAt = &t
	}
	return o, nil
}

// Insert stores a new order row.
func (r *OrderRepo) Insert(ctx context.Context, o model.Order) error {
	var confirmed sql.NullTime
	if o.ConfirmedAt != nil {
		confirmed = sql.NullTime{Time: o.ConfirmedAt.UTC(), Valid: true}
	}
	var sid sql.NullString
	if o.VerificationSID != nil {
		sid = sql.NullString{String: *o.VerificationSID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.SeatID, o.EventID, o.CreditsCharged, o.Status, sid, o.CreatedAt.UTC(), confirmed,
	)
	if isDuplicate(err) {
		return ErrConflict
	}
	return err
}

// Get returns an order by id.
func (r *OrderRepo) Get(ctx context.Context, id string) (model.Order, error) {
	return scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id))
}

// LatestBySeat returns the newest live (PENDING or CONFIRMED) order for a seat.
func (r *OrderRepo) LatestBySeat(ctx context.Context, eventID, seatID string) (model.Order, error) {
	return scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE event_id = ? AND seat_id = ? AND status IN ('PENDING', 'CONFIRMED')
		 ORDER BY created_at DESC LIMIT 1`,
		eventID, seatID,
	))
}

// ListByUser returns a user's orders, newest first.
func (r *OrderRepo) ListByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Update locks one order row, lets fn change it and writes the status and
// confirmation time back.  Nothing is written when fn fails.
func (r *OrderRepo) Update(ctx context.Context, id string, fn func(*model.Order) error) (model.Order, error) {
	var o model.Order
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		o, err = scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ? FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(&o); err != nil {
			return err
		}
		var confirmed sql.NullTime
		if o.ConfirmedAt != nil {
			confirmed = sql.NullTime{Time: o.ConfirmedAt.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, confirmed_at = ? WHERE order_id = ?`, o.Status, confirmed, id,
		); err != nil {
			return fmt.Errorf("update order %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}
