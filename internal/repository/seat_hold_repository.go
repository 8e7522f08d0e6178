package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// SeatHoldRepo provides data access to the seat_holds and seat_allocations
// tables.  Writes that depend on the state of a seat first lock the seat's
// row in seat_guards, so checks and inserts for one seat never interleave.
// All timestamps are stored in UTC.
type SeatHoldRepo struct {
	db *sql.DB
}

// NewSeatHoldRepo returns a new SeatHoldRepo bound to the provided database.
func NewSeatHoldRepo(db *sql.DB) *SeatHoldRepo { return &SeatHoldRepo{db: db} }

const holdColumns = `hold_id, event_id, seat_id, holder_saga_id, holder_user_id, kind, status, held_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(s rowScanner) (model.SeatHold, error) {
	var h model.SeatHold
	err := s.Scan(&h.ID, &h.EventID, &h.SeatID, &h.SagaID, &h.UserID, &h.Kind, &h.Status, &h.HeldAt, &h.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SeatHold{}, ErrHoldNotFound
	}
	return h, err
}

// withTx runs fn inside a transaction and commits when it returns nil.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// lockSeat serializes writers of one seat for the rest of tx.
func lockSeat(ctx context.Context, tx *sql.Tx, eventID, seatID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT IGNORE INTO seat_guards (event_id, seat_id) VALUES (?, ?)`, eventID, seatID,
	); err != nil {
		return fmt.Errorf("seat guard: %w", err)
	}
	var ignored string
	if err := tx.QueryRowContext(ctx,
		`SELECT event_id FROM seat_guards WHERE event_id = ? AND seat_id = ? FOR UPDATE`, eventID, seatID,
	).Scan(&ignored); err != nil {
		return fmt.Errorf("lock seat: %w", err)
	}
	return nil
}

func activeHoldExists(ctx context.Context, tx *sql.Tx, eventID, seatID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seat_holds WHERE event_id = ? AND seat_id = ? AND status = 'active'`, eventID, seatID,
	).Scan(&n)
	return n > 0, err
}

func allocationTx(ctx context.Context, tx *sql.Tx, eventID, seatID string) (model.Allocation, error) {
	var a model.Allocation
	err := tx.QueryRowContext(ctx,
		`SELECT event_id, seat_id, owner_user_id, hold_id, allocated_at FROM seat_allocations WHERE event_id = ? AND seat_id = ?`,
		eventID, seatID,
	).Scan(&a.EventID, &a.SeatID, &a.OwnerID, &a.HoldID, &a.AllocatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Allocation{}, ErrNotAllocated
	}
	return a, err
}

// InsertHold stores a new active hold.  A purchase hold requires a seat with
// no active hold and no owner; a transfer hold requires a seat owned by
// h.UserID with no active hold.  Otherwise ErrSeatUnavailable is returned.
func (r *SeatHoldRepo) InsertHold(ctx context.Context, h model.SeatHold) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := lockSeat(ctx, tx, h.EventID, h.SeatID); err != nil {
			return err
		}
		busy, err := activeHoldExists(ctx, tx, h.EventID, h.SeatID)
		if err != nil {
			return err
		}
		if busy {
			return ErrSeatUnavailable
		}
		alloc, err := allocationTx(ctx, tx, h.EventID, h.SeatID)
		switch {
		case err != nil && !errors.Is(err, ErrNotAllocated):
			return err
		case h.Kind == model.HoldPurchase && err == nil:
			return ErrSeatUnavailable
		case h.Kind == model.HoldTransfer && err != nil:
			return err
		case h.Kind == model.HoldTransfer && alloc.OwnerID != h.UserID:
			return ErrSeatUnavailable
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO seat_holds (`+holdColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.EventID, h.SeatID, h.SagaID, h.UserID, h.Kind, h.Status, h.HeldAt.UTC(), h.ExpiresAt.UTC(),
		)
		return err
	})
}

// GetHold returns a hold by id.
func (r *SeatHoldRepo) GetHold(ctx context.Context, holdID string) (model.SeatHold, error) {
	return scanHold(r.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM seat_holds WHERE hold_id = ?`, holdID))
}

func lockHold(ctx context.Context, tx *sql.Tx, holdID string) (model.SeatHold, error) {
	return scanHold(tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM seat_holds WHERE hold_id = ? FOR UPDATE`, holdID))
}

func setHoldStatus(ctx context.Context, tx *sql.Tx, holdID string, status model.HoldStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE seat_holds SET status = ? WHERE hold_id = ?`, status, holdID)
	return err
}

// ConfirmHold turns an active, unexpired hold into the seat's allocation
// owned by ownerID.  Purchase holds create the allocation, transfer holds
// move it from the holder to ownerID.  Confirming an already confirmed hold
// returns the current allocation.
func (r *SeatHoldRepo) ConfirmHold(ctx context.Context, holdID, ownerID string, now time.Time) (model.Allocation, error) {
	var out model.Allocation
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		h, err := lockHold(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if err := lockSeat(ctx, tx, h.EventID, h.SeatID); err != nil {
			return err
		}
		switch {
		case h.Status == model.HoldConfirmed:
			out, err = allocationTx(ctx, tx, h.EventID, h.SeatID)
			return err
		case h.Status == model.HoldExpired || h.Lapsed(now):
			return ErrHoldExpired
		case h.Status != model.HoldActive:
			return fmt.Errorf("%w: hold %s is %s", ErrConflict, h.ID, h.Status)
		}
		out = model.Allocation{EventID: h.EventID, SeatID: h.SeatID, OwnerID: ownerID, HoldID: h.ID, AllocatedAt: now.UTC()}
		if h.Kind == model.HoldPurchase {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO seat_allocations (event_id, seat_id, owner_user_id, hold_id, allocated_at) VALUES (?, ?, ?, ?, ?)`,
				out.EventID, out.SeatID, out.OwnerID, out.HoldID, out.AllocatedAt,
			)
			if isDuplicate(err) {
				return ErrSeatUnavailable
			}
		} else {
			var res sql.Result
			res, err = tx.ExecContext(ctx,
				`UPDATE seat_allocations SET owner_user_id = ?, hold_id = ?, allocated_at = ? WHERE event_id = ? AND seat_id = ? AND owner_user_id = ?`,
				out.OwnerID, out.HoldID, out.AllocatedAt, out.EventID, out.SeatID, h.UserID,
			)
			if err == nil {
				if n, _ := res.RowsAffected(); n == 0 {
					return ErrSeatUnavailable
				}
			}
		}
		if err != nil {
			return err
		}
		return setHoldStatus(ctx, tx, h.ID, model.HoldConfirmed)
	})
	return out, err
}

// ReleaseHold gives a seat back.  An active hold becomes released; a
// confirmed purchase hold also drops the allocation it created; a confirmed
// transfer hold leaves the allocation alone.  Released or expired holds are
// left untouched and reported with released=false.
func (r *SeatHoldRepo) ReleaseHold(ctx context.Context, holdID string) (model.SeatHold, bool, error) {
	var (
		h        model.SeatHold
		released bool
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		if h, err = lockHold(ctx, tx, holdID); err != nil {
			return err
		}
		switch h.Status {
		case model.HoldActive:
		case model.HoldConfirmed:
			if h.Kind == model.HoldPurchase {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM seat_allocations WHERE event_id = ? AND seat_id = ? AND hold_id = ?`, h.EventID, h.SeatID, h.ID,
				); err != nil {
					return err
				}
			}
		default:
			return nil
		}
		released = true
		h.Status = model.HoldReleased
		return setHoldStatus(ctx, tx, h.ID, model.HoldReleased)
	})
	return h, released, err
}

// ExpireHold marks a lapsed active hold as expired.  expired is false when
// the hold was confirmed, released or is not yet due.
func (r *SeatHoldRepo) ExpireHold(ctx context.Context, holdID string, now time.Time) (model.SeatHold, bool, error) {
	var (
		h       model.SeatHold
		expired bool
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		if h, err = lockHold(ctx, tx, holdID); err != nil {
			return err
		}
		if !h.Lapsed(now) {
			return nil
		}
		expired = true
		h.Status = model.HoldExpired
		return setHoldStatus(ctx, tx, h.ID, model.HoldExpired)
	})
	return h, expired, err
}

// ListLapsed returns up to limit active holds whose expiry is at or before
// now, oldest first.
func (r *SeatHoldRepo) ListLapsed(ctx context.Context, now time.Time, limit int) ([]model.SeatHold, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+holdColumns+` FROM seat_holds WHERE status = 'active' AND expires_at <= ? ORDER BY expires_at LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var holds []model.SeatHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// Allocation returns the current owner record of a seat.
func (r *SeatHoldRepo) Allocation(ctx context.Context, eventID, seatID string) (model.Allocation, error) {
	var a model.Allocation
	err := r.db.QueryRowContext(ctx,
		`SELECT event_id, seat_id, owner_user_id, hold_id, allocated_at FROM seat_allocations WHERE event_id = ? AND seat_id = ?`,
		eventID, seatID,
	).Scan(&a.EventID, &a.SeatID, &a.OwnerID, &a.HoldID, &a.AllocatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Allocation{}, ErrNotAllocated
	}
	return a, err
}

// Reassign moves a seat from one owner to another.  It is a no-op when the
// seat already belongs to to.
func (r *SeatHoldRepo) Reassign(ctx context.Context, eventID, seatID, from, to string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := lockSeat(ctx, tx, eventID, seatID); err != nil {
			return err
		}
		a, err := allocationTx(ctx, tx, eventID, seatID)
		if err != nil {
			return err
		}
		switch a.OwnerID {
		case to:
			return nil
		case from:
			_, err = tx.ExecContext(ctx,
				`UPDATE seat_allocations SET owner_user_id = ? WHERE event_id = ? AND seat_id = ?`, to, eventID, seatID,
			)
			return err
		default:
			return ErrSeatUnavailable
		}
	})
}

// DeleteAllocation removes the allocation of a seat owned by ownerID and
// returns it, so a refund can put it back with RestoreAllocation.
func (r *SeatHoldRepo) DeleteAllocation(ctx context.Context, eventID, seatID, ownerID string) (model.Allocation, error) {
	var a model.Allocation
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := lockSeat(ctx, tx, eventID, seatID); err != nil {
			return err
		}
		var err error
		if a, err = allocationTx(ctx, tx, eventID, seatID); err != nil {
			return err
		}
		if a.OwnerID != ownerID {
			return ErrSeatUnavailable
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM seat_allocations WHERE event_id = ? AND seat_id = ?`, eventID, seatID)
		return err
	})
	if err != nil {
		return model.Allocation{}, err
	}
	return a, nil
}

// RestoreAllocation puts back an allocation dropped by ReleaseHold or
// DeleteAllocation and marks its hold confirmed again. It fails with ErrSeatUnavailable when the seat
// has been taken in the meantime.
func (r *SeatHoldRepo) RestoreAllocation(ctx context.Context, a model.Allocation) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := lockSeat(ctx, tx, a.EventID, a.SeatID); err != nil {
			return err
		}
		cur, err := allocationTx(ctx, tx, a.EventID, a.SeatID)
		if err == nil {
			if cur.OwnerID == a.OwnerID && cur.HoldID == a.HoldID {
				return nil
			}
			return ErrSeatUnavailable
		}
		if !errors.Is(err, ErrNotAllocated) {
			return err
		}
		busy, err := activeHoldExists(ctx, tx, a.EventID, a.SeatID)
		if err != nil {
			return err
		}
		if busy {
			return ErrSeatUnavailable
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO seat_allocations (event_id, seat_id, owner_user_id, hold_id, allocated_at) VALUES (?, ?, ?, ?, ?)`,
			a.EventID, a.SeatID, a.OwnerID, a.HoldID, a.AllocatedAt.UTC(),
		); err != nil {
			return err
		}
		return setHoldStatus(ctx, tx, a.HoldID, model.HoldConfirmed)
	})
}
