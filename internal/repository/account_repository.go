package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// AccountRepo provides data access to the accounts table.  Every balance
// mutation goes through Locked, which holds row locks (SELECT ... FOR UPDATE)
// for the lifetime of a single local transaction.
type AccountRepo struct {
	db *sql.DB
}

// NewAccountRepo returns a new AccountRepo bound to the provided database.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, balance, version, updated_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Balance, a.Version, a.UpdatedAt.UTC(),
	)
	if isDuplicate(err) {
		return ErrAccountExists
	}
	return err
}

// Get returns the committed state of one account without locking it.
func (r *AccountRepo) Get(ctx context.Context, id string) (model.Account, error) {
	var a model.Account
	err := r.db.QueryRowContext(ctx,
		`SELECT account_id, balance, version, updated_at FROM accounts WHERE account_id = ?`, id,
	).Scan(&a.ID, &a.Balance, &a.Version, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrAccountNotFound
	}
	return a, err
}

// Locked opens a transaction, locks every account in ids in ascending id
// order and hands the rows to fn.  Rows whose Version was changed by fn are
// written back before commit.  When fn returns an error nothing is written.
// A missing account aborts with ErrAccountNotFound before fn runs.
func (r *AccountRepo) Locked(ctx context.Context, ids []string, fn func(map[string]*model.Account) error) error {
	ordered := LockOrder(ids)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows := make(map[string]*model.Account, len(ordered))
	versions := make(map[string]int64, len(ordered))
	for _, id := range ordered {
		var a model.Account
		err := tx.QueryRowContext(ctx,
			`SELECT account_id, balance, version, updated_at FROM accounts WHERE account_id = ? FOR UPDATE`, id,
		).Scan(&a.ID, &a.Balance, &a.Version, &a.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock account %s: %w", id, err)
		}
		rows[id] = &a
		versions[id] = a.Version
	}

	if err := fn(rows); err != nil {
		return err
	}

	for _, id := range ordered {
		a := rows[id]
		if a.Version == versions[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = ?, version = ?, updated_at = ? WHERE account_id = ?`,
			a.Balance, a.Version, a.UpdatedAt.UTC(), id,
		); err != nil {
			return fmt.Errorf("update account %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// LockOrder returns ids sorted ascending with duplicates removed.  Every
// multi-account lock in this package is taken in this order so two
// transfers in opposite directions can never wait on each other.
func LockOrder(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// isDuplicate reports a MySQL unique key violation (ER_DUP_ENTRY).
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
