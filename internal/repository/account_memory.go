package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/iliyamo/ticket-saga/internal/model"
)

type accountRow struct {
	mu   sync.Mutex
	acct model.Account
}

// MemoryAccounts is an in-process account store.  Each account has its own
// mutex, standing in for the row lock of the MySQL store.
type MemoryAccounts struct {
	rows *xsync.MapOf[string, *accountRow]
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{rows: xsync.NewMapOf[string, *accountRow]()}
}

func (m *MemoryAccounts) Create(_ context.Context, a model.Account) error {
	if _, loaded := m.rows.LoadOrStore(a.ID, &accountRow{acct: a}); loaded {
		return ErrAccountExists
	}
	return nil
}

func (m *MemoryAccounts) Get(_ context.Context, id string) (model.Account, error) {
	row, ok := m.rows.Load(id)
	if !ok {
		return model.Account{}, ErrAccountNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.acct, nil
}

// Locked mirrors AccountRepo.Locked: mutexes are taken in LockOrder and
// fn works on copies that are only written back when it succeeds.
func (m *MemoryAccounts) Locked(ctx context.Context, ids []string, fn func(map[string]*model.Account) error) error {
	ordered := LockOrder(ids)
	rows := make([]*accountRow, 0, len(ordered))
	for _, id := range ordered {
		row, ok := m.rows.Load(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		rows = append(rows, row)
	}
	for _, row := range rows {
		row.mu.Lock()
	}
	defer func() {
		for i := len(rows) - 1; i >= 0; i-- {
			rows[i].mu.Unlock()
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	work := make(map[string]*model.Account, len(rows))
	for _, row := range rows {
		a := row.acct
		work[a.ID] = &a
	}
	if err := fn(work); err != nil {
		return err
	}
	for _, row := range rows {
		if a := work[row.acct.ID]; a.Version != row.acct.Version {
			row.acct = *a
		}
	}
	return nil
}
