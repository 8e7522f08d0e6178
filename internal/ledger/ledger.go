// Package ledger is the credit ledger: per-account balances with atomic
// deduct, refund and transfer operations.  Every mutation runs inside one
// local transaction that locks the touched accounts in ascending id order,
// reads, validates, mutates and persists.  The ledger does not deduplicate
// requests; callers that retry must guard calls with an idempotency key.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// Store is the account persistence used by the ledger.  Implemented by
// repository.AccountRepo (MySQL) and repository.MemoryAccounts.
type Store interface {
	Create(ctx context.Context, a model.Account) error
	Get(ctx context.Context, id string) (model.Account, error)
	Locked(ctx context.Context, ids []string, fn func(map[string]*model.Account) error) error
}

// TransferResult carries both balances after a committed transfer.
type TransferResult struct {
	FromBalance decimal.Decimal `json:"from_balance"`
	ToBalance   decimal.Decimal `json:"to_balance"`
}

// Service implements the ledger operations on top of a Store.
type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("ledger"), now: func() time.Time { return time.Now().UTC() }}
}

// checkAmount rejects zero, negative and sub-cent amounts.
func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", repository.ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: %s has more than two decimal places", repository.ErrInvalidAmount, amount)
	}
	return nil
}

func (s *Service) apply(a *model.Account, balance decimal.Decimal) {
	a.Balance = balance
	a.Version++
	a.UpdatedAt = s.now()
}

// Open creates an account with an initial balance, which may be zero.
func (s *Service) Open(ctx context.Context, id string, initial decimal.Decimal) (model.Account, error) {
	if id == "" || initial.IsNegative() {
		return model.Account{}, repository.ErrInvalidAmount
	}
	a := model.Account{ID: id, Balance: initial, UpdatedAt: s.now()}
	if err := s.store.Create(ctx, a); err != nil {
		return model.Account{}, err
	}
	s.log.Info("account opened", zap.String("account_id", id), zap.Stringer("balance", initial))
	return a, nil
}

// Balance returns the committed balance of an account.
func (s *Service) Balance(ctx context.Context, id string) (decimal.Decimal, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return a.Balance, nil
}

// Deduct removes amount from an account and returns the new balance.  It
// fails with ErrInsufficientFunds, leaving the balance untouched, when the
// account holds less than amount.
func (s *Service) Deduct(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkAmount(amount); err != nil {
		return decimal.Decimal{}, err
	}
	var balance decimal.Decimal
	err := s.store.Locked(ctx, []string{id}, func(rows map[string]*model.Account) error {
		a := rows[id]
		if a.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", repository.ErrInsufficientFunds, a.Balance, amount)
		}
		s.apply(a, a.Balance.Sub(amount))
		balance = a.Balance
		return nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	s.log.Info("credits deducted", zap.String("account_id", id), zap.Stringer("amount", amount), zap.Stringer("balance", balance))
	return balance, nil
}

// Refund adds amount to an account and returns the new balance.  Top-ups
// use the same operation.
func (s *Service) Refund(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkAmount(amount); err != nil {
		return decimal.Decimal{}, err
	}
	var balance decimal.Decimal
	err := s.store.Locked(ctx, []string{id}, func(rows map[string]*model.Account) error {
		a := rows[id]
		s.apply(a, a.Balance.Add(amount))
		balance = a.Balance
		return nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	s.log.Info("credits refunded", zap.String("account_id", id), zap.Stringer("amount", amount), zap.Stringer("balance", balance))
	return balance, nil
}

// Transfer moves amount from one account to another atomically.  Both
// accounts are locked in ascending id order before either is read; the
// sender and receiver are only resolved once both locks are held.
func (s *Service) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (TransferResult, error) {
	if err := checkAmount(amount); err != nil {
		return TransferResult{}, err
	}
	if from == to {
		return TransferResult{}, fmt.Errorf("%w: cannot transfer to the same account", repository.ErrInvalidAmount)
	}
	var res TransferResult
	err := s.store.Locked(ctx, []string{from, to}, func(rows map[string]*model.Account) error {
		sender, receiver := rows[from], rows[to]
		if sender.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, requested %s", repository.ErrInsufficientFunds, sender.Balance, amount)
		}
		s.apply(sender, sender.Balance.Sub(amount))
		s.apply(receiver, receiver.Balance.Add(amount))
		res = TransferResult{FromBalance: sender.Balance, ToBalance: receiver.Balance}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.log.Info("credits transferred",
		zap.String("from", from), zap.String("to", to), zap.Stringer("amount", amount),
		zap.Stringer("from_balance", res.FromBalance), zap.Stringer("to_balance", res.ToBalance))
	return res, nil
}
