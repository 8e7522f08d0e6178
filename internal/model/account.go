package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a credit balance owned by a single user.  Balance never goes
// below zero; Version is bumped on every committed mutation so readers can
// detect concurrent writes.
type Account struct {
	ID        string          `json:"account_id"` // accounts.account_id
	Balance   decimal.Decimal `json:"balance"`    // accounts.balance (DECIMAL(12,2))
	Version   int64           `json:"version"`    // accounts.version
	UpdatedAt time.Time       `json:"updated_at"` // accounts.updated_at
}
