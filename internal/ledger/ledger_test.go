package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/repository"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T, balances map[string]string) *Service {
	t.Helper()
	svc := NewService(repository.NewMemoryAccounts(), zap.NewNop())
	for id, b := range balances {
		_, err := svc.Open(context.Background(), id, d(b))
		require.NoError(t, err)
	}
	return svc
}

func balance(t *testing.T, svc *Service, id string) decimal.Decimal {
	t.Helper()
	b, err := svc.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestTransferMovesCredits(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, map[string]string{"A": "100", "B": "0"})

	res, err := svc.Transfer(ctx, "A", "B", d("50"))
	require.NoError(t, err)
	assert.True(t, res.FromBalance.Equal(d("50")))
	assert.True(t, res.ToBalance.Equal(d("50")))

	// the ledger itself does not deduplicate: a second call moves credits again
	_, err = svc.Transfer(ctx, "A", "B", d("50"))
	require.NoError(t, err)
	assert.True(t, balance(t, svc, "A").IsZero())
	assert.True(t, balance(t, svc, "B").Equal(d("100")))
}

func TestDeductInsufficientFunds(t *testing.T) {
	svc := newLedger(t, map[string]string{"A": "100"})
	_, err := svc.Deduct(context.Background(), "A", d("150"))
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)
	assert.True(t, balance(t, svc, "A").Equal(d("100")))
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, map[string]string{"A": "100", "B": "0"})

	for _, amt := range []string{"0", "-5", "0.001"} {
		_, err := svc.Deduct(ctx, "A", d(amt))
		assert.ErrorIs(t, err, repository.ErrInvalidAmount, amt)
		_, err = svc.Refund(ctx, "A", d(amt))
		assert.ErrorIs(t, err, repository.ErrInvalidAmount, amt)
		_, err = svc.Transfer(ctx, "A", "B", d(amt))
		assert.ErrorIs(t, err, repository.ErrInvalidAmount, amt)
	}
	_, err := svc.Transfer(ctx, "A", "A", d("1"))
	assert.ErrorIs(t, err, repository.ErrInvalidAmount)
	// validation happens before lookup
	_, err = svc.Deduct(ctx, "ghost", d("0"))
	assert.ErrorIs(t, err, repository.ErrInvalidAmount)
}

func TestTransferFailuresLeaveBalancesUntouched(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, map[string]string{"A": "10", "B": "5"})

	_, err := svc.Transfer(ctx, "A", "ghost", d("1"))
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
	_, err = svc.Transfer(ctx, "ghost", "A", d("1"))
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
	_, err = svc.Transfer(ctx, "A", "B", d("10.01"))
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)

	assert.True(t, balance(t, svc, "A").Equal(d("10")))
	assert.True(t, balance(t, svc, "B").Equal(d("5")))
}

func TestRefundAddsCredits(t *testing.T) {
	svc := newLedger(t, map[string]string{"A": "1.50"})
	b, err := svc.Refund(context.Background(), "A", d("2.25"))
	require.NoError(t, err)
	assert.True(t, b.Equal(d("3.75")))
}

// Opposite-direction transfers run concurrently; sorted lock order means
// they all finish and the total is conserved.
func TestConcurrentOppositeTransfersConserveTotal(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, map[string]string{"A": "1000", "B": "1000", "C": "1000"})

	pairs := [][2]string{{"A", "B"}, {"B", "A"}, {"B", "C"}, {"C", "A"}, {"A", "C"}, {"C", "B"}}
	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		p := pairs[i%len(pairs)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(ctx, p[0], p[1], d("7"))
			if err != nil {
				assert.ErrorIs(t, err, repository.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	total := decimal.Zero
	for _, id := range []string{"A", "B", "C"} {
		b := balance(t, svc, id)
		assert.False(t, b.IsNegative(), id)
		total = total.Add(b)
	}
	assert.True(t, total.Equal(d("3000")), total.String())
}

func TestConcurrentDeductsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc := newLedger(t, map[string]string{"A": "100"})

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Deduct(ctx, "A", d("3")); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 33, ok)
	assert.True(t, balance(t, svc, "A").Equal(d("1")))
}
