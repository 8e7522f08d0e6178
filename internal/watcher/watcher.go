// Package watcher turns lapsed seat holds into saga timeouts.  Expiry
// notices arrive from the broker's delay queue; a periodic sweep catches
// anything the broker missed.
package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// Holds is implemented by inventory.Service.
type Holds interface {
	Expire(ctx context.Context, holdID string) (model.SeatHold, bool, error)
	Lapsed(ctx context.Context, limit int) ([]model.SeatHold, error)
}

// Sagas is implemented by saga.Orchestrator.
type Sagas interface {
	Timeout(ctx context.Context, id, reason string) (model.SagaInstance, error)
}

type Watcher struct {
	holds    Holds
	sagas    Sagas
	interval time.Duration
	batch    int
	log      *zap.Logger

	// pending maps hold id to saga id for expired holds whose saga timeout
	// failed.  Each sweep tries them again.
	pending *xsync.MapOf[string, string]
}

func New(holds Holds, sagas Sagas, interval time.Duration, log *zap.Logger) *Watcher {
	return &Watcher{
		holds:    holds,
		sagas:    sagas,
		interval: interval,
		batch:    100,
		log:      log.Named("watcher"),
		pending:  xsync.NewMapOf[string, string](),
	}
}

// HandleExpiry expires a hold and times out its saga.  Notices for holds
// that were confirmed or released are dropped, as are early notices for
// holds not yet due.  A notice for a hold that is already expired times
// out its saga again, which is a no-op once the saga has finished.
func (w *Watcher) HandleExpiry(ctx context.Context, holdID string) error {
	h, expired, err := w.holds.Expire(ctx, holdID)
	if errors.Is(err, repository.ErrHoldNotFound) {
		w.log.Debug("expiry for unknown hold", zap.String("hold_id", holdID))
		return nil
	}
	if err != nil {
		return err
	}
	if !expired && h.Status != model.HoldExpired {
		return nil
	}
	if h.SagaID == "" {
		return nil
	}
	inst, err := w.sagas.Timeout(ctx, h.SagaID, "seat hold "+h.ID+" expired")
	if errors.Is(err, repository.ErrSagaNotFound) {
		w.pending.Delete(h.ID)
		w.log.Warn("expired hold belongs to no saga", zap.String("hold_id", h.ID), zap.String("saga_id", h.SagaID))
		return nil
	}
	if err != nil {
		w.pending.Store(h.ID, h.SagaID)
		return err
	}
	w.pending.Delete(h.ID)
	w.log.Info("saga timed out by hold expiry",
		zap.String("hold_id", h.ID), zap.String("saga_id", h.SagaID), zap.String("status", string(inst.Status)))
	return nil
}

// Sweep retries earlier failed timeouts, then handles every lapsed hold
// still marked active.  It returns how many holds it processed.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	var ids []string
	w.pending.Range(func(holdID, _ string) bool {
		ids = append(ids, holdID)
		return true
	})
	lapsed, err := w.holds.Lapsed(ctx, w.batch)
	for _, h := range lapsed {
		ids = append(ids, h.ID)
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range ids {
		if err := w.HandleExpiry(ctx, id); err != nil {
			w.log.Error("hold expiry failed", zap.String("hold_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return len(ids), errors.Join(errs...)
}

// Pending reports how many expired holds still wait for their saga to
// time out.
func (w *Watcher) Pending() int {
	return w.pending.Size()
}

// Run sweeps every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := w.Sweep(ctx); err != nil {
				w.log.Warn("sweep incomplete", zap.Int("holds", n), zap.Error(err))
			} else if n > 0 {
				w.log.Info("sweep expired holds", zap.Int("holds", n))
			}
		}
	}
}
