package repository

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// MemorySagas keeps saga instances in process.  Values are cloned on the
// way in and out so callers never alias stored slices.
type MemorySagas struct {
	byID  *xsync.MapOf[string, model.SagaInstance]
	byKey *xsync.MapOf[string, string]
}

func NewMemorySagas() *MemorySagas {
	return &MemorySagas{
		byID:  xsync.NewMapOf[string, model.SagaInstance](),
		byKey: xsync.NewMapOf[string, string](),
	}
}

func (m *MemorySagas) Create(_ context.Context, inst model.SagaInstance) error {
	if inst.IdempotencyKey != "" {
		if _, loaded := m.byKey.LoadOrStore(inst.IdempotencyKey, inst.ID); loaded {
			return ErrConflict
		}
	}
	if _, loaded := m.byID.LoadOrStore(inst.ID, inst.Clone()); loaded {
		return ErrConflict
	}
	return nil
}

func (m *MemorySagas) Save(_ context.Context, inst model.SagaInstance) error {
	if _, ok := m.byID.Load(inst.ID); !ok {
		return ErrSagaNotFound
	}
	m.byID.Store(inst.ID, inst.Clone())
	return nil
}

func (m *MemorySagas) Get(_ context.Context, id string) (model.SagaInstance, error) {
	inst, ok := m.byID.Load(id)
	if !ok {
		return model.SagaInstance{}, ErrSagaNotFound
	}
	return inst.Clone(), nil
}

func (m *MemorySagas) GetByKey(ctx context.Context, key string) (model.SagaInstance, error) {
	id, ok := m.byKey.Load(key)
	if !ok {
		return model.SagaInstance{}, ErrSagaNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemorySagas) ListUnfinished(_ context.Context) ([]model.SagaInstance, error) {
	var out []model.SagaInstance
	m.byID.Range(func(_ string, inst model.SagaInstance) bool {
		if inst.Status == model.SagaRunning || inst.Status == model.SagaCompensating {
			out = append(out, inst.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
