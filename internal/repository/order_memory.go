package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// MemoryOrders is an in-process order store.
type MemoryOrders struct {
	mu     sync.RWMutex
	orders map[string]model.Order
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[string]model.Order)}
}

func (m *MemoryOrders) Insert(_ context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrConflict
	}
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryOrders) Get(_ context.Context, id string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (m *MemoryOrders) LatestBySeat(_ context.Context, eventID, seatID string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  model.Order
		found bool
	)
	for _, o := range m.orders {
		if o.EventID != eventID || o.SeatID != seatID {
			continue
		}
		if o.Status != model.OrderPending && o.Status != model.OrderConfirmed {
			continue
		}
		if !found || o.CreatedAt.After(best.CreatedAt) {
			best, found = o, true
		}
	}
	if !found {
		return model.Order{}, ErrOrderNotFound
	}
	return best, nil
}

func (m *MemoryOrders) ListByUser(_ context.Context, userID string) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryOrders) Update(_ context.Context, id string, fn func(*model.Order) error) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrOrderNotFound
	}
	if err := fn(&o); err != nil {
		return model.Order{}, err
	}
	m.orders[id] = o
	return o, nil
}
