package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/iliyamo/ticket-saga/internal/model"
)

type seatKey struct{ event, seat string }

// expiryKey orders active holds by expiry so lapsed holds are a prefix scan.
type expiryKey struct {
	at time.Time
	id string
}

func expiryLess(a, b expiryKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// MemoryHolds is an in-process seat hold store with the same semantics as
// SeatHoldRepo.  One mutex covers all seats.
type MemoryHolds struct {
	mu       sync.Mutex
	holds    map[string]model.SeatHold
	active   map[seatKey]string
	allocs   map[seatKey]model.Allocation
	byExpiry *btree.BTreeG[expiryKey]
}

func NewMemoryHolds() *MemoryHolds {
	return &MemoryHolds{
		holds:    make(map[string]model.SeatHold),
		active:   make(map[seatKey]string),
		allocs:   make(map[seatKey]model.Allocation),
		byExpiry: btree.NewBTreeG[expiryKey](expiryLess),
	}
}

// Allocate seeds an owner for a seat, for tests and fixtures.
func (m *MemoryHolds) Allocate(a model.Allocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocs[seatKey{a.EventID, a.SeatID}] = a
}

func (m *MemoryHolds) InsertHold(_ context.Context, h model.SeatHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seatKey{h.EventID, h.SeatID}
	if _, busy := m.active[k]; busy {
		return ErrSeatUnavailable
	}
	alloc, owned := m.allocs[k]
	switch h.Kind {
	case model.HoldPurchase:
		if owned {
			return ErrSeatUnavailable
		}
	case model.HoldTransfer:
		if !owned {
			return ErrNotAllocated
		}
		if alloc.OwnerID != h.UserID {
			return ErrSeatUnavailable
		}
	}
	m.holds[h.ID] = h
	m.active[k] = h.ID
	m.byExpiry.Set(expiryKey{h.ExpiresAt, h.ID})
	return nil
}

func (m *MemoryHolds) GetHold(_ context.Context, holdID string) (model.SeatHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return model.SeatHold{}, ErrHoldNotFound
	}
	return h, nil
}

// setStatus must be called with mu held.
func (m *MemoryHolds) setStatus(h model.SeatHold, status model.HoldStatus) model.SeatHold {
	if h.Status == model.HoldActive {
		delete(m.active, seatKey{h.EventID, h.SeatID})
		m.byExpiry.Delete(expiryKey{h.ExpiresAt, h.ID})
	}
	h.Status = status
	m.holds[h.ID] = h
	return h
}

func (m *MemoryHolds) ConfirmHold(_ context.Context, holdID, ownerID string, now time.Time) (model.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return model.Allocation{}, ErrHoldNotFound
	}
	k := seatKey{h.EventID, h.SeatID}
	switch {
	case h.Status == model.HoldConfirmed:
		a, ok := m.allocs[k]
		if !ok {
			return model.Allocation{}, ErrNotAllocated
		}
		return a, nil
	case h.Status == model.HoldExpired || h.Lapsed(now):
		return model.Allocation{}, ErrHoldExpired
	case h.Status != model.HoldActive:
		return model.Allocation{}, fmt.Errorf("%w: hold %s is %s", ErrConflict, h.ID, h.Status)
	}
	cur, owned := m.allocs[k]
	if h.Kind == model.HoldPurchase && owned {
		return model.Allocation{}, ErrSeatUnavailable
	}
	if h.Kind == model.HoldTransfer && (!owned || cur.OwnerID != h.UserID) {
		return model.Allocation{}, ErrSeatUnavailable
	}
	a := model.Allocation{EventID: h.EventID, SeatID: h.SeatID, OwnerID: ownerID, HoldID: h.ID, AllocatedAt: now.UTC()}
	m.allocs[k] = a
	m.setStatus(h, model.HoldConfirmed)
	return a, nil
}

func (m *MemoryHolds) ReleaseHold(_ context.Context, holdID string) (model.SeatHold, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return model.SeatHold{}, false, ErrHoldNotFound
	}
	switch h.Status {
	case model.HoldActive:
	case model.HoldConfirmed:
		k := seatKey{h.EventID, h.SeatID}
		if a, ok := m.allocs[k]; ok && h.Kind == model.HoldPurchase && a.HoldID == h.ID {
			delete(m.allocs, k)
		}
	default:
		return h, false, nil
	}
	return m.setStatus(h, model.HoldReleased), true, nil
}

func (m *MemoryHolds) ExpireHold(_ context.Context, holdID string, now time.Time) (model.SeatHold, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return model.SeatHold{}, false, ErrHoldNotFound
	}
	if !h.Lapsed(now) {
		return h, false, nil
	}
	return m.setStatus(h, model.HoldExpired), true, nil
}

func (m *MemoryHolds) ListLapsed(_ context.Context, now time.Time, limit int) ([]model.SeatHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SeatHold
	m.byExpiry.Scan(func(k expiryKey) bool {
		if k.at.After(now) || len(out) >= limit {
			return false
		}
		out = append(out, m.holds[k.id])
		return true
	})
	return out, nil
}

func (m *MemoryHolds) Allocation(_ context.Context, eventID, seatID string) (model.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocs[seatKey{eventID, seatID}]
	if !ok {
		return model.Allocation{}, ErrNotAllocated
	}
	return a, nil
}

func (m *MemoryHolds) Reassign(_ context.Context, eventID, seatID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seatKey{eventID, seatID}
	a, ok := m.allocs[k]
	if !ok {
		return ErrNotAllocated
	}
	switch a.OwnerID {
	case to:
		return nil
	case from:
		a.OwnerID = to
		m.allocs[k] = a
		return nil
	default:
		return ErrSeatUnavailable
	}
}

func (m *MemoryHolds) DeleteAllocation(_ context.Context, eventID, seatID, ownerID string) (model.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seatKey{eventID, seatID}
	a, ok := m.allocs[k]
	if !ok {
		return model.Allocation{}, ErrNotAllocated
	}
	if a.OwnerID != ownerID {
		return model.Allocation{}, ErrSeatUnavailable
	}
	delete(m.allocs, k)
	return a, nil
}

func (m *MemoryHolds) RestoreAllocation(_ context.Context, a model.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seatKey{a.EventID, a.SeatID}
	if cur, ok := m.allocs[k]; ok {
		if cur.OwnerID == a.OwnerID && cur.HoldID == a.HoldID {
			return nil
		}
		return ErrSeatUnavailable
	}
	if _, busy := m.active[k]; busy {
		return ErrSeatUnavailable
	}
	m.allocs[k] = a
	if h, ok := m.holds[a.HoldID]; ok {
		m.setStatus(h, model.HoldConfirmed)
	}
	return nil
}
