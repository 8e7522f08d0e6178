// Package catalog reads events from the event service.  It is read-only:
// prices come from an event's pricing tiers and the entry window is derived
// from its start time.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/ticket-saga/internal/repository"
)

// ErrEventNotFound is returned when the event service has no such event.
var ErrEventNotFound = errors.New("event not found")

// Event is the part of an event record this service needs.
type Event struct {
	ID           string                     `json:"event_id"`
	Name         string                     `json:"name"`
	StartsAt     time.Time                  `json:"event_date"`
	PricingTiers map[string]decimal.Decimal `json:"pricing_tiers"`
}

// event_date is written without a zone by the event service; it is UTC.
var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID           string                     `json:"event_id"`
		Name         string                     `json:"name"`
		EventDate    string                     `json:"event_date"`
		PricingTiers map[string]decimal.Decimal `json:"pricing_tiers"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.ID, e.Name, e.PricingTiers = raw.ID, raw.Name, raw.PricingTiers
	if raw.EventDate == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw.EventDate); err == nil {
			e.StartsAt = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("event_date %q: unrecognised format", raw.EventDate)
}

// Price returns the price of a pricing tier.  An empty tier is accepted
// when the event has exactly one.
func (e Event) Price(tier string) (decimal.Decimal, error) {
	if tier == "" && len(e.PricingTiers) == 1 {
		for _, p := range e.PricingTiers {
			return p, nil
		}
	}
	p, ok := e.PricingTiers[tier]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: unknown pricing tier %q (have %v)", repository.ErrInvalidInput, tier, e.tiers())
	}
	return p, nil
}

func (e Event) tiers() []string {
	out := make([]string, 0, len(e.PricingTiers))
	for k := range e.PricingTiers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Window is how long before and after the start doors are open.
type Window struct {
	OpensBefore time.Duration
	ClosesAfter time.Duration
}

// EntryOpen reports whether at falls inside the event's entry window.
func (e Event) EntryOpen(at time.Time, w Window) bool {
	return !at.Before(e.StartsAt.Add(-w.OpensBefore)) && at.Before(e.StartsAt.Add(w.ClosesAfter))
}

// Source looks events up.
type Source interface {
	Event(ctx context.Context, id string) (Event, error)
}
