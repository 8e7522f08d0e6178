// Package queue defines message payloads exchanged over the message broker.
package queue

import (
	"time"

	"github.com/iliyamo/ticket-saga/internal/model"
)

// Broker topology.  Hold expiry notices are published to HoldWaitQueue
// with a per-message TTL and no consumer; when the TTL runs out the broker
// dead-letters them through HoldExpiredExchange into HoldExpiredQueue,
// where ExpiryConsumer picks them up.
const (
	HoldWaitQueue       = "hold.wait"
	HoldExpiredExchange = "hold.expired"
	HoldExpiredQueue    = "hold.expired"
	SagaOutcomeQueue    = "saga.outcomes"
	RemediationQueue    = "saga.remediation"
)

// HoldExpiryMessage announces that a seat hold is due to lapse.
type HoldExpiryMessage struct {
	HoldID    string    `json:"hold_id"`
	SagaID    string    `json:"saga_id"`
	EventID   string    `json:"event_id"`
	SeatID    string    `json:"seat_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SagaOutcomeEvent is published when a saga reaches a terminal state.  It
// carries enough for downstream consumers to notify users or page an
// operator without querying the saga store.
type SagaOutcomeEvent struct {
	SagaID          string `json:"saga_id"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	FailureReason   string `json:"failure_reason,omitempty"`
	FailureCode     string `json:"failure_code,omitempty"`
	RemediationStep string `json:"remediation_step,omitempty"`
	FinishedAt      string `json:"finished_at"`
}

func NewSagaOutcome(inst model.SagaInstance) SagaOutcomeEvent {
	return SagaOutcomeEvent{
		SagaID:          inst.ID,
		Type:            string(inst.Type),
		Status:          string(inst.Status),
		FailureReason:   inst.FailureReason,
		FailureCode:     inst.FailureCode,
		RemediationStep: inst.RemediationStep,
		FinishedAt:      inst.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
