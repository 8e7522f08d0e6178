package model

import (
	"encoding/json"
	"time"
)

// SagaType names a declared step table.
type SagaType string

const (
	SagaPurchase     SagaType = "purchase"
	SagaTransfer     SagaType = "transfer"
	SagaVerification SagaType = "verification"
	SagaRefund       SagaType = "refund"
	SagaReversal     SagaType = "transfer-reversal"
)

// SagaStatus is the lifecycle of a saga instance:
// running -> completed | compensating -> compensated | failed.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaCompensated  SagaStatus = "compensated"
	SagaFailed       SagaStatus = "failed"
)

// Terminal reports whether the instance will never run another step.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// StepStatus tracks one step of one instance.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepDone        StepStatus = "done"
	StepCompensated StepStatus = "compensated"
	StepFailed      StepStatus = "failed"
)

// StepRecord is the persisted trace of a single step.
type StepRecord struct {
	Name           string     `json:"name"`
	Status         StepStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// SagaInstance is the orchestrator's durable record of one business
// transaction.  Payload holds the saga type's own state as JSON; Signals
// holds the inputs delivered to parked steps, keyed by signal name.
// FailureCode is the machine-readable form of FailureReason.
type SagaInstance struct {
	ID              string                     `json:"saga_id"`
	Type            SagaType                   `json:"type"`
	Status          SagaStatus                 `json:"status"`
	Steps           []StepRecord               `json:"steps"`
	Current         int                        `json:"current_step_index"`
	Awaiting        string                     `json:"awaiting,omitempty"`
	Payload         json.RawMessage            `json:"payload"`
	Signals         map[string]json.RawMessage `json:"-"`
	FailureReason   string                     `json:"failure_reason,omitempty"`
	FailureCode     string                     `json:"failure_code,omitempty"`
	RemediationStep string                     `json:"remediation_step,omitempty"`
	IdempotencyKey  string                     `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (s SagaInstance) Clone() SagaInstance {
	c := s
	c.Steps = append([]StepRecord(nil), s.Steps...)
	c.Payload = append(json.RawMessage(nil), s.Payload...)
	if s.Signals != nil {
		c.Signals = make(map[string]json.RawMessage, len(s.Signals))
		for k, v := range s.Signals {
			c.Signals[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}
