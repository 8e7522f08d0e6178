package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// StepContext describes the invocation of one step action or compensation.
type StepContext struct {
	SagaID string
	Index  int
	// Key is "<saga_id>:<step_index>" for actions and the same key with an
	// ":undo" suffix for compensations.  Mutations are guarded with it.
	Key     string
	Attempt int
	input   json.RawMessage
}

// Bind decodes the signal input delivered to an awaiting step.
func (sc StepContext) Bind(v any) error {
	if len(sc.input) == 0 || string(sc.input) == "null" {
		return fmt.Errorf("%w: step %d received no input", repository.ErrInvalidInput, sc.Index)
	}
	if err := json.Unmarshal(sc.input, v); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrInvalidInput, err)
	}
	return nil
}

// Step is one entry of a step table over the saga state T.  A step with
// Await set parks the saga until Resume delivers that signal.  A nil
// Compensate means the step has nothing to undo.
type Step[T any] struct {
	Name  string
	Await string
	// Secret blanks the awaited input in the saga record once the step has
	// run, whether it succeeded or not.
	Secret     bool
	Action     func(ctx context.Context, sc StepContext, state *T) error
	Compensate func(ctx context.Context, sc StepContext, state *T) error
}

type runner func(ctx context.Context, sc StepContext, payload json.RawMessage) (json.RawMessage, error)

type step struct {
	name       string
	await      string
	secret     bool
	action     runner
	compensate runner
}

// Definition is a registered step table.
type Definition struct {
	typ      model.SagaType
	steps    []step
	validate func(json.RawMessage) error
}

// NewDefinition declares the step table of a saga type.  The state T is
// carried between steps as the instance payload.
func NewDefinition[T any](typ model.SagaType, steps ...Step[T]) *Definition {
	d := &Definition{typ: typ}
	for _, s := range steps {
		d.steps = append(d.steps, step{
			name:       s.Name,
			await:      s.Await,
			secret:     s.Secret && s.Await != "",
			action:     bind(s.Action),
			compensate: bind(s.Compensate),
		})
	}
	d.validate = func(raw json.RawMessage) error {
		var state T
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("%w: %v", repository.ErrInvalidInput, err)
		}
		return nil
	}
	return d
}

func bind[T any](fn func(context.Context, StepContext, *T) error) runner {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, sc StepContext, payload json.RawMessage) (json.RawMessage, error) {
		var state T
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("decode saga state: %w", err)
		}
		if err := fn(ctx, sc, &state); err != nil {
			return nil, err
		}
		return json.Marshal(state)
	}
}

func (d *Definition) Type() model.SagaType { return d.typ }

// StepInfo is the public view of a step table entry.
type StepInfo struct {
	Name        string `json:"name"`
	Await       string `json:"await,omitempty"`
	Compensable bool   `json:"compensable"`
}

func (d *Definition) Steps() []StepInfo {
	out := make([]StepInfo, len(d.steps))
	for i, s := range d.steps {
		out[i] = StepInfo{Name: s.name, Await: s.await, Compensable: s.compensate != nil}
	}
	return out
}

// Decode reads the typed state of an instance.
func Decode[T any](inst model.SagaInstance) (T, error) {
	var state T
	err := json.Unmarshal(inst.Payload, &state)
	return state, err
}
