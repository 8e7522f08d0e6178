// Package saga coordinates multi-step business transactions across the
// ledger, inventory and order services.  Each saga type is a declared step
// table; the orchestrator runs steps in order, retries transient failures,
// parks on steps that wait for user input, and on failure runs the
// compensations of completed steps in reverse order.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

// Store is implemented by repository.SagaRepo and repository.MemorySagas.
type Store interface {
	Create(ctx context.Context, inst model.SagaInstance) error
	Save(ctx context.Context, inst model.SagaInstance) error
	Get(ctx context.Context, id string) (model.SagaInstance, error)
	GetByKey(ctx context.Context, key string) (model.SagaInstance, error)
	ListUnfinished(ctx context.Context) ([]model.SagaInstance, error)
}

// Notifier is told about every saga that reaches a terminal state.
type Notifier interface {
	SagaFinished(ctx context.Context, inst model.SagaInstance) error
}

// RetryPolicy bounds the attempts of a single step.
type RetryPolicy struct {
	Attempts    int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	StepTimeout time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from 100ms
// and a 3s timeout per attempt.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:    3,
	Backoff:     100 * time.Millisecond,
	MaxBackoff:  2 * time.Second,
	StepTimeout: 3 * time.Second,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff << (attempt - 1)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

type Orchestrator struct {
	store   Store
	defs    map[model.SagaType]*Definition
	policy  RetryPolicy
	notify  Notifier
	log     *zap.Logger
	locks   *xsync.MapOf[string, *sync.Mutex]
	cancels *xsync.MapOf[string, string]
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator.  notify may be nil.
func New(store Store, policy RetryPolicy, notify Notifier, log *zap.Logger) *Orchestrator {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Orchestrator{
		store:   store,
		defs:    make(map[model.SagaType]*Definition),
		policy:  policy,
		notify:  notify,
		log:     log.Named("saga"),
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
		cancels: xsync.NewMapOf[string, string](),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds step tables.  It is not safe to call once sagas run.
func (o *Orchestrator) Register(defs ...*Definition) {
	for _, d := range defs {
		o.defs[d.typ] = d
	}
}

// Definition returns the registered step table of a type.
func (o *Orchestrator) Definition(typ model.SagaType) (*Definition, bool) {
	d, ok := o.defs[typ]
	return d, ok
}

func (o *Orchestrator) lock(id string) func() {
	mu, _ := o.locks.LoadOrCompute(id, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// forget drops the lock created for an id that names no saga, so calls
// with unknown ids do not grow the lock map.
func (o *Orchestrator) forget(id string, err error) {
	if errors.Is(err, repository.ErrSagaNotFound) {
		o.locks.Delete(id)
	}
}

// Start creates and drives a saga until it completes, fails or parks on an
// awaited signal.  A non-empty key makes the call idempotent: a second
// Start with the same key returns the first instance and its outcome
// without running anything.  A saga that did not complete is reported as a
// *FailedError alongside the final instance.
func (o *Orchestrator) Start(ctx context.Context, typ model.SagaType, key string, state any) (model.SagaInstance, error) {
	def, ok := o.defs[typ]
	if !ok {
		return model.SagaInstance{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	if key != "" {
		prev, err := o.store.GetByKey(ctx, key)
		if err == nil {
			return prev, outcome(prev)
		}
		if !errors.Is(err, repository.ErrSagaNotFound) {
			return model.SagaInstance{}, err
		}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return model.SagaInstance{}, err
	}
	if err := def.validate(payload); err != nil {
		return model.SagaInstance{}, err
	}

	now := o.now()
	inst := model.SagaInstance{
		ID:             uuid.NewString(),
		Type:           typ,
		Status:         model.SagaRunning,
		Payload:        payload,
		Signals:        map[string]json.RawMessage{},
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, s := range def.steps {
		inst.Steps = append(inst.Steps, model.StepRecord{
			Name:           s.name,
			Status:         model.StepPending,
			IdempotencyKey: fmt.Sprintf("%s:%d", inst.ID, i),
		})
	}

	unlock := o.lock(inst.ID)
	defer unlock()
	if err := o.store.Create(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrConflict) && key != "" {
			prev, getErr := o.store.GetByKey(ctx, key)
			if getErr != nil {
				return model.SagaInstance{}, getErr
			}
			return prev, outcome(prev)
		}
		return model.SagaInstance{}, err
	}
	o.log.Info("saga started", zap.String("saga_id", inst.ID), zap.String("type", string(typ)))

	err = o.drive(context.WithoutCancel(ctx), def, &inst)
	return inst, err
}

// Resume delivers the input of an awaited signal and drives the saga on.
// Resuming with a signal that was already delivered replays the outcome.
func (o *Orchestrator) Resume(ctx context.Context, id, signal string, input any) (model.SagaInstance, error) {
	unlock := o.lock(id)
	defer unlock()

	inst, err := o.store.Get(ctx, id)
	if err != nil {
		o.forget(id, err)
		return model.SagaInstance{}, err
	}
	def, ok := o.defs[inst.Type]
	if !ok {
		return inst, fmt.Errorf("%w: %s", ErrUnknownType, inst.Type)
	}
	if inst.Status != model.SagaRunning || inst.Awaiting != signal {
		if _, delivered := inst.Signals[signal]; delivered {
			return inst, outcome(inst)
		}
		if inst.Status.Terminal() {
			return inst, errors.Join(ErrNotAwaiting, outcome(inst))
		}
		return inst, fmt.Errorf("%w: %s is awaiting %q", ErrNotAwaiting, id, inst.Awaiting)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return inst, err
	}
	if inst.Signals == nil {
		inst.Signals = map[string]json.RawMessage{}
	}
	inst.Signals[signal] = raw
	o.log.Info("saga resumed", zap.String("saga_id", id), zap.String("signal", signal))

	err = o.drive(context.WithoutCancel(ctx), def, &inst)
	return inst, err
}

// Timeout stops a saga at its next step boundary and compensates it.  A
// saga parked on a signal is stopped immediately; a terminal saga is left
// alone.  The returned instance shows the resulting state.
func (o *Orchestrator) Timeout(ctx context.Context, id, reason string) (model.SagaInstance, error) {
	// Raise the flag before taking the lock so a step loop holding it
	// stops at the next boundary instead of running to the end.
	o.cancels.Store(id, reason)
	unlock := o.lock(id)
	defer unlock()

	inst, err := o.store.Get(ctx, id)
	if err != nil {
		o.cancels.Delete(id)
		o.forget(id, err)
		return model.SagaInstance{}, err
	}
	if inst.Status.Terminal() {
		o.cancels.Delete(id)
		return inst, nil
	}
	def, ok := o.defs[inst.Type]
	if !ok {
		o.cancels.Delete(id)
		return inst, fmt.Errorf("%w: %s", ErrUnknownType, inst.Type)
	}
	o.cancels.Delete(id)

	ctx = context.WithoutCancel(ctx)
	if inst.Status == model.SagaCompensating {
		err = o.compensate(ctx, def, &inst)
	} else {
		err = o.abort(ctx, def, &inst, fmt.Errorf("%w: %s", ErrTimedOut, reason))
	}
	var failed *FailedError
	if errors.As(err, &failed) {
		err = nil
	}
	return inst, err
}

func (o *Orchestrator) Get(ctx context.Context, id string) (model.SagaInstance, error) {
	return o.store.Get(ctx, id)
}

// Recover continues sagas left running or compensating by a previous
// process.  Parked sagas stay parked.  It returns how many sagas were
// driven.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pending {
		if p.Status == model.SagaRunning && p.Awaiting != "" {
			continue
		}
		if err := o.recoverOne(ctx, p.ID); err != nil {
			var failed *FailedError
			if !errors.As(err, &failed) {
				o.log.Error("saga recovery failed", zap.String("saga_id", p.ID), zap.Error(err))
				continue
			}
		}
		n++
	}
	return n, nil
}

func (o *Orchestrator) recoverOne(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()
	inst, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	def, ok := o.defs[inst.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, inst.Type)
	}
	o.log.Info("recovering saga", zap.String("saga_id", id), zap.String("status", string(inst.Status)))
	ctx = context.WithoutCancel(ctx)
	switch inst.Status {
	case model.SagaCompensating:
		return o.compensate(ctx, def, &inst)
	case model.SagaRunning:
		return o.drive(ctx, def, &inst)
	}
	return nil
}

var redacted = json.RawMessage("null")

// drive runs steps from inst.Current until the table ends, a step parks or
// a step fails.  The caller holds the saga lock.
func (o *Orchestrator) drive(ctx context.Context, def *Definition, inst *model.SagaInstance) error {
	for inst.Current < len(def.steps) {
		if reason, ok := o.cancels.LoadAndDelete(inst.ID); ok {
			return o.abort(ctx, def, inst, fmt.Errorf("%w: %s", ErrTimedOut, reason))
		}
		st := def.steps[inst.Current]
		if st.await != "" {
			if _, ok := inst.Signals[st.await]; !ok {
				inst.Awaiting = st.await
				o.log.Info("saga parked", zap.String("saga_id", inst.ID), zap.String("awaiting", st.await))
				return o.save(ctx, inst)
			}
		}
		inst.Awaiting = ""

		rec := &inst.Steps[inst.Current]
		payload, err := o.run(ctx, inst, st, st.action, inst.Current, rec.IdempotencyKey)
		if st.secret {
			// The key stays so a repeated delivery is still recognised.
			inst.Signals[st.await] = redacted
		}
		if err != nil {
			rec.Status = model.StepFailed
			rec.LastError = err.Error()
			return o.abort(ctx, def, inst, err)
		}
		inst.Payload = payload
		rec.Status = model.StepDone
		rec.LastError = ""
		inst.Current++
		if err := o.save(ctx, inst); err != nil {
			return err
		}
	}

	inst.Status = model.SagaCompleted
	if err := o.save(ctx, inst); err != nil {
		return err
	}
	o.log.Info("saga completed", zap.String("saga_id", inst.ID), zap.String("type", string(inst.Type)))
	o.finish(ctx, *inst)
	return nil
}

// abort records the failure cause and compensates.
func (o *Orchestrator) abort(ctx context.Context, def *Definition, inst *model.SagaInstance, cause error) error {
	o.log.Warn("saga failed, compensating",
		zap.String("saga_id", inst.ID), zap.Int("step", inst.Current), zap.Error(cause))
	inst.Status = model.SagaCompensating
	inst.Awaiting = ""
	inst.FailureReason = cause.Error()
	inst.FailureCode = Code(cause)
	if err := o.save(ctx, inst); err != nil {
		o.log.Error("saga state not saved before compensation", zap.String("saga_id", inst.ID), zap.Error(err))
	}
	return o.compensate(ctx, def, inst)
}

// compensate undoes every done step, newest first.  A compensation that
// fails after its retries is recorded and the remaining ones still run.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, inst *model.SagaInstance) error {
	for i := inst.Current - 1; i >= 0; i-- {
		rec := &inst.Steps[i]
		if rec.Status != model.StepDone {
			continue
		}
		st := def.steps[i]
		if st.compensate == nil {
			rec.Status = model.StepCompensated
			continue
		}
		payload, err := o.run(ctx, inst, st, st.compensate, i, rec.IdempotencyKey+":undo")
		if err != nil {
			rec.Status = model.StepFailed
			rec.LastError = err.Error()
			if inst.RemediationStep == "" {
				inst.RemediationStep = rec.Name
			}
			o.log.Error("compensation failed, manual remediation required",
				zap.String("saga_id", inst.ID), zap.String("step", rec.Name), zap.Error(err))
		} else {
			inst.Payload = payload
			rec.Status = model.StepCompensated
		}
		if err := o.save(ctx, inst); err != nil {
			o.log.Warn("saga progress not saved", zap.String("saga_id", inst.ID), zap.Error(err))
		}
	}

	inst.Status = model.SagaCompensated
	if inst.RemediationStep != "" {
		inst.Status = model.SagaFailed
	}
	if err := o.save(ctx, inst); err != nil {
		return err
	}
	o.log.Info("saga finished", zap.String("saga_id", inst.ID), zap.String("status", string(inst.Status)))
	o.finish(ctx, *inst)
	return outcome(*inst)
}

// run invokes fn with retries for transient failures.
func (o *Orchestrator) run(ctx context.Context, inst *model.SagaInstance, st step, fn runner, index int, key string) (json.RawMessage, error) {
	rec := &inst.Steps[index]
	var input json.RawMessage
	if st.await != "" {
		input = inst.Signals[st.await]
	}
	var lastErr error
	for attempt := 1; attempt <= o.policy.Attempts; attempt++ {
		rec.Attempts++
		sctx := ctx
		cancel := func() {}
		if o.policy.StepTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, o.policy.StepTimeout)
		}
		out, err := fn(sctx, StepContext{SagaID: inst.ID, Index: index, Key: key, Attempt: attempt, input: input}, inst.Payload)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		kind := Classify(err)
		o.log.Warn("step attempt failed",
			zap.String("saga_id", inst.ID), zap.String("step", st.name), zap.String("key", key),
			zap.Int("attempt", attempt), zap.Stringer("kind", kind), zap.Error(err))
		if kind != KindTransient || attempt == o.policy.Attempts {
			break
		}
		if err := o.sleep(ctx, o.policy.delay(attempt)); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) save(ctx context.Context, inst *model.SagaInstance) error {
	inst.UpdatedAt = o.now()
	return o.store.Save(ctx, *inst)
}

func (o *Orchestrator) finish(ctx context.Context, inst model.SagaInstance) {
	o.locks.Delete(inst.ID)
	if o.notify == nil {
		return
	}
	if err := o.notify.SagaFinished(ctx, inst); err != nil {
		o.log.Warn("saga outcome not published", zap.String("saga_id", inst.ID), zap.Error(err))
	}
}
