package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-saga/internal/model"
	"github.com/iliyamo/ticket-saga/internal/repository"
)

const testType model.SagaType = "test"

type counter struct {
	N int `json:"n"`
}

// trace records step calls across goroutines.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, s)
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

func ok(tr *trace, name string) func(context.Context, StepContext, *counter) error {
	return func(_ context.Context, _ StepContext, s *counter) error {
		tr.add(name)
		s.N++
		return nil
	}
}

func failing(tr *trace, name string, err error) func(context.Context, StepContext, *counter) error {
	return func(context.Context, StepContext, *counter) error {
		tr.add(name)
		return err
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []model.SagaInstance
}

func (n *recordingNotifier) SagaFinished(_ context.Context, inst model.SagaInstance) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, inst)
	return nil
}

func newOrchestrator(t *testing.T, defs ...*Definition) (*Orchestrator, *recordingNotifier, *[]time.Duration) {
	t.Helper()
	n := &recordingNotifier{}
	o := New(repository.NewMemorySagas(), DefaultRetryPolicy, n, zap.NewNop())
	var delays []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	o.Register(defs...)
	return o, n, &delays
}

func stepStatuses(inst model.SagaInstance) []model.StepStatus {
	out := make([]model.StepStatus, len(inst.Steps))
	for i, s := range inst.Steps {
		out[i] = s.Status
	}
	return out
}

func TestStepsRunInOrder(t *testing.T) {
	tr := &trace{}
	o, n, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a")},
		Step[counter]{Name: "b", Action: ok(tr, "b")},
		Step[counter]{Name: "c", Action: ok(tr, "c")},
	))

	inst, err := o.Start(context.Background(), testType, "", counter{})
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, inst.Status)
	assert.Equal(t, []string{"a", "b", "c"}, tr.list())
	assert.Equal(t, 3, inst.Current)
	assert.Equal(t, inst.ID+":1", inst.Steps[1].IdempotencyKey)

	state, err := Decode[counter](inst)
	require.NoError(t, err)
	assert.Equal(t, 3, state.N)
	require.Len(t, n.seen, 1)
	assert.Equal(t, model.SagaCompleted, n.seen[0].Status)
}

func TestCompensationRunsInReverse(t *testing.T) {
	tr := &trace{}
	o, _, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a"), Compensate: ok(tr, "undo-a")},
		Step[counter]{Name: "b", Action: ok(tr, "b")},
		Step[counter]{Name: "c", Action: ok(tr, "c"), Compensate: ok(tr, "undo-c")},
		Step[counter]{Name: "d", Action: failing(tr, "d", repository.ErrInsufficientFunds), Compensate: ok(tr, "undo-d")},
	))

	inst, err := o.Start(context.Background(), testType, "", counter{})
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)
	assert.Equal(t, model.SagaCompensated, failed.Status)
	assert.Equal(t, "d", failed.Step)

	assert.Equal(t, []string{"a", "b", "c", "d", "undo-c", "undo-a"}, tr.list())
	assert.Equal(t, model.SagaCompensated, inst.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", inst.FailureCode)
	assert.Empty(t, inst.RemediationStep)
	assert.Equal(t, []model.StepStatus{
		model.StepCompensated, model.StepCompensated, model.StepCompensated, model.StepFailed,
	}, stepStatuses(inst))
	assert.Equal(t, 1, inst.Steps[3].Attempts, "conflicts are not retried")
}

func TestTransientFailuresAreRetried(t *testing.T) {
	tr := &trace{}
	calls := 0
	o, _, delays := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "flaky", Action: func(_ context.Context, sc StepContext, s *counter) error {
			calls++
			tr.add(sc.Key)
			if sc.Attempt < 3 {
				return repository.ErrUnavailable
			}
			return nil
		}},
	))

	inst, err := o.Start(context.Background(), testType, "", counter{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, inst.Steps[0].Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)

	keys := tr.list()
	assert.Equal(t, keys[0], keys[2], "every attempt carries the same idempotency key")
}

func TestRetriesAreBounded(t *testing.T) {
	tr := &trace{}
	o, _, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a"), Compensate: ok(tr, "undo-a")},
		Step[counter]{Name: "down", Action: failing(tr, "down", errors.New("connection refused"))},
	))

	inst, err := o.Start(context.Background(), testType, "", counter{})
	require.Error(t, err)
	assert.Equal(t, []string{"a", "down", "down", "down", "undo-a"}, tr.list())
	assert.Equal(t, "INTERNAL", inst.FailureCode)
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	tr := &trace{}
	o, _, delays := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: failing(tr, "a", repository.ErrInvalidAmount)},
	))
	_, err := o.Start(context.Background(), testType, "", counter{})
	assert.ErrorIs(t, err, repository.ErrInvalidAmount)
	assert.Len(t, tr.list(), 1)
	assert.Empty(t, *delays)
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	o, _, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "slow", Action: func(ctx context.Context, _ StepContext, _ *counter) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	))
	o.policy.StepTimeout = 5 * time.Millisecond

	inst, err := o.Start(context.Background(), testType, "", counter{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, inst.Steps[0].Attempts)
	assert.Equal(t, "UPSTREAM_TIMEOUT", inst.FailureCode)
}

func TestFailedCompensationNeedsRemediation(t *testing.T) {
	tr := &trace{}
	o, n, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a"), Compensate: ok(tr, "undo-a")},
		Step[counter]{Name: "b", Action: ok(tr, "b"), Compensate: failing(tr, "undo-b", repository.ErrInsufficientFunds)},
		Step[counter]{Name: "c", Action: failing(tr, "c", repository.ErrSeatUnavailable)},
	))

	inst, err := o.Start(context.Background(), testType, "", counter{})
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, repository.ErrSeatUnavailable, "the cause stays the forward failure")
	assert.Equal(t, model.SagaFailed, inst.Status)
	assert.Equal(t, "b", inst.RemediationStep)
	assert.Equal(t, "b", failed.RemediationStep)
	assert.Equal(t, []string{"a", "b", "c", "undo-b", "undo-a"}, tr.list(), "later compensations still run")
	assert.Equal(t, model.StepCompensated, inst.Steps[0].Status)
	assert.Equal(t, model.StepFailed, inst.Steps[1].Status)
	require.Len(t, n.seen, 1)
	assert.Equal(t, model.SagaFailed, n.seen[0].Status)
}

func TestCompensationUsesUndoKey(t *testing.T) {
	var keys []string
	record := func(sc StepContext) error {
		keys = append(keys, sc.Key)
		return nil
	}
	o, _, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{
			Name:       "a",
			Action:     func(_ context.Context, sc StepContext, _ *counter) error { return record(sc) },
			Compensate: func(_ context.Context, sc StepContext, _ *counter) error { return record(sc) },
		},
		Step[counter]{Name: "b", Action: failing(&trace{}, "b", repository.ErrConflict)},
	))
	inst, err := o.Start(context.Background(), testType, "", counter{})
	require.Error(t, err)
	assert.Equal(t, []string{inst.ID + ":0", inst.ID + ":0:undo"}, keys)
}

func TestStartIsIdempotentByKey(t *testing.T) {
	tr := &trace{}
	o, _, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a")},
	))
	ctx := context.Background()

	first, err := o.Start(ctx, testType, "client-key", counter{})
	require.NoError(t, err)
	second, err := o.Start(ctx, testType, "client-key", counter{N: 7})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, tr.list(), 1)

	other, err := o.Start(ctx, testType, "", counter{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestReplayedFailureKeepsCause(t *testing.T) {
	o, _, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: failing(&trace{}, "a", repository.ErrInsufficientFunds)},
	))
	ctx := context.Background()
	_, err := o.Start(ctx, testType, "k", counter{})
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)

	_, err = o.Start(ctx, testType, "k", counter{})
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)
}

func TestUnknownType(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	_, err := o.Start(context.Background(), "nope", "", counter{})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func awaitingDef(tr *trace) *Definition {
	return NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a"), Compensate: ok(tr, "undo-a")},
		Step[counter]{Name: "b", Await: "go", Action: func(_ context.Context, sc StepContext, s *counter) error {
			var in struct {
				Add int `json:"add"`
			}
			if err := sc.Bind(&in); err != nil {
				return err
			}
			tr.add("b")
			s.N += in.Add
			return nil
		}},
	)
}

func TestParkAndResume(t *testing.T) {
	tr := &trace{}
	o, _, _ := newOrchestrator(t, awaitingDef(tr))
	ctx := context.Background()

	inst, err := o.Start(ctx, testType, "", counter{})
	require.NoError(t, err)
	assert.Equal(t, model.SagaRunning, inst.Status)
	assert.Equal(t, "go", inst.Awaiting)
	assert.Equal(t, 1, inst.Current)

	_, err = o.Resume(ctx, inst.ID, "other", nil)
	assert.ErrorIs(t, err, ErrNotAwaiting)

	inst, err = o.Resume(ctx, inst.ID, "go", map[string]int{"add": 5})
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, inst.Status)
	state, err := Decode[counter](inst)
	require.NoError(t, err)
	assert.Equal(t, 6, state.N)

	again, err := o.Resume(ctx, inst.ID, "go", map[string]int{"add": 5})
	require.NoError(t, err, "a repeated resume replays the outcome")
	assert.Equal(t, model.SagaCompleted, again.Status)
	assert.Equal(t, []string{"a", "b"}, tr.list())

	_, err = o.Resume(ctx, "missing", "go", nil)
	assert.ErrorIs(t, err, repository.ErrSagaNotFound)
}

func TestResumeWithBadInputCompensates(t *testing.T) {
	tr := &trace{}
	o, _, _ := newOrchestrator(t, awaitingDef(tr))
	ctx := context.Background()
	inst, err := o.Start(ctx, testType, "", counter{})
	require.NoError(t, err)

	inst, err = o.Resume(ctx, inst.ID, "go", nil)
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
	assert.Equal(t, model.SagaCompensated, inst.Status)
	assert.Equal(t, []string{"a", "undo-a"}, tr.list())
}

func TestTimeoutCompensatesParkedSaga(t *testing.T) {
	tr := &trace{}
	o, n, _ := newOrchestrator(t, awaitingDef(tr))
	ctx := context.Background()
	inst, err := o.Start(ctx, testType, "", counter{})
	require.NoError(t, err)

	inst, err = o.Timeout(ctx, inst.ID, "hold expired")
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, inst.Status)
	assert.Equal(t, "SAGA_TIMED_OUT", inst.FailureCode)
	assert.Contains(t, inst.FailureReason, "hold expired")
	assert.Equal(t, []string{"a", "undo-a"}, tr.list())

	again, err := o.Timeout(ctx, inst.ID, "hold expired")
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, again.Status)
	assert.Len(t, tr.list(), 2, "a terminal saga is left alone")
	assert.Len(t, n.seen, 1)

	_, err = o.Resume(ctx, inst.ID, "go", map[string]int{"add": 1})
	assert.ErrorIs(t, err, ErrNotAwaiting)
}

func TestUnknownSagaLeavesNoLock(t *testing.T) {
	tr := &trace{}
	o, _, _ := newOrchestrator(t, awaitingDef(tr))
	ctx := context.Background()
	before := o.locks.Size()

	_, err := o.Timeout(ctx, "missing", "hold expired")
	assert.ErrorIs(t, err, repository.ErrSagaNotFound)
	_, err = o.Resume(ctx, "missing", "go", nil)
	assert.ErrorIs(t, err, repository.ErrSagaNotFound)

	assert.Equal(t, before, o.locks.Size())
	_, pending := o.cancels.Load("missing")
	assert.False(t, pending)
}

func TestTimeoutStopsRunningSagaAtStepBoundary(t *testing.T) {
	tr := &trace{}
	started := make(chan string)
	release := make(chan struct{})
	o, _, _ := newOrchestrator(t, NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a"), Compensate: ok(tr, "undo-a")},
		Step[counter]{
			Name: "b",
			Action: func(_ context.Context, sc StepContext, s *counter) error {
				started <- sc.SagaID
				<-release
				tr.add("b")
				return nil
			},
			Compensate: ok(tr, "undo-b"),
		},
		Step[counter]{Name: "c", Action: ok(tr, "c")},
	))
	o.policy.StepTimeout = 0

	type result struct {
		inst model.SagaInstance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		inst, err := o.Start(context.Background(), testType, "", counter{})
		done <- result{inst, err}
	}()

	id := <-started
	timedOut := make(chan model.SagaInstance, 1)
	go func() {
		inst, _ := o.Timeout(context.Background(), id, "deadline")
		timedOut <- inst
	}()
	require.Eventually(t, func() bool {
		_, flagged := o.cancels.Load(id)
		return flagged
	}, time.Second, time.Millisecond)
	close(release)

	res := <-done
	assert.ErrorIs(t, res.err, ErrTimedOut)
	assert.Equal(t, model.SagaCompensated, res.inst.Status)
	assert.Equal(t, []string{"a", "b", "undo-b", "undo-a"}, tr.list(), "step c never runs")

	inst := <-timedOut
	assert.Equal(t, model.SagaCompensated, inst.Status)
}

func TestRecoverContinuesUnfinishedSagas(t *testing.T) {
	tr := &trace{}
	def := NewDefinition(testType,
		Step[counter]{Name: "a", Action: ok(tr, "a"), Compensate: ok(tr, "undo-a")},
		Step[counter]{Name: "b", Action: ok(tr, "b")},
	)
	o, _, _ := newOrchestrator(t, def)
	ctx := context.Background()

	mk := func(id string, status model.SagaStatus, current int, first model.StepStatus) {
		require.NoError(t, o.store.Create(ctx, model.SagaInstance{
			ID: id, Type: testType, Status: status, Current: current,
			Payload: json.RawMessage(`{"n":1}`),
			Steps: []model.StepRecord{
				{Name: "a", Status: first, IdempotencyKey: id + ":0"},
				{Name: "b", Status: model.StepPending, IdempotencyKey: id + ":1"},
			},
		}))
	}
	mk("mid-run", model.SagaRunning, 1, model.StepDone)
	mk("mid-undo", model.SagaCompensating, 1, model.StepDone)

	n, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	run, err := o.Get(ctx, "mid-run")
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, run.Status)
	undo, err := o.Get(ctx, "mid-undo")
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, undo.Status)
	assert.ElementsMatch(t, []string{"b", "undo-a"}, tr.list())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindValidation, Classify(repository.ErrInvalidAmount))
	assert.Equal(t, KindConflict, Classify(repository.ErrInsufficientFunds))
	assert.Equal(t, KindConflict, Classify(ErrTimedOut))
	assert.Equal(t, KindTransient, Classify(repository.ErrUnavailable))
	assert.Equal(t, KindTransient, Classify(errors.New("boom")), "unknown errors are retried")
}
