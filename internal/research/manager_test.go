package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/notify"
	"github.com/sells-group/abi-engine/internal/resilience"
	"github.com/sells-group/abi-engine/internal/retrieval"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubRetriever returns one source per requested type. Hooks let tests block
// or fail individual steps.
type stubRetriever struct {
	calls  atomic.Int32
	onWeb  func(ctx context.Context) error
	onBase func(ctx context.Context, q retrieval.Query) error
}

func (s *stubRetriever) Name() string { return "stub" }

func (s *stubRetriever) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	s.calls.Add(1)
	if q.IncludeWeb && s.onWeb != nil {
		if err := s.onWeb(ctx); err != nil {
			return nil, err
		}
	}
	if s.onBase != nil {
		if err := s.onBase(ctx, q); err != nil {
			return nil, err
		}
	}
	res := &retrieval.Result{}
	for _, t := range q.Types {
		res.Sources = append(res.Sources, model.Source{
			ID:    "src-" + string(t),
			Type:  t,
			Title: fmt.Sprintf("%s material", t),
		})
	}
	if q.IncludeWeb {
		res.Summary = "Steel prices firmed through the quarter."
	}
	return res, nil
}

type recordingPub struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPub) Publish(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPub) topics() []notify.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Topic, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Topic)
	}
	return out
}

type harness struct {
	ledger    *credit.Ledger
	approvals *credit.Approvals
	pub       *recordingPub
	retriever *stubRetriever
	mgr       *Manager
}

func newHarness(t *testing.T, balance, autoApprove int, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ledger:    credit.NewLedger(balance),
		pub:       &recordingPub{},
		retriever: &stubRetriever{},
	}
	h.approvals = credit.NewApprovals(credit.Thresholds{AutoApprove: autoApprove, TeamLead: 2000}, h.pub)
	base := []Option{
		WithPublisher(h.pub),
		WithStepPolicy(2*time.Second, resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}),
	}
	h.mgr = NewManager(h.ledger, h.approvals, h.retriever, append(base, opts...)...)
	return h
}

// confirmed opens a steel market analysis and confirms it with prefilled answers.
func (h *harness) confirmed(t *testing.T) Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.mgr.Start(ctx, StartInput{
		UserID:    "u1",
		Query:     "Research the steel market",
		StudyType: model.StudyMarketAnalysis,
		Entities:  model.Entities{Commodity: "steel"},
	})
	require.NoError(t, err)
	require.Equal(t, PhaseIntake, job.Phase)
	require.True(t, job.Intake.CanSkip)

	job, err = h.mgr.Confirm(ctx, ConfirmInput{JobID: job.ID})
	require.NoError(t, err)
	return job
}

type updates struct {
	mu    sync.Mutex
	snaps []Job
}

func (u *updates) record(j Job) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.snaps = append(u.snaps, j)
}

func (u *updates) all() []Job {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Job(nil), u.snaps...)
}

func assertMonotone(t *testing.T, snaps []Job) {
	t.Helper()
	prevPhase, prevStep := -1, -1
	for i, s := range snaps {
		phase, step := s.Progress()
		if phase == prevPhase {
			assert.GreaterOrEqual(t, step, prevStep, "snapshot %d went backwards", i)
		} else {
			assert.Greater(t, phase, prevPhase, "snapshot %d went backwards", i)
		}
		prevPhase, prevStep = phase, step
		if s.Phase == PhaseProcessing {
			assert.Equal(t, 1, s.Processing.ActiveSteps(), "snapshot %d", i)
		}
	}
}

func TestManager_HappyPath(t *testing.T) {
	h := newHarness(t, 1000, 500)
	job := h.confirmed(t)

	assert.Equal(t, PhaseProcessing, job.Phase)
	assert.NotEmpty(t, job.ReservationID)
	assert.Equal(t, "next 12 months", job.Answers["timeframe"])
	assert.Equal(t, 500, h.ledger.Balance("u1"))

	var u updates
	final, err := h.mgr.Execute(context.Background(), job.ID, u.record)
	require.NoError(t, err)

	assert.Equal(t, PhaseComplete, final.Phase)
	require.NotNil(t, final.Report)
	assert.Equal(t, "Market Analysis: Steel", final.Report.Title)
	assert.Len(t, final.Report.Sources, 10)
	assert.Equal(t, 10, final.Report.Citations)
	assert.Equal(t, 450, final.Report.CreditsUsed)
	assert.NotEmpty(t, final.Report.TotalProcessingTime)
	assert.NotEmpty(t, final.Report.Summary)
	for _, s := range final.Processing.Steps {
		assert.Equal(t, StepComplete, s.Status, s.ID)
	}
	assert.Equal(t, 10, final.Processing.SourcesCollected)
	assert.Equal(t, 550, h.ledger.Balance("u1"))
	assert.Equal(t, 550, final.CreditsAvailable)

	res, ok := h.ledger.Reservation(job.ReservationID)
	require.True(t, ok)
	assert.Equal(t, credit.ReservationSettled, res.Status)
	assert.Equal(t, res.Amount, res.Settled+res.Refunded)

	snaps := u.all()
	require.Len(t, snaps, len(Pipeline)+1)
	assertMonotone(t, snaps)
	assert.Equal(t, PhaseComplete, snaps[len(snaps)-1].Phase)
	assert.Contains(t, h.pub.topics(), notify.TopicResearchComplete)
	assert.Equal(t, int32(3), h.retriever.calls.Load())

	got, ok := h.mgr.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, PhaseComplete, got.Phase)

	_, err = h.mgr.Execute(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManager_SnapshotsAreCopies(t *testing.T) {
	h := newHarness(t, 1000, 500)
	job := h.confirmed(t)

	job.Processing.Steps[0].Status = StepError
	job.Answers["scope"] = "lithium"

	got, _ := h.mgr.Get(job.ID)
	assert.Equal(t, StepPending, got.Processing.Steps[0].Status)
	assert.Equal(t, "steel", got.Answers["scope"])
}

func TestManager_StartValidation(t *testing.T) {
	h := newHarness(t, 1000, 500)
	ctx := context.Background()

	_, err := h.mgr.Start(ctx, StartInput{UserID: "u1", Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	job, err := h.mgr.Start(ctx, StartInput{UserID: "u1", Query: "anything", StudyType: "astrology"})
	require.NoError(t, err)
	assert.Equal(t, model.StudyCustom, job.StudyType)
	assert.Equal(t, 1000, job.CreditsAvailable)

	_, err = h.mgr.Confirm(ctx, ConfirmInput{JobID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = h.mgr.Execute(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = h.mgr.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestManager_MissingAnswersLeaveJobUntouched(t *testing.T) {
	h := newHarness(t, 1000, 1000)
	ctx := context.Background()

	job, err := h.mgr.Start(ctx, StartInput{UserID: "u1", Query: "Find new suppliers", StudyType: model.StudySourcing})
	require.NoError(t, err)
	assert.False(t, job.Intake.CanSkip)

	_, err = h.mgr.Confirm(ctx, ConfirmInput{JobID: job.ID, Answers: map[string]string{"scope": "steel"}})
	require.ErrorIs(t, err, ErrMissingAnswers)
	assert.Contains(t, err.Error(), "regions")

	got, _ := h.mgr.Get(job.ID)
	assert.Equal(t, PhaseIntake, got.Phase)
	assert.Nil(t, got.Answers)
	assert.Empty(t, got.ReservationID)
	assert.Equal(t, 1000, h.ledger.Balance("u1"))

	got, err = h.mgr.Confirm(ctx, ConfirmInput{
		JobID:   job.ID,
		Answers: map[string]string{"scope": "steel", "regions": "Europe"},
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseProcessing, got.Phase)
	assert.Equal(t, 400, h.ledger.Balance("u1"))

	_, err = h.mgr.Confirm(ctx, ConfirmInput{JobID: job.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManager_ConfirmChangesStudyType(t *testing.T) {
	h := newHarness(t, 1000, 1000)
	ctx := context.Background()

	job, err := h.mgr.Start(ctx, StartInput{
		UserID:    "u1",
		Query:     "steel",
		StudyType: model.StudyMarketAnalysis,
		Entities:  model.Entities{Commodity: "steel"},
	})
	require.NoError(t, err)

	got, err := h.mgr.Confirm(ctx, ConfirmInput{
		JobID:     job.ID,
		StudyType: model.StudyCostModel,
		Answers:   map[string]string{"cost_components": "energy"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StudyCostModel, got.StudyType)
	assert.Equal(t, 450, got.Intake.EstimatedCredits)
	assert.Equal(t, "steel", got.Answers["scope"])
	assert.Equal(t, 550, h.ledger.Balance("u1"))
}

func TestManager_InsufficientCredits(t *testing.T) {
	ctx := context.Background()

	t.Run("ledger", func(t *testing.T) {
		h := newHarness(t, 100, 500)
		job := h.confirmed(t)

		assert.Equal(t, PhaseError, job.Phase)
		require.NotNil(t, job.Error)
		assert.Equal(t, model.ErrInsufficientCredits, job.Error.Kind)
		assert.False(t, job.Error.CanRetry)
		assert.Contains(t, job.Error.Message, "500 needed, 100 available")
		assert.Equal(t, "steel", job.Answers["scope"])
		assert.Equal(t, 100, h.ledger.Balance("u1"))

		_, err := h.ledger.TopUp("u1", 900)
		require.NoError(t, err)
		retried, err := h.mgr.Retry(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, PhaseProcessing, retried.Phase)
		assert.Equal(t, job.ID, retried.RetryOf)
	})

	t.Run("caller balance", func(t *testing.T) {
		h := newHarness(t, 1000, 500)
		job, err := h.mgr.Start(ctx, StartInput{
			UserID: "u1", Query: "steel", StudyType: model.StudyMarketAnalysis,
			Entities: model.Entities{Commodity: "steel"},
		})
		require.NoError(t, err)

		avail := 50
		got, err := h.mgr.Confirm(ctx, ConfirmInput{JobID: job.ID, CreditsAvailable: &avail})
		require.NoError(t, err)
		assert.Equal(t, PhaseError, got.Phase)
		assert.Equal(t, model.ErrInsufficientCredits, got.Error.Kind)
		assert.Empty(t, got.ReservationID)
		assert.Equal(t, 1000, h.ledger.Balance("u1"))
	})
}

// refusingApprover fails every submission.
type refusingApprover struct {
	*credit.Approvals
}

func (refusingApprover) Submit(context.Context, credit.SubmitInput) (credit.Request, error) {
	return credit.Request{}, errors.New("approval queue offline")
}

func TestManager_ApprovalSubmitFailure(t *testing.T) {
	ledger := credit.NewLedger(1000)
	approver := refusingApprover{credit.NewApprovals(credit.Thresholds{AutoApprove: 500, TeamLead: 2000}, notify.Discard{})}
	mgr := NewManager(ledger, approver, &stubRetriever{})

	ctx := context.Background()
	job, err := mgr.Start(ctx, StartInput{
		UserID: "u1", Query: "steel", StudyType: model.StudyMarketAnalysis,
		Entities: model.Entities{Commodity: "steel"},
	})
	require.NoError(t, err)

	got, err := mgr.Confirm(ctx, ConfirmInput{JobID: job.ID})
	require.ErrorContains(t, err, "approval queue offline")
	assert.Equal(t, PhaseError, got.Phase)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrApprovalUnavailable, got.Error.Kind)
	assert.Equal(t, ApprovalUnavailableMessage, got.Error.Message)
	assert.NotEqual(t, CancelledMessage, got.Error.Message)
	assert.True(t, got.Error.CanRetry)
	assert.Equal(t, 1000, ledger.Balance("u1"), "reservation refunded")
}

func TestManager_ApprovalFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("approved", func(t *testing.T) {
		h := newHarness(t, 1000, 100)
		job := h.confirmed(t)

		assert.Equal(t, PhaseIntakeConfirmed, job.Phase)
		require.NotEmpty(t, job.ApprovalID)
		assert.Equal(t, 500, h.ledger.Balance("u1"))
		assert.Contains(t, h.pub.topics(), notify.TopicApprovalPending)

		_, err := h.mgr.Execute(ctx, job.ID, nil)
		assert.ErrorIs(t, err, ErrAwaitingApproval)

		_, err = h.approvals.Approve(ctx, job.ApprovalID, "lead@example.com")
		require.NoError(t, err)

		got, _ := h.mgr.Get(job.ID)
		assert.Equal(t, PhaseProcessing, got.Phase)

		final, err := h.mgr.Execute(ctx, job.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, PhaseComplete, final.Phase)
	})

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t, 1000, 100)
		job := h.confirmed(t)

		_, err := h.approvals.Reject(ctx, job.ApprovalID, "admin", "over budget")
		require.NoError(t, err)

		got, _ := h.mgr.Get(job.ID)
		assert.Equal(t, PhaseError, got.Phase)
		require.NotNil(t, got.Error)
		assert.Equal(t, model.ErrApprovalRejected, got.Error.Kind)
		assert.False(t, got.Error.CanRetry)
		assert.Contains(t, got.Error.Message, "over budget")
		assert.Equal(t, 1000, h.ledger.Balance("u1"))
	})

	t.Run("cancel while pending", func(t *testing.T) {
		h := newHarness(t, 1000, 100)
		job := h.confirmed(t)

		got, err := h.mgr.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, PhaseError, got.Phase)
		assert.Equal(t, 1000, h.ledger.Balance("u1"))

		_, err = h.approvals.Approve(ctx, job.ApprovalID, "lead")
		require.NoError(t, err)
		got, _ = h.mgr.Get(job.ID)
		assert.Equal(t, PhaseError, got.Phase)
	})
}

func TestManager_CancelDuringWebStep(t *testing.T) {
	h := newHarness(t, 1000, 500)
	entered := make(chan struct{})
	h.retriever.onWeb = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
	job := h.confirmed(t)

	var u updates
	done := make(chan Job, 1)
	go func() {
		final, err := h.mgr.Execute(context.Background(), job.ID, u.record)
		assert.NoError(t, err)
		done <- final
	}()

	<-entered
	_, err := h.mgr.Execute(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancelled, err := h.mgr.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, cancelled.Phase)

	final := <-done
	assert.Equal(t, PhaseError, final.Phase)
	require.NotNil(t, final.Error)
	assert.Equal(t, CancelledMessage, final.Error.Message)
	assert.True(t, final.Error.CanRetry)
	assert.Equal(t, model.ErrCancelled, final.Error.Kind)
	assert.Equal(t, StepError, final.Processing.Steps[2].Status)
	assert.Equal(t, StepComplete, final.Processing.Steps[1].Status)
	assert.Equal(t, StepPending, final.Processing.Steps[3].Status)
	assert.Equal(t, 1000, h.ledger.Balance("u1"))

	res, _ := h.ledger.Reservation(job.ReservationID)
	assert.Equal(t, credit.ReservationRefunded, res.Status)
	assert.Equal(t, res.Amount, res.Settled+res.Refunded)

	again, err := h.mgr.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Error, again.Error)
	assert.Equal(t, 1000, h.ledger.Balance("u1"))

	errs := 0
	for _, tp := range h.pub.topics() {
		if tp == notify.TopicResearchError {
			errs++
		}
	}
	assert.Equal(t, 1, errs)

	snaps := u.all()
	assertMonotone(t, snaps)
	assert.Equal(t, PhaseError, snaps[len(snaps)-1].Phase)

	retried, err := h.mgr.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.RetryOf)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, job.Answers, retried.Answers)
	assert.Equal(t, PhaseProcessing, retried.Phase)
	assert.Equal(t, 500, h.ledger.Balance("u1"))
}

func TestManager_CallerContextCancelled(t *testing.T) {
	h := newHarness(t, 1000, 500)
	entered := make(chan struct{})
	h.retriever.onWeb = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
	job := h.confirmed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Job, 1)
	go func() {
		final, _ := h.mgr.Execute(ctx, job.ID, nil)
		done <- final
	}()
	<-entered
	cancel()

	final := <-done
	assert.Equal(t, PhaseError, final.Phase)
	assert.Equal(t, model.ErrCancelled, final.Error.Kind)
	assert.Equal(t, 1000, h.ledger.Balance("u1"))
}

func TestManager_TransientRetriesExhausted(t *testing.T) {
	h := newHarness(t, 1000, 500)
	h.retriever.onBase = func(_ context.Context, q retrieval.Query) error {
		for _, tp := range q.Types {
			if tp == model.SourceBeroe {
				return resilience.Upstream("web", 503, errors.New("upstream 503"))
			}
		}
		return nil
	}
	job := h.confirmed(t)

	var u updates
	final, err := h.mgr.Execute(context.Background(), job.ID, u.record)
	require.NoError(t, err)

	assert.Equal(t, PhaseError, final.Phase)
	assert.Equal(t, model.ErrRetrievalTransient, final.Error.Kind)
	assert.Equal(t, "Searching Beroe intelligence failed after 2 attempts", final.Error.Message)
	assert.True(t, final.Error.CanRetry)
	assert.Equal(t, 1, final.Processing.Steps[1].Retries)
	assert.Equal(t, StepError, final.Processing.Steps[1].Status)
	assert.Equal(t, 1000, h.ledger.Balance("u1"))

	retrySeen := false
	for _, s := range u.all() {
		if s.Phase == PhaseProcessing && s.Processing.Steps[1].Retries == 1 {
			retrySeen = true
			assert.Equal(t, StepActive, s.Processing.Steps[1].Status)
		}
	}
	assert.True(t, retrySeen)
	assertMonotone(t, u.all())
}

func TestManager_FatalStepError(t *testing.T) {
	h := newHarness(t, 1000, 500)
	h.retriever.onBase = func(context.Context, retrieval.Query) error {
		return errors.New("index corrupt")
	}
	job := h.confirmed(t)

	final, err := h.mgr.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ErrRetrievalFatal, final.Error.Kind)
	assert.Equal(t, 0, final.Processing.Steps[1].Retries)
	assert.Equal(t, int32(1), h.retriever.calls.Load())
}

func TestManager_StepTimeout(t *testing.T) {
	h := newHarness(t, 1000, 500,
		WithStepPolicy(20*time.Millisecond, resilience.RetryConfig{MaxAttempts: 1}))
	h.retriever.onWeb = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	job := h.confirmed(t)

	final, err := h.mgr.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, final.Phase)
	assert.Equal(t, model.ErrStepTimeout, final.Error.Kind)
	assert.Equal(t, "Scanning the web timed out", final.Error.Message)
	assert.True(t, final.Error.CanRetry)
	assert.Equal(t, 1000, h.ledger.Balance("u1"))
}

func TestManager_Overage(t *testing.T) {
	h := newHarness(t, 1000, 500, WithMeter(func(reserved, _ int) int { return reserved + 25 }))
	job := h.confirmed(t)

	final, err := h.mgr.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, final.Phase)
	assert.Equal(t, "Research used 525 credits, more than the 500 reserved", final.Error.Message)
	assert.True(t, final.Error.CanRetry)
	assert.Nil(t, final.Report)
	assert.Equal(t, 1000, h.ledger.Balance("u1"))

	res, _ := h.ledger.Reservation(job.ReservationID)
	assert.Equal(t, credit.ReservationRefunded, res.Status)
}

func TestManager_RetryRequiresError(t *testing.T) {
	h := newHarness(t, 1000, 500)
	job := h.confirmed(t)

	_, err := h.mgr.Retry(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.mgr.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, Brief) (*Synthesis, error) {
	return nil, errors.New("model overloaded")
}

func TestManager_SynthesisFailure(t *testing.T) {
	h := newHarness(t, 1000, 500, WithSynthesizer(failingSynth{}))
	job := h.confirmed(t)

	final, err := h.mgr.Execute(context.Background(), job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, final.Phase)
	assert.Equal(t, "Synthesizing findings failed", final.Error.Message)
	assert.Equal(t, StepError, final.Processing.Steps[4].Status)
	assert.Equal(t, StepComplete, final.Processing.Steps[3].Status)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "0s", formatDuration(100*time.Millisecond))
}
