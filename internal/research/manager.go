package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/config"
	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/notify"
	"github.com/sells-group/abi-engine/internal/resilience"
	"github.com/sells-group/abi-engine/internal/retrieval"
)

// Sentinel errors. Failures during processing are not returned as errors:
// they are recorded on the job.
var (
	ErrUnknownJob        = eris.New("research: unknown job")
	ErrEmptyQuery        = eris.New("research: query is empty")
	ErrMissingAnswers    = eris.New("research: required intake answers missing")
	ErrInvalidTransition = eris.New("research: invalid phase transition")
	ErrAwaitingApproval  = eris.New("research: job is awaiting approval")
	ErrAlreadyRunning    = eris.New("research: job is already running")
)

const (
	// CancelledMessage is the error message of a cancelled job.
	CancelledMessage = "Research cancelled by user"
	// ApprovalUnavailableMessage is reported when the approval queue refuses a job.
	ApprovalUnavailableMessage = "Could not submit the research request for approval"
)

// Approver files jobs for sign-off and reports their outcome.
type Approver interface {
	Submit(ctx context.Context, in credit.SubmitInput) (credit.Request, error)
	OnResolve(h credit.ResolveHook)
}

// Meter computes the credits a finished job used.
type Meter func(reserved, sources int) int

// Manager owns every deep-research job in the process.
type Manager struct {
	mu         sync.Mutex
	jobs       map[string]*jobState
	byApproval map[string]string

	ledger      *credit.Ledger
	approvals   Approver
	retriever   retrieval.Retriever
	synth       Synthesizer
	pub         notify.Publisher
	meter       Meter
	stepTimeout time.Duration
	retry       resilience.RetryConfig
	now         func() time.Time
}

type jobState struct {
	job      Job
	entities model.Entities
	started  time.Time
	running  bool
	cancel   context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithSynthesizer sets the synthesizer. Default: TemplateSynthesizer.
func WithSynthesizer(s Synthesizer) Option {
	return func(m *Manager) { m.synth = s }
}

// WithPublisher sets where research.* events go.
func WithPublisher(p notify.Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithMeter overrides the credit usage meter.
func WithMeter(fn Meter) Option {
	return func(m *Manager) { m.meter = fn }
}

// WithResearchConfig applies per-step timeout and retry settings.
func WithResearchConfig(cfg config.ResearchConfig) Option {
	return func(m *Manager) {
		m.stepTimeout = resilience.StepTimeout(cfg)
		m.retry = resilience.StepRetryConfig(cfg)
	}
}

// WithStepPolicy sets the step timeout and retry policy directly.
func WithStepPolicy(timeout time.Duration, retry resilience.RetryConfig) Option {
	return func(m *Manager) {
		m.stepTimeout = timeout
		m.retry = retry
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and subscribes it to approval outcomes.
func NewManager(ledger *credit.Ledger, approvals Approver, retriever retrieval.Retriever, opts ...Option) *Manager {
	m := &Manager{
		jobs:        make(map[string]*jobState),
		byApproval:  make(map[string]string),
		ledger:      ledger,
		approvals:   approvals,
		retriever:   retriever,
		synth:       TemplateSynthesizer{},
		pub:         notify.Discard{},
		meter:       credit.CreditsUsed,
		stepTimeout: resilience.StepTimeout(config.ResearchConfig{}),
		retry:       resilience.DefaultRetryConfig(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	approvals.OnResolve(m.onApprovalResolved)
	return m
}

// StartInput opens a job.
type StartInput struct {
	UserID    string
	Query     string
	StudyType model.StudyType
	Entities  model.Entities
}

// Start opens a job in the intake phase.
func (m *Manager) Start(ctx context.Context, in StartInput) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, eris.Wrap(err, "research: start")
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return Job{}, ErrEmptyQuery
	}
	st := in.StudyType
	if !st.Valid() {
		st = model.StudyCustom
	}

	intake := BuildIntake(st, in.Entities)
	now := m.now().UTC()
	s := &jobState{
		entities: in.Entities,
		job: Job{
			ID:               uuid.NewString(),
			UserID:           in.UserID,
			Phase:            PhaseIntake,
			Query:            query,
			StudyType:        st,
			CreditsAvailable: m.ledger.Balance(in.UserID),
			Intake:           &intake,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}

	m.mu.Lock()
	m.jobs[s.job.ID] = s
	out := s.job.clone()
	m.mu.Unlock()

	zap.L().Info("research: job opened",
		zap.String("job_id", out.ID),
		zap.String("study_type", string(st)),
		zap.Bool("can_skip", intake.CanSkip),
	)
	return out, nil
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return s.job.clone(), true
}

// ConfirmInput answers the intake questions.
type ConfirmInput struct {
	JobID     string
	Query     string
	Answers   map[string]string
	StudyType model.StudyType
	// CreditsAvailable is the caller's view of the balance. When set and below
	// the estimate the job fails without touching the ledger.
	CreditsAvailable *int
}

// Confirm moves an intake job to intake_confirmed, reserves its credits, and
// files an approval request. Auto-approved jobs move straight to processing;
// the rest wait for the approval outcome. Missing required answers return
// ErrMissingAnswers and leave the job untouched. Insufficient credits are
// recorded on the job as error{canRetry:false}.
func (m *Manager) Confirm(ctx context.Context, in ConfirmInput) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, eris.Wrap(err, "research: confirm")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.jobs[in.JobID]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	if s.job.Phase != PhaseIntake {
		return s.job.clone(), eris.Wrapf(ErrInvalidTransition, "confirm from %s", s.job.Phase)
	}

	query := s.job.Query
	if q := strings.TrimSpace(in.Query); q != "" {
		query = q
	}
	st := s.job.StudyType
	intake := *s.job.Intake
	if in.StudyType.Valid() && in.StudyType != st {
		st = in.StudyType
		intake = BuildIntake(st, s.entities)
	}

	answers := MergeAnswers(intake, in.Answers)
	if missing := missingRequired(intake.Questions, answers); len(missing) > 0 {
		return s.job.clone(), eris.Wrapf(ErrMissingAnswers, "%s", strings.Join(missing, ", "))
	}

	log := zap.L().With(zap.String("job_id", s.job.ID))
	s.job.Query = query
	s.job.StudyType = st
	s.job.Intake = &intake
	s.job.Answers = answers
	s.job.UpdatedAt = m.now().UTC()

	estimate := intake.EstimatedCredits
	if in.CreditsAvailable != nil && *in.CreditsAvailable < estimate {
		m.failLocked(s, model.ResponseError{
			Message:  fmt.Sprintf("Not enough credits: %d needed, %d available", estimate, *in.CreditsAvailable),
			CanRetry: false,
			Kind:     model.ErrInsufficientCredits,
		})
		return s.job.clone(), nil
	}

	resID, err := m.ledger.Reserve(ctx, s.job.UserID, estimate)
	if err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			balance := m.ledger.Balance(s.job.UserID)
			m.failLocked(s, model.ResponseError{
				Message:  fmt.Sprintf("Not enough credits: %d needed, %d available", estimate, balance),
				CanRetry: false,
				Kind:     model.ErrInsufficientCredits,
			})
			return s.job.clone(), nil
		}
		return s.job.clone(), eris.Wrap(err, "research: reserve credits")
	}
	s.job.ReservationID = resID
	s.job.Phase = PhaseIntakeConfirmed
	s.job.CreditsAvailable = m.ledger.Balance(s.job.UserID)

	req, err := m.approvals.Submit(ctx, credit.SubmitInput{
		Type:             credit.RequestDeepResearch,
		Title:            fmt.Sprintf("%s: %s", st.Label(), query),
		EstimatedCredits: estimate,
		Context: map[string]any{
			"job_id":     s.job.ID,
			"study_type": string(st),
			"user_id":    s.job.UserID,
		},
	})
	if err != nil {
		m.failLocked(s, model.ResponseError{Message: ApprovalUnavailableMessage, CanRetry: true, Kind: model.ErrApprovalUnavailable})
		return s.job.clone(), eris.Wrap(err, "research: submit approval")
	}
	s.job.ApprovalID = req.ID

	if req.Status == credit.StatusApproved {
		m.startProcessingLocked(s)
		log.Info("research: job confirmed", zap.String("reservation_id", resID), zap.Int("credits", estimate))
	} else {
		m.byApproval[req.ID] = s.job.ID
		log.Info("research: job awaiting approval",
			zap.String("approval_id", req.ID),
			zap.String("level", string(req.Level)),
		)
	}
	return s.job.clone(), nil
}

func (m *Manager) startProcessingLocked(s *jobState) {
	s.job.Phase = PhaseProcessing
	s.job.Processing = &Processing{Steps: newSteps()}
	s.job.UpdatedAt = m.now().UTC()
}

func (m *Manager) onApprovalResolved(r credit.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byApproval[r.ID]
	if !ok {
		return
	}
	delete(m.byApproval, r.ID)
	s := m.jobs[id]
	if s == nil || s.job.Phase != PhaseIntakeConfirmed {
		return
	}

	if r.Status == credit.StatusApproved {
		m.startProcessingLocked(s)
		zap.L().Info("research: job approved", zap.String("job_id", id), zap.String("by", r.ResolvedBy))
		return
	}
	msg := "Research request was rejected"
	if r.Note != "" {
		msg += ": " + r.Note
	}
	m.failLocked(s, model.ResponseError{Message: msg, CanRetry: false, Kind: model.ErrApprovalRejected})
}

// failLocked moves a job to error, marks its active step failed, and refunds
// any held reservation. It is a no-op on terminal jobs.
func (m *Manager) failLocked(s *jobState, e model.ResponseError) {
	if s.job.Phase.Terminal() {
		return
	}
	s.job.Phase = PhaseError
	s.job.Error = &e
	s.job.UpdatedAt = m.now().UTC()
	if p := s.job.Processing; p != nil {
		for i := range p.Steps {
			if p.Steps[i].Status == StepActive {
				p.Steps[i].Status = StepError
			}
		}
		if !s.started.IsZero() {
			p.ElapsedTime = int(m.now().Sub(s.started).Seconds())
		}
	}
	if s.job.ReservationID != "" {
		bal, err := m.ledger.Refund(context.Background(), s.job.ReservationID)
		if err != nil {
			zap.L().Error("research: refund failed",
				zap.String("job_id", s.job.ID),
				zap.String("reservation_id", s.job.ReservationID),
				zap.Error(err),
			)
		} else {
			s.job.CreditsAvailable = bal
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	zap.L().Warn("research: job failed",
		zap.String("job_id", s.job.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("message", e.Message),
	)
	m.pub.Publish(notify.Event{
		Topic:    notify.TopicResearchError,
		Severity: "warning",
		Message:  e.Message,
		Details: map[string]any{
			"job_id":    s.job.ID,
			"kind":      string(e.Kind),
			"can_retry": e.CanRetry,
		},
	})
}

// Cancel flips a non-terminal job to error{"Research cancelled by user",
// canRetry:true} and refunds its credits. A running pipeline stops at its
// next boundary. Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	if !s.job.Phase.Terminal() {
		m.failLocked(s, model.ResponseError{Message: CancelledMessage, CanRetry: true, Kind: model.ErrCancelled})
	}
	return s.job.clone(), nil
}

// Retry starts a fresh job from a failed one with the same intake answers and
// confirms it. The failed job's reservation is refunded if still held.
func (m *Manager) Retry(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	old, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, ErrUnknownJob
	}
	if old.job.Phase != PhaseError {
		out := old.job.clone()
		m.mu.Unlock()
		return out, eris.Wrapf(ErrInvalidTransition, "retry from %s", out.Phase)
	}
	if old.job.ReservationID != "" {
		if _, err := m.ledger.Refund(ctx, old.job.ReservationID); err != nil {
			zap.L().Warn("research: refund on retry failed", zap.String("job_id", id), zap.Error(err))
		}
	}

	intake := old.job.Intake.clone()
	now := m.now().UTC()
	s := &jobState{
		entities: old.entities,
		job: Job{
			ID:               uuid.NewString(),
			UserID:           old.job.UserID,
			Phase:            PhaseIntake,
			Query:            old.job.Query,
			StudyType:        old.job.StudyType,
			CreditsAvailable: m.ledger.Balance(old.job.UserID),
			Intake:           &intake,
			RetryOf:          id,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
	answers := old.job.Answers
	m.jobs[s.job.ID] = s
	m.mu.Unlock()

	zap.L().Info("research: retrying job", zap.String("job_id", s.job.ID), zap.String("retry_of", id))
	if answers == nil {
		return s.job.clone(), nil
	}
	return m.Confirm(ctx, ConfirmInput{JobID: s.job.ID, Answers: answers})
}

// run is the working state of one Execute call.
type run struct {
	job          Job
	entities     model.Entities
	subQuestions []string
	sources      []model.Source
	notes        []string
	synthesis    *Synthesis
	report       *model.Report
}

// Execute runs the step pipeline of a processing job, calling onUpdate with a
// snapshot on every step transition, retry, and at the end. The sequence of
// (phase, currentStepIndex) it reports never decreases. It returns the final
// snapshot; pipeline failures are recorded on the job, not returned.
// Cancelling ctx cancels the job.
func (m *Manager) Execute(ctx context.Context, id string, onUpdate Update) (Job, error) {
	if onUpdate == nil {
		onUpdate = func(Job) {}
	}

	m.mu.Lock()
	s, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, ErrUnknownJob
	}
	switch {
	case s.running:
		out := s.job.clone()
		m.mu.Unlock()
		return out, ErrAlreadyRunning
	case s.job.Phase == PhaseIntakeConfirmed:
		out := s.job.clone()
		m.mu.Unlock()
		return out, ErrAwaitingApproval
	case s.job.Phase != PhaseProcessing || s.job.Processing.CurrentStepIndex != 0 || s.job.Processing.Steps[0].Status != StepPending:
		out := s.job.clone()
		m.mu.Unlock()
		return out, eris.Wrapf(ErrInvalidTransition, "execute from %s", out.Phase)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.running = true
	s.cancel = cancel
	s.started = m.now()
	r := &run{job: s.job.clone(), entities: s.entities}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		s.running = false
		s.cancel = nil
		m.mu.Unlock()
	}()

	log := zap.L().With(zap.String("job_id", id))
	log.Info("research: processing started")

	for i, step := range Pipeline {
		snap, stop := m.beginStep(s, i)
		onUpdate(snap)
		if stop {
			return snap, nil
		}

		start := time.Now()
		found, err := m.runStep(runCtx, s, i, r, onUpdate)

		m.mu.Lock()
		if s.job.Phase.Terminal() {
			out := s.job.clone()
			m.mu.Unlock()
			onUpdate(out)
			return out, nil
		}
		if err != nil {
			m.failLocked(s, m.classify(ctx, step, err))
			out := s.job.clone()
			m.mu.Unlock()
			log.Error("research: step failed",
				zap.String("step", string(step.ID)),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.Error(err),
			)
			onUpdate(out)
			return out, nil
		}
		p := s.job.Processing
		p.Steps[i].Status = StepComplete
		p.Steps[i].SourcesFound = found
		p.SourcesCollected = len(r.sources)
		p.ElapsedTime = int(m.now().Sub(s.started).Seconds())
		s.job.UpdatedAt = m.now().UTC()
		m.mu.Unlock()

		log.Info("research: step complete",
			zap.String("step", string(step.ID)),
			zap.Int("sources_found", found),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}

	out := m.finish(s, r)
	onUpdate(out)
	return out, nil
}

// beginStep marks step i active. stop is true when the job went terminal
// since the previous boundary.
func (m *Manager) beginStep(s *jobState, i int) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.job.Phase.Terminal() {
		return s.job.clone(), true
	}
	p := s.job.Processing
	p.Steps[i].Status = StepActive
	p.CurrentStepIndex = i
	p.ElapsedTime = int(m.now().Sub(s.started).Seconds())
	s.job.UpdatedAt = m.now().UTC()
	return s.job.clone(), false
}

// runStep runs step i under the step timeout and retry policy. Retries keep
// the step active and bump its retry counter.
func (m *Manager) runStep(ctx context.Context, s *jobState, i int, r *run, onUpdate Update) (int, error) {
	stepCtx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	defer cancel()

	policy := m.retry
	policy.OnRetry = func(attempt int, err error) {
		m.mu.Lock()
		if s.job.Phase.Terminal() {
			m.mu.Unlock()
			return
		}
		s.job.Processing.Steps[i].Retries = attempt
		out := s.job.clone()
		m.mu.Unlock()
		zap.L().Warn("research: retrying step",
			zap.String("job_id", s.job.ID),
			zap.String("step", string(Pipeline[i].ID)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		onUpdate(out)
	}

	n, err := resilience.DoVal(stepCtx, policy, func(ctx context.Context) (int, error) {
		return m.step(ctx, Pipeline[i].ID, r)
	})
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return n, eris.Wrapf(context.DeadlineExceeded, "research: step %s", Pipeline[i].ID)
	}
	return n, err
}

func (m *Manager) step(ctx context.Context, id StepID, r *run) (int, error) {
	switch id {
	case StepDecompose:
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		r.subQuestions = Decompose(r.job.Query, r.job.StudyType, r.job.Answers)
		return 0, nil
	case StepBeroe:
		return m.collect(ctx, r, false, model.SourceBeroe, model.SourceReport)
	case StepWeb:
		return m.collect(ctx, r, true, model.SourceWeb, model.SourceNews)
	case StepInternal:
		return m.collect(ctx, r, false,
			model.SourceInternalData, model.SourceSupplierData, model.SourceData,
			model.SourceAnalysis, model.SourceDnD, model.SourceEcoVadis)
	case StepSynthesize:
		syn, err := m.synth.Synthesize(ctx, Brief{
			JobID:        r.job.ID,
			Query:        r.job.Query,
			StudyType:    r.job.StudyType,
			Answers:      r.job.Answers,
			SubQuestions: r.subQuestions,
			Sources:      r.sources,
			Notes:        r.notes,
		})
		if err != nil {
			return 0, err
		}
		r.synthesis = syn
		return 0, nil
	case StepReport:
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		r.report = m.buildReport(r)
		return 0, nil
	}
	return 0, eris.Errorf("research: unknown step %s", id)
}

// collect retrieves sources of the given types and appends the new ones.
func (m *Manager) collect(ctx context.Context, r *run, web bool, types ...model.SourceType) (int, error) {
	text := r.job.Query
	if scope := r.job.Answers["scope"]; scope != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(scope)) {
		text += " " + scope
	}
	res, err := m.retriever.Retrieve(ctx, retrieval.Query{
		Text:       text,
		Entities:   r.entities,
		Types:      types,
		IncludeWeb: web,
		Limit:      10,
	})
	if err != nil {
		return 0, err
	}
	before := len(r.sources)
	var kept []model.Source
	for _, src := range res.Sources {
		for _, t := range types {
			if src.Type == t {
				kept = append(kept, src)
				break
			}
		}
	}
	r.sources = model.DedupeSources(append(r.sources, kept...))
	if web && res.Summary != "" {
		r.notes = append(r.notes, res.Summary)
	}
	return len(r.sources) - before, nil
}

func (m *Manager) buildReport(r *run) *model.Report {
	syn := r.synthesis
	if syn == nil {
		syn = &Synthesis{}
	}
	scope := orDefault(r.job.Answers["scope"], r.job.Query)
	return &model.Report{
		ID:            uuid.NewString(),
		Title:         fmt.Sprintf("%s: %s", r.job.StudyType.Label(), titleCase(scope)),
		Category:      scope,
		StudyType:     r.job.StudyType,
		PublishedDate: m.now().UTC(),
		Author:        "ABI Research",
		Summary:       syn.Summary,
		Sections:      syn.Sections,
		Sources:       r.sources,
		Citations:     len(r.sources),
	}
}

// finish settles credits and completes the job. Usage above the reservation
// fails the job and refunds in full.
func (m *Manager) finish(s *jobState, r *run) Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.job.Phase.Terminal() {
		return s.job.clone()
	}

	res, _ := m.ledger.Reservation(s.job.ReservationID)
	used := m.meter(res.Amount, len(r.sources))
	bal, err := m.ledger.Settle(context.Background(), s.job.ReservationID, used)
	if err != nil {
		msg := "Research could not be billed"
		if errors.Is(err, credit.ErrOverage) {
			msg = fmt.Sprintf("Research used %d credits, more than the %d reserved", used, res.Amount)
		}
		m.failLocked(s, model.ResponseError{Message: msg, CanRetry: true, Kind: model.ErrRetrievalFatal})
		return s.job.clone()
	}

	elapsed := m.now().Sub(s.started)
	r.report.CreditsUsed = used
	r.report.TotalProcessingTime = formatDuration(elapsed)

	s.job.Phase = PhaseComplete
	s.job.Report = r.report
	s.job.CreditsAvailable = bal
	s.job.Processing.ElapsedTime = int(elapsed.Seconds())
	s.job.UpdatedAt = m.now().UTC()

	zap.L().Info("research: job complete",
		zap.String("job_id", s.job.ID),
		zap.String("reservation_id", s.job.ReservationID),
		zap.Int("credits_used", used),
		zap.Int("sources", len(r.sources)),
	)
	m.pub.Publish(notify.Event{
		Topic:    notify.TopicResearchComplete,
		Severity: "info",
		Message:  fmt.Sprintf("%s is ready", r.report.Title),
		Details: map[string]any{
			"job_id":       s.job.ID,
			"report_id":    r.report.ID,
			"credits_used": used,
		},
	})
	return s.job.clone()
}

// classify maps a step failure to a job error. parent is the caller's
// context, used to tell cancellation from a step timeout.
func (m *Manager) classify(parent context.Context, step Step, err error) model.ResponseError {
	if parent.Err() != nil {
		return model.ResponseError{Message: CancelledMessage, CanRetry: true, Kind: model.ErrCancelled}
	}
	switch resilience.Classify(err) {
	case resilience.ClassTimeout, resilience.ClassCancelled:
		return model.ResponseError{
			Message:  fmt.Sprintf("%s timed out", step.Label),
			CanRetry: true,
			Kind:     model.ErrStepTimeout,
		}
	case resilience.ClassTransient:
		return model.ResponseError{
			Message:  fmt.Sprintf("%s failed after %d attempts", step.Label, m.retry.MaxAttempts),
			CanRetry: true,
			Kind:     model.ErrRetrievalTransient,
		}
	default:
		return model.ResponseError{
			Message:  fmt.Sprintf("%s failed", step.Label),
			CanRetry: true,
			Kind:     model.ErrRetrievalFatal,
		}
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
