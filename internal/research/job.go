// Package research runs deep-research jobs: intake questions, credit
// reservation and approval, a fixed step pipeline with progress updates,
// cancellation, and retry.
package research

import (
	"time"

	"github.com/sells-group/abi-engine/internal/model"
)

// Phase is the lifecycle state of a job.
type Phase string

const (
	PhaseIntake          Phase = "intake"
	PhaseIntakeConfirmed Phase = "intake_confirmed"
	PhaseProcessing      Phase = "processing"
	PhaseComplete        Phase = "complete"
	PhaseError           Phase = "error"
)

// rank orders phases so observers can check monotonicity. Error ranks last
// because it is absorbing.
func (p Phase) rank() int {
	switch p {
	case PhaseIntake:
		return 0
	case PhaseIntakeConfirmed:
		return 1
	case PhaseProcessing:
		return 2
	case PhaseComplete:
		return 3
	case PhaseError:
		return 4
	}
	return -1
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// StepID names a pipeline step.
type StepID string

const (
	StepDecompose  StepID = "decompose"
	StepBeroe      StepID = "beroe"
	StepWeb        StepID = "web"
	StepInternal   StepID = "internal"
	StepSynthesize StepID = "synthesize"
	StepReport     StepID = "report"
)

// StepStatus is the state of one step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepComplete StepStatus = "complete"
	StepError    StepStatus = "error"
)

// Step is one entry of the processing pipeline.
type Step struct {
	ID           StepID     `json:"id"`
	Label        string     `json:"label"`
	Description  string     `json:"description,omitempty"`
	Status       StepStatus `json:"status"`
	SourcesFound int        `json:"sourcesFound,omitempty"`
	Retries      int        `json:"retries,omitempty"`
}

// Pipeline is the fixed step order.
var Pipeline = []Step{
	{ID: StepDecompose, Label: "Decomposing question", Description: "Breaking the request into research questions"},
	{ID: StepBeroe, Label: "Searching Beroe intelligence", Description: "Category reports and market outlooks"},
	{ID: StepWeb, Label: "Scanning the web", Description: "Recent news and public sources"},
	{ID: StepInternal, Label: "Reviewing internal data", Description: "Spend, supplier, and partner data"},
	{ID: StepSynthesize, Label: "Synthesizing findings"},
	{ID: StepReport, Label: "Writing report"},
}

func newSteps() []Step {
	steps := make([]Step, len(Pipeline))
	copy(steps, Pipeline)
	for i := range steps {
		steps[i].Status = StepPending
	}
	return steps
}

// Processing is the progress of a running job.
type Processing struct {
	Steps            []Step `json:"steps"`
	CurrentStepIndex int    `json:"currentStepIndex"`
	// ElapsedTime is whole seconds since processing started.
	ElapsedTime      int `json:"elapsedTime"`
	SourcesCollected int `json:"sourcesCollected"`
}

// ActiveSteps counts steps currently marked active.
func (p *Processing) ActiveSteps() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == StepActive {
			n++
		}
	}
	return n
}

// Job is a snapshot of a deep-research job. Snapshots are copies; mutating
// one does not affect the job.
type Job struct {
	ID               string               `json:"jobId"`
	UserID           string               `json:"userId,omitempty"`
	Phase            Phase                `json:"phase"`
	Query            string               `json:"query"`
	StudyType        model.StudyType      `json:"studyType"`
	CreditsAvailable int                  `json:"creditsAvailable"`
	Intake           *Intake              `json:"intake,omitempty"`
	Answers          map[string]string    `json:"answers,omitempty"`
	ReservationID    string               `json:"reservationId,omitempty"`
	ApprovalID       string               `json:"approvalId,omitempty"`
	Processing       *Processing          `json:"processing,omitempty"`
	Report           *model.Report        `json:"report,omitempty"`
	Error            *model.ResponseError `json:"error,omitempty"`
	RetryOf          string               `json:"retryOf,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

func (j *Job) clone() Job {
	out := *j
	if j.Intake != nil {
		in := j.Intake.clone()
		out.Intake = &in
	}
	if j.Answers != nil {
		out.Answers = make(map[string]string, len(j.Answers))
		for k, v := range j.Answers {
			out.Answers[k] = v
		}
	}
	if j.Processing != nil {
		p := *j.Processing
		p.Steps = append([]Step(nil), j.Processing.Steps...)
		out.Processing = &p
	}
	if j.Report != nil {
		r := *j.Report
		r.Sections = append([]model.ReportSection(nil), j.Report.Sections...)
		r.Sources = append([]model.Source(nil), j.Report.Sources...)
		out.Report = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return out
}

// Progress is the ordering key of a snapshot: (phase, currentStepIndex).
func (j Job) Progress() (int, int) {
	idx := -1
	if j.Processing != nil {
		idx = j.Processing.CurrentStepIndex
	}
	return j.Phase.rank(), idx
}

// Update is a progress callback. It runs on the job's goroutine and must not
// block for long.
type Update func(Job)
