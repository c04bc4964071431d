package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/notify"
)

// Approval errors.
var (
	ErrUnknownRequest = eris.New("credit: unknown approval request")
	ErrNotPending     = eris.New("credit: approval request is not pending")
)

// Level is who must approve a request.
type Level string

const (
	LevelAuto     Level = "auto"
	LevelTeamLead Level = "team_lead"
	LevelAdmin    Level = "admin"
)

// RequestType classifies an approval request.
type RequestType string

const (
	RequestDeepResearch RequestType = "deep_research"
	RequestExpertCall   RequestType = "expert_call"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Request is an approval request.
type Request struct {
	ID               string         `json:"id"`
	Type             RequestType    `json:"type"`
	Title            string         `json:"title"`
	EstimatedCredits int            `json:"estimatedCredits"`
	Level            Level          `json:"approvalLevel"`
	Status           RequestStatus  `json:"status"`
	Context          map[string]any `json:"context,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	ResolvedAt       *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy       string         `json:"resolvedBy,omitempty"`
	Note             string         `json:"note,omitempty"`
}

// Thresholds are the approval level cutoffs in credits.
type Thresholds struct {
	AutoApprove int
	TeamLead    int
}

// LevelFor returns the approval level for an estimate.
func (t Thresholds) LevelFor(credits int) Level {
	switch {
	case credits <= t.AutoApprove:
		return LevelAuto
	case credits <= t.TeamLead:
		return LevelTeamLead
	default:
		return LevelAdmin
	}
}

// ResolveHook is called after a pending request is approved or rejected.
type ResolveHook func(Request)

// Approvals is the approval queue.
type Approvals struct {
	mu         sync.Mutex
	thresholds Thresholds
	requests   map[string]*Request
	order      []string
	pub        notify.Publisher
	hooks      []ResolveHook
	now        func() time.Time
}

// NewApprovals creates an approval queue publishing to pub.
func NewApprovals(t Thresholds, pub notify.Publisher) *Approvals {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Approvals{
		thresholds: t,
		requests:   make(map[string]*Request),
		pub:        pub,
		now:        time.Now,
	}
}

// OnResolve registers a hook run after every approve or reject.
func (a *Approvals) OnResolve(h ResolveHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, h)
}

// SubmitInput is the payload of Submit.
type SubmitInput struct {
	Type             RequestType
	Title            string
	EstimatedCredits int
	Context          map[string]any
}

// Submit files a request. Requests at or under the auto threshold come back
// approved; the rest are queued as pending and announced on the bus.
func (a *Approvals) Submit(ctx context.Context, in SubmitInput) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, eris.Wrap(err, "credit: submit request")
	}
	if in.EstimatedCredits < 0 {
		return Request{}, ErrInvalidAmount
	}

	now := a.now().UTC()
	r := &Request{
		ID:               uuid.NewString(),
		Type:             in.Type,
		Title:            in.Title,
		EstimatedCredits: in.EstimatedCredits,
		Level:            a.thresholds.LevelFor(in.EstimatedCredits),
		Status:           StatusPending,
		Context:          in.Context,
		CreatedAt:        now,
	}
	if r.Level == LevelAuto {
		r.Status = StatusApproved
		r.ResolvedAt = &now
		r.ResolvedBy = string(LevelAuto)
	}

	a.mu.Lock()
	a.requests[r.ID] = r
	a.order = append(a.order, r.ID)
	out := *r
	a.mu.Unlock()

	if out.Status == StatusPending {
		zap.L().Info("credit: approval required",
			zap.String("request_id", out.ID),
			zap.String("level", string(out.Level)),
			zap.Int("credits", out.EstimatedCredits),
		)
		a.pub.Publish(notify.Event{
			Topic:    notify.TopicApprovalPending,
			Severity: "info",
			Message:  fmt.Sprintf("%s needs %s approval (%d credits)", out.Title, out.Level, out.EstimatedCredits),
			Details: map[string]any{
				"request_id": out.ID,
				"level":      string(out.Level),
				"credits":    out.EstimatedCredits,
			},
		})
	}
	return out, nil
}

// Approve approves a pending request.
func (a *Approvals) Approve(ctx context.Context, id, by string) (Request, error) {
	return a.resolve(ctx, id, by, "", StatusApproved)
}

// Reject rejects a pending request.
func (a *Approvals) Reject(ctx context.Context, id, by, note string) (Request, error) {
	return a.resolve(ctx, id, by, note, StatusRejected)
}

func (a *Approvals) resolve(ctx context.Context, id, by, note string, status RequestStatus) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, eris.Wrap(err, "credit: resolve request")
	}

	a.mu.Lock()
	r, ok := a.requests[id]
	if !ok {
		a.mu.Unlock()
		return Request{}, ErrUnknownRequest
	}
	if r.Status != StatusPending {
		out := *r
		a.mu.Unlock()
		return out, ErrNotPending
	}
	now := a.now().UTC()
	r.Status = status
	r.ResolvedAt = &now
	r.ResolvedBy = by
	r.Note = note
	out := *r
	hooks := append([]ResolveHook(nil), a.hooks...)
	a.mu.Unlock()

	a.pub.Publish(notify.Event{
		Topic:    notify.TopicApprovalResolved,
		Severity: "info",
		Message:  fmt.Sprintf("%s %s", out.Title, out.Status),
		Details: map[string]any{
			"request_id": out.ID,
			"status":     string(out.Status),
			"by":         by,
		},
	})
	for _, h := range hooks {
		h(out)
	}
	return out, nil
}

// Get returns a copy of the request with the given id.
func (a *Approvals) Get(id string) (Request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// Pending returns pending requests in submission order.
func (a *Approvals) Pending() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []Request{}
	for _, id := range a.order {
		if r := a.requests[id]; r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	return out
}
