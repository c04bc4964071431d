package engine

import (
	"time"

	"github.com/sells-group/abi-engine/internal/artifact"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/research"
	"github.com/sells-group/abi-engine/internal/scorer"
	"github.com/sells-group/abi-engine/internal/widget"
)

// Mode selects how much material a turn retrieves.
type Mode string

const (
	ModeFast      Mode = "fast"
	ModeReasoning Mode = "reasoning"
)

// Request is one user turn.
type Request struct {
	ConversationID   string             `json:"conversationId,omitempty"`
	UserID           string             `json:"userId,omitempty"`
	Text             string             `json:"text"`
	Mode             Mode               `json:"mode,omitempty"`
	WebSearchEnabled bool               `json:"webSearchEnabled"`
	DeepResearchMode bool               `json:"deepResearchMode"`
	CreditsAvailable *int               `json:"creditsAvailable,omitempty"`
	BuilderHint      *model.BuilderHint `json:"builderMeta,omitempty"`

	// History is the conversation so far, oldest first.
	History       []model.Message      `json:"conversationHistory,omitempty"`
	RenderContext widget.RenderContext `json:"renderContext,omitempty"`

	OnMilestone func(Milestone) `json:"-"`
}

// Stage names a point in the assembly of a response.
type Stage string

const (
	StageClassifying Stage = "classifying"
	StageRetrieving  Stage = "retrieving"
	StageComposing   Stage = "composing"
	StageResearch    Stage = "research"
	StageDone        Stage = "done"
)

// Milestone is a progress note emitted while a turn is assembled.
type Milestone struct {
	Stage Stage  `json:"stage"`
	Label string `json:"label"`
}

// EnhancementType is a way to widen the material behind an answer.
type EnhancementType string

const (
	EnhanceAddWeb       EnhancementType = "add_web"
	EnhanceDeepResearch EnhancementType = "deep_research"
	EnhanceAnalyst      EnhancementType = "analyst"
	EnhanceExpert       EnhancementType = "expert"
)

// Enhancement is one source-enhancement suggestion.
type Enhancement struct {
	Type  EnhancementType `json:"type"`
	Label string          `json:"label"`
}

// SourceEnhancement is derived from the response's source mix alone.
type SourceEnhancement struct {
	Mix         model.SourceMix `json:"mix"`
	Suggestions []Enhancement   `json:"suggestions"`
}

// Canonical is the UI-agnostic core of a response.
type Canonical struct {
	Body              string             `json:"body"`
	SourceEnhancement SourceEnhancement  `json:"sourceEnhancement"`
	ValueLadder       *model.ValueLadder `json:"valueLadder,omitempty"`
}

// Response is the structured result of a turn. Failures are carried in Error;
// SendMessage never returns a Go error.
type Response struct {
	ID              string                    `json:"id"`
	ConversationID  string                    `json:"conversationId,omitempty"`
	Content         string                    `json:"content"`
	Intent          model.IntentResult        `json:"intent"`
	Sources         []model.Source            `json:"sources"`
	Canonical       Canonical                 `json:"canonical"`
	Suggestions     []string                  `json:"suggestions"`
	Acknowledgement string                    `json:"acknowledgement,omitempty"`
	Artifact        *artifact.Artifact        `json:"artifact,omitempty"`
	Widget          *widget.Selection         `json:"widget,omitempty"`
	DeepResearch    *scorer.DeepResearchScore `json:"deepResearch,omitempty"`
	Research        *research.Job             `json:"research,omitempty"`
	Error           *model.ResponseError      `json:"error,omitempty"`
	CreatedAt       time.Time                 `json:"createdAt"`
}

// ExpandRequest asks for the artifact behind a widget.
type ExpandRequest struct {
	Type     model.ArtifactType `json:"type"`
	Text     string             `json:"text,omitempty"`
	Entities model.Entities     `json:"entities"`

	// JobID names the research job whose report is expanded.
	JobID string `json:"jobId,omitempty"`
}

// ExpandResult is the outcome of ExpandArtifact.
type ExpandResult struct {
	Artifact *artifact.Artifact   `json:"artifact,omitempty"`
	Error    *model.ResponseError `json:"error,omitempty"`
}
