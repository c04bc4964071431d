// Package artifact turns canonical domain snapshots into typed artifact
// payloads. Builders are deterministic: the only clock read is a single
// now() per build, used for synthetic event timestamps.
package artifact

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/model"
)

// ErrRestrictedLeak is logged when a built payload would expose a restricted
// factor score. The payload is dropped.
var ErrRestrictedLeak = eris.New("artifact: restricted factor score in payload")

// ErrUnknownType is returned by Expand for an artifact type with no builder.
var ErrUnknownType = eris.New("artifact: unknown type")

// Context is the entity snapshot a payload is built from.
type Context struct {
	Suppliers   []model.Supplier
	Portfolio   *model.Portfolio
	RiskChanges []model.RiskChange
	Commodity   *model.Commodity
	Inflation   *model.InflationSnapshot
	// WidgetData carries inflation-family widget data in its JSON wire shape.
	WidgetData json.RawMessage
	Report     *model.Report
}

// Payload is implemented by every artifact payload variant.
type Payload interface {
	ArtifactType() model.ArtifactType
}

// Artifact is a built payload with its discriminator.
type Artifact struct {
	Type    model.ArtifactType `json:"type"`
	Title   string             `json:"title"`
	Payload Payload            `json:"payload"`
}

// leakChecker is implemented by payloads that carry risk factors.
type leakChecker interface {
	restrictedLeak() bool
}

// Builder builds artifacts.
type Builder struct {
	now func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the clock used for synthetic timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a Builder using the wall clock.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build returns the artifact of type t, or nil when the inputs it needs are
// missing or the result would leak restricted data.
func (b *Builder) Build(t model.ArtifactType, c Context) *Artifact {
	a, _ := b.Expand(t, c)
	return a
}

// Expand is Build with the reason for a nil result: ErrUnknownType,
// ErrRestrictedLeak, or nil when the context lacks the data t needs.
func (b *Builder) Expand(t model.ArtifactType, c Context) (*Artifact, error) {
	now := b.now().UTC()

	var (
		p     Payload
		title string
	)
	switch t {
	case model.ArtifactSupplierTable:
		p, title = buildSupplierTable(c)
	case model.ArtifactSupplierDetail:
		p, title = buildSupplierDetail(c, now)
	case model.ArtifactSupplierComparison:
		p, title = buildSupplierComparison(c)
	case model.ArtifactPortfolioDashboard:
		p, title = buildPortfolioDashboard(c)
	case model.ArtifactSupplierAlternatives:
		p, title = buildSupplierAlternatives(c)
	case model.ArtifactInflationDashboard:
		p, title = buildInflationDashboard(c)
	case model.ArtifactDriverAnalysis:
		p, title = buildDriverAnalysis(c)
	case model.ArtifactImpactAnalysis:
		p, title = buildImpactAnalysis(c)
	case model.ArtifactJustificationReport:
		p, title = buildJustificationReport(c)
	case model.ArtifactScenarioPlanner:
		p, title = buildScenarioPlanner(c)
	case model.ArtifactExecutivePresentation:
		p, title = buildExecutivePresentation(c)
	case model.ArtifactCommodityDashboard:
		p, title = buildCommodityDashboard(c)
	case model.ArtifactDeepResearchReport:
		p, title = buildReport(c)
	default:
		zap.L().Warn("artifact: unknown type", zap.String("type", string(t)))
		return nil, eris.Wrapf(ErrUnknownType, "%q", t)
	}
	if p == nil {
		return nil, nil
	}

	if lc, ok := p.(leakChecker); ok && lc.restrictedLeak() {
		zap.L().Error("artifact: dropping payload",
			zap.String("type", string(t)),
			zap.Error(ErrRestrictedLeak),
		)
		return nil, ErrRestrictedLeak
	}

	return &Artifact{Type: t, Title: title, Payload: p}, nil
}

// Build uses a wall-clock Builder.
func Build(t model.ArtifactType, c Context) *Artifact {
	return NewBuilder().Build(t, c)
}
