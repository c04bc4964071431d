package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/artifact"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/retrieval"
)

// ExpandArtifact builds the artifact a widget expands to. Research reports
// come from the job named in req; every other type is rebuilt from freshly
// retrieved material so the payload reflects the current snapshot.
func (e *Engine) ExpandArtifact(ctx context.Context, req ExpandRequest) ExpandResult {
	log := zap.L().With(zap.String("artifact_type", string(req.Type)))
	if !req.Type.Valid() {
		return ExpandResult{Error: &model.ResponseError{Message: "Unknown artifact type", Kind: model.ErrBadInput}}
	}

	var c artifact.Context
	if req.Type == model.ArtifactDeepResearchReport {
		report := e.report(req.JobID)
		if report == nil {
			return ExpandResult{Error: &model.ResponseError{Message: "No completed report for that research job", Kind: model.ErrBadInput}}
		}
		c.Report = report
	} else {
		res, err := e.retrieve(ctx, retrieval.Query{
			Text:     req.Text,
			Entities: req.Entities,
			Limit:    reasoningLimit,
		})
		if err != nil {
			log.Warn("engine: retrieval for artifact failed", zap.Error(err))
			return ExpandResult{Error: retrievalError(ctx, err)}
		}
		res.Suppliers = model.RedactSuppliers(res.Suppliers)
		c = artifactContext(res, req.Type)
	}

	art, err := e.builder.Expand(req.Type, c)
	switch {
	case errors.Is(err, artifact.ErrRestrictedLeak):
		return ExpandResult{Error: &model.ResponseError{Message: "This view contains restricted data and can't be shown", Kind: model.ErrRestrictedLeak}}
	case err != nil:
		return ExpandResult{Error: &model.ResponseError{Message: "Unknown artifact type", Kind: model.ErrBadInput}}
	case art == nil:
		return ExpandResult{Error: &model.ResponseError{Message: "Not enough data to build this view", CanRetry: true, Kind: model.ErrBadInput}}
	}
	log.Debug("engine: artifact expanded", zap.String("title", art.Title))
	return ExpandResult{Artifact: art}
}

func (e *Engine) report(jobID string) *model.Report {
	if e.research == nil || jobID == "" {
		return nil
	}
	job, ok := e.research.Get(jobID)
	if !ok {
		return nil
	}
	return job.Report
}
