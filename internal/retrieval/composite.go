package retrieval

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/resilience"
)

// ErrAllFailed is returned when every retriever in a composite fails.
var ErrAllFailed = eris.New("retrieval: every retriever failed")

// Composite queries several retrievers concurrently and merges their results
// in declaration order. A failing retriever is logged and skipped; the
// composite fails only when all of them do.
type Composite struct {
	retrievers []Retriever
	breakers   *resilience.Breakers
}

// NewComposite creates a composite. breakers may be nil.
func NewComposite(breakers *resilience.Breakers, retrievers ...Retriever) *Composite {
	return &Composite{retrievers: retrievers, breakers: breakers}
}

// Name implements Retriever.
func (c *Composite) Name() string {
	names := make([]string, 0, len(c.retrievers))
	for _, r := range c.retrievers {
		names = append(names, r.Name())
	}
	return "composite(" + strings.Join(names, ",") + ")"
}

// Retrieve implements Retriever.
func (c *Composite) Retrieve(ctx context.Context, q Query) (*Result, error) {
	results := make([]*Result, len(c.retrievers))
	errs := make([]error, len(c.retrievers))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.retrievers {
		g.Go(func() error {
			call := func(ctx context.Context) (*Result, error) { return r.Retrieve(ctx, q) }
			var res *Result
			var err error
			if c.breakers != nil {
				res, err = resilience.ExecuteVal(gctx, c.breakers.Get(r.Name()), call)
			} else {
				res, err = call(gctx)
			}
			if err != nil {
				zap.L().Warn("retrieval: retriever failed",
					zap.String("retriever", r.Name()),
					zap.Error(err),
				)
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "retrieval: composite")
	}

	merged := &Result{}
	ok := false
	var transient error
	for i, res := range results {
		if errs[i] != nil {
			if resilience.IsTransient(errs[i]) {
				transient = errs[i]
			}
			continue
		}
		ok = true
		merge(merged, res)
	}
	if !ok && len(c.retrievers) > 0 {
		if transient != nil {
			return nil, resilience.Transient(eris.Wrapf(ErrAllFailed, "last: %v", transient))
		}
		return nil, eris.Wrapf(ErrAllFailed, "first: %v", errs[0])
	}
	merged.Sources = model.DedupeSources(merged.Sources)
	return merged, nil
}

func merge(dst, src *Result) {
	if src == nil {
		return
	}
	dst.Sources = append(dst.Sources, src.Sources...)
	if dst.Suppliers == nil {
		dst.Suppliers = src.Suppliers
	}
	if dst.RiskChanges == nil {
		dst.RiskChanges = src.RiskChanges
	}
	if dst.Portfolio == nil {
		dst.Portfolio = src.Portfolio
	}
	if dst.Commodity == nil {
		dst.Commodity = src.Commodity
	}
	if dst.Inflation == nil {
		dst.Inflation = src.Inflation
	}
	for k, v := range src.WidgetData {
		if dst.WidgetData == nil {
			dst.WidgetData = make(map[model.ArtifactType]json.RawMessage)
		}
		if _, exists := dst.WidgetData[k]; !exists {
			dst.WidgetData[k] = v
		}
	}
	if src.Summary != "" {
		if dst.Summary != "" {
			dst.Summary += "\n\n"
		}
		dst.Summary += src.Summary
	}
}
