package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

const maxEventEvidence = 8

// Events surfaces operational events overlapping the scope as context. It
// never claims quantitative impact; events inform the brief, not the ranking.
type Events struct {
	snap snapshot.Provider
}

// NewEvents creates the events analyzer.
func NewEvents(snap snapshot.Provider) *Events {
	return &Events{snap: snap}
}

func (e *Events) Domain() model.Domain { return model.DomainEvents }

func (e *Events) Analyze(ctx context.Context, in Input) (*model.Finding, error) {
	rows, err := e.snap.Rows(ctx, snapshot.TableEvents, in.Scope)
	if err != nil {
		return nil, eris.Wrap(err, "events: load rows")
	}
	if len(rows) == 0 {
		return nil, eris.Wrap(ErrNoData, "events")
	}

	evidence := make([]string, 0, len(rows))
	byType := map[string]int{}
	for _, r := range rows {
		byType[r.Attrs["type"]]++
		var bits []string
		if d := r.Attrs["date"]; d != "" {
			bits = append(bits, d)
		}
		if t := r.Attrs["type"]; t != "" {
			bits = append(bits, t)
		}
		if s := r.Attrs["summary"]; s != "" {
			bits = append(bits, s)
		}
		if len(bits) > 0 {
			evidence = append(evidence, strings.Join(bits, ": "))
		}
	}
	sort.Strings(evidence)
	if len(evidence) > maxEventEvidence {
		evidence = evidence[:maxEventEvidence]
	}

	types := make([]string, 0, len(byType))
	for t := range byType {
		if t != "" {
			types = append(types, t)
		}
	}
	sort.Strings(types)

	summary := fmt.Sprintf("%d events in period", len(rows))
	if len(types) > 0 {
		summary += " (" + strings.Join(types, ", ") + ")"
	}

	return &model.Finding{
		Domain:   model.DomainEvents,
		Impact:   0,
		Metrics:  map[string]float64{"event_count": float64(len(rows))},
		Summary:  summary,
		Evidence: evidence,
	}, nil
}
