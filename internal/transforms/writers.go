package transforms

import (
	"context"
	"strconv"

	"github.com/dyluth/folio/internal/executor"
	"github.com/dyluth/folio/pkg/blackboard"
)

// PageWriter adapts a function of one page's markdown into a transform that
// proposes page_observations.<page>.<field> for every page it can see. Per-page
// markdown comes from the previous step's page contents; a single-page request
// falls back to the previous output. The markdown is passed through as content,
// page contents included, so page writers can be chained.
func PageWriter(field string, derive func(markdown string) any) Func {
	return func(_ context.Context, req executor.Request) (executor.Output, error) {
		pages := req.Input.PreviousPages
		if len(pages) == 0 && len(req.Pages) == 1 {
			pages = map[int]string{req.Pages[0]: req.Input.Previous}
		}

		out := executor.Output{Content: req.Input.Previous, PageContents: req.Input.PreviousPages}
		for _, p := range req.Pages {
			md, ok := pages[p]
			if !ok {
				continue
			}
			out.Writes = append(out.Writes, executor.Write{
				Path:  blackboard.JoinPath(blackboard.RegionPageObservations, strconv.Itoa(p), field),
				Value: derive(md),
			})
		}
		return out, nil
	}
}
