package application

import (
	"context"

	"github.com/loopgate/loopgate/internal/domain/entity"
	"github.com/loopgate/loopgate/internal/domain/service"
	"github.com/loopgate/loopgate/internal/infrastructure/catalog"
	"github.com/loopgate/loopgate/internal/infrastructure/invoker"
)

// toolBridge adapts invoker.Invoker + catalog.Catalog → service.ToolRunner.
// It keeps the domain layer free of infrastructure imports: the pipeline
// plans against entity.ToolView and consumes entity.StepResult, never the
// invoker's own types.
type toolBridge struct {
	invoker *invoker.Invoker
	catalog *catalog.Catalog
	noCache bool
}

var _ service.ToolRunner = (*toolBridge)(nil)

// Run implements service.ToolRunner.Run. Invocation failures come back as
// data inside the StepResult, never as a panic or a dropped step.
func (b *toolBridge) Run(ctx context.Context, tool string, args map[string]interface{}) entity.StepResult {
	out := b.invoker.ExecuteTool(ctx, invoker.Request{
		Tool:      tool,
		Arguments: args,
		NoCache:   b.noCache,
	})
	return entity.StepResult{
		Success:         out.Success,
		ToolName:        out.ToolName,
		ServerName:      out.ServerName,
		Result:          out.Result,
		Error:           out.Error,
		ExecutionTimeMS: out.ExecutionTimeMS,
	}
}

// AvailableTools implements service.ToolRunner.AvailableTools. Tools the
// catalog knows to be unavailable stay out of the planner's view.
func (b *toolBridge) AvailableTools() []entity.ToolView {
	entries := b.catalog.Tools()
	views := make([]entity.ToolView, 0, len(entries))
	for _, e := range entries {
		if e.Availability == catalog.AvailabilityUnavailable {
			continue
		}
		views = append(views, entity.ToolView{
			Name:        e.Name,
			Server:      e.ServerName,
			Description: e.Description,
		})
	}
	return views
}
