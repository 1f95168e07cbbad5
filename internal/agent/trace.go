package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/tools"
	"github.com/moziai/mozi/internal/tracing"
)

// emitModelSpan records one model call on the trace collector.
func (r *Runner) emitModelSpan(b *Binding, req RunRequest, iteration int, start time.Time, resp *providers.ChatResponse, callErr error) {
	if r.tracer == nil {
		return
	}
	sp := tracing.Span{
		RunID:     req.RunID,
		Kind:      tracing.KindModelCall,
		Name:      fmt.Sprintf("%s #%d", b.ModelRef(), iteration),
		AgentID:   b.AgentID,
		StartTime: start,
		EndTime:   time.Now().UTC(),
	}
	if callErr != nil {
		sp.Error = callErr.Error()
	} else if resp != nil && resp.Usage != nil {
		sp.InputTokens = resp.Usage.PromptTokens
		sp.OutputTokens = resp.Usage.CompletionTokens
	}
	r.tracer.Emit(sp)
}

// emitToolSpan records one tool execution. The run id travels on the
// turn context rather than the call chain.
func (r *Runner) emitToolSpan(ctx context.Context, b *Binding, tc providers.ToolCall, start time.Time, res *tools.Result) {
	if r.tracer == nil {
		return
	}
	sp := tracing.Span{
		RunID:     tracing.RunIDFromContext(ctx),
		Kind:      tracing.KindToolCall,
		Name:      tc.Name,
		AgentID:   b.AgentID,
		StartTime: start,
		EndTime:   time.Now().UTC(),
	}
	if res != nil && res.IsError {
		sp.Error = truncateForEvent(res.ForLLM)
	}
	r.tracer.Emit(sp)
}
