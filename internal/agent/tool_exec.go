package agent

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/clinagent/pkg/models"
)

type dispatchOutcome struct {
	result ToolResult
	err    error
}

// executeTool dispatches one call under the tool timeout.
//
// The tool runs on a context detached from ctx's cancellation, so a caller
// hanging up does not interrupt it. In that case executeTool returns
// ErrStreamCancelled at once and the tool's eventual result is logged and
// discarded. A tool that outlives ToolTimeout yields ErrTimeout.
//
// When the dispatch is abandoned the returned channel is non-nil and closes
// once the tool has actually returned; the session stays locked until then.
func (l *AgenticLoop) executeTool(ctx context.Context, call models.ToolCall) (ToolResult, <-chan struct{}, error) {
	toolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.ToolTimeout)
	toolCtx, span := l.tracer.TraceToolExecution(toolCtx, call.Name, call.ID)

	results := make(chan dispatchOutcome)
	abandoned := make(chan struct{})
	finished := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(finished)
		defer cancel()
		defer span.End()

		res, err := l.registry.Dispatch(toolCtx, call)
		status := "success"
		switch {
		case err != nil:
			status = "error"
			l.tracer.RecordError(span, err)
		case !res.Success:
			status = "failure"
		}
		l.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())

		select {
		case results <- dispatchOutcome{result: res, err: err}:
		case <-abandoned:
			l.logger.InfoContext(toolCtx, "tool execution completed after run ended, result discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"success", res.Success,
				"elapsed", time.Since(start))
		}
	}()

	select {
	case out := <-results:
		return out.result, nil, out.err
	case <-toolCtx.Done():
		close(abandoned)
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			l.logger.WarnContext(ctx, "tool execution timed out",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"timeout", l.config.ToolTimeout)
			return ToolResult{}, finished, ErrTimeout
		}
		return ToolResult{}, finished, toolCtx.Err()
	case <-ctx.Done():
		close(abandoned)
		return ToolResult{}, finished, ErrStreamCancelled
	}
}
