package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/neurobridge-genclient/internal/observability"
	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

// triggerController issues one start request per attempt. Re-entrancy is
// guarded by the orchestrator's latch, not here.
type triggerController struct {
	runner  JobRunner
	body    any
	log     *logger.Logger
	metrics *observability.Metrics
}

// begin is dispatched before the request goes out so the state reflects an
// in-flight trigger immediately.
func (t *triggerController) begin() Action {
	return TriggerStart{}
}

// request performs the call and returns the resulting action, or nil when
// the attempt was abandoned.
func (t *triggerController) request(ctx context.Context) Action {
	ctx, span := tracer.Start(ctx, "workflow.trigger")
	defer span.End()

	runID, err := t.runner.Trigger(ctx, t.body)
	if err != nil {
		if ctx.Err() != nil {
			t.log.Debug("Trigger abandoned", "error", err)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.metrics.IncTrigger("error")
		t.log.Warn("Trigger failed", "error", err)
		return SetError{Message: err.Error()}
	}

	span.SetAttributes(attribute.String("workflow.run_id", runID))
	t.metrics.IncTrigger("ok")
	t.log.Info("Workflow triggered", "run_id", runID)
	return TriggerSuccess{RunID: runID}
}
