package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/neurobridge-genclient/internal/observability"
	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

// poller is the backstop that detects a terminal run status even when the
// stream stalls or drops. At most one request is in flight; the next tick is
// scheduled only after the previous result has been dispatched.
type poller struct {
	runner   JobRunner
	interval time.Duration
	log      *logger.Logger
	metrics  *observability.Metrics
}

func (p *poller) run(ctx context.Context, runID string, dispatch func(Action) bool) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if a := p.poll(ctx, runID); a != nil {
			dispatch(a)
		}
		timer.Reset(p.interval)
	}
}

func (p *poller) poll(ctx context.Context, runID string) Action {
	ctx, span := tracer.Start(ctx, "workflow.poll", trace.WithAttributes(
		attribute.String("workflow.run_id", runID),
	))
	defer span.End()

	rep, err := p.runner.Status(ctx, runID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.IncPoll("error")
		p.log.Warn("Status poll failed", "run_id", runID, "error", err)
		return nil
	}
	p.metrics.IncPoll(string(rep.Status))

	switch rep.Status {
	case RunCompleted:
		return WorkflowCompleted{}
	case RunFailed:
		msg := rep.Error
		if msg == "" {
			msg = "workflow run failed"
		}
		return SetError{Message: msg}
	default:
		return nil
	}
}
