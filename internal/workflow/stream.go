package workflow

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/neurobridge-genclient/internal/observability"
	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

var tracer = otel.Tracer("github.com/yungbote/neurobridge-genclient/internal/workflow")

const defaultChunkSize = 4 << 10

// streamConsumer reads one status stream and hands decoded messages to the
// orchestrator in wire order.
type streamConsumer struct {
	runner    JobRunner
	log       *logger.Logger
	metrics   *observability.Metrics
	chunkSize int
}

// consume returns nil when it was stopped (cancelled context or apply
// refusing further messages), errStreamEnded on a clean end of stream, and
// the transport error otherwise.
func (s *streamConsumer) consume(ctx context.Context, runID string, startIndex int, apply func([]Message) bool) error {
	ctx, span := tracer.Start(ctx, "workflow.stream", trace.WithAttributes(
		attribute.String("workflow.run_id", runID),
		attribute.Int("workflow.start_index", startIndex),
	))
	defer span.End()

	body, err := s.runner.Stream(ctx, runID, startIndex)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer body.Close()

	// Unblocks a pending Read when the stream is torn down.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	size := s.chunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	dec := NewDecoder()
	buf := make([]byte, size)
	applied := 0

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			dropped := dec.Dropped()
			msgs := dec.Feed(buf[:n])
			s.metrics.AddDecodeDropped(dec.Dropped() - dropped)
			if len(msgs) > 0 {
				if !apply(msgs) {
					return nil
				}
				applied += len(msgs)
				s.metrics.AddStreamMessages(len(msgs))
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		span.SetAttributes(attribute.Int("workflow.messages_applied", applied))
		if errors.Is(rerr, io.EOF) {
			if msgs := dec.Flush(); len(msgs) > 0 {
				if !apply(msgs) {
					return nil
				}
				s.metrics.AddStreamMessages(len(msgs))
			}
			return errStreamEnded
		}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, rerr.Error())
		return rerr
	}
}
