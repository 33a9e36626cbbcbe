package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quantfold/arbengine/internal/domain"
)

// Reporter archives terminal plan events as JSON objects under a
// plans/yyyy/mm/dd/<plan_id>.json layout so the external dashboard can
// reconcile fills against inventory. Upload failures are logged, never
// propagated: archiving must not stall the execution path.
type Reporter struct {
	writer *Writer
	logger *slog.Logger
}

var _ domain.EventSink = (*Reporter)(nil)

// NewReporter creates a Reporter backed by the given writer.
func NewReporter(writer *Writer, logger *slog.Logger) *Reporter {
	return &Reporter{
		writer: writer,
		logger: logger.With(slog.String("component", "s3reporter")),
	}
}

// PlanEvent uploads the event.
func (r *Reporter) PlanEvent(ctx context.Context, event domain.PlanEvent) {
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		r.logger.Error("marshal plan event failed",
			slog.String("plan_id", event.PlanID), slog.Any("error", err))
		return
	}

	key := fmt.Sprintf("plans/%04d/%02d/%02d/%s.json",
		event.At.Year(), event.At.Month(), event.At.Day(), event.PlanID)
	if err := r.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		r.logger.Error("plan event upload failed",
			slog.String("plan_id", event.PlanID),
			slog.String("key", key),
			slog.Any("error", err),
		)
		return
	}
	r.logger.Debug("plan event archived", slog.String("key", key))
}
