package aggregate

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// RunAutoClose closes every non-closed alert whose last event is older than
// the configured staleness threshold. It runs on its own schedule and is
// idempotent: an alert closed by an overlapping run is simply skipped.
func (e *Engine) RunAutoClose(ctx context.Context) (RunSummary, error) {
	start := e.now()
	var summary RunSummary

	ctx, span := tracer.Start(ctx, "engine.autoclose", trace.WithAttributes(
		attribute.String("klaxon.run.kind", "autoclose"),
		attribute.String("klaxon.run.close_after", e.opts.CloseAfter.String()),
	))
	defer span.End()

	alerts, err := e.store.ListAlerts(ctx, alert.StateOpen, alert.StateShielded, alert.StateAssigned)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list alerts failed")
		e.opts.Metrics.observeRun("autoclose", "error", time.Since(start).Seconds())
		return summary, err
	}

	for _, a := range alerts {
		if ctx.Err() != nil {
			break
		}
		if a.LastEventAt.IsZero() || start.Sub(a.LastEventAt) <= e.opts.CloseAfter {
			continue
		}
		closed, err := e.claimClose(ctx, a, true)
		if err != nil {
			summary.Errors++
			e.logger.Error(ctx, err, "auto-close failed", "alert_id", a.ID)
			continue
		}
		if closed {
			summary.Closed++
		}
	}

	span.SetAttributes(
		attribute.Int("klaxon.run.candidates", len(alerts)),
		attribute.Int("klaxon.run.closed", summary.Closed),
		attribute.Int("klaxon.run.errors", summary.Errors),
	)

	e.opts.Metrics.observeRun("autoclose", "ok", time.Since(start).Seconds())
	e.opts.Metrics.observeSummary(RunSummary{Closed: summary.Closed, Errors: summary.Errors})

	e.logger.Info(ctx, "auto-close run complete",
		"candidates", len(alerts),
		"closed", summary.Closed,
		"errors", summary.Errors,
	)
	return summary, nil
}

// claimClose closes one alert under the per-fingerprint lock. With staleOnly
// set it re-checks the staleness threshold inside the lock and backs off when
// the alert gained fresh events since it was listed. Returns false when the
// claim found nothing left to do.
func (e *Engine) claimClose(ctx context.Context, a *alert.Alert, staleOnly bool) (bool, error) {
	var closed bool
	_, err := e.store.UpsertAlert(ctx, a.Fingerprint, nil, func(existing *alert.Alert, _ []string) ([]*alert.Alert, error) {
		closed = false
		if existing == nil || existing.ID != a.ID {
			return nil, nil
		}
		if staleOnly && e.now().Sub(existing.LastEventAt) <= e.opts.CloseAfter {
			// merged again since we listed it
			return nil, nil
		}
		if err := existing.TransitionTo(alert.StateClosed); err != nil {
			return nil, err
		}
		closed = true
		return []*alert.Alert{existing}, nil
	})
	if err != nil || !closed {
		return false, err
	}
	e.fireIndexer(ctx, a.ID)
	return true, nil
}
