package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

var zeroTime time.Time

// CohortSummary is the outcome of a shield-based bulk operation.
type CohortSummary struct {
	EventsSuppressed int `json:"events_suppressed"`
	AlertsClosed     int `json:"alerts_closed"`
}

// CloseShieldCohort bulk-suppresses everything an active shield matches:
// pending unconsumed events are consumed without ever becoming alerts, and
// matching non-closed alerts are closed. It surfaces alert.ErrShieldNotFound
// when the ID does not resolve to an active shield and alert.ErrEventNotFound
// when the cohort selection yields zero events, in both cases without any
// state change.
func (e *Engine) CloseShieldCohort(ctx context.Context, shieldID string) (CohortSummary, error) {
	var summary CohortSummary
	now := e.now()

	ctx, span := tracer.Start(ctx, "engine.cohort_close", trace.WithAttributes(
		attribute.String("klaxon.shield.id", shieldID),
	))
	defer span.End()

	sh, ok, err := e.store.GetShield(ctx, shieldID)
	if err != nil {
		return summary, err
	}
	if !ok || !sh.ActiveAt(now) {
		return summary, alert.ErrShieldNotFound
	}

	events, err := e.store.LoadUnconsumedEvents(ctx, zeroTime, now)
	if err != nil {
		return summary, err
	}
	matched := make(map[string][]string)
	total := 0
	for _, ev := range events {
		if shieldMatches(sh, eventTarget(ev)) {
			matched[ev.Fingerprint] = append(matched[ev.Fingerprint], ev.ID)
			total++
		}
	}
	if total == 0 {
		return summary, fmt.Errorf("%w: shield %s", alert.ErrEventNotFound, shieldID)
	}

	// consume through the per-fingerprint locked path so an aggregation run
	// that loaded the same events before us cannot fold them into an alert
	// after our claim commits
	for fp, ids := range matched {
		suppressed := 0
		_, err := e.store.UpsertAlert(ctx, fp, ids, func(_ *alert.Alert, live []string) ([]*alert.Alert, error) {
			suppressed = len(live)
			return nil, nil
		})
		if err != nil {
			return summary, err
		}
		summary.EventsSuppressed += suppressed
	}

	alerts, err := e.store.ListAlerts(ctx, alert.StateOpen, alert.StateShielded, alert.StateAssigned)
	if err != nil {
		return summary, err
	}
	for _, a := range alerts {
		if !shieldMatches(sh, alertTarget(a)) {
			continue
		}
		closed, err := e.claimClose(ctx, a, false)
		if err != nil {
			e.logger.Error(ctx, err, "cohort close failed", "alert_id", a.ID, "shield_id", shieldID)
			continue
		}
		if closed {
			summary.AlertsClosed++
		}
	}

	span.SetAttributes(
		attribute.Int("klaxon.cohort.events_suppressed", summary.EventsSuppressed),
		attribute.Int("klaxon.cohort.alerts_closed", summary.AlertsClosed),
	)

	e.logger.Info(ctx, "shield cohort closed",
		"shield_id", shieldID,
		"events_suppressed", summary.EventsSuppressed,
		"alerts_closed", summary.AlertsClosed,
	)
	return summary, nil
}
