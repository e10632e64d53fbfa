package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/aggregate")

// RunSummary is what an engine entry point reports back to its scheduler.
type RunSummary struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Merged    int `json:"merged"`
	Shielded  int `json:"shielded"`
	Assigned  int `json:"assigned"`
	Closed    int `json:"closed"`
	Errors    int `json:"errors"`
}

// Enricher proposes contextual labels for an alert about to be persisted.
// Enrichment is best-effort: any error is logged and the group persists
// without labels.
type Enricher interface {
	Labels(ctx context.Context, fingerprint string, events []*alert.Event) (map[string]string, error)
}

// Options carries the engine's optional collaborators and tuning.
type Options struct {
	// Enricher runs when EnrichEnabled is set; both may be nil.
	Enricher      Enricher
	EnrichEnabled bool

	// Notifier receives assignment decisions. Nil disables dispatch.
	Notifier Notifier

	// Indexer receives the post-mutation hook. Nil disables it.
	Indexer Indexer

	// Channels are the configured notification destinations.
	Channels []Channel

	// CloseAfter is the staleness threshold for RunAutoClose.
	CloseAfter time.Duration

	// Metrics may be nil (tests).
	Metrics *Metrics
}

// Engine owns alert mutation. Its entry points are idempotent and re-entrant:
// overlapping invocations are serialized per fingerprint by the store, and a
// cancelled run leaves nothing half-done because unconsumed events are simply
// picked up by the next tick.
type Engine struct {
	store  Store
	logger log.Logger
	opts   Options
	now    func() time.Time
}

// NewEngine creates the aggregation engine.
func NewEngine(store Store, logger log.Logger, opts Options) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.CloseAfter <= 0 {
		opts.CloseAfter = 20 * time.Minute
	}
	return &Engine{
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// RunAggregation executes one aggregation pass: select unconsumed events
// inside the window, group by fingerprint, create-or-merge alerts, evaluate
// shields, enrich, consume the events, then run the escalation stage.
func (e *Engine) RunAggregation(ctx context.Context, window time.Duration) (RunSummary, error) {
	start := e.now()
	var summary RunSummary

	ctx, span := tracer.Start(ctx, "engine.aggregate", trace.WithAttributes(
		attribute.String("klaxon.run.kind", "aggregate"),
		attribute.String("klaxon.run.window", window.String()),
	))
	defer span.End()

	shields, err := e.store.LoadActiveShields(ctx, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load shields failed")
		e.opts.Metrics.observeRun("aggregate", "error", time.Since(start).Seconds())
		return summary, fmt.Errorf("load shields: %w", err)
	}

	events, err := e.store.LoadUnconsumedEvents(ctx, start.Add(-window), start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load events failed")
		e.opts.Metrics.observeRun("aggregate", "error", time.Since(start).Seconds())
		return summary, fmt.Errorf("load events: %w", err)
	}

	groups := groupByFingerprint(events)
	for _, fp := range sortedKeys(groups) {
		if ctx.Err() != nil {
			// cancelled between groups: committed groups stand, the rest
			// stay unconsumed and retry next tick
			break
		}
		group := groups[fp]
		summary.Processed += len(group)
		if err := e.processGroup(ctx, fp, group, shields, start, window, &summary); err != nil {
			summary.Errors++
			e.logger.Error(ctx, err, "fingerprint group failed, continuing run", "fingerprint", fp)
		}
	}

	e.escalate(ctx, start, &summary)

	span.SetAttributes(
		attribute.Int("klaxon.run.processed", summary.Processed),
		attribute.Int("klaxon.run.created", summary.Created),
		attribute.Int("klaxon.run.merged", summary.Merged),
		attribute.Int("klaxon.run.errors", summary.Errors),
	)

	e.opts.Metrics.observeRun("aggregate", "ok", time.Since(start).Seconds())
	e.opts.Metrics.observeSummary(summary)

	e.logger.Info(ctx, "aggregation run complete",
		"processed", summary.Processed,
		"created", summary.Created,
		"merged", summary.Merged,
		"shielded", summary.Shielded,
		"assigned", summary.Assigned,
		"closed", summary.Closed,
		"errors", summary.Errors,
	)
	return summary, nil
}

func groupByFingerprint(events []*alert.Event) map[string][]*alert.Event {
	groups := make(map[string][]*alert.Event)
	for _, ev := range events {
		groups[ev.Fingerprint] = append(groups[ev.Fingerprint], ev)
	}
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].ReceivedAt.Before(group[j].ReceivedAt)
		})
	}
	return groups
}

func sortedKeys(m map[string][]*alert.Event) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// processGroup performs the create-or-merge for one fingerprint group inside
// a single store transaction.
func (e *Engine) processGroup(ctx context.Context, fp string, group []*alert.Event, shields []*alert.Shield, now time.Time, window time.Duration, summary *RunSummary) error {
	ctx, span := tracer.Start(ctx, "engine.group", trace.WithAttributes(
		attribute.String("klaxon.alert.fingerprint", fp),
		attribute.Int("klaxon.group.events", len(group)),
	))
	defer span.End()

	ids := make([]string, 0, len(group))
	for _, ev := range group {
		ids = append(ids, ev.ID)
	}

	// enrichment happens outside the transaction so no network call runs
	// while the fingerprint is locked
	labels := e.enrichLabels(ctx, fp, group)

	var created, merged, shielded, closedStale bool

	mutated, err := e.store.UpsertAlert(ctx, fp, ids, func(existing *alert.Alert, live []string) ([]*alert.Alert, error) {
		created, merged, shielded, closedStale = false, false, false, false
		var out []*alert.Alert

		// a competing run may have committed part of the group; only the
		// surviving events count, or the alert would tally them twice
		survivors := group
		if len(live) != len(ids) {
			keep := make(map[string]bool, len(live))
			for _, id := range live {
				keep[id] = true
			}
			survivors = make([]*alert.Event, 0, len(live))
			for _, ev := range group {
				if keep[ev.ID] {
					survivors = append(survivors, ev)
				}
			}
		}
		if len(survivors) == 0 {
			return nil, nil
		}

		earliest := survivors[0]
		latest := survivors[len(survivors)-1]
		groupLevel := earliest.Level
		for _, ev := range survivors {
			groupLevel = alert.MaxLevel(groupLevel, ev.Level)
		}

		if existing != nil && now.Sub(existing.LastEventAt) <= window {
			// merge: the window bounds new-alert creation, not continued
			// accumulation, so even events older than the window extend an
			// already-open alert
			existing.EventCount += len(survivors)
			if latest.ReceivedAt.After(existing.LastEventAt) {
				existing.LastEventAt = latest.ReceivedAt
			}
			existing.Level = alert.MaxLevel(existing.Level, groupLevel)
			mergeLabels(existing, labels)

			sh := matchShield(shields, alertTarget(existing), now)
			switch {
			case existing.State == alert.StateShielded && sh == nil:
				// shield lapsed and events still arrive: re-open
				if err := existing.TransitionTo(alert.StateOpen); err != nil {
					return nil, err
				}
				existing.ShieldID = ""
			case existing.State == alert.StateShielded:
				existing.ShieldID = sh.ID
			case existing.State == alert.StateOpen && sh != nil:
				if err := existing.TransitionTo(alert.StateShielded); err != nil {
					return nil, err
				}
				existing.ShieldID = sh.ID
				shielded = true
			}

			merged = true
			return append(out, existing), nil
		}

		if existing != nil {
			// open alert gone stale: close it in the same transaction that
			// creates its successor, keeping the one-open-alert invariant
			if err := existing.TransitionTo(alert.StateClosed); err != nil {
				return nil, err
			}
			closedStale = true
			out = append(out, existing)
		}

		next := &alert.Alert{
			ID:           "ALR-" + ulid.Make().String(),
			Fingerprint:  fp,
			Resource:     earliest.Resource,
			RuleKey:      earliest.RuleKey,
			SourceID:     earliest.SourceID,
			FirstEventAt: earliest.ReceivedAt,
			LastEventAt:  latest.ReceivedAt,
			EventCount:   len(survivors),
			Level:        groupLevel,
			State:        alert.StateOpen,
			Labels:       labels,
		}
		if sh := matchShield(shields, alertTarget(next), now); sh != nil {
			if err := next.TransitionTo(alert.StateShielded); err != nil {
				return nil, err
			}
			next.ShieldID = sh.ID
			shielded = true
		}
		created = true
		return append(out, next), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return err
	}

	if created {
		summary.Created++
	}
	if merged {
		summary.Merged++
	}
	if shielded {
		summary.Shielded++
	}
	if closedStale {
		summary.Closed++
	}

	for _, a := range mutated {
		e.fireIndexer(ctx, a.ID)
	}
	return nil
}

func (e *Engine) enrichLabels(ctx context.Context, fp string, group []*alert.Event) map[string]string {
	if !e.opts.EnrichEnabled || e.opts.Enricher == nil {
		return nil
	}
	labels, err := e.opts.Enricher.Labels(ctx, fp, group)
	if err != nil {
		e.logger.Warn(ctx, "enrichment failed, persisting without labels",
			"fingerprint", fp,
			"error", err,
		)
		return nil
	}
	return labels
}

func mergeLabels(a *alert.Alert, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	if a.Labels == nil {
		a.Labels = make(map[string]string, len(labels))
	}
	for k, v := range labels {
		a.Labels[k] = v
	}
}

// fireIndexer emits the search-index side effect without blocking or failing
// the run.
func (e *Engine) fireIndexer(ctx context.Context, alertID string) {
	if e.opts.Indexer == nil {
		return
	}
	go func(ctx context.Context) {
		if err := e.opts.Indexer.OnAlertMutated(ctx, alertID); err != nil {
			e.logger.Warn(ctx, "index update failed", "alert_id", alertID, "error", err)
		}
	}(context.WithoutCancel(ctx))
}
