package aggregate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/aggregate"
	"github.com/linnemanlabs/klaxon/internal/aggregate/memstore"
	"github.com/linnemanlabs/klaxon/internal/alert"
)

const window = 10 * time.Minute

// mockNotifier records assignment dispatches.
type mockNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockNotifier) OnAlertAssigned(_ context.Context, alertID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, alertID+"->"+channelID)
	return m.err
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockIndexer signals every mutation hook on a channel.
type mockIndexer struct {
	ch chan string
}

func (m *mockIndexer) OnAlertMutated(_ context.Context, alertID string) error {
	select {
	case m.ch <- alertID:
	default:
	}
	return nil
}

// mockEnricher returns fixed labels or an error.
type mockEnricher struct {
	labels map[string]string
	err    error
}

func (m *mockEnricher) Labels(context.Context, string, []*alert.Event) (map[string]string, error) {
	return m.labels, m.err
}

func stageEvent(t *testing.T, s *memstore.Store, id, resource, rule string, level alert.Level, at time.Time) *alert.Event {
	t.Helper()
	ev := &alert.Event{
		ID:          id,
		SourceID:    "S1",
		ReceivedAt:  at,
		Resource:    resource,
		RuleKey:     rule,
		Level:       level,
		Fingerprint: alert.Fingerprint(resource, rule, "S1"),
	}
	if err := s.InsertEvents(context.Background(), []*alert.Event{ev}); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}
	return ev
}

func openAlerts(t *testing.T, s *memstore.Store) []*alert.Alert {
	t.Helper()
	out, err := s.ListAlerts(context.Background(), alert.StateOpen, alert.StateShielded, alert.StateAssigned)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	return out
}

func TestAggregationGroupsEventsIntoOneAlert(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	now := time.Now()

	// three raw alerts for the same condition within 2 minutes
	stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelWarning, now.Add(-2*time.Minute))
	stageEvent(t, s, "EVT-2", "web-1", "cpu_high", alert.LevelCritical, now.Add(-time.Minute))
	stageEvent(t, s, "EVT-3", "web-1", "cpu_high", alert.LevelError, now.Add(-30*time.Second))

	summary, err := eng.RunAggregation(context.Background(), window)
	if err != nil {
		t.Fatalf("RunAggregation: %v", err)
	}
	if summary.Processed != 3 || summary.Created != 1 || summary.Merged != 0 {
		t.Errorf("summary = %+v, want processed=3 created=1 merged=0", summary)
	}

	alerts := openAlerts(t, s)
	if len(alerts) != 1 {
		t.Fatalf("got %d open alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.EventCount != 3 {
		t.Errorf("event_count = %d, want 3", a.EventCount)
	}
	if a.Level != alert.LevelCritical {
		t.Errorf("level = %s, want critical (max of the three)", a.Level)
	}
	if a.State != alert.StateOpen {
		t.Errorf("state = %s, want open", a.State)
	}
	if !a.FirstEventAt.Equal(now.Add(-2 * time.Minute)) {
		t.Errorf("first_event_at = %v, want the earliest event", a.FirstEventAt)
	}
	if !a.LastEventAt.Equal(now.Add(-30 * time.Second)) {
		t.Errorf("last_event_at = %v, want the latest event", a.LastEventAt)
	}
}

func TestAggregationIsIdempotent(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	now := time.Now()

	stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelError, now)

	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := eng.RunAggregation(context.Background(), window)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Created != 0 || second.Merged != 0 || second.Processed != 0 {
		t.Errorf("second run = %+v, want all zero (events already consumed)", second)
	}
}

func TestMergeNeverLowersSeverity(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	now := time.Now()

	stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelCritical, now.Add(-time.Minute))
	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("run: %v", err)
	}

	stageEvent(t, s, "EVT-2", "web-1", "cpu_high", alert.LevelWarning, now)
	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("run: %v", err)
	}

	a := openAlerts(t, s)[0]
	if a.Level != alert.LevelCritical {
		t.Errorf("level = %s, lower-severity merge must not lower it", a.Level)
	}
	if a.EventCount != 2 {
		t.Errorf("event_count = %d, want 2", a.EventCount)
	}

	stageEvent(t, s, "EVT-3", "web-1", "cpu_high", alert.LevelNoData, now)
	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("run: %v", err)
	}
	a = openAlerts(t, s)[0]
	if a.Level != alert.LevelNoData {
		t.Errorf("level = %s, higher-severity merge must raise it", a.Level)
	}
}

func TestWindowBoundary(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	ctx := context.Background()
	now := time.Now()
	fp := alert.Fingerprint("web-1", "cpu_high", "S1")

	// inside the window: merge onto the existing open alert
	_, err := s.UpsertAlert(ctx, fp, nil, func(*alert.Alert, []string) ([]*alert.Alert, error) {
		return []*alert.Alert{{
			ID: "ALR-old", Fingerprint: fp, Resource: "web-1", RuleKey: "cpu_high",
			State: alert.StateOpen, EventCount: 1, Level: alert.LevelWarning,
			FirstEventAt: now.Add(-window + time.Second), LastEventAt: now.Add(-window + time.Second),
		}}, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	stageEvent(t, s, "EVT-in", "web-1", "cpu_high", alert.LevelWarning, now)
	summary, err := eng.RunAggregation(ctx, window)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Merged != 1 || summary.Created != 0 {
		t.Errorf("inside window: summary = %+v, want one merge", summary)
	}
	if got := openAlerts(t, s); len(got) != 1 || got[0].ID != "ALR-old" {
		t.Fatalf("inside window: open alerts = %+v, want just ALR-old", got)
	}
}

func TestWindowBoundaryStaleAlertRollsOver(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	ctx := context.Background()
	now := time.Now()
	fp := alert.Fingerprint("web-1", "cpu_high", "S1")

	// last event one second past the window
	_, err := s.UpsertAlert(ctx, fp, nil, func(*alert.Alert, []string) ([]*alert.Alert, error) {
		return []*alert.Alert{{
			ID: "ALR-old", Fingerprint: fp, Resource: "web-1", RuleKey: "cpu_high",
			State: alert.StateOpen, EventCount: 4, Level: alert.LevelError,
			FirstEventAt: now.Add(-time.Hour), LastEventAt: now.Add(-window - time.Second),
		}}, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	stageEvent(t, s, "EVT-new", "web-1", "cpu_high", alert.LevelWarning, now)
	summary, err := eng.RunAggregation(ctx, window)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Created != 1 || summary.Merged != 0 || summary.Closed != 1 {
		t.Errorf("summary = %+v, want created=1 closed=1", summary)
	}

	old, _, _ := s.GetAlert(ctx, "ALR-old")
	if old.State != alert.StateClosed {
		t.Errorf("stale alert state = %s, want closed", old.State)
	}
	open := openAlerts(t, s)
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want exactly 1 (invariant)", len(open))
	}
	if open[0].ID == "ALR-old" || open[0].EventCount != 1 {
		t.Errorf("successor = %+v, want a fresh alert with one event", open[0])
	}
}

func TestShieldedAlertCreation(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	s.AddShield(&alert.Shield{
		ID:         "SH1",
		ActiveFrom: time.Now().Add(-time.Hour),
		Conditions: [][]alert.ShieldCondition{{{Field: "resource", Op: "eq", Value: "db-01"}}},
	})
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	now := time.Now()

	stageEvent(t, s, "EVT-1", "db-01", "disk_full", alert.LevelError, now)
	stageEvent(t, s, "EVT-2", "web-1", "cpu_high", alert.LevelError, now)

	summary, err := eng.RunAggregation(context.Background(), window)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Created != 2 || summary.Shielded != 1 {
		t.Errorf("summary = %+v, want created=2 shielded=1", summary)
	}

	for _, a := range openAlerts(t, s) {
		switch a.Resource {
		case "db-01":
			if a.State != alert.StateShielded || a.ShieldID != "SH1" {
				t.Errorf("db-01 alert = %+v, want shielded by SH1", a)
			}
		case "web-1":
			if a.State != alert.StateOpen {
				t.Errorf("web-1 alert state = %s, want open", a.State)
			}
		}
	}
}

func TestShieldedAlertReopensWhenShieldLapses(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	sh := &alert.Shield{
		ID:         "SH1",
		ActiveFrom: time.Now().Add(-time.Hour),
		Conditions: [][]alert.ShieldCondition{{{Field: "resource", Op: "eq", Value: "db-01"}}},
	}
	s.AddShield(sh)
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	now := time.Now()

	stageEvent(t, s, "EVT-1", "db-01", "disk_full", alert.LevelError, now.Add(-time.Minute))
	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("run: %v", err)
	}

	// shield removed, new events still arriving
	s.RemoveShield("SH1")
	stageEvent(t, s, "EVT-2", "db-01", "disk_full", alert.LevelError, now)
	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("run: %v", err)
	}

	a := openAlerts(t, s)[0]
	if a.State != alert.StateOpen {
		t.Errorf("state = %s, want open after shield lapse", a.State)
	}
	if a.ShieldID != "" {
		t.Errorf("shield_id = %q, want cleared", a.ShieldID)
	}
	if a.EventCount != 2 {
		t.Errorf("event_count = %d, shielded alert must keep accumulating", a.EventCount)
	}
}

func TestEscalation(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	s.SetNotifyPolicy(&alert.NotifyPolicy{NotifyEvery: 5 * time.Minute, NotifyChannel: "webhook"})
	notifier := &mockNotifier{}
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{
		Notifier: notifier,
		Channels: []aggregate.Channel{
			{ID: "mail-ops", Type: "email"},
			{ID: "hook-ops", Type: "webhook"},
			{ID: "hook-backup", Type: "webhook"},
		},
	})
	ctx := context.Background()
	now := time.Now()

	// old enough to escalate
	_, _ = s.UpsertAlert(ctx, "fp-old", nil, func(*alert.Alert, []string) ([]*alert.Alert, error) {
		return []*alert.Alert{{ID: "ALR-old", Fingerprint: "fp-old", State: alert.StateOpen,
			FirstEventAt: now.Add(-10 * time.Minute), LastEventAt: now.Add(-time.Minute)}}, nil
	})
	// too young
	_, _ = s.UpsertAlert(ctx, "fp-young", nil, func(*alert.Alert, []string) ([]*alert.Alert, error) {
		return []*alert.Alert{{ID: "ALR-young", Fingerprint: "fp-young", State: alert.StateOpen,
			FirstEventAt: now.Add(-time.Minute), LastEventAt: now.Add(-time.Minute)}}, nil
	})

	summary, err := eng.RunAggregation(ctx, window)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Assigned != 1 {
		t.Errorf("assigned = %d, want 1", summary.Assigned)
	}

	old, _, _ := s.GetAlert(ctx, "ALR-old")
	if old.State != alert.StateAssigned {
		t.Errorf("old alert state = %s, want assigned", old.State)
	}
	// first channel of the policy's declared type
	if old.AssigneeChannel != "hook-ops" {
		t.Errorf("assignee_channel = %q, want hook-ops", old.AssigneeChannel)
	}
	if old.AssignedAt.IsZero() {
		t.Error("assigned_at not recorded")
	}
	young, _, _ := s.GetAlert(ctx, "ALR-young")
	if young.State != alert.StateOpen {
		t.Errorf("young alert state = %s, want still open", young.State)
	}
	if notifier.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", notifier.count())
	}
}

func TestEscalationSkippedWithoutMatchingChannel(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	s.SetNotifyPolicy(&alert.NotifyPolicy{NotifyEvery: time.Minute, NotifyChannel: "im"})
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{
		Channels: []aggregate.Channel{{ID: "hook-ops", Type: "webhook"}},
	})
	ctx := context.Background()
	now := time.Now()

	_, _ = s.UpsertAlert(ctx, "fp", nil, func(*alert.Alert, []string) ([]*alert.Alert, error) {
		return []*alert.Alert{{ID: "ALR-1", Fingerprint: "fp", State: alert.StateOpen,
			FirstEventAt: now.Add(-time.Hour), LastEventAt: now.Add(-time.Minute)}}, nil
	})

	summary, err := eng.RunAggregation(ctx, window)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Assigned != 0 || summary.Errors != 0 {
		t.Errorf("summary = %+v, want escalation skipped without error", summary)
	}
	a, _, _ := s.GetAlert(ctx, "ALR-1")
	if a.State != alert.StateOpen {
		t.Errorf("state = %s, want open", a.State)
	}
}

func TestShieldedAlertsExcludedFromEscalation(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	s.SetNotifyPolicy(&alert.NotifyPolicy{NotifyEvery: time.Minute, NotifyChannel: "webhook"})
	notifier := &mockNotifier{}
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{
		Notifier: notifier,
		Channels: []aggregate.Channel{{ID: "hook-ops", Type: "webhook"}},
	})
	ctx := context.Background()
	now := time.Now()

	_, _ = s.UpsertAlert(ctx, "fp", nil, func(*alert.Alert, []string) ([]*alert.Alert, error) {
		return []*alert.Alert{{ID: "ALR-sh", Fingerprint: "fp", State: alert.StateShielded, ShieldID: "SH1",
			FirstEventAt: now.Add(-time.Hour), LastEventAt: now.Add(-time.Minute)}}, nil
	})

	summary, err := eng.RunAggregation(ctx, window)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Assigned != 0 || notifier.count() != 0 {
		t.Error("shielded alert escalated")
	}
}

func TestConcurrentRunsPreserveInvariant(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	ctx := context.Background()
	now := time.Now()

	stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelWarning, now.Add(-2*time.Minute))
	stageEvent(t, s, "EVT-2", "web-1", "cpu_high", alert.LevelError, now.Add(-time.Minute))
	stageEvent(t, s, "EVT-3", "web-1", "cpu_high", alert.LevelCritical, now)

	var wg sync.WaitGroup
	summaries := make([]aggregate.RunSummary, 8)
	for i := range summaries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i], _ = eng.RunAggregation(ctx, window)
		}(i)
	}
	wg.Wait()

	open := openAlerts(t, s)
	if len(open) != 1 {
		t.Fatalf("open alerts = %d, want exactly 1", len(open))
	}
	if open[0].EventCount != 3 {
		t.Errorf("event_count = %d, want 3 (no double counting)", open[0].EventCount)
	}
	var created int
	for _, sm := range summaries {
		created += sm.Created
	}
	if created != 1 {
		t.Errorf("total created across runs = %d, want 1", created)
	}
}

func TestEnrichmentAttachesLabels(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{
		Enricher:      &mockEnricher{labels: map[string]string{"service": "checkout"}},
		EnrichEnabled: true,
	})
	now := time.Now()

	stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelError, now)
	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("run: %v", err)
	}
	a := openAlerts(t, s)[0]
	if a.Labels["service"] != "checkout" {
		t.Errorf("labels = %v, want enrichment applied", a.Labels)
	}
}

func TestEnrichmentFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{
		Enricher:      &mockEnricher{err: errors.New("model unavailable")},
		EnrichEnabled: true,
	})
	now := time.Now()

	stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelError, now)
	summary, err := eng.RunAggregation(context.Background(), window)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Created != 1 {
		t.Errorf("created = %d, enrichment failure must not block persistence", summary.Created)
	}
	if len(openAlerts(t, s)[0].Labels) != 0 {
		t.Error("labels present despite enricher failure")
	}
}

func TestIndexerFiredOnMutation(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	idx := &mockIndexer{ch: make(chan string, 8)}
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{Indexer: idx})
	now := time.Now()

	stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelError, now)
	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case <-idx.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("indexer hook not fired after alert creation")
	}
}

func TestRunAggregation_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	s := memstore.New()
	eng := aggregate.NewEngine(s, log.Nop(), aggregate.Options{})
	now := time.Now()

	stageEvent(t, s, "EVT-SP1", "web-1", "cpu_high", alert.LevelWarning, now.Add(-time.Minute))
	stageEvent(t, s, "EVT-SP2", "db-1", "disk_full", alert.LevelError, now.Add(-time.Minute))

	if _, err := eng.RunAggregation(context.Background(), window); err != nil {
		t.Fatalf("RunAggregation: %v", err)
	}

	spans := exporter.GetSpans()
	counts := make(map[string]int)
	for _, sp := range spans {
		counts[sp.Name]++
	}
	if counts["engine.aggregate"] != 1 {
		t.Errorf("engine.aggregate spans = %d, want 1", counts["engine.aggregate"])
	}
	if counts["engine.group"] != 2 {
		t.Errorf("engine.group spans = %d, want 2", counts["engine.group"])
	}

	for _, sp := range spans {
		if sp.Name != "engine.aggregate" {
			continue
		}
		attrs := make(map[string]any)
		for _, a := range sp.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v := attrs["klaxon.run.kind"]; v != "aggregate" {
			t.Errorf("klaxon.run.kind = %v, want aggregate", v)
		}
		if v := attrs["klaxon.run.created"]; v != int64(2) {
			t.Errorf("klaxon.run.created = %v, want 2", v)
		}
	}

	fingerprints := make(map[any]bool)
	for _, sp := range spans {
		if sp.Name != "engine.group" {
			continue
		}
		for _, a := range sp.Attributes {
			if string(a.Key) == "klaxon.alert.fingerprint" {
				fingerprints[a.Value.AsInterface()] = true
			}
		}
	}
	if len(fingerprints) != 2 {
		t.Errorf("distinct fingerprints on group spans = %d, want 2", len(fingerprints))
	}
}

// hookedStore interposes on upserts so a test can interleave a competing
// writer at the exact point a run is about to commit.
type hookedStore struct {
	*memstore.Store
	beforeUpsert func()
}

func (h *hookedStore) UpsertAlert(ctx context.Context, fp string, ids []string, merge aggregate.MergeFunc) ([]*alert.Alert, error) {
	if h.beforeUpsert != nil {
		h.beforeUpsert()
	}
	return h.Store.UpsertAlert(ctx, fp, ids, merge)
}

func TestOverlappingRunsCountEventsOnce(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	now := time.Now()
	ev1 := stageEvent(t, s, "EVT-1", "web-1", "cpu_high", alert.LevelWarning, now.Add(-2*time.Minute))
	stageEvent(t, s, "EVT-2", "web-1", "cpu_high", alert.LevelWarning, now.Add(-time.Minute))

	hooked := &hookedStore{Store: s}
	eng := aggregate.NewEngine(hooked, log.Nop(), aggregate.Options{})

	// a competing run that loaded only the first event commits while this
	// run holds a group of both
	fired := false
	hooked.beforeUpsert = func() {
		if fired {
			return
		}
		fired = true
		_, err := s.UpsertAlert(context.Background(), ev1.Fingerprint, []string{"EVT-1"}, func(_ *alert.Alert, live []string) ([]*alert.Alert, error) {
			return []*alert.Alert{{
				ID:           "ALR-A",
				Fingerprint:  ev1.Fingerprint,
				Resource:     "web-1",
				RuleKey:      "cpu_high",
				SourceID:     "S1",
				FirstEventAt: ev1.ReceivedAt,
				LastEventAt:  ev1.ReceivedAt,
				EventCount:   len(live),
				Level:        alert.LevelWarning,
				State:        alert.StateOpen,
			}}, nil
		})
		if err != nil {
			t.Errorf("competing upsert: %v", err)
		}
	}

	summary, err := eng.RunAggregation(context.Background(), window)
	if err != nil {
		t.Fatalf("RunAggregation: %v", err)
	}
	if summary.Merged != 1 || summary.Created != 0 {
		t.Errorf("summary = %+v, want merged=1 created=0", summary)
	}

	alerts := openAlerts(t, s)
	if len(alerts) != 1 {
		t.Fatalf("got %d open alerts, want 1", len(alerts))
	}
	if alerts[0].EventCount != 2 {
		t.Errorf("event_count = %d after two events total, want 2 (the first event was already committed by the overlapping run)", alerts[0].EventCount)
	}
}
