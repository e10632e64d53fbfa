package aggregate

import (
	"context"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// MergeFunc decides the outcome of a per-fingerprint upsert. It receives the
// current non-closed alert for the fingerprint (nil if none) and the subset
// of the upsert's event IDs still unconsumed at lock time: a competing run
// may have committed part of the group first, and only the surviving events
// belong to this merge. It returns the alerts to persist: typically the
// updated alert, or a closed stale alert plus its newly created successor.
// Returning an empty slice persists nothing (used when a claim finds the
// alert already transitioned); the surviving events are consumed either way.
//
// The function runs while the fingerprint is locked; it must not perform I/O.
type MergeFunc func(existing *alert.Alert, live []string) ([]*alert.Alert, error)

// Store is the persistence boundary of the engine. Alert/event records are
// the only shared mutable resource; everything else is read-only input.
type Store interface {
	// InsertEvents stages normalized events for aggregation.
	InsertEvents(ctx context.Context, events []*alert.Event) error

	// LoadUnconsumedEvents returns unconsumed events with receivedAt in
	// [since, until]. A zero since means no lower bound.
	LoadUnconsumedEvents(ctx context.Context, since, until time.Time) ([]*alert.Event, error)

	// UpsertAlert runs merge under a mutual-exclusion scope keyed by
	// fingerprint and persists its outcome together with marking the
	// surviving eventIDs consumed, all in one transaction. Concurrent
	// invocations for the same fingerprint serialize, which is what preserves
	// the single-open-alert invariant under overlapping runs. Events already
	// consumed by a competing run are dropped from the group before merge
	// sees it; when nothing survives the upsert is a no-op, because replaying
	// the merge would double-count.
	UpsertAlert(ctx context.Context, fingerprint string, eventIDs []string, merge MergeFunc) ([]*alert.Alert, error)

	// MarkEventsConsumed flips consumed directly, outside any fingerprint lock.
	MarkEventsConsumed(ctx context.Context, ids []string) error

	// ListAlerts returns alerts in any of the given states; no states means
	// all alerts.
	ListAlerts(ctx context.Context, states ...alert.State) ([]*alert.Alert, error)

	// GetAlert fetches one alert by ID.
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)

	// LoadActiveShields returns shields whose time range covers now.
	LoadActiveShields(ctx context.Context, now time.Time) ([]*alert.Shield, error)

	// GetShield fetches one shield by ID regardless of its active window.
	GetShield(ctx context.Context, id string) (*alert.Shield, bool, error)

	// LoadNotifyPolicy returns the escalation policy, nil if unset.
	LoadNotifyPolicy(ctx context.Context) (*alert.NotifyPolicy, error)

	// ListActiveSources returns sources with isActive set.
	ListActiveSources(ctx context.Context) ([]*alert.Source, error)

	// GetSource fetches one source by its stable sourceID.
	GetSource(ctx context.Context, sourceID string) (*alert.Source, bool, error)
}

// Notifier is the channel collaborator: the engine decides what and when,
// delivery belongs to the implementation.
type Notifier interface {
	OnAlertAssigned(ctx context.Context, alertID, channelID string) error
}

// Indexer receives the post-mutation hook fired after every alert
// create/merge/close. Calls are fire-and-forget; failures are logged only.
type Indexer interface {
	OnAlertMutated(ctx context.Context, alertID string) error
}

// Channel is one configured notification destination. Escalation picks the
// first channel whose Type matches the notify policy.
type Channel struct {
	ID       string
	Type     string
	Endpoint string
}
