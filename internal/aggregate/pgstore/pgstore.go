// Package pgstore provides a PostgreSQL implementation of aggregate.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/klaxon/internal/aggregate"
	"github.com/linnemanlabs/klaxon/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/klaxon/internal/aggregate/pgstore")

//go:embed schema.sql
var schema string

// Store persists events, alerts, sources, shields, and the notify policy in
// PostgreSQL. Per-fingerprint mutual exclusion uses transaction-scoped
// advisory locks, and a partial unique index backs up the single-open-alert
// invariant at the constraint level.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, fingerprint, resource, rule_key, source_id, first_event_at,
	last_event_at, event_count, level, state, assignee_channel, assigned_at, shield_id, labels`

const eventColumns = `id, source_id, received_at, resource, rule_key, level, raw_payload, fingerprint, consumed`

// InsertEvents stages normalized events. Replayed IDs are ignored so a
// retried poll cannot duplicate work.
func (s *Store) InsertEvents(ctx context.Context, events []*alert.Event) error {
	ctx, span := tracer.Start(ctx, "pgstore.InsertEvents", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(
			`INSERT INTO events (`+eventColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			 ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.SourceID, ev.ReceivedAt, ev.Resource, ev.RuleKey,
			string(ev.Level), []byte(ev.RawPayload), ev.Fingerprint, ev.Consumed,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// LoadUnconsumedEvents returns unconsumed events with received_at in
// [since, until], oldest first. A zero since means no lower bound.
func (s *Store) LoadUnconsumedEvents(ctx context.Context, since, until time.Time) ([]*alert.Event, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LoadUnconsumedEvents", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + eventColumns + ` FROM events
		WHERE NOT consumed AND received_at <= $1 AND ($2::timestamptz IS NULL OR received_at >= $2)
		ORDER BY received_at, id`

	var lower *time.Time
	if !since.IsZero() {
		lower = &since
	}

	rows, err := s.pool.Query(ctx, query, until, lower)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*alert.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// UpsertAlert serializes on the fingerprint via pg_advisory_xact_lock, runs
// merge against the current non-closed alert and the subset of eventIDs
// still unconsumed under the lock, and persists the outcome plus the
// consumption of that subset in one transaction. When nothing survives it
// returns (nil, nil) without calling merge.
func (s *Store) UpsertAlert(ctx context.Context, fingerprint string, eventIDs []string, merge aggregate.MergeFunc) ([]*alert.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgstore.UpsertAlert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, fingerprint); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("lock fingerprint: %w", err)
	}

	var live []string
	if len(eventIDs) > 0 {
		rows, err := tx.Query(ctx,
			`SELECT id FROM events WHERE id = ANY($1) AND NOT consumed`,
			eventIDs,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("check consumption: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, fmt.Errorf("check consumption: %w", err)
			}
			live = append(live, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("check consumption: %w", err)
		}
		if len(live) == 0 {
			// a competing run already committed the whole group
			return nil, tx.Commit(ctx)
		}
	}

	existing, err := scanAlertRow(tx.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE fingerprint = $1 AND state <> 'closed'`,
		fingerprint,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	persisted, err := merge(existing, live)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for _, a := range persisted {
		if err := upsertAlertRow(ctx, tx, a); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if len(live) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE events SET consumed = TRUE WHERE id = ANY($1)`, live); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("consume events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit: %w", err)
	}
	return persisted, nil
}

// MarkEventsConsumed flips consumed directly, outside any fingerprint lock.
func (s *Store) MarkEventsConsumed(ctx context.Context, ids []string) error {
	ctx, span := tracer.Start(ctx, "pgstore.MarkEventsConsumed", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	if _, err := s.pool.Exec(ctx, `UPDATE events SET consumed = TRUE WHERE id = ANY($1)`, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("consume events: %w", err)
	}
	return nil
}

// ListAlerts returns alerts in any of the given states, ordered by
// first_event_at then ID. No states means all alerts.
func (s *Store) ListAlerts(ctx context.Context, states ...alert.State) ([]*alert.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListAlerts", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []any
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		query += ` WHERE state = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY first_event_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// GetAlert fetches one alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetAlert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	a, err := scanAlertRow(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// LoadActiveShields returns shields whose activation range covers now.
func (s *Store) LoadActiveShields(ctx context.Context, now time.Time) ([]*alert.Shield, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LoadActiveShields", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, conditions, active_from, active_until FROM shields
		 WHERE active_from <= $1 AND (active_until IS NULL OR active_until >= $1)
		 ORDER BY id`,
		now,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query shields: %w", err)
	}
	defer rows.Close()

	var out []*alert.Shield
	for rows.Next() {
		sh, err := scanShield(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate shields: %w", err)
	}
	return out, nil
}

// GetShield fetches one shield by ID regardless of its active window.
func (s *Store) GetShield(ctx context.Context, id string) (*alert.Shield, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetShield", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	sh, err := scanShield(s.pool.QueryRow(ctx,
		`SELECT id, name, conditions, active_from, active_until FROM shields WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return sh, true, nil
}

// LoadNotifyPolicy returns the singleton escalation policy, nil if unset.
func (s *Store) LoadNotifyPolicy(ctx context.Context) (*alert.NotifyPolicy, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LoadNotifyPolicy", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		everySeconds int64
		peopleJSON   []byte
		channel      string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT notify_every_s, notify_people, notify_channel FROM notify_policy WHERE id = 1`,
	).Scan(&everySeconds, &peopleJSON, &channel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query notify policy: %w", err)
	}

	p := &alert.NotifyPolicy{
		NotifyEvery:   time.Duration(everySeconds) * time.Second,
		NotifyChannel: channel,
	}
	if len(peopleJSON) > 0 {
		if err := json.Unmarshal(peopleJSON, &p.NotifyPeople); err != nil {
			return nil, fmt.Errorf("unmarshal notify people: %w", err)
		}
	}
	return p, nil
}

// ListActiveSources returns sources with is_active set.
func (s *Store) ListActiveSources(ctx context.Context) ([]*alert.Source, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListActiveSources", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT source_id, name, adapter_type, secret, config, is_active
		 FROM sources WHERE is_active ORDER BY source_id`,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []*alert.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// GetSource fetches one source by its stable source_id.
func (s *Store) GetSource(ctx context.Context, sourceID string) (*alert.Source, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetSource", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	src, err := scanSource(s.pool.QueryRow(ctx,
		`SELECT source_id, name, adapter_type, secret, config, is_active
		 FROM sources WHERE source_id = $1`,
		sourceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return src, true, nil
}

func upsertAlertRow(ctx context.Context, tx pgx.Tx, a *alert.Alert) error {
	var labelsJSON []byte
	if len(a.Labels) > 0 {
		var err error
		labelsJSON, err = json.Marshal(a.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels: %w", err)
		}
	}

	var assignedAt *time.Time
	if !a.AssignedAt.IsZero() {
		assignedAt = &a.AssignedAt
	}

	query := `INSERT INTO alerts (` + alertColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (id) DO UPDATE SET
		last_event_at    = EXCLUDED.last_event_at,
		event_count      = EXCLUDED.event_count,
		level            = EXCLUDED.level,
		state            = EXCLUDED.state,
		assignee_channel = EXCLUDED.assignee_channel,
		assigned_at      = EXCLUDED.assigned_at,
		shield_id        = EXCLUDED.shield_id,
		labels           = EXCLUDED.labels`

	_, err := tx.Exec(ctx, query,
		a.ID, a.Fingerprint, a.Resource, a.RuleKey, a.SourceID, a.FirstEventAt,
		a.LastEventAt, a.EventCount, string(a.Level), string(a.State),
		a.AssigneeChannel, assignedAt, a.ShieldID, labelsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", a.ID, err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*alert.Event, error) {
	var (
		ev      alert.Event
		level   string
		payload []byte
	)
	err := row.Scan(&ev.ID, &ev.SourceID, &ev.ReceivedAt, &ev.Resource, &ev.RuleKey,
		&level, &payload, &ev.Fingerprint, &ev.Consumed)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Level = alert.Level(level)
	ev.RawPayload = payload
	return &ev, nil
}

// scanAlertRow scans a single alert row, returning (nil, nil) when no row
// was found.
func scanAlertRow(row pgx.Row) (*alert.Alert, error) {
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a          alert.Alert
		level      string
		state      string
		assignedAt *time.Time
		labelsJSON []byte
	)
	err := row.Scan(&a.ID, &a.Fingerprint, &a.Resource, &a.RuleKey, &a.SourceID,
		&a.FirstEventAt, &a.LastEventAt, &a.EventCount, &level, &state,
		&a.AssigneeChannel, &assignedAt, &a.ShieldID, &labelsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Level = alert.Level(level)
	a.State = alert.State(state)
	if assignedAt != nil {
		a.AssignedAt = *assignedAt
	}
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &a.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	return &a, nil
}

func scanShield(row pgx.Row) (*alert.Shield, error) {
	var (
		sh          alert.Shield
		condJSON    []byte
		activeUntil *time.Time
	)
	err := row.Scan(&sh.ID, &sh.Name, &condJSON, &sh.ActiveFrom, &activeUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan shield: %w", err)
	}
	if err := json.Unmarshal(condJSON, &sh.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if activeUntil != nil {
		sh.ActiveUntil = *activeUntil
	}
	return &sh, nil
}

func scanSource(row pgx.Row) (*alert.Source, error) {
	var (
		src        alert.Source
		configJSON []byte
	)
	err := row.Scan(&src.SourceID, &src.Name, &src.AdapterType, &src.Secret, &configJSON, &src.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &src.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &src, nil
}
