// Package alert defines the canonical data model shared by every stage of
// the aggregation pipeline: raw occurrences (Event), deduplicated operator
// work items (Alert), suppression policies (Shield), source configuration,
// and the notify policy read by escalation.
package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is the severity of an event or alert.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
	LevelNoData   Level = "no_data"
)

// Weight returns the numeric severity ranking used to resolve the dominant
// level when merging. Unknown levels rank below warning.
func (l Level) Weight() int {
	switch l {
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	case LevelCritical:
		return 4
	case LevelNoData:
		return 5
	}
	return 0
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l.Weight() > 0
}

// MaxLevel returns the higher-severity of the two levels. Ties keep a.
func MaxLevel(a, b Level) Level {
	if b.Weight() > a.Weight() {
		return b
	}
	return a
}

// State tracks where an alert is in its lifecycle.
type State string

const (
	// StateOpen means aggregated and awaiting attention.
	StateOpen State = "open"

	// StateShielded means suppressed by an active shield policy.
	StateShielded State = "shielded"

	// StateAssigned means escalated to a notification channel.
	StateAssigned State = "assigned"

	// StateClosed is terminal.
	StateClosed State = "closed"
)

// transitions is the alert state machine. A shielded alert re-opens when its
// shield lapses and new events still arrive.
var transitions = map[State][]State{
	StateOpen:     {StateShielded, StateAssigned, StateClosed},
	StateShielded: {StateOpen, StateClosed},
	StateAssigned: {StateClosed},
	StateClosed:   {},
}

// RawAlert is one vendor occurrence as produced by a source adapter, before
// normalization. Adapters own the vendor field mapping; this is the common
// shape they all emit.
type RawAlert struct {
	Resource   string          `json:"resource"`
	RuleKey    string          `json:"rule_key"`
	Level      string          `json:"level"`
	ReceivedAt time.Time       `json:"received_at,omitzero"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Event is one normalized observed occurrence. Events are append-only: the
// engine flips Consumed once the event is folded into an alert and never
// touches anything else.
type Event struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"source_id"`
	ReceivedAt  time.Time       `json:"received_at"`
	Resource    string          `json:"resource"`
	RuleKey     string          `json:"rule_key"`
	Level       Level           `json:"level"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Consumed    bool            `json:"consumed"`
}

// Alert is an aggregated, deduplicated unit of operator-facing work. At most
// one non-closed alert exists per fingerprint at any time.
type Alert struct {
	ID              string    `json:"id"`
	Fingerprint     string    `json:"fingerprint"`
	Resource        string    `json:"resource"`
	RuleKey         string    `json:"rule_key"`
	SourceID        string    `json:"source_id"`
	FirstEventAt    time.Time `json:"first_event_at"`
	LastEventAt     time.Time `json:"last_event_at"`
	EventCount      int       `json:"event_count"`
	Level           Level     `json:"level"`
	State           State     `json:"state"`
	AssigneeChannel string    `json:"assignee_channel,omitempty"`
	AssignedAt      time.Time `json:"assigned_at,omitzero"`
	ShieldID        string    `json:"shield_id,omitempty"`
	// Labels holds contextual enrichment attached by the enricher.
	Labels map[string]string `json:"labels,omitempty"`
}

// TransitionTo moves the alert to state s, enforcing the lifecycle rules.
func (a *Alert) TransitionTo(s State) error {
	if a.State == s {
		return nil
	}
	for _, next := range transitions[a.State] {
		if next == s {
			a.State = s
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, s)
}

// Closed reports whether the alert has reached the terminal state.
func (a *Alert) Closed() bool {
	return a.State == StateClosed
}

// Source is the configuration for one external alert origin. Its SourceID is
// immutable once referenced by events; the engine only ever reads sources.
type Source struct {
	SourceID    string            `json:"source_id"`
	Name        string            `json:"name"`
	AdapterType string            `json:"adapter_type"`
	Secret      string            `json:"-"`
	Config      map[string]string `json:"config,omitempty"`
	IsActive    bool              `json:"is_active"`
}

// ShieldCondition is one predicate over an event/alert field.
// Field is one of resource, rule_key, level; Op is eq|ne|contains|regex.
type ShieldCondition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Shield is a suppression policy: the outer condition slice is OR, the inner
// slices are AND. Read-only to the engine.
type Shield struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Conditions  [][]ShieldCondition `json:"conditions"`
	ActiveFrom  time.Time           `json:"active_from"`
	ActiveUntil time.Time           `json:"active_until"`
}

// ActiveAt reports whether the shield's time range covers now. A zero
// ActiveUntil means no expiry.
func (s *Shield) ActiveAt(now time.Time) bool {
	if now.Before(s.ActiveFrom) {
		return false
	}
	if !s.ActiveUntil.IsZero() && now.After(s.ActiveUntil) {
		return false
	}
	return true
}

// NotifyPolicy is the singleton escalation configuration. NotifyEvery is the
// age an unassigned open alert must reach before it escalates.
type NotifyPolicy struct {
	NotifyEvery   time.Duration `json:"notify_every"`
	NotifyPeople  []string      `json:"notify_people,omitempty"`
	NotifyChannel string        `json:"notify_channel"`
}
