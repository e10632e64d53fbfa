// Package memstore provides an in-memory implementation of aggregate.Store.
// Suitable for dev/testing; a single mutex gives every upsert the required
// per-fingerprint mutual exclusion.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/klaxon/internal/aggregate"
	"github.com/linnemanlabs/klaxon/internal/alert"
)

// Store holds the whole engine state in memory.
type Store struct {
	mu       sync.Mutex
	events   map[string]*alert.Event
	alerts   map[string]*alert.Alert
	openByFp map[string]string // fingerprint -> non-closed alert ID
	sources  map[string]*alert.Source
	shields  map[string]*alert.Shield
	policy   *alert.NotifyPolicy
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		events:   make(map[string]*alert.Event),
		alerts:   make(map[string]*alert.Alert),
		openByFp: make(map[string]string),
		sources:  make(map[string]*alert.Source),
		shields:  make(map[string]*alert.Shield),
	}
}

// AddSource seeds a source configuration.
func (s *Store) AddSource(src *alert.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *src
	s.sources[src.SourceID] = &cp
}

// AddShield seeds a shield policy.
func (s *Store) AddShield(sh *alert.Shield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sh
	s.shields[sh.ID] = &cp
}

// RemoveShield deletes a shield policy.
func (s *Store) RemoveShield(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shields, id)
}

// SetNotifyPolicy seeds the escalation policy.
func (s *Store) SetNotifyPolicy(p *alert.NotifyPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		s.policy = nil
		return
	}
	cp := *p
	s.policy = &cp
}

// InsertEvents stages events. Inserting an ID twice keeps the first copy,
// matching the append-only contract.
func (s *Store) InsertEvents(_ context.Context, events []*alert.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if _, ok := s.events[ev.ID]; ok {
			continue
		}
		cp := copyEvent(ev)
		s.events[ev.ID] = cp
	}
	return nil
}

// LoadUnconsumedEvents returns unconsumed events with receivedAt in
// [since, until], oldest first.
func (s *Store) LoadUnconsumedEvents(_ context.Context, since, until time.Time) ([]*alert.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*alert.Event
	for _, ev := range s.events {
		if ev.Consumed {
			continue
		}
		if !since.IsZero() && ev.ReceivedAt.Before(since) {
			continue
		}
		if ev.ReceivedAt.After(until) {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// UpsertAlert locks the store, hands the current non-closed alert for the
// fingerprint to merge along with the still-unconsumed subset of eventIDs,
// persists the outcome and consumes that subset, all under one critical
// section.
func (s *Store) UpsertAlert(_ context.Context, fingerprint string, eventIDs []string, merge aggregate.MergeFunc) ([]*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// events a competing run already committed no longer belong to this group
	live := s.unconsumed(eventIDs)
	if len(eventIDs) > 0 && len(live) == 0 {
		return nil, nil
	}

	var existing *alert.Alert
	if id, ok := s.openByFp[fingerprint]; ok {
		existing = copyAlert(s.alerts[id])
	}

	out, err := merge(existing, live)
	if err != nil {
		return nil, err
	}

	for _, id := range live {
		s.events[id].Consumed = true
	}

	if len(out) == 0 {
		return nil, nil
	}

	persisted := make([]*alert.Alert, 0, len(out))
	for _, a := range out {
		cp := copyAlert(a)
		s.alerts[cp.ID] = cp
		if cp.Closed() {
			if s.openByFp[cp.Fingerprint] == cp.ID {
				delete(s.openByFp, cp.Fingerprint)
			}
		} else {
			s.openByFp[cp.Fingerprint] = cp.ID
		}
		persisted = append(persisted, copyAlert(cp))
	}
	return persisted, nil
}

// MarkEventsConsumed flips consumed on the given events.
func (s *Store) MarkEventsConsumed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			ev.Consumed = true
		}
	}
	return nil
}

// ListAlerts returns alerts in any of the given states (all if none given),
// ordered by first event time then ID for determinism.
func (s *Store) ListAlerts(_ context.Context, states ...alert.State) ([]*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if len(states) > 0 && !stateIn(a.State, states) {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstEventAt.Equal(out[j].FirstEventAt) {
			return out[i].FirstEventAt.Before(out[j].FirstEventAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetAlert retrieves one alert by ID. Returns a copy.
func (s *Store) GetAlert(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return copyAlert(a), true, nil
}

// LoadActiveShields returns shields whose time range covers now.
func (s *Store) LoadActiveShields(_ context.Context, now time.Time) ([]*alert.Shield, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*alert.Shield
	for _, sh := range s.shields {
		if sh.ActiveAt(now) {
			cp := *sh
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetShield retrieves one shield by ID.
func (s *Store) GetShield(_ context.Context, id string) (*alert.Shield, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shields[id]
	if !ok {
		return nil, false, nil
	}
	cp := *sh
	return &cp, true, nil
}

// LoadNotifyPolicy returns the escalation policy, nil if unset.
func (s *Store) LoadNotifyPolicy(_ context.Context) (*alert.NotifyPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy == nil {
		return nil, nil
	}
	cp := *s.policy
	return &cp, nil
}

// ListActiveSources returns sources with isActive set, sorted by sourceID.
func (s *Store) ListActiveSources(_ context.Context) ([]*alert.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*alert.Source
	for _, src := range s.sources {
		if !src.IsActive {
			continue
		}
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// GetSource retrieves one source by sourceID.
func (s *Store) GetSource(_ context.Context, sourceID string) (*alert.Source, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return nil, false, nil
	}
	cp := *src
	return &cp, true, nil
}

func (s *Store) unconsumed(ids []string) []string {
	var live []string
	for _, id := range ids {
		if ev, ok := s.events[id]; ok && !ev.Consumed {
			live = append(live, id)
		}
	}
	return live
}

func stateIn(st alert.State, states []alert.State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func copyEvent(ev *alert.Event) *alert.Event {
	cp := *ev
	return &cp
}

func copyAlert(a *alert.Alert) *alert.Alert {
	cp := *a
	if a.Labels != nil {
		cp.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}
