package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// escalate transitions open alerts older than the notify policy's threshold
// to assigned, resolving the default channel. Runs as the last stage of an
// aggregation pass. Nothing here is fatal to the run.
func (e *Engine) escalate(ctx context.Context, now time.Time, summary *RunSummary) {
	policy, err := e.store.LoadNotifyPolicy(ctx)
	if err != nil {
		summary.Errors++
		e.logger.Error(ctx, err, "load notify policy failed, skipping escalation")
		return
	}
	if policy == nil || policy.NotifyEvery <= 0 {
		return
	}

	channel, ok := e.defaultChannel(policy)
	if !ok {
		e.logger.Warn(ctx, "no channel configured for notify policy, escalation skipped",
			"channel_type", policy.NotifyChannel,
		)
		return
	}

	open, err := e.store.ListAlerts(ctx, alert.StateOpen)
	if err != nil {
		summary.Errors++
		e.logger.Error(ctx, err, "list open alerts failed, skipping escalation")
		return
	}

	for _, a := range open {
		if now.Sub(a.FirstEventAt) < policy.NotifyEvery || !a.AssignedAt.IsZero() {
			continue
		}
		if err := e.claimAssignment(ctx, a, channel.ID, now); err != nil {
			summary.Errors++
			e.logger.Error(ctx, err, "escalation failed", "alert_id", a.ID)
			continue
		}
		summary.Assigned++
	}
}

// defaultChannel resolves the first configured channel of the policy's
// declared type.
func (e *Engine) defaultChannel(policy *alert.NotifyPolicy) (Channel, bool) {
	for _, ch := range e.opts.Channels {
		if ch.Type == policy.NotifyChannel {
			return ch, true
		}
	}
	return Channel{}, false
}

// claimAssignment transitions one alert to assigned under the same
// per-fingerprint locking discipline the aggregation path uses, so an
// overlapping run cannot double-dispatch.
func (e *Engine) claimAssignment(ctx context.Context, a *alert.Alert, channelID string, now time.Time) error {
	var claimed bool
	_, err := e.store.UpsertAlert(ctx, a.Fingerprint, nil, func(existing *alert.Alert, _ []string) ([]*alert.Alert, error) {
		claimed = false
		if existing == nil || existing.ID != a.ID || existing.State != alert.StateOpen || !existing.AssignedAt.IsZero() {
			// someone else got here first
			return nil, nil
		}
		if err := existing.TransitionTo(alert.StateAssigned); err != nil {
			return nil, err
		}
		existing.AssigneeChannel = channelID
		existing.AssignedAt = now
		claimed = true
		return []*alert.Alert{existing}, nil
	})
	if err != nil || !claimed {
		return err
	}

	e.dispatch(ctx, a.ID, channelID)
	e.fireIndexer(ctx, a.ID)
	return nil
}

// AssignAlert is the explicit operator path: assign one alert to one
// channel. It fails with alert.ErrAlertNotFound when the ID does not resolve
// to a non-closed alert.
func (e *Engine) AssignAlert(ctx context.Context, alertID, channelID string) error {
	a, ok, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if !ok || a.Closed() {
		return alert.ErrAlertNotFound
	}

	now := e.now()
	var claimed bool
	_, err = e.store.UpsertAlert(ctx, a.Fingerprint, nil, func(existing *alert.Alert, _ []string) ([]*alert.Alert, error) {
		claimed = false
		if existing == nil || existing.ID != alertID {
			return nil, nil
		}
		if err := existing.TransitionTo(alert.StateAssigned); err != nil {
			return nil, fmt.Errorf("cannot assign %s alert: %w", existing.State, err)
		}
		existing.AssigneeChannel = channelID
		existing.AssignedAt = now
		claimed = true
		return []*alert.Alert{existing}, nil
	})
	if err != nil {
		return err
	}
	if !claimed {
		// raced to closed between the read and the claim
		return alert.ErrAlertNotFound
	}

	e.dispatch(ctx, alertID, channelID)
	e.fireIndexer(ctx, alertID)
	return nil
}

// dispatch hands the assignment decision to the channel collaborator.
// Delivery failures are logged; the state transition already happened.
func (e *Engine) dispatch(ctx context.Context, alertID, channelID string) {
	if e.opts.Notifier == nil {
		return
	}
	if err := e.opts.Notifier.OnAlertAssigned(ctx, alertID, channelID); err != nil {
		e.logger.Error(ctx, err, "assignment dispatch failed",
			"alert_id", alertID,
			"channel_id", channelID,
		)
	}
}
