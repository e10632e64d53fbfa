// Package aggregate implements the alert aggregation and correlation engine:
// the scheduler-invoked window routine that folds staged events into alerts
// by fingerprint, the shield evaluator, escalation of unassigned alerts, the
// auto-close lifecycle job, and the Store interface with its per-fingerprint
// atomic upsert that keeps at most one non-closed alert per fingerprint.
package aggregate
