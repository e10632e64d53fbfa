// Package source defines the capability contract for vendor alert-source
// adapters and the registry the ingestion stage resolves them from.
package source

import (
	"context"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// Adapter is a capability a monitoring vendor integration must provide.
// Adapters perform only their declared I/O and never mutate engine state.
type Adapter interface {
	// Authenticate compares a per-request secret against the credential held
	// by the source configuration. It returns alert.ErrAuthentication on
	// mismatch.
	Authenticate(ctx context.Context, secret string) error

	// FetchAlerts pulls pending raw alerts from the vendor. An empty slice is
	// a normal outcome; network failures are returned, never swallowed.
	FetchAlerts(ctx context.Context) ([]alert.RawAlert, error)

	// TestConnection checks reachability of the configured endpoint.
	TestConnection(ctx context.Context) error

	// ValidateConfig checks config for completeness. Pure, no I/O.
	ValidateConfig(cfg map[string]string) error
}

// Constructor builds an adapter for one configured source.
type Constructor func(src *alert.Source) (Adapter, error)
