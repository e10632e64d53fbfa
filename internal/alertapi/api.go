// Package alertapi exposes the HTTP surface: push ingest for sources and
// the operator endpoints for alerts and shields.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/klaxon/internal/aggregate"
	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/authmw"
)

// IngestService accepts pushed raw alerts on behalf of a registered source.
type IngestService interface {
	Accept(ctx context.Context, sourceID, secret string, raws []alert.RawAlert) (accepted, skipped int, err error)
}

// AlertService covers the operator-triggered engine operations.
type AlertService interface {
	AssignAlert(ctx context.Context, alertID, channelID string) error
	CloseShieldCohort(ctx context.Context, shieldID string) (aggregate.CohortSummary, error)
}

// AlertReader is the read-only store view the API serves from.
type AlertReader interface {
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
	ListAlerts(ctx context.Context, states ...alert.State) ([]*alert.Alert, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	ingest  IngestService
	svc     AlertService
	store   AlertReader
	opToken string
}

// New creates a new API handler. An empty opToken leaves the operator
// endpoints unauthenticated (local development).
func New(logger log.Logger, ingest IngestService, svc AlertService, store AlertReader, opToken string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if ingest == nil || svc == nil || store == nil {
		panic(xerrors.New("ingest, alert service, and store are required"))
	}
	return &API{
		logger:  logger,
		ingest:  ingest,
		svc:     svc,
		store:   store,
		opToken: opToken,
	}
}

// RegisterRoutes attaches API endpoints to the router. Push ingest
// authenticates per request via the source secret; operator endpoints sit
// behind the bearer token.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sources/{sourceID}/events", a.handlePushEvents)

		r.Group(func(r chi.Router) {
			if a.opToken != "" {
				r.Use(authmw.BearerToken(a.opToken))
			}
			r.Get("/alerts", a.handleListAlerts)
			r.Get("/alerts/{id}", a.handleGetAlert)
			r.Post("/alerts/{id}/assign", a.handleAssignAlert)
			r.Post("/shields/{id}/close", a.handleCloseShield)
		})
	})
}

func (a *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error(ctx, err, "encode response")
	}
}
