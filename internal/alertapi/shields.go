package alertapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

func (a *API) handleCloseShield(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("klaxon.shield.id", id))

	summary, err := a.svc.CloseShieldCohort(ctx, id)
	switch {
	case errors.Is(err, alert.ErrShieldNotFound):
		http.Error(w, `{"error":"shield not found or inactive"}`, http.StatusNotFound)
		return
	case errors.Is(err, alert.ErrEventNotFound):
		http.Error(w, `{"error":"no events matched the shield"}`, http.StatusNotFound)
		return
	case err != nil:
		a.logger.Error(ctx, err, "close shield cohort", "shield_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	a.writeJSON(ctx, w, http.StatusOK, summary)
}
