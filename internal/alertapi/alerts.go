package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var states []alert.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st := alert.State(strings.TrimSpace(name))
			switch st {
			case alert.StateOpen, alert.StateShielded, alert.StateAssigned, alert.StateClosed:
				states = append(states, st)
			default:
				http.Error(w, `{"error":"unknown state"}`, http.StatusBadRequest)
				return
			}
		}
	}

	alerts, err := a.store.ListAlerts(ctx, states...)
	if err != nil {
		a.logger.Error(ctx, err, "list alerts")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []*alert.Alert{}
	}
	a.writeJSON(ctx, w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("klaxon.alert.id", id))

	al, ok, err := a.store.GetAlert(ctx, id)
	if err != nil {
		a.logger.Error(ctx, err, "get alert", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("klaxon.alert.state", string(al.State)))
	a.writeJSON(ctx, w, http.StatusOK, al)
}

type assignRequest struct {
	ChannelID string `json:"channel_id"`
}

func (a *API) handleAssignAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, `{"error":"channel_id is required"}`, http.StatusBadRequest)
		return
	}

	err := a.svc.AssignAlert(ctx, id, req.ChannelID)
	switch {
	case errors.Is(err, alert.ErrAlertNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, alert.ErrInvalidTransition):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusConflict)
		return
	case err != nil:
		a.logger.Error(ctx, err, "assign alert", "id", id, "channel_id", req.ChannelID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	al, ok, err := a.store.GetAlert(ctx, id)
	if err != nil || !ok {
		a.writeJSON(ctx, w, http.StatusOK, map[string]any{"assigned": id})
		return
	}
	a.writeJSON(ctx, w, http.StatusOK, al)
}
