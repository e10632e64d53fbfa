package alertapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/ingest"
)

// sourceSecretHeader carries the per-source shared secret on push ingest.
const sourceSecretHeader = "X-Source-Secret"

// maxPushBody caps a single push request at 4 MiB.
const maxPushBody = 4 << 20

// pushPayload accepts either a bare array of raw alerts or an object
// wrapping them, matching what the pull adapters tolerate.
type pushPayload struct {
	Alerts []alert.RawAlert `json:"alerts"`
}

func (a *API) handlePushEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sourceID := chi.URLParam(r, "sourceID")

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("klaxon.source.id", sourceID))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
		return
	}

	var raws []alert.RawAlert
	if err := json.Unmarshal(body, &raws); err != nil {
		var payload pushPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
			return
		}
		raws = payload.Alerts
	}

	accepted, skipped, err := a.ingest.Accept(ctx, sourceID, r.Header.Get(sourceSecretHeader), raws)
	switch {
	case errors.Is(err, ingest.ErrUnknownSource):
		http.Error(w, `{"error":"unknown source"}`, http.StatusNotFound)
		return
	case errors.Is(err, alert.ErrAuthentication):
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
		return
	case err != nil:
		a.logger.Error(ctx, err, "push ingest failed", "source_id", sourceID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	a.writeJSON(ctx, w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"skipped":  skipped,
	})
}
