// Package search mirrors alert mutations into an external search index so
// dashboards can query alerts without touching the primary store.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

const httpTimeout = 10 * time.Second

// AlertGetter resolves the mutated alert into the document to index.
type AlertGetter interface {
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
}

// Indexer pushes alert documents to an HTTP search index. It implements
// aggregate.Indexer.
type Indexer struct {
	baseURL string
	store   AlertGetter
	client  *http.Client
}

// New creates an indexer. If baseURL is empty, OnAlertMutated is a no-op.
func New(baseURL string, store AlertGetter) *Indexer {
	return &Indexer{
		baseURL: baseURL,
		store:   store,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// OnAlertMutated upserts the alert document at {baseURL}/alerts/{id}. An
// alert deleted between the hook firing and the lookup is skipped silently.
func (ix *Indexer) OnAlertMutated(ctx context.Context, alertID string) error {
	if ix.baseURL == "" {
		return nil
	}

	a, ok, err := ix.store.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("search: load alert: %w", err)
	}
	if !ok {
		return nil
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("search: marshal alert: %w", err)
	}

	endpoint := ix.baseURL + "/alerts/" + url.PathEscape(alertID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("search: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ix.client.Do(req)
	if err != nil {
		return fmt.Errorf("search: index alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("search: index returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
