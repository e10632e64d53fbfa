package source

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

// TypeRESTful is the registry key for the built-in REST-polling adapter.
const TypeRESTful = "restful"

const fetchTimeout = 15 * time.Second

// Default vendor field names, overridable per source via config
// ("field.resource" etc).
const (
	cfgEndpoint        = "endpoint"
	cfgFieldResource   = "field.resource"
	cfgFieldRuleKey    = "field.rule_key"
	cfgFieldLevel      = "field.level"
	cfgFieldReceivedAt = "field.received_at"
)

// RESTful polls a JSON endpoint for pending alerts and verifies pushed
// batches against the source's shared secret.
type RESTful struct {
	src        *alert.Source
	endpoint   string
	fields     fieldMap
	httpClient *http.Client
}

type fieldMap struct {
	resource   string
	ruleKey    string
	level      string
	receivedAt string
}

// NewRESTful constructs the restful adapter for one source.
func NewRESTful(src *alert.Source) (Adapter, error) {
	a := &RESTful{
		src:      src,
		endpoint: src.Config[cfgEndpoint],
		fields:   fieldsFromConfig(src.Config),
		httpClient: &http.Client{
			Timeout: fetchTimeout,
		},
	}
	if err := a.ValidateConfig(src.Config); err != nil {
		return nil, err
	}
	return a, nil
}

func fieldsFromConfig(cfg map[string]string) fieldMap {
	pick := func(key, def string) string {
		if v := cfg[key]; v != "" {
			return v
		}
		return def
	}
	return fieldMap{
		resource:   pick(cfgFieldResource, "resource"),
		ruleKey:    pick(cfgFieldRuleKey, "rule_key"),
		level:      pick(cfgFieldLevel, "level"),
		receivedAt: pick(cfgFieldReceivedAt, "received_at"),
	}
}

// Authenticate compares the per-request secret against the source's shared
// secret in constant time.
func (a *RESTful) Authenticate(_ context.Context, secret string) error {
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.src.Secret)) != 1 {
		return alert.ErrAuthentication
	}
	return nil
}

// ValidateConfig checks the endpoint without performing I/O.
func (a *RESTful) ValidateConfig(cfg map[string]string) error {
	endpoint := cfg[cfgEndpoint]
	if endpoint == "" {
		return fmt.Errorf("restful adapter: endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("restful adapter: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("restful adapter: endpoint scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// TestConnection performs a single request against the endpoint and reports
// whether it answered at all.
func (a *RESTful) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.src.Secret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("connection test: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// FetchAlerts pulls the pending batch and maps vendor fields onto RawAlert.
// Items that cannot be mapped at all are left for the normalizer to reject,
// so the failure is counted rather than silently dropped here.
func (a *RESTful) FetchAlerts(ctx context.Context) ([]alert.RawAlert, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.src.Secret)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: endpoint returned %d", alert.ErrAuthentication, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch alerts: endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	// accept either a bare array or {"alerts": [...]}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped struct {
			Alerts []json.RawMessage `json:"alerts"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		items = wrapped.Alerts
	}

	raws := make([]alert.RawAlert, 0, len(items))
	for _, item := range items {
		raws = append(raws, a.mapItem(item))
	}
	return raws, nil
}

func (a *RESTful) mapItem(item json.RawMessage) alert.RawAlert {
	var obj map[string]any
	if err := json.Unmarshal(item, &obj); err != nil {
		return alert.RawAlert{Payload: item}
	}
	raw := alert.RawAlert{
		Resource: stringField(obj, a.fields.resource),
		RuleKey:  stringField(obj, a.fields.ruleKey),
		Level:    stringField(obj, a.fields.level),
		Payload:  item,
	}
	if ts, ok := timeField(obj, a.fields.receivedAt); ok {
		raw.ReceivedAt = ts
	}
	return raw
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

// timeField accepts RFC3339 strings and unix second/millisecond timestamps.
func timeField(obj map[string]any, key string) (time.Time, bool) {
	switch v := obj[key].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return unixTime(n), true
		}
	case float64:
		return unixTime(int64(v)), true
	}
	return time.Time{}, false
}

func unixTime(n int64) time.Time {
	// 13-digit values are milliseconds
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
