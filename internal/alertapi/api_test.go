package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/aggregate"
	"github.com/linnemanlabs/klaxon/internal/alert"
	"github.com/linnemanlabs/klaxon/internal/ingest"
)

type fakeIngest struct {
	gotSource string
	gotSecret string
	gotRaws   []alert.RawAlert
	accepted  int
	skipped   int
	err       error
}

func (f *fakeIngest) Accept(_ context.Context, sourceID, secret string, raws []alert.RawAlert) (int, int, error) {
	f.gotSource = sourceID
	f.gotSecret = secret
	f.gotRaws = raws
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.accepted, f.skipped, nil
}

type fakeSvc struct {
	assignErr error
	cohortErr error
	summary   aggregate.CohortSummary
	assigned  []string
}

func (f *fakeSvc) AssignAlert(_ context.Context, alertID, channelID string) error {
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, alertID+"->"+channelID)
	return nil
}

func (f *fakeSvc) CloseShieldCohort(_ context.Context, _ string) (aggregate.CohortSummary, error) {
	if f.cohortErr != nil {
		return aggregate.CohortSummary{}, f.cohortErr
	}
	return f.summary, nil
}

type fakeReader struct {
	alerts map[string]*alert.Alert
}

func (f *fakeReader) GetAlert(_ context.Context, id string) (*alert.Alert, bool, error) {
	a, ok := f.alerts[id]
	return a, ok, nil
}

func (f *fakeReader) ListAlerts(_ context.Context, states ...alert.State) ([]*alert.Alert, error) {
	var out []*alert.Alert
	for _, a := range f.alerts {
		if len(states) == 0 {
			out = append(out, a)
			continue
		}
		for _, st := range states {
			if a.State == st {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

type testAPI struct {
	ingest *fakeIngest
	svc    *fakeSvc
	reader *fakeReader
	srv    *httptest.Server
}

func newTestAPI(t *testing.T, opToken string) *testAPI {
	t.Helper()
	ta := &testAPI{
		ingest: &fakeIngest{},
		svc:    &fakeSvc{},
		reader: &fakeReader{alerts: map[string]*alert.Alert{}},
	}
	api := New(log.Nop(), ta.ingest, ta.svc, ta.reader, opToken)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	ta.srv = httptest.NewServer(r)
	t.Cleanup(ta.srv.Close)
	return ta
}

func doReq(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPushEvents(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t, "")
	ta.ingest.accepted = 2
	ta.ingest.skipped = 1

	body := `[{"resource":"web-1","rule_key":"cpu_high","level":"error"},
	          {"resource":"web-2","rule_key":"cpu_high","level":"warning"},
	          {"resource":"","rule_key":"cpu_high"}]`

	req, _ := http.NewRequest(http.MethodPost, ta.srv.URL+"/api/v1/sources/S1/events", strings.NewReader(body))
	req.Header.Set("X-Source-Secret", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if ta.ingest.gotSource != "S1" || ta.ingest.gotSecret != "s3cret" {
		t.Errorf("ingest called with source=%q secret=%q", ta.ingest.gotSource, ta.ingest.gotSecret)
	}
	if len(ta.ingest.gotRaws) != 3 {
		t.Errorf("raws = %d, want 3", len(ta.ingest.gotRaws))
	}

	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["accepted"] != 2 || out["skipped"] != 1 {
		t.Errorf("response = %v", out)
	}
}

func TestPushEventsWrappedPayload(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t, "")
	body := `{"alerts":[{"resource":"web-1","rule_key":"cpu_high","level":"error"}]}`
	resp := doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/sources/S1/events", "", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(ta.ingest.gotRaws) != 1 {
		t.Errorf("raws = %d, want 1", len(ta.ingest.gotRaws))
	}
}

func TestPushEventsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
	}{
		{"unknown source", ingest.ErrUnknownSource, `[]`, http.StatusNotFound},
		{"bad secret", alert.ErrAuthentication, `[]`, http.StatusUnauthorized},
		{"invalid payload", nil, `not json`, http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ta := newTestAPI(t, "")
			ta.ingest.err = tc.err
			resp := doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/sources/S1/events", "", tc.body)
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestGetAlert(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t, "")
	ta.reader.alerts["ALR-1"] = &alert.Alert{
		ID: "ALR-1", Resource: "web-1", RuleKey: "cpu_high",
		Level: alert.LevelError, State: alert.StateOpen, EventCount: 3,
		FirstEventAt: time.Now(), LastEventAt: time.Now(),
	}

	resp := doReq(t, http.MethodGet, ta.srv.URL+"/api/v1/alerts/ALR-1", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got alert.Alert
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "ALR-1" || got.EventCount != 3 {
		t.Errorf("alert = %+v", got)
	}

	resp = doReq(t, http.MethodGet, ta.srv.URL+"/api/v1/alerts/ALR-missing", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing alert status = %d, want 404", resp.StatusCode)
	}
}

func TestListAlertsStateFilter(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t, "")
	ta.reader.alerts["ALR-1"] = &alert.Alert{ID: "ALR-1", State: alert.StateOpen}
	ta.reader.alerts["ALR-2"] = &alert.Alert{ID: "ALR-2", State: alert.StateClosed}

	resp := doReq(t, http.MethodGet, ta.srv.URL+"/api/v1/alerts?state=open", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Alerts []*alert.Alert `json:"alerts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Alerts) != 1 || out.Alerts[0].ID != "ALR-1" {
		t.Errorf("alerts = %+v, want just ALR-1", out.Alerts)
	}

	resp = doReq(t, http.MethodGet, ta.srv.URL+"/api/v1/alerts?state=bogus", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus state status = %d, want 400", resp.StatusCode)
	}
}

func TestAssignAlert(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t, "")
	ta.reader.alerts["ALR-1"] = &alert.Alert{ID: "ALR-1", State: alert.StateAssigned}

	resp := doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/alerts/ALR-1/assign", "", `{"channel_id":"hook-ops"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(ta.svc.assigned) != 1 || ta.svc.assigned[0] != "ALR-1->hook-ops" {
		t.Errorf("assigned = %v", ta.svc.assigned)
	}

	resp = doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/alerts/ALR-1/assign", "", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing channel status = %d, want 400", resp.StatusCode)
	}

	ta.svc.assignErr = alert.ErrAlertNotFound
	resp = doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/alerts/ALR-x/assign", "", `{"channel_id":"hook-ops"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("not found status = %d, want 404", resp.StatusCode)
	}

	ta.svc.assignErr = (&alert.Alert{State: alert.StateClosed}).TransitionTo(alert.StateOpen)
	resp = doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/alerts/ALR-1/assign", "", `{"channel_id":"hook-ops"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("invalid transition status = %d, want 409", resp.StatusCode)
	}
}

func TestCloseShield(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t, "")
	ta.svc.summary = aggregate.CohortSummary{EventsSuppressed: 4, AlertsClosed: 2}

	resp := doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/shields/SH1/close", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got aggregate.CohortSummary
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventsSuppressed != 4 || got.AlertsClosed != 2 {
		t.Errorf("summary = %+v", got)
	}

	ta.svc.cohortErr = alert.ErrShieldNotFound
	resp = doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/shields/SH-x/close", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown shield status = %d, want 404", resp.StatusCode)
	}

	ta.svc.cohortErr = alert.ErrEventNotFound
	resp = doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/shields/SH1/close", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("empty cohort status = %d, want 404", resp.StatusCode)
	}
}

func TestOperatorEndpointsRequireToken(t *testing.T) {
	t.Parallel()

	ta := newTestAPI(t, "op-token")
	ta.reader.alerts["ALR-1"] = &alert.Alert{ID: "ALR-1", State: alert.StateOpen}

	resp := doReq(t, http.MethodGet, ta.srv.URL+"/api/v1/alerts/ALR-1", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = doReq(t, http.MethodGet, ta.srv.URL+"/api/v1/alerts/ALR-1", "wrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}

	resp = doReq(t, http.MethodGet, ta.srv.URL+"/api/v1/alerts/ALR-1", "op-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", resp.StatusCode)
	}

	// push ingest authenticates via source secret, not the operator token
	resp = doReq(t, http.MethodPost, ta.srv.URL+"/api/v1/sources/S1/events", "", `[]`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("push without token status = %d, want 202", resp.StatusCode)
	}
}
