package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/stevening1/rpm-to-fhir-api/internal/config"
	"github.com/stevening1/rpm-to-fhir-api/internal/domain/ingest"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/db"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhirclient/fhirtest"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/telemetry"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "test",
		LogLevel:                 "debug",
		FHIRBaseURL:              baseURL,
		InvocationTimeout:        5 * time.Second,
		BodyLimit:                "1K",
		PatientFailurePolicy:     "abort",
		ObservationFailurePolicy: "report",
		AttemptBufferSize:        100,
	}
}

func newTestServer(t *testing.T) (*echo.Echo, *fhirtest.Server, *telemetry.Provider) {
	t.Helper()
	upstream := fhirtest.NewServer()
	t.Cleanup(upstream.Close)

	cfg := testConfig(upstream.BaseURL())
	metrics := telemetry.NewProvider()
	svc, cleanup, err := buildService(context.Background(), cfg, zerolog.Nop(), metrics)
	if err != nil {
		t.Fatalf("buildService: %v", err)
	}
	t.Cleanup(cleanup)
	return newServer(cfg, zerolog.Nop(), svc, metrics, nil), upstream, metrics
}

func TestServer_ProxyPatientOnly(t *testing.T) {
	e, upstream, metrics := newTestServer(t)

	body := `{"patient": {"patient_id": "patient-1", "name": "Patient patient-1", "birth_date": "1985-06-15", "gender": "male", "identifier": "patient-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/jsonToFhirHandler", strings.NewReader(body))
	req.Header.Set("X-Request-ID", "load-client-7")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") != "load-client-7" {
		t.Errorf("request id not echoed: %q", rec.Header().Get("X-Request-ID"))
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["patient_id"] != "patient-1" || resp["observation_id"] != "N/A" {
		t.Errorf("unexpected body: %v", resp)
	}
	if _, ok := upstream.Stored("Patient", "patient-1"); !ok {
		t.Error("patient not stored upstream")
	}
	if got := metrics.Counter(telemetry.MetricDispatchTotal, "resource_type", "Patient", "outcome", "created"); got != 1 {
		t.Errorf("dispatch counter = %d, want 1", got)
	}

	// The ledger is reachable through the operator API.
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attempts", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"request_id":"load-client-7"`) {
		t.Errorf("attempts endpoint: %d %s", rec.Code, rec.Body.String())
	}
}

func TestServer_MissingBody(t *testing.T) {
	e, upstream, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jsonToFhirHandler", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"error":"Missing request body"}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if n := len(upstream.Requests()); n != 0 {
		t.Errorf("expected no upstream calls, got %d", n)
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	e, upstream, _ := newTestServer(t)

	big := `{"patient":{"patient_id":"p1","identifier":"p1","text":"` + strings.Repeat("x", 2048) + `"}}`
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jsonToFhirHandler", strings.NewReader(big)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if n := len(upstream.Requests()); n != 0 {
		t.Errorf("expected no upstream calls, got %d", n)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	e, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "abort-on-patient-failure,report-on-observation-failure") {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `http_server_requests_total{method="GET",route="/health",status_code="200"} 1`) {
		t.Errorf("expected /health request in metrics:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected /health/db to be absent without a database, got %d", rec.Code)
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"not found", echo.NewHTTPError(http.StatusNotFound, "attempt not found"), 404, `{"error":"attempt not found"}`},
		{"http 500 hides detail", echo.NewHTTPError(http.StatusInternalServerError, "pq: relation missing"), 500, `{"error":"Internal server error"}`},
		{"plain error", context.DeadlineExceeded, 500, `{"error":"Internal server error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			errorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if strings.TrimSpace(rec.Body.String()) != tt.wantBody {
				t.Errorf("body = %s, want %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRunInvoke(t *testing.T) {
	upstream := fhirtest.NewServer()
	defer upstream.Close()
	svc, cleanup, err := buildService(context.Background(), testConfig(upstream.BaseURL()), zerolog.Nop(), telemetry.NewProvider())
	if err != nil {
		t.Fatalf("buildService: %v", err)
	}
	defer cleanup()

	payload := `{"observation":{"observation_id":"obs-1","patient_id":"p1","heart_rate":80}}`
	event, _ := json.Marshal(map[string]string{"body": payload})

	tests := []struct {
		name       string
		input      string
		raw        bool
		wantStatus int
	}{
		{"event", string(event), false, http.StatusOK},
		{"raw payload", payload, true, http.StatusOK},
		{"event without body", `{}`, false, http.StatusBadRequest},
		{"empty raw input", "", true, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runInvoke(context.Background(), svc, strings.NewReader(tt.input), &out, tt.raw); err != nil {
				t.Fatalf("runInvoke: %v", err)
			}
			var ev ingest.EventResponse
			if err := json.Unmarshal(out.Bytes(), &ev); err != nil {
				t.Fatalf("decode output: %v", err)
			}
			if ev.StatusCode != tt.wantStatus {
				t.Errorf("statusCode = %d, want %d (body %s)", ev.StatusCode, tt.wantStatus, ev.Body)
			}
		})
	}

	if err := runInvoke(context.Background(), svc, strings.NewReader("not json"), &bytes.Buffer{}, false); err == nil {
		t.Error("expected error for malformed event")
	}
}

func TestPolicyFrom(t *testing.T) {
	cfg := testConfig("http://localhost/fhir")
	cfg.PatientFailurePolicy = "report"
	p, err := policyFrom(cfg)
	if err != nil {
		t.Fatalf("policyFrom: %v", err)
	}
	if p.Patient != ingest.ReportOnFailure || p.Observation != ingest.ReportOnFailure {
		t.Errorf("unexpected policy: %+v", p)
	}

	cfg.ObservationFailurePolicy = "ignore"
	if _, err := policyFrom(cfg); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig("http://localhost/fhir")
	cfg.LogLevel = "warn"
	logger := newLogger(cfg, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_dispatch_attempt.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_next.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2025-05-01 12:00:00") || !strings.Contains(out, "pending") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}
