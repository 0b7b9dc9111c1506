package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/config"
	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/domain/compliance"
	"github.com/ehr/custody/internal/platform/auth"
)

func devConfig() *config.Config {
	return &config.Config{
		Env:                   "development",
		GapThreshold:          30 * time.Minute,
		HighSeverityGap:       2 * time.Hour,
		MaxHighViolations:     2,
		MalformedEventPenalty: 10,
		ReportTimeout:         5 * time.Second,
		ReportConcurrency:     2,
		StreamBuffer:          16,
		MetricsEnabled:        true,
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2026-06-01", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"2026-06-01T09:30:00+02:00", time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTime(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestAuthIdentity(t *testing.T) {
	if _, err := (authIdentity{}).CurrentActor(context.Background()); err == nil {
		t.Error("expected error without identity")
	}
	ctx := auth.WithIdentity(context.Background(), "tech-1", "Lee Tech", []string{"lab_tech"})
	actor, err := (authIdentity{}).CurrentActor(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.ID != "tech-1" || actor.DisplayName != "Lee Tech" || actor.Role != "lab_tech" {
		t.Errorf("unexpected actor: %+v", actor)
	}
}

const catalogYAML = `
locations:
  - id: intake
    name: Intake
    category: reception
  - id: bench
    name: Bench
    category: processing
stations:
  - id: intake-desk
    name: Intake Desk
    location_id: intake
requirements:
  - id: local-custody
    name: Local custody rule
    category: chain-of-custody
    controls:
      chain_of_custody: true
    required_documentation: [performer]
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	reg, reqs, err := loadCatalog("")
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	if len(reg.Locations()) == 0 || len(reqs) != len(compliance.DefaultRequirements()) {
		t.Errorf("unexpected default catalog: %d locations, %d requirements", len(reg.Locations()), len(reqs))
	}

	reg, reqs, err = loadCatalog(writeCatalog(t))
	if err != nil {
		t.Fatalf("file catalog: %v", err)
	}
	if len(reg.Locations()) != 2 || len(reg.Stations()) != 1 || len(reqs) != 1 || reqs[0].ID != "local-custody" {
		t.Errorf("unexpected file catalog: %d locations, %d stations, %+v", len(reg.Locations()), len(reg.Stations()), reqs)
	}
}

func TestRegistryValidateCmd(t *testing.T) {
	cmd := registryCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", "--file", writeCatalog(t)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "2 location(s), 1 station(s), 1 requirement(s)") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func request(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_InMemoryFlow(t *testing.T) {
	a, err := buildApp(context.Background(), devConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()
	e := a.newServer()
	sub := a.hub.Subscribe()
	defer sub.Close()

	if rec := request(e, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if rec := request(e, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}

	rec := request(e, http.MethodPost, "/api/v1/custody/specimens", `{"id":"sp-1","type":"blood","current_location":"reception"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	for _, st := range []string{"accession-1", "centrifuge-1"} {
		rec = request(e, http.MethodPost, "/api/v1/custody/check-in", `{"specimen_id":"sp-1","station_id":"`+st+`","qr_code_scanned":true}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("check-in %s: %d %s", st, rec.Code, rec.Body.String())
		}
	}

	select {
	case s := <-sub.C:
		if s.SpecimenID != "sp-1" || s.Verdict != string(audittrail.VerdictCompliant) {
			t.Errorf("unexpected stream summary: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a stream summary")
	}

	rec = request(e, http.MethodGet, "/api/v1/custody/specimens/sp-1/trail", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("trail: %d", rec.Code)
	}
	var trail audittrail.AuditTrail
	if err := json.Unmarshal(rec.Body.Bytes(), &trail); err != nil {
		t.Fatalf("decode trail: %v", err)
	}
	if len(trail.Events) != 2 || trail.Compliance.Overall != audittrail.VerdictCompliant {
		t.Errorf("unexpected trail: %d events, verdict %s", len(trail.Events), trail.Compliance.Overall)
	}

	rec = request(e, http.MethodPost, "/api/v1/compliance/reports", `{"type":"daily"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("report: %d %s", rec.Code, rec.Body.String())
	}
	var rep compliance.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.TotalSpecimens != 1 || rep.ComplianceRate != 100 || rep.GeneratedBy != "dev-user" {
		t.Errorf("unexpected report: total=%d rate=%g by=%q", rep.TotalSpecimens, rep.ComplianceRate, rep.GeneratedBy)
	}

	rec = request(e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "custody_events_recorded_total") {
		t.Errorf("metrics missing custody collectors: %d", rec.Code)
	}
}

func TestServer_JWTRequired(t *testing.T) {
	cfg := devConfig()
	cfg.AuthSigningKey = strings.Repeat("s", 32)
	a, err := buildApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()
	e := a.newServer()

	if rec := request(e, http.MethodGet, "/api/v1/locations", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := request(e, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", rec.Code)
	}
}
