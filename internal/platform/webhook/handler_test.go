package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/custody/internal/platform/auth"
)

func newTestServer(t *testing.T) (*Dispatcher, *echo.Echo) {
	t.Helper()
	d, _ := newTestDispatcher()
	e := echo.New()
	NewHandler(d).RegisterRoutes(e.Group("/api/v1"))
	return d, e
}

func send(e *echo.Echo, method, path, body string, roles ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), "admin-1", "Ada Admin", roles))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RegisterAndList(t *testing.T) {
	_, e := newTestServer(t)

	rec := send(e, http.MethodPost, "/api/v1/webhooks",
		`{"url":"https://lims.example.com/hooks","kinds":["compliance-flag"]}`, "admin")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created Endpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Secret == "" || created.CreatedBy != "admin-1" {
		t.Errorf("unexpected endpoint: %+v", created)
	}

	rec = send(e, http.MethodGet, "/api/v1/webhooks", "", "admin")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var page struct {
		Data  []Endpoint `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if page.Total != 1 || page.Data[0].Secret != "" {
		t.Errorf("secret must be redacted in listings: %+v", page)
	}

	rec = send(e, http.MethodGet, "/api/v1/webhooks/"+created.ID, "", "admin")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), created.Secret) {
		t.Errorf("get: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RejectsInvalid(t *testing.T) {
	_, e := newTestServer(t)
	rec := send(e, http.MethodPost, "/api/v1/webhooks", `{"url":"mailto:x@example.com","kinds":["*"]}`, "admin")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_AdminOnly(t *testing.T) {
	_, e := newTestServer(t)
	rec := send(e, http.MethodGet, "/api/v1/webhooks", "", "compliance_officer")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_PauseTestAndDeliveries(t *testing.T) {
	d, e := newTestServer(t)
	var c captured
	ep := mustRegister(t, d, c.server(t, http.StatusOK).URL, KindAll)

	rec := send(e, http.MethodPost, "/api/v1/webhooks/"+ep.ID+"/pause", "", "admin")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"paused"`) {
		t.Fatalf("pause: %d %s", rec.Code, rec.Body.String())
	}

	rec = send(e, http.MethodPost, "/api/v1/webhooks/"+ep.ID+"/test", "", "admin")
	if rec.Code != http.StatusOK || c.count() != 1 {
		t.Fatalf("test: %d, calls %d", rec.Code, c.count())
	}

	rec = send(e, http.MethodGet, "/api/v1/webhooks/"+ep.ID+"/deliveries", "", "admin")
	var page struct {
		Data  []Delivery `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Data[0].Kind != kindTest {
		t.Errorf("unexpected deliveries: %+v", page)
	}

	rec = send(e, http.MethodPost, "/api/v1/webhooks/deliveries/"+page.Data[0].ID+"/retry", "", "admin")
	if rec.Code != http.StatusOK || c.count() != 2 {
		t.Errorf("retry: %d, calls %d", rec.Code, c.count())
	}
}

func TestHandler_NotFound(t *testing.T) {
	_, e := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/webhooks/nope"},
		{http.MethodDelete, "/api/v1/webhooks/nope"},
		{http.MethodPost, "/api/v1/webhooks/nope/resume"},
		{http.MethodGet, "/api/v1/webhooks/nope/deliveries"},
		{http.MethodPost, "/api/v1/webhooks/deliveries/nope/retry"},
	} {
		if rec := send(e, tc.method, tc.path, "", "admin"); rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestHandler_Delete(t *testing.T) {
	d, e := newTestServer(t)
	ep := mustRegister(t, d, "https://example.com/hook", KindAll)
	if rec := send(e, http.MethodDelete, "/api/v1/webhooks/"+ep.ID, "", "admin"); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := d.store.GetEndpoint(context.Background(), ep.ID); err != ErrEndpointNotFound {
		t.Errorf("expected endpoint removed, got %v", err)
	}
}
