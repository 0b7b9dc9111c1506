package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/platform/stream"
)

func newTestDispatcher(opts ...Option) (*Dispatcher, *MemoryStore) {
	store := NewMemoryStore()
	opts = append([]Option{WithRetryDelays()}, opts...)
	return NewDispatcher(store, zerolog.Nop(), nil, opts...), store
}

func mustRegister(t *testing.T, d *Dispatcher, url string, kinds ...stream.Kind) *Endpoint {
	t.Helper()
	ep, err := d.Register(context.Background(), url, "test-secret", kinds, "admin-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return ep
}

type captured struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *captured) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

var flag = stream.EventSummary{
	Sequence:   7,
	Kind:       stream.KindComplianceFlag,
	SpecimenID: "sp-1",
	Verdict:    "non-compliant",
	Previous:   "compliant",
}

func TestRegister_Validation(t *testing.T) {
	d, _ := newTestDispatcher()
	tests := []struct {
		name  string
		url   string
		kinds []stream.Kind
	}{
		{"empty url", "", []stream.Kind{KindAll}},
		{"bad scheme", "ftp://example.com/hook", []stream.Kind{KindAll}},
		{"no host", "https:///hook", []stream.Kind{KindAll}},
		{"no kinds", "https://example.com/hook", nil},
		{"unknown kind", "https://example.com/hook", []stream.Kind{"billing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Register(context.Background(), tt.url, "", tt.kinds, ""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegister_GeneratesSecret(t *testing.T) {
	d, _ := newTestDispatcher()
	ep, err := d.Register(context.Background(), "https://example.com/hook", "", []stream.Kind{KindAll}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ep.Secret) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(ep.Secret))
	}
	if ep.Status != StatusActive {
		t.Errorf("expected active, got %s", ep.Status)
	}
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"kind":"custody-event"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected valid signature")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestDeliver_SignedAndFiltered(t *testing.T) {
	d, store := newTestDispatcher()
	var flags, events captured
	flagEP := mustRegister(t, d, flags.server(t, http.StatusOK).URL, stream.KindComplianceFlag)
	mustRegister(t, d, events.server(t, http.StatusOK).URL, stream.KindCustodyEvent)

	results := d.Deliver(context.Background(), flag)
	if len(results) != 1 || results[0].Status != DeliverySuccess {
		t.Fatalf("unexpected results: %+v", results)
	}
	if flags.count() != 1 || events.count() != 0 {
		t.Fatalf("expected only the flag endpoint called, got %d/%d", flags.count(), events.count())
	}

	h := flags.headers[0]
	if h.Get(HeaderKind) != string(stream.KindComplianceFlag) {
		t.Errorf("kind header = %q", h.Get(HeaderKind))
	}
	sig := strings.TrimPrefix(h.Get(HeaderSignature), "sha256=")
	if !VerifySignature(flags.bodies[0], "test-secret", sig) {
		t.Error("signature does not verify")
	}
	var got stream.EventSummary
	if err := json.Unmarshal(flags.bodies[0], &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.SpecimenID != "sp-1" || got.Verdict != "non-compliant" {
		t.Errorf("unexpected body: %+v", got)
	}

	logs, _ := store.ListDeliveries(context.Background(), flagEP.ID)
	if len(logs) != 1 || logs[0].StatusCode != http.StatusOK || logs[0].Sequence != 7 {
		t.Errorf("unexpected delivery log: %+v", logs)
	}
}

func TestDeliver_PausedSkipped(t *testing.T) {
	d, _ := newTestDispatcher()
	var c captured
	ep := mustRegister(t, d, c.server(t, http.StatusOK).URL, KindAll)
	if _, err := d.SetStatus(context.Background(), ep.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if res := d.Deliver(context.Background(), flag); len(res) != 0 || c.count() != 0 {
		t.Errorf("paused endpoint was called")
	}
	if _, err := d.SetStatus(context.Background(), ep.ID, "sleeping"); err == nil {
		t.Error("expected unknown status error")
	}
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, store := newTestDispatcher(WithRetryDelays(time.Millisecond, time.Millisecond, time.Millisecond))
	ep := mustRegister(t, d, srv.URL, KindAll)

	res := d.Deliver(context.Background(), flag)
	if len(res) != 1 || res[0].Status != DeliverySuccess || res[0].Attempt != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	logs, _ := store.ListDeliveries(context.Background(), ep.ID)
	if len(logs) != 3 {
		t.Errorf("expected 3 logged attempts, got %d", len(logs))
	}
	if logs[0].Attempt != 3 {
		t.Errorf("expected newest first, got attempt %d", logs[0].Attempt)
	}
}

func TestDeliver_ClientErrorNotRetried(t *testing.T) {
	var c captured
	d, _ := newTestDispatcher(WithRetryDelays(time.Millisecond, time.Millisecond))
	mustRegister(t, d, c.server(t, http.StatusBadRequest).URL, KindAll)

	res := d.Deliver(context.Background(), flag)
	if len(res) != 1 || res[0].Status != DeliveryFailed || res[0].StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected result: %+v", res)
	}
	if c.count() != 1 {
		t.Errorf("expected a single attempt, got %d", c.count())
	}
}

func TestDeliver_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d, _ := newTestDispatcher()
	mustRegister(t, d, url, KindAll)
	res := d.Deliver(context.Background(), flag)
	if len(res) != 1 || res[0].Status != DeliveryFailed || res[0].StatusCode != 0 || res[0].Error == "" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRedeliver(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher()
	mustRegister(t, d, srv.URL, KindAll)
	first := d.Deliver(context.Background(), flag)[0]
	if first.Status != DeliveryFailed {
		t.Fatalf("expected failure, got %+v", first)
	}

	fail.Store(false)
	again, err := d.Redeliver(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if again.Status != DeliverySuccess || again.Attempt != 2 || string(again.Payload) != string(first.Payload) {
		t.Errorf("unexpected redelivery: %+v", again)
	}

	if _, err := d.Redeliver(context.Background(), "missing"); err != ErrDeliveryNotFound {
		t.Errorf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestRun_DeliversLocalSummariesOnly(t *testing.T) {
	var c captured
	d, _ := newTestDispatcher()
	mustRegister(t, d, c.server(t, http.StatusOK).URL, KindAll)

	hub := stream.NewHub(8, zerolog.Nop(), nil)
	sub := hub.Subscribe()
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), sub)
		close(done)
	}()

	hub.Publish(flag)
	remote := flag
	remote.Origin = "node-b"
	hub.Publish(remote)
	sub.Close()
	<-done

	if c.count() != 1 {
		t.Errorf("expected 1 delivery, got %d", c.count())
	}
}
