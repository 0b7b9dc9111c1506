package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/custody/internal/platform/metrics"
	"github.com/ehr/custody/internal/platform/stream"
)

const (
	HeaderSignature = "X-Custody-Signature"
	HeaderKind      = "X-Custody-Kind"
	HeaderDelivery  = "X-Custody-Delivery"
	HeaderTimestamp = "X-Custody-Timestamp"
)

// kindTest marks the synthetic summary sent by Test.
const kindTest stream.Kind = "webhook-test"

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the waits between attempts. An empty list disables
// retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.delays = delays }
}

// WithWorkers bounds how many summaries Run delivers at once.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// Dispatcher manages endpoints and delivers summaries to them.
type Dispatcher struct {
	store   Store
	client  *http.Client
	delays  []time.Duration
	workers int
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDispatcher(store Store, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		delays:  []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		workers: 4,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

func validateKinds(kinds []stream.Kind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("at least one kind is required")
	}
	for _, k := range kinds {
		switch k {
		case KindAll, stream.KindCustodyEvent, stream.KindComplianceFlag, stream.KindPartialWrite:
		default:
			return fmt.Errorf("unknown kind %q", k)
		}
	}
	return nil
}

// Register validates and stores a new endpoint. An empty secret is replaced
// with a random one, which is returned only here.
func (d *Dispatcher) Register(ctx context.Context, rawURL, secret string, kinds []stream.Kind, createdBy string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if err := validateKinds(kinds); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Kinds:     kinds,
		Status:    StatusActive,
		CreatedBy: createdBy,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	d.logger.Info().Str("endpoint_id", ep.ID).Str("url", ep.URL).Msg("webhook endpoint registered")
	return ep, nil
}

// SetStatus pauses or resumes an endpoint.
func (d *Dispatcher) SetStatus(ctx context.Context, id, status string) (*Endpoint, error) {
	if status != StatusActive && status != StatusPaused {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	ep, err := d.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	ep.Status = status
	if err := d.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// Deliver sends s to every active endpoint subscribed to its kind and returns
// the final attempt for each.
func (d *Dispatcher) Deliver(ctx context.Context, s stream.EventSummary) []*Delivery {
	endpoints, err := d.store.ListEndpoints(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("webhook: list endpoints failed")
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		d.logger.Error().Err(err).Msg("webhook: encode summary failed")
		return nil
	}

	var out []*Delivery
	for _, ep := range endpoints {
		if ep.Status != StatusActive || !ep.Wants(s.Kind) {
			continue
		}
		out = append(out, d.deliverWithRetry(ctx, ep, s, payload))
	}
	return out
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep *Endpoint, s stream.EventSummary, payload []byte) *Delivery {
	var last *Delivery
	for attempt := 1; ; attempt++ {
		last = d.attempt(ctx, ep, s.Kind, s.SpecimenID, s.Sequence, payload, attempt)
		if last.Status == DeliverySuccess || !retryable(last.StatusCode) || attempt > len(d.delays) {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(d.delays[attempt-1]):
		}
	}
}

// retryable is true for transport errors (code 0), throttling and server errors.
func retryable(code int) bool {
	return code == 0 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// attempt performs one signed POST and records it.
func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, kind stream.Kind, specimenID string, seq uint64, payload []byte, n int) *Delivery {
	now := d.now().UTC()
	del := &Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		Kind:       kind,
		SpecimenID: specimenID,
		Sequence:   seq,
		Payload:    payload,
		Attempt:    n,
		Status:     DeliveryFailed,
		CreatedAt:  now,
	}
	defer func() {
		d.metrics.IncWebhookDelivery(del.Status)
		if err := d.store.RecordDelivery(ctx, del); err != nil {
			d.logger.Warn().Err(err).Str("delivery_id", del.ID).Msg("webhook: record delivery failed")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		del.Error = err.Error()
		return del
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set(HeaderKind, string(kind))
	req.Header.Set(HeaderDelivery, del.ID)
	req.Header.Set(HeaderTimestamp, now.Format(time.RFC3339))

	start := time.Now()
	resp, err := d.client.Do(req)
	del.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		del.Error = err.Error()
		d.logger.Warn().Err(err).Str("endpoint_id", ep.ID).Int("attempt", n).Msg("webhook delivery failed")
		return del
	}
	defer resp.Body.Close()

	del.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	del.ResponseBody = string(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		del.Status = DeliverySuccess
		return del
	}
	del.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	d.logger.Warn().Str("endpoint_id", ep.ID).Int("status", resp.StatusCode).Int("attempt", n).Msg("webhook delivery rejected")
	return del
}

// Redeliver sends a logged delivery's payload again, once, signed with the
// endpoint's current secret.
func (d *Dispatcher) Redeliver(ctx context.Context, deliveryID string) (*Delivery, error) {
	orig, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := d.store.GetEndpoint(ctx, orig.EndpointID)
	if err != nil {
		return nil, err
	}
	return d.attempt(ctx, ep, orig.Kind, orig.SpecimenID, orig.Sequence, orig.Payload, orig.Attempt+1), nil
}

// Test sends a synthetic summary to one endpoint regardless of its kinds or
// status.
func (d *Dispatcher) Test(ctx context.Context, endpointID string) (*Delivery, error) {
	ep, err := d.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	s := stream.EventSummary{Kind: kindTest, Message: "webhook test", Timestamp: d.now().UTC()}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return d.attempt(ctx, ep, s.Kind, "", 0, payload, 1), nil
}

// Run delivers summaries from sub until ctx ends or sub is closed. Summaries
// relayed from other instances are skipped; their origin delivers them.
func (d *Dispatcher) Run(ctx context.Context, sub *stream.Subscription) {
	var g errgroup.Group
	g.SetLimit(d.workers)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sub.C:
			if !ok {
				return
			}
			if s.Origin != "" {
				continue
			}
			g.Go(func() error {
				d.Deliver(ctx, s)
				return nil
			})
		}
	}
}
