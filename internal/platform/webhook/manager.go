// Package webhook delivers merge-engine events (review notifications and
// audit events) to registered HTTP endpoints with HMAC-SHA256 signing,
// bounded retries and a delivery log.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Domain structs
// ---------------------------------------------------------------------------

// Endpoint is a registered webhook destination.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryAttempt records a single delivery attempt for an event.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	WebhookID    string        `json:"webhook_id"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	Payload      []byte        `json:"payload"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success", "failed", "pending"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Event is the envelope posted to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	PatientID string          `json:"patient_id"`
	TxID      string          `json:"tx_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryResult summarises the outcome of delivering an event to one endpoint.
type DeliveryResult struct {
	EndpointID string `json:"endpoint_id"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// ErrNotFound is returned for unknown endpoint or delivery ids.
var ErrNotFound = errors.New("webhook: not found")

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store persists endpoints and delivery attempts.
type Store interface {
	CreateEndpoint(ctx context.Context, endpoint *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	UpdateEndpoint(ctx context.Context, endpoint *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]*DeliveryAttempt, int, error)
	GetDelivery(ctx context.Context, id string) (*DeliveryAttempt, error)
}

// InMemoryStore is a thread-safe Store.
type InMemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[string]*Endpoint
	deliveries    map[string]*DeliveryAttempt
	endpointOrder []string
	deliveryOrder []string
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string]*DeliveryAttempt),
	}
}

func (s *InMemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *InMemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return ep, nil
}

func (s *InMemoryStore) ListEndpoints(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Endpoint, 0, len(s.endpointOrder))
	for _, id := range s.endpointOrder {
		if ep := s.endpoints[id]; ep != nil {
			all = append(all, ep)
		}
	}
	return page(all, limit, offset), len(all), nil
}

func (s *InMemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("endpoint %s: %w", ep.ID, ErrNotFound)
	}
	s.endpoints[ep.ID] = ep
	return nil
}

func (s *InMemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	delete(s.endpoints, id)
	for i, eid := range s.endpointOrder {
		if eid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryStore) RecordDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.deliveries[attempt.ID]; !seen {
		s.deliveryOrder = append(s.deliveryOrder, attempt.ID)
	}
	s.deliveries[attempt.ID] = attempt
	return nil
}

func (s *InMemoryStore) ListDeliveries(_ context.Context, webhookID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*DeliveryAttempt
	for _, id := range s.deliveryOrder {
		if d := s.deliveries[id]; d != nil && d.WebhookID == webhookID {
			filtered = append(filtered, d)
		}
	}
	return page(filtered, limit, offset), len(filtered), nil
}

func (s *InMemoryStore) GetDelivery(_ context.Context, id string) (*DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func page[T any](items []T, limit, offset int) []T {
	total := len(items)
	if offset >= total {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end]
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithMaxAttempts bounds delivery attempts per endpoint and event.
func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithRetryDelays sets the waits between attempts; the last one repeats.
func WithRetryDelays(d ...time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = d }
}

// WithLogger sets the delivery logger.
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager registers endpoints and delivers events to them.
type Manager struct {
	store       Store
	httpClient  *http.Client
	maxAttempts int
	retryDelays []time.Duration
	logger      zerolog.Logger

	wg sync.WaitGroup
}

// NewManager creates a Manager with sensible defaults.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// generateSecret produces a cryptographically random 32-byte hex string.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validateURL checks that the URL is non-empty and uses http or https.
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
	return nil
}

// RegisterEndpoint validates and persists a new endpoint. An empty secret is
// replaced by a random one; no events means every event.
func (m *Manager) RegisterEndpoint(ctx context.Context, rawURL, secret string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	if len(events) == 0 {
		events = []string{"*"}
	}

	ep := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    "active",
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) setStatus(ctx context.Context, id, status string) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return m.store.UpdateEndpoint(ctx, ep)
}

// PauseEndpoint stops deliveries to an endpoint.
func (m *Manager) PauseEndpoint(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, "paused")
}

// ResumeEndpoint re-enables deliveries to an endpoint.
func (m *Manager) ResumeEndpoint(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, "active")
}

// eventMatches reports whether eventType matches a subscription pattern:
// "*", an exact type, "prefix.*" or "*.suffix".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func endpointMatchesEvent(ep *Endpoint, eventType string) bool {
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Send wraps v in an Event and delivers it in the background. Only encoding
// errors are returned; delivery failures land in the delivery log.
func (m *Manager) Send(ctx context.Context, eventType, patientID, txID string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("webhook: encode %s payload: %w", eventType, err)
	}
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		PatientID: patientID,
		TxID:      txID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, r := range m.Deliver(context.WithoutCancel(ctx), event) {
			if !r.Success {
				m.logger.Warn().
					Str("endpoint_id", r.EndpointID).
					Str("event_type", eventType).
					Str("tx_id", txID).
					Int("attempts", r.Attempts).
					Str("error", r.Error).
					Msg("webhook delivery failed")
			}
		}
	}()
	return nil
}

// Close waits for in-flight background deliveries or until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver sends the event to every matching active endpoint, retrying each
// up to the configured attempt limit.
func (m *Manager) Deliver(ctx context.Context, event Event) []DeliveryResult {
	endpoints, _, err := m.store.ListEndpoints(ctx, 0, 0)
	if err != nil {
		m.logger.Error().Err(err).Msg("list webhook endpoints")
		return nil
	}

	var results []DeliveryResult
	for _, ep := range endpoints {
		if ep.Status != "active" || !endpointMatchesEvent(ep, event.Type) {
			continue
		}
		attempt := m.deliverWithRetry(ctx, ep, event)
		results = append(results, DeliveryResult{
			EndpointID: ep.ID,
			Success:    attempt.Status == "success",
			StatusCode: attempt.StatusCode,
			Attempts:   attempt.Attempt,
			Error:      attempt.Error,
		})
	}
	return results
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, event Event) *DeliveryAttempt {
	var attempt *DeliveryAttempt
	for n := 1; n <= m.maxAttempts; n++ {
		attempt = m.DeliverToEndpoint(ctx, ep, event, n)
		if attempt.Status == "success" || n == m.maxAttempts {
			break
		}
		if len(m.retryDelays) == 0 {
			continue
		}
		delay := m.retryDelays[min(n-1, len(m.retryDelays)-1)]
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt
		}
	}
	return attempt
}

// DeliverToEndpoint signs the event and POSTs it once, recording the attempt.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep *Endpoint, event Event, n int) *DeliveryAttempt {
	payload, _ := json.Marshal(event)
	sig := SignPayload(payload, ep.Secret)
	now := time.Now()

	attempt := &DeliveryAttempt{
		ID:        uuid.New().String(),
		WebhookID: ep.ID,
		EventType: event.Type,
		EventID:   event.ID,
		Payload:   payload,
		Signature: sig,
		Attempt:   n,
		Status:    "pending",
		CreatedAt: now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		m.store.RecordDelivery(ctx, attempt)
		return attempt
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	attempt.Duration = time.Since(start)

	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		m.store.RecordDelivery(ctx, attempt)
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
	} else {
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}

	m.store.RecordDelivery(ctx, attempt)
	return attempt
}

// RetryDelivery re-sends a previously recorded attempt once.
func (m *Manager) RetryDelivery(ctx context.Context, deliveryID string) (*DeliveryAttempt, error) {
	original, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.store.GetEndpoint(ctx, original.WebhookID)
	if err != nil {
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(original.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode original payload: %w", err)
	}
	return m.DeliverToEndpoint(ctx, ep, event, original.Attempt+1), nil
}

// GetDeliveryLogs returns paginated delivery attempts for an endpoint.
func (m *Manager) GetDeliveryLogs(ctx context.Context, webhookID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	return m.store.ListDeliveries(ctx, webhookID, limit, offset)
}
