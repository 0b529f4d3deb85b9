// Package webhook delivers tracker events to registered HTTP endpoints and
// accepts signed status callbacks from external services.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
	"github.com/aipjn/character-creation-platform-sub000/internal/metrics"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
)

const tracerName = "github.com/aipjn/character-creation-platform-sub000/internal/webhook"

var (
	ErrInvalidURL       = errors.New("webhook: url must be absolute http or https")
	ErrUnknownEvent     = errors.New("webhook: unknown event type")
	ErrWebhookNotFound  = errors.New("webhook: registration not found")
	ErrDeliveryNotFound = errors.New("webhook: delivery not found")
)

type Config struct {
	Timeout         time.Duration
	RetryAttempts   int
	MaxPayloadSize  int64
	ProcessInterval time.Duration
	BatchSize       int
	// TimestampTolerance bounds the clock skew accepted on inbound callbacks.
	TimestampTolerance time.Duration
	// InboundSecrets maps an X-Source value to its signing secret. The
	// DefaultInboundSecret applies to sources without an entry.
	InboundSecrets       map[string]string
	DefaultInboundSecret string
}

func DefaultConfig() Config {
	return Config{
		Timeout:            10 * time.Second,
		RetryAttempts:      3,
		MaxPayloadSize:     1 << 20,
		ProcessInterval:    time.Second,
		BatchSize:          10,
		TimestampTolerance: 300 * time.Second,
	}
}

// StatusUpdater receives normalized inbound updates. *tracker.Tracker
// implements it.
type StatusUpdater interface {
	UpdateJobStatus(ctx context.Context, id string, change tracker.Change) bool
}

type Options struct {
	Updater    StatusUpdater
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Config     Config
}

// Registration is an outbound endpoint. An empty Events list subscribes to
// every event.
type Registration struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Events    []domain.EventType `json:"events"`
	Secret    string             `json:"-"`
	HasSecret bool               `json:"hasSecret"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"createdAt"`

	SuccessCount    int        `json:"successCount"`
	FailureCount    int        `json:"failureCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

func (r *Registration) wants(t domain.EventType) bool {
	if !r.Active {
		return false
	}
	if len(r.Events) == 0 {
		return true
	}
	for _, e := range r.Events {
		if e == t {
			return true
		}
	}
	return false
}

type DeliveryStatus string

// A delivery is retrying while an attempt is in flight. A failed attempt
// with attempts left puts it back to pending.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) live() bool {
	return s == DeliveryPending || s == DeliveryRetrying
}

// Delivery is one queued POST of one event to one registration.
type Delivery struct {
	ID            string           `json:"id"`
	WebhookID     string           `json:"webhookId"`
	URL           string           `json:"url"`
	Event         domain.EventType `json:"event"`
	JobID         string           `json:"jobId,omitempty"`
	Payload       json.RawMessage  `json:"payload"`
	Signature     string           `json:"signature,omitempty"`
	Status        DeliveryStatus   `json:"status"`
	Attempts      int              `json:"attempts"`
	LastAttemptAt *time.Time       `json:"lastAttemptAt,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
	ResponseCode  int              `json:"responseCode,omitempty"`
	DeliveredAt   *time.Time       `json:"deliveredAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// Payload is the JSON body POSTed to registrations.
type Payload struct {
	Event     domain.EventType `json:"event"`
	Timestamp string           `json:"timestamp"`
	Data      PayloadData      `json:"data"`
}

type PayloadData struct {
	Job      json.RawMessage            `json:"job,omitempty"`
	JobID    string                     `json:"jobId,omitempty"`
	User     *PayloadUser               `json:"user,omitempty"`
	Status   domain.JobStatus           `json:"status,omitempty"`
	Progress *domain.GenerationProgress `json:"progress,omitempty"`
	Result   []domain.GenerationResult  `json:"result,omitempty"`
	Error    *domain.GenerationError    `json:"error,omitempty"`
	Metadata map[string]any             `json:"metadata,omitempty"`
}

type PayloadUser struct {
	ID string `json:"id"`
}

// Controller is the Webhook Controller.
type Controller struct {
	updater StatusUpdater
	client  *http.Client
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	cfg     Config

	tick sync.Mutex

	mu         sync.Mutex
	webhooks   map[string]*Registration
	deliveries map[string]*Delivery
	order      []string
}

func New(opts Options) *Controller {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = def.MaxPayloadSize
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = def.ProcessInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = def.TimestampTolerance
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Controller{
		updater:    opts.Updater,
		client:     client,
		clock:      clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     tracer,
		cfg:        cfg,
		webhooks:   make(map[string]*Registration),
		deliveries: make(map[string]*Delivery),
	}
}

// RegisterWebhook adds an outbound endpoint.
func (c *Controller) RegisterWebhook(rawURL string, eventTypes []domain.EventType, secret string) (Registration, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Registration{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	for _, et := range eventTypes {
		if !et.Valid() {
			return Registration{}, fmt.Errorf("%w: %q", ErrUnknownEvent, et)
		}
	}
	reg := &Registration{
		ID:        uuid.NewString(),
		URL:       u.String(),
		Events:    append([]domain.EventType(nil), eventTypes...),
		Secret:    secret,
		HasSecret: secret != "",
		Active:    true,
		CreatedAt: c.clock.Now().UTC(),
	}
	c.mu.Lock()
	c.webhooks[reg.ID] = reg
	c.mu.Unlock()
	c.logger.Info().Str("webhook_id", reg.ID).Str("url", reg.URL).Int("events", len(reg.Events)).Msg("webhook: registered")
	return *reg, nil
}

// UnregisterWebhook removes a registration. Its pending and in-flight
// deliveries are marked failed.
func (c *Controller) UnregisterWebhook(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.webhooks[id]; !ok {
		return ErrWebhookNotFound
	}
	delete(c.webhooks, id)
	for _, d := range c.deliveries {
		if d.WebhookID == id && d.Status.live() {
			d.Status = DeliveryFailed
			d.LastError = "webhook unregistered"
		}
	}
	c.logger.Info().Str("webhook_id", id).Msg("webhook: unregistered")
	return nil
}

// ListWebhooks returns registrations ordered by creation time.
func (c *Controller) ListWebhooks() []Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Registration, 0, len(c.webhooks))
	for _, r := range c.webhooks {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HandleEvent queues one delivery per registration interested in ev.
func (c *Controller) HandleEvent(ctx context.Context, ev events.Event) {
	c.mu.Lock()
	var targets []*Registration
	for _, r := range c.webhooks {
		if r.wants(ev.Type) {
			targets = append(targets, r)
		}
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	body, err := c.buildPayload(ev)
	if err != nil {
		c.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("webhook: payload encoding failed")
		return
	}
	if int64(len(body)) > c.cfg.MaxPayloadSize {
		c.logger.Warn().Int("size", len(body)).Str("job_id", ev.JobID).Msg("webhook: payload too large, not queued")
		return
	}

	now := c.clock.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range targets {
		d := &Delivery{
			ID:        uuid.NewString(),
			WebhookID: r.ID,
			URL:       r.URL,
			Event:     ev.Type,
			JobID:     ev.JobID,
			Payload:   body,
			Status:    DeliveryPending,
			CreatedAt: now,
		}
		if r.Secret != "" {
			d.Signature = Sign(r.Secret, body)
		}
		c.deliveries[d.ID] = d
		c.order = append(c.order, d.ID)
	}
}

func (c *Controller) buildPayload(ev events.Event) ([]byte, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	p := Payload{
		Event:     ev.Type,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Data: PayloadData{
			JobID:    ev.JobID,
			Status:   ev.Status,
			Progress: ev.Progress,
			Result:   ev.Results,
			Error:    ev.Error,
			Metadata: ev.Metadata,
		},
	}
	if ev.UserID != "" {
		p.Data.User = &PayloadUser{ID: ev.UserID}
	}
	if ev.Job != nil {
		doc, err := domain.MarshalJob(ev.Job)
		if err != nil {
			return nil, err
		}
		p.Data.Job = doc
	}
	return json.Marshal(p)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// GetDelivery returns a copy of one delivery.
func (c *Controller) GetDelivery(id string) (Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deliveries[id]
	if !ok {
		return Delivery{}, ErrDeliveryNotFound
	}
	return *d, nil
}

// DeliveryFilter narrows Deliveries. Zero values match everything.
type DeliveryFilter struct {
	WebhookID string
	JobID     string
	Status    DeliveryStatus
	Limit     int
}

// Deliveries returns matching deliveries, oldest first.
func (c *Controller) Deliveries(f DeliveryFilter) []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Delivery
	for _, id := range c.order {
		d := c.deliveries[id]
		if f.WebhookID != "" && d.WebhookID != f.WebhookID {
			continue
		}
		if f.JobID != "" && d.JobID != f.JobID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, *d)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// PurgeDeliveries drops delivered and failed deliveries created before
// now-olderThan and returns how many were removed.
func (c *Controller) PurgeDeliveries(olderThan time.Duration) int {
	cutoff := c.clock.Now().UTC().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	removed := 0
	for _, id := range c.order {
		d := c.deliveries[id]
		if !d.Status.live() && d.CreatedAt.Before(cutoff) {
			delete(c.deliveries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	if removed > 0 {
		c.logger.Info().Int("removed", removed).Msg("webhook: purged deliveries")
	}
	return removed
}
