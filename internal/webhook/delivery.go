package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Run processes the delivery queue every ProcessInterval until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.ProcessInterval)
	defer ticker.Stop()
	c.logger.Info().Dur("interval", c.cfg.ProcessInterval).Msg("webhook: delivery processor started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("webhook: delivery processor stopped")
			return nil
		case <-ticker.Chan():
			c.ProcessDeliveries(ctx)
		}
	}
}

// ProcessDeliveries attempts up to BatchSize pending deliveries, oldest
// first, and returns how many were attempted.
func (c *Controller) ProcessDeliveries(ctx context.Context) int {
	c.tick.Lock()
	defer c.tick.Unlock()

	c.mu.Lock()
	var batch []Delivery
	for _, id := range c.order {
		d := c.deliveries[id]
		if d.Status != DeliveryPending {
			continue
		}
		d.Status = DeliveryRetrying
		batch = append(batch, *d)
		if len(batch) == c.cfg.BatchSize {
			break
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range batch {
		g.Go(func() error {
			c.attempt(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch)
}

type attemptResult struct {
	code int
	err  error
}

func (c *Controller) attempt(ctx context.Context, d Delivery) {
	ctx, span := c.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("webhook.id", d.WebhookID),
		attribute.String("webhook.delivery_id", d.ID),
		attribute.String("webhook.event", string(d.Event)),
		attribute.Int("webhook.attempt", d.Attempts+1),
	))
	defer span.End()

	start := c.clock.Now()
	res := c.post(ctx, d)
	took := c.clock.Since(start)
	now := c.clock.Now().UTC()

	c.mu.Lock()
	cur, ok := c.deliveries[d.ID]
	if !ok || cur.Status != DeliveryRetrying {
		c.mu.Unlock()
		return
	}
	cur.Attempts++
	cur.LastAttemptAt = &now
	cur.ResponseCode = res.code
	outcome := "delivered"
	switch {
	case res.err == nil:
		cur.Status = DeliveryDelivered
		cur.DeliveredAt = &now
		cur.LastError = ""
	case cur.Attempts >= c.cfg.RetryAttempts:
		cur.Status = DeliveryFailed
		cur.LastError = res.err.Error()
		outcome = "failed"
	default:
		cur.Status = DeliveryPending
		cur.LastError = res.err.Error()
		outcome = "retry"
	}
	if reg, ok := c.webhooks[cur.WebhookID]; ok {
		reg.LastTriggeredAt = &now
		if res.err == nil {
			reg.SuccessCount++
			reg.LastError = ""
		} else {
			reg.FailureCount++
			reg.LastError = res.err.Error()
		}
	}
	attempts := cur.Attempts
	c.mu.Unlock()

	c.metrics.WebhookAttempt(outcome, took)
	logger := c.logger.With().
		Str("webhook_id", d.WebhookID).
		Str("delivery_id", d.ID).
		Str("event", string(d.Event)).
		Int("attempts", attempts).
		Logger()
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		if outcome == "failed" {
			logger.Error().Err(res.err).Msg("webhook: delivery failed permanently")
		} else {
			logger.Warn().Err(res.err).Msg("webhook: delivery attempt failed")
		}
		return
	}
	logger.Debug().Int("status", res.code).Dur("took", took).Msg("webhook: delivered")
}

func (c *Controller) post(ctx context.Context, d Delivery) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return attemptResult{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chargen-webhooks/1.0")
	req.Header.Set("X-Webhook-ID", d.WebhookID)
	req.Header.Set("X-Delivery-ID", d.ID)
	req.Header.Set("X-Event", string(d.Event))
	if d.Signature != "" {
		req.Header.Set("X-Signature", d.Signature)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return attemptResult{err: fmt.Errorf("post: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return attemptResult{code: resp.StatusCode, err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return attemptResult{code: resp.StatusCode}
}
