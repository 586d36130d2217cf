// Package callback delivers signed fire-and-forget webhooks to
// user-configured URLs, with a fixed retry schedule and an append-only
// delivery log.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flydesk/flydesk/internal/models"
)

// deliveryStore records one row per delivery attempt (store.CallbackDeliveryRepo).
type deliveryStore interface {
	Record(ctx context.Context, d *models.CallbackDelivery) error
}

// DefaultSchedule is the attempt offsets: immediate, 30 s, 300 s.
var DefaultSchedule = []time.Duration{0, 30 * time.Second, 300 * time.Second}

// attemptTimeout bounds each outbound HTTP call.
const attemptTimeout = 5 * time.Second

// Dispatcher fans out signed webhooks. Dispatch returns immediately; the
// retry loop runs on its own goroutine.
type Dispatcher struct {
	client   *http.Client
	store    deliveryStore
	log      *slog.Logger
	schedule []time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. client may be nil (a default with
// the per-attempt timeout is used); schedule may be nil (DefaultSchedule).
func NewDispatcher(client *http.Client, store deliveryStore, log *slog.Logger, schedule []time.Duration) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: attemptTimeout}
	}
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return &Dispatcher{client: client, store: store, log: log, schedule: schedule}
}

// Callback is one outbound delivery request.
type Callback struct {
	ID     string
	URL    string
	Secret string
	Event  string
	Data   map[string]any
}

// Sign computes the hex HMAC-SHA256 of body under secret, the value sent
// as X-Flydesk-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dispatch schedules delivery of one callback and returns immediately.
// ctx bounds the whole retry span; cancelling it abandons remaining
// attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, cb Callback) error {
	body, err := json.Marshal(map[string]any{
		"event":     cb.Event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      cb.Data,
	})
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(ctx, cb, body)
	}()
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, cb Callback, body []byte) {
	signature := Sign(cb.Secret, body)
	start := time.Now()
	for i, offset := range d.schedule {
		if wait := offset - time.Since(start); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		statusCode, err := d.attempt(ctx, cb, body, signature)
		row := &models.CallbackDelivery{
			CallbackID: cb.ID,
			Event:      cb.Event,
			URL:        cb.URL,
			Attempt:    i + 1,
		}
		if statusCode != 0 {
			row.StatusCode = &statusCode
		}
		if err != nil {
			row.Status = models.DeliveryFailed
			row.Error = err.Error()
		} else {
			// Transport success: HTTP status is recorded but does not
			// alter retry policy.
			row.Status = models.DeliverySuccess
		}
		if rerr := d.store.Record(ctx, row); rerr != nil {
			d.log.Error("callback delivery log write", "callback", cb.ID, "error", rerr)
		}
		if err == nil {
			return
		}
		d.log.Warn("callback attempt failed", "callback", cb.ID, "attempt", i+1, "error", err)
	}
	d.log.Warn("callback retries exhausted", "callback", cb.ID, "url", cb.URL)
}

func (d *Dispatcher) attempt(ctx context.Context, cb Callback, body []byte, signature string) (int, error) {
	actx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, cb.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flydesk-Signature", signature)
	req.Header.Set("X-Flydesk-Event", cb.Event)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
