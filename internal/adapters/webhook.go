package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

// WebhookPayload is the body accepted by the webhook device endpoint.
type WebhookPayload struct {
	DeviceID  string         `json:"device_id,omitempty"`
	Timestamp *int64         `json:"timestamp,omitempty"`
	Quality   *float32       `json:"quality,omitempty"`
	Data      map[string]any `json:"data"`
}

// RawSink receives the raw webhook object so transforms can shape it
// before it is reduced to individual metrics.
type RawSink interface {
	OfferRaw(deviceID string, data map[string]any, timestamp int64)
}

// WebhookAdapter normalises push-style HTTP telemetry. It has no
// connection lifecycle: the HTTP server owns the transport.
type WebhookAdapter struct {
	sink   MetricSink
	raw    RawSink
	logger *slog.Logger
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter(sink MetricSink, raw RawSink, logger *slog.Logger) *WebhookAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookAdapter{sink: sink, raw: raw, logger: logger.With("component", "webhook_adapter")}
}

// HandlePayload decodes one webhook body for a device, publishes each
// metric, and offers the raw object to the transform layer. It returns the
// number of metrics accepted.
func (a *WebhookAdapter) HandlePayload(ctx context.Context, deviceID string, body []byte) (int, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("%w: invalid webhook body: %v", ErrProtocolError, err)
	}
	if payload.DeviceID != "" {
		deviceID = payload.DeviceID
	}
	if deviceID == "" {
		return 0, fmt.Errorf("%w: device id missing", ErrProtocolError)
	}
	if len(payload.Data) == 0 {
		return 0, nil
	}
	if payload.Quality != nil && (*payload.Quality < 0 || *payload.Quality > 1) {
		return 0, fmt.Errorf("%w: quality %v outside [0,1]", ErrProtocolError, *payload.Quality)
	}

	timestamp := time.Now().Unix()
	if payload.Timestamp != nil {
		timestamp = *payload.Timestamp
	}

	accepted := 0
	for metric, raw := range payload.Data {
		event := bus.DeviceMetricEvent{
			DeviceID:  deviceID,
			Metric:    metric,
			Value:     models.FromJSONScalar(raw),
			Timestamp: timestamp,
			Quality:   payload.Quality,
		}
		if err := a.sink.Ingest(ctx, event); err != nil {
			a.logger.Warn("webhook metric rejected", "device_id", deviceID, "metric", metric, "error", err)
			continue
		}
		accepted++
	}

	if a.raw != nil {
		a.raw.OfferRaw(deviceID, payload.Data, timestamp)
	}
	return accepted, nil
}
