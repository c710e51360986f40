package adapters

import (
	"context"
	"sync"
	"testing"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []bus.DeviceMetricEvent
}

func (c *captureSink) Ingest(_ context.Context, event bus.DeviceMetricEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type captureRaw struct {
	deviceID string
	data     map[string]any
}

func (c *captureRaw) OfferRaw(deviceID string, data map[string]any, _ int64) {
	c.deviceID = deviceID
	c.data = data
}

func TestWebhookHandlePayload(t *testing.T) {
	sink := &captureSink{}
	raw := &captureRaw{}
	a := NewWebhookAdapter(sink, raw, nil)

	body := []byte(`{"timestamp": 1700000000, "quality": 0.9, "data": {"temperature": 21.5, "status": "ok", "extra": {"nested": 1}}}`)
	n, err := a.HandlePayload(context.Background(), "dev1", body)
	if err != nil {
		t.Fatalf("handle payload: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 metrics accepted, got %d", n)
	}

	kinds := make(map[string]models.MetricValueKind)
	for _, e := range sink.events {
		kinds[e.Metric] = e.Value.Kind
		if e.Timestamp != 1700000000 {
			t.Errorf("metric %s: timestamp not taken from payload", e.Metric)
		}
		if e.Quality == nil || *e.Quality != 0.9 {
			t.Errorf("metric %s: quality not propagated", e.Metric)
		}
	}
	if kinds["temperature"] != models.MetricKindFloat {
		t.Errorf("temperature should be float, got %s", kinds["temperature"])
	}
	if kinds["status"] != models.MetricKindString {
		t.Errorf("status should be string, got %s", kinds["status"])
	}
	if kinds["extra"] != models.MetricKindJSON {
		t.Errorf("extra should be json, got %s", kinds["extra"])
	}

	if raw.deviceID != "dev1" || len(raw.data) != 3 {
		t.Errorf("raw sink not fed: %+v", raw)
	}
}

func TestWebhookDeviceIDFromBody(t *testing.T) {
	sink := &captureSink{}
	a := NewWebhookAdapter(sink, nil, nil)

	if _, err := a.HandlePayload(context.Background(), "", []byte(`{"device_id":"d9","data":{"m":1}}`)); err != nil {
		t.Fatalf("handle payload: %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].DeviceID != "d9" {
		t.Errorf("device id from body not honoured: %+v", sink.events)
	}

	if _, err := a.HandlePayload(context.Background(), "", []byte(`{"data":{"m":1}}`)); err == nil {
		t.Error("missing device id should fail")
	}
}

func TestWebhookRejectsBadInput(t *testing.T) {
	a := NewWebhookAdapter(&captureSink{}, nil, nil)

	if _, err := a.HandlePayload(context.Background(), "d", []byte(`not json`)); err == nil {
		t.Error("invalid JSON should fail")
	}
	if _, err := a.HandlePayload(context.Background(), "d", []byte(`{"quality": 1.5, "data": {"m": 1}}`)); err == nil {
		t.Error("out-of-range quality should fail")
	}

	n, err := a.HandlePayload(context.Background(), "d", []byte(`{"data": {}}`))
	if err != nil || n != 0 {
		t.Errorf("empty data should be a no-op, got n=%d err=%v", n, err)
	}
}
