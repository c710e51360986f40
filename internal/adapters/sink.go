package adapters

import (
	"context"
	"log/slog"

	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/devices"
	"github.com/neotalk/neotalk/internal/timeseries"
	"github.com/neotalk/neotalk/pkg/models"
)

// MetricSink receives normalised uplink metrics. The default
// implementation fans into the event bus and the time-series store.
type MetricSink interface {
	Ingest(ctx context.Context, event bus.DeviceMetricEvent) error
}

// DefaultSink publishes each metric to the bus and mirrors it into the
// time-series store, marking the device as seen.
type DefaultSink struct {
	Bus      *bus.Bus
	Store    *timeseries.Store
	Registry *devices.Registry
	Logger   *slog.Logger
}

// Ingest implements MetricSink.
func (s *DefaultSink) Ingest(ctx context.Context, event bus.DeviceMetricEvent) error {
	if s.Bus != nil {
		s.Bus.Publish(event)
	}
	if s.Registry != nil {
		s.Registry.MarkSeen(event.DeviceID, event.Timestamp)
	}
	if s.Store != nil {
		point := models.DataPoint{
			Timestamp: event.Timestamp,
			Value:     event.Value,
			Quality:   event.Quality,
		}
		if err := s.Store.Write(ctx, models.DeviceSource(event.DeviceID, event.Metric), point); err != nil {
			if s.Logger != nil {
				s.Logger.Warn("metric mirror failed", "device_id", event.DeviceID, "metric", event.Metric, "error", err)
			}
			return err
		}
	}
	return nil
}
