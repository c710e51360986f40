package timeseries

import (
	"context"
	"testing"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func point(ts int64, v float64) models.DataPoint {
	return models.DataPoint{Timestamp: ts, Value: models.FloatValue(v)}
}

func TestWriteThenQueryLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := models.DeviceSource("dht22_001", "temperature")

	if err := s.Write(ctx, src, point(100, 21.5)); err != nil {
		t.Fatalf("write: %v", err)
	}

	latest, err := s.QueryLatest(ctx, src)
	if err != nil {
		t.Fatalf("query latest: %v", err)
	}
	if latest == nil || latest.Value.Float != 21.5 {
		t.Fatalf("expected 21.5, got %+v", latest)
	}

	// Latest stays visible until a newer point arrives.
	if err := s.Write(ctx, src, point(200, 23.0)); err != nil {
		t.Fatalf("write newer: %v", err)
	}
	latest, err = s.QueryLatest(ctx, src)
	if err != nil {
		t.Fatalf("query latest: %v", err)
	}
	if latest.Value.Float != 23.0 {
		t.Errorf("expected newer value 23.0, got %v", latest.Value.Float)
	}
}

func TestQueryLatestUnknownSource(t *testing.T) {
	s := openTestStore(t)
	latest, err := s.QueryLatest(context.Background(), models.DeviceSource("ghost", "m"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != nil {
		t.Errorf("expected nil for unknown source, got %+v", latest)
	}
}

func TestQueryRangeOrderAndBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := models.DeviceSource("d1", "m")

	for i, ts := range []int64{300, 100, 200, 400} {
		if err := s.Write(ctx, src, point(ts, float64(i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	points, err := s.QueryRange(ctx, src, 100, 300)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points in inclusive range, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp <= points[i-1].Timestamp {
			t.Errorf("range not ascending at %d: %d after %d", i, points[i].Timestamp, points[i-1].Timestamp)
		}
	}
}

func TestWriteBatchAtomicVisibility(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := models.DeviceSource("d1", "m")

	batch := []models.DataPoint{point(1, 1), point(2, 2), point(3, 3)}
	if err := s.WriteBatch(ctx, src, batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	points, err := s.QueryRange(ctx, src, 0, 10)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(points) != 3 {
		t.Errorf("expected all 3 batch points visible, got %d", len(points))
	}
}

func TestAggregationBucketsAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := models.DeviceSource("d1", "m")

	// Two buckets of 60s: [0,60) and [60,120).
	batch := []models.DataPoint{point(10, 1), point(20, 3), point(70, 10), point(80, 20)}
	if err := s.WriteBatch(ctx, src, batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	stats, err := s.QueryAggregated(ctx, src, 0, 120, 60)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(stats))
	}

	b0 := stats[0]
	if b0.BucketStart != 0 || b0.Count != 2 {
		t.Errorf("bucket 0: got start=%d count=%d", b0.BucketStart, b0.Count)
	}
	if *b0.Mean != 2 || *b0.Min != 1 || *b0.Max != 3 || *b0.Sum != 4 {
		t.Errorf("bucket 0 stats wrong: %+v", b0)
	}
	if *b0.First != 1 || *b0.Last != 3 || *b0.Median != 2 {
		t.Errorf("bucket 0 order stats wrong: %+v", b0)
	}

	b1 := stats[1]
	if b1.BucketStart != 60 || *b1.Mean != 15 {
		t.Errorf("bucket 1 wrong: %+v", b1)
	}
}

func TestAggregationEmptyWindow(t *testing.T) {
	s := openTestStore(t)
	stats, err := s.QueryAggregated(context.Background(), models.DeviceSource("d1", "m"), 0, 1000, 60)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(stats) != 1 || stats[0].Count != 0 {
		t.Fatalf("expected one zero-count bucket for empty window, got %+v", stats)
	}
	if stats[0].Sum != nil || stats[0].Mean != nil || stats[0].Min != nil || stats[0].Max != nil {
		t.Errorf("empty window should carry no statistics, got %+v", stats[0])
	}
}

func TestDeleteOperations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := models.DeviceSource("d1", "m")
	other := models.DeviceSource("d1", "other")

	_ = s.WriteBatch(ctx, src, []models.DataPoint{point(1, 1), point(2, 2), point(3, 3)})
	_ = s.Write(ctx, other, point(1, 9))

	if err := s.DeleteRange(ctx, src, 2, 3); err != nil {
		t.Fatalf("delete range: %v", err)
	}
	points, _ := s.QueryRange(ctx, src, 0, 10)
	if len(points) != 1 {
		t.Errorf("expected 1 point after delete range, got %d", len(points))
	}

	if err := s.DeleteMetric(ctx, src); err != nil {
		t.Fatalf("delete metric: %v", err)
	}
	points, _ = s.QueryRange(ctx, src, 0, 10)
	if len(points) != 0 {
		t.Errorf("expected 0 points after delete metric, got %d", len(points))
	}

	metrics, err := s.ListMetrics(ctx, "d1")
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0] != "other" {
		t.Errorf("expected [other], got %v", metrics)
	}
}

func TestRetentionSweep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	src := models.DeviceSource("d1", "m")

	base := time.Now().Unix()
	old := base - 48*3600
	_ = s.WriteBatch(ctx, src, []models.DataPoint{point(old, 1), point(base, 2)})

	if err := s.SetRetention(ctx, src, 24); err != nil {
		t.Fatalf("set retention: %v", err)
	}

	deleted, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 expired point deleted, got %d", deleted)
	}

	latest, _ := s.QueryLatest(ctx, src)
	if latest == nil || latest.Timestamp != base {
		t.Errorf("fresh point should survive the sweep, got %+v", latest)
	}
}
