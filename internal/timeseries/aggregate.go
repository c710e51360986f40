package timeseries

import (
	"context"
	"math"
	"sort"

	"github.com/neotalk/neotalk/pkg/models"
)

// BucketStats summarises the points falling into one aggregation bucket.
// On an empty window Count is zero and every other statistic is absent.
type BucketStats struct {
	BucketStart int64    `json:"bucket_start"`
	Count       int      `json:"count"`
	Sum         *float64 `json:"sum,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Mean        *float64 `json:"mean,omitempty"`
	Median      *float64 `json:"median,omitempty"`
	Stddev      *float64 `json:"stddev,omitempty"`
	First       *float64 `json:"first,omitempty"`
	Last        *float64 `json:"last,omitempty"`
}

// QueryAggregated buckets the range [start, end] into fixed windows aligned
// to bucket_start = floor(ts / bucketSecs) * bucketSecs and computes
// statistics per bucket. Non-numeric points are skipped. Aggregation always
// reads from storage, bypassing the latest-value cache.
func (s *Store) QueryAggregated(ctx context.Context, source models.DataSourceID, start, end, bucketSecs int64) ([]BucketStats, error) {
	if bucketSecs <= 0 {
		bucketSecs = 60
	}
	points, err := s.QueryRange(ctx, source, start, end)
	if err != nil {
		return nil, err
	}

	byBucket := make(map[int64][]float64)
	var order []int64
	for _, p := range points {
		v, ok := p.Value.AsFloat()
		if !ok {
			continue
		}
		bucket := (p.Timestamp / bucketSecs) * bucketSecs
		if p.Timestamp < 0 && p.Timestamp%bucketSecs != 0 {
			bucket -= bucketSecs
		}
		if _, seen := byBucket[bucket]; !seen {
			order = append(order, bucket)
		}
		byBucket[bucket] = append(byBucket[bucket], v)
	}

	if len(order) == 0 {
		bucket := (start / bucketSecs) * bucketSecs
		if start < 0 && start%bucketSecs != 0 {
			bucket -= bucketSecs
		}
		return []BucketStats{computeStats(bucket, nil)}, nil
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	stats := make([]BucketStats, 0, len(order))
	for _, bucket := range order {
		stats = append(stats, computeStats(bucket, byBucket[bucket]))
	}
	return stats, nil
}

func computeStats(bucket int64, values []float64) BucketStats {
	stats := BucketStats{BucketStart: bucket, Count: len(values)}
	if len(values) == 0 {
		return stats
	}

	first, last := values[0], values[len(values)-1]
	sum, minV, maxV := 0.0, values[0], values[0]
	for _, v := range values {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	stddev := math.Sqrt(variance)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	stats.Sum = &sum
	stats.Min = &minV
	stats.Max = &maxV
	stats.Mean = &mean
	stats.Median = &median
	stats.Stddev = &stddev
	stats.First = &first
	stats.Last = &last
	return stats
}
