// Package transform shapes raw device data into virtual metrics. The
// engine debounces metric bursts per device, applies scope-selected
// transforms, and republishes the results under the virtual-metric prefix.
package transform

import (
	"fmt"
	"math"
	"sort"

	"github.com/itchyny/gojq"

	"github.com/neotalk/neotalk/pkg/models"
)

// ApplyOperation runs one declarative operation against a raw data object
// and returns the output metric values it produced.
func ApplyOperation(op models.TransformOperation, data map[string]any) (map[string]float64, error) {
	if op.OutputMetric == "" {
		return nil, fmt.Errorf("operation %s: output metric is required", op.Type)
	}

	switch op.Type {
	case models.OpSingle, models.OpExtract:
		val, err := queryOne(op.Path, data)
		if err != nil {
			return nil, err
		}
		f, ok := toFloat(val)
		if !ok {
			return nil, fmt.Errorf("path %s: value %v is not numeric", op.Path, val)
		}
		return map[string]float64{op.OutputMetric: f}, nil

	case models.OpArrayAggregation, models.OpReduce:
		items, err := queryArray(op.Path, data)
		if err != nil {
			return nil, err
		}
		values := make([]float64, 0, len(items))
		for _, item := range items {
			if op.ValuePath != "" {
				item, err = queryOne(op.ValuePath, item)
				if err != nil {
					return nil, err
				}
			}
			if f, ok := toFloat(item); ok {
				values = append(values, f)
			}
		}
		result, err := Aggregate(op.Aggregation, values)
		if err != nil {
			return nil, err
		}
		return map[string]float64{op.OutputMetric: result}, nil

	default:
		return nil, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// Aggregate reduces values with the named aggregation function. Count of
// an empty slice is zero; every other aggregation of an empty slice is an
// error.
func Aggregate(agg models.TransformAggregation, values []float64) (float64, error) {
	if agg == models.AggCount {
		return float64(len(values)), nil
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("aggregation %s over empty input", agg)
	}

	switch agg {
	case models.AggSum, models.AggMean:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		if agg == models.AggSum {
			return sum, nil
		}
		return sum / float64(len(values)), nil
	case models.AggMin:
		m := values[0]
		for _, v := range values {
			if v < m {
				m = v
			}
		}
		return m, nil
	case models.AggMax:
		m := values[0]
		for _, v := range values {
			if v > m {
				m = v
			}
		}
		return m, nil
	case models.AggMedian:
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2, nil
		}
		return sorted[mid], nil
	case models.AggStddev:
		mean := 0.0
		for _, v := range values {
			mean += v
		}
		mean /= float64(len(values))
		variance := 0.0
		for _, v := range values {
			d := v - mean
			variance += d * d
		}
		return math.Sqrt(variance / float64(len(values))), nil
	case models.AggFirst:
		return values[0], nil
	case models.AggLast:
		return values[len(values)-1], nil
	}
	return 0, fmt.Errorf("unknown aggregation %q", agg)
}

// queryOne evaluates a jq path and returns its single result.
func queryOne(path string, data any) (any, error) {
	query, err := gojq.Parse(normalisePath(path))
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	iter := query.Run(data)
	val, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("path %q produced no value", path)
	}
	if err, isErr := val.(error); isErr {
		return nil, fmt.Errorf("path %q: %w", path, err)
	}
	if val == nil {
		return nil, fmt.Errorf("path %q resolved to null", path)
	}
	return val, nil
}

// queryArray evaluates a jq path expecting an array result.
func queryArray(path string, data any) ([]any, error) {
	val, err := queryOne(path, data)
	if err != nil {
		return nil, err
	}
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return items, nil
}

// normalisePath accepts jq expressions as-is and promotes bare dotted
// paths ("a.b") to jq field access (".a.b").
func normalisePath(path string) string {
	if path == "" {
		return "."
	}
	if isBareDottedPath(path) {
		return "." + path
	}
	return path
}

func isBareDottedPath(path string) bool {
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return path[0] != '.'
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
