package transform

import (
	"math"
	"testing"

	"github.com/neotalk/neotalk/pkg/models"
)

func TestApplySingleOperation(t *testing.T) {
	data := map[string]any{"SENSOR": map[string]any{"Temperature": 23.5}}
	op := models.TransformOperation{
		Type:         models.OpSingle,
		Path:         "SENSOR.Temperature",
		OutputMetric: "temp",
	}

	out, err := ApplyOperation(op, data)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out["temp"] != 23.5 {
		t.Errorf("expected 23.5, got %v", out["temp"])
	}
}

func TestApplySingleOperationJQPath(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": 7.0}}
	op := models.TransformOperation{Type: models.OpSingle, Path: ".a.b", OutputMetric: "x"}

	out, err := ApplyOperation(op, data)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out["x"] != 7 {
		t.Errorf("expected 7, got %v", out["x"])
	}
}

func TestApplyArrayAggregation(t *testing.T) {
	data := map[string]any{
		"readings": []any{
			map[string]any{"v": 1.0},
			map[string]any{"v": 2.0},
			map[string]any{"v": 6.0},
		},
	}
	op := models.TransformOperation{
		Type:         models.OpArrayAggregation,
		Path:         "readings",
		ValuePath:    "v",
		Aggregation:  models.AggMean,
		OutputMetric: "mean_v",
	}

	out, err := ApplyOperation(op, data)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out["mean_v"] != 3 {
		t.Errorf("expected mean 3, got %v", out["mean_v"])
	}
}

func TestApplyOperationErrors(t *testing.T) {
	data := map[string]any{"x": "text"}

	if _, err := ApplyOperation(models.TransformOperation{Type: models.OpSingle, Path: "missing", OutputMetric: "o"}, data); err == nil {
		t.Error("missing path should fail")
	}
	if _, err := ApplyOperation(models.TransformOperation{Type: models.OpSingle, Path: "x", OutputMetric: "o"}, data); err == nil {
		t.Error("non-numeric value should fail")
	}
	if _, err := ApplyOperation(models.TransformOperation{Type: models.OpSingle, Path: "x"}, data); err == nil {
		t.Error("missing output metric should fail")
	}
}

func TestAggregateFunctions(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	cases := []struct {
		agg  models.TransformAggregation
		want float64
	}{
		{models.AggMean, 2.5},
		{models.AggMax, 4},
		{models.AggMin, 1},
		{models.AggSum, 10},
		{models.AggCount, 4},
		{models.AggMedian, 2.5},
		{models.AggFirst, 4},
		{models.AggLast, 2},
	}

	for _, c := range cases {
		got, err := Aggregate(c.agg, values)
		if err != nil {
			t.Fatalf("%s: %v", c.agg, err)
		}
		if got != c.want {
			t.Errorf("%s: expected %v, got %v", c.agg, c.want, got)
		}
	}

	stddev, err := Aggregate(models.AggStddev, []float64{2, 4, 4, 4, 5, 5, 7, 9})
	if err != nil {
		t.Fatalf("stddev: %v", err)
	}
	if math.Abs(stddev-2) > 1e-9 {
		t.Errorf("expected stddev 2, got %v", stddev)
	}
}

func TestAggregateEmpty(t *testing.T) {
	if got, err := Aggregate(models.AggCount, nil); err != nil || got != 0 {
		t.Errorf("count of empty should be 0, got %v err %v", got, err)
	}
	if _, err := Aggregate(models.AggMean, nil); err == nil {
		t.Error("mean of empty should error")
	}
}
