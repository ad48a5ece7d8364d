package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns Metrics backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no point with %s=%s", name, key, value)
	return 0
}

func TestRecordSearch(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSearch(ctx, "matched", 4.2)
	m.RecordSearch(ctx, "matched", 1.1)
	m.RecordSearch(ctx, "timeout", 30)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "realtalk.match.searches", "outcome", "matched"); got != 2 {
		t.Errorf("matched searches = %d, want 2", got)
	}
	if got := sumFor(t, rm, "realtalk.match.searches", "outcome", "timeout"); got != 1 {
		t.Errorf("timed out searches = %d, want 1", got)
	}

	met := findMetric(rm, "realtalk.match.search.duration")
	if met == nil {
		t.Fatal("search duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("search duration is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("search duration samples = %d, want 3", count)
	}
}

func TestRecordMessageAndFeedback(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMessage(ctx, "offer", "relayed")
	m.RecordMessage(ctx, "ice-candidate", "buffered")
	m.RecordMessage(ctx, "ice-candidate", "buffered")
	m.RecordFeedback(ctx, "masked")
	m.RecordStoreError(ctx, "record_match")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "realtalk.signaling.messages", "status", "buffered"); got != 2 {
		t.Errorf("buffered messages = %d, want 2", got)
	}
	if got := sumFor(t, rm, "realtalk.feedback.events", "category", "masked"); got != 1 {
		t.Errorf("masked feedback = %d, want 1", got)
	}
	if got := sumFor(t, rm, "realtalk.store.errors", "op", "record_match"); got != 1 {
		t.Errorf("store errors = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveConnections.Add(ctx, 3)
	m.ActiveConnections.Add(ctx, -1)
	m.ActiveRooms.Add(ctx, 1)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"realtalk.signaling.active_connections": 2,
		"realtalk.signaling.active_rooms":       1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("%s not found", name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) != 1 {
			t.Fatalf("%s data = %#v", name, met.Data)
		}
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestRecordCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordCall(context.Background(), 95, "hangup")

	met := findMetric(collect(t, reader), "realtalk.call.duration")
	if met == nil {
		t.Fatal("call duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("unexpected data %T", met.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 || dp.Sum != 95 {
		t.Errorf("count=%d sum=%g", dp.Count, dp.Sum)
	}
	if v, _ := dp.Attributes.Value("end_reason"); v.AsString() != "hangup" {
		t.Errorf("end_reason = %q", v.AsString())
	}
}
