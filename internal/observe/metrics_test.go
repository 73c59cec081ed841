package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "check_status", "ok", 120*time.Millisecond)
	m.RecordToolCall(ctx, "check_status", "ok", 80*time.Millisecond)
	m.RecordToolCall(ctx, "dispatch_to_builder", "error", time.Second)

	rm := collect(t, reader)

	counter := findMetric(rm, "conversator.tool.calls")
	if counter == nil {
		t.Fatal("tool.calls metric not found")
	}
	sum, ok := counter.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("tool.calls is not a sum: %T", counter.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("tool.calls total = %d, want 3", total)
	}

	hist := findMetric(rm, "conversator.tool.duration")
	if hist == nil {
		t.Fatal("tool.duration metric not found")
	}
	hd, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("tool.duration is not a histogram: %T", hist.Data)
	}
	var count uint64
	for _, dp := range hd.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("tool.duration sample count = %d, want 3", count)
	}
}

func TestAnnouncementGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AnnouncementQueued(ctx)
	m.AnnouncementQueued(ctx)
	m.AnnouncementDelivered(ctx)

	rm := collect(t, reader)

	depth := findMetric(rm, "conversator.announcements.queued")
	if depth == nil {
		t.Fatal("queue-depth metric not found")
	}
	sum, ok := depth.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatalf("queue-depth has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("queue depth = %d, want 1", got)
	}

	delivered := findMetric(rm, "conversator.announcements.delivered")
	if delivered == nil {
		t.Fatal("delivered metric not found")
	}
	dsum := delivered.Data.(metricdata.Sum[int64])
	if got := dsum.DataPoints[0].Value; got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
}

func TestRecordStoreEvent_Attributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStoreEvent(ctx, "TaskCreated")
	m.RecordStoreEvent(ctx, "TaskCreated")
	m.RecordStoreEvent(ctx, "InboxItemAdded")

	rm := collect(t, reader)
	met := findMetric(rm, "conversator.store.events")
	if met == nil {
		t.Fatal("store.events metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])

	byType := map[string]int64{}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("type")); ok {
			byType[v.AsString()] = dp.Value
		}
	}
	if byType["TaskCreated"] != 2 {
		t.Errorf("TaskCreated count = %d, want 2", byType["TaskCreated"])
	}
	if byType["InboxItemAdded"] != 1 {
		t.Errorf("InboxItemAdded count = %d, want 1", byType["InboxItemAdded"])
	}
}

func TestRecordSubagentPoll(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordSubagentPoll(context.Background(), "cvtr-planner", 3*time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "conversator.subagent.poll.duration")
	if met == nil {
		t.Fatal("poll.duration metric not found")
	}
	hd := met.Data.(metricdata.Histogram[float64])
	if len(hd.DataPoints) != 1 || hd.DataPoints[0].Count != 1 {
		t.Errorf("unexpected data points: %+v", hd.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics should return a stable pointer")
	}
}
