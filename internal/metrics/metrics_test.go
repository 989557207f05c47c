package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futflow/models"
	"futflow/processor"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func sampleReport() processor.Report {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return processor.Report{
		CycleID:    "abc",
		Mode:       processor.ModeScheduled,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Signals: []models.SignalRecord{
			{Kind: models.KindFodder},
			{Kind: models.KindFodder},
			{Kind: models.KindPriceMove},
		},
		Diagnostics: []string{"futbin: timeout"},
	}
}

func TestRecorderCountsCycle(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveCycle(sampleReport())

	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("scheduled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.signals.WithLabelValues("fodder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.signals.WithLabelValues("price_move")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.degraded))
}

func TestRecorderCountsDeliveries(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveDelivery(true)
	r.ObserveDelivery(true)
	r.ObserveDelivery(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.deliveries.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("failed")))
}

func TestHandlerExposesMetricsAndGauges(t *testing.T) {
	r := NewRecorder(nil)
	require.NoError(t, r.RegisterGauge("subscribers", "Current subscriber count", func() float64 { return 4 }))
	require.Error(t, r.RegisterGauge("subscribers", "duplicate", func() float64 { return 0 }))
	r.ObserveCycle(sampleReport())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "futflow_subscribers 4")
	assert.Contains(t, string(body), `futflow_cycles_total{mode="scheduled"} 1`)
	assert.Contains(t, string(body), "futflow_cycle_duration_seconds_count 1")
}

func TestCloudWatchPublishesPerCycle(t *testing.T) {
	api := &fakeCloudWatch{}
	cw := NewCloudWatchWithAPI(api, "")
	r := NewRecorder(cw)

	r.ObserveDelivery(true)
	r.ObserveDelivery(false)
	r.ObserveCycle(sampleReport())

	require.Len(t, api.inputs, 1)
	in := api.inputs[0]
	assert.Equal(t, "FutFlow", *in.Namespace)

	values := map[string]float64{}
	for _, d := range in.MetricData {
		values[*d.MetricName] = *d.Value
	}
	assert.Equal(t, 3.0, values["Signals"])
	assert.Equal(t, 1.0, values["DegradedSources"])
	assert.Equal(t, 1.0, values["DeliveriesOK"])
	assert.Equal(t, 1.0, values["DeliveriesFailed"])
	assert.Equal(t, 1500.0, values["CycleDuration"])

	r.ObserveCycle(sampleReport())
	require.Len(t, api.inputs, 2)
	for _, d := range api.inputs[1].MetricData {
		if *d.MetricName == "DeliveriesOK" {
			assert.Zero(t, *d.Value)
		}
	}
}

func TestCloudWatchFailureIsNotFatal(t *testing.T) {
	api := &fakeCloudWatch{err: errors.New("throttled")}
	cw := NewCloudWatchWithAPI(api, "Custom")

	assert.NotPanics(t, func() { cw.ObserveCycle(sampleReport()) })
	require.Len(t, api.inputs, 1)
	assert.Equal(t, "Custom", *api.inputs[0].Namespace)
}
