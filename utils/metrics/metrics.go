// Package metrics holds the OpenTelemetry instruments of the streaming engine
// and the Prometheus bridge that exposes them.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/kokoavailable/wavemu"

// Metrics groups every instrument the pacer records. The OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesSent counts datagrams handed to the socket, by destination.
	FramesSent metric.Int64Counter

	// SendErrors counts failed datagram sends, by destination.
	SendErrors metric.Int64Counter

	// SchemaMismatches counts fields skipped while encoding, by field.
	SchemaMismatches metric.Int64Counter

	// Overruns counts cycles that used up their whole interval.
	Overruns metric.Int64Counter

	// CycleDuration is the busy time of one cycle, sleep excluded.
	CycleDuration metric.Float64Histogram
}

// cycle budgets are 10 ms by default; buckets cluster around it.
var cycleBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.0075, 0.01, 0.02, 0.05, 0.1,
}

// New creates the instruments on mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("wavemu.frames.sent",
		metric.WithDescription("Frames sent by destination."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("wavemu.send.errors",
		metric.WithDescription("Failed datagram sends by destination."),
	); err != nil {
		return nil, err
	}
	if met.SchemaMismatches, err = m.Int64Counter("wavemu.schema.mismatches",
		metric.WithDescription("Schema fields skipped while encoding, by field."),
	); err != nil {
		return nil, err
	}
	if met.Overruns, err = m.Int64Counter("wavemu.cycle.overruns",
		metric.WithDescription("Cycles that exceeded the frame interval."),
	); err != nil {
		return nil, err
	}
	if met.CycleDuration, err = m.Float64Histogram("wavemu.cycle.duration",
		metric.WithDescription("Busy time of one frame cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Default returns instruments on the global meter provider.
func Default() *Metrics {
	m, err := New(otel.GetMeterProvider())
	if err != nil {
		// the global provider is a no-op until InitProvider runs; it never fails
		panic("metrics: " + err.Error())
	}
	return m
}

func (m *Metrics) RecordSent(ctx context.Context, dest string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", dest)))
}

func (m *Metrics) RecordSendError(ctx context.Context, dest string) {
	m.SendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", dest)))
}

func (m *Metrics) RecordMismatch(ctx context.Context, field string) {
	m.SchemaMismatches.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field)))
}

func (m *Metrics) RecordCycle(ctx context.Context, busySeconds float64, overrun bool) {
	m.CycleDuration.Record(ctx, busySeconds)
	if overrun {
		m.Overruns.Add(ctx, 1)
	}
}

// InitProvider installs a global MeterProvider backed by the Prometheus
// exporter and returns the scrape handler plus a shutdown func.
func InitProvider() (http.Handler, func(context.Context) error, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	otel.SetMeterProvider(mp)
	return promhttp.Handler(), mp.Shutdown, nil
}
