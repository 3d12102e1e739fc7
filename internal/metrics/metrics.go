// Package metrics holds the OpenTelemetry instruments of the whiteboard engine.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/dkeye/Whiteboard"

// Shutdown flushes and stops the meter provider.
type Shutdown func(context.Context) error

type Config struct {
	Enabled     bool
	ServiceName string
}

// Setup installs an OTLP/gRPC meter provider when enabled and returns the
// meter to build instruments from. Disabled telemetry yields a no-op meter.
func Setup(ctx context.Context, cfg Config) (metric.Meter, Shutdown, error) {
	if !cfg.Enabled {
		return noop.NewMeterProvider().Meter(meterName), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Meter(meterName), mp.Shutdown, nil
}

type Metrics struct {
	meter metric.Meter

	deliveries       metric.Int64Counter
	sendFailures     metric.Int64Counter
	checkpoints      metric.Int64Counter
	persistFailures  metric.Int64Counter
	evictions        metric.Int64Counter
	livenessTimeouts metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.deliveries, "whiteboard_fanout_deliveries_total", "Frames enqueued to room participants"},
		{&m.sendFailures, "whiteboard_send_failures_total", "Frames that could not be enqueued"},
		{&m.checkpoints, "whiteboard_checkpoints_total", "Canvas checkpoints written to the store"},
		{&m.persistFailures, "whiteboard_persist_failures_total", "Failed store writes"},
		{&m.evictions, "whiteboard_evictions_total", "Rooms evicted after the grace period"},
		{&m.livenessTimeouts, "whiteboard_liveness_timeouts_total", "Connections terminated by the heartbeat"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
	}
	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(meterName))
	return m
}

// ObserveLive registers the active room and connection gauges.
func (m *Metrics) ObserveLive(rooms, conns func() int) error {
	roomGauge, err := m.meter.Int64ObservableGauge("whiteboard_active_rooms",
		metric.WithDescription("Rooms held in memory"))
	if err != nil {
		return err
	}
	connGauge, err := m.meter.Int64ObservableGauge("whiteboard_active_connections",
		metric.WithDescription("Live connections across all rooms"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(roomGauge, int64(rooms()))
		o.ObserveInt64(connGauge, int64(conns()))
		return nil
	}, roomGauge, connGauge)
	return err
}

func (m *Metrics) Delivered(n int) {
	m.deliveries.Add(context.Background(), int64(n))
}

func (m *Metrics) SendFailed(reason string) {
	m.sendFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Checkpointed() {
	m.checkpoints.Add(context.Background(), 1)
}

func (m *Metrics) PersistFailed(op string) {
	m.persistFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) Evicted() {
	m.evictions.Add(context.Background(), 1)
}

func (m *Metrics) LivenessTimeout() {
	m.livenessTimeouts.Add(context.Background(), 1)
}
