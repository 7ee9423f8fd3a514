package server

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/louisbranch/fracturing-collab/internal/services/collab"

// instruments groups the sync service's metric instruments.
type instruments struct {
	rooms               metric.Int64UpDownCounter
	sessions            metric.Int64UpDownCounter
	fragmentsApplied    metric.Int64Counter
	fragmentsRejected   metric.Int64Counter
	overflowDisconnects metric.Int64Counter
	snapshotsSaved      metric.Int64Counter
}

func newInstruments(meter metric.Meter) *instruments {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	inst, err := buildInstruments(meter)
	if err != nil {
		log.Printf("collab: metric instruments unavailable, using no-op: %v", err)
		inst, _ = buildInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return inst
}

func buildInstruments(meter metric.Meter) (*instruments, error) {
	var (
		inst instruments
		err  error
	)
	if inst.rooms, err = meter.Int64UpDownCounter("collab.rooms.active",
		metric.WithDescription("Rooms currently held in memory.")); err != nil {
		return nil, err
	}
	if inst.sessions, err = meter.Int64UpDownCounter("collab.sessions.active",
		metric.WithDescription("Sessions currently registered in a room.")); err != nil {
		return nil, err
	}
	if inst.fragmentsApplied, err = meter.Int64Counter("collab.fragments.applied",
		metric.WithDescription("Update fragments integrated or buffered by a room.")); err != nil {
		return nil, err
	}
	if inst.fragmentsRejected, err = meter.Int64Counter("collab.fragments.rejected",
		metric.WithDescription("Update fragments rejected as malformed.")); err != nil {
		return nil, err
	}
	if inst.overflowDisconnects, err = meter.Int64Counter("collab.sessions.overflow",
		metric.WithDescription("Sessions closed because their outbound queue filled.")); err != nil {
		return nil, err
	}
	if inst.snapshotsSaved, err = meter.Int64Counter("collab.snapshots.saved",
		metric.WithDescription("Snapshots handed to the persistence collaborator.")); err != nil {
		return nil, err
	}
	return &inst, nil
}

func documentAttr(documentID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("collab.document_id", documentID))
}

func (i *instruments) roomOpened(ctx context.Context) { i.rooms.Add(ctx, 1) }
func (i *instruments) roomClosed(ctx context.Context) { i.rooms.Add(ctx, -1) }

func (i *instruments) sessionJoined(ctx context.Context) { i.sessions.Add(ctx, 1) }
func (i *instruments) sessionLeft(ctx context.Context)   { i.sessions.Add(ctx, -1) }

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
