package statetransfer

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type consumerMetrics struct {
	attrs metric.MeasurementOption

	entriesApplied     metric.Int64Counter
	chunksDiscarded    metric.Int64Counter
	transfersCompleted metric.Int64Counter
	transfersRetried   metric.Int64Counter
	activeTransfers    metric.Int64UpDownCounter
}

func newConsumerMetrics(cacheName string) *consumerMetrics {
	meter := otel.Meter("infinispan.statetransfer")

	m := &consumerMetrics{
		attrs: metric.WithAttributes(attribute.String("cache", cacheName)),
	}

	var err error
	m.entriesApplied, err = meter.Int64Counter("cache_state_transfer_entries_applied",
		metric.WithDescription("Entries applied from received state chunks"))
	fatalOnMetricErr(err, "cache_state_transfer_entries_applied")

	m.chunksDiscarded, err = meter.Int64Counter("cache_state_transfer_chunks_discarded",
		metric.WithDescription("State chunks dropped because they were unsolicited or not owned"))
	fatalOnMetricErr(err, "cache_state_transfer_chunks_discarded")

	m.transfersCompleted, err = meter.Int64Counter("cache_state_transfer_transfers_completed",
		metric.WithDescription("Inbound transfer tasks completed"))
	fatalOnMetricErr(err, "cache_state_transfer_transfers_completed")

	m.transfersRetried, err = meter.Int64Counter("cache_state_transfer_transfers_retried",
		metric.WithDescription("Inbound transfer tasks retried against another source"))
	fatalOnMetricErr(err, "cache_state_transfer_transfers_retried")

	m.activeTransfers, err = meter.Int64UpDownCounter("cache_state_transfer_active_transfers",
		metric.WithDescription("Inbound transfer tasks currently registered"))
	fatalOnMetricErr(err, "cache_state_transfer_active_transfers")

	return m
}

func fatalOnMetricErr(err error, name string) {
	if err != nil {
		log.Error().Err(err).
			Str("metric-name", name).
			Msg("Failed to create metric")
		os.Exit(1)
	}
}

func (m *consumerMetrics) addEntriesApplied(n int) {
	m.entriesApplied.Add(context.Background(), int64(n), m.attrs)
}

func (m *consumerMetrics) incChunksDiscarded() {
	m.chunksDiscarded.Add(context.Background(), 1, m.attrs)
}

func (m *consumerMetrics) incTransfersCompleted() {
	m.transfersCompleted.Add(context.Background(), 1, m.attrs)
}

func (m *consumerMetrics) incTransfersRetried() {
	m.transfersRetried.Add(context.Background(), 1, m.attrs)
}

func (m *consumerMetrics) addActiveTransfers(delta int) {
	m.activeTransfers.Add(context.Background(), int64(delta), m.attrs)
}
