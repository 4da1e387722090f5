package taskmanager

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/bobmcallan/conveyor/internal/common"
	"github.com/bobmcallan/conveyor/internal/interfaces"
	"github.com/bobmcallan/conveyor/internal/models"
)

// metricsRecordInterval is how often a snapshot is persisted to the
// system_metrics audit table.
const metricsRecordInterval = 5 * time.Minute

// Aggregator composes the store's aggregate view with the broker's live queue
// depths and process runtime data.
type Aggregator struct {
	store     interfaces.JobStore
	broker    interfaces.Broker
	logger    *common.Logger
	startedAt time.Time
}

// NewAggregator creates an aggregator. The uptime clock starts now.
func NewAggregator(store interfaces.JobStore, broker interfaces.Broker, logger *common.Logger) *Aggregator {
	return &Aggregator{
		store:     store,
		broker:    broker,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Snapshot builds the full system metrics view.
func (a *Aggregator) Snapshot(ctx context.Context) (*models.SystemMetrics, error) {
	base, err := a.store.MetricsSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(a.startedAt)
	throughput := 0.0
	if hours := uptime.Hours(); hours > 0 {
		throughput = float64(base.Completed) / hours
	}

	return &models.SystemMetrics{
		MetricsSnapshot:   *base,
		Queues:            a.broker.AllStats(),
		UptimeSeconds:     uptime.Seconds(),
		HeapAllocBytes:    mem.HeapAlloc,
		ThroughputPerHour: throughput,
		RecordedAt:        time.Now(),
	}, nil
}

// Run persists a snapshot to the system_metrics table on a fixed cadence
// until the context ends. The table is an audit trail for after-the-fact
// inspection; the live endpoints always compute fresh.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(metricsRecordInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.record(ctx)
		}
	}
}

func (a *Aggregator) record(ctx context.Context) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to build metrics snapshot")
		return
	}
	meta, err := json.Marshal(snap)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to marshal metrics snapshot")
		return
	}
	if err := a.store.RecordMetric(ctx, "system_snapshot", float64(snap.Completed), meta); err != nil {
		a.logger.Error().Err(err).Msg("Failed to record metrics snapshot")
	}
}
