// Package monitor polls the ledger for new blocks, publishes height increases
// to the broadcast fan-out, and drives confirmation tracking for submitted
// settlements.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"chainpay/ledger"
	"chainpay/observability"
)

// BlockReader supplies the latest chain snapshot.
type BlockReader interface {
	LatestBlock(ctx context.Context) (ledger.BlockSnapshot, error)
}

// BlockSink receives snapshots for fan-out to sessions.
type BlockSink interface {
	PublishBlock(ledger.BlockSnapshot)
}

// Monitor is a fixed-interval polling loop over the chain head. A snapshot is
// published only when the observed height increases; repeated heights are
// ignored. Blocks are never rolled back: the monitor assumes a linear,
// non-reorging chain.
type Monitor struct {
	reader    BlockReader
	sink      BlockSink
	tracker   *Tracker
	onConfirm func(Confirmation)
	interval  time.Duration
	metrics   *observability.SettlementMetrics
	log       *slog.Logger

	last uint64
}

// Option customises the monitor.
type Option func(*Monitor)

// WithTracker enables confirmation tracking; each transition invokes onConfirm.
func WithTracker(tracker *Tracker, onConfirm func(Confirmation)) Option {
	return func(m *Monitor) {
		m.tracker = tracker
		m.onConfirm = onConfirm
	}
}

// WithMetrics supplies the metrics registry.
func WithMetrics(metrics *observability.SettlementMetrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// New creates a monitor polling reader at the given interval and publishing to
// sink.
func New(reader BlockReader, sink BlockSink, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		reader:   reader,
		sink:     sink,
		interval: interval,
		log:      slog.Default(),
	}
	if m.interval <= 0 {
		m.interval = 2 * time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll reads the chain head once and publishes if the height advanced.
// Exported so tests can drive the monitor without a ticker.
func (m *Monitor) Poll(ctx context.Context) {
	snap, err := m.reader.LatestBlock(ctx)
	if err != nil {
		m.log.Debug("latest block poll failed", "err", err)
		return
	}
	if snap.Number <= m.last {
		return
	}
	m.last = snap.Number
	m.metrics.SetBlockHeight(snap.Number)
	m.sink.PublishBlock(snap)
	if m.tracker != nil && m.onConfirm != nil {
		for _, conf := range m.tracker.Observe(snap) {
			m.onConfirm(conf)
		}
	}
}
