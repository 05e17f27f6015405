package broadcast

import (
	"context"
	"log/slog"
	"time"

	"chainpay/ledger"
	"chainpay/observability"
	"chainpay/session"
)

const (
	// blockQueueDepth bounds buffered block snapshots between the monitor and
	// the fan-out loop. When consumers lag, the oldest snapshot is dropped;
	// the queue never grows without bound.
	blockQueueDepth = 100
	pushTimeout     = 10 * time.Second
)

// BlockEvent is pushed to every live session when the monitor observes a new
// block.
type BlockEvent struct {
	Type      string `json:"type"`
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	TxCount   int    `json:"tx_count"`
}

// RewardEvent reports a settlement outcome to the originating session only.
type RewardEvent struct {
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	RewardWei   string `json:"reward_wei"`
	TxHash      string `json:"tx_hash,omitempty"`
	Heartbeats  int64  `json:"heartbeats"`
	TotalEarned string `json:"total_earned,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message"`
}

// ConfirmationEvent reports a submitted transaction reaching a block, or being
// dropped after the tracking window expired.
type ConfirmationEvent struct {
	Type        string `json:"type"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Dropped     bool   `json:"dropped,omitempty"`
}

// Hub fans events out to observer sessions. Block events go to every live
// session best-effort; reward and confirmation events go only to the session
// that originated them. Snapshots are drained one at a time, so a single
// session never observes block heights out of order.
type Hub struct {
	registry *session.Registry
	metrics  *observability.SettlementMetrics
	log      *slog.Logger
	blocks   chan ledger.BlockSnapshot
}

// NewHub creates a fan-out hub over the registry.
func NewHub(registry *session.Registry, metrics *observability.SettlementMetrics, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		registry: registry,
		metrics:  metrics,
		log:      log,
		blocks:   make(chan ledger.BlockSnapshot, blockQueueDepth),
	}
}

// PublishBlock queues a block snapshot for fan-out. Never blocks: when the
// queue is full the oldest pending snapshot is discarded in favour of the new
// one.
func (h *Hub) PublishBlock(snap ledger.BlockSnapshot) {
	for {
		select {
		case h.blocks <- snap:
			return
		default:
		}
		select {
		case stale := <-h.blocks:
			h.log.Warn("block queue full, dropping snapshot", "height", stale.Number)
		default:
		}
	}
}

// Run drains queued block snapshots until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-h.blocks:
			h.deliverBlock(ctx, snap)
		}
	}
}

func (h *Hub) deliverBlock(ctx context.Context, snap ledger.BlockSnapshot) {
	event := BlockEvent{
		Type:      "block",
		Number:    snap.Number,
		Hash:      snap.Hash,
		Timestamp: snap.Timestamp.Unix(),
		TxCount:   snap.TxCount,
	}
	h.registry.ForEach(func(sess *session.Session) {
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()
		if err := sess.Push(pushCtx, event); err != nil {
			// A broken connection only affects its own session; the read
			// loop will unregister it.
			h.log.Debug("block push failed", "session", sess.ID(), "err", err)
			return
		}
		h.metrics.RecordBroadcast("block")
	})
}

// NotifyReward pushes a settlement outcome to its originating session. Nothing
// is sent once the session has been unregistered.
func (h *Hub) NotifyReward(ctx context.Context, sess *session.Session, event RewardEvent) {
	if !h.registry.Live(sess) {
		return
	}
	event.Type = "reward"
	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := sess.Push(pushCtx, event); err != nil {
		h.log.Debug("reward push failed", "session", sess.ID(), "err", err)
		return
	}
	h.metrics.RecordBroadcast("reward")
}

// NotifyConfirmation pushes a confirmation outcome to its originating session.
func (h *Hub) NotifyConfirmation(ctx context.Context, sess *session.Session, event ConfirmationEvent) {
	if !h.registry.Live(sess) {
		return
	}
	event.Type = "confirmation"
	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := sess.Push(pushCtx, event); err != nil {
		h.log.Debug("confirmation push failed", "session", sess.ID(), "err", err)
		return
	}
	h.metrics.RecordBroadcast("confirmation")
}
