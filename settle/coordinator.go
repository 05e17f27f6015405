// Package settle orchestrates reward attempts end-to-end: one ledger
// submission per heartbeat, session and process-wide bookkeeping, and the
// queued-reward consumer loop.
package settle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainpay/ledger"
	"chainpay/observability"
	"chainpay/session"
)

// rewardQueueDepth bounds the async reward queue. Enqueue reports false when
// the queue is full; nothing is silently dropped.
const rewardQueueDepth = 1000

// ErrThrottled rejects a settlement attempt that exceeds the per-wallet rate
// limit. Nothing reaches the ledger; no heartbeat is counted.
var ErrThrottled = errors.New("settle: heartbeat rate limit exceeded")

// Submitter is the slice of the ledger client the coordinator depends on.
type Submitter interface {
	SubmitReward(ctx context.Context, recipient string, amount *big.Int) (common.Hash, error)
}

// Outcome reports one settlement attempt. Every attempt, success or failure,
// carries a human-readable message.
type Outcome struct {
	Success     bool
	TxHash      common.Hash
	Amount      *big.Int
	Heartbeats  int64
	TotalEarned *big.Int
	Message     string
	Err         error
}

// Request is a queued reward awaiting asynchronous settlement.
type Request struct {
	Wallet string
	Amount *big.Int
}

// Totals are the process-wide aggregate counters. The heartbeat count and the
// distributed total move together under one lock.
type Totals struct {
	mu          sync.Mutex
	heartbeats  int64
	distributed *big.Int
}

func (t *Totals) record(amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heartbeats++
	t.distributed.Add(t.distributed, amount)
}

// Snapshot returns the total heartbeats observed and the total amount queued
// for distribution.
func (t *Totals) Snapshot() (int64, *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heartbeats, new(big.Int).Set(t.distributed)
}

// Coordinator turns reward requests into ledger submissions and updates the
// aggregate counters.
type Coordinator struct {
	client  Submitter
	totals  *Totals
	limiter *WalletLimiter
	metrics *observability.SettlementMetrics
	log     *slog.Logger
	queue   chan Request

	// countFailed controls whether a failed attempt still advances the
	// session heartbeat counter.
	countFailed bool
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithMetrics supplies the metrics registry.
func WithMetrics(metrics *observability.SettlementMetrics) Option {
	return func(c *Coordinator) { c.metrics = metrics }
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithRateLimiter throttles settlement attempts per wallet. A nil limiter
// disables throttling.
func WithRateLimiter(limiter *WalletLimiter) Option {
	return func(c *Coordinator) { c.limiter = limiter }
}

// WithCountFailedHeartbeats makes failed attempts count toward the session
// heartbeat total.
func WithCountFailedHeartbeats(count bool) Option {
	return func(c *Coordinator) { c.countFailed = count }
}

// NewCoordinator creates a coordinator over the supplied submitter.
func NewCoordinator(client Submitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		client: client,
		totals: &Totals{distributed: new(big.Int)},
		log:    slog.Default(),
		queue:  make(chan Request, rewardQueueDepth),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Totals exposes the aggregate counters for reporting.
func (c *Coordinator) Totals() *Totals { return c.totals }

// Settle runs one reward attempt for wallet. When sess is non-nil the session
// counters are updated as well. On failure the earned total is untouched: the
// attempt is treated as not settled, and no retry happens here — the next
// heartbeat carries a fresh claim id.
func (c *Coordinator) Settle(ctx context.Context, sess *session.Session, wallet string, amount *big.Int) Outcome {
	if !c.limiter.Allow(wallet) {
		c.metrics.RecordSettlement("throttled")
		outcome := Outcome{
			Amount:  amount,
			Message: failureMessage(ErrThrottled),
			Err:     ErrThrottled,
		}
		if sess != nil {
			outcome.Heartbeats, _ = sess.Stats()
		}
		return outcome
	}

	start := time.Now()
	hash, err := c.client.SubmitReward(ctx, wallet, amount)
	if err != nil {
		c.metrics.RecordSettlement("failure")
		outcome := Outcome{
			Amount:  amount,
			Message: failureMessage(err),
			Err:     err,
		}
		if sess != nil {
			if c.countFailed {
				outcome.Heartbeats = sess.BumpHeartbeats()
			} else {
				outcome.Heartbeats, _ = sess.Stats()
			}
		}
		c.log.Warn("settlement failed", "wallet", wallet, "amount_wei", amount, "err", err)
		return outcome
	}

	outcome := Outcome{
		Success: true,
		TxHash:  hash,
		Amount:  amount,
		Message: "Reward processed successfully",
	}
	if sess != nil {
		sess.BumpHeartbeats()
		outcome.Heartbeats, outcome.TotalEarned = sess.RecordEarned(amount)
	}
	c.totals.record(amount)
	c.metrics.RecordSettlement("success")
	c.metrics.ObserveLatency(time.Since(start).Seconds())
	return outcome
}

// failureMessage maps the settlement taxonomy onto a user-visible message.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidRecipient):
		return "Reward rejected: invalid wallet address"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "Reward rejected: invalid amount"
	case errors.Is(err, ledger.ErrDuplicateClaim):
		return "Reward already settled for this claim"
	case errors.Is(err, ledger.ErrInsufficientTreasury):
		return "Treasury balance exhausted"
	case errors.Is(err, ledger.ErrCostEstimationFailed):
		return "Reward failed: could not estimate transaction cost"
	case errors.Is(err, ledger.ErrSigningFailed):
		return "Reward failed: could not sign transaction"
	case errors.Is(err, ledger.ErrLedgerUnreachable):
		return "Reward failed: ledger unreachable"
	case errors.Is(err, ErrThrottled):
		return "Heartbeat rate limit exceeded, slow down"
	default:
		return "Reward failed: " + err.Error()
	}
}

// Enqueue queues a reward for asynchronous settlement. Reports false when the
// queue is full.
func (c *Coordinator) Enqueue(req Request) bool {
	select {
	case c.queue <- req:
		return true
	default:
		c.log.Warn("reward queue full, rejecting request", "wallet", req.Wallet)
		return false
	}
}

// Run drains the reward queue until ctx is cancelled. Queue entries have no
// originating session; outcomes are logged only.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.queue:
			outcome := c.Settle(ctx, nil, req.Wallet, req.Amount)
			if !outcome.Success {
				c.log.Warn("queued reward failed", "wallet", req.Wallet, "err", outcome.Err)
			}
		}
	}
}
