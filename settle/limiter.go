package settle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WalletLimiter throttles settlement attempts per wallet. Each wallet gets its
// own token bucket; idle buckets are evicted after the cleanup window so the
// map does not grow with every wallet ever seen.
type WalletLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	buckets map[string]*walletBucket
	now     func() time.Time
}

type walletBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketIdleEviction = 10 * time.Minute

// NewWalletLimiter allows perMinute settlement attempts per wallet with the
// given burst. perMinute <= 0 disables throttling entirely.
func NewWalletLimiter(perMinute float64, burst int) *WalletLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &WalletLimiter{
		perSecond: rate.Limit(perMinute / 60.0),
		burst:     burst,
		buckets:   make(map[string]*walletBucket),
		now:       time.Now,
	}
}

// Allow reports whether the wallet may attempt a settlement now. A nil limiter
// allows everything.
func (l *WalletLimiter) Allow(wallet string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	bucket, ok := l.buckets[wallet]
	if !ok {
		bucket = &walletBucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[wallet] = bucket
		l.evictIdle(now)
	}
	bucket.lastSeen = now
	return bucket.limiter.Allow()
}

// evictIdle drops buckets that have not been touched within the eviction
// window. Called under the lock, piggybacked on new-bucket creation.
func (l *WalletLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-bucketIdleEviction)
	for wallet, bucket := range l.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(l.buckets, wallet)
		}
	}
}
