package monitor

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainpay/ledger"
	"chainpay/session"
)

// defaultWatchTTL bounds how long a submitted transaction is tracked before it
// is reported dropped.
const defaultWatchTTL = 5 * time.Minute

// Confirmation reports a watched transaction transitioning out of the
// Submitted state: either confirmed at a height, or dropped after the tracking
// window expired.
type Confirmation struct {
	Hash    common.Hash
	Session *session.Session
	Height  uint64
	Dropped bool
}

type watchEntry struct {
	session     *session.Session
	submittedAt time.Time
}

// Tracker correlates submitted transaction hashes against the transactions of
// newly observed blocks, turning fire-and-forget submission into an explicit
// Submitted to Confirmed (or Dropped) transition.
type Tracker struct {
	mu      sync.Mutex
	pending map[common.Hash]watchEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTracker creates a tracker with the default watch window.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[common.Hash]watchEntry),
		ttl:     defaultWatchTTL,
		now:     time.Now,
	}
}

// Watch starts tracking a submitted transaction for the given session.
func (t *Tracker) Watch(hash common.Hash, sess *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[hash] = watchEntry{session: sess, submittedAt: t.now()}
}

// Pending returns the number of transactions still awaiting confirmation.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Observe matches a new block's transactions against the watched set and
// returns the resulting transitions. Watches older than the TTL are reported
// dropped.
func (t *Tracker) Observe(snap ledger.BlockSnapshot) []Confirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Confirmation
	for _, hash := range snap.TxHashes {
		entry, ok := t.pending[hash]
		if !ok {
			continue
		}
		delete(t.pending, hash)
		out = append(out, Confirmation{Hash: hash, Session: entry.session, Height: snap.Number})
	}
	cutoff := t.now().Add(-t.ttl)
	for hash, entry := range t.pending {
		if entry.submittedAt.Before(cutoff) {
			delete(t.pending, hash)
			out = append(out, Confirmation{Hash: hash, Session: entry.session, Dropped: true})
		}
	}
	return out
}
