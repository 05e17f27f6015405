package ledger

import (
	"sort"
	"sync"
)

// NonceSource hands out the account's transaction sequence numbers. Acquisition
// is a narrow exclusive critical section: the lock is held only across the
// counter read/advance, never across signing or network submission.
//
// A failed attempt releases the exact nonce it was assigned. Released nonces
// form a free list and are re-issued lowest-first before the counter advances
// further, so the set of nonces in use stays contiguous: no duplicates, and no
// permanent gap that would stall every later transaction from the account.
type NonceSource struct {
	mu   sync.Mutex
	next uint64
	free []uint64 // sorted ascending
}

// NewNonceSource starts issuing from the supplied next pending nonce.
func NewNonceSource(next uint64) *NonceSource {
	return &NonceSource{next: next}
}

// Acquire returns the next sequence number to use. The lowest released nonce is
// preferred over advancing the counter.
func (n *NonceSource) Acquire() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.free) > 0 {
		nonce := n.free[0]
		n.free = n.free[1:]
		return nonce
	}
	nonce := n.next
	n.next++
	return nonce
}

// Release returns a nonce whose transaction never reached the ledger. Releasing
// the most recently issued nonce rewinds the counter; anything older joins the
// free list for re-issue.
func (n *NonceSource) Release(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nonce >= n.next {
		return
	}
	if nonce == n.next-1 {
		n.next--
	} else {
		at := sort.Search(len(n.free), func(i int) bool { return n.free[i] >= nonce })
		if at < len(n.free) && n.free[at] == nonce {
			return
		}
		n.free = append(n.free, 0)
		copy(n.free[at+1:], n.free[at:])
		n.free[at] = nonce
	}
	// Collapse free nonces that now abut the counter.
	for len(n.free) > 0 && n.free[len(n.free)-1] == n.next-1 {
		n.free = n.free[:len(n.free)-1]
		n.next--
	}
}

// Pending reports the counter value that would be issued next if the free list
// is empty. Used for introspection and tests.
func (n *NonceSource) Pending() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next
}
