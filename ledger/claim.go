package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ClaimID derives the deduplication key for one reward attempt from the
// recipient, the amount, and a distinguishing nanosecond timestamp. The
// treasury contract rejects a claim id it has already consumed, so a collision
// (same tuple within timestamp resolution) drops the duplicate payout rather
// than paying twice.
func ClaimID(recipient common.Address, amount *big.Int, nanos int64) common.Hash {
	return crypto.Keccak256Hash(
		recipient.Bytes(),
		amount.Bytes(),
		big.NewInt(nanos).Bytes(),
	)
}

// NewClaimID derives a claim id for an attempt happening now.
func NewClaimID(recipient common.Address, amount *big.Int) common.Hash {
	return ClaimID(recipient, amount, time.Now().UnixNano())
}
