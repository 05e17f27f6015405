package ledger

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// MaxBatchSize bounds the number of entries accepted by batchProcessReward.
const MaxBatchSize = 100

// treasuryABIJSON covers the subset of the RewardTreasury contract the client
// calls. The contract is the single source of truth for whether a claim id has
// already been paid.
const treasuryABIJSON = `[
	{"inputs":[{"internalType":"address payable","name":"recipient","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"bytes32","name":"claimId","type":"bytes32"}],"name":"processReward","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address payable[]","name":"recipients","type":"address[]"},{"internalType":"uint256[]","name":"amounts","type":"uint256[]"},{"internalType":"bytes32[]","name":"claimIds","type":"bytes32[]"}],"name":"batchProcessReward","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"getStats","outputs":[{"internalType":"uint256","name":"balance","type":"uint256"},{"internalType":"uint256","name":"totalDistributed","type":"uint256"},{"internalType":"uint256","name":"totalClaims","type":"uint256"},{"internalType":"uint256","name":"ratePerHeartbeat","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getTreasuryBalance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"getUserEarnings","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"claimId","type":"bytes32"}],"name":"isClaimProcessed","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

var (
	treasuryABIOnce sync.Once
	treasuryABIVal  abi.ABI
)

// TreasuryABI returns the parsed RewardTreasury ABI. The JSON is a compile-time
// constant, so parsing cannot fail at runtime.
func TreasuryABI() abi.ABI {
	treasuryABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(treasuryABIJSON))
		if err != nil {
			panic("ledger: treasury ABI: " + err.Error())
		}
		treasuryABIVal = parsed
	})
	return treasuryABIVal
}

// TreasuryStats mirrors the contract's aggregate bookkeeping: balance, total
// amount distributed, total claims processed, and the configured rate per
// heartbeat. Read-only on this side; only accepted reward transactions mutate
// it on chain.
type TreasuryStats struct {
	Balance          *big.Int
	TotalDistributed *big.Int
	TotalClaims      int64
	RewardRate       *big.Int
}
