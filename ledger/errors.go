package ledger

import "errors"

// Settlement error taxonomy. Validation errors are reported before any network
// call; the remainder map to failures of specific pipeline stages.
var (
	// ErrInvalidRecipient indicates a malformed or zero recipient address.
	ErrInvalidRecipient = errors.New("ledger: invalid recipient address")
	// ErrInvalidAmount indicates a nil or non-positive reward amount.
	ErrInvalidAmount = errors.New("ledger: invalid reward amount")
	// ErrLedgerUnreachable indicates the ledger RPC endpoint could not be
	// reached or timed out. Transient.
	ErrLedgerUnreachable = errors.New("ledger: unreachable")
	// ErrCostEstimationFailed indicates gas price or gas limit estimation failed.
	ErrCostEstimationFailed = errors.New("ledger: cost estimation failed")
	// ErrSigningFailed indicates the offline signing step failed.
	ErrSigningFailed = errors.New("ledger: signing failed")
	// ErrSubmissionRejected indicates the ledger refused the signed transaction.
	ErrSubmissionRejected = errors.New("ledger: submission rejected")
	// ErrDuplicateClaim indicates the treasury has already consumed the claim
	// id. The reward was settled previously or concurrently; callers must not
	// retry with the same id.
	ErrDuplicateClaim = errors.New("ledger: claim already processed")
	// ErrInsufficientTreasury indicates the treasury balance cannot cover the
	// reward.
	ErrInsufficientTreasury = errors.New("ledger: insufficient treasury balance")
	// ErrBatchSize indicates an empty batch, mismatched slice lengths, or a
	// batch above MaxBatchSize.
	ErrBatchSize = errors.New("ledger: invalid batch size")
)
