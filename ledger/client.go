package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"chainpay/crypto"
)

const (
	defaultCallTimeout = 10 * time.Second
	transferGasLimit   = 21000
	receiptPollEvery   = time.Second
)

// Backend is the subset of the ledger RPC surface the client depends on.
// *ethclient.Client satisfies it; tests substitute an in-memory simulator.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BlockSnapshot summarises the latest observed block. Superseded whenever a
// higher height is observed; the monitor assumes a linear, non-reorging chain.
type BlockSnapshot struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	TxCount   int       `json:"tx_count"`

	// TxHashes feeds confirmation tracking; not part of the wire payload.
	TxHashes []common.Hash `json:"-"`
}

// Client is the sole owner of the signing key and the account's sequence
// counter. It turns reward requests into signed, submitted ledger transactions
// and answers read-only queries about chain and treasury state.
type Client struct {
	backend     Backend
	signer      *crypto.Signer
	chainID     *big.Int
	treasury    common.Address
	hasTreasury bool
	nonces      *NonceSource
	callTimeout time.Duration
	log         *slog.Logger
	closeFn     func()
}

// Option customises a Client.
type Option func(*Client)

// WithTreasury routes rewards through the treasury contract at addr instead of
// the direct-transfer fallback.
func WithTreasury(addr common.Address) Option {
	return func(c *Client) {
		c.treasury = addr
		c.hasTreasury = true
	}
}

// WithCallTimeout bounds every individual ledger call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithLogger supplies a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Dial connects to the ledger RPC endpoint and initialises a client against it.
// Failing to reach the ledger here is fatal; the daemon offers no degraded mode.
func Dial(ctx context.Context, endpoint string, signer *crypto.Signer, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial ledger %s: %w", endpoint, err)
	}
	client, err := NewClient(ctx, ec, signer, opts...)
	if err != nil {
		ec.Close()
		return nil, err
	}
	client.closeFn = ec.Close
	return client, nil
}

// NewClient initialises a client over an existing backend, fetching the chain
// id and the account's next pending nonce.
func NewClient(ctx context.Context, backend Backend, signer *crypto.Signer, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if signer == nil {
		return nil, fmt.Errorf("ledger: signer required")
	}
	c := &Client{
		backend:     backend,
		signer:      signer,
		callTimeout: defaultCallTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrLedgerUnreachable, err)
	}
	nonce, err := backend.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %v", ErrLedgerUnreachable, err)
	}
	c.chainID = chainID
	c.nonces = NewNonceSource(nonce)
	return c, nil
}

// Close releases the underlying RPC connection, if any.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// SignerAddress returns the account the client submits from.
func (c *Client) SignerAddress() common.Address {
	return c.signer.Address()
}

// HasTreasury reports whether rewards are routed through the treasury contract.
func (c *Client) HasTreasury() bool {
	return c.hasTreasury
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func parseRecipient(recipient string) (common.Address, error) {
	if !common.IsHexAddress(recipient) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	addr := common.HexToAddress(recipient)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidRecipient)
	}
	return addr, nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}

// SubmitReward settles one reward. Validation happens before any network call;
// the sequence number is acquired only once gas price and gas limit are known,
// and is returned to the source if signing or submission fails afterwards.
//
// With a treasury configured the reward goes through processReward and the
// claim id guarantees at-most-once payout. Without one the client falls back to
// a direct value transfer, which carries no dedup guarantee.
func (c *Client) SubmitReward(ctx context.Context, recipient string, amount *big.Int) (common.Hash, error) {
	to, err := parseRecipient(recipient)
	if err != nil {
		return common.Hash{}, err
	}
	if err := validAmount(amount); err != nil {
		return common.Hash{}, err
	}

	var (
		data  []byte
		value = new(big.Int)
		dest  = to
	)
	claimID := NewClaimID(to, amount)
	if c.hasTreasury {
		packed, err := TreasuryABI().Pack("processReward", to, amount, claimID)
		if err != nil {
			return common.Hash{}, fmt.Errorf("pack processReward: %w", err)
		}
		data = packed
		dest = c.treasury
	} else {
		value = new(big.Int).Set(amount)
	}

	hash, err := c.submit(ctx, dest, value, data)
	if err != nil {
		return common.Hash{}, err
	}
	c.log.Info("reward submitted",
		"recipient", to.Hex(),
		"amount_wei", amount.String(),
		"claim_id", claimID.Hex(),
		"tx", hash.Hex(),
	)
	return hash, nil
}

// SubmitRewardBatch settles up to MaxBatchSize rewards in one transaction via
// batchProcessReward. The contract applies the batch atomically: any entry
// failing an assertion aborts the whole call.
func (c *Client) SubmitRewardBatch(ctx context.Context, recipients []string, amounts []*big.Int) (common.Hash, error) {
	if !c.hasTreasury {
		return common.Hash{}, fmt.Errorf("%w: batch settlement requires a treasury contract", ErrSubmissionRejected)
	}
	if len(recipients) == 0 || len(recipients) != len(amounts) {
		return common.Hash{}, fmt.Errorf("%w: %d recipients, %d amounts", ErrBatchSize, len(recipients), len(amounts))
	}
	if len(recipients) > MaxBatchSize {
		return common.Hash{}, fmt.Errorf("%w: %d entries exceeds maximum %d", ErrBatchSize, len(recipients), MaxBatchSize)
	}

	addrs := make([]common.Address, len(recipients))
	claims := make([]common.Hash, len(recipients))
	vals := make([]*big.Int, len(amounts))
	for i, recipient := range recipients {
		addr, err := parseRecipient(recipient)
		if err != nil {
			return common.Hash{}, err
		}
		if err := validAmount(amounts[i]); err != nil {
			return common.Hash{}, err
		}
		addrs[i] = addr
		vals[i] = amounts[i]
		claims[i] = NewClaimID(addr, amounts[i])
	}

	data, err := TreasuryABI().Pack("batchProcessReward", addrs, vals, claims)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack batchProcessReward: %w", err)
	}
	return c.submit(ctx, c.treasury, new(big.Int), data)
}

// submit runs the cost-estimate / acquire-nonce / sign / send pipeline. The
// nonce lock is held only inside NonceSource; a failure after acquisition
// releases the exact nonce taken.
func (c *Client) submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	priceCtx, cancel := c.callCtx(ctx)
	gasPrice, err := c.backend.SuggestGasPrice(priceCtx)
	cancel()
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas price: %v", ErrCostEstimationFailed, err)
	}

	gasLimit := uint64(transferGasLimit)
	if len(data) > 0 {
		estCtx, cancel := c.callCtx(ctx)
		gasLimit, err = c.backend.EstimateGas(estCtx, ethereum.CallMsg{
			From:     c.signer.Address(),
			To:       &to,
			GasPrice: gasPrice,
			Value:    value,
			Data:     data,
		})
		cancel()
		if err != nil {
			return common.Hash{}, classifyCallError(ErrCostEstimationFailed, err)
		}
	}

	nonce := c.nonces.Acquire()

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx, c.chainID)
	if err != nil {
		c.nonces.Release(nonce)
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	sendCtx, cancel := c.callCtx(ctx)
	err = c.backend.SendTransaction(sendCtx, signed)
	cancel()
	if err != nil {
		c.nonces.Release(nonce)
		return common.Hash{}, classifyCallError(ErrSubmissionRejected, err)
	}
	return signed.Hash(), nil
}

// classifyCallError maps revert reasons surfaced through estimate or submit
// failures onto the settlement taxonomy, falling back to the stage error.
func classifyCallError(stage error, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "claim already processed") || strings.Contains(msg, "duplicate claim"):
		return fmt.Errorf("%w: %v", ErrDuplicateClaim, err)
	case strings.Contains(msg, "insufficient treasury") || strings.Contains(msg, "insufficient contract balance"):
		return fmt.Errorf("%w: %v", ErrInsufficientTreasury, err)
	default:
		return fmt.Errorf("%w: %v", stage, err)
	}
}

// Balance returns the ledger balance of an address.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, address)
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	balance, err := c.backend.BalanceAt(callCtx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrLedgerUnreachable, err)
	}
	return balance, nil
}

// BlockHeight returns the current chain height.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	height, err := c.backend.BlockNumber(callCtx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", ErrLedgerUnreachable, err)
	}
	return height, nil
}

// LatestBlock returns a snapshot of the chain head.
func (c *Client) LatestBlock(ctx context.Context) (BlockSnapshot, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	block, err := c.backend.BlockByNumber(callCtx, nil)
	if err != nil {
		return BlockSnapshot{}, fmt.Errorf("%w: latest block: %v", ErrLedgerUnreachable, err)
	}
	txs := block.Transactions()
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return BlockSnapshot{
		Number:    block.NumberU64(),
		Hash:      block.Hash().Hex(),
		Timestamp: time.Unix(int64(block.Time()), 0),
		TxCount:   len(txs),
		TxHashes:  hashes,
	}, nil
}

// TreasuryStats reads the treasury aggregate state. Without a contract the
// signer balance stands in and the counters report zero; the configured rate is
// filled in by the caller.
func (c *Client) TreasuryStats(ctx context.Context) (TreasuryStats, error) {
	if !c.hasTreasury {
		balance, err := c.Balance(ctx, c.signer.Address().Hex())
		if err != nil {
			return TreasuryStats{}, err
		}
		return TreasuryStats{
			Balance:          balance,
			TotalDistributed: new(big.Int),
			RewardRate:       new(big.Int),
		}, nil
	}

	out, err := c.callTreasury(ctx, "getStats")
	if err != nil {
		return TreasuryStats{}, err
	}
	var stats struct {
		Balance          *big.Int
		TotalDistributed *big.Int
		TotalClaims      *big.Int
		RatePerHeartbeat *big.Int
	}
	if err := TreasuryABI().UnpackIntoInterface(&stats, "getStats", out); err != nil {
		// Older treasury deployments lack getStats; fall back to the balance.
		return c.statsFromBalance(ctx)
	}
	return TreasuryStats{
		Balance:          stats.Balance,
		TotalDistributed: stats.TotalDistributed,
		TotalClaims:      stats.TotalClaims.Int64(),
		RewardRate:       stats.RatePerHeartbeat,
	}, nil
}

func (c *Client) statsFromBalance(ctx context.Context) (TreasuryStats, error) {
	out, err := c.callTreasury(ctx, "getTreasuryBalance")
	if err != nil {
		return TreasuryStats{}, err
	}
	balance := new(big.Int)
	if len(out) >= 32 {
		balance.SetBytes(out[:32])
	}
	return TreasuryStats{
		Balance:          balance,
		TotalDistributed: new(big.Int),
		RewardRate:       new(big.Int),
	}, nil
}

// UserEarnings returns the cumulative amount the treasury has paid an address.
func (c *Client) UserEarnings(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, address)
	}
	if !c.hasTreasury {
		return new(big.Int), nil
	}
	out, err := c.callTreasury(ctx, "getUserEarnings", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	earnings := new(big.Int)
	if len(out) >= 32 {
		earnings.SetBytes(out[:32])
	}
	return earnings, nil
}

// ClaimProcessed reports whether the treasury has already consumed a claim id.
func (c *Client) ClaimProcessed(ctx context.Context, claimID common.Hash) (bool, error) {
	if !c.hasTreasury {
		return false, nil
	}
	out, err := c.callTreasury(ctx, "isClaimProcessed", claimID)
	if err != nil {
		return false, err
	}
	var processed bool
	if err := TreasuryABI().UnpackIntoInterface(&processed, "isClaimProcessed", out); err != nil {
		return false, fmt.Errorf("unpack isClaimProcessed: %w", err)
	}
	return processed, nil
}

func (c *Client) callTreasury(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := TreasuryABI().Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	out, err := c.backend.CallContract(callCtx, ethereum.CallMsg{
		To:   &c.treasury,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLedgerUnreachable, method, err)
	}
	return out, nil
}

// Healthy reports whether the ledger connection answers a height query.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.BlockHeight(ctx)
	return err == nil
}

// WaitMined polls for the transaction receipt until it appears or ctx expires.
// Steady-state settlement does not wait on inclusion; this helper backs the
// optional confirmation path and operational tooling.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()
	for {
		callCtx, cancel := c.callCtx(ctx)
		receipt, err := c.backend.TransactionReceipt(callCtx, hash)
		cancel()
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("receipt poll failed", "tx", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: receipt: %v", ErrLedgerUnreachable, ctx.Err())
		case <-ticker.C:
		}
	}
}
