// Package sim provides an in-memory ledger backend implementing the
// RewardTreasury state machine. Tests use it to exercise the full
// estimate/sign/submit pipeline and the contract's dedup and balance
// invariants without a running node.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"chainpay/ledger"
)

// Contract assertion messages. The client's error classifier matches on these,
// mirroring the revert reasons of the deployed treasury.
const (
	msgUnauthorized      = "execution reverted: unauthorized caller"
	msgZeroAmount        = "execution reverted: amount is zero"
	msgNullRecipient     = "execution reverted: null recipient"
	msgDuplicateClaim    = "execution reverted: claim already processed"
	msgInsufficientFunds = "execution reverted: insufficient treasury balance"
	msgBatchBounds       = "execution reverted: batch size out of bounds"
)

type treasuryState struct {
	balance     *big.Int
	distributed *big.Int
	claims      int64
	rate        *big.Int
	earnings    map[common.Address]*big.Int
	processed   map[common.Hash]bool
}

// Ledger is an in-memory chain accepting signed transactions from a single
// authorized settlement account. Contract assertion failures are surfaced at
// the submission boundary and do not consume the sender's nonce.
type Ledger struct {
	mu       sync.Mutex
	chainID  *big.Int
	signer   types.Signer
	gasPrice *big.Int

	balances map[common.Address]*big.Int
	nonces   map[common.Address]map[uint64]bool

	treasury    common.Address
	hasTreasury bool
	authorized  common.Address
	state       treasuryState

	height   uint64
	blocks   map[uint64]*types.Block
	pending  []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	failEstimate error
	failSend     error
}

// New creates a simulator for the given chain id with an empty genesis block.
func New(chainID int64) *Ledger {
	l := &Ledger{
		chainID:  big.NewInt(chainID),
		signer:   types.NewEIP155Signer(big.NewInt(chainID)),
		gasPrice: big.NewInt(1_000_000_000),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]map[uint64]bool),
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
	}
	l.blocks[0] = l.buildBlock(0, common.Hash{}, nil)
	return l
}

// Fund credits an account balance.
func (l *Ledger) Fund(addr common.Address, wei *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(addr, wei)
}

// InstallTreasury deploys the treasury at addr, funds it, and restricts
// processReward to the authorized caller.
func (l *Ledger) InstallTreasury(addr, authorized common.Address, balance, rate *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.treasury = addr
	l.hasTreasury = true
	l.authorized = authorized
	l.state = treasuryState{
		balance:     new(big.Int).Set(balance),
		distributed: new(big.Int),
		rate:        new(big.Int).Set(rate),
		earnings:    make(map[common.Address]*big.Int),
		processed:   make(map[common.Hash]bool),
	}
}

// RefillTreasury credits the treasury balance.
func (l *Ledger) RefillTreasury(wei *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.balance.Add(l.state.balance, wei)
}

// FailNextEstimate makes the next EstimateGas call fail with err.
func (l *Ledger) FailNextEstimate(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failEstimate = err
}

// FailNextSend makes the next SendTransaction call fail with err.
func (l *Ledger) FailNextSend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSend = err
}

// AdvanceBlock mines the accepted transactions into a new block and returns
// the new height.
func (l *Ledger) AdvanceBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	parent := l.blocks[l.height].Hash()
	l.height++
	block := l.buildBlock(l.height, parent, l.pending)
	l.blocks[l.height] = block
	for _, tx := range l.pending {
		l.receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: new(big.Int).SetUint64(l.height),
		}
	}
	l.pending = nil
	return l.height
}

func (l *Ledger) buildBlock(number uint64, parent common.Hash, txs []*types.Transaction) *types.Block {
	header := &types.Header{
		ParentHash: parent,
		Number:     new(big.Int).SetUint64(number),
		Time:       uint64(time.Now().Unix()),
		Difficulty: big.NewInt(1),
	}
	return types.NewBlockWithHeader(header).WithBody(txs, nil)
}

// UsedNonceCount returns how many transactions the chain has accepted from
// addr.
func (l *Ledger) UsedNonceCount(addr common.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.nonces[addr])
}

// NoncesContiguous reports whether the sequence numbers accepted from addr
// form exactly {0, 1, ..., n-1}: no duplicates (the map cannot hold them) and
// no gaps.
func (l *Ledger) NoncesContiguous(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	used := l.nonces[addr]
	for i := uint64(0); i < uint64(len(used)); i++ {
		if !used[i] {
			return false
		}
	}
	return true
}

// lowestUnusedNonce is the pending nonce a node would report for addr.
func (l *Ledger) lowestUnusedNonce(addr common.Address) uint64 {
	used := l.nonces[addr]
	n := uint64(0)
	for used[n] {
		n++
	}
	return n
}

func (l *Ledger) credit(addr common.Address, wei *big.Int) {
	current, ok := l.balances[addr]
	if !ok {
		current = new(big.Int)
		l.balances[addr] = current
	}
	current.Add(current, wei)
}

// --- ledger.Backend ---

func (l *Ledger) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.chainID), nil
}

func (l *Ledger) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lowestUnusedNonce(account), nil
}

func (l *Ledger) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.gasPrice), nil
}

func (l *Ledger) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failEstimate != nil {
		err := l.failEstimate
		l.failEstimate = nil
		return 0, err
	}
	return 90_000, nil
}

func (l *Ledger) SendTransaction(_ context.Context, tx *types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSend != nil {
		err := l.failSend
		l.failSend = nil
		return err
	}
	from, err := types.Sender(l.signer, tx)
	if err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	if l.nonces[from] == nil {
		l.nonces[from] = make(map[uint64]bool)
	}
	// Out-of-order nonces queue as on a real node; only an already-consumed
	// sequence number is rejected outright.
	if l.nonces[from][tx.Nonce()] {
		return fmt.Errorf("nonce too low: %d already known", tx.Nonce())
	}
	if l.hasTreasury && tx.To() != nil && *tx.To() == l.treasury {
		if err := l.applyTreasuryCall(from, tx.Data()); err != nil {
			return err
		}
	} else if tx.To() != nil && tx.Value().Sign() > 0 {
		l.credit(*tx.To(), tx.Value())
	}
	l.nonces[from][tx.Nonce()] = true
	l.pending = append(l.pending, tx)
	return nil
}

func (l *Ledger) applyTreasuryCall(from common.Address, data []byte) error {
	if len(data) < 4 {
		return errors.New("execution reverted: missing calldata")
	}
	treasuryABI := ledger.TreasuryABI()
	method, err := treasuryABI.MethodById(data[:4])
	if err != nil {
		return fmt.Errorf("execution reverted: unknown method: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return fmt.Errorf("execution reverted: bad calldata: %w", err)
	}
	switch method.Name {
	case "processReward":
		recipient := args[0].(common.Address)
		amount := args[1].(*big.Int)
		claimID := common.Hash(args[2].([32]byte))
		if err := l.checkReward(from, recipient, amount, claimID); err != nil {
			return err
		}
		l.applyReward(recipient, amount, claimID)
		return nil
	case "batchProcessReward":
		recipients := args[0].([]common.Address)
		amounts := args[1].([]*big.Int)
		rawClaims := args[2].([][32]byte)
		if len(recipients) == 0 || len(recipients) > ledger.MaxBatchSize ||
			len(recipients) != len(amounts) || len(recipients) != len(rawClaims) {
			return errors.New(msgBatchBounds)
		}
		claims := make([]common.Hash, len(rawClaims))
		remaining := new(big.Int).Set(l.state.balance)
		seen := make(map[common.Hash]bool)
		// All assertions run before any state mutation: the batch is atomic
		// at the call boundary.
		for i := range recipients {
			claims[i] = common.Hash(rawClaims[i])
			if err := l.checkReward(from, recipients[i], amounts[i], claims[i]); err != nil {
				return err
			}
			if seen[claims[i]] {
				return errors.New(msgDuplicateClaim)
			}
			seen[claims[i]] = true
			if remaining.Cmp(amounts[i]) < 0 {
				return errors.New(msgInsufficientFunds)
			}
			remaining.Sub(remaining, amounts[i])
		}
		for i := range recipients {
			l.applyReward(recipients[i], amounts[i], claims[i])
		}
		return nil
	default:
		return fmt.Errorf("execution reverted: %s is not payable", method.Name)
	}
}

func (l *Ledger) checkReward(from, recipient common.Address, amount *big.Int, claimID common.Hash) error {
	if from != l.authorized {
		return errors.New(msgUnauthorized)
	}
	if amount == nil || amount.Sign() == 0 {
		return errors.New(msgZeroAmount)
	}
	if recipient == (common.Address{}) {
		return errors.New(msgNullRecipient)
	}
	if l.state.processed[claimID] {
		return errors.New(msgDuplicateClaim)
	}
	if l.state.balance.Cmp(amount) < 0 {
		return errors.New(msgInsufficientFunds)
	}
	return nil
}

func (l *Ledger) applyReward(recipient common.Address, amount *big.Int, claimID common.Hash) {
	l.state.processed[claimID] = true
	l.state.balance.Sub(l.state.balance, amount)
	l.state.distributed.Add(l.state.distributed, amount)
	l.state.claims++
	earned, ok := l.state.earnings[recipient]
	if !ok {
		earned = new(big.Int)
		l.state.earnings[recipient] = earned
	}
	earned.Add(earned, amount)
	l.credit(recipient, amount)
}

func (l *Ledger) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance, ok := l.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

func (l *Ledger) BlockNumber(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

func (l *Ledger) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	height := l.height
	if number != nil {
		height = number.Uint64()
	}
	block, ok := l.blocks[height]
	if !ok {
		return nil, ethereum.NotFound
	}
	return block, nil
}

func (l *Ledger) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg.To == nil || !l.hasTreasury || *msg.To != l.treasury {
		return nil, errors.New("execution reverted: no contract at address")
	}
	if len(msg.Data) < 4 {
		return nil, errors.New("execution reverted: missing calldata")
	}
	treasuryABI := ledger.TreasuryABI()
	method, err := treasuryABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: unknown method: %w", err)
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: bad calldata: %w", err)
	}
	switch method.Name {
	case "getStats":
		return method.Outputs.Pack(
			new(big.Int).Set(l.state.balance),
			new(big.Int).Set(l.state.distributed),
			big.NewInt(l.state.claims),
			new(big.Int).Set(l.state.rate),
		)
	case "getTreasuryBalance":
		return method.Outputs.Pack(new(big.Int).Set(l.state.balance))
	case "getUserEarnings":
		user := args[0].(common.Address)
		earned := l.state.earnings[user]
		if earned == nil {
			earned = new(big.Int)
		}
		return method.Outputs.Pack(new(big.Int).Set(earned))
	case "isClaimProcessed":
		claimID := common.Hash(args[0].([32]byte))
		return method.Outputs.Pack(l.state.processed[claimID])
	default:
		return nil, fmt.Errorf("execution reverted: %s is not a view method", method.Name)
	}
}

func (l *Ledger) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if receipt, ok := l.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}
