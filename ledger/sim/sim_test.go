package sim

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"chainpay/ledger"
)

var (
	treasury   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	authorized = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func installed(t *testing.T, balance int64) *Ledger {
	t.Helper()
	l := New(1337)
	l.InstallTreasury(treasury, authorized, big.NewInt(balance), big.NewInt(1000))
	return l
}

func processRewardData(t *testing.T, recipient common.Address, amount *big.Int, claimID common.Hash) []byte {
	t.Helper()
	data, err := ledger.TreasuryABI().Pack("processReward", recipient, amount, claimID)
	if err != nil {
		t.Fatalf("pack processReward: %v", err)
	}
	return data
}

// TestProcessRewardIdempotent replays the exact same claim id: the second call
// must fail as a duplicate and leave balance, distributed total, and earnings
// untouched.
func TestProcessRewardIdempotent(t *testing.T) {
	l := installed(t, 10_000)
	claimID := common.HexToHash("0x1234")
	data := processRewardData(t, alice, big.NewInt(1000), claimID)

	if err := l.applyTreasuryCall(authorized, data); err != nil {
		t.Fatalf("first processReward: %v", err)
	}
	err := l.applyTreasuryCall(authorized, data)
	if err == nil || !strings.Contains(err.Error(), "claim already processed") {
		t.Fatalf("expected duplicate claim error, got %v", err)
	}

	if got := l.state.balance.String(); got != "9000" {
		t.Fatalf("balance changed by duplicate: %s", got)
	}
	if got := l.state.distributed.String(); got != "1000" {
		t.Fatalf("distributed changed by duplicate: %s", got)
	}
	if l.state.claims != 1 {
		t.Fatalf("claims changed by duplicate: %d", l.state.claims)
	}
	if got := l.state.earnings[alice].String(); got != "1000" {
		t.Fatalf("earnings changed by duplicate: %s", got)
	}
}

func TestProcessRewardAssertions(t *testing.T) {
	l := installed(t, 500)

	cases := []struct {
		name   string
		caller common.Address
		to     common.Address
		amount *big.Int
		claim  common.Hash
		want   string
	}{
		{"unauthorized", alice, alice, big.NewInt(100), common.HexToHash("0x01"), "unauthorized"},
		{"zero amount", authorized, alice, big.NewInt(0), common.HexToHash("0x02"), "amount is zero"},
		{"null recipient", authorized, common.Address{}, big.NewInt(100), common.HexToHash("0x03"), "null recipient"},
		{"insufficient", authorized, alice, big.NewInt(1000), common.HexToHash("0x04"), "insufficient treasury"},
	}
	for _, tc := range cases {
		data := processRewardData(t, tc.to, tc.amount, tc.claim)
		err := l.applyTreasuryCall(tc.caller, data)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q error, got %v", tc.name, tc.want, err)
		}
	}
	if l.state.claims != 0 {
		t.Fatalf("rejected calls mutated state: claims=%d", l.state.claims)
	}
}

// TestBatchAtomicity settles a batch whose last entry overdraws the treasury:
// the whole call aborts and no entry is applied.
func TestBatchAtomicity(t *testing.T) {
	l := installed(t, 250)
	recipients := []common.Address{
		common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		common.HexToAddress("0x00000000000000000000000000000000000000a3"),
	}
	amounts := []*big.Int{big.NewInt(100), big.NewInt(100), big.NewInt(100)}
	claims := [][32]byte{
		common.HexToHash("0x11"),
		common.HexToHash("0x12"),
		common.HexToHash("0x13"),
	}
	data, err := ledger.TreasuryABI().Pack("batchProcessReward", recipients, amounts, claims)
	if err != nil {
		t.Fatalf("pack batch: %v", err)
	}

	err = l.applyTreasuryCall(authorized, data)
	if err == nil || !strings.Contains(err.Error(), "insufficient treasury") {
		t.Fatalf("expected insufficient treasury, got %v", err)
	}
	if l.state.claims != 0 || l.state.balance.String() != "250" {
		t.Fatalf("aborted batch mutated state: claims=%d balance=%s", l.state.claims, l.state.balance)
	}
	for _, claim := range claims {
		if l.state.processed[common.Hash(claim)] {
			t.Fatalf("aborted batch consumed claim %x", claim)
		}
	}
}

func TestBatchSizeBounds(t *testing.T) {
	l := installed(t, 10_000)
	var recipients []common.Address
	var amounts []*big.Int
	var claims [][32]byte
	for i := 0; i <= ledger.MaxBatchSize; i++ {
		recipients = append(recipients, common.BigToAddress(big.NewInt(int64(i+1))))
		amounts = append(amounts, big.NewInt(1))
		claims = append(claims, common.BigToHash(big.NewInt(int64(i+1))))
	}
	data, err := ledger.TreasuryABI().Pack("batchProcessReward", recipients, amounts, claims)
	if err != nil {
		t.Fatalf("pack batch: %v", err)
	}
	if err := l.applyTreasuryCall(authorized, data); err == nil || !strings.Contains(err.Error(), "batch size") {
		t.Fatalf("expected batch size error, got %v", err)
	}
}
