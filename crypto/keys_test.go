package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Well-known test vector: this key derives the address below.
const (
	testKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x96216849c49358B10257cb55b28eA603c874b05E"
)

func TestSignerFromHex(t *testing.T) {
	signer, err := SignerFromHex(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if got := signer.Address(); got != common.HexToAddress(testAddress) {
		t.Fatalf("derived address %s, want %s", got.Hex(), testAddress)
	}

	// The 0x prefix and surrounding whitespace are tolerated.
	prefixed, err := SignerFromHex("  0x" + testKey + "\n")
	if err != nil {
		t.Fatalf("parse prefixed key: %v", err)
	}
	if prefixed.Address() != signer.Address() {
		t.Fatal("prefixed key derived a different address")
	}
}

func TestSignerFromHexRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "zz", "0x1234"} {
		if _, err := SignerFromHex(raw); err == nil {
			t.Fatalf("key %q parsed without error", raw)
		}
	}
}

func TestGenerateSignerDistinct(t *testing.T) {
	a, err := GenerateSigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateSigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Address() == b.Address() {
		t.Fatal("two generated signers share an address")
	}
}

func TestSignTxRecoversSender(t *testing.T) {
	signer, err := SignerFromHex(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	chainID := big.NewInt(1337)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    3,
		To:       &to,
		Value:    big.NewInt(1000),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})

	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := types.Sender(types.NewEIP155Signer(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != signer.Address() {
		t.Fatalf("recovered %s, want %s", from.Hex(), signer.Address().Hex())
	}

	// Recovery against a different chain id must not yield the signer.
	if from, err := types.Sender(types.NewEIP155Signer(big.NewInt(1)), signed); err == nil && from == signer.Address() {
		t.Fatal("signature verified under the wrong chain id")
	}
}
