package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer owns the process-wide ECDSA signing credential. The private key never
// leaves this type; callers hand it transactions to sign and read the derived
// address.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// SignerFromHex parses a hex-encoded secp256k1 private key, with or without a
// 0x prefix.
func SignerFromHex(hexKey string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &Signer{
		key:     key,
		address: gethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// GenerateSigner creates a fresh signing credential. Used by tests.
func GenerateSigner() (*Signer, error) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: gethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the account address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs the transaction for the given chain using EIP-155 replay
// protection.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}
