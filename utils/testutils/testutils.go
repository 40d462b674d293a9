// Package testutils builds chain fixtures shared by package tests.
package testutils

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// NewKey returns a fresh key and its address.
func NewKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// PendingTx builds an unsigned legacy transaction as seen in the mempool.
func PendingTx(nonce uint64, to common.Address, value, gasPrice int64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(value),
		Gas:      21000,
		GasPrice: big.NewInt(gasPrice),
	})
}

// SignedDynamicTx signs a dynamic fee transaction to `to` on chainID.
func SignedDynamicTx(t *testing.T, chainID int64, nonce uint64, to common.Address) *types.Transaction {
	t.Helper()
	key, _ := NewKey(t)
	id := big.NewInt(chainID)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(id), &types.DynamicFeeTx{
		ChainID:   id,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(50_000_000_000),
		Gas:       300000,
		To:        &to,
	})
	require.NoError(t, err)
	return tx
}
