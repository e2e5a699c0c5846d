package ethtx

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loanchain/crypto"
)

// Submit signs a contract call (or deployment, when to is nil) with key and
// sends it to the node. The nonce, gas price, and gas limit are resolved
// from the node's pending view. Returns the transaction hash to await.
func Submit(
	ctx context.Context,
	node Node,
	key *crypto.PrivateKey,
	chainID *big.Int,
	to *common.Address,
	value *big.Int,
	data []byte,
) (common.Hash, error) {
	from := common.BytesToAddress(key.Address().Bytes())

	nonce, err := node.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ethtx: fetch nonce: %w", err)
	}
	gasPrice, err := node.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ethtx: fetch gas price: %w", err)
	}
	gas, err := node.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("ethtx: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ethtx: sign transaction: %w", err)
	}

	if err := node.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("ethtx: send transaction: %w", err)
	}
	Metrics().Submitted.Inc()
	return signed.Hash(), nil
}
