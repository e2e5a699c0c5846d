// Package ethtest provides an in-memory simulation of the marketplace
// contracts behind the ethtx.Node interface, so the client library can be
// tested without an Ethereum node. Blocks are mined explicitly: a sent
// transaction stays pending, with no receipt, until MineBlock runs.
package ethtest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loanchain/crypto"
	"loanchain/ethtx"
)

const (
	simChainID    = 1337
	simGasLimit   = 8_000_000
	simGasPrice   = 1_000_000_000
	simBlockDelta = 1 // seconds between consecutive blocks
	genesisTime   = 1_700_000_000
)

// daiContract is where the simulated Dai mock lives.
var daiContract = common.HexToAddress("0x00000000000000000000000000000000000D0D0D")

// Chain is the simulated chain. It implements ethtx.Node.
type Chain struct {
	mu sync.Mutex

	chainID *big.Int
	now     uint64

	// states[h] is the world after block h; blockTimes[h] its timestamp.
	states     []*world
	blockTimes []uint64

	pending  []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

var _ ethtx.Node = (*Chain)(nil)

// NewChain starts a fresh simulated chain with only the Dai mock deployed.
func NewChain() *Chain {
	genesis := newWorld()
	return &Chain{
		chainID:    big.NewInt(simChainID),
		now:        genesisTime,
		states:     []*world{genesis},
		blockTimes: []uint64{genesisTime},
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

// DaiAddress returns the address of the simulated Dai contract.
func (c *Chain) DaiAddress() crypto.Address {
	addr, _ := crypto.AddressFromBytes(daiContract.Bytes())
	return addr
}

// Mint credits the account with Dai out of thin air.
func (c *Chain) Mint(account crypto.Address, valueAttoDai *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest().dai.mint(common.BytesToAddress(account.Bytes()), valueAttoDai)
}

// DaiBalanceOf reads the account's current Dai balance.
func (c *Chain) DaiBalanceOf(account crypto.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest().dai.balanceOf(common.BytesToAddress(account.Bytes()))
}

// AdvanceTime moves the next block's timestamp forward by d.
func (c *Chain) AdvanceTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += uint64(d / time.Second)
}

// Height returns the latest block number.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.states) - 1)
}

// MineBlock mines one block containing every pending transaction.
func (c *Chain) MineBlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineLocked()
}

func (c *Chain) mineLocked() {
	c.now += simBlockDelta
	next := c.latest().clone()
	height := uint64(len(c.states))

	for _, tx := range c.pending {
		receipt := c.applyTx(next, tx, height)
		c.receipts[tx.Hash()] = receipt
	}
	c.pending = nil
	c.states = append(c.states, next)
	c.blockTimes = append(c.blockTimes, c.now)
}

func (c *Chain) latest() *world {
	return c.states[len(c.states)-1]
}

// worldAt resolves a block number to a world; nil means latest.
func (c *Chain) worldAt(number *big.Int) (*world, error) {
	if number == nil {
		return c.latest(), nil
	}
	h := number.Int64()
	if h < 0 || h >= int64(len(c.states)) {
		return nil, fmt.Errorf("ethtest: no block %d", h)
	}
	return c.states[h], nil
}

// ExecuteUserTransaction applies one prebuilt call as if from had signed
// and submitted it, mining it immediately. Returns an error when the call
// reverts.
func (c *Chain) ExecuteUserTransaction(from crypto.Address, to crypto.Address, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now += simBlockDelta
	next := c.latest().clone()
	sender := common.BytesToAddress(from.Bytes())
	target := common.BytesToAddress(to.Bytes())

	err := c.execute(next, sender, &target, data)
	if err != nil {
		// Reverted calls still consume a block so heights stay monotonic.
		next = c.latest().clone()
	}
	c.states = append(c.states, next)
	c.blockTimes = append(c.blockTimes, c.now)
	return err
}

// --- ethtx.Node ---

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := c.latest().nonces[account]
	for _, tx := range c.pending {
		if sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx); err == nil && sender == account {
			nonce++
		}
	}
	return nonce, nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(simGasPrice), nil
}

func (c *Chain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return simGasLimit, nil
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx); err != nil {
		return fmt.Errorf("ethtest: unsigned transaction: %w", err)
	}
	c.pending = append(c.pending, tx)
	return nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *Chain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, err := c.worldAt(blockNumber)
	if err != nil {
		return nil, err
	}
	if call.To == nil {
		return nil, fmt.Errorf("ethtest: call without target")
	}
	return c.view(w, *call.To, call.Data)
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := int64(len(c.states) - 1)
	if number != nil {
		h = number.Int64()
		if h < 0 || h >= int64(len(c.states)) {
			return nil, ethereum.NotFound
		}
	}
	return &types.Header{
		Number: big.NewInt(h),
		Time:   c.blockTimes[h],
	}, nil
}
