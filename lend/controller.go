// Package lend is the domain layer of the marketplace client. A Controller
// handle is the root object: it connects an administrator key to a deployed
// controller contract and hands out Loans and Market views.
package lend

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"loanchain/contracts"
	"loanchain/crypto"
	"loanchain/ethtx"
	"loanchain/units"
)

// Controller is a handle to a deployed controller contract, bound to the
// administrator key that owns it. All state-changing operations exposed
// here are signed with that key.
type Controller struct {
	node    ethtx.Node
	chainID *big.Int
	admin   *crypto.PrivateKey
	address common.Address

	dai    memo[common.Address]
	market *Market
	loans  *Loans
}

// Deploy deploys a new controller contract. The administrator key pays for
// the deployment, owns the resulting contract, and receives market fees.
// The returned handle settles to a Controller connected to the new
// contract.
func Deploy(
	ctx context.Context,
	node ethtx.Node,
	adminKey *crypto.PrivateKey,
	daiAddress crypto.Address,
	marketFeeAttoDaiPerNanoDai *big.Int,
) (ethtx.Pending[*Controller], error) {
	if daiAddress.IsZero() {
		return nil, fmt.Errorf("lend: dai contract address must not be the zero address")
	}
	if err := units.CheckNonNegative(marketFeeAttoDaiPerNanoDai); err != nil {
		return nil, fmt.Errorf("lend: market fee: %w", err)
	}

	chainID, err := node.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("lend: fetch chain id: %w", err)
	}

	args, err := contracts.Controller.Pack("",
		commonAddr(daiAddress),
		commonAddr(adminKey.Address()),
		marketFeeAttoDaiPerNanoDai,
	)
	if err != nil {
		return nil, fmt.Errorf("lend: pack constructor: %w", err)
	}
	data := append(append([]byte{}, contracts.ControllerBytecode...), args...)

	hash, err := ethtx.Submit(ctx, node, adminKey, chainID, nil, nil, data)
	if err != nil {
		return nil, err
	}

	onSuccess := func(ctx context.Context, receipt *types.Receipt) (*Controller, error) {
		if receipt.ContractAddress == (common.Address{}) {
			return nil, fmt.Errorf("%w: deployment receipt carries no contract address", ErrStateDiverged)
		}
		return Connect(ctx, node, adminKey, wrapAddr(receipt.ContractAddress))
	}
	return ethtx.Submitted(node, hash, onSuccess, nil), nil
}

// Connect connects to an existing controller contract. It verifies that
// adminKey identifies the contract's owner account.
func Connect(
	ctx context.Context,
	node ethtx.Node,
	adminKey *crypto.PrivateKey,
	address crypto.Address,
) (*Controller, error) {
	if address.IsZero() {
		return nil, fmt.Errorf("lend: controller address must not be the zero address")
	}

	chainID, err := node.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("lend: fetch chain id: %w", err)
	}

	c := &Controller{
		node:    node,
		chainID: chainID,
		admin:   adminKey,
		address: commonAddr(address),
	}
	c.market = newMarket(c)
	c.loans = &Loans{controller: c}

	owner, err := c.reader(nil).callAddress(ctx, "owner")
	if err != nil {
		return nil, err
	}
	if owner != commonAddr(adminKey.Address()) {
		return nil, fmt.Errorf("lend: key does not identify the controller contract's owner")
	}
	return c, nil
}

// ChainID returns the identifier of the chain the controller lives on.
func (c *Controller) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Address returns the controller contract's address.
func (c *Controller) Address() crypto.Address {
	return wrapAddr(c.address)
}

// DaiAddress returns the address of the Dai contract the controller was
// deployed against. Fetched once, then cached.
func (c *Controller) DaiAddress(ctx context.Context) (crypto.Address, error) {
	addr, err := c.dai.get(ctx, func(ctx context.Context) (common.Address, error) {
		return c.reader(nil).callAddress(ctx, "dai")
	})
	if err != nil {
		return crypto.Address{}, err
	}
	return wrapAddr(addr), nil
}

// Loans returns the collection of loans managed by this controller.
func (c *Controller) Loans() *Loans { return c.loans }

// Market returns the secondary market run by this controller.
func (c *Controller) Market() *Market { return c.market }

// reader builds a read-only caller against the controller contract, pinned
// to height when non-nil.
func (c *Controller) reader(height *big.Int) reader {
	return reader{node: c.node, abi: contracts.Controller, target: c.address, height: height}
}

// submit signs a state-changing call with the administrator key and sends
// it.
func (c *Controller) submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	return ethtx.Submit(ctx, c.node, c.admin, c.chainID, &to, nil, data)
}
