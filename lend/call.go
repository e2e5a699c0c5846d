package lend

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"loanchain/crypto"
	"loanchain/ethtx"
)

func commonAddr(a crypto.Address) common.Address {
	return common.BytesToAddress(a.Bytes())
}

func wrapAddr(a common.Address) crypto.Address {
	addr, _ := crypto.AddressFromBytes(a.Bytes())
	return addr
}

// reader performs read-only contract calls against a fixed contract
// address, optionally pinned to a block height for snapshot consistency.
type reader struct {
	node   ethtx.Node
	abi    abi.ABI
	target common.Address
	height *big.Int
}

// call invokes a view method and unpacks its outputs.
func (r reader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("lend: pack %s: %w", method, err)
	}
	out, err := r.node.CallContract(ctx, ethereum.CallMsg{To: &r.target, Data: data}, r.height)
	if err != nil {
		return nil, fmt.Errorf("lend: call %s: %w", method, err)
	}
	values, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("lend: unpack %s: %w", method, err)
	}
	return values, nil
}

func (r reader) callAddress(ctx context.Context, method string, args ...any) (common.Address, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("lend: %s: unexpected result type %T", method, values[0])
	}
	return addr, nil
}

func (r reader) callBig(ctx context.Context, method string, args ...any) (*big.Int, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("lend: %s: unexpected result type %T", method, values[0])
	}
	return n, nil
}

func (r reader) callBool(ctx context.Context, method string, args ...any) (bool, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	b, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("lend: %s: unexpected result type %T", method, values[0])
	}
	return b, nil
}

func (r reader) callPhase(ctx context.Context, method string) (Phase, error) {
	values, err := r.call(ctx, method)
	if err != nil {
		return 0, err
	}
	switch v := values[0].(type) {
	case uint8:
		return phaseFromChain(v)
	case *big.Int:
		return phaseFromBig(v)
	default:
		return 0, fmt.Errorf("lend: %s: unexpected result type %T", method, values[0])
	}
}

// pinnedHeight resolves the latest block number so that a sequence of reads
// can observe one consistent chain state.
func pinnedHeight(ctx context.Context, node ethtx.Node) (*big.Int, error) {
	header, err := node.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lend: resolve latest block: %w", err)
	}
	return header.Number, nil
}
