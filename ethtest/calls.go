package ethtest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"loanchain/contracts"
)

// decodeCall resolves the 4-byte selector against the contract ABI and
// unpacks the arguments.
func decodeCall(contract abi.ABI, data []byte) (string, []any, error) {
	if len(data) < 4 {
		return "", nil, errRevert("call data too short")
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return "", nil, errRevert("unknown selector: %v", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, errRevert("bad arguments for %s: %v", method.Name, err)
	}
	return method.Name, args, nil
}

// view evaluates a read-only call against one world and ABI-encodes the
// result.
func (c *Chain) view(w *world, target common.Address, data []byte) ([]byte, error) {
	switch {
	case target == daiContract:
		return erc20View(contracts.ERC20, w.dai, data)
	case w.controllers[target] != nil:
		return controllerView(w, target, data)
	case w.loans[target] != nil:
		return loanView(w.loans[target], data)
	case w.tokens[target] != nil:
		return tokenView(w.tokens[target], data)
	case w.markets[target] != nil:
		return marketView(w.markets[target], data)
	default:
		return nil, errRevert("no contract at %s", target)
	}
}

func pack(contract abi.ABI, name string, values ...any) ([]byte, error) {
	method, ok := contract.Methods[name]
	if !ok {
		return nil, errRevert("no method %s", name)
	}
	out, err := method.Outputs.Pack(values...)
	if err != nil {
		return nil, errRevert("pack %s result: %v", name, err)
	}
	return out, nil
}

func controllerView(w *world, addr common.Address, data []byte) ([]byte, error) {
	ctrl := w.controllers[addr]
	method, args, err := decodeCall(contracts.Controller, data)
	if err != nil {
		return nil, err
	}
	switch method {
	case "owner":
		return pack(contracts.Controller, method, ctrl.owner)
	case "dai":
		return pack(contracts.Controller, method, ctrl.dai)
	case "market":
		return pack(contracts.Controller, method, ctrl.market)
	case "numLoans":
		return pack(contracts.Controller, method, big.NewInt(int64(len(ctrl.loans))))
	case "loans":
		i := args[0].(*big.Int).Int64()
		if i < 0 || i >= int64(len(ctrl.loans)) {
			return nil, errRevert("loan index out of range")
		}
		return pack(contracts.Controller, method, ctrl.loans[i])
	case "loanIsValid":
		candidate := args[0].(common.Address)
		loan, ok := w.loans[candidate]
		return pack(contracts.Controller, method, ok && loan.controller == addr)
	default:
		return nil, errRevert("controller has no view %s", method)
	}
}

func loanView(loan *loanState, data []byte) ([]byte, error) {
	method, _, err := decodeCall(contracts.Loan, data)
	if err != nil {
		return nil, err
	}
	switch method {
	case "token":
		return pack(contracts.Loan, method, loan.token)
	case "loanRecipient":
		return pack(contracts.Loan, method, loan.recipient)
	case "creationTime":
		return pack(contracts.Loan, method, new(big.Int).SetUint64(loan.creationTime))
	case "expirationTime":
		return pack(contracts.Loan, method, new(big.Int).SetUint64(loan.expirationTime))
	case "fundingFeeAttoDaiPerDai":
		return pack(contracts.Loan, method, loan.fundingFeeAttoDaiPerDai)
	case "paymentFeeAttoDaiPerDai":
		return pack(contracts.Loan, method, loan.paymentFeeAttoDaiPerDai)
	case "requestedValueAttoDai":
		return pack(contracts.Loan, method, loan.requestedValueAttoDai)
	case "phase":
		return pack(contracts.Loan, method, loan.phase)
	case "fundedValueAttoDai":
		return pack(contracts.Loan, method, loan.fundedValueAttoDai)
	case "paidValueAttoDai":
		return pack(contracts.Loan, method, loan.paidValueAttoDai)
	case "redemptionValueAttoDaiPerToken":
		return pack(contracts.Loan, method, loan.redemptionValueAttoDaiPerToken)
	default:
		return nil, errRevert("loan has no view %s", method)
	}
}

func tokenView(token *tokenState, data []byte) ([]byte, error) {
	method, _, err := decodeCall(contracts.Token, data)
	if err != nil {
		return nil, err
	}
	if method == "loan" {
		return pack(contracts.Token, method, token.loan)
	}
	return erc20View(contracts.Token, &token.erc20, data)
}

func erc20View(contract abi.ABI, e *erc20, data []byte) ([]byte, error) {
	method, args, err := decodeCall(contract, data)
	if err != nil {
		return nil, err
	}
	switch method {
	case "totalSupply":
		return pack(contract, method, e.totalSupply())
	case "balanceOf":
		return pack(contract, method, e.balanceOf(args[0].(common.Address)))
	case "allowance":
		return pack(contract, method, e.allowance(args[0].(common.Address), args[1].(common.Address)))
	default:
		return nil, errRevert("erc20 has no view %s", method)
	}
}

func marketView(market *marketState, data []byte) ([]byte, error) {
	method, args, err := decodeCall(contracts.Market, data)
	if err != nil {
		return nil, err
	}
	switch method {
	case "feeAttoDaiPerNanoDai":
		return pack(contracts.Market, method, market.feeAttoDaiPerNanoDai)
	case "numSellPositions":
		return pack(contracts.Market, method, big.NewInt(int64(len(market.positions))))
	case "sellPositionAt":
		i := args[0].(*big.Int).Int64()
		if i < 0 || i >= int64(len(market.positions)) {
			return nil, errRevert("sell position index out of range")
		}
		p := market.positions[i]
		return pack(contracts.Market, method, p.token, p.seller, p.amountTokens, p.priceAttoDaiPerToken)
	case "getSellPosition":
		token := args[0].(common.Address)
		seller := args[1].(common.Address)
		for _, p := range market.positions {
			if p.token == token && p.seller == seller {
				return pack(contracts.Market, method, p.amountTokens, p.priceAttoDaiPerToken)
			}
		}
		return pack(contracts.Market, method, new(big.Int), new(big.Int))
	default:
		return nil, errRevert("market has no view %s", method)
	}
}
