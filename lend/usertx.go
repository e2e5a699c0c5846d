package lend

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"loanchain/contracts"
	"loanchain/crypto"
	"loanchain/units"
)

// UserTransaction is one transaction for an end user to sign and submit
// with their own account: the contract to send it to and the call data.
// The library never holds user keys.
type UserTransaction struct {
	To   crypto.Address
	Data []byte
}

// LoanUserTxBuilder builds the transaction sequences end users submit to
// interact with a loan. Preconditions are checked against fresh chain
// state at build time; a violation is reported synchronously and nothing
// is built.
//
// Sequences that move value are approve-then-act pairs: the first
// transaction grants the loan contract an allowance covering the exact
// fee-inclusive total, the second performs the operation. The two are
// independent transactions, not an atomic unit.
type LoanUserTxBuilder struct {
	loan *Loan
}

// ProvideFunds builds the transactions to provide funds to a FUNDING loan.
// valueAttoDai must be a positive multiple of 1 Dai; the funder is debited
// valueAttoDai plus the funding fee and credited one token per Dai.
func (b *LoanUserTxBuilder) ProvideFunds(ctx context.Context, valueAttoDai *big.Int) ([]UserTransaction, error) {
	if err := units.CheckPositiveMultiple(valueAttoDai, units.Dai); err != nil {
		return nil, fmt.Errorf("lend: valueAttoDai must be a positive multiple of 1 Dai: %w", err)
	}
	if err := b.requirePhase(ctx, PhaseFunding); err != nil {
		return nil, err
	}

	fee, err := b.loan.FundingFeeAttoDaiPerDai(ctx)
	if err != nil {
		return nil, err
	}
	total := units.TotalWithFee(valueAttoDai, fee, units.Dai)

	actData, err := contracts.Loan.Pack("provideFunds", valueAttoDai)
	if err != nil {
		return nil, fmt.Errorf("lend: pack provideFunds: %w", err)
	}
	return b.daiApproveThen(ctx, total, actData)
}

// WithdrawFunds builds the transactions to take previously provided funds
// back out of a FUNDING loan, returning the corresponding tokens.
func (b *LoanUserTxBuilder) WithdrawFunds(ctx context.Context, valueAttoDai *big.Int) ([]UserTransaction, error) {
	if err := units.CheckPositiveMultiple(valueAttoDai, units.Dai); err != nil {
		return nil, fmt.Errorf("lend: valueAttoDai must be a positive multiple of 1 Dai: %w", err)
	}
	if err := b.requirePhase(ctx, PhaseFunding); err != nil {
		return nil, err
	}

	amountTokens := new(big.Int).Quo(valueAttoDai, units.Dai)
	actData, err := contracts.Loan.Pack("withdrawFunds", valueAttoDai)
	if err != nil {
		return nil, fmt.Errorf("lend: pack withdrawFunds: %w", err)
	}
	return b.tokenApproveThen(ctx, amountTokens, actData)
}

// MakePayment builds the transactions to pay back part of an ACTIVE loan.
// The payer is debited valueAttoDai plus the payment fee.
func (b *LoanUserTxBuilder) MakePayment(ctx context.Context, valueAttoDai *big.Int) ([]UserTransaction, error) {
	if err := units.CheckPositiveMultiple(valueAttoDai, units.Dai); err != nil {
		return nil, fmt.Errorf("lend: valueAttoDai must be a positive multiple of 1 Dai: %w", err)
	}
	if err := b.requirePhase(ctx, PhaseActive); err != nil {
		return nil, err
	}

	fee, err := b.loan.PaymentFeeAttoDaiPerDai(ctx)
	if err != nil {
		return nil, err
	}
	total := units.TotalWithFee(valueAttoDai, fee, units.Dai)

	actData, err := contracts.Loan.Pack("makePayment", valueAttoDai)
	if err != nil {
		return nil, fmt.Errorf("lend: pack makePayment: %w", err)
	}
	return b.daiApproveThen(ctx, total, actData)
}

// RedeemTokens builds the transactions to redeem tokens of a FINALIZED
// loan for their share of the payments.
func (b *LoanUserTxBuilder) RedeemTokens(ctx context.Context, amountTokens *big.Int) ([]UserTransaction, error) {
	if err := units.CheckPositive(amountTokens); err != nil {
		return nil, fmt.Errorf("lend: amountTokens must be positive: %w", err)
	}
	if err := b.requirePhase(ctx, PhaseFinalized); err != nil {
		return nil, err
	}

	actData, err := contracts.Loan.Pack("redeemTokens", amountTokens)
	if err != nil {
		return nil, fmt.Errorf("lend: pack redeemTokens: %w", err)
	}
	return b.tokenApproveThen(ctx, amountTokens, actData)
}

func (b *LoanUserTxBuilder) requirePhase(ctx context.Context, allowed Phase) error {
	state, err := b.loan.State(ctx)
	if err != nil {
		return err
	}
	if state.Phase != allowed {
		return newPhaseError(state.Phase, allowed)
	}
	return nil
}

// daiApproveThen prefixes actData with a Dai allowance of total for the
// loan contract.
func (b *LoanUserTxBuilder) daiApproveThen(ctx context.Context, total *big.Int, actData []byte) ([]UserTransaction, error) {
	dai, err := b.loan.controller.DaiAddress(ctx)
	if err != nil {
		return nil, err
	}
	approveData, err := contracts.ERC20.Pack("approve", b.loan.address, total)
	if err != nil {
		return nil, fmt.Errorf("lend: pack approve: %w", err)
	}
	return []UserTransaction{
		{To: dai, Data: approveData},
		{To: wrapAddr(b.loan.address), Data: actData},
	}, nil
}

// tokenApproveThen prefixes actData with a loan-token allowance of amount
// for the loan contract.
func (b *LoanUserTxBuilder) tokenApproveThen(ctx context.Context, amount *big.Int, actData []byte) ([]UserTransaction, error) {
	token, err := b.loan.TokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	approveData, err := contracts.Token.Pack("approve", b.loan.address, amount)
	if err != nil {
		return nil, fmt.Errorf("lend: pack approve: %w", err)
	}
	return []UserTransaction{
		{To: token, Data: approveData},
		{To: wrapAddr(b.loan.address), Data: actData},
	}, nil
}

// MarketUserTxBuilder builds the transaction sequences end users submit to
// trade loan tokens on the secondary market.
type MarketUserTxBuilder struct {
	market *Market
}

// CreateSellPosition builds the transactions to offer amountTokens of the
// loan's tokens at the given price. The loan must be ACTIVE or FINALIZED
// and the price a positive multiple of 1 nano-Dai.
func (b *MarketUserTxBuilder) CreateSellPosition(
	ctx context.Context,
	loan *Loan,
	amountTokens *big.Int,
	priceAttoDaiPerToken *big.Int,
) ([]UserTransaction, error) {
	if err := units.CheckPositive(amountTokens); err != nil {
		return nil, fmt.Errorf("lend: amountTokens must be positive: %w", err)
	}
	if err := units.CheckPositiveMultiple(priceAttoDaiPerToken, units.NanoDai); err != nil {
		return nil, fmt.Errorf("lend: priceAttoDaiPerToken must be a positive multiple of 1 nano-Dai: %w", err)
	}
	if err := b.requireTradablePhase(ctx, loan); err != nil {
		return nil, err
	}

	token, err := loan.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	actData, err := contracts.Market.Pack("createSellPosition", token, amountTokens, priceAttoDaiPerToken)
	if err != nil {
		return nil, fmt.Errorf("lend: pack createSellPosition: %w", err)
	}
	return b.tokenApproveThen(ctx, token, amountTokens, actData)
}

// RemoveSellPosition builds the transaction to withdraw the caller's sell
// position in the loan's tokens, returning the unsold tokens.
func (b *MarketUserTxBuilder) RemoveSellPosition(ctx context.Context, loan *Loan) ([]UserTransaction, error) {
	token, err := loan.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	actData, err := contracts.Market.Pack("removeSellPosition", token)
	if err != nil {
		return nil, fmt.Errorf("lend: pack removeSellPosition: %w", err)
	}
	return b.single(ctx, actData)
}

// IncreaseSellPositionAmount builds the transactions to add tokens to the
// caller's existing sell position.
func (b *MarketUserTxBuilder) IncreaseSellPositionAmount(
	ctx context.Context,
	loan *Loan,
	increaseAmount *big.Int,
) ([]UserTransaction, error) {
	if err := units.CheckPositive(increaseAmount); err != nil {
		return nil, fmt.Errorf("lend: increaseAmount must be positive: %w", err)
	}
	token, err := loan.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	actData, err := contracts.Market.Pack("increaseSellPositionAmount", token, increaseAmount)
	if err != nil {
		return nil, fmt.Errorf("lend: pack increaseSellPositionAmount: %w", err)
	}
	return b.tokenApproveThen(ctx, token, increaseAmount, actData)
}

// DecreaseSellPositionAmount builds the transaction to take tokens back
// out of the caller's sell position.
func (b *MarketUserTxBuilder) DecreaseSellPositionAmount(
	ctx context.Context,
	loan *Loan,
	decreaseAmount *big.Int,
) ([]UserTransaction, error) {
	if err := units.CheckPositive(decreaseAmount); err != nil {
		return nil, fmt.Errorf("lend: decreaseAmount must be positive: %w", err)
	}
	token, err := loan.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	actData, err := contracts.Market.Pack("decreaseSellPositionAmount", token, decreaseAmount)
	if err != nil {
		return nil, fmt.Errorf("lend: pack decreaseSellPositionAmount: %w", err)
	}
	return b.single(ctx, actData)
}

// UpdateSellPositionPrice builds the transaction to reprice the caller's
// sell position.
func (b *MarketUserTxBuilder) UpdateSellPositionPrice(
	ctx context.Context,
	loan *Loan,
	newPriceAttoDaiPerToken *big.Int,
) ([]UserTransaction, error) {
	if err := units.CheckPositiveMultiple(newPriceAttoDaiPerToken, units.NanoDai); err != nil {
		return nil, fmt.Errorf("lend: newPriceAttoDaiPerToken must be a positive multiple of 1 nano-Dai: %w", err)
	}
	token, err := loan.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	actData, err := contracts.Market.Pack("updateSellPositionPrice", token, newPriceAttoDaiPerToken)
	if err != nil {
		return nil, fmt.Errorf("lend: pack updateSellPositionPrice: %w", err)
	}
	return b.single(ctx, actData)
}

// Purchase builds the transactions to buy amountTokens from the given
// seller's position. priceAttoDaiPerToken and feeAttoDaiPerNanoDai are the
// price and fee the buyer agreed to; the purchase fails on chain if either
// changed in the meantime, so a buyer is never charged more than quoted.
func (b *MarketUserTxBuilder) Purchase(
	ctx context.Context,
	loan *Loan,
	seller crypto.Address,
	amountTokens *big.Int,
	priceAttoDaiPerToken *big.Int,
	feeAttoDaiPerNanoDai *big.Int,
) ([]UserTransaction, error) {
	if err := units.CheckPositive(amountTokens); err != nil {
		return nil, fmt.Errorf("lend: amountTokens must be positive: %w", err)
	}
	if err := units.CheckPositiveMultiple(priceAttoDaiPerToken, units.NanoDai); err != nil {
		return nil, fmt.Errorf("lend: priceAttoDaiPerToken must be a positive multiple of 1 nano-Dai: %w", err)
	}
	if err := units.CheckNonNegative(feeAttoDaiPerNanoDai); err != nil {
		return nil, fmt.Errorf("lend: feeAttoDaiPerNanoDai must not be negative: %w", err)
	}
	if err := b.requireTradablePhase(ctx, loan); err != nil {
		return nil, err
	}

	token, err := loan.tokenAddress(ctx)
	if err != nil {
		return nil, err
	}
	marketAddr, err := b.market.contractAddress(ctx)
	if err != nil {
		return nil, err
	}
	dai, err := b.market.controller.DaiAddress(ctx)
	if err != nil {
		return nil, err
	}

	total := new(big.Int).Mul(amountTokens, priceAttoDaiPerToken)
	totalWithFee := units.TotalWithFee(total, feeAttoDaiPerNanoDai, units.NanoDai)
	if err := units.CheckUint256(totalWithFee); err != nil {
		return nil, fmt.Errorf("lend: purchase total: %w", err)
	}

	approveData, err := contracts.ERC20.Pack("approve", marketAddr, totalWithFee)
	if err != nil {
		return nil, fmt.Errorf("lend: pack approve: %w", err)
	}
	purchaseData, err := contracts.Market.Pack("purchase",
		token, commonAddr(seller), amountTokens, priceAttoDaiPerToken, feeAttoDaiPerNanoDai)
	if err != nil {
		return nil, fmt.Errorf("lend: pack purchase: %w", err)
	}
	return []UserTransaction{
		{To: dai, Data: approveData},
		{To: wrapAddr(marketAddr), Data: purchaseData},
	}, nil
}

// requireTradablePhase checks that the loan's tokens are tradable, which
// is the case once the loan became ACTIVE.
func (b *MarketUserTxBuilder) requireTradablePhase(ctx context.Context, loan *Loan) error {
	state, err := loan.State(ctx)
	if err != nil {
		return err
	}
	if state.Phase != PhaseActive && state.Phase != PhaseFinalized {
		return newPhaseError(state.Phase, PhaseActive, PhaseFinalized)
	}
	return nil
}

func (b *MarketUserTxBuilder) tokenApproveThen(ctx context.Context, token common.Address, amount *big.Int, actData []byte) ([]UserTransaction, error) {
	marketAddr, err := b.market.contractAddress(ctx)
	if err != nil {
		return nil, err
	}
	approveData, err := contracts.Token.Pack("approve", marketAddr, amount)
	if err != nil {
		return nil, fmt.Errorf("lend: pack approve: %w", err)
	}
	return []UserTransaction{
		{To: wrapAddr(token), Data: approveData},
		{To: wrapAddr(marketAddr), Data: actData},
	}, nil
}

func (b *MarketUserTxBuilder) single(ctx context.Context, actData []byte) ([]UserTransaction, error) {
	marketAddr, err := b.market.contractAddress(ctx)
	if err != nil {
		return nil, err
	}
	return []UserTransaction{{To: wrapAddr(marketAddr), Data: actData}}, nil
}
