package lend

import (
	"context"
	"math/big"
	"testing"
	"time"

	"loanchain/crypto"
	"loanchain/ethtest"
	"loanchain/ethtx"
	"loanchain/units"
)

func daiValue(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), units.Dai)
}

// await settles a handle whose receipt must already exist.
func await[T any](t *testing.T, p ethtx.Pending[T]) T {
	t.Helper()
	result, err := p.Await(context.Background(), 0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	return result
}

func newTestKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// newTestController deploys a controller on a fresh simulated chain.
func newTestController(t *testing.T, marketFee *big.Int) (*ethtest.Chain, *Controller, *crypto.PrivateKey) {
	t.Helper()
	ctx := context.Background()

	chain := ethtest.NewChain()
	admin := newTestKey(t)

	pending, err := Deploy(ctx, chain, admin, chain.DaiAddress(), marketFee)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	chain.MineBlock()
	controller := await(t, pending)
	return chain, controller, admin
}

// newTestLoan creates a loan through the controller and mines it.
func newTestLoan(
	t *testing.T,
	chain *ethtest.Chain,
	controller *Controller,
	recipient crypto.Address,
	expires time.Duration,
	fundingFee, paymentFee, requested *big.Int,
) *Loan {
	t.Helper()
	pending, err := controller.Loans().Create(
		context.Background(), recipient, expires, fundingFee, paymentFee, requested)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	chain.MineBlock()
	return await(t, pending)
}

// runUserTxs executes a builder's output from the given account.
func runUserTxs(t *testing.T, chain *ethtest.Chain, from crypto.Address, txs []UserTransaction) {
	t.Helper()
	for i, tx := range txs {
		if err := chain.ExecuteUserTransaction(from, tx.To, tx.Data); err != nil {
			t.Fatalf("user transaction %d: %v", i, err)
		}
	}
}

// fundLoan mints Dai for the funder and provides valueDai whole Dai, fees
// included.
func fundLoan(t *testing.T, chain *ethtest.Chain, loan *Loan, funder *crypto.PrivateKey, valueDai int64) {
	t.Helper()
	ctx := context.Background()

	fee, err := loan.FundingFeeAttoDaiPerDai(ctx)
	if err != nil {
		t.Fatalf("funding fee: %v", err)
	}
	value := daiValue(valueDai)
	chain.Mint(funder.Address(), units.TotalWithFee(value, fee, units.Dai))

	txs, err := loan.UserTransactions().ProvideFunds(ctx, value)
	if err != nil {
		t.Fatalf("build provideFunds: %v", err)
	}
	runUserTxs(t, chain, funder.Address(), txs)
}
