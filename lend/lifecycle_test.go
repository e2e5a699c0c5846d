package lend

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"loanchain/ethtx"
	"loanchain/units"
)

// TestFullLoanLifecycle drives one loan from creation through funding,
// activation, payments, finalization, and redemption, checking every
// balance along the way. Fees: 5% on funding, 10% on payments.
func TestFullLoanLifecycle(t *testing.T) {
	ctx := context.Background()
	chain, controller, admin := newTestController(t, big.NewInt(0))

	recipient := newTestKey(t)
	funder := newTestKey(t)

	fundingFee := big.NewInt(50_000_000_000_000_000)  // 0.05 Dai per Dai
	paymentFee := big.NewInt(100_000_000_000_000_000) // 0.10 Dai per Dai

	loan := newTestLoan(t, chain, controller, recipient.Address(), time.Hour,
		fundingFee, paymentFee, daiValue(20_000))
	builder := loan.UserTransactions()

	// Fund in uneven steps. Each step costs value + 5%.
	fundLoan(t, chain, loan, funder, 9_999)
	fundLoan(t, chain, loan, funder, 1)

	state, err := loan.State(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseFunding, state.Phase)
	require.Zero(t, state.FundedValueAttoDai.Cmp(daiValue(10_000)))

	balance, err := loan.TokenBalanceOf(ctx, funder.Address())
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(10_000)))

	// Withdrawing returns the funds fee included, one token per Dai.
	withdrawTxs, err := builder.WithdrawFunds(ctx, daiValue(1_000))
	require.NoError(t, err)
	runUserTxs(t, chain, funder.Address(), withdrawTxs)

	refund := units.TotalWithFee(daiValue(1_000), fundingFee, units.Dai)
	require.Zero(t, chain.DaiBalanceOf(funder.Address()).Cmp(refund))

	balance, err = loan.TokenBalanceOf(ctx, funder.Address())
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(9_000)))

	// Complete the funding; the refund covers the last step exactly.
	fundLoan(t, chain, loan, funder, 10_000)

	txs, err := builder.ProvideFunds(ctx, daiValue(1_000))
	require.NoError(t, err)
	runUserTxs(t, chain, funder.Address(), txs)
	require.Zero(t, chain.DaiBalanceOf(funder.Address()).Sign())

	state, err = loan.State(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseActive, state.Phase)
	require.Zero(t, state.FundedValueAttoDai.Cmp(daiValue(20_000)))

	// The recipient got the principal, the admin the 5% funding fees.
	require.Zero(t, chain.DaiBalanceOf(recipient.Address()).Cmp(daiValue(20_000)))
	require.Zero(t, chain.DaiBalanceOf(admin.Address()).Cmp(daiValue(1_000)))

	// Funding transactions are rejected at build time once active.
	_, err = builder.ProvideFunds(ctx, daiValue(1))
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseActive, phaseErr.Observed)
	require.Equal(t, []Phase{PhaseFunding}, phaseErr.Allowed)

	// The recipient pays back 10_000 Dai plus the 10% payment fee,
	// all out of the disbursed principal.
	payment := daiValue(10_000)

	payTxs, err := builder.MakePayment(ctx, daiValue(9_999))
	require.NoError(t, err)
	runUserTxs(t, chain, recipient.Address(), payTxs)
	payTxs, err = builder.MakePayment(ctx, daiValue(1))
	require.NoError(t, err)
	runUserTxs(t, chain, recipient.Address(), payTxs)

	state, err = loan.State(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseActive, state.Phase)
	require.Zero(t, state.PaidValueAttoDai.Cmp(payment))
	require.Zero(t, chain.DaiBalanceOf(admin.Address()).Cmp(daiValue(2_000)))
	require.Zero(t, chain.DaiBalanceOf(recipient.Address()).Cmp(daiValue(9_000)))

	// Finalize; each of the 20_000 tokens now redeems for 0.5 Dai.
	pending, err := loan.Finalize(ctx)
	require.NoError(t, err)
	chain.MineBlock()
	_, err = pending.Await(ctx, 0, 10*time.Millisecond)
	require.NoError(t, err)

	state, err = loan.State(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseFinalized, state.Phase)
	halfDai := new(big.Int).Div(units.Dai, big.NewInt(2))
	require.Zero(t, state.RedemptionValueAttoDaiPerToken.Cmp(halfDai))

	// Finalizing twice fails without submitting anything.
	pending, err = loan.Finalize(ctx)
	require.NoError(t, err)
	_, err = pending.Await(ctx, 0, 10*time.Millisecond)
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseFinalized, phaseErr.Observed)
	require.Equal(t, []Phase{PhaseActive}, phaseErr.Allowed)
	require.Equal(t, "lend: loan is in phase FINALIZED, expected ACTIVE", phaseErr.Error())

	// Redeem all 20_000 tokens for 10_000 Dai.
	redeemTxs, err := builder.RedeemTokens(ctx, big.NewInt(20_000))
	require.NoError(t, err)
	runUserTxs(t, chain, funder.Address(), redeemTxs)

	require.Zero(t, chain.DaiBalanceOf(funder.Address()).Cmp(daiValue(10_000)))
	balance, err = loan.TokenBalanceOf(ctx, funder.Address())
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
}

func TestBuilderArgumentValidation(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	recipient := newTestKey(t).Address()

	loan := newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(10))
	builder := loan.UserTransactions()

	badValues := []*big.Int{
		nil,
		big.NewInt(0),
		big.NewInt(-1),
		big.NewInt(1),                               // not a Dai multiple
		new(big.Int).Add(daiValue(1), big.NewInt(1)), // off by one atto
	}
	for _, v := range badValues {
		if _, err := builder.ProvideFunds(ctx, v); !errors.Is(err, units.ErrInvalidAmount) {
			t.Fatalf("ProvideFunds(%v): %v", v, err)
		}
		if _, err := builder.WithdrawFunds(ctx, v); !errors.Is(err, units.ErrInvalidAmount) {
			t.Fatalf("WithdrawFunds(%v): %v", v, err)
		}
		if _, err := builder.MakePayment(ctx, v); !errors.Is(err, units.ErrInvalidAmount) {
			t.Fatalf("MakePayment(%v): %v", v, err)
		}
	}
	if _, err := builder.RedeemTokens(ctx, big.NewInt(0)); !errors.Is(err, units.ErrInvalidAmount) {
		t.Fatalf("RedeemTokens(0): %v", err)
	}
}

// countingNode counts the read and submit calls builders could make, so
// tests can assert that argument rejections never touch the node.
type countingNode struct {
	ethtx.Node
	calls int
}

func (n *countingNode) CallContract(ctx context.Context, call ethereum.CallMsg, height *big.Int) ([]byte, error) {
	n.calls++
	return n.Node.CallContract(ctx, call, height)
}

func (n *countingNode) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	n.calls++
	return n.Node.HeaderByNumber(ctx, number)
}

func (n *countingNode) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	n.calls++
	return n.Node.SendTransaction(ctx, tx)
}

func TestBuilderRejectionsTouchNoNode(t *testing.T) {
	ctx := context.Background()
	chain, controller, admin := newTestController(t, big.NewInt(0))
	recipient := newTestKey(t).Address()
	loan := newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(10))

	counting := &countingNode{Node: chain}
	reconnected, err := Connect(ctx, counting, admin, controller.Address())
	require.NoError(t, err)
	watched, err := reconnected.Loans().ByIdentifier(ctx, loan.ID())
	require.NoError(t, err)

	counting.calls = 0
	_, err = watched.UserTransactions().ProvideFunds(ctx, big.NewInt(1))
	require.ErrorIs(t, err, units.ErrInvalidAmount)
	_, err = watched.UserTransactions().RedeemTokens(ctx, big.NewInt(-1))
	require.ErrorIs(t, err, units.ErrInvalidAmount)
	require.Zero(t, counting.calls)
}

func TestBuilderSequencesAreApproveThenAct(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	recipient := newTestKey(t).Address()

	loan := newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(10))

	txs, err := loan.UserTransactions().ProvideFunds(ctx, daiValue(1))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want approve + act", len(txs))
	}

	dai, err := controller.DaiAddress(ctx)
	if err != nil {
		t.Fatalf("dai: %v", err)
	}
	if txs[0].To != dai {
		t.Fatalf("first transaction targets %s, want the Dai contract", txs[0].To)
	}
	if txs[1].To != loan.ID().Address() {
		t.Fatalf("second transaction targets %s, want the loan", txs[1].To)
	}
}
