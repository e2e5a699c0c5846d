package lend

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"loanchain/crypto"
	"loanchain/ethtest"
	"loanchain/units"
)

// newActiveLoan creates a fee-free loan for requestedDai Dai and funds it
// fully, leaving the funder holding requestedDai tokens.
func newActiveLoan(t *testing.T, chain *ethtest.Chain, controller *Controller, funder *crypto.PrivateKey, requestedDai int64) *Loan {
	t.Helper()

	recipient := newTestKey(t).Address()
	loan := newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(requestedDai))
	fundLoan(t, chain, loan, funder, requestedDai)

	state, err := loan.State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Phase != PhaseActive {
		t.Fatalf("loan is %s after full funding, want ACTIVE", state.Phase)
	}
	return loan
}

func TestMarketFee(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(100_000_000))
	market := controller.Market()

	fee, err := market.FeeAttoDaiPerNanoDai(ctx)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("initial fee = %v, want the value given at deployment", fee)
	}

	if _, err := market.SetFee(ctx, big.NewInt(-1)); !errors.Is(err, units.ErrInvalidAmount) {
		t.Fatalf("SetFee(-1): %v, want ErrInvalidAmount", err)
	}

	pending, err := market.SetFee(ctx, big.NewInt(0))
	if err != nil {
		t.Fatalf("SetFee: %v", err)
	}
	chain.MineBlock()
	await(t, pending)

	fee, err = market.FeeAttoDaiPerNanoDai(ctx)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee.Sign() != 0 {
		t.Fatalf("fee after update = %v, want 0", fee)
	}
}

func TestSellPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	market := controller.Market()
	builder := market.UserTransactions()

	seller := newTestKey(t)
	loan := newActiveLoan(t, chain, controller, seller, 1_000)

	empty, err := market.AllSellPositions(ctx)
	if err != nil {
		t.Fatalf("AllSellPositions: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("got %d positions on a fresh market, want none", len(empty))
	}

	price := daiValue(2)
	txs, err := builder.CreateSellPosition(ctx, loan, big.NewInt(100), price)
	if err != nil {
		t.Fatalf("CreateSellPosition: %v", err)
	}
	runUserTxs(t, chain, seller.Address(), txs)

	position, err := market.SellPositionByLoanAndSeller(ctx, loan.ID(), seller.Address())
	if err != nil {
		t.Fatalf("SellPositionByLoanAndSeller: %v", err)
	}
	if position.Loan.ID() != loan.ID() || position.Seller != seller.Address() {
		t.Fatalf("position identifies loan %s seller %s", position.Loan.ID(), position.Seller)
	}
	if position.AmountTokens.Cmp(big.NewInt(100)) != 0 || position.PriceAttoDaiPerToken.Cmp(price) != 0 {
		t.Fatalf("position = %v tokens at %v", position.AmountTokens, position.PriceAttoDaiPerToken)
	}

	balance, err := loan.TokenBalanceOf(ctx, seller.Address())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("seller keeps %v tokens after listing 100 of 1000", balance)
	}

	txs, err = builder.IncreaseSellPositionAmount(ctx, loan, big.NewInt(50))
	if err != nil {
		t.Fatalf("IncreaseSellPositionAmount: %v", err)
	}
	runUserTxs(t, chain, seller.Address(), txs)

	txs, err = builder.DecreaseSellPositionAmount(ctx, loan, big.NewInt(30))
	if err != nil {
		t.Fatalf("DecreaseSellPositionAmount: %v", err)
	}
	runUserTxs(t, chain, seller.Address(), txs)

	newPrice := daiValue(3)
	txs, err = builder.UpdateSellPositionPrice(ctx, loan, newPrice)
	if err != nil {
		t.Fatalf("UpdateSellPositionPrice: %v", err)
	}
	runUserTxs(t, chain, seller.Address(), txs)

	position, err = market.SellPositionByLoanAndSeller(ctx, loan.ID(), seller.Address())
	if err != nil {
		t.Fatalf("SellPositionByLoanAndSeller: %v", err)
	}
	if position.AmountTokens.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("amount after increase and decrease = %v, want 120", position.AmountTokens)
	}
	if position.PriceAttoDaiPerToken.Cmp(newPrice) != 0 {
		t.Fatalf("price after update = %v, want %v", position.PriceAttoDaiPerToken, newPrice)
	}

	byLoan, err := market.SellPositionsByLoan(ctx, loan.ID())
	if err != nil {
		t.Fatalf("SellPositionsByLoan: %v", err)
	}
	bySeller, err := market.SellPositionsBySeller(ctx, seller.Address())
	if err != nil {
		t.Fatalf("SellPositionsBySeller: %v", err)
	}
	if len(byLoan) != 1 || len(bySeller) != 1 {
		t.Fatalf("got %d by loan and %d by seller, want 1 and 1", len(byLoan), len(bySeller))
	}

	txs, err = builder.RemoveSellPosition(ctx, loan)
	if err != nil {
		t.Fatalf("RemoveSellPosition: %v", err)
	}
	runUserTxs(t, chain, seller.Address(), txs)

	if _, err := market.SellPositionByLoanAndSeller(ctx, loan.ID(), seller.Address()); !errors.Is(err, ErrNoSuchPosition) {
		t.Fatalf("position after removal: %v, want ErrNoSuchPosition", err)
	}
	balance, err = loan.TokenBalanceOf(ctx, seller.Address())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("seller holds %v tokens after removal, want all 1000 back", balance)
	}
}

func TestPurchase(t *testing.T) {
	ctx := context.Background()
	// 10^8 atto-Dai per nano-Dai purchased, a 10% fee.
	chain, controller, admin := newTestController(t, big.NewInt(100_000_000))
	market := controller.Market()
	builder := market.UserTransactions()

	seller := newTestKey(t)
	buyer := newTestKey(t)
	loan := newActiveLoan(t, chain, controller, seller, 1_000)

	price := daiValue(1)
	txs, err := builder.CreateSellPosition(ctx, loan, big.NewInt(100), price)
	if err != nil {
		t.Fatalf("CreateSellPosition: %v", err)
	}
	runUserTxs(t, chain, seller.Address(), txs)

	fee, err := market.FeeAttoDaiPerNanoDai(ctx)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}

	// 40 tokens at 1 Dai each cost 40 Dai plus 4 Dai fee.
	chain.Mint(buyer.Address(), daiValue(44))
	txs, err = builder.Purchase(ctx, loan, seller.Address(), big.NewInt(40), price, fee)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	runUserTxs(t, chain, buyer.Address(), txs)

	if got := chain.DaiBalanceOf(buyer.Address()); got.Sign() != 0 {
		t.Fatalf("buyer keeps %v atto-Dai, want 0", got)
	}
	if got := chain.DaiBalanceOf(seller.Address()); got.Cmp(daiValue(40)) != 0 {
		t.Fatalf("seller received %v atto-Dai, want 40 Dai", got)
	}
	if got := chain.DaiBalanceOf(admin.Address()); got.Cmp(daiValue(4)) != 0 {
		t.Fatalf("fee recipient received %v atto-Dai, want 4 Dai", got)
	}
	balance, err := loan.TokenBalanceOf(ctx, buyer.Address())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("buyer holds %v tokens, want 40", balance)
	}

	position, err := market.SellPositionByLoanAndSeller(ctx, loan.ID(), seller.Address())
	if err != nil {
		t.Fatalf("SellPositionByLoanAndSeller: %v", err)
	}
	if position.AmountTokens.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("remaining amount = %v, want 60", position.AmountTokens)
	}

	// The purchase reverts when the quoted price no longer matches,
	// protecting the buyer from a repricing race.
	stale, err := builder.Purchase(ctx, loan, seller.Address(), big.NewInt(1), daiValue(2), fee)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	chain.Mint(buyer.Address(), daiValue(3))
	if err := chain.ExecuteUserTransaction(buyer.Address(), stale[0].To, stale[0].Data); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := chain.ExecuteUserTransaction(buyer.Address(), stale[1].To, stale[1].Data); err == nil {
		t.Fatalf("purchase at a stale price went through")
	}
}

func TestPurchaseValidation(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	builder := controller.Market().UserTransactions()

	seller := newTestKey(t)
	loan := newActiveLoan(t, chain, controller, seller, 10)

	cases := []struct {
		name   string
		amount *big.Int
		price  *big.Int
		fee    *big.Int
	}{
		{"zero amount", big.NewInt(0), daiValue(1), big.NewInt(0)},
		{"negative amount", big.NewInt(-5), daiValue(1), big.NewInt(0)},
		{"price not a nano-Dai multiple", big.NewInt(1), big.NewInt(1), big.NewInt(0)},
		{"zero price", big.NewInt(1), big.NewInt(0), big.NewInt(0)},
		{"negative fee", big.NewInt(1), daiValue(1), big.NewInt(-1)},
	}
	for _, tc := range cases {
		_, err := builder.Purchase(ctx, loan, seller.Address(), tc.amount, tc.price, tc.fee)
		if !errors.Is(err, units.ErrInvalidAmount) {
			t.Fatalf("%s: %v, want ErrInvalidAmount", tc.name, err)
		}
	}
}

func TestCreateSellPositionWrongPhase(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	builder := controller.Market().UserTransactions()

	recipient := newTestKey(t).Address()
	loan := newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(10))

	_, err := builder.CreateSellPosition(ctx, loan, big.NewInt(1), daiValue(1))
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) {
		t.Fatalf("CreateSellPosition on a FUNDING loan: %v, want a phase error", err)
	}
	if phaseErr.Observed != PhaseFunding {
		t.Fatalf("observed phase %s, want FUNDING", phaseErr.Observed)
	}
	if want := "lend: loan is in phase FUNDING, expected ACTIVE, FINALIZED"; phaseErr.Error() != want {
		t.Fatalf("message %q, want %q", phaseErr.Error(), want)
	}

	if _, err := builder.CreateSellPosition(ctx, loan, big.NewInt(1), big.NewInt(7)); !errors.Is(err, units.ErrInvalidAmount) {
		t.Fatalf("CreateSellPosition with a non-nano price: %v, want ErrInvalidAmount", err)
	}
}

func TestSellPositionByLoanAndSellerAbsent(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	market := controller.Market()

	seller := newTestKey(t)
	loan := newActiveLoan(t, chain, controller, seller, 10)

	// Existing loan, but this seller never listed anything.
	if _, err := market.SellPositionByLoanAndSeller(ctx, loan.ID(), newTestKey(t).Address()); !errors.Is(err, ErrNoSuchPosition) {
		t.Fatalf("absent seller: %v, want ErrNoSuchPosition", err)
	}

	// A loan identifier the controller never issued.
	bogus, err := ParseLoanID("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := market.SellPositionByLoanAndSeller(ctx, bogus, seller.Address()); !errors.Is(err, ErrNoSuchPosition) {
		t.Fatalf("absent loan: %v, want ErrNoSuchPosition", err)
	}
}
