package lend

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"loanchain/units"
)

func TestDeployAndConnect(t *testing.T) {
	ctx := context.Background()
	chain, controller, admin := newTestController(t, big.NewInt(0))

	if controller.Address().IsZero() {
		t.Fatalf("deployed controller has zero address")
	}
	if controller.ChainID().Cmp(big.NewInt(1337)) != 0 {
		t.Fatalf("chain id %s", controller.ChainID())
	}

	dai, err := controller.DaiAddress(ctx)
	if err != nil {
		t.Fatalf("dai address: %v", err)
	}
	if dai != chain.DaiAddress() {
		t.Fatalf("dai address %s, want %s", dai, chain.DaiAddress())
	}

	// Reconnecting with the owner key works.
	again, err := Connect(ctx, chain, admin, controller.Address())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if again.Address() != controller.Address() {
		t.Fatalf("reconnect address mismatch")
	}

	// Any other key is rejected.
	stranger := newTestKey(t)
	if _, err := Connect(ctx, chain, stranger, controller.Address()); err == nil {
		t.Fatalf("non-owner key accepted")
	}
}

func TestDeployValidation(t *testing.T) {
	ctx := context.Background()
	chain, _, admin := newTestController(t, big.NewInt(0))

	if _, err := Deploy(ctx, chain, admin, chain.DaiAddress(), big.NewInt(-1)); !errors.Is(err, units.ErrInvalidAmount) {
		t.Fatalf("negative market fee: %v", err)
	}
}

func TestCreateLoanValidation(t *testing.T) {
	ctx := context.Background()
	_, controller, admin := newTestController(t, big.NewInt(0))
	loans := controller.Loans()
	recipient := newTestKey(t).Address()

	cases := []struct {
		name    string
		expires time.Duration
		ffee    *big.Int
		pfee    *big.Int
		value   *big.Int
	}{
		{"zero expiration", 0, big.NewInt(0), big.NewInt(0), daiValue(1)},
		{"negative funding fee", time.Hour, big.NewInt(-1), big.NewInt(0), daiValue(1)},
		{"negative payment fee", time.Hour, big.NewInt(0), big.NewInt(-1), daiValue(1)},
		{"zero value", time.Hour, big.NewInt(0), big.NewInt(0), big.NewInt(0)},
		{"non-multiple value", time.Hour, big.NewInt(0), big.NewInt(0), big.NewInt(1)},
	}
	for _, tc := range cases {
		if _, err := loans.Create(ctx, recipient, tc.expires, tc.ffee, tc.pfee, tc.value); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}

	if _, err := loans.Create(ctx, admin.Address(), time.Hour, big.NewInt(0), big.NewInt(0), daiValue(1)); err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}
}

func TestCreateLoanRoundsExpirationUp(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	recipient := newTestKey(t).Address()

	loan := newTestLoan(t, chain, controller, recipient,
		90*time.Second+time.Millisecond, big.NewInt(0), big.NewInt(0), daiValue(1))

	created, err := loan.CreationTime(ctx)
	if err != nil {
		t.Fatalf("creation time: %v", err)
	}
	deadline, err := loan.FundingExpirationTime(ctx)
	if err != nil {
		t.Fatalf("expiration time: %v", err)
	}
	if got := deadline.Sub(created); got != 91*time.Second {
		t.Fatalf("expiration offset %s, want 91s", got)
	}
}

func TestLoanEnumeration(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	loans := controller.Loans()

	all, err := loans.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("fresh controller has %d loans", len(all))
	}

	alice := newTestKey(t).Address()
	bob := newTestKey(t).Address()
	first := newTestLoan(t, chain, controller, alice, time.Hour, big.NewInt(0), big.NewInt(0), daiValue(1))
	second := newTestLoan(t, chain, controller, bob, time.Hour, big.NewInt(0), big.NewInt(0), daiValue(2))

	all, err = loans.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].ID() != first.ID() || all[1].ID() != second.ID() {
		t.Fatalf("enumeration mismatch: %v", all)
	}

	// A creation that is sent but not yet mined is not visible.
	if _, err := loans.Create(ctx, alice, time.Hour, big.NewInt(0), big.NewInt(0), daiValue(3)); err != nil {
		t.Fatalf("create: %v", err)
	}
	all, err = loans.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("pending creation already visible: %d loans", len(all))
	}
	chain.MineBlock()

	byAlice, err := loans.ByRecipient(ctx, alice)
	if err != nil {
		t.Fatalf("by recipient: %v", err)
	}
	if len(byAlice) != 2 {
		t.Fatalf("alice has %d loans, want 2", len(byAlice))
	}
	byBob, err := loans.ByRecipient(ctx, bob)
	if err != nil {
		t.Fatalf("by recipient: %v", err)
	}
	if len(byBob) != 1 || byBob[0].ID() != second.ID() {
		t.Fatalf("bob enumeration mismatch")
	}
}

func TestByTokenHolder(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	recipient := newTestKey(t).Address()
	funder := newTestKey(t)

	loan := newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(10))
	newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(10))

	fundLoan(t, chain, loan, funder, 3)

	held, err := controller.Loans().ByTokenHolder(ctx, funder.Address())
	if err != nil {
		t.Fatalf("by token holder: %v", err)
	}
	if len(held) != 1 || held[0].ID() != loan.ID() {
		t.Fatalf("holder enumeration mismatch")
	}

	balance, err := loan.TokenBalanceOf(ctx, funder.Address())
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("balance %s, want 3", balance)
	}
}

func TestByIdentifier(t *testing.T) {
	ctx := context.Background()
	chain, controller, _ := newTestController(t, big.NewInt(0))
	recipient := newTestKey(t).Address()

	loan := newTestLoan(t, chain, controller, recipient, time.Hour,
		big.NewInt(0), big.NewInt(0), daiValue(1))

	found, err := controller.Loans().ByIdentifier(ctx, loan.ID())
	if err != nil {
		t.Fatalf("by identifier: %v", err)
	}
	if found.ID() != loan.ID() {
		t.Fatalf("identifier mismatch")
	}

	// An address that is not a loan of this controller is not found.
	bogus, err := LoanIDFromBytes(newTestKey(t).Address().Bytes())
	if err != nil {
		t.Fatalf("bogus id: %v", err)
	}
	if _, err := controller.Loans().ByIdentifier(ctx, bogus); !errors.Is(err, ErrNoSuchLoan) {
		t.Fatalf("got %v, want ErrNoSuchLoan", err)
	}

	if _, err := controller.Loans().ByIdentifier(ctx, LoanID{}); err == nil {
		t.Fatalf("zero identifier accepted")
	}
}

func TestLoanIDParsing(t *testing.T) {
	if _, err := ParseLoanID("0x0000000000000000000000000000000000000000"); err == nil {
		t.Fatalf("zero identifier parsed")
	}
	if _, err := ParseLoanID("not-an-address"); err == nil {
		t.Fatalf("garbage identifier parsed")
	}
	id, err := ParseLoanID("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.String() != "0x6B175474E89094C44Da98b954EedeAC495271d0F" {
		t.Fatalf("round trip mismatch: %s", id)
	}
}
