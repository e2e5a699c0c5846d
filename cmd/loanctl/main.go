// loanctl is the administrator's command line for the lending marketplace:
// it deploys the controller, manages loans through their lifecycle, and
// inspects the secondary market.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"loanchain/cmd/internal/passphrase"
	"loanchain/config"
	"loanchain/crypto"
	"loanchain/ethtx"
	"loanchain/lend"
	"loanchain/observability/logging"
	"loanchain/units"
)

const passphraseEnv = "LOANCTL_KEYSTORE_PASS"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "loanctl.toml", "path to the configuration file")

	var (
		recipient = fs.String("recipient", "", "loan recipient address")
		loanID    = fs.String("loan", "", "loan identifier")
		expires   = fs.Duration("expires", 60*24*time.Hour, "time until funding expires")
		valueDai  = fs.Int64("value-dai", 0, "requested value in whole Dai")
		fee       = fs.String("fee", "0", "fee in atto-Dai per unit")
		funding   = fs.String("funding-fee", "0", "funding fee in atto-Dai per Dai")
		payment   = fs.String("payment-fee", "0", "payment fee in atto-Dai per Dai")
	)
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.Setup("loanctl", cfg.NetworkName, cfg.LogFile)
	ctx := context.Background()

	if command == "new-key" {
		if err := newKey(cfg, log); err != nil {
			fail(log, err)
		}
		return
	}

	node, err := ethclient.DialContext(ctx, cfg.NodeRPCURL)
	if err != nil {
		fail(log, fmt.Errorf("connect to node: %w", err))
	}
	defer node.Close()

	key, err := loadAdminKey(cfg)
	if err != nil {
		fail(log, err)
	}

	if command == "deploy" {
		if err := deploy(ctx, node, cfg, key, *fee, log); err != nil {
			fail(log, err)
		}
		return
	}

	controller, err := connect(ctx, node, cfg, key)
	if err != nil {
		fail(log, err)
	}

	switch command {
	case "create-loan":
		err = createLoan(ctx, controller, *recipient, *expires, *funding, *payment, *valueDai, log)
	case "cancel":
		err = withLoan(ctx, controller, *loanID, func(loan *lend.Loan) error {
			p, err := loan.Cancel(ctx)
			if err != nil {
				return err
			}
			_, err = ethtx.Wait(ctx, p)
			return err
		})
	case "finalize":
		err = withLoan(ctx, controller, *loanID, func(loan *lend.Loan) error {
			p, err := loan.Finalize(ctx)
			if err != nil {
				return err
			}
			_, err = ethtx.Wait(ctx, p)
			return err
		})
	case "expire":
		err = withLoan(ctx, controller, *loanID, func(loan *lend.Loan) error {
			p, err := loan.TryExpire(ctx)
			if err != nil {
				return err
			}
			expired, err := ethtx.Wait(ctx, p)
			if err != nil {
				return err
			}
			log.Info("expiration attempted", "loan", loan.ID().String(), "expired", expired)
			return nil
		})
	case "set-market-fee":
		err = setMarketFee(ctx, controller, *fee)
	case "market-fee":
		err = printMarketFee(ctx, controller, log)
	case "list-loans":
		err = listLoans(ctx, controller, log)
	case "list-positions":
		err = listPositions(ctx, controller, log)
	case "loan-state":
		err = withLoan(ctx, controller, *loanID, func(loan *lend.Loan) error {
			return printLoanState(ctx, loan, log)
		})
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fail(log, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: loanctl <command> [flags]

commands:
  new-key          generate an admin key and store it in the keystore
  deploy           deploy a new controller contract
  create-loan      create a loan (-recipient -expires -funding-fee -payment-fee -value-dai)
  cancel           cancel a funding loan (-loan)
  finalize         finalize an active loan (-loan)
  expire           expire a funding loan past its deadline (-loan)
  set-market-fee   update the market purchase fee (-fee)
  market-fee       print the market purchase fee
  list-loans       print every loan and its phase
  list-positions   print every open sell position
  loan-state       print a loan's state (-loan)`)
}

func fail(log *slog.Logger, err error) {
	log.Error("command failed", "error", err)
	os.Exit(1)
}

func newKey(cfg *config.Config, log *slog.Logger) error {
	if _, err := os.Stat(cfg.AdminKeystorePath); err == nil {
		return fmt.Errorf("keystore %s already exists", cfg.AdminKeystorePath)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(cfg.AdminKeystorePath, key, pass); err != nil {
		return err
	}
	log.Info("admin key generated", "address", key.Address().String(), "keystore", cfg.AdminKeystorePath)
	return nil
}

func loadAdminKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(cfg.AdminKeystorePath, pass)
}

func connect(ctx context.Context, node ethtx.Node, cfg *config.Config, key *crypto.PrivateKey) (*lend.Controller, error) {
	if cfg.ControllerAddress == "" {
		return nil, fmt.Errorf("no ControllerAddress configured; run `loanctl deploy` first")
	}
	addr, err := crypto.ParseAddress(cfg.ControllerAddress)
	if err != nil {
		return nil, err
	}
	return lend.Connect(ctx, node, key, addr)
}

func deploy(ctx context.Context, node ethtx.Node, cfg *config.Config, key *crypto.PrivateKey, fee string, log *slog.Logger) error {
	dai, err := crypto.ParseAddress(cfg.DaiContractAddress)
	if err != nil {
		return fmt.Errorf("DaiContractAddress: %w", err)
	}
	marketFee, err := parseBig(fee)
	if err != nil {
		return fmt.Errorf("-fee: %w", err)
	}

	pending, err := lend.Deploy(ctx, node, key, dai, marketFee)
	if err != nil {
		return err
	}
	controller, err := ethtx.Wait(ctx, pending)
	if err != nil {
		return err
	}
	log.Info("controller deployed", "address", controller.Address().String())
	fmt.Println(controller.Address())
	return nil
}

func createLoan(
	ctx context.Context,
	controller *lend.Controller,
	recipient string,
	expires time.Duration,
	fundingFee, paymentFee string,
	valueDai int64,
	log *slog.Logger,
) error {
	recipientAddr, err := crypto.ParseAddress(recipient)
	if err != nil {
		return fmt.Errorf("-recipient: %w", err)
	}
	ffee, err := parseBig(fundingFee)
	if err != nil {
		return fmt.Errorf("-funding-fee: %w", err)
	}
	pfee, err := parseBig(paymentFee)
	if err != nil {
		return fmt.Errorf("-payment-fee: %w", err)
	}
	if valueDai <= 0 {
		return fmt.Errorf("-value-dai must be positive")
	}
	value := new(big.Int).Mul(big.NewInt(valueDai), units.Dai)

	pending, err := controller.Loans().Create(ctx, recipientAddr, expires, ffee, pfee, value)
	if err != nil {
		return err
	}
	loan, err := ethtx.Wait(ctx, pending)
	if err != nil {
		return err
	}
	log.Info("loan created", "loan", loan.ID().String())
	fmt.Println(loan.ID())
	return nil
}

func withLoan(ctx context.Context, controller *lend.Controller, id string, fn func(*lend.Loan) error) error {
	if id == "" {
		return fmt.Errorf("-loan is required")
	}
	loanID, err := lend.ParseLoanID(id)
	if err != nil {
		return err
	}
	loan, err := controller.Loans().ByIdentifier(ctx, loanID)
	if err != nil {
		return err
	}
	return fn(loan)
}

func setMarketFee(ctx context.Context, controller *lend.Controller, fee string) error {
	value, err := parseBig(fee)
	if err != nil {
		return fmt.Errorf("-fee: %w", err)
	}
	pending, err := controller.Market().SetFee(ctx, value)
	if err != nil {
		return err
	}
	_, err = ethtx.Wait(ctx, pending)
	return err
}

func printMarketFee(ctx context.Context, controller *lend.Controller, log *slog.Logger) error {
	fee, err := controller.Market().FeeAttoDaiPerNanoDai(ctx)
	if err != nil {
		return err
	}
	fmt.Println(fee)
	return nil
}

func listLoans(ctx context.Context, controller *lend.Controller, log *slog.Logger) error {
	loans, err := controller.Loans().All(ctx)
	if err != nil {
		return err
	}
	for _, loan := range loans {
		state, err := loan.State(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\tfunded=%s\n", loan.ID(), state.Phase, state.FundedValueAttoDai)
	}
	return nil
}

func listPositions(ctx context.Context, controller *lend.Controller, log *slog.Logger) error {
	positions, err := controller.Market().AllSellPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		fmt.Printf("%s\tseller=%s\tamount=%s\tprice=%s\n",
			p.Loan.ID(), p.Seller, p.AmountTokens, p.PriceAttoDaiPerToken)
	}
	return nil
}

func printLoanState(ctx context.Context, loan *lend.Loan, log *slog.Logger) error {
	state, err := loan.State(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("phase=%s funded=%s", state.Phase, state.FundedValueAttoDai)
	if state.PaidValueAttoDai != nil {
		fmt.Printf(" paid=%s", state.PaidValueAttoDai)
	}
	if state.RedemptionValueAttoDaiPerToken != nil {
		fmt.Printf(" redemption-per-token=%s", state.RedemptionValueAttoDaiPerToken)
	}
	fmt.Println()
	return nil
}

func parseBig(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return value, nil
}
