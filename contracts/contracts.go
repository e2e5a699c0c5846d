// Package contracts embeds the compiled marketplace contract artifacts and
// exposes their parsed ABIs.
package contracts

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed artifacts/controller.json
	controllerJSON []byte

	//go:embed artifacts/loan.json
	loanJSON []byte

	//go:embed artifacts/market.json
	marketJSON []byte

	//go:embed artifacts/token.json
	tokenJSON []byte

	//go:embed artifacts/erc20.json
	erc20JSON []byte
)

type artifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// Contract artifact ABIs, parsed at init time.
var (
	Controller = mustParse(controllerJSON)
	Loan       = mustParse(loanJSON)
	Market     = mustParse(marketJSON)
	Token      = mustParse(tokenJSON)
	ERC20      = mustParse(erc20JSON)
)

// ControllerBytecode is the controller's creation bytecode, used when
// deploying a fresh controller contract.
var ControllerBytecode = mustBytecode(controllerJSON)

func mustParse(raw []byte) abi.ABI {
	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		panic(fmt.Sprintf("contracts: bad artifact: %v", err))
	}
	parsed, err := abi.JSON(bytes.NewReader(art.ABI))
	if err != nil {
		panic(fmt.Sprintf("contracts: bad ABI for %s: %v", art.ContractName, err))
	}
	return parsed
}

func mustBytecode(raw []byte) []byte {
	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		panic(fmt.Sprintf("contracts: bad artifact: %v", err))
	}
	code, err := hex.DecodeString(strings.TrimPrefix(art.Bytecode, "0x"))
	if err != nil {
		panic(fmt.Sprintf("contracts: bad bytecode for %s: %v", art.ContractName, err))
	}
	return code
}
