// Package config loads the administrator tooling's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the loanctl configuration file.
type Config struct {
	// NodeRPCURL is the Ethereum node endpoint, e.g.
	// http://127.0.0.1:8545 or ws://127.0.0.1:8546.
	NodeRPCURL string `toml:"NodeRPCURL"`

	// NetworkName names the chain the node follows. Used to pick a
	// default Dai contract address.
	NetworkName string `toml:"NetworkName"`

	// ControllerAddress is the deployed controller contract. Empty until
	// `loanctl deploy` has run.
	ControllerAddress string `toml:"ControllerAddress"`

	// DaiContractAddress overrides the network's well-known Dai contract.
	DaiContractAddress string `toml:"DaiContractAddress"`

	// AdminKeystorePath points at the administrator's Ethereum v3
	// keystore file.
	AdminKeystorePath string `toml:"AdminKeystorePath"`

	// LogFile, when set, duplicates logs to a rotated file.
	LogFile string `toml:"LogFile"`
}

// Well-known Dai contract deployments.
var daiContracts = map[string]string{
	"mainnet": "0x6B175474E89094C44Da98b954EedeAC495271d0F",
	"ropsten": "0x31F42841c2db5173425b5223809CF3A38FEde360",
}

// DefaultDaiContract returns the well-known Dai contract address for a
// named network, or "" when the network has none and the address must be
// configured explicitly.
func DefaultDaiContract(network string) string {
	return daiContracts[strings.ToLower(network)]
}

// Load reads and validates the configuration at path. Unknown keys are
// rejected so typos fail loudly instead of silently using a default.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	if strings.TrimSpace(cfg.NodeRPCURL) == "" {
		cfg.NodeRPCURL = "http://127.0.0.1:8545"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "mainnet"
	}
	if strings.TrimSpace(cfg.DaiContractAddress) == "" {
		cfg.DaiContractAddress = DefaultDaiContract(cfg.NetworkName)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DaiContractAddress == "" {
		return fmt.Errorf("config: no well-known Dai contract for network %q; set DaiContractAddress", c.NetworkName)
	}
	if strings.TrimSpace(c.AdminKeystorePath) == "" {
		return fmt.Errorf("config: AdminKeystorePath is required")
	}
	return nil
}
