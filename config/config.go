package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"deedvault/native/escrow"
)

// Config is the daemon configuration. Role identities are fixed for the
// registry's lifetime; changing them requires a restart with a new file.
type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	DataDir         string `toml:"DataDir"`
	Env             string `toml:"Env"`
	Seller          string `toml:"Seller"`
	Inspector       string `toml:"Inspector"`
	Lender          string `toml:"Lender"`
	EscrowPaused    bool   `toml:"EscrowPaused"`
	EventBufferSize int    `toml:"EventBufferSize"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8646"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./deedvault-data"
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Roles parses the configured role identities into the immutable set the
// escrow engine is constructed with.
func (c *Config) Roles() (escrow.Roles, error) {
	seller, err := parseRole("Seller", c.Seller)
	if err != nil {
		return escrow.Roles{}, err
	}
	inspector, err := parseRole("Inspector", c.Inspector)
	if err != nil {
		return escrow.Roles{}, err
	}
	lender, err := parseRole("Lender", c.Lender)
	if err != nil {
		return escrow.Roles{}, err
	}
	roles := escrow.Roles{Seller: seller, Inspector: inspector, Lender: lender}
	if err := roles.Validate(); err != nil {
		return escrow.Roles{}, err
	}
	return roles, nil
}

func parseRole(name, value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("config: %s role not set", name)
	}
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("config: %s is not a valid address: %q", name, value)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}
