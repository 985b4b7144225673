// Package networks holds immutable per-network reference data for the
// escrow scheme: token asset, EIP-712 domain parameters, contract
// addresses and deposit bounds. The ledger reads this data to validate
// deposits; nothing here is mutated after registration.
package networks

import (
	"math/big"
	"sync"

	escrow "github.com/x402-labs/escrow"
)

// Default token decimals for USDC
const DefaultDecimals = 6

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
)

// Config is the reference data for one supported network.
type Config struct {
	Network escrow.Network

	ChainID *big.Int

	// Asset is the EIP-3009 token contract backing deposits.
	Asset        string
	AssetName    string // EIP-712 domain name, e.g. "USD Coin"
	AssetVersion string // EIP-712 domain version, e.g. "2"
	Decimals     int

	// EscrowContract holds deposits between authorization and capture.
	EscrowContract string
	// TokenCollector receives captured funds on settlement.
	TokenCollector string

	MinDeposit *big.Int
	MaxDeposit *big.Int

	Active bool
}

// ValidateDeposit checks a deposit amount against the network's configured
// bounds. Inactive networks reject all deposits.
func (c Config) ValidateDeposit(amount *big.Int) error {
	if !c.Active {
		return escrow.NewStateConflict(escrow.ReasonUnsupportedNetwork, "network %s is not active", c.Network)
	}
	if c.MinDeposit != nil && amount.Cmp(c.MinDeposit) < 0 {
		return escrow.NewStateConflict(escrow.ReasonDepositOutOfBounds,
			"deposit %s below minimum %s", amount, c.MinDeposit)
	}
	if c.MaxDeposit != nil && amount.Cmp(c.MaxDeposit) > 0 {
		return escrow.NewStateConflict(escrow.ReasonDepositOutOfBounds,
			"deposit %s above maximum %s", amount, c.MaxDeposit)
	}
	return nil
}

// Registry maps networks to their escrow configuration.
type Registry struct {
	mu      sync.RWMutex
	configs map[escrow.Network]Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[escrow.Network]Config)}
}

// Register adds or replaces a network configuration.
func (r *Registry) Register(cfg Config) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Network] = cfg
	return r
}

// Get returns the configuration for a network.
func (r *Registry) Get(network escrow.Network) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[network]
	if !ok {
		return Config{}, escrow.NewStateConflict(escrow.ReasonUnsupportedNetwork, "unsupported network: %s", network)
	}
	return cfg, nil
}

// Kinds builds the supported payment kinds for the discovery response.
// The facilitator address identifies the operator that submits settle and
// void transactions.
func (r *Registry) Kinds(facilitatorAddress string) []escrow.SupportedKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var kinds []escrow.SupportedKind
	for _, cfg := range r.configs {
		if !cfg.Active {
			continue
		}
		kinds = append(kinds, escrow.SupportedKind{
			Scheme:  escrow.SchemeEscrow,
			Network: cfg.Network,
			Asset:   cfg.Asset,
			Extra: map[string]interface{}{
				"name":               cfg.AssetName,
				"version":            cfg.AssetVersion,
				"facilitatorAddress": facilitatorAddress,
				"escrowContract":     cfg.EscrowContract,
				"tokenCollector":     cfg.TokenCollector,
				"minDeposit":         escrow.FormatAmount(cfg.MinDeposit),
				"maxDeposit":         escrow.FormatAmount(cfg.MaxDeposit),
			},
		})
	}
	return kinds
}

// DefaultRegistry returns the built-in network set.
//
// Default Asset Selection Policy:
// - Each chain has the right to determine its own default stablecoin
// - If the chain has officially endorsed a stablecoin, that asset should be used
//
// NOTE: Only EIP-3009 supporting stablecoins can back escrow deposits.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Base Mainnet
	r.Register(Config{
		Network:        "eip155:8453",
		ChainID:        ChainIDBase,
		Asset:          "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
		AssetName:      "USD Coin",
		AssetVersion:   "2",
		Decimals:       DefaultDecimals,
		EscrowContract: "0x4020E5c949aB4B8f38b3D076D8BC9F4f4846D003",
		TokenCollector: "0x4020cFCE9D9Bf1A1F2f2b4748E1696Bed3E1D004",
		MinDeposit:     big.NewInt(10_000),      // 0.01 USDC
		MaxDeposit:     big.NewInt(100_000_000), // 100 USDC
		Active:         true,
	})
	// Base Sepolia Testnet
	r.Register(Config{
		Network:        "eip155:84532",
		ChainID:        ChainIDBaseSepolia,
		Asset:          "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
		AssetName:      "USDC",
		AssetVersion:   "2",
		Decimals:       DefaultDecimals,
		EscrowContract: "0x4020A52a6E9B2A15f52bF45C1A2eD7053bB2d003",
		TokenCollector: "0x4020b6d4e25a80C11DaB5bD2b6cFd2C1f4EaD004",
		MinDeposit:     big.NewInt(1_000),
		MaxDeposit:     big.NewInt(1_000_000_000),
		Active:         true,
	})
	return r
}
