// Package settle performs the on-chain legs of the escrow lifecycle:
// depositing an authorized transfer into the escrow contract, capturing
// earned funds to the token collector, and voiding unused funds back to
// the payer. The ledger treats these as opaque operations that return a
// transaction identifier or fail; a failed or timed-out call must leave
// no ledger-visible effect, which the ledger guarantees by compensating.
package settle

import (
	"context"
	"math/big"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/networks"
)

// Transaction status codes as reported by receipts.
const (
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

// DepositRequest submits a signed authorization into the escrow contract.
type DepositRequest struct {
	Network       networks.Config
	Authorization escrow.Authorization
	Signature     string
	Salt          string
}

// CaptureRequest settles earned funds from escrow to the token collector.
type CaptureRequest struct {
	Network networks.Config
	Payer   string
	Salt    string
	Amount  *big.Int
}

// VoidRequest returns unused escrowed funds to the payer.
type VoidRequest struct {
	Network networks.Config
	Payer   string
	Salt    string
	Amount  *big.Int
}

// Settler executes on-chain escrow operations. Implementations must be
// safe for concurrent use; the ledger serializes per-session calls but
// distinct sessions settle in parallel.
type Settler interface {
	Deposit(ctx context.Context, req DepositRequest) (string, error)
	Capture(ctx context.Context, req CaptureRequest) (string, error)
	Void(ctx context.Context, req VoidRequest) (string, error)
}
