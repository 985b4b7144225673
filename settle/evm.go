package settle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Escrow contract function names.
const (
	FunctionDeposit = "deposit"
	FunctionCapture = "capture"
	FunctionVoid    = "void"
)

// EscrowABI is the minimal ABI for the escrow contract operations the
// facilitator submits. Deposits forward an ERC-3009 authorization whose
// recipient is the escrow contract; captures and voids are operator-only
// and are bound to (payer, salt).
var EscrowABI = []byte(`[
	{
		"name": "deposit",
		"type": "function",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "salt", "type": "bytes32"},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": []
	},
	{
		"name": "capture",
		"type": "function",
		"inputs": [
			{"name": "payer", "type": "address"},
			{"name": "salt", "type": "bytes32"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"name": "void",
		"type": "function",
		"inputs": [
			{"name": "payer", "type": "address"},
			{"name": "salt", "type": "bytes32"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": []
	}
]`)

// TransactionReceipt is the confirmation of a submitted transaction.
type TransactionReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// Signer submits and reads contract calls for the facilitator operator.
// The narrow surface keeps the settler testable without a chain.
type Signer interface {
	GetAddress() string
	ReadContract(contractAddress string, abiJSON []byte, method string, args ...interface{}) (interface{}, error)
	WriteContract(contractAddress string, abiJSON []byte, method string, args ...interface{}) (string, error)
	WaitForTransactionReceipt(txHash string) (*TransactionReceipt, error)
}

// EvmSettler executes escrow operations on EVM networks through a Signer.
type EvmSettler struct {
	signer Signer
}

// NewEvmSettler creates a settler backed by the given operator signer.
func NewEvmSettler(signer Signer) *EvmSettler {
	return &EvmSettler{signer: signer}
}

// OperatorAddress returns the address submitting escrow transactions.
func (s *EvmSettler) OperatorAddress() string {
	return s.signer.GetAddress()
}

// Deposit submits the signed authorization into the escrow contract and
// waits for confirmation.
func (s *EvmSettler) Deposit(ctx context.Context, req DepositRequest) (string, error) {
	value, ok := new(big.Int).SetString(req.Authorization.Value, 10)
	if !ok {
		return "", fmt.Errorf("invalid authorization value: %s", req.Authorization.Value)
	}
	validAfter, ok := new(big.Int).SetString(req.Authorization.ValidAfter, 10)
	if !ok {
		return "", fmt.Errorf("invalid validAfter: %s", req.Authorization.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(req.Authorization.ValidBefore, 10)
	if !ok {
		return "", fmt.Errorf("invalid validBefore: %s", req.Authorization.ValidBefore)
	}
	nonce, err := toBytes32(req.Authorization.Nonce)
	if err != nil {
		return "", fmt.Errorf("invalid nonce: %w", err)
	}
	salt, err := toBytes32(req.Salt)
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	signature, err := HexToBytes(req.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature: %w", err)
	}

	return s.submit(ctx, req.Network.EscrowContract, FunctionDeposit,
		common.HexToAddress(req.Authorization.From),
		value,
		validAfter,
		validBefore,
		nonce,
		salt,
		signature,
	)
}

// Capture settles earned funds from the escrow to the token collector.
func (s *EvmSettler) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	salt, err := toBytes32(req.Salt)
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	return s.submit(ctx, req.Network.EscrowContract, FunctionCapture,
		common.HexToAddress(req.Payer),
		salt,
		new(big.Int).Set(req.Amount),
	)
}

// Void returns unused escrowed funds to the payer.
func (s *EvmSettler) Void(ctx context.Context, req VoidRequest) (string, error) {
	salt, err := toBytes32(req.Salt)
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	return s.submit(ctx, req.Network.EscrowContract, FunctionVoid,
		common.HexToAddress(req.Payer),
		salt,
		new(big.Int).Set(req.Amount),
	)
}

// submit writes the contract call and waits for a success receipt. A
// failed or unconfirmed transaction is surfaced as an error; the caller
// compensates ledger state, never assumes success.
func (s *EvmSettler) submit(_ context.Context, contract, method string, args ...interface{}) (string, error) {
	txHash, err := s.signer.WriteContract(contract, EscrowABI, method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to execute %s: %w", method, err)
	}

	receipt, err := s.signer.WaitForTransactionReceipt(txHash)
	if err != nil {
		return "", fmt.Errorf("failed to get receipt for %s: %w", method, err)
	}
	if receipt.Status != TxStatusSuccess {
		return "", fmt.Errorf("%s transaction reverted: %s", method, txHash)
	}
	return txHash, nil
}

// toBytes32 parses a 0x-hex value of at most 32 bytes, left-padded.
func toBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) > 32 {
		return out, fmt.Errorf("value exceeds 32 bytes: %d", len(b))
	}
	copy(out[32-len(b):], b)
	return out, nil
}

// Ensure EvmSettler implements Settler
var _ Settler = (*EvmSettler)(nil)
