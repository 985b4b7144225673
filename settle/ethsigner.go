package settle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const (
	writeGasLimit  = 300_000
	receiptTimeout = 30 * time.Second
	receiptPoll    = 1 * time.Second
)

// EthSigner is a Signer backed by an operator private key and a JSON-RPC
// endpoint. One instance serves one chain.
type EthSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
	logger     *zap.Logger
}

// NewEthSigner parses the operator key, connects to the RPC endpoint and
// reads the chain ID.
func NewEthSigner(privateKeyHex, rpcURL string, logger *zap.Logger) (*EthSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &EthSigner{
		privateKey: privateKey,
		address:    address,
		client:     client,
		chainID:    chainID,
		logger:     logger,
	}, nil
}

func (s *EthSigner) GetAddress() string {
	return s.address.Hex()
}

func (s *EthSigner) ChainID() *big.Int {
	return s.chainID
}

// ReadContract performs an eth_call and unpacks the first output value.
func (s *EthSigner) ReadContract(contractAddress string, abiJSON []byte, method string, args ...interface{}) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	ctx := context.Background()
	to := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}

	methodObj, exists := contractABI.Methods[method]
	if !exists {
		return nil, fmt.Errorf("method %s not found in ABI", method)
	}
	output, err := methodObj.Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(output) > 0 {
		return output[0], nil
	}
	return nil, nil
}

// WriteContract packs, signs and submits a transaction, returning its hash.
func (s *EthSigner) WriteContract(contractAddress string, abiJSON []byte, method string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	ctx := context.Background()
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	tx := types.NewTransaction(nonce, to, big.NewInt(0), writeGasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	s.logger.Info("submitted transaction",
		zap.String("method", method),
		zap.String("contract", contractAddress),
		zap.String("txHash", signedTx.Hash().Hex()),
	)
	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or the
// timeout elapses.
func (s *EthSigner) WaitForTransactionReceipt(txHash string) (*TransactionReceipt, error) {
	ctx := context.Background()
	hash := common.HexToHash(txHash)

	deadline := time.Now().Add(receiptTimeout)
	for time.Now().Before(deadline) {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		time.Sleep(receiptPoll)
	}
	return nil, fmt.Errorf("transaction receipt not found after %s: %s", receiptTimeout, txHash)
}

// Close releases the underlying RPC connection.
func (s *EthSigner) Close() {
	s.client.Close()
}

var _ Signer = (*EthSigner)(nil)
