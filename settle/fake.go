package settle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeSettler records operations and returns deterministic transaction
// hashes. Used in tests and in dev mode, where no chain is available.
type FakeSettler struct {
	mu sync.Mutex

	// FailDeposit, FailCapture and FailVoid make the corresponding
	// operation return an error.
	FailDeposit bool
	FailCapture bool
	FailVoid    bool

	Deposits []DepositRequest
	Captures []CaptureRequest
	Voids    []VoidRequest
}

func NewFakeSettler() *FakeSettler {
	return &FakeSettler{}
}

func (f *FakeSettler) Deposit(_ context.Context, req DepositRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDeposit {
		return "", fmt.Errorf("deposit rejected")
	}
	f.Deposits = append(f.Deposits, req)
	return fakeTxHash("deposit", req.Authorization.From, req.Salt, req.Authorization.Value), nil
}

func (f *FakeSettler) Capture(_ context.Context, req CaptureRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCapture {
		return "", fmt.Errorf("capture reverted")
	}
	f.Captures = append(f.Captures, req)
	return fakeTxHash("capture", req.Payer, req.Salt, req.Amount.String()), nil
}

func (f *FakeSettler) Void(_ context.Context, req VoidRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailVoid {
		return "", fmt.Errorf("void reverted")
	}
	f.Voids = append(f.Voids, req)
	return fakeTxHash("void", req.Payer, req.Salt, req.Amount.String()), nil
}

func fakeTxHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

var _ Settler = (*FakeSettler)(nil)
