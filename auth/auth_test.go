package auth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/nonce"
	"github.com/x402-labs/escrow/settle"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(
		nonce.NewInMemoryStore(),
		NewMemoryUserStore(),
		NewTokenProvider([]byte("test-secret"), "escrow-test", time.Hour),
		zap.NewNop(),
	)
}

func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return settle.BytesToHex(sig)
}

func TestVerify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	value, message, _, err := svc.IssueNonce(ctx)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}

	res, err := svc.Verify(ctx, wallet, value, personalSign(t, key, message))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.User.Wallet != wallet {
		t.Fatalf("user wallet = %s, want %s", res.User.Wallet, wallet)
	}

	// The identity token round-trips to the same user.
	user, err := svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != res.User.ID {
		t.Fatalf("authenticated user %s, want %s", user.ID, res.User.ID)
	}
}

func TestVerify_NonceReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, _ := crypto.GenerateKey()
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	value, message, _, err := svc.IssueNonce(ctx)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	sig := personalSign(t, key, message)

	if _, err := svc.Verify(ctx, wallet, value, sig); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	_, err = svc.Verify(ctx, wallet, value, sig)
	if escrow.ReasonOf(err) != escrow.ReasonNonceAlreadyUsed {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonNonceAlreadyUsed)
	}
}

func TestVerify_ConcurrentSingleWinner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, _ := crypto.GenerateKey()
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	value, message, _, err := svc.IssueNonce(ctx)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	sig := personalSign(t, key, message)

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Verify(ctx, wallet, value, sig)
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("successful verifications = %d, want exactly 1", succeeded)
	}
}

func TestVerify_WrongWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, _ := crypto.GenerateKey()
	value, message, _, err := svc.IssueNonce(ctx)
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}

	_, err = svc.Verify(ctx, "0x000000000000000000000000000000000000dEaD", value, personalSign(t, key, message))
	if escrow.ReasonOf(err) != escrow.ReasonBadSignature {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonBadSignature)
	}
}

func TestUserStore_GetOrCreateNormalizesCase(t *testing.T) {
	store := NewMemoryUserStore()
	ctx := context.Background()

	a, err := store.GetOrCreate(ctx, "0xAbCd000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := store.GetOrCreate(ctx, "0xABCD000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ID != b.ID {
		t.Fatal("wallet lookup must be case-insensitive")
	}
}

func TestTokenProvider_RejectsTampering(t *testing.T) {
	p := NewTokenProvider([]byte("secret-a"), "escrow-test", time.Hour)
	token, _, err := p.Issue("user-1", "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewTokenProvider([]byte("secret-b"), "escrow-test", time.Hour)
	if _, _, err := other.Validate(token); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}

	wrongIssuer := NewTokenProvider([]byte("secret-a"), "someone-else", time.Hour)
	if _, _, err := wrongIssuer.Validate(token); err == nil {
		t.Fatal("token with a different issuer must be rejected")
	}

	userID, wallet, err := p.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "user-1" || wallet == "" {
		t.Fatalf("claims = %s/%s", userID, wallet)
	}
}
