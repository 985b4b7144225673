package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/networks"
	"github.com/x402-labs/escrow/nonce"
	"github.com/x402-labs/escrow/settle"
)

const testNetwork = escrow.Network("eip155:84532")

func testRegistry() *networks.Registry {
	return networks.NewRegistry().Register(networks.Config{
		Network:        testNetwork,
		ChainID:        big.NewInt(84532),
		Asset:          "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		AssetName:      "USDC",
		AssetVersion:   "2",
		EscrowContract: "0x4020A52a6E9B2A15f52bF45C1A2eD7053bB2d003",
		TokenCollector: "0x4020b6d4e25a80C11DaB5bD2b6cFd2C1f4EaD004",
		MinDeposit:     big.NewInt(1_000),
		MaxDeposit:     big.NewInt(1_000_000_000),
		Active:         true,
	})
}

func newTestLedger(t *testing.T, settler settle.Settler) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := New(store, nonce.NewInMemoryStore(), testRegistry(), settler, zap.NewNop(), Config{
		Operator: "test-operator",
	})
	return l, store
}

// seedSession inserts a confirmed active session directly, returning the
// session id and its capability token.
func seedSession(t *testing.T, store *MemoryStore, deposit int64) (string, string) {
	t.Helper()
	token, tokenHash, err := newSessionToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:                  "sess-" + token[:8],
		Payer:               "0x1111111111111111111111111111111111111111",
		Receiver:            "0x2222222222222222222222222222222222222222",
		Operator:            "test-operator",
		Network:             testNetwork,
		Salt:                "0x01",
		TokenHash:           tokenHash,
		AuthorizationExpiry: now.Add(time.Hour),
		RefundExpiry:        now.Add(2 * time.Hour),
		Status:              StatusActive,
		CreatedAt:           now,
		DepositConfirmed:    true,
		Balance:             NewBalance(big.NewInt(deposit)),
		Debits:              make(map[string]*DebitRecord),
	}
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess.ID, token
}

func mustBalance(t *testing.T, store *MemoryStore, id string) Balance {
	t.Helper()
	sess, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.Balance.Conserved() {
		t.Fatalf("balance not conserved: %+v", sess.Balance)
	}
	return sess.Balance
}

func TestDebit(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, token := seedSession(t, store, 10_000)

	receipt, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id,
		Token:     token,
		Amount:    big.NewInt(1_000),
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if receipt.Amount != "1000" {
		t.Fatalf("receipt amount = %s, want 1000", receipt.Amount)
	}

	b := mustBalance(t, store, id)
	if b.Available.Int64() != 9_000 || b.Pending.Int64() != 1_000 {
		t.Fatalf("available=%s pending=%s, want 9000/1000", b.Available, b.Pending)
	}
}

func TestDebit_IdempotentConcurrent(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, token := seedSession(t, store, 10_000)

	const callers = 10
	receipts := make([]*escrow.ReceiptView, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = l.Debit(context.Background(), DebitRequest{
				SessionID: id,
				Token:     token,
				Amount:    big.NewInt(1_000),
				RequestID: "req-1",
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if receipts[i].ID != receipts[0].ID {
			t.Fatalf("caller %d got receipt %s, want %s", i, receipts[i].ID, receipts[0].ID)
		}
	}

	b := mustBalance(t, store, id)
	if b.Available.Int64() != 9_000 {
		t.Fatalf("available = %s, want 9000 (debited exactly once)", b.Available)
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, token := seedSession(t, store, 10_000)

	_, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id,
		Token:     token,
		Amount:    big.NewInt(10_001),
		RequestID: "req-2",
	})
	if escrow.ReasonOf(err) != escrow.ReasonInsufficientBalance {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonInsufficientBalance)
	}

	b := mustBalance(t, store, id)
	if b.Available.Int64() != 10_000 {
		t.Fatalf("available = %s, balance must be unchanged", b.Available)
	}
}

func TestDebit_BadToken(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, _ := seedSession(t, store, 10_000)

	_, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id,
		Token:     "wrong",
		Amount:    big.NewInt(100),
		RequestID: "req-3",
	})
	if escrow.ReasonOf(err) != escrow.ReasonBadSessionToken {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonBadSessionToken)
	}
}

func TestCapture(t *testing.T) {
	settler := settle.NewFakeSettler()
	l, store := newTestLedger(t, settler)
	id, token := seedSession(t, store, 10_000)

	if _, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(4_000), RequestID: "req-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	ref, err := l.Capture(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if ref.Amount != "4000" {
		t.Fatalf("captured amount = %s, want 4000", ref.Amount)
	}
	if len(settler.Captures) != 1 {
		t.Fatalf("settler captures = %d, want 1", len(settler.Captures))
	}

	b := mustBalance(t, store, id)
	if b.Captured.Int64() != 4_000 || b.Pending.Int64() != 0 || b.Available.Int64() != 6_000 {
		t.Fatalf("captured=%s pending=%s available=%s", b.Captured, b.Pending, b.Available)
	}

	sess, _ := store.Get(context.Background(), id)
	if sess.Status != StatusActive {
		t.Fatalf("status = %s, want active while funds remain", sess.Status)
	}
	if len(sess.Transactions.CaptureTxs) != 1 || sess.Transactions.CaptureTxs[0] != ref.Transaction {
		t.Fatalf("capture tx not recorded: %+v", sess.Transactions)
	}
}

func TestCapture_FailureCompensatesToAvailable(t *testing.T) {
	settler := settle.NewFakeSettler()
	settler.FailCapture = true
	l, store := newTestLedger(t, settler)
	id, token := seedSession(t, store, 10_000)

	if _, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(4_000), RequestID: "req-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	_, err := l.Capture(context.Background(), id, nil)
	if escrow.CodeOf(err) != escrow.ErrCodeSettlementFailed {
		t.Fatalf("code = %q, want %q", escrow.CodeOf(err), escrow.ErrCodeSettlementFailed)
	}

	// Failed settlement returns the moved amount to available.
	b := mustBalance(t, store, id)
	if b.Captured.Int64() != 0 || b.Pending.Int64() != 0 || b.Available.Int64() != 10_000 {
		t.Fatalf("captured=%s pending=%s available=%s after failed capture", b.Captured, b.Pending, b.Available)
	}
}

func TestCapture_DepositUnconfirmed(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, token := seedSession(t, store, 10_000)

	if _, err := store.Update(context.Background(), id, func(s *Session) error {
		s.DepositConfirmed = false
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(100), RequestID: "req-1",
	}); err != nil {
		t.Fatalf("debit before confirmation should succeed: %v", err)
	}

	_, err := l.Capture(context.Background(), id, nil)
	if escrow.ReasonOf(err) != escrow.ReasonDepositUnconfirmed {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonDepositUnconfirmed)
	}
}

func TestCapture_TerminalWhenDrained(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, token := seedSession(t, store, 10_000)

	if _, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(10_000), RequestID: "req-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := l.Capture(context.Background(), id, nil); err != nil {
		t.Fatalf("capture: %v", err)
	}

	sess, _ := store.Get(context.Background(), id)
	if sess.Status != StatusCaptured {
		t.Fatalf("status = %s, want captured when pending and available are drained", sess.Status)
	}

	// Terminal session rejects further debits.
	_, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(1), RequestID: "req-2",
	})
	if escrow.ReasonOf(err) != escrow.ReasonSessionNotActive {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonSessionNotActive)
	}
}

func TestReclaim_Idempotent(t *testing.T) {
	settler := settle.NewFakeSettler()
	l, store := newTestLedger(t, settler)
	id, _ := seedSession(t, store, 50_000)

	ref, err := l.Reclaim(context.Background(), id)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ref.Amount != "50000" {
		t.Fatalf("reclaimed amount = %s, want 50000", ref.Amount)
	}

	sess, _ := store.Get(context.Background(), id)
	if sess.Status != StatusVoided {
		t.Fatalf("status = %s, want voided", sess.Status)
	}
	b := mustBalance(t, store, id)
	if b.Reclaimed.Int64() != 50_000 || b.Available.Int64() != 0 {
		t.Fatalf("reclaimed=%s available=%s", b.Reclaimed, b.Available)
	}

	// Second reclaim is a no-op success with amount 0.
	again, err := l.Reclaim(context.Background(), id)
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if again.Amount != "0" {
		t.Fatalf("second reclaim amount = %s, want 0", again.Amount)
	}
	if len(settler.Voids) != 1 {
		t.Fatalf("settler voids = %d, want 1 (no double withdrawal)", len(settler.Voids))
	}
}

func TestReclaim_RefundWindowClosed(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, _ := seedSession(t, store, 50_000)

	if _, err := store.Update(context.Background(), id, func(s *Session) error {
		s.RefundExpiry = time.Now().UTC().Add(-time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, err := l.Reclaim(context.Background(), id)
	if escrow.ReasonOf(err) != escrow.ReasonRefundWindowClosed {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonRefundWindowClosed)
	}

	b := mustBalance(t, store, id)
	if b.Available.Int64() != 50_000 || b.Reclaimed.Int64() != 0 {
		t.Fatalf("balance mutated by rejected reclaim: %+v", b)
	}
}

func TestReclaim_FailureCompensates(t *testing.T) {
	settler := settle.NewFakeSettler()
	settler.FailVoid = true
	l, store := newTestLedger(t, settler)
	id, _ := seedSession(t, store, 50_000)

	_, err := l.Reclaim(context.Background(), id)
	if escrow.CodeOf(err) != escrow.ErrCodeSettlementFailed {
		t.Fatalf("code = %q, want %q", escrow.CodeOf(err), escrow.ErrCodeSettlementFailed)
	}

	sess, _ := store.Get(context.Background(), id)
	if sess.Status != StatusActive {
		t.Fatalf("status = %s, want active after failed void", sess.Status)
	}
	b := mustBalance(t, store, id)
	if b.Available.Int64() != 50_000 || b.Reclaimed.Int64() != 0 {
		t.Fatalf("available=%s reclaimed=%s after failed void", b.Available, b.Reclaimed)
	}
}

func TestReclaim_NothingToReclaim(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, token := seedSession(t, store, 10_000)

	// All funds moved to pending by debits; reclaim must not touch them.
	if _, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(10_000), RequestID: "req-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	_, err := l.Reclaim(context.Background(), id)
	if escrow.ReasonOf(err) != escrow.ReasonNothingToReclaim {
		t.Fatalf("reason = %q, want %q", escrow.ReasonOf(err), escrow.ReasonNothingToReclaim)
	}
}

func TestEffectiveStatus_ViewNotWrite(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, _ := seedSession(t, store, 10_000)

	if _, err := store.Update(context.Background(), id, func(s *Session) error {
		s.AuthorizationExpiry = time.Now().UTC().Add(-time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	payer := "0x1111111111111111111111111111111111111111"
	active, err := l.ListByPayer(context.Background(), payer, "active")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expired session listed as active")
	}

	expired, err := l.ListByPayer(context.Background(), payer, "expired")
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired sessions = %d, want 1", len(expired))
	}

	// The stored status stays active; expiry is a view.
	sess, _ := store.Get(context.Background(), id)
	if sess.Status != StatusActive {
		t.Fatalf("stored status = %s, want active", sess.Status)
	}
}

func TestBalanceConservation(t *testing.T) {
	l, store := newTestLedger(t, settle.NewFakeSettler())
	id, token := seedSession(t, store, 100_000)

	ops := []func() error{
		func() error {
			_, err := l.Debit(context.Background(), DebitRequest{
				SessionID: id, Token: token, Amount: big.NewInt(30_000), RequestID: "req-1"})
			return err
		},
		func() error {
			_, err := l.Debit(context.Background(), DebitRequest{
				SessionID: id, Token: token, Amount: big.NewInt(20_000), RequestID: "req-2"})
			return err
		},
		func() error { _, err := l.Capture(context.Background(), id, big.NewInt(30_000)); return err },
		func() error { _, err := l.Capture(context.Background(), id, nil); return err },
		func() error { _, err := l.Reclaim(context.Background(), id); return err },
	}
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		mustBalance(t, store, id)
	}

	b := mustBalance(t, store, id)
	if b.Captured.Int64() != 50_000 || b.Reclaimed.Int64() != 50_000 {
		t.Fatalf("captured=%s reclaimed=%s, want 50000/50000", b.Captured, b.Reclaimed)
	}
}

func TestScheduleCapture_SyncNearExpiry(t *testing.T) {
	settler := settle.NewFakeSettler()
	l, store := newTestLedger(t, settler)
	id, token := seedSession(t, store, 10_000)

	// Authorization window closes inside the sync threshold.
	if _, err := store.Update(context.Background(), id, func(s *Session) error {
		s.AuthorizationExpiry = time.Now().UTC().Add(5 * time.Minute)
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(1_000), RequestID: "req-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	queue := make(chan CaptureJob, 1)
	ref, err := l.ScheduleCapture(context.Background(), id, nil, queue)
	if err != nil {
		t.Fatalf("schedule capture: %v", err)
	}
	if ref.Transaction == "" {
		t.Fatal("near-expiry capture must settle synchronously")
	}
	if len(queue) != 0 {
		t.Fatal("near-expiry capture must not be queued")
	}
}

func TestScheduleCapture_DefersWhenTimeRemains(t *testing.T) {
	settler := settle.NewFakeSettler()
	l, store := newTestLedger(t, settler)
	id, token := seedSession(t, store, 10_000)

	if _, err := l.Debit(context.Background(), DebitRequest{
		SessionID: id, Token: token, Amount: big.NewInt(1_000), RequestID: "req-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	queue := make(chan CaptureJob, 1)
	ref, err := l.ScheduleCapture(context.Background(), id, nil, queue)
	if err != nil {
		t.Fatalf("schedule capture: %v", err)
	}
	if ref.Transaction != "" {
		t.Fatal("deferred capture must not settle inline")
	}
	if len(queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(queue))
	}
	if len(settler.Captures) != 0 {
		t.Fatal("settler invoked for deferred capture")
	}
}
