// Package ledger owns session records and their balances: creation from a
// verified authorization, idempotent debits, two-phase capture and reclaim.
// Every mutation runs as an atomic read-modify-write scoped to one session,
// and every mutation preserves
//
//	authorized == captured + pending + available + reclaimed
package ledger

import (
	"math/big"
	"time"

	escrow "github.com/x402-labs/escrow"
)

// Status is a session's stored lifecycle state. StatusExpired is never
// stored; it is derived on read by EffectiveStatus.
type Status string

const (
	StatusActive   Status = "active"
	StatusCaptured Status = "captured"
	StatusVoided   Status = "voided"
	StatusExpired  Status = "expired"
)

// ValidFilter reports whether s names a status usable in list filters.
func ValidFilter(s string) bool {
	switch Status(s) {
	case StatusActive, StatusCaptured, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// Balance tracks the five buckets a session's deposit is split across.
// All amounts are non-negative integers in the token's smallest unit.
type Balance struct {
	Authorized *big.Int
	Captured   *big.Int
	Pending    *big.Int
	Available  *big.Int
	Reclaimed  *big.Int
}

// NewBalance opens a balance with the full deposit available.
func NewBalance(deposit *big.Int) Balance {
	return Balance{
		Authorized: new(big.Int).Set(deposit),
		Captured:   new(big.Int),
		Pending:    new(big.Int),
		Available:  new(big.Int).Set(deposit),
		Reclaimed:  new(big.Int),
	}
}

// Conserved reports whether authorized == captured+pending+available+reclaimed
// and all buckets are non-negative.
func (b Balance) Conserved() bool {
	for _, v := range []*big.Int{b.Authorized, b.Captured, b.Pending, b.Available, b.Reclaimed} {
		if v == nil || v.Sign() < 0 {
			return false
		}
	}
	sum := new(big.Int).Add(b.Captured, b.Pending)
	sum.Add(sum, b.Available)
	sum.Add(sum, b.Reclaimed)
	return sum.Cmp(b.Authorized) == 0
}

func (b Balance) clone() Balance {
	return Balance{
		Authorized: new(big.Int).Set(b.Authorized),
		Captured:   new(big.Int).Set(b.Captured),
		Pending:    new(big.Int).Set(b.Pending),
		Available:  new(big.Int).Set(b.Available),
		Reclaimed:  new(big.Int).Set(b.Reclaimed),
	}
}

// View projects the balance to wire form.
func (b Balance) View() escrow.BalanceView {
	return escrow.BalanceView{
		Authorized: escrow.FormatAmount(b.Authorized),
		Captured:   escrow.FormatAmount(b.Captured),
		Pending:    escrow.FormatAmount(b.Pending),
		Available:  escrow.FormatAmount(b.Available),
		Reclaimed:  escrow.FormatAmount(b.Reclaimed),
	}
}

// DebitRecord is an immutable usage record. RequestID is the idempotency
// key: one record per (session, requestId), replays return the original.
type DebitRecord struct {
	ID          string
	SessionID   string
	Amount      *big.Int
	RequestID   string
	Description string
	CreatedAt   time.Time
}

// View projects the debit to a wire receipt.
func (d *DebitRecord) View() escrow.ReceiptView {
	return escrow.ReceiptView{
		ID:        d.ID,
		SessionID: d.SessionID,
		Amount:    escrow.FormatAmount(d.Amount),
		RequestID: d.RequestID,
		CreatedAt: d.CreatedAt.Unix(),
	}
}

// Transactions is the append-only on-chain audit trail of a session.
type Transactions struct {
	AuthorizeTx string
	CaptureTxs  []string
	VoidTx      string
}

// Session is a server-tracked, reusable payment balance derived from one
// authorization. Created only by CreateSession, mutated only by Debit,
// Capture and Reclaim, never deleted.
type Session struct {
	ID       string
	Payer    string
	Receiver string
	Operator string
	Network  escrow.Network
	Salt     string

	// TokenHash is the SHA-256 of the capability token returned once at
	// creation. The plaintext is never stored.
	TokenHash string

	AuthorizationExpiry time.Time
	RefundExpiry        time.Time

	Status    Status
	CreatedAt time.Time

	// DepositConfirmed turns true once the authorization transaction is
	// mined. Debits are allowed before confirmation; capture and reclaim
	// are not.
	DepositConfirmed bool

	Transactions Transactions
	Balance      Balance

	// Debits is keyed by request id.
	Debits map[string]*DebitRecord
}

// EffectiveStatus derives the status readers observe. A stored-active
// session past its authorization expiry reads as expired without any
// write; terminal stored statuses pass through unchanged.
func (s *Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusActive && now.After(s.AuthorizationExpiry) {
		return StatusExpired
	}
	return s.Status
}

// Clone deep-copies the session so stores can hand out snapshots.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Balance = s.Balance.clone()
	cp.Transactions.CaptureTxs = append([]string(nil), s.Transactions.CaptureTxs...)
	cp.Debits = make(map[string]*DebitRecord, len(s.Debits))
	for k, d := range s.Debits {
		dc := *d
		dc.Amount = new(big.Int).Set(d.Amount)
		cp.Debits[k] = &dc
	}
	return &cp
}

// View projects the session to wire form using its effective status.
func (s *Session) View(now time.Time) escrow.SessionView {
	return escrow.SessionView{
		ID:                  s.ID,
		NetworkID:           s.Network,
		Payer:               s.Payer,
		Receiver:            s.Receiver,
		Status:              string(s.EffectiveStatus(now)),
		Balance:             s.Balance.View(),
		AuthorizationExpiry: s.AuthorizationExpiry.Unix(),
		RefundExpiry:        s.RefundExpiry.Unix(),
		CreatedAt:           s.CreatedAt.Unix(),
	}
}
