package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/networks"
	"github.com/x402-labs/escrow/nonce"
	"github.com/x402-labs/escrow/settle"
)

// DefaultSyncSettleThreshold is the cutoff below which a capture must
// settle synchronously: when the authorization window has less than this
// much time left, deferring risks losing already-earned funds.
const DefaultSyncSettleThreshold = 30 * time.Minute

// Config tunes the ledger's settlement policy.
type Config struct {
	// Operator identifies the facilitator submitting on-chain operations.
	Operator string
	// SyncSettleThreshold overrides DefaultSyncSettleThreshold when > 0.
	SyncSettleThreshold time.Duration
}

// Ledger coordinates session state, the single-use token store and the
// on-chain settler. All balance invariants are enforced inside Store
// updates; the settler is only ever invoked around a committed move, with
// compensation on failure.
type Ledger struct {
	store    Store
	nonces   nonce.Store
	networks *networks.Registry
	settler  settle.Settler
	logger   *zap.Logger

	operator      string
	syncThreshold time.Duration
}

func New(store Store, nonces nonce.Store, registry *networks.Registry, settler settle.Settler, logger *zap.Logger, cfg Config) *Ledger {
	threshold := cfg.SyncSettleThreshold
	if threshold <= 0 {
		threshold = DefaultSyncSettleThreshold
	}
	return &Ledger{
		store:         store,
		nonces:        nonces,
		networks:      registry,
		settler:       settler,
		logger:        logger,
		operator:      cfg.Operator,
		syncThreshold: threshold,
	}
}

// CreateSession opens a session from a verified creation payload. The
// authorization nonce is atomically claimed first; a replayed or expired
// nonce fails the whole operation with no session created. The deposit
// transaction is submitted in the background; the session is usable for
// debits immediately, while capture and reclaim wait for confirmation.
func (l *Ledger) CreateSession(ctx context.Context, network escrow.Network, payload escrow.CreationPayload, receiver string) (*escrow.CreationResponse, error) {
	cfg, err := l.networks.Get(network)
	if err != nil {
		return nil, err
	}

	deposit, err := escrow.ParseAmount(payload.Authorization.Value)
	if err != nil {
		return nil, escrow.NewValidationError("invalid deposit amount: %v", err)
	}
	if err := cfg.ValidateDeposit(deposit); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	authExpiry := time.Unix(payload.SessionParams.AuthorizationExpiry, 0).UTC()
	refundExpiry := time.Unix(payload.SessionParams.RefundExpiry, 0).UTC()
	if !authExpiry.After(now) {
		return nil, escrow.NewValidationError("authorizationExpiry is in the past")
	}
	if !refundExpiry.After(authExpiry) {
		return nil, escrow.NewValidationError("refundExpiry must be after authorizationExpiry")
	}
	validBefore, err := strconv.ParseInt(payload.Authorization.ValidBefore, 10, 64)
	if err != nil {
		return nil, escrow.NewValidationError("invalid validBefore: %v", err)
	}
	if validBefore <= now.Unix() {
		return nil, escrow.NewValidationError("authorization validBefore is in the past")
	}

	if err := settle.VerifyAuthorization(payload.Authorization, payload.Signature, cfg); err != nil {
		return nil, err
	}

	// Claim the authorization nonce before any state is created. The
	// register-then-claim pair means exactly one of N concurrent creates
	// with the same nonce opens a session.
	nonceTTL := time.Until(time.Unix(validBefore, 0))
	if err := l.nonces.Register(ctx, nonce.ScopeAuthorization, payload.Authorization.Nonce, nonceTTL); err != nil {
		return nil, fmt.Errorf("failed to register authorization nonce: %w", err)
	}
	claim, err := l.nonces.Claim(ctx, payload.Authorization.Nonce, payload.Authorization.From, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim authorization nonce: %w", err)
	}
	if err := claim.Err(); err != nil {
		return nil, err
	}

	token, tokenHash, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:                  uuid.NewString(),
		Payer:               payload.Authorization.From,
		Receiver:            receiver,
		Operator:            l.operator,
		Network:             network,
		Salt:                payload.SessionParams.Salt,
		TokenHash:           tokenHash,
		AuthorizationExpiry: authExpiry,
		RefundExpiry:        refundExpiry,
		Status:              StatusActive,
		CreatedAt:           now,
		Balance:             NewBalance(deposit),
		Debits:              make(map[string]*DebitRecord),
	}
	if err := l.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	l.logger.Info("session created",
		zap.String("sessionId", sess.ID),
		zap.String("network", string(network)),
		zap.String("payer", sess.Payer),
		zap.String("deposit", deposit.String()),
	)

	go l.submitDeposit(cfg, sess.ID, payload)

	return &escrow.CreationResponse{
		Session: sess.View(now),
		Token:   token,
	}, nil
}

// submitDeposit runs the on-chain deposit and attaches the transaction id
// once confirmed. The session stays optimistically usable meanwhile.
func (l *Ledger) submitDeposit(cfg networks.Config, sessionID string, payload escrow.CreationPayload) {
	ctx := context.Background()
	txID, err := l.settler.Deposit(ctx, settle.DepositRequest{
		Network:       cfg,
		Authorization: payload.Authorization,
		Signature:     payload.Signature,
		Salt:          payload.SessionParams.Salt,
	})
	if err != nil {
		l.logger.Error("deposit submission failed",
			zap.String("sessionId", sessionID),
			zap.Error(err),
		)
		return
	}
	if err := l.ConfirmDeposit(ctx, sessionID, txID); err != nil {
		l.logger.Error("deposit confirmation failed",
			zap.String("sessionId", sessionID),
			zap.Error(err),
		)
	}
}

// ConfirmDeposit attaches the mined authorization transaction, enabling
// capture and reclaim.
func (l *Ledger) ConfirmDeposit(ctx context.Context, sessionID, txID string) error {
	_, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		s.DepositConfirmed = true
		s.Transactions.AuthorizeTx = txID
		return nil
	})
	if err == ErrSessionNotFound {
		return escrow.NewNotFound("session", sessionID)
	}
	return err
}

// DebitRequest is one usage charge against a session.
type DebitRequest struct {
	SessionID   string
	Token       string
	Amount      *big.Int
	RequestID   string
	Description string
}

// Debit atomically spends from available into pending. Idempotent by
// request id: a replay returns the original receipt without a second
// balance move.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (*escrow.ReceiptView, error) {
	if req.RequestID == "" {
		return nil, escrow.NewValidationError("requestId is required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, escrow.NewValidationError("amount must be positive")
	}

	now := time.Now().UTC()
	var receipt escrow.ReceiptView
	_, err := l.store.Update(ctx, req.SessionID, func(s *Session) error {
		if !tokenMatches(s.TokenHash, req.Token) {
			return escrow.NewAuthenticationError(escrow.ReasonBadSessionToken, "session token mismatch")
		}
		if prior, ok := s.Debits[req.RequestID]; ok {
			receipt = prior.View()
			return nil
		}
		if status := s.EffectiveStatus(now); status != StatusActive {
			return escrow.NewStateConflict(escrow.ReasonSessionNotActive,
				"session %s is %s", s.ID, status)
		}
		if s.Balance.Available.Cmp(req.Amount) < 0 {
			return escrow.NewStateConflict(escrow.ReasonInsufficientBalance,
				"available %s is less than %s", s.Balance.Available, req.Amount)
		}

		s.Balance.Available.Sub(s.Balance.Available, req.Amount)
		s.Balance.Pending.Add(s.Balance.Pending, req.Amount)

		record := &DebitRecord{
			ID:          uuid.NewString(),
			SessionID:   s.ID,
			Amount:      new(big.Int).Set(req.Amount),
			RequestID:   req.RequestID,
			Description: req.Description,
			CreatedAt:   now,
		}
		s.Debits[req.RequestID] = record
		receipt = record.View()
		return nil
	})
	if err == ErrSessionNotFound {
		return nil, escrow.NewNotFound("session", req.SessionID)
	}
	if err != nil {
		return nil, err
	}

	l.logger.Debug("debit applied",
		zap.String("sessionId", req.SessionID),
		zap.String("requestId", req.RequestID),
		zap.String("amount", req.Amount.String()),
	)
	return &receipt, nil
}

// Capture settles pending funds on-chain. The move pending -> captured is
// committed first so no reader ever observes an unconserved balance; if
// the on-chain settlement then fails, the amount is compensated back to
// available rather than silently lost. A nil amount captures all pending.
func (l *Ledger) Capture(ctx context.Context, sessionID string, amount *big.Int) (*escrow.TxRefResponse, error) {
	var (
		captured  *big.Int
		wasActive Status
		cfg       networks.Config
		payer     string
		salt      string
	)

	committed, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		if s.Status != StatusActive {
			return escrow.NewStateConflict(escrow.ReasonSessionNotActive,
				"session %s is %s", s.ID, s.Status)
		}
		if !s.DepositConfirmed {
			return escrow.NewStateConflict(escrow.ReasonDepositUnconfirmed,
				"deposit for session %s is not confirmed", s.ID)
		}

		amt := amount
		if amt == nil {
			amt = new(big.Int).Set(s.Balance.Pending)
		}
		if amt.Sign() <= 0 {
			return escrow.NewValidationError("nothing to capture")
		}
		if s.Balance.Pending.Cmp(amt) < 0 {
			return escrow.NewStateConflict(escrow.ReasonInsufficientBalance,
				"pending %s is less than %s", s.Balance.Pending, amt)
		}

		s.Balance.Pending.Sub(s.Balance.Pending, amt)
		s.Balance.Captured.Add(s.Balance.Captured, amt)
		wasActive = s.Status
		if s.Balance.Pending.Sign() == 0 && s.Balance.Available.Sign() == 0 {
			s.Status = StatusCaptured
		}

		captured = new(big.Int).Set(amt)
		payer = s.Payer
		salt = s.Salt
		return nil
	})
	if err == ErrSessionNotFound {
		return nil, escrow.NewNotFound("session", sessionID)
	}
	if err != nil {
		return nil, err
	}

	cfg, err = l.networks.Get(committed.Network)
	if err != nil {
		l.compensateCapture(sessionID, captured, wasActive)
		return nil, err
	}

	txID, err := l.settler.Capture(ctx, settle.CaptureRequest{
		Network: cfg,
		Payer:   payer,
		Salt:    salt,
		Amount:  captured,
	})
	if err != nil {
		l.compensateCapture(sessionID, captured, wasActive)
		return nil, escrow.NewSettlementFailed("capture", err)
	}

	if _, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		s.Transactions.CaptureTxs = append(s.Transactions.CaptureTxs, txID)
		return nil
	}); err != nil {
		l.logger.Error("failed to record capture transaction",
			zap.String("sessionId", sessionID),
			zap.String("txHash", txID),
			zap.Error(err),
		)
	}

	l.logger.Info("capture settled",
		zap.String("sessionId", sessionID),
		zap.String("amount", captured.String()),
		zap.String("txHash", txID),
	)
	return &escrow.TxRefResponse{
		SessionID:   sessionID,
		Transaction: txID,
		Amount:      escrow.FormatAmount(captured),
	}, nil
}

// compensateCapture returns a failed capture's amount to available, per
// the rule that a failed settlement must never leave funds dangling.
func (l *Ledger) compensateCapture(sessionID string, amount *big.Int, priorStatus Status) {
	_, err := l.store.Update(context.Background(), sessionID, func(s *Session) error {
		s.Balance.Captured.Sub(s.Balance.Captured, amount)
		s.Balance.Available.Add(s.Balance.Available, amount)
		s.Status = priorStatus
		return nil
	})
	if err != nil {
		l.logger.Error("capture compensation failed",
			zap.String("sessionId", sessionID),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
	}
}

// ScheduleCapture applies the settlement timing policy: captures on
// sessions whose authorization window is nearly over settle synchronously;
// everything else may be handed to the deferred queue.
func (l *Ledger) ScheduleCapture(ctx context.Context, sessionID string, amount *big.Int, queue chan<- CaptureJob) (*escrow.TxRefResponse, error) {
	sess, err := l.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	remaining := time.Until(sess.AuthorizationExpiry)
	if remaining < l.syncThreshold || queue == nil {
		return l.Capture(ctx, sessionID, amount)
	}

	job := CaptureJob{SessionID: sessionID}
	if amount != nil {
		job.Amount = new(big.Int).Set(amount)
	}
	select {
	case queue <- job:
		return &escrow.TxRefResponse{SessionID: sessionID, Amount: escrow.FormatAmount(amount)}, nil
	default:
		// Queue is full; settle now rather than drop the job.
		return l.Capture(ctx, sessionID, amount)
	}
}

// GetSession returns a snapshot of one session.
func (l *Ledger) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := l.store.Get(ctx, id)
	if err == ErrSessionNotFound {
		return nil, escrow.NewNotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListByPayer returns the payer's sessions filtered by effective status.
// An empty filter returns everything.
func (l *Ledger) ListByPayer(ctx context.Context, payer, statusFilter string) ([]escrow.SessionView, error) {
	sessions, err := l.store.ListByPayer(ctx, payer)
	if err != nil {
		return nil, err
	}
	return filterViews(sessions, statusFilter)
}

// ListByReceiver returns the receiver's sessions filtered by effective status.
func (l *Ledger) ListByReceiver(ctx context.Context, receiver, statusFilter string) ([]escrow.SessionView, error) {
	sessions, err := l.store.ListByReceiver(ctx, receiver)
	if err != nil {
		return nil, err
	}
	return filterViews(sessions, statusFilter)
}

// filterViews projects sessions through the effective status resolver, so
// a stored-active session past its window is excluded from an "active"
// filter and included in an "expired" one.
func filterViews(sessions []*Session, statusFilter string) ([]escrow.SessionView, error) {
	if statusFilter != "" && !ValidFilter(statusFilter) {
		return nil, escrow.NewValidationError("unknown status filter: %s", statusFilter)
	}
	now := time.Now().UTC()
	views := make([]escrow.SessionView, 0, len(sessions))
	for _, s := range sessions {
		if statusFilter != "" && s.EffectiveStatus(now) != Status(statusFilter) {
			continue
		}
		views = append(views, s.View(now))
	}
	return views, nil
}

func newSessionToken() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(storedHash, token string) bool {
	if token == "" {
		return false
	}
	candidate := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1
}
