package ledger

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	escrow "github.com/x402-labs/escrow"
	"github.com/x402-labs/escrow/settle"
)

// Reclaim returns all unused available funds to the payer and closes the
// session. Only single-session reclaim exists; batching across sessions
// would break the operator-authorization binding of the void call.
//
// The move available -> reclaimed is committed before the on-chain void
// and compensated if the void fails. Funds already in pending belong to
// in-flight debits and are never reclaimed; they resolve through Capture.
//
// Idempotent: a session already voided returns success with amount 0.
func (l *Ledger) Reclaim(ctx context.Context, sessionID string) (*escrow.TxRefResponse, error) {
	now := time.Now().UTC()

	var (
		amount      *big.Int
		priorStatus Status
		alreadyDone bool
		payer       string
		salt        string
		voidTx      string
	)

	committed, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		if s.Status == StatusVoided {
			alreadyDone = true
			voidTx = s.Transactions.VoidTx
			return nil
		}
		if now.After(s.RefundExpiry) {
			return escrow.NewStateConflict(escrow.ReasonRefundWindowClosed,
				"refund window for session %s closed at %s", s.ID, s.RefundExpiry.Format(time.RFC3339))
		}
		if s.Status == StatusCaptured {
			return escrow.NewStateConflict(escrow.ReasonSessionNotActive,
				"session %s is captured", s.ID)
		}
		if !s.DepositConfirmed {
			return escrow.NewStateConflict(escrow.ReasonDepositUnconfirmed,
				"deposit for session %s is not confirmed", s.ID)
		}
		if s.Balance.Available.Sign() == 0 {
			return escrow.NewStateConflict(escrow.ReasonNothingToReclaim,
				"session %s has no available funds", s.ID)
		}

		amount = new(big.Int).Set(s.Balance.Available)
		priorStatus = s.Status
		payer = s.Payer
		salt = s.Salt

		s.Balance.Available.SetInt64(0)
		s.Balance.Reclaimed.Add(s.Balance.Reclaimed, amount)
		s.Status = StatusVoided
		return nil
	})
	if err == ErrSessionNotFound {
		return nil, escrow.NewNotFound("session", sessionID)
	}
	if err != nil {
		return nil, err
	}
	if alreadyDone {
		return &escrow.TxRefResponse{
			SessionID:   sessionID,
			Transaction: voidTx,
			Amount:      "0",
		}, nil
	}

	cfg, err := l.networks.Get(committed.Network)
	if err != nil {
		l.compensateReclaim(sessionID, amount, priorStatus)
		return nil, err
	}

	txID, err := l.settler.Void(ctx, settle.VoidRequest{
		Network: cfg,
		Payer:   payer,
		Salt:    salt,
		Amount:  amount,
	})
	if err != nil {
		l.compensateReclaim(sessionID, amount, priorStatus)
		return nil, escrow.NewSettlementFailed("void", err)
	}

	if _, err := l.store.Update(ctx, sessionID, func(s *Session) error {
		s.Transactions.VoidTx = txID
		return nil
	}); err != nil {
		l.logger.Error("failed to record void transaction",
			zap.String("sessionId", sessionID),
			zap.String("txHash", txID),
			zap.Error(err),
		)
	}

	l.logger.Info("session reclaimed",
		zap.String("sessionId", sessionID),
		zap.String("amount", amount.String()),
		zap.String("txHash", txID),
	)
	return &escrow.TxRefResponse{
		SessionID:   sessionID,
		Transaction: txID,
		Amount:      escrow.FormatAmount(amount),
	}, nil
}

// compensateReclaim undoes a reclaim whose on-chain void failed.
func (l *Ledger) compensateReclaim(sessionID string, amount *big.Int, priorStatus Status) {
	_, err := l.store.Update(context.Background(), sessionID, func(s *Session) error {
		s.Balance.Reclaimed.Sub(s.Balance.Reclaimed, amount)
		s.Balance.Available.Add(s.Balance.Available, amount)
		s.Status = priorStatus
		return nil
	})
	if err != nil {
		l.logger.Error("reclaim compensation failed",
			zap.String("sessionId", sessionID),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
	}
}
