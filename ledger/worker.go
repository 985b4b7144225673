package ledger

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	escrow "github.com/x402-labs/escrow"
)

// CaptureJob is one deferred settlement. A nil Amount captures all pending.
type CaptureJob struct {
	SessionID string
	Amount    *big.Int
}

// CaptureWorker drains deferred capture jobs. Captures routed here passed
// the timing policy in ScheduleCapture; anything urgent settles inline
// and never reaches the queue.
type CaptureWorker struct {
	ledger *Ledger
	jobs   chan CaptureJob
	logger *zap.Logger
	done   chan struct{}
}

func NewCaptureWorker(ledger *Ledger, queueSize int, logger *zap.Logger) *CaptureWorker {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &CaptureWorker{
		ledger: ledger,
		jobs:   make(chan CaptureJob, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Queue exposes the job channel for ScheduleCapture.
func (w *CaptureWorker) Queue() chan<- CaptureJob {
	return w.jobs
}

// Start runs the worker until ctx is cancelled. Jobs still queued at
// cancellation are settled before the worker stops; a job accepted into
// the queue is never dropped.
func (w *CaptureWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				w.drain()
				return
			case job := <-w.jobs:
				w.run(job)
			}
		}
	}()
}

func (w *CaptureWorker) drain() {
	for {
		select {
		case job := <-w.jobs:
			w.run(job)
		default:
			return
		}
	}
}

// Wait blocks until the worker has stopped.
func (w *CaptureWorker) Wait() {
	<-w.done
}

func (w *CaptureWorker) run(job CaptureJob) {
	_, err := w.ledger.Capture(context.Background(), job.SessionID, job.Amount)
	if err != nil {
		// Settlement failures are retryable; state was compensated.
		if escrow.CodeOf(err) == escrow.ErrCodeSettlementFailed {
			w.logger.Warn("deferred capture failed, will retry on next schedule",
				zap.String("sessionId", job.SessionID),
				zap.Error(err),
			)
			return
		}
		w.logger.Error("deferred capture rejected",
			zap.String("sessionId", job.SessionID),
			zap.Error(err),
		)
	}
}
