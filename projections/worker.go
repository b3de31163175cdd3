package projections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nightjar-co/boardview/events"
	"github.com/sirupsen/logrus"
)

// ErrHandlerTimeout marks a handler that exceeded its execution budget. The
// condition is transient: the envelope is retried like any other failure.
var ErrHandlerTimeout = errors.New("handler timed out")

// Worker is one subscriber's consumption loop. It pulls envelopes for the
// subscriber's category in global position order, suppresses duplicate
// deliveries through per-aggregate checkpoints, and applies each envelope in
// its own transaction. Envelopes are processed one at a time in delivery
// order, which preserves per-aggregate ordering without locks.
type Worker struct {
	storage        Storage
	source         EventSource
	sub            *Subscriber
	log            logrus.FieldLogger
	batchSize      int
	handlerTimeout time.Duration
	maxRetries     uint64
	retryInterval  time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithBatchSize sets how many envelopes one poll may return. Values below 1
// are clamped to 1, since a zero limit would poll nothing forever.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n < 1 {
			n = 1
		}
		w.batchSize = n
	}
}

// WithHandlerTimeout bounds a single handler invocation, including its
// resolver and store calls.
func WithHandlerTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.handlerTimeout = d }
}

// WithMaxRetries sets how many times a failing envelope is retried before it
// is parked as a dead letter.
func WithMaxRetries(n uint64) WorkerOption {
	return func(w *Worker) { w.maxRetries = n }
}

// WithRetryInterval sets the initial backoff interval between retries.
func WithRetryInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.retryInterval = d }
}

// WithLogger sets the worker's logger.
func WithLogger(log logrus.FieldLogger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// NewWorker creates a worker for the subscriber. Storage and source are
// usually NewStorage and NewPoller over the same store.
func NewWorker(storage Storage, source EventSource, sub *Subscriber, opts ...WorkerOption) *Worker {
	w := &Worker{
		storage:        storage,
		source:         source,
		sub:            sub,
		log:            logrus.StandardLogger(),
		batchSize:      100,
		handlerTimeout: 10 * time.Second,
		maxRetries:     5,
		retryInterval:  100 * time.Millisecond,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Subscriber returns the subscriber this worker consumes for.
func (w *Worker) Subscriber() *Subscriber { return w.sub }

// ProcessBatch polls for envelopes after the subscriber's cursor and applies
// them. Returns the number of envelopes polled so callers can decide whether
// to keep draining. The cursor only advances past fully processed envelopes,
// so an aborted batch resumes where it stopped.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	name := w.sub.Name()

	pos, status, err := w.storage.Checkpoints().Cursor(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("worker %s: load cursor: %w", name, err)
	}
	if status != StatusRunning {
		return 0, nil
	}

	envs, err := w.source.Poll(ctx, w.sub.Category(), pos, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("worker %s: poll: %w", name, err)
	}
	if len(envs) == 0 {
		return 0, nil
	}

	processed := pos
	for _, env := range envs {
		if err := w.processEnvelope(ctx, env); err != nil {
			if processed > pos {
				_ = w.storage.Checkpoints().SaveCursor(ctx, name, processed)
			}
			return 0, fmt.Errorf("worker %s: %w", name, err)
		}
		processed = env.GlobalPosition
	}

	if err := w.storage.Checkpoints().SaveCursor(ctx, name, processed); err != nil {
		return 0, fmt.Errorf("worker %s: save cursor: %w", name, err)
	}
	return len(envs), nil
}

// processEnvelope applies one envelope with duplicate suppression and bounded
// retries. A nil return means the cursor may advance past the envelope: it was
// applied, skipped, suppressed, or parked. A non-nil return aborts the batch
// (store unavailable or shutdown) and the envelope is re-polled later.
func (w *Worker) processEnvelope(ctx context.Context, env events.Envelope) error {
	fn := w.sub.Handler(env.Type)
	if fn == nil {
		return nil
	}

	name := w.sub.Name()
	last, err := w.storage.Checkpoints().LastApplied(ctx, name, env.AggregateID)
	if err != nil {
		return err
	}
	if env.SequenceNo <= last {
		w.log.WithFields(logrus.Fields{
			"subscriber":   name,
			"aggregate_id": env.AggregateID,
			"sequence_no":  env.SequenceNo,
		}).Debug("duplicate delivery suppressed")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.retryInterval
	bo.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(bo, w.maxRetries), ctx)

	err = backoff.Retry(func() error {
		return w.applyOnce(ctx, env, fn)
	}, retry)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Retries exhausted: park the envelope for manual replay and move on so
	// one poison envelope cannot stall the subscriber forever.
	if perr := w.storage.DeadLetters().Park(ctx, name, env, err); perr != nil {
		return perr
	}
	w.log.WithFields(logrus.Fields{
		"subscriber":   name,
		"aggregate_id": env.AggregateID,
		"sequence_no":  env.SequenceNo,
		"event_type":   env.Type,
	}).WithError(err).Error("envelope parked after retries exhausted")
	return nil
}

// applyOnce runs the handler and the checkpoint advance in one transaction.
func (w *Worker) applyOnce(ctx context.Context, env events.Envelope, fn HandlerFunc) error {
	txn, err := w.storage.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback(ctx)

	hctx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
	err = fn(hctx, env, txn.Documents())
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %s", ErrHandlerTimeout, w.handlerTimeout, env.Type)
		}
		return err
	}

	if err := txn.Checkpoints().SaveLastApplied(ctx, w.sub.Name(), env.AggregateID, env.SequenceNo); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

// ReplayDeadLetters re-applies the subscriber's parked envelopes and removes
// the ones that succeed. Replay happens outside the live stream: envelopes for
// the same aggregate may have been applied since parking, so replaying an old
// envelope can briefly regress denormalized values until handlers converge.
// Intended for operator use after the underlying fault is fixed.
func (w *Worker) ReplayDeadLetters(ctx context.Context) (int, error) {
	name := w.sub.Name()
	parked, err := w.storage.DeadLetters().List(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("worker %s: %w", name, err)
	}

	replayed := 0
	for _, d := range parked {
		fn := w.sub.Handler(d.Envelope.Type)
		if fn != nil {
			if err := w.applyOnce(ctx, d.Envelope, fn); err != nil {
				return replayed, fmt.Errorf("worker %s: replay %s/%d: %w", name, d.Envelope.AggregateID, d.Envelope.SequenceNo, err)
			}
		}
		if err := w.storage.DeadLetters().Remove(ctx, name, d.Envelope.Category, d.Envelope.AggregateID, d.Envelope.SequenceNo); err != nil {
			return replayed, fmt.Errorf("worker %s: %w", name, err)
		}
		replayed++
	}
	return replayed, nil
}
