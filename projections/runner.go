package projections

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightjar-co/boardview"
	"github.com/sirupsen/logrus"
)

// Runner drives one worker per registered subscriber, each in its own
// goroutine with no shared mutable state beyond the database. A PostgreSQL
// advisory lock per subscriber name keeps a single writer per subscriber
// across processes. Run blocks until the context is cancelled.
type Runner struct {
	store        *boardview.Store
	reg          *Registry
	log          logrus.FieldLogger
	pollInterval time.Duration
	workerOpts   []WorkerOption
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollInterval sets the fallback poll interval used when LISTEN/NOTIFY
// wakeups are missed or unavailable.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollInterval = d }
}

// WithRunnerLogger sets the runner's logger, propagated to its workers.
func WithRunnerLogger(log logrus.FieldLogger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithWorkerOptions passes options through to every worker.
func WithWorkerOptions(opts ...WorkerOption) RunnerOption {
	return func(r *Runner) { r.workerOpts = append(r.workerOpts, opts...) }
}

// NewRunner creates a runner over the registry's subscribers.
func NewRunner(store *boardview.Store, reg *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:        store,
		reg:          reg,
		log:          logrus.StandardLogger(),
		pollInterval: 2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run consumes until ctx is cancelled. Worker failures are logged and retried
// on the next poll; they never stop sibling subscribers.
func (r *Runner) Run(ctx context.Context) error {
	storage := NewStorage(r.store)

	var wg sync.WaitGroup
	for _, sub := range r.reg.Subscribers() {
		opts := append([]WorkerOption{WithLogger(r.log)}, r.workerOpts...)
		w := NewWorker(storage, NewPoller(r.store), sub, opts...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consume(ctx, w)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) consume(ctx context.Context, w *Worker) {
	name := w.Subscriber().Name()
	log := r.log.WithField("subscriber", name)

	lockConn := r.acquireLock(ctx, name, log)
	if lockConn == nil {
		return
	}
	defer r.releaseLock(lockConn, name, log)

	poller := NewPoller(r.store)
	log.WithField("category", w.Subscriber().Category()).Info("subscriber consuming")

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("batch failed, backing off")
		} else if n > 0 {
			continue // keep draining
		}

		r.waitForWork(ctx, poller)
	}
}

// waitForWork blocks until a notification arrives, the poll interval elapses,
// or the context is cancelled. Notification failures degrade to polling.
func (r *Runner) waitForWork(ctx context.Context, poller *Poller) {
	waitCtx, cancel := context.WithTimeout(ctx, r.pollInterval)
	defer cancel()
	_ = poller.WaitForNotification(waitCtx)
}

// acquireLock takes the subscriber's advisory lock on a dedicated connection
// and returns it. Advisory locks are session-scoped, so the connection must
// stay checked out of the pool for as long as the lock is held; unlocking
// happens on the same connection in releaseLock. Retries on the poll interval
// and returns nil once ctx is cancelled.
func (r *Runner) acquireLock(ctx context.Context, name string, log logrus.FieldLogger) *pgxpool.Conn {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := r.store.PgxPool().Acquire(ctx)
		if err != nil {
			log.WithError(err).Warn("acquire lock conn")
		} else {
			var acquired bool
			err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockHash(name)).Scan(&acquired)
			if err == nil && acquired {
				return conn
			}
			conn.Release()
			if err != nil {
				log.WithError(err).Warn("acquire subscriber lock")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *Runner) releaseLock(conn *pgxpool.Conn, name string, log logrus.FieldLogger) {
	defer conn.Release()

	// the consume context is already cancelled at this point
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var released bool
	err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockHash(name)).Scan(&released)
	if err != nil {
		log.WithError(err).Warn(fmt.Sprintf("release subscriber lock %s", name))
	}
}

func lockHash(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
