package projections

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
)

// In-memory Storage for worker tests. Commit applies buffered writes; a
// rolled back txn leaves no trace, mirroring the transactional PostgreSQL
// implementation.
type memStorage struct {
	cp   *memCheckpoints
	dl   *memDeadLetters
	docs map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{
		cp:   &memCheckpoints{last: map[string]int{}, cursor: map[string]int64{}, status: map[string]string{}},
		dl:   &memDeadLetters{},
		docs: map[string][]byte{},
	}
}

func (s *memStorage) Checkpoints() Checkpoints { return s.cp }
func (s *memStorage) DeadLetters() DeadLetters { return s.dl }

func (s *memStorage) Begin(ctx context.Context) (Txn, error) {
	return &memTxn{storage: s, staged: map[string][]byte{}, deleted: map[string]bool{}, cp: map[string]int{}}, nil
}

type memTxn struct {
	storage   *memStorage
	staged    map[string][]byte
	deleted   map[string]bool
	cp        map[string]int
	committed bool
}

func (t *memTxn) Documents() DocumentStore { return &memTxnDocs{t} }
func (t *memTxn) Checkpoints() Checkpoints { return &memTxnCheckpoints{t} }

func (t *memTxn) Commit(ctx context.Context) error {
	for k, v := range t.staged {
		t.storage.docs[k] = v
	}
	for k := range t.deleted {
		delete(t.storage.docs, k)
	}
	for k, seq := range t.cp {
		if seq > t.storage.cp.last[k] {
			t.storage.cp.last[k] = seq
		}
	}
	t.committed = true
	return nil
}

func (t *memTxn) Rollback(ctx context.Context) error { return nil }

type memTxnDocs struct{ txn *memTxn }

func docKey(collection, id string) string { return collection + "/" + id }

func (d *memTxnDocs) Get(ctx context.Context, collection, id string) ([]byte, error) {
	k := docKey(collection, id)
	if d.txn.deleted[k] {
		return nil, nil
	}
	if data, ok := d.txn.staged[k]; ok {
		return data, nil
	}
	return d.txn.storage.docs[k], nil
}

func (d *memTxnDocs) Upsert(ctx context.Context, collection, id string, data []byte) error {
	k := docKey(collection, id)
	delete(d.txn.deleted, k)
	d.txn.staged[k] = data
	return nil
}

func (d *memTxnDocs) Delete(ctx context.Context, collection, id string) error {
	k := docKey(collection, id)
	delete(d.txn.staged, k)
	d.txn.deleted[k] = true
	return nil
}

type memCheckpoints struct {
	last   map[string]int
	cursor map[string]int64
	status map[string]string
}

func cpKey(subscriber string, id uuid.UUID) string { return subscriber + "/" + id.String() }

func (c *memCheckpoints) LastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID) (int, error) {
	return c.last[cpKey(subscriber, aggregateID)], nil
}

func (c *memCheckpoints) SaveLastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID, seq int) error {
	k := cpKey(subscriber, aggregateID)
	if seq > c.last[k] {
		c.last[k] = seq
	}
	return nil
}

func (c *memCheckpoints) Cursor(ctx context.Context, subscriber string) (int64, string, error) {
	status, ok := c.status[subscriber]
	if !ok {
		status = StatusRunning
	}
	return c.cursor[subscriber], status, nil
}

func (c *memCheckpoints) SaveCursor(ctx context.Context, subscriber string, position int64) error {
	if position > c.cursor[subscriber] {
		c.cursor[subscriber] = position
	}
	return nil
}

func (c *memCheckpoints) SetStatus(ctx context.Context, subscriber, status string) error {
	c.status[subscriber] = status
	return nil
}

type memTxnCheckpoints struct{ txn *memTxn }

func (c *memTxnCheckpoints) LastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID) (int, error) {
	k := cpKey(subscriber, aggregateID)
	if seq, ok := c.txn.cp[k]; ok {
		return seq, nil
	}
	return c.txn.storage.cp.last[k], nil
}

func (c *memTxnCheckpoints) SaveLastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID, seq int) error {
	c.txn.cp[cpKey(subscriber, aggregateID)] = seq
	return nil
}

func (c *memTxnCheckpoints) Cursor(ctx context.Context, subscriber string) (int64, string, error) {
	return c.txn.storage.cp.Cursor(ctx, subscriber)
}

func (c *memTxnCheckpoints) SaveCursor(ctx context.Context, subscriber string, position int64) error {
	return c.txn.storage.cp.SaveCursor(ctx, subscriber, position)
}

func (c *memTxnCheckpoints) SetStatus(ctx context.Context, subscriber, status string) error {
	return c.txn.storage.cp.SetStatus(ctx, subscriber, status)
}

type memDeadLetters struct {
	parked []DeadLetter
}

func (d *memDeadLetters) Park(ctx context.Context, subscriber string, env events.Envelope, cause error) error {
	for _, p := range d.parked {
		if p.Subscriber == subscriber && p.Envelope.AggregateID == env.AggregateID && p.Envelope.SequenceNo == env.SequenceNo {
			return nil
		}
	}
	d.parked = append(d.parked, DeadLetter{Subscriber: subscriber, Envelope: env, Reason: cause.Error(), ParkedAt: time.Now()})
	return nil
}

func (d *memDeadLetters) List(ctx context.Context, subscriber string) ([]DeadLetter, error) {
	var out []DeadLetter
	for _, p := range d.parked {
		if p.Subscriber == subscriber {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *memDeadLetters) Remove(ctx context.Context, subscriber string, category events.Category, aggregateID uuid.UUID, seq int) error {
	kept := d.parked[:0]
	for _, p := range d.parked {
		if p.Subscriber == subscriber && p.Envelope.Category == category && p.Envelope.AggregateID == aggregateID && p.Envelope.SequenceNo == seq {
			continue
		}
		kept = append(kept, p)
	}
	d.parked = kept
	return nil
}

type memEventSource struct {
	envs []events.Envelope
}

func (s *memEventSource) Poll(ctx context.Context, category events.Category, afterPosition int64, limit int) ([]events.Envelope, error) {
	var out []events.Envelope
	for _, e := range s.envs {
		if e.Category != category || e.GlobalPosition <= afterPosition {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func mkEnv(category events.Category, id uuid.UUID, seq int, eventType string, pos int64) events.Envelope {
	return events.Envelope{
		Category:       category,
		AggregateID:    id,
		SequenceNo:     seq,
		Type:           eventType,
		Payload:        []byte(`{}`),
		GlobalPosition: pos,
	}
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestWorker_ProcessesBatchAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", agg, 1, "ProjectCreatedEvent", 1),
		mkEnv("project", agg, 2, "TagCreatedEvent", 2),
	}}

	var applied []string
	sub := NewSubscriber("project", "tags::project-tags")
	for _, et := range []string{"ProjectCreatedEvent", "TagCreatedEvent"} {
		if err := sub.On(et, func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
			applied = append(applied, env.Type)
			return docs.Upsert(ctx, "project_tags", env.AggregateID.String(), []byte(`{"n":1}`))
		}); err != nil {
			t.Fatalf("on: %v", err)
		}
	}

	w := NewWorker(storage, source, sub, WithLogger(quietLogger()))
	n, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed %d envelopes, want 2", n)
	}
	if len(applied) != 2 || applied[0] != "ProjectCreatedEvent" || applied[1] != "TagCreatedEvent" {
		t.Errorf("applied order: %v", applied)
	}

	pos, _, err := storage.cp.Cursor(ctx, sub.Name())
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if pos != 2 {
		t.Errorf("cursor: got %d, want 2", pos)
	}
	last, _ := storage.cp.LastApplied(ctx, sub.Name(), agg)
	if last != 2 {
		t.Errorf("checkpoint: got %d, want 2", last)
	}
	if storage.docs[docKey("project_tags", agg.String())] == nil {
		t.Error("document write not committed")
	}
}

func TestWorker_SkipsUnhandledEventTypes(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", agg, 1, "ProjectCreatedEvent", 1),
		mkEnv("project", agg, 2, "UnrelatedEvent", 2),
	}}

	calls := 0
	sub := NewSubscriber("project", "test")
	if err := sub.On("ProjectCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub, WithLogger(quietLogger()))
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if calls != 1 {
		t.Errorf("handler calls: got %d, want 1", calls)
	}
	pos, _, _ := storage.cp.Cursor(ctx, "test")
	if pos != 2 {
		t.Errorf("cursor should advance past unhandled envelope: got %d, want 2", pos)
	}
}

func TestWorker_SuppressesDuplicateDeliveries(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	env := mkEnv("project", agg, 1, "ProjectCreatedEvent", 1)
	source := &memEventSource{envs: []events.Envelope{env}}

	calls := 0
	sub := NewSubscriber("project", "test")
	if err := sub.On("ProjectCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub, WithLogger(quietLogger()))
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// Simulate redelivery: rewind the cursor but keep the checkpoint.
	storage.cp.cursor["test"] = 0
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	if calls != 1 {
		t.Errorf("handler calls: got %d, want 1 (duplicate must be suppressed)", calls)
	}
}

func TestWorker_ParksAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", agg, 1, "TagAssignedToTaskEvent", 1),
		mkEnv("project", agg, 2, "TagCreatedEvent", 2),
	}}

	attempts := 0
	sub := NewSubscriber("project", "test")
	if err := sub.On("TagAssignedToTaskEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		attempts++
		return fmt.Errorf("resolve tag: %w", boardview.ErrReferenceNotFound)
	}); err != nil {
		t.Fatalf("on: %v", err)
	}
	applied := false
	if err := sub.On("TagCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		applied = true
		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub,
		WithMaxRetries(2),
		WithRetryInterval(time.Millisecond),
		WithLogger(quietLogger()),
	)
	n, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed %d envelopes, want 2", n)
	}

	if attempts != 3 {
		t.Errorf("attempts: got %d, want 3 (initial + 2 retries)", attempts)
	}
	parked, _ := storage.dl.List(ctx, "test")
	if len(parked) != 1 {
		t.Fatalf("parked: got %d, want 1", len(parked))
	}
	if parked[0].Envelope.SequenceNo != 1 {
		t.Errorf("parked sequence: got %d, want 1", parked[0].Envelope.SequenceNo)
	}
	if !applied {
		t.Error("later envelope should still be applied after parking")
	}

	// The parked envelope must not advance the per-aggregate checkpoint.
	last, _ := storage.cp.LastApplied(ctx, "test", agg)
	if last != 2 {
		t.Errorf("checkpoint: got %d, want 2 (only the applied envelope)", last)
	}
	pos, _, _ := storage.cp.Cursor(ctx, "test")
	if pos != 2 {
		t.Errorf("cursor: got %d, want 2", pos)
	}
}

func TestWorker_RetrySucceedsBeforeExhaustion(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", agg, 1, "UserAssignedToTaskEvent", 1),
	}}

	attempts := 0
	sub := NewSubscriber("project", "test")
	if err := sub.On("UserAssignedToTaskEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		attempts++
		if attempts < 3 {
			return boardview.ErrReferenceNotFound
		}
		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub,
		WithMaxRetries(5),
		WithRetryInterval(time.Millisecond),
		WithLogger(quietLogger()),
	)
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if attempts != 3 {
		t.Errorf("attempts: got %d, want 3", attempts)
	}
	if parked, _ := storage.dl.List(ctx, "test"); len(parked) != 0 {
		t.Errorf("parked: got %d, want 0", len(parked))
	}
	last, _ := storage.cp.LastApplied(ctx, "test", agg)
	if last != 1 {
		t.Errorf("checkpoint: got %d, want 1", last)
	}
}

func TestWorker_SkipsWhenStopped(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", uuid.New(), 1, "ProjectCreatedEvent", 1),
	}}

	calls := 0
	sub := NewSubscriber("project", "test")
	if err := sub.On("ProjectCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("on: %v", err)
	}
	if err := storage.cp.SetStatus(ctx, "test", StatusStopped); err != nil {
		t.Fatalf("set status: %v", err)
	}

	w := NewWorker(storage, source, sub, WithLogger(quietLogger()))
	n, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if n != 0 || calls != 0 {
		t.Errorf("stopped subscriber consumed: n=%d calls=%d", n, calls)
	}
}

func TestWorker_FailedHandlerWritesRollBack(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", agg, 1, "ProjectCreatedEvent", 1),
	}}

	sub := NewSubscriber("project", "test")
	if err := sub.On("ProjectCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		if err := docs.Upsert(ctx, "project_tags", env.AggregateID.String(), []byte(`{}`)); err != nil {
			return err
		}
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub,
		WithMaxRetries(1),
		WithRetryInterval(time.Millisecond),
		WithLogger(quietLogger()),
	)
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	if _, ok := storage.docs[docKey("project_tags", agg.String())]; ok {
		t.Error("writes of a failed handler must not be committed")
	}
}

func TestWorker_HandlerTimeout(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", uuid.New(), 1, "ProjectCreatedEvent", 1),
	}}

	sub := NewSubscriber("project", "test")
	if err := sub.On("ProjectCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub,
		WithHandlerTimeout(5*time.Millisecond),
		WithMaxRetries(1),
		WithRetryInterval(time.Millisecond),
		WithLogger(quietLogger()),
	)
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	parked, _ := storage.dl.List(ctx, "test")
	if len(parked) != 1 {
		t.Fatalf("parked: got %d, want 1", len(parked))
	}
}

func TestWorker_AbortsOnContextCancel(t *testing.T) {
	storage := newMemStorage()
	agg := uuid.New()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", agg, 1, "ProjectCreatedEvent", 1),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	sub := NewSubscriber("project", "test")
	if err := sub.On("ProjectCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		cancel()
		return errors.New("transient")
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub,
		WithMaxRetries(5),
		WithRetryInterval(time.Millisecond),
		WithLogger(quietLogger()),
	)
	if _, err := w.ProcessBatch(ctx); err == nil {
		t.Fatal("expected error on cancelled context")
	}

	// Shutdown is not a poison envelope: nothing may be parked.
	if parked, _ := storage.dl.List(context.Background(), "test"); len(parked) != 0 {
		t.Errorf("parked: got %d, want 0", len(parked))
	}
}

func TestWorker_ReplayDeadLetters(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	env := mkEnv("project", agg, 1, "UserAssignedToTaskEvent", 1)
	source := &memEventSource{envs: []events.Envelope{env}}

	fail := true
	sub := NewSubscriber("project", "test")
	if err := sub.On("UserAssignedToTaskEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		if fail {
			return boardview.ErrReferenceNotFound
		}
		return docs.Upsert(ctx, "task_info", env.AggregateID.String(), []byte(`{}`))
	}); err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub,
		WithMaxRetries(1),
		WithRetryInterval(time.Millisecond),
		WithLogger(quietLogger()),
	)
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if parked, _ := storage.dl.List(ctx, "test"); len(parked) != 1 {
		t.Fatalf("expected one parked envelope")
	}

	fail = false
	n, err := w.ReplayDeadLetters(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 1 {
		t.Errorf("replayed: got %d, want 1", n)
	}
	if parked, _ := storage.dl.List(ctx, "test"); len(parked) != 0 {
		t.Errorf("parked after replay: got %d, want 0", len(parked))
	}
	if _, ok := storage.docs[docKey("task_info", agg.String())]; !ok {
		t.Error("replayed handler write missing")
	}
	last, _ := storage.cp.LastApplied(ctx, "test", agg)
	if last != 1 {
		t.Errorf("checkpoint after replay: got %d, want 1", last)
	}
}

func TestWorker_CrossAggregateIndependence(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	aggA := uuid.New()
	aggB := uuid.New()
	source := &memEventSource{envs: []events.Envelope{
		mkEnv("project", aggA, 1, "ProjectCreatedEvent", 1),
		mkEnv("project", aggB, 1, "ProjectCreatedEvent", 2),
		mkEnv("project", aggA, 2, "TagCreatedEvent", 3),
	}}

	sub := NewSubscriber("project", "test")
	for _, et := range []string{"ProjectCreatedEvent", "TagCreatedEvent"} {
		if err := sub.On(et, nopHandler); err != nil {
			t.Fatalf("on: %v", err)
		}
	}

	w := NewWorker(storage, source, sub, WithLogger(quietLogger()))
	if _, err := w.ProcessBatch(ctx); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	lastA, _ := storage.cp.LastApplied(ctx, "test", aggA)
	lastB, _ := storage.cp.LastApplied(ctx, "test", aggB)
	if lastA != 2 {
		t.Errorf("aggregate A checkpoint: got %d, want 2", lastA)
	}
	if lastB != 1 {
		t.Errorf("aggregate B checkpoint: got %d, want 1", lastB)
	}
}

type limitRecordingSource struct {
	memEventSource
	limits []int
}

func (s *limitRecordingSource) Poll(ctx context.Context, category events.Category, afterPosition int64, limit int) ([]events.Envelope, error) {
	s.limits = append(s.limits, limit)
	return s.memEventSource.Poll(ctx, category, afterPosition, limit)
}

func TestWorker_BatchSizeClampedToPositive(t *testing.T) {
	ctx := context.Background()
	storage := newMemStorage()
	agg := uuid.New()
	source := &limitRecordingSource{memEventSource: memEventSource{envs: []events.Envelope{
		mkEnv("project", agg, 1, "ProjectCreatedEvent", 1),
	}}}

	var applied int
	sub := NewSubscriber("project", "test")
	err := sub.On("ProjectCreatedEvent", func(ctx context.Context, env events.Envelope, docs DocumentStore) error {
		applied++
		return nil
	})
	if err != nil {
		t.Fatalf("on: %v", err)
	}

	w := NewWorker(storage, source, sub, WithLogger(quietLogger()), WithBatchSize(0))
	n, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if n != 1 || applied != 1 {
		t.Errorf("processed %d envelopes, applied %d, want 1 each", n, applied)
	}
	for _, limit := range source.limits {
		if limit < 1 {
			t.Errorf("polled with limit %d", limit)
		}
	}
}
