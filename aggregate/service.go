// Package aggregate holds the write-side aggregates (Project, User): their
// events, replayed state, and command services. It also provides the state
// resolver that projection handlers use to denormalize facts across aggregate
// boundaries.
package aggregate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/internal/codec"
)

// Aggregate categories.
const (
	CategoryProject events.Category = "project"
	CategoryUser    events.Category = "user"
)

// EventLog is the slice of the event store the aggregate layer needs.
// *events.Store implements it.
type EventLog interface {
	ReadAggregate(ctx context.Context, category events.Category, aggregateID uuid.UUID, fromSeq int) ([]events.Envelope, error)
	Append(ctx context.Context, category events.Category, aggregateID uuid.UUID, expectedSeq int, evts []events.Envelope) error
}

// ApplyFunc folds one envelope into the aggregate state during replay.
type ApplyFunc[S any] func(state *S, env events.Envelope) error

// Service materializes aggregate state by replaying the event log and appends
// command-produced events with optimistic concurrency. The replayed state is
// a deterministic function of the event history.
type Service[S any] struct {
	log      EventLog
	category events.Category
	apply    ApplyFunc[S]
}

// NewService creates a replay service for one category.
func NewService[S any](log EventLog, category events.Category, apply ApplyFunc[S]) *Service[S] {
	return &Service[S]{log: log, category: category, apply: apply}
}

// State replays the aggregate and returns its current state and sequence
// number. Returns boardview.ErrNotFound if the aggregate has no events.
func (s *Service[S]) State(ctx context.Context, id uuid.UUID) (*S, int, error) {
	envs, err := s.log.ReadAggregate(ctx, s.category, id, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("aggregate %s/%s: %w", s.category, id, err)
	}
	if len(envs) == 0 {
		return nil, 0, fmt.Errorf("aggregate %s/%s: %w", s.category, id, boardview.ErrNotFound)
	}

	var state S
	for _, env := range envs {
		if err := s.apply(&state, env); err != nil {
			return nil, 0, fmt.Errorf("aggregate %s/%s: apply %s #%d: %w", s.category, id, env.Type, env.SequenceNo, err)
		}
	}
	return &state, envs[len(envs)-1].SequenceNo, nil
}

// Create appends the aggregate's first events. Fails with ErrAggregateExists
// if the aggregate already has history.
func (s *Service[S]) Create(ctx context.Context, id uuid.UUID, evts []events.Envelope) error {
	return s.log.Append(ctx, s.category, id, 0, evts)
}

// Update replays current state, runs the command against it, and appends the
// produced events at the replayed sequence. A concurrent writer surfaces as
// ErrConcurrencyConflict and the caller may retry the command.
func (s *Service[S]) Update(ctx context.Context, id uuid.UUID, command func(*S) ([]events.Envelope, error)) error {
	state, seq, err := s.State(ctx, id)
	if err != nil {
		return err
	}

	evts, err := command(state)
	if err != nil {
		return err
	}
	if len(evts) == 0 {
		return nil
	}
	return s.log.Append(ctx, s.category, id, seq, evts)
}

var payloadCodec = codec.NewJSON()

func envelope(eventType string, payload any) (events.Envelope, error) {
	data, err := payloadCodec.Marshal(payload)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("aggregate: encode %s: %w", eventType, err)
	}
	return events.Envelope{Type: eventType, Payload: data}, nil
}

// Decode unmarshals an envelope payload into its typed form.
func Decode[P any](env events.Envelope) (P, error) {
	var p P
	if err := payloadCodec.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("aggregate: decode %s: %w", env.Type, err)
	}
	return p, nil
}
