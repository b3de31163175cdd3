package aggregate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nightjar-co/boardview/events"
	"golang.org/x/crypto/bcrypt"
)

// User event types.
const (
	EventUserCreated = "UserCreated"
)

type UserCreated struct {
	UserID       uuid.UUID `json:"userId"`
	Name         string    `json:"name"`
	Nickname     string    `json:"nickname"`
	PasswordHash string    `json:"passwordHash"`
}

// UserState is the authoritative user state, replayed from the event log.
type UserState struct {
	ID           uuid.UUID
	Name         string
	Nickname     string
	PasswordHash string
}

// CheckPassword reports whether the candidate password matches the stored
// hash.
func (u *UserState) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func applyUser(s *UserState, env events.Envelope) error {
	switch env.Type {
	case EventUserCreated:
		p, err := Decode[UserCreated](env)
		if err != nil {
			return err
		}
		s.ID = p.UserID
		s.Name = p.Name
		s.Nickname = p.Nickname
		s.PasswordHash = p.PasswordHash
	}
	return nil
}

// UserService executes user commands.
type UserService struct {
	svc *Service[UserState]
}

// NewUserService creates the user command service.
func NewUserService(log EventLog) *UserService {
	return &UserService{svc: NewService(log, CategoryUser, applyUser)}
}

// State returns the replayed user state.
func (s *UserService) State(ctx context.Context, id uuid.UUID) (*UserState, error) {
	state, _, err := s.svc.State(ctx, id)
	return state, err
}

// Create registers a new user and returns its id. Nickname uniqueness is
// enforced by the caller against the user projection before issuing the
// command.
func (s *UserService) Create(ctx context.Context, name, nickname, password string) (uuid.UUID, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return uuid.Nil, fmt.Errorf("user: hash password: %w", err)
	}

	id := uuid.New()
	env, err := envelope(EventUserCreated, UserCreated{
		UserID: id, Name: name, Nickname: nickname, PasswordHash: string(hash),
	})
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.svc.Create(ctx, id, []events.Envelope{env}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
