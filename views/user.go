package views

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/aggregate"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/projections"
)

// UsersCollection is the document collection behind UserView.
const UsersCollection = "users"

// User is the public profile document, one per user aggregate.
type User struct {
	UserID   uuid.UUID `json:"userId"`
	Name     string    `json:"name"`
	Nickname string    `json:"nickname"`
}

// UserView maintains the users collection and answers profile queries.
type UserView struct {
	col *boardview.CollectionOf[User]
	res StateResolver
}

func NewUserView(b boardview.Backend, reg *projections.Registry, res StateResolver) (*UserView, error) {
	v := &UserView{
		col: boardview.Collection[User](b, UsersCollection),
		res: res,
	}
	sub := projections.NewSubscriber(aggregate.CategoryUser, "users::user-view")
	if err := sub.On(aggregate.EventUserCreated, v.onUserCreated); err != nil {
		return nil, err
	}
	if err := reg.Add(sub); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *UserView) onUserCreated(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.UserCreated](env)
	if err != nil {
		return err
	}
	doc := User{UserID: p.UserID, Name: p.Name, Nickname: p.Nickname}
	return projections.SaveDoc(ctx, docs, UsersCollection, p.UserID.String(), &doc)
}

// GetByID returns the profile or nil when the user is not yet projected.
func (v *UserView) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := v.col.Load(ctx, id.String())
	if errors.Is(err, boardview.ErrNotFound) {
		return nil, nil
	}
	return u, err
}

func (v *UserView) GetAll(ctx context.Context) ([]*User, error) {
	return v.col.Query().OrderBy("nickname").Execute(ctx)
}

// GetByNickname returns the profile with the given nickname, or nil.
// Nicknames are unique at the command side, so One is safe here.
func (v *UserView) GetByNickname(ctx context.Context, nickname string) (*User, error) {
	u, err := v.col.Query().Where("nickname", "=", nickname).One(ctx)
	if errors.Is(err, boardview.ErrNotFound) {
		return nil, nil
	}
	return u, err
}

// Search returns profiles whose name or nickname contains fragment,
// case-insensitively. An empty fragment matches everyone.
func (v *UserView) Search(ctx context.Context, fragment string) ([]*User, error) {
	if fragment == "" {
		return v.GetAll(ctx)
	}
	byName, err := v.col.Query().Contains("name", fragment).Execute(ctx)
	if err != nil {
		return nil, err
	}
	byNick, err := v.col.Query().Contains("nickname", fragment).Execute(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(byName))
	out := make([]*User, 0, len(byName)+len(byNick))
	for _, u := range byName {
		seen[u.UserID] = true
		out = append(out, u)
	}
	for _, u := range byNick {
		if !seen[u.UserID] {
			out = append(out, u)
		}
	}
	return out, nil
}

// Login checks the password against the user aggregate and returns the
// profile on success. Unknown nicknames and wrong passwords both come back
// as ErrInvalidCredentials.
func (v *UserView) Login(ctx context.Context, nickname, password string) (*User, error) {
	u, err := v.GetByNickname(ctx, nickname)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	state, err := v.res.User(ctx, u.UserID)
	if err != nil {
		return nil, fmt.Errorf("views: login %s: %w", nickname, err)
	}
	if !state.CheckPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
