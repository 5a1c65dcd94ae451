package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// ErrUserNotFound indicates the requested user does not exist.
var ErrUserNotFound = errors.New("user not found")

// UserStore defines the driven port for user profiles and key material.
type UserStore interface {
	Create(ctx context.Context, user model.User) (int64, error)

	// Get returns ErrUserNotFound when the user does not exist.
	Get(ctx context.Context, id int64) (*model.User, error)

	UpdateKeyMaterial(ctx context.Context, id int64, keys model.UserKeyMaterial) error
	UpdatePreferences(ctx context.Context, id int64, baseCurrency string, autoSync bool) error
}
