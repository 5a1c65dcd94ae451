package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// UserService reads and updates user preferences.
type UserService struct {
	users driven.UserStore
}

// NewUserService creates a UserService.
func NewUserService(users driven.UserStore) *UserService {
	return &UserService{users: users}
}

// Profile returns the user.
func (s *UserService) Profile(ctx context.Context, userID int64) (*model.User, error) {
	return s.users.Get(ctx, userID)
}

// UpdatePreferences sets the base currency and the auto-sync opt-in.
func (s *UserService) UpdatePreferences(ctx context.Context, userID int64, baseCurrency string, autoSync bool) error {
	baseCurrency = strings.ToUpper(strings.TrimSpace(baseCurrency))
	if len(baseCurrency) != 3 {
		return fmt.Errorf("%w: base currency must be a three-letter code", ErrInvalidInput)
	}
	return s.users.UpdatePreferences(ctx, userID, baseCurrency, autoSync)
}
