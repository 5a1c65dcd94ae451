package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

// NewAccount describes an account to create. Credentials are optional;
// accounts without them are tracked with manual snapshots.
type NewAccount struct {
	BrokerCode  string
	Name        string
	Type        model.AccountType
	Currency    string
	ExternalID  string
	Credentials model.Credentials
}

// DiscoveredAccount is an account found at an institution, with its
// balance when one could be fetched.
type DiscoveredAccount struct {
	ExternalID string
	Name       string
	Type       model.AccountType
	Currency   string
	Balance    *decimal.Decimal
	AsOf       *time.Time
}

// AccountService manages accounts and their stored credentials.
type AccountService struct {
	users    driven.UserStore
	accounts driven.AccountStore
	catalog  driven.BrokerCatalog
	keys     *KeyService
	recorder snapshotRecorder
	now      func() time.Time
}

// NewAccountService creates an AccountService.
func NewAccountService(
	users driven.UserStore,
	accounts driven.AccountStore,
	snapshots driven.SnapshotStore,
	catalog driven.BrokerCatalog,
	keys *KeyService,
	converter *CurrencyConverter,
) *AccountService {
	return &AccountService{
		users:    users,
		accounts: accounts,
		catalog:  catalog,
		keys:     keys,
		recorder: snapshotRecorder{snapshots: snapshots, converter: converter},
		now:      time.Now,
	}
}

// List returns the user's accounts.
func (s *AccountService) List(ctx context.Context, userID int64) ([]model.Account, error) {
	return s.accounts.ListByUser(ctx, userID)
}

// Get returns one of the user's accounts.
func (s *AccountService) Get(ctx context.Context, userID, accountID int64) (*model.Account, error) {
	return ownedAccount(ctx, s.accounts, userID, accountID)
}

// Delete removes one of the user's accounts with its snapshots.
func (s *AccountService) Delete(ctx context.Context, userID, accountID int64) error {
	if _, err := ownedAccount(ctx, s.accounts, userID, accountID); err != nil {
		return err
	}
	return s.accounts.Delete(ctx, accountID)
}

// Create adds a single account. One-time fields are dropped from the
// credentials before they are sealed.
func (s *AccountService) Create(ctx context.Context, userID int64, req NewAccount, kek []byte) (*model.Account, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	broker, err := s.catalog.Get(req.BrokerCode)
	if err != nil {
		return nil, fmt.Errorf("broker %q: %w", req.BrokerCode, err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	blob, scheme, err := s.sealStored(user, req.Credentials, kek)
	if err != nil {
		return nil, err
	}
	account := s.newAccount(user, broker, DiscoveredAccount{
		ExternalID: req.ExternalID,
		Name:       req.Name,
		Type:       req.Type,
		Currency:   req.Currency,
	}, blob, scheme)

	id, err := s.accounts.Create(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	account.ID = id
	return &account, nil
}

// CreateDiscovered creates one account per discovered entry, all sharing
// the same credentials, and records the balance found during discovery.
func (s *AccountService) CreateDiscovered(ctx context.Context, userID int64, brokerCode string, creds model.Credentials, found []DiscoveredAccount, kek []byte) ([]model.Account, error) {
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no accounts selected", ErrInvalidInput)
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	broker, err := s.catalog.Get(brokerCode)
	if err != nil {
		return nil, fmt.Errorf("broker %q: %w", brokerCode, err)
	}

	blob, scheme, err := s.sealStored(user, creds, kek)
	if err != nil {
		return nil, err
	}

	created := make([]model.Account, 0, len(found))
	for _, d := range found {
		account := s.newAccount(user, broker, d, blob, scheme)
		id, err := s.accounts.Create(ctx, account)
		if err != nil {
			return created, fmt.Errorf("create account %q: %w", d.Name, err)
		}
		account.ID = id

		if d.Balance != nil {
			asOf := s.now()
			if d.AsOf != nil {
				asOf = *d.AsOf
			}
			snapshot := model.Snapshot{
				AccountID: id,
				Date:      asOf,
				Balance:   *d.Balance,
				Currency:  account.Currency,
				Source:    model.SnapshotSourceAuto,
			}
			if _, err := s.recorder.record(ctx, snapshot, user.BaseCurrency); err != nil {
				slog.Warn("initial snapshot failed", "account_id", id, "error", err)
			} else if err := s.accounts.MarkSynced(ctx, id, s.now()); err != nil {
				slog.Warn("mark account synced", "account_id", id, "error", err)
			}
		}
		created = append(created, account)
	}

	slog.Info("accounts created from discovery", "user_id", userID, "broker", brokerCode, "count", len(created))
	return created, nil
}

func (s *AccountService) newAccount(user *model.User, broker model.Broker, d DiscoveredAccount, blob []byte, scheme model.EncryptionScheme) model.Account {
	accountType := d.Type
	if accountType == "" {
		accountType = model.AccountTypeChecking
	}
	currency := strings.ToUpper(d.Currency)
	if currency == "" {
		currency = broker.DefaultCurrency
	}
	if currency == "" {
		currency = user.BaseCurrency
	}
	return model.Account{
		UserID:               user.ID,
		BrokerCode:           broker.Code,
		Name:                 d.Name,
		Type:                 accountType,
		Currency:             currency,
		ExternalID:           d.ExternalID,
		Status:               model.AccountStatusActive,
		SyncEnabled:          len(blob) > 0,
		EncryptedCredentials: blob,
		Scheme:               scheme,
	}
}

// sealStored drops one-time fields and seals what is left. Empty
// credentials yield no blob.
func (s *AccountService) sealStored(user *model.User, creds model.Credentials, kek []byte) ([]byte, model.EncryptionScheme, error) {
	stored := creds.WithoutOneTime()
	if len(stored) == 0 {
		return nil, model.EncryptionSchemeLegacy, nil
	}
	return s.keys.Seal(user, stored, kek)
}

// Credentials returns the account's stored credentials with secret values
// masked. Manual accounts and unreadable blobs yield an empty set.
func (s *AccountService) Credentials(ctx context.Context, userID, accountID int64, kek []byte) (model.Credentials, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	account, err := ownedAccount(ctx, s.accounts, userID, accountID)
	if err != nil {
		return nil, err
	}
	if !account.HasCredentials() {
		return model.Credentials{}, nil
	}

	creds, err := s.keys.Open(user, *account, kek)
	switch {
	case errors.Is(err, model.ErrDecryption):
		slog.Warn("stored credentials unreadable", "account_id", accountID, "error", err)
		return model.Credentials{}, nil
	case err != nil:
		return nil, err
	}
	return creds.Masked(), nil
}

// UpdateCredentials merges update into the stored credentials. Blank and
// masked values keep what is stored, and one-time fields are never kept.
func (s *AccountService) UpdateCredentials(ctx context.Context, userID, accountID int64, update model.Credentials, kek []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: credentials are required", ErrInvalidInput)
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user %d: %w", userID, err)
	}
	account, err := ownedAccount(ctx, s.accounts, userID, accountID)
	if err != nil {
		return err
	}

	existing := model.Credentials{}
	if account.HasCredentials() {
		creds, err := s.keys.Open(user, *account, kek)
		switch {
		case errors.Is(err, model.ErrDecryption):
			slog.Warn("replacing unreadable credentials", "account_id", accountID)
		case err != nil:
			return err
		default:
			existing = creds
		}
	}

	merged := existing.Merge(update.WithoutOneTime())
	blob, scheme, err := s.keys.Seal(user, merged, kek)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdateCredentials(ctx, accountID, blob, scheme); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	slog.Info("account credentials updated", "account_id", accountID, "fields", merged)
	return nil
}

// ownedAccount loads an account and hides accounts of other users.
func ownedAccount(ctx context.Context, accounts driven.AccountStore, userID, accountID int64) (*model.Account, error) {
	account, err := accounts.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", accountID, err)
	}
	if account == nil || account.UserID != userID {
		return nil, driven.ErrAccountNotFound
	}
	return account, nil
}
