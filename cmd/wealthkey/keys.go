package main

import (
	"errors"
	"fmt"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

const minPasswordLength = 12

var errWrongPassword = errors.New("wrong password")

// newKeyMaterial builds a migrated key hierarchy for password. The caller
// owns the returned KEK and should wipe it.
func newKeyMaterial(password string) (model.UserKeyMaterial, []byte, error) {
	kekSalt, err := vault.NewSalt()
	if err != nil {
		return model.UserKeyMaterial{}, nil, err
	}
	authSalt, err := vault.NewSalt()
	if err != nil {
		return model.UserKeyMaterial{}, nil, err
	}

	kek := vault.DeriveKEK(password, kekSalt)
	userKey, err := vault.GenerateUserKey()
	if err != nil {
		vault.Wipe(kek)
		return model.UserKeyMaterial{}, nil, err
	}
	defer vault.Wipe(userKey)

	wrapped, err := vault.WrapUserKey(userKey, kek)
	if err != nil {
		vault.Wipe(kek)
		return model.UserKeyMaterial{}, nil, fmt.Errorf("wrap user key: %w", err)
	}

	return model.UserKeyMaterial{
		EncryptedUserKey: wrapped,
		KEKSalt:          kekSalt,
		AuthSalt:         authSalt,
		AuthHash:         vault.DeriveAuthHash(password, authSalt),
		KeyVersion:       1,
		Migrated:         true,
	}, kek, nil
}

// unlock checks password against the stored auth hash and derives the KEK.
func unlock(keys model.UserKeyMaterial, password string) ([]byte, error) {
	if len(keys.KEKSalt) == 0 {
		return nil, errors.New("user has no key material; run migrate first")
	}
	if !vault.VerifyAuthHash(vault.DeriveAuthHash(password, keys.AuthSalt), keys.AuthHash) {
		return nil, errWrongPassword
	}
	return vault.DeriveKEK(password, keys.KEKSalt), nil
}
