package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

func TestNewKeyMaterial_UnlocksWithSamePassword(t *testing.T) {
	keys, kek, err := newKeyMaterial("correct horse battery")
	require.NoError(t, err)

	assert.True(t, keys.Migrated)
	assert.Equal(t, 1, keys.KeyVersion)
	assert.NotEqual(t, keys.KEKSalt, keys.AuthSalt)
	assert.Len(t, kek, vault.KeySize)

	derived, err := unlock(keys, "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, kek, derived)

	userKey, err := vault.UnwrapUserKey(keys.EncryptedUserKey, derived)
	require.NoError(t, err)
	assert.Len(t, userKey, vault.KeySize)
}

func TestUnlock_WrongPassword(t *testing.T) {
	keys, _, err := newKeyMaterial("correct horse battery")
	require.NoError(t, err)

	_, err = unlock(keys, "tr0ub4dor&3")
	assert.ErrorIs(t, err, errWrongPassword)
}

func TestUnlock_LegacyUser(t *testing.T) {
	_, err := unlock(model.UserKeyMaterial{}, "anything")
	assert.Error(t, err)
}

func TestReadLine(t *testing.T) {
	got, err := readLine(strings.NewReader("hunter2hunter2\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2hunter2", got)

	got, err = readLine(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", got)
}
