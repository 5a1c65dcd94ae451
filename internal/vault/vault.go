// Package vault encrypts broker credentials at rest. Two schemes coexist:
// a legacy server-wide master key, and per-user data keys wrapped by a
// key-encryption key (KEK) that only the client can derive.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// KeySize is the length of every symmetric key handled here.
const KeySize = 32

// Argon2id parameters shared with clients deriving the KEK and auth hash.
const (
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	SaltSize            = 16
)

// ErrMasterKeyNotSet is returned by legacy operations when no master key is configured.
var ErrMasterKeyNotSet = errors.New("master key not configured: set WEALTHPANEL_SECRET_KEY")

// Vault performs legacy-scheme encryption with the server master key.
type Vault struct {
	masterKey []byte // nil when legacy encryption is disabled.
}

// New creates a Vault. masterKey must be 32 bytes, or nil to disable the
// legacy scheme.
func New(masterKey []byte) (*Vault, error) {
	if masterKey != nil && len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	return &Vault{masterKey: masterKey}, nil
}

// HasMasterKey reports whether the legacy scheme is usable.
func (v *Vault) HasMasterKey() bool {
	return v.masterKey != nil
}

// Encrypt seals creds under the master key.
func (v *Vault) Encrypt(creds model.Credentials) ([]byte, error) {
	if v.masterKey == nil {
		return nil, ErrMasterKeyNotSet
	}
	return EncryptWithKey(creds, v.masterKey)
}

// Decrypt opens a legacy blob. Tampering or a wrong key yields model.ErrDecryption.
func (v *Vault) Decrypt(blob []byte) (model.Credentials, error) {
	if v.masterKey == nil {
		return nil, ErrMasterKeyNotSet
	}
	return DecryptWithKey(blob, v.masterKey)
}

// EncryptWithKey seals creds under a user data key.
func EncryptWithKey(creds model.Credentials, key []byte) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	defer Wipe(plaintext)

	return seal(key, plaintext)
}

// DecryptWithKey opens a blob sealed by EncryptWithKey.
func DecryptWithKey(blob, key []byte) (model.Credentials, error) {
	plaintext, err := open(key, blob)
	if err != nil {
		return nil, model.WrapSyncError(model.KindDecryption, err)
	}
	defer Wipe(plaintext)

	var creds model.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, model.WrapSyncError(model.KindDecryption, fmt.Errorf("unmarshal credentials: %w", err))
	}
	return creds, nil
}

// GenerateUserKey returns a fresh random data key.
func GenerateUserKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("rand user key: %w", err)
	}
	return key, nil
}

// NewSalt returns a random Argon2 salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("rand salt: %w", err)
	}
	return salt, nil
}

// WrapUserKey encrypts a data key under a KEK.
func WrapUserKey(userKey, kek []byte) ([]byte, error) {
	if len(kek) != KeySize {
		return nil, model.NewSyncError(model.KindKeyMismatch, "kek must be %d bytes", KeySize)
	}
	return seal(kek, userKey)
}

// UnwrapUserKey recovers a data key. A wrong KEK fails the GCM tag check and
// yields model.ErrKeyMismatch.
func UnwrapUserKey(wrapped, kek []byte) ([]byte, error) {
	if len(kek) != KeySize {
		return nil, model.NewSyncError(model.KindKeyMismatch, "kek must be %d bytes", KeySize)
	}
	key, err := open(kek, wrapped)
	if err != nil {
		return nil, model.WrapSyncError(model.KindKeyMismatch, err)
	}
	return key, nil
}

// DeriveKEK stretches the user's password into a KEK. Clients run this;
// the server only does so in tooling and tests.
func DeriveKEK(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, ArgonTime, ArgonMemory, ArgonThreads, KeySize)
}

// DeriveAuthHash derives the value the server stores to verify a password
// without being able to derive the KEK from it. salt must differ from the KEK salt.
func DeriveAuthHash(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, ArgonTime, ArgonMemory, ArgonThreads, KeySize)
}

// VerifyAuthHash compares in constant time.
func VerifyAuthHash(candidate, stored []byte) bool {
	if len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(candidate, stored) == 1
}

// DecodeKEK parses the base64 KEK transported in request headers.
func DecodeKEK(encoded string) ([]byte, error) {
	kek, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, model.NewSyncError(model.KindPermissionDenied, "kek is not valid base64")
	}
	if len(kek) != KeySize {
		Wipe(kek)
		return nil, model.NewSyncError(model.KindPermissionDenied, "kek must be %d bytes", KeySize)
	}
	return kek, nil
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal returns nonce || ciphertext || tag.
func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize+gcm.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}
