package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User owns accounts and, once migrated, a wrapped data key.
type User struct {
	ID              int64
	Username        string
	BaseCurrency    string
	AutoSyncEnabled bool
	Keys            UserKeyMaterial
	CreatedAt       time.Time
}

// UserKeyMaterial is everything the server stores about a user's key
// hierarchy. None of it decrypts anything without the KEK.
type UserKeyMaterial struct {
	EncryptedUserKey []byte
	KEKSalt          []byte
	AuthSalt         []byte
	AuthHash         []byte
	KeyVersion       int
	Migrated         bool
}

// TimelinePoint is a total wealth value on one date.
type TimelinePoint struct {
	Date  time.Time
	Value decimal.Decimal
}

// BreakdownEntry is one slice of a wealth breakdown.
type BreakdownEntry struct {
	Label      string
	Value      decimal.Decimal
	Percentage decimal.Decimal
}
