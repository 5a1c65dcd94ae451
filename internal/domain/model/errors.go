package model

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrorKind classifies failures surfaced by integrations and the vault.
type ErrorKind string

const (
	KindInvalidCredentials       ErrorKind = "invalid_credentials"
	KindChallengeTimeout         ErrorKind = "challenge_timeout"
	KindRateLimited              ErrorKind = "rate_limited"
	KindProtocol                 ErrorKind = "protocol_error"
	KindTransientNetwork         ErrorKind = "transient_network"
	KindKeyMismatch              ErrorKind = "key_mismatch"
	KindDecryption               ErrorKind = "decryption_error"
	KindUnsupportedConfiguration ErrorKind = "unsupported_configuration"
	KindMissingChallengeInput    ErrorKind = "missing_challenge_input"
	KindPermissionDenied         ErrorKind = "permission_denied"
	KindSessionExpired           ErrorKind = "session_expired"
)

// SyncError is a classified failure. Code carries the institution's own
// return code when one exists.
type SyncError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: [%s] %s", e.Kind, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return string(e.Kind)
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is matches any SyncError of the same kind, so the sentinels below work
// with errors.Is regardless of code or message.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidCredentials       = &SyncError{Kind: KindInvalidCredentials}
	ErrChallengeTimeout         = &SyncError{Kind: KindChallengeTimeout}
	ErrRateLimited              = &SyncError{Kind: KindRateLimited}
	ErrProtocol                 = &SyncError{Kind: KindProtocol}
	ErrTransientNetwork         = &SyncError{Kind: KindTransientNetwork}
	ErrKeyMismatch              = &SyncError{Kind: KindKeyMismatch}
	ErrDecryption               = &SyncError{Kind: KindDecryption}
	ErrUnsupportedConfiguration = &SyncError{Kind: KindUnsupportedConfiguration}
	ErrMissingChallengeInput    = &SyncError{Kind: KindMissingChallengeInput}
	ErrPermissionDenied         = &SyncError{Kind: KindPermissionDenied}
	ErrSessionExpired           = &SyncError{Kind: KindSessionExpired}
)

// NewSyncError builds a classified error with a formatted message.
func NewSyncError(kind ErrorKind, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapSyncError classifies err under kind, keeping it in the chain.
func WrapSyncError(kind ErrorKind, err error) *SyncError {
	return &SyncError{Kind: kind, Message: err.Error(), Err: err}
}

// CodedError builds a classified error for an institution return code.
// Unknown codes pass the raw message through, truncated.
func CodedError(kind ErrorKind, code, message string) *SyncError {
	return &SyncError{Kind: kind, Code: code, Message: Truncate(message, 120)}
}

// KindOf returns the classification of err, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Code returns the institution code carried by err, or "".
func Code(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
