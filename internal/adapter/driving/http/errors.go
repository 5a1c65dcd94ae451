package httphandler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

// statusFor maps a service error to an HTTP status. The bool is false for
// errors the client cannot act on, which are logged and reported generically.
func statusFor(err error) (int, bool) {
	switch model.KindOf(err) {
	case model.KindPermissionDenied, model.KindKeyMismatch:
		return http.StatusForbidden, true
	case model.KindSessionExpired:
		return http.StatusGone, true
	case model.KindMissingChallengeInput, model.KindUnsupportedConfiguration:
		return http.StatusBadRequest, true
	}

	switch {
	case errors.Is(err, driven.ErrAccountNotFound),
		errors.Is(err, driven.ErrBrokerNotFound),
		errors.Is(err, driven.ErrUserNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, application.ErrInvalidInput):
		return http.StatusBadRequest, true
	case errors.Is(err, application.ErrDuplicateSnapshot),
		errors.Is(err, driven.ErrAccountAlreadyExists),
		errors.Is(err, application.ErrAlreadyMigrated),
		errors.Is(err, application.ErrNotMigrated),
		errors.Is(err, application.ErrNotPendingAuth),
		errors.Is(err, application.ErrNoCredentials):
		return http.StatusConflict, true
	case errors.Is(err, vault.ErrMasterKeyNotSet):
		return http.StatusServiceUnavailable, true
	}
	return http.StatusInternalServerError, false
}

// writeServiceError reports err to the client. Unclassified errors are
// logged with full detail and answered with a generic message.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status, public := statusFor(err)
	if !public {
		logger.Error(msg, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
