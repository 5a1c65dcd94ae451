package httphandler

import (
	"net/http"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

// requireKEK writes a 403 when the request carries no X-KEK header.
func requireKEK(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	k := kek(r)
	if k == nil {
		writeError(w, http.StatusForbidden, model.ErrPermissionDenied.Error()+": X-KEK header required")
		return nil, false
	}
	return k, true
}

// MigrateKeys moves the user's legacy credentials under a fresh data key
// wrapped by the KEK in the X-KEK header.
func (h *Handler) MigrateKeys(w http.ResponseWriter, r *http.Request) {
	var req MigrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	k, ok := requireKEK(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Keys.Migrate(r.Context(), userID(r), application.MigrationRequest{
		KEK:      k,
		KEKSalt:  req.KEKSalt,
		AuthSalt: req.AuthSalt,
		AuthHash: req.AuthHash,
	})
	if err != nil {
		writeServiceError(w, h.logger, "key migration failed", err)
		return
	}
	if result.Failed == nil {
		result.Failed = []application.AccountFailure{}
	}
	writeJSON(w, http.StatusOK, result)
}

// MigrateAccount retries the migration of one account left on the legacy scheme.
func (h *Handler) MigrateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	k, ok := requireKEK(w, r)
	if !ok {
		return
	}
	migrated, err := h.svc.Keys.MigrateAccount(r.Context(), userID(r), id, k)
	if err != nil {
		writeServiceError(w, h.logger, "account migration failed", err)
		return
	}
	writeJSON(w, http.StatusOK, MigrateAccountResponse{Migrated: migrated})
}

// RotateKeys rewraps the data key under a new KEK. The current KEK travels
// in the X-KEK header, the new one in the body.
func (h *Handler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	defer vault.Wipe(req.NewKEK)
	if len(req.NewKEK) != vault.KeySize {
		writeError(w, http.StatusBadRequest, "new_kek must be 32 bytes")
		return
	}
	k, ok := requireKEK(w, r)
	if !ok {
		return
	}

	version, err := h.svc.Keys.Rotate(r.Context(), userID(r), application.RotationRequest{
		OldKEK:   k,
		NewKEK:   req.NewKEK,
		KEKSalt:  req.KEKSalt,
		AuthSalt: req.AuthSalt,
		AuthHash: req.AuthHash,
	})
	if err != nil {
		writeServiceError(w, h.logger, "key rotation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RotateResponse{KeyVersion: version})
}

// VerifyPassword checks a client-derived auth hash against the stored one.
func (h *Handler) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	valid, err := h.svc.Keys.VerifyPassword(r.Context(), userID(r), req.AuthHash)
	if err != nil {
		writeServiceError(w, h.logger, "password verification failed", err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: valid})
}
