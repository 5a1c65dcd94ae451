package httphandler

import (
	"net/http"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// ListAccounts returns the user's accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.svc.Accounts.List(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, h.logger, "failed to list accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponses(accounts))
}

// GetAccount returns one account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	account, err := h.svc.Accounts.Get(r.Context(), userID(r), id)
	if err != nil {
		writeServiceError(w, h.logger, "failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*account))
}

// CreateAccount creates an account, storing its credentials when given.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := h.svc.Accounts.Create(r.Context(), userID(r), application.NewAccount{
		BrokerCode:  req.BrokerCode,
		Name:        req.Name,
		Type:        model.AccountType(req.Type),
		Currency:    req.Currency,
		ExternalID:  req.ExternalID,
		Credentials: model.Credentials(req.Credentials),
	}, kek(r))
	if err != nil {
		writeServiceError(w, h.logger, "failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(*account))
}

// CreateDiscoveredAccounts creates the accounts a client picked from a
// discovery result. They share one credential blob.
func (h *Handler) CreateDiscoveredAccounts(w http.ResponseWriter, r *http.Request) {
	var req CreateDiscoveredRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Accounts) == 0 {
		writeError(w, http.StatusBadRequest, "no accounts selected")
		return
	}

	found := make([]application.DiscoveredAccount, 0, len(req.Accounts))
	for _, a := range req.Accounts {
		found = append(found, application.DiscoveredAccount{
			ExternalID: a.ExternalID,
			Name:       a.Name,
			Type:       model.AccountType(a.Type),
			Currency:   a.Currency,
			Balance:    a.Balance,
			AsOf:       a.AsOf,
		})
	}

	accounts, err := h.svc.Accounts.CreateDiscovered(r.Context(), userID(r), req.BrokerCode,
		model.Credentials(req.Credentials), found, kek(r))
	if err != nil {
		writeServiceError(w, h.logger, "failed to create discovered accounts", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponses(accounts))
}

// DeleteAccount removes an account and its snapshots.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Accounts.Delete(r.Context(), userID(r), id); err != nil {
		writeServiceError(w, h.logger, "failed to delete account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCredentials returns the stored credentials with secrets masked.
func (h *Handler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	creds, err := h.svc.Accounts.Credentials(r.Context(), userID(r), id, kek(r))
	if err != nil {
		writeServiceError(w, h.logger, "failed to read credentials", err)
		return
	}
	if creds == nil {
		creds = model.Credentials{}
	}
	writeJSON(w, http.StatusOK, CredentialsResponse{Credentials: creds})
}

// UpdateCredentials merges the given fields into the stored credentials.
// Masked values sent back unchanged keep the stored secret.
func (h *Handler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req CredentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.Accounts.UpdateCredentials(r.Context(), userID(r), id, model.Credentials(req.Credentials), kek(r)); err != nil {
		writeServiceError(w, h.logger, "failed to update credentials", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
