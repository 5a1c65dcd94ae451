package httphandler

import (
	"net/http"
)

// SyncAccount authenticates against the account's institution and records
// its balance. A challenge comes back with a session token and the account
// waits in pending_auth until CompleteSync answers it.
func (h *Handler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	result, err := h.svc.Sync.Sync(r.Context(), userID(r), id, kek(r))
	if err != nil {
		writeServiceError(w, h.logger, "sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncResponse(result))
}

// CompleteSync answers the challenge an account is waiting on.
func (h *Handler) CompleteSync(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req ChallengeAnswerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.svc.Sync.CompleteAuth(r.Context(), userID(r), id, req.Code, kek(r))
	if err != nil {
		writeServiceError(w, h.logger, "sync completion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncResponse(result))
}

// SyncAll syncs every sync-enabled account of the user.
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Sync.SyncAll(r.Context(), userID(r), kek(r))
	if err != nil {
		writeServiceError(w, h.logger, "sync all failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncReportResponse(report))
}
