package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

const dateLayout = "2006-01-02"

// maxBodyBytes bounds JSON and CSV request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ChallengeResponse is a second factor the client must present to the user.
type ChallengeResponse struct {
	Prompt       string            `json:"prompt"`
	HTML         string            `json:"html,omitempty"`
	Continuation map[string]string `json:"continuation,omitempty"`
}

// AuthResultResponse is the authentication contract every sync and
// discovery response carries.
type AuthResultResponse struct {
	Success           bool               `json:"success"`
	RequiresChallenge bool               `json:"requires_challenge"`
	ChallengeType     string             `json:"challenge_type,omitempty"`
	Challenge         *ChallengeResponse `json:"challenge,omitempty"`
	SessionToken      string             `json:"session_token,omitempty"`
	Error             string             `json:"error,omitempty"`
	ErrorKind         string             `json:"error_kind,omitempty"`
	ErrorCode         string             `json:"error_code,omitempty"`
}

func toAuthResult(state model.AuthState, challenge *model.Challenge, failure *model.SyncError, token string) AuthResultResponse {
	resp := AuthResultResponse{
		Success:      state == model.AuthStateAuthenticated,
		SessionToken: token,
	}
	if challenge != nil && state == model.AuthStateChallengeIssued {
		resp.RequiresChallenge = true
		resp.ChallengeType = string(challenge.Kind)
		resp.Challenge = &ChallengeResponse{
			Prompt:       challenge.Prompt,
			HTML:         challenge.HTML,
			Continuation: challenge.Continuation,
		}
	}
	if failure != nil {
		resp.Error = failure.Message
		resp.ErrorKind = string(failure.Kind)
		resp.ErrorCode = failure.Code
	}
	return resp
}

// UserResponse is the JSON representation of the authenticated user.
type UserResponse struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	BaseCurrency    string `json:"base_currency"`
	AutoSyncEnabled bool   `json:"auto_sync_enabled"`
	Migrated        bool   `json:"migrated"`
	KeyVersion      int    `json:"key_version"`
	KEKSalt         []byte `json:"kek_salt,omitempty"`
	AuthSalt        []byte `json:"auth_salt,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// PreferencesRequest is the JSON body for updating user preferences.
type PreferencesRequest struct {
	BaseCurrency    string `json:"base_currency"`
	AutoSyncEnabled bool   `json:"auto_sync_enabled"`
}

// BrokerResponse is a catalog entry with its credential form.
type BrokerResponse struct {
	Code             string                  `json:"code"`
	Name             string                  `json:"name"`
	Family           string                  `json:"family"`
	Country          string                  `json:"country"`
	Currency         string                  `json:"currency"`
	SupportsAutoSync bool                    `json:"supports_auto_sync"`
	Requires2FA      bool                    `json:"requires_2fa"`
	Credentials      []CredentialFieldResult `json:"credentials"`
}

// CredentialFieldResult describes one field of a broker's credential form.
type CredentialFieldResult struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret"`
}

// AccountResponse is the JSON representation of an account. Credentials
// are never included.
type AccountResponse struct {
	ID             int64             `json:"id"`
	BrokerCode     string            `json:"broker_code"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Currency       string            `json:"currency"`
	ExternalID     string            `json:"external_id,omitempty"`
	Status         string            `json:"status"`
	SyncEnabled    bool              `json:"sync_enabled"`
	HasCredentials bool              `json:"has_credentials"`
	Scheme         string            `json:"encryption_scheme,omitempty"`
	PendingAuth    *PendingAuthReply `json:"pending_auth,omitempty"`
	LastSyncAt     string            `json:"last_sync_at,omitempty"`
	LastSyncError  string            `json:"last_sync_error,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// PendingAuthReply tells the client which challenge an account waits on.
type PendingAuthReply struct {
	ChallengeType string `json:"challenge_type"`
	Prompt        string `json:"prompt,omitempty"`
	StartedAt     string `json:"started_at"`
}

// CreateAccountRequest is the JSON body for creating one account.
type CreateAccountRequest struct {
	BrokerCode  string            `json:"broker_code"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Currency    string            `json:"currency"`
	ExternalID  string            `json:"external_id"`
	Credentials map[string]string `json:"credentials"`
}

// DiscoveredAccountRequest is one account chosen from a discovery result.
type DiscoveredAccountRequest struct {
	ExternalID string           `json:"external_id"`
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Currency   string           `json:"currency"`
	Balance    *decimal.Decimal `json:"balance"`
	AsOf       *time.Time       `json:"as_of"`
}

// CreateDiscoveredRequest is the JSON body for creating accounts from a discovery.
type CreateDiscoveredRequest struct {
	BrokerCode  string                     `json:"broker_code"`
	Credentials map[string]string          `json:"credentials"`
	Accounts    []DiscoveredAccountRequest `json:"accounts"`
}

// CredentialsRequest carries credentials for discovery or an update.
type CredentialsRequest struct {
	Credentials map[string]string `json:"credentials"`
}

// CredentialsResponse shows stored credentials with secrets masked.
type CredentialsResponse struct {
	Credentials map[string]string `json:"credentials"`
}

// ChallengeAnswerRequest is the JSON body answering a challenge. Code is
// empty for decoupled approvals.
type ChallengeAnswerRequest struct {
	Code string `json:"code"`
}

// DiscoveredAccountResponse is an account found at an institution.
type DiscoveredAccountResponse struct {
	ExternalID string           `json:"external_id"`
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Currency   string           `json:"currency"`
	Balance    *decimal.Decimal `json:"balance,omitempty"`
	AsOf       string           `json:"as_of,omitempty"`
}

// DiscoveryResponse is the result of a discovery step.
type DiscoveryResponse struct {
	AuthResultResponse
	Accounts []DiscoveredAccountResponse `json:"accounts"`
}

// SnapshotResponse is the JSON representation of a balance snapshot.
type SnapshotResponse struct {
	ID           int64            `json:"id"`
	AccountID    int64            `json:"account_id"`
	Date         string           `json:"date"`
	Balance      decimal.Decimal  `json:"balance"`
	Currency     string           `json:"currency"`
	BaseBalance  *decimal.Decimal `json:"base_balance,omitempty"`
	BaseCurrency string           `json:"base_currency,omitempty"`
	ExchangeRate *decimal.Decimal `json:"exchange_rate,omitempty"`
	Source       string           `json:"source"`
	Positions    int              `json:"positions"`
}

// SnapshotRequest is the JSON body for a manual snapshot. Date defaults to today.
type SnapshotRequest struct {
	Date     string          `json:"date"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// ImportResponse summarizes a CSV import.
type ImportResponse struct {
	Imported    int      `json:"imported"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors"`
	TotalErrors int      `json:"total_errors"`
}

// SyncResponse is the result of syncing one account.
type SyncResponse struct {
	AuthResultResponse
	AccountID  int64             `json:"account_id"`
	Status     string            `json:"status"`
	Snapshot   *SnapshotResponse `json:"snapshot,omitempty"`
	Backfilled int               `json:"backfilled"`
}

// SyncSummaryResponse is one account line of a bulk sync.
type SyncSummaryResponse struct {
	AccountID     int64            `json:"account_id"`
	Name          string           `json:"name"`
	Balance       *decimal.Decimal `json:"balance,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	ChallengeType string           `json:"challenge_type,omitempty"`
	SessionToken  string           `json:"session_token,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// SyncReportResponse groups a bulk sync by outcome.
type SyncReportResponse struct {
	Synced     []SyncSummaryResponse `json:"synced"`
	Pending2FA []SyncSummaryResponse `json:"pending_2fa"`
	Errors     []SyncSummaryResponse `json:"errors"`
	Skipped    []SyncSummaryResponse `json:"skipped"`
}

// SyncHealthResponse is the sync overview of a user's accounts.
type SyncHealthResponse struct {
	Overall  string                  `json:"overall"`
	Stale    int                     `json:"stale"`
	Accounts []AccountHealthResponse `json:"accounts"`
}

// AccountHealthResponse is the sync state of one account.
type AccountHealthResponse struct {
	AccountID     int64  `json:"account_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Freshness     string `json:"freshness"`
	LastSyncAt    string `json:"last_sync_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	ChallengeType string `json:"challenge_type,omitempty"`
}

// HoldingResponse is an account's latest balance.
type HoldingResponse struct {
	AccountID   int64           `json:"account_id"`
	Name        string          `json:"name"`
	Broker      string          `json:"broker"`
	Type        string          `json:"type"`
	Balance     decimal.Decimal `json:"balance"`
	Currency    string          `json:"currency"`
	BaseBalance decimal.Decimal `json:"base_balance"`
	Date        string          `json:"date"`
}

// SummaryResponse is the user's total wealth.
type SummaryResponse struct {
	BaseCurrency string            `json:"base_currency"`
	Total        decimal.Decimal   `json:"total"`
	Accounts     []HoldingResponse `json:"accounts"`
}

// BreakdownEntryResponse is one slice of a breakdown.
type BreakdownEntryResponse struct {
	Label      string          `json:"label"`
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
}

// PointResponse is one timeline value.
type PointResponse struct {
	Date  string          `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// HistoryResponse is a wealth timeline.
type HistoryResponse struct {
	BaseCurrency string          `json:"base_currency"`
	Start        string          `json:"start"`
	End          string          `json:"end"`
	Granularity  string          `json:"granularity"`
	Points       []PointResponse `json:"points"`
}

// MigrateRequest carries the salts and auth hash the client derived from
// the password. The KEK itself arrives in the X-KEK header.
type MigrateRequest struct {
	KEKSalt  []byte `json:"kek_salt"`
	AuthSalt []byte `json:"auth_salt"`
	AuthHash []byte `json:"auth_hash"`
}

// RotateRequest carries the new KEK after a password change. The old KEK
// arrives in the X-KEK header.
type RotateRequest struct {
	NewKEK   []byte `json:"new_kek"`
	KEKSalt  []byte `json:"kek_salt"`
	AuthSalt []byte `json:"auth_salt"`
	AuthHash []byte `json:"auth_hash"`
}

// RotateResponse reports the new key version.
type RotateResponse struct {
	KeyVersion int `json:"key_version"`
}

// VerifyRequest carries a client-derived auth hash.
type VerifyRequest struct {
	AuthHash []byte `json:"auth_hash"`
}

// VerifyResponse reports whether the auth hash matched.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// MigrateAccountResponse reports whether an account was moved to the user scheme.
type MigrateAccountResponse struct {
	Migrated bool `json:"migrated"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toUserResponse(u *model.User) UserResponse {
	return UserResponse{
		ID:              u.ID,
		Username:        u.Username,
		BaseCurrency:    u.BaseCurrency,
		AutoSyncEnabled: u.AutoSyncEnabled,
		Migrated:        u.Keys.Migrated,
		KeyVersion:      u.Keys.KeyVersion,
		KEKSalt:         u.Keys.KEKSalt,
		AuthSalt:        u.Keys.AuthSalt,
		CreatedAt:       formatTime(u.CreatedAt),
	}
}

func toBrokerResponse(b model.Broker) BrokerResponse {
	fields := make([]CredentialFieldResult, 0, len(b.CredentialSchema))
	for _, f := range b.CredentialSchema {
		fields = append(fields, CredentialFieldResult(f))
	}
	return BrokerResponse{
		Code:             b.Code,
		Name:             b.Name,
		Family:           string(b.Family),
		Country:          b.Country,
		Currency:         b.DefaultCurrency,
		SupportsAutoSync: b.SupportsAutoSync,
		Requires2FA:      b.Requires2FA,
		Credentials:      fields,
	}
}

func toAccountResponse(a model.Account) AccountResponse {
	resp := AccountResponse{
		ID:             a.ID,
		BrokerCode:     a.BrokerCode,
		Name:           a.Name,
		Type:           string(a.Type),
		Currency:       a.Currency,
		ExternalID:     a.ExternalID,
		Status:         string(a.Status),
		SyncEnabled:    a.SyncEnabled,
		HasCredentials: a.HasCredentials(),
		LastSyncAt:     formatOptionalTime(a.LastSyncAt),
		LastSyncError:  a.LastSyncError,
		CreatedAt:      formatTime(a.CreatedAt),
	}
	if a.HasCredentials() {
		resp.Scheme = string(a.Scheme)
	}
	if a.PendingAuth != nil {
		resp.PendingAuth = &PendingAuthReply{
			ChallengeType: string(a.PendingAuth.ChallengeKind),
			Prompt:        a.PendingAuth.Prompt,
			StartedAt:     formatTime(a.PendingAuth.StartedAt),
		}
	}
	return resp
}

func toAccountResponses(accounts []model.Account) []AccountResponse {
	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toAccountResponse(a))
	}
	return resp
}

func toSnapshotResponse(s model.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:           s.ID,
		AccountID:    s.AccountID,
		Date:         s.Date.UTC().Format(dateLayout),
		Balance:      s.Balance,
		Currency:     s.Currency,
		BaseBalance:  s.BaseBalance,
		BaseCurrency: s.BaseCurrency,
		ExchangeRate: s.ExchangeRate,
		Source:       string(s.Source),
		Positions:    len(s.Positions),
	}
}

func toDiscoveryResponse(r application.DiscoveryResult) DiscoveryResponse {
	resp := DiscoveryResponse{
		AuthResultResponse: toAuthResult(r.State, r.Challenge, r.Failure, r.SessionToken),
		Accounts:           make([]DiscoveredAccountResponse, 0, len(r.Accounts)),
	}
	for _, a := range r.Accounts {
		resp.Accounts = append(resp.Accounts, DiscoveredAccountResponse{
			ExternalID: a.ExternalID,
			Name:       a.Name,
			Type:       string(a.Type),
			Currency:   a.Currency,
			Balance:    a.Balance,
			AsOf:       formatOptionalTime(a.AsOf),
		})
	}
	return resp
}

func toSyncResponse(r application.SyncResult) SyncResponse {
	state := model.AuthStateAuthenticated
	switch r.Status {
	case application.SyncStatusPendingAuth:
		state = model.AuthStateChallengeIssued
	case application.SyncStatusFailed:
		state = model.AuthStateFailed
	}

	resp := SyncResponse{
		AuthResultResponse: toAuthResult(state, r.Challenge, r.Failure, r.SessionToken),
		AccountID:          r.AccountID,
		Status:             string(r.Status),
		Backfilled:         r.Backfilled,
	}
	if r.Snapshot != nil {
		snap := toSnapshotResponse(*r.Snapshot)
		resp.Snapshot = &snap
	}
	return resp
}

func toSyncSummaries(in []application.AccountSummary) []SyncSummaryResponse {
	out := make([]SyncSummaryResponse, 0, len(in))
	for _, s := range in {
		out = append(out, SyncSummaryResponse{
			AccountID:     s.AccountID,
			Name:          s.Name,
			Balance:       s.Balance,
			Currency:      s.Currency,
			ChallengeType: string(s.ChallengeKind),
			SessionToken:  s.SessionToken,
			Reason:        s.Reason,
		})
	}
	return out
}

func toSyncReportResponse(r application.SyncReport) SyncReportResponse {
	return SyncReportResponse{
		Synced:     toSyncSummaries(r.Synced),
		Pending2FA: toSyncSummaries(r.Pending),
		Errors:     toSyncSummaries(r.Failed),
		Skipped:    toSyncSummaries(r.Skipped),
	}
}

func toSyncHealthResponse(h application.SyncHealth) SyncHealthResponse {
	resp := SyncHealthResponse{
		Overall:  string(h.Overall),
		Stale:    h.Stale,
		Accounts: make([]AccountHealthResponse, 0, len(h.Accounts)),
	}
	for _, a := range h.Accounts {
		resp.Accounts = append(resp.Accounts, AccountHealthResponse{
			AccountID:     a.AccountID,
			Name:          a.Name,
			Status:        string(a.Status),
			Freshness:     string(a.Freshness),
			LastSyncAt:    formatOptionalTime(a.LastSyncAt),
			LastError:     a.LastError,
			ChallengeType: string(a.ChallengeKind),
		})
	}
	return resp
}

func toSummaryResponse(s application.WealthSummary) SummaryResponse {
	resp := SummaryResponse{
		BaseCurrency: s.BaseCurrency,
		Total:        s.Total,
		Accounts:     make([]HoldingResponse, 0, len(s.Accounts)),
	}
	for _, h := range s.Accounts {
		resp.Accounts = append(resp.Accounts, HoldingResponse{
			AccountID:   h.AccountID,
			Name:        h.Name,
			Broker:      h.Broker,
			Type:        string(h.Type),
			Balance:     h.Balance,
			Currency:    h.Currency,
			BaseBalance: h.BaseBalance,
			Date:        h.Date.UTC().Format(dateLayout),
		})
	}
	return resp
}

func toHistoryResponse(h application.WealthHistory) HistoryResponse {
	resp := HistoryResponse{
		BaseCurrency: h.BaseCurrency,
		Start:        h.Start.UTC().Format(dateLayout),
		End:          h.End.UTC().Format(dateLayout),
		Granularity:  string(h.Granularity),
		Points:       make([]PointResponse, 0, len(h.Points)),
	}
	for _, p := range h.Points {
		resp.Points = append(resp.Points, PointResponse{Date: p.Date.UTC().Format(dateLayout), Value: p.Value})
	}
	return resp
}
