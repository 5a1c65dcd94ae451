package httphandler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/application"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// Accounts manages accounts and their stored credentials.
type Accounts interface {
	List(ctx context.Context, userID int64) ([]model.Account, error)
	Get(ctx context.Context, userID, accountID int64) (*model.Account, error)
	Create(ctx context.Context, userID int64, req application.NewAccount, kek []byte) (*model.Account, error)
	CreateDiscovered(ctx context.Context, userID int64, brokerCode string, creds model.Credentials, found []application.DiscoveredAccount, kek []byte) ([]model.Account, error)
	Credentials(ctx context.Context, userID, accountID int64, kek []byte) (model.Credentials, error)
	UpdateCredentials(ctx context.Context, userID, accountID int64, update model.Credentials, kek []byte) error
	Delete(ctx context.Context, userID, accountID int64) error
}

// Syncer fetches balances from institutions.
type Syncer interface {
	Sync(ctx context.Context, userID, accountID int64, kek []byte) (application.SyncResult, error)
	CompleteAuth(ctx context.Context, userID, accountID int64, code string, kek []byte) (application.SyncResult, error)
	SyncAll(ctx context.Context, userID int64, kek []byte) (application.SyncReport, error)
}

// Discoverer lists the accounts an institution holds for ad-hoc credentials.
type Discoverer interface {
	Discover(ctx context.Context, userID int64, brokerCode string, creds model.Credentials) (application.DiscoveryResult, error)
	Complete(ctx context.Context, userID int64, token, code string) (application.DiscoveryResult, error)
}

// Wealth reports recorded balances and accepts manual ones.
type Wealth interface {
	Summary(ctx context.Context, userID int64) (application.WealthSummary, error)
	Breakdown(ctx context.Context, userID int64, by application.BreakdownDimension) ([]model.BreakdownEntry, error)
	History(ctx context.Context, userID int64, days int, granularity application.Granularity) (application.WealthHistory, error)
	Snapshots(ctx context.Context, userID, accountID int64) ([]model.Snapshot, error)
	AddSnapshot(ctx context.Context, userID, accountID int64, in application.ManualSnapshot) (model.Snapshot, error)
	ImportCSV(ctx context.Context, userID, accountID int64, r io.Reader) (application.ImportResult, error)
}

// Keys manages the per-user key hierarchy.
type Keys interface {
	Migrate(ctx context.Context, userID int64, req application.MigrationRequest) (application.MigrationResult, error)
	MigrateAccount(ctx context.Context, userID, accountID int64, kek []byte) (bool, error)
	Rotate(ctx context.Context, userID int64, req application.RotationRequest) (int, error)
	VerifyPassword(ctx context.Context, userID int64, authHash []byte) (bool, error)
}

// Users reads and updates user preferences.
type Users interface {
	Profile(ctx context.Context, userID int64) (*model.User, error)
	UpdatePreferences(ctx context.Context, userID int64, baseCurrency string, autoSync bool) error
}

// SyncHealth reports which accounts need attention.
type SyncHealth interface {
	Status(ctx context.Context, userID int64) (application.SyncHealth, error)
}

// Brokers lists the supported institutions.
type Brokers interface {
	List() []model.Broker
}

// Services bundles the application services the API exposes.
type Services struct {
	Accounts  Accounts
	Sync      Syncer
	Discovery Discoverer
	Wealth    Wealth
	Keys      Keys
	Users     Users
	Health    SyncHealth
	Brokers   Brokers
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	svc    Services
	logger *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(services Services, logger *slog.Logger) *Handler {
	return &Handler{svc: services, logger: logger}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware. Everything under /api/v1 except the
// health check requires a bearer token signed with jwtSecret. metrics may
// be nil.
func NewServeMux(h *Handler, jwtSecret []byte, metrics http.Handler, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/v1/me", h.GetProfile)
	api.HandleFunc("PUT /api/v1/me/preferences", h.UpdatePreferences)

	api.HandleFunc("GET /api/v1/brokers", h.ListBrokers)
	api.HandleFunc("POST /api/v1/brokers/{code}/discover", h.Discover)
	api.HandleFunc("POST /api/v1/discovery/{token}/complete", h.CompleteDiscovery)

	api.HandleFunc("GET /api/v1/accounts", h.ListAccounts)
	api.HandleFunc("POST /api/v1/accounts", h.CreateAccount)
	api.HandleFunc("POST /api/v1/accounts/discovered", h.CreateDiscoveredAccounts)
	api.HandleFunc("GET /api/v1/accounts/{id}", h.GetAccount)
	api.HandleFunc("DELETE /api/v1/accounts/{id}", h.DeleteAccount)
	api.HandleFunc("GET /api/v1/accounts/{id}/credentials", h.GetCredentials)
	api.HandleFunc("PATCH /api/v1/accounts/{id}/credentials", h.UpdateCredentials)
	api.HandleFunc("POST /api/v1/accounts/{id}/migrate", h.MigrateAccount)

	api.HandleFunc("POST /api/v1/accounts/{id}/sync", h.SyncAccount)
	api.HandleFunc("POST /api/v1/accounts/{id}/sync/complete", h.CompleteSync)
	api.HandleFunc("POST /api/v1/sync", h.SyncAll)
	api.HandleFunc("GET /api/v1/sync/health", h.SyncHealthStatus)

	api.HandleFunc("GET /api/v1/accounts/{id}/snapshots", h.ListSnapshots)
	api.HandleFunc("POST /api/v1/accounts/{id}/snapshots", h.AddSnapshot)
	api.HandleFunc("POST /api/v1/accounts/{id}/snapshots/import", h.ImportSnapshots)

	api.HandleFunc("GET /api/v1/wealth/summary", h.WealthSummary)
	api.HandleFunc("GET /api/v1/wealth/breakdown", h.WealthBreakdown)
	api.HandleFunc("GET /api/v1/wealth/history", h.WealthHistory)

	api.HandleFunc("POST /api/v1/keys/migrate", h.MigrateKeys)
	api.HandleFunc("POST /api/v1/keys/rotate", h.RotateKeys)
	api.HandleFunc("POST /api/v1/keys/verify", h.VerifyPassword)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("/api/v1/", authMiddleware(jwtSecret, api))
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// GetProfile returns the authenticated user.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.Users.Profile(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, h.logger, "failed to get profile", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// UpdatePreferences sets the base currency and the auto-sync opt-in.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.Users.UpdatePreferences(r.Context(), userID(r), req.BaseCurrency, req.AutoSyncEnabled); err != nil {
		writeServiceError(w, h.logger, "failed to update preferences", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBrokers returns the broker catalog.
func (h *Handler) ListBrokers(w http.ResponseWriter, _ *http.Request) {
	brokers := h.svc.Brokers.List()
	resp := make([]BrokerResponse, 0, len(brokers))
	for _, b := range brokers {
		resp = append(resp, toBrokerResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Discover logs in with ad-hoc credentials and lists the accounts found.
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.svc.Discovery.Discover(r.Context(), userID(r), r.PathValue("code"), model.Credentials(req.Credentials))
	if err != nil {
		writeServiceError(w, h.logger, "discovery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscoveryResponse(result))
}

// CompleteDiscovery answers the challenge of a parked discovery.
func (h *Handler) CompleteDiscovery(w http.ResponseWriter, r *http.Request) {
	var req ChallengeAnswerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.svc.Discovery.Complete(r.Context(), userID(r), r.PathValue("token"), req.Code)
	if err != nil {
		writeServiceError(w, h.logger, "discovery completion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscoveryResponse(result))
}

// SyncHealthStatus returns the sync overview of the user's accounts.
func (h *Handler) SyncHealthStatus(w http.ResponseWriter, r *http.Request) {
	health, err := h.svc.Health.Status(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, h.logger, "failed to get sync health", err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncHealthResponse(health))
}

// accountID parses the {id} path value, writing a 400 when it is malformed.
func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}
