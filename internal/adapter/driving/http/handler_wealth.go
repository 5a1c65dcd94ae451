package httphandler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/application"
)

const defaultHistoryDays = 365

// WealthSummary returns the current total across all accounts.
func (h *Handler) WealthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Wealth.Summary(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, h.logger, "failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(summary))
}

// WealthBreakdown groups the current total by ?by=broker|currency|account_type|account.
func (h *Handler) WealthBreakdown(w http.ResponseWriter, r *http.Request) {
	by := application.BreakdownDimension(r.URL.Query().Get("by"))
	if by == "" {
		by = application.ByBroker
	}
	entries, err := h.svc.Wealth.Breakdown(r.Context(), userID(r), by)
	if err != nil {
		writeServiceError(w, h.logger, "failed to build breakdown", err)
		return
	}

	resp := make([]BreakdownEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, BreakdownEntryResponse{Label: e.Label, Value: e.Value, Percentage: e.Percentage})
	}
	writeJSON(w, http.StatusOK, resp)
}

// WealthHistory returns the wealth timeline for ?days=N&granularity=daily|monthly.
func (h *Handler) WealthHistory(w http.ResponseWriter, r *http.Request) {
	days := defaultHistoryDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}
	granularity := application.Granularity(r.URL.Query().Get("granularity"))

	history, err := h.svc.Wealth.History(r.Context(), userID(r), days, granularity)
	if err != nil {
		writeServiceError(w, h.logger, "failed to build history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(history))
}

// ListSnapshots returns an account's snapshots.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	snaps, err := h.svc.Wealth.Snapshots(r.Context(), userID(r), id)
	if err != nil {
		writeServiceError(w, h.logger, "failed to list snapshots", err)
		return
	}

	resp := make([]SnapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, toSnapshotResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddSnapshot records a balance entered by hand.
func (h *Handler) AddSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req SnapshotRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var date time.Time
	if req.Date != "" {
		d, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}

	snap, err := h.svc.Wealth.AddSnapshot(r.Context(), userID(r), id, application.ManualSnapshot{
		Date:     date,
		Balance:  req.Balance,
		Currency: req.Currency,
	})
	if err != nil {
		writeServiceError(w, h.logger, "failed to add snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSnapshotResponse(snap))
}

// ImportSnapshots records snapshots from a CSV request body with
// date, balance and currency columns.
func (h *Handler) ImportSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	result, err := h.svc.Wealth.ImportCSV(r.Context(), userID(r), id, body)
	if err != nil {
		writeServiceError(w, h.logger, "failed to import snapshots", err)
		return
	}

	errs := result.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, http.StatusOK, ImportResponse{
		Imported:    result.Imported,
		Skipped:     result.Skipped,
		Errors:      errs,
		TotalErrors: result.TotalErrors,
	})
}
