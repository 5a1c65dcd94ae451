package application

import (
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// wideWindowDays is requested from integrations whose history arrives with
// the regular report anyway.
const wideWindowDays = 3650

// BackfillPolicy tunes gap detection.
type BackfillPolicy struct {
	MaxLookbackDays int
	BufferDays      int

	// SkipRecentDays are never treated as gaps; the newest data may not be
	// published yet.
	SkipRecentDays int
}

// DefaultBackfillPolicy looks back one year.
func DefaultBackfillPolicy() BackfillPolicy {
	return BackfillPolicy{MaxLookbackDays: 365, BufferDays: 5, SkipRecentDays: 2}
}

// PlanBackfill returns the history window to request, or false when there
// is nothing to fetch. existing holds the dates that already have a snapshot.
//
// When needsExtraRequest is false the full wide window is returned and the
// caller skips covered dates. Otherwise the oldest missing day between
// MaxLookbackDays and SkipRecentDays+1 days ago is the gap, and the window
// runs from BufferDays before it to today, never starting earlier than
// MaxLookbackDays+BufferDays days ago.
func PlanBackfill(existing []time.Time, today time.Time, needsExtraRequest bool, policy BackfillPolicy) (model.BackfillWindow, bool) {
	today = model.DateOnly(today)
	if !needsExtraRequest {
		return model.BackfillWindow{Start: today.AddDate(0, 0, -wideWindowDays), End: today}, true
	}

	covered := make(map[time.Time]struct{}, len(existing))
	for _, d := range existing {
		covered[model.DateOnly(d)] = struct{}{}
	}

	for daysAgo := policy.MaxLookbackDays; daysAgo > policy.SkipRecentDays; daysAgo-- {
		day := today.AddDate(0, 0, -daysAgo)
		if _, ok := covered[day]; ok {
			continue
		}

		start := day.AddDate(0, 0, -policy.BufferDays)
		earliest := today.AddDate(0, 0, -(policy.MaxLookbackDays + policy.BufferDays))
		if start.Before(earliest) {
			start = earliest
		}
		return model.BackfillWindow{Start: start, End: today}, true
	}
	return model.BackfillWindow{}, false
}
