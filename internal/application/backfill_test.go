package application_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ericfisherdev/wealthpanel/internal/application"
)

// coveredExcept returns every date from 1 to 365 days before today except
// the given offsets.
func coveredExcept(today time.Time, missing ...int) []time.Time {
	skip := make(map[int]bool, len(missing))
	for _, m := range missing {
		skip[m] = true
	}
	var out []time.Time
	for daysAgo := 1; daysAgo <= 365; daysAgo++ {
		if !skip[daysAgo] {
			out = append(out, today.AddDate(0, 0, -daysAgo))
		}
	}
	return out
}

func TestPlanBackfill(t *testing.T) {
	today := day(2026, 6, 15)
	policy := application.DefaultBackfillPolicy()

	tests := []struct {
		name      string
		existing  []time.Time
		extra     bool
		wantOK    bool
		wantStart time.Time
	}{
		{
			name:      "single gap 40 days ago",
			existing:  coveredExcept(today, 40),
			extra:     true,
			wantOK:    true,
			wantStart: today.AddDate(0, 0, -45),
		},
		{
			name:      "oldest gap wins",
			existing:  coveredExcept(today, 10, 200),
			extra:     true,
			wantOK:    true,
			wantStart: today.AddDate(0, 0, -205),
		},
		{
			name:     "fully covered",
			existing: coveredExcept(today),
			extra:    true,
			wantOK:   false,
		},
		{
			name:     "recent days are not gaps",
			existing: coveredExcept(today, 1, 2),
			extra:    true,
			wantOK:   false,
		},
		{
			name:      "no history clamps to lookback plus buffer",
			existing:  nil,
			extra:     true,
			wantOK:    true,
			wantStart: today.AddDate(0, 0, -370),
		},
		{
			name:      "cheap history requests the wide window",
			existing:  coveredExcept(today),
			extra:     false,
			wantOK:    true,
			wantStart: today.AddDate(0, 0, -3650),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window, ok := application.PlanBackfill(tt.existing, today.Add(9*time.Hour), tt.extra, policy)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantStart, window.Start)
			assert.Equal(t, today, window.End)
		})
	}
}
