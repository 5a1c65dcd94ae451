package application

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// AccountValue is one account's base-currency value on a date.
type AccountValue struct {
	AccountID int64
	Date      time.Time
	Value     decimal.Decimal
}

// DailyTimeline sums the accounts' values for every day in [start, end].
// Each account contributes its latest value on or before the day; when an
// account has several values on one date the last one in values wins.
func DailyTimeline(values []AccountValue, start, end time.Time) []model.TimelinePoint {
	start, end = model.DateOnly(start), model.DateOnly(end)
	if end.Before(start) {
		return nil
	}

	type dated struct {
		date  time.Time
		value decimal.Decimal
	}
	byAccount := make(map[int64]map[time.Time]decimal.Decimal)
	for _, v := range values {
		m, ok := byAccount[v.AccountID]
		if !ok {
			m = make(map[time.Time]decimal.Decimal)
			byAccount[v.AccountID] = m
		}
		m[model.DateOnly(v.Date)] = v.Value
	}

	series := make([][]dated, 0, len(byAccount))
	for _, m := range byAccount {
		s := make([]dated, 0, len(m))
		for d, v := range m {
			s = append(s, dated{d, v})
		}
		sort.Slice(s, func(i, j int) bool { return s[i].date.Before(s[j].date) })
		series = append(series, s)
	}

	cursor := make([]int, len(series)) // index of the next unconsumed point
	last := make([]*decimal.Decimal, len(series))

	var points []model.TimelinePoint
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		total := decimal.Zero
		for i, s := range series {
			for cursor[i] < len(s) && !s[cursor[i]].date.After(day) {
				v := s[cursor[i]].value
				last[i] = &v
				cursor[i]++
			}
			if last[i] != nil {
				total = total.Add(*last[i])
			}
		}
		points = append(points, model.TimelinePoint{Date: day, Value: total})
	}
	return points
}

// MonthlyTimeline keeps one point per month: the latest daily point on or
// before the month's reference day, which is refDay clamped to the month's
// length. Points are labelled with the reference date. Months with no point
// on or before it are omitted.
func MonthlyTimeline(daily []model.TimelinePoint, refDay int) []model.TimelinePoint {
	if refDay < 1 {
		refDay = 1
	}

	chosen := make(map[time.Time]model.TimelinePoint)
	for _, p := range daily {
		d := model.DateOnly(p.Date)
		target := referenceDate(d.Year(), d.Month(), refDay)
		if d.After(target) {
			continue
		}
		if prev, ok := chosen[target]; !ok || d.After(prev.Date) {
			chosen[target] = model.TimelinePoint{Date: d, Value: p.Value}
		}
	}

	out := make([]model.TimelinePoint, 0, len(chosen))
	for target, p := range chosen {
		out = append(out, model.TimelinePoint{Date: target, Value: p.Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func referenceDate(year int, month time.Month, refDay int) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return time.Date(year, month, min(refDay, lastDay), 0, 0, 0, 0, time.UTC)
}
