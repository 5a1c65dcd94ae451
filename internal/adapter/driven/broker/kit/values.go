package kit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// Decimal converts a loosely typed JSON value to a decimal. Strings may use
// thousands separators ("1'234.50", "1,234.50").
func Decimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, false
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case string:
		s := strings.NewReplacer("'", "", ",", "", " ", "").Replace(strings.TrimSpace(n))
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// FirstDecimal returns the first key of m that holds a parseable number.
func FirstDecimal(m map[string]any, keys ...string) (decimal.Decimal, bool) {
	for _, k := range keys {
		if d, ok := Decimal(m[k]); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

// String returns m[key] formatted as a string, or "".
func String(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
			continue
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Map returns m[key] when it is a JSON object.
func Map(m map[string]any, key string) map[string]any {
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	return nil
}

// Maps returns m[key] as a list of JSON objects, skipping other elements.
func Maps(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"20060102;150405",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006",
}

// ParseDate accepts the date formats institutions return, plus epoch milliseconds.
func ParseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case json.Number:
		if ms, err := d.Int64(); err == nil {
			return model.DateOnly(time.UnixMilli(ms).UTC()), true
		}
	case float64:
		return model.DateOnly(time.UnixMilli(int64(d)).UTC()), true
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return model.DateOnly(t), true
			}
		}
		if len(s) >= 10 {
			if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
				return model.DateOnly(t), true
			}
		}
	}
	return time.Time{}, false
}

var assetClasses = map[string]model.AssetClass{
	"STK":    model.AssetClassEquity,
	"OPT":    model.AssetClassEquity,
	"ETF":    model.AssetClassEquity,
	"FUND":   model.AssetClassEquity,
	"WAR":    model.AssetClassEquity,
	"FOP":    model.AssetClassEquity,
	"CFD":    model.AssetClassEquity,
	"FUT":    model.AssetClassCommodity,
	"CASH":   model.AssetClassCash,
	"BOND":   model.AssetClassFixedIncome,
	"BILL":   model.AssetClassFixedIncome,
	"CRYPTO": model.AssetClassCrypto,
}

// AssetClassFor maps a broker asset category code to an asset class.
func AssetClassFor(code string) model.AssetClass {
	if ac, ok := assetClasses[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return ac
	}
	return model.AssetClassOther
}

// Today is the current UTC date. Integrations call it so tests can override it.
var Today = func() time.Time {
	return model.DateOnly(time.Now().UTC())
}
