package model

import (
	"log/slog"
	"slices"
	"sort"
	"strings"
)

// MaskedValue replaces sensitive credential values in API responses.
const MaskedValue = "••••••••"

var (
	sensitiveCredentialKeys = []string{"password", "pin", "secret", "totp_secret", "flex_token", "token", "api_key", "jwt_token"}
	oneTimeCredentialKeys   = []string{"token", "totp_token", "otp", "tan", "sms_code"}
)

// Credentials holds the secrets needed to log in to one institution. Keys
// follow the broker catalog's credential schema.
type Credentials map[string]string

// Get returns the trimmed value stored under key.
func (c Credentials) Get(key string) string {
	return strings.TrimSpace(c[key])
}

// Has reports whether key holds a non-blank value.
func (c Credentials) Has(key string) bool {
	return c.Get(key) != ""
}

// Missing returns the keys from required that hold no value.
func (c Credentials) Missing(required []string) []string {
	var missing []string
	for _, key := range required {
		if !c.Has(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

// Clone returns an independent copy.
func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// WithoutOneTime drops fields that are only valid for a single login
// (TOTP codes, TANs) so they are never persisted.
func (c Credentials) WithoutOneTime() Credentials {
	out := c.Clone()
	for _, key := range oneTimeCredentialKeys {
		delete(out, key)
	}
	return out
}

// Masked returns a copy safe to send to clients.
func (c Credentials) Masked() Credentials {
	out := c.Clone()
	for k, v := range out {
		if v != "" && isSensitiveKey(k) {
			out[k] = MaskedValue
		}
	}
	return out
}

// Merge overlays update onto c. Blank values and the mask placeholder leave
// the stored value untouched.
func (c Credentials) Merge(update Credentials) Credentials {
	out := c.Clone()
	for k, v := range update {
		if strings.TrimSpace(v) == "" || v == MaskedValue {
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the credential field names in sorted order.
func (c Credentials) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue("credentials[" + strings.Join(c.Keys(), ",") + "]")
}

// String keeps secrets out of fmt output.
func (c Credentials) String() string {
	return c.LogValue().String()
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	return slices.Contains(sensitiveCredentialKeys, key) || strings.Contains(key, "password") || strings.Contains(key, "secret")
}
