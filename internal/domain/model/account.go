package model

import "time"

// Account is a user's account at one broker or bank.
type Account struct {
	ID                   int64
	UserID               int64
	BrokerCode           string
	Name                 string
	Type                 AccountType
	Currency             string
	ExternalID           string // Identifier at the institution (IBAN, account id).
	Status               AccountStatus
	SyncEnabled          bool
	EncryptedCredentials []byte
	Scheme               EncryptionScheme
	PendingAuth          *PendingAuth
	LastSyncAt           *time.Time
	LastSyncError        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasCredentials reports whether credentials are stored for automatic sync.
func (a Account) HasCredentials() bool {
	return len(a.EncryptedCredentials) > 0
}

// CredentialField describes one entry of a broker's credential form.
type CredentialField struct {
	Name     string `yaml:"name"`
	Label    string `yaml:"label"`
	Required bool   `yaml:"required"`
	Secret   bool   `yaml:"secret"`
}

// Broker is a catalog entry describing how to reach an institution.
type Broker struct {
	Code             string            `yaml:"code"`
	Name             string            `yaml:"name"`
	Family           BrokerFamily      `yaml:"family"`
	Country          string            `yaml:"country"`
	DefaultCurrency  string            `yaml:"currency"`
	BankCode         string            `yaml:"bank_code"`
	ServerURL        string            `yaml:"server_url"`
	APIBaseURL       string            `yaml:"api_base_url"`
	SupportsAutoSync bool              `yaml:"supports_auto_sync"`
	Requires2FA      bool              `yaml:"requires_2fa"`
	CredentialSchema []CredentialField `yaml:"credentials"`
}

// RequiredFields lists the credential names that must be present.
func (b Broker) RequiredFields() []string {
	var out []string
	for _, f := range b.CredentialSchema {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}
