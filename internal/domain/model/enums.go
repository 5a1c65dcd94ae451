package model

// AccountType classifies an account at an institution.
type AccountType string

const (
	AccountTypeChecking   AccountType = "checking"
	AccountTypeSavings    AccountType = "savings"
	AccountTypeBrokerage  AccountType = "brokerage"
	AccountTypeRetirement AccountType = "retirement"
	AccountTypeCrypto     AccountType = "crypto"
	AccountTypeOther      AccountType = "other"
)

// AccountStatus is the sync status of an account.
type AccountStatus string

const (
	AccountStatusActive      AccountStatus = "active"
	AccountStatusInactive    AccountStatus = "inactive"
	AccountStatusError       AccountStatus = "error"
	AccountStatusPendingAuth AccountStatus = "pending_auth"
)

// EncryptionScheme records which key protects an account's credential blob.
type EncryptionScheme string

const (
	EncryptionSchemeLegacy EncryptionScheme = "legacy" // Server-wide master key.
	EncryptionSchemeUser   EncryptionScheme = "user"   // Per-user data key.
)

// SnapshotSource describes how a balance snapshot was produced.
type SnapshotSource string

const (
	SnapshotSourceAuto   SnapshotSource = "auto"
	SnapshotSourceManual SnapshotSource = "manual"
	SnapshotSourceImport SnapshotSource = "import"
)

// AssetClass groups positions for allocation breakdowns.
type AssetClass string

const (
	AssetClassEquity      AssetClass = "equity"
	AssetClassFixedIncome AssetClass = "fixed_income"
	AssetClassCash        AssetClass = "cash"
	AssetClassRealEstate  AssetClass = "real_estate"
	AssetClassCommodity   AssetClass = "commodity"
	AssetClassCrypto      AssetClass = "crypto"
	AssetClassOther       AssetClass = "other"
)

// BrokerFamily selects the integration family used to talk to a broker.
type BrokerFamily string

const (
	BrokerFamilyFinTS   BrokerFamily = "fints"
	BrokerFamilyREST    BrokerFamily = "rest"
	BrokerFamilyGraphQL BrokerFamily = "graphql"
)

// ChallengeKind names the second factor an institution asks for.
type ChallengeKind string

const (
	ChallengeTAN       ChallengeKind = "tan"       // Code typed by the user.
	ChallengeTOTP      ChallengeKind = "totp"      // Authenticator app code.
	ChallengeDecoupled ChallengeKind = "decoupled" // Approved out of band, polled.
	ChallengeGateway   ChallengeKind = "gateway"   // Browser login at a local gateway.
	ChallengeDevice    ChallengeKind = "device"    // Code delivered to a registered device.
)

// AuthState is a node in the authentication state machine.
type AuthState string

const (
	AuthStateUnauthenticated AuthState = "unauthenticated"
	AuthStateChallengeIssued AuthState = "challenge_issued"
	AuthStatePolling         AuthState = "polling"
	AuthStateAuthenticated   AuthState = "authenticated"
	AuthStateFailed          AuthState = "failed"
)

// SessionPurpose tells what a sync session was opened for.
type SessionPurpose string

const (
	SessionPurposeSync      SessionPurpose = "sync"
	SessionPurposeDiscovery SessionPurpose = "discovery"
)
