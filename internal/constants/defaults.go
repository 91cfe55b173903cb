package constants

// Server defaults
const (
	DefaultServerPort            = 3000
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
)

// Meta Graph API defaults
const (
	MetaGraphVersion        = "v23.0"
	DefaultMetaTimeoutSec   = 15
	MetaRecipientNotAllowed = 131030
	MaxInteractiveButtons   = 3
)

// Flow execution guards
const (
	MaxExecutionSteps   = 500
	MaxDelayMs          = 60000
	MaxContextHistory   = 50
	MaxInputHistory     = 50
	DefaultAPIAssignKey = "apiResult"
)

// Node data limits
const (
	MaxTriggerKeywordLength = 64
	MaxMessageTextLength    = 4096
	MinOptionCount          = 2
	MaxOptionCount          = 10
	MaxOptionLength         = 30
	MinDelaySeconds         = 1
	MaxDelaySeconds         = 3600
	MaxConditionExprLength  = 500
	MaxAssignKeyLength      = 50
	MaxAssignValueLength    = 500
	MaxFlowBodyLength       = 1024
	MaxFlowHeaderLength     = 60
	MaxFlowFooterLength     = 60
	MaxFlowCTALength        = 40
	MaxHandoffNoteLength    = 500
)

// Database defaults
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultRetentionDays         = 30
	DefaultCleanupIntervalHours  = 24
)

// Config reload
const (
	DefaultConfigWatchIntervalSec = 30
)

// Field encryption parameters
const (
	EncryptionSalt       = "waflow-field-encryption-v1"
	EncryptionLookupSalt = "waflow-lookup-v1"
	EncryptionNonceSize  = 12
	EncryptionKeySize    = 32
	EncryptionIterations = 100000
)

// Phone validation
const (
	MinPhoneNumberLength = 6
	MaxPhoneNumberLength = 20
)

// Request validation
const (
	MaxIdentifierLength       = 255
	MaxTriggerRequestBodySize = 64 * 1024
	MaxWebhookBodySize        = 1024 * 1024
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
)
