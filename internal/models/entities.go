package models

import "time"

// User is a tenant: the owner of flows, contacts and broadcasts, holding the
// Meta credentials used to send on its behalf. Lifecycle is managed outside
// the engine.
type User struct {
	ID                string    `db:"id"`
	AccessToken       string    `db:"access_token"`
	BusinessAccountID string    `db:"business_account_id"`
	PhoneNumberID     string    `db:"phone_number_id"`
	VerifyToken       string    `db:"verify_token"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Contact is an end user reachable over WhatsApp. Phone is canonical
// digits-only; (UserID, Phone) is unique.
type Contact struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Phone     string    `db:"phone"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type FlowStatus string

const (
	FlowStatusDraft    FlowStatus = "draft"
	FlowStatusActive   FlowStatus = "active"
	FlowStatusPaused   FlowStatus = "paused"
	FlowStatusArchived FlowStatus = "archived"
)

type Channel string

const ChannelWhatsApp Channel = "whatsapp"

// MetaFlow carries the Meta-side identity of a published WhatsApp Flow.
type MetaFlow struct {
	ID         string                 `json:"id,omitempty"`
	Token      string                 `json:"token,omitempty"`
	Version    string                 `json:"version,omitempty"`
	RevisionID string                 `json:"revisionId,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Flow is a named directed graph of nodes driving one dialogue. Only active
// WhatsApp flows are candidates for inbound routing.
type Flow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	Name       string         `db:"name"`
	Trigger    string         `db:"trigger"`
	Status     FlowStatus     `db:"status"`
	Channel    Channel        `db:"channel"`
	Definition FlowDefinition `db:"definition"`
	MetaFlow   MetaFlow       `db:"meta_flow"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusErrored   SessionStatus = "errored"
)

// Session is the runtime state of a flow for one contact. (ContactID,
// FlowID) is unique; completed/errored sessions are reset on re-entry.
type Session struct {
	ID            string                 `db:"id"`
	ContactID     string                 `db:"contact_id"`
	FlowID        string                 `db:"flow_id"`
	Status        SessionStatus          `db:"status"`
	CurrentNodeID *string                `db:"current_node_id"`
	Context       map[string]interface{} `db:"context"`
	CreatedAt     time.Time              `db:"created_at"`
	UpdatedAt     time.Time              `db:"updated_at"`
}

type Broadcast struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	TotalRecipients int       `db:"total_recipients"`
	SuccessCount    int       `db:"success_count"`
	FailureCount    int       `db:"failure_count"`
	Status          string    `db:"status"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "Pending"
	RecipientStatusSent      RecipientStatus = "Sent"
	RecipientStatusDelivered RecipientStatus = "Delivered"
	RecipientStatusRead      RecipientStatus = "Read"
	RecipientStatusFailed    RecipientStatus = "Failed"
	RecipientStatusWarning   RecipientStatus = "Warning"
)

// BroadcastRecipient tracks per-recipient delivery of one broadcast. Located
// by MessageID when Meta status callbacks are reconciled.
type BroadcastRecipient struct {
	ID              string          `db:"id"`
	BroadcastID     string          `db:"broadcast_id"`
	ContactID       string          `db:"contact_id"`
	Status          RecipientStatus `db:"status"`
	Error           *string         `db:"error"`
	StatusUpdatedAt *time.Time      `db:"status_updated_at"`
	MessageID       *string         `db:"message_id"`
	ConversationID  *string         `db:"conversation_id"`
}

// SessionLog is an append-only snapshot of a session's (status, context)
// written after each inbound processing.
type SessionLog struct {
	ID        string                 `db:"id"`
	SessionID string                 `db:"session_id"`
	Status    SessionStatus          `db:"status"`
	Context   map[string]interface{} `db:"context"`
	CreatedAt time.Time              `db:"created_at"`
}

// InboundMessage is the normalized inbound event the executor consumes:
// text plus optional interactive reply and an opaque media blob.
type InboundMessage struct {
	MessageID        string
	From             string
	ProfileName      string
	Text             string
	InteractiveID    string
	InteractiveTitle string
	MediaType        string
	Media            map[string]interface{}
	Timestamp        time.Time
}
