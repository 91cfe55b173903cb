package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"waflow/internal/migrations"
	"waflow/internal/models"
	"waflow/internal/security"
)

type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	// Validate database path to prevent directory traversal
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newWithDB(db)
}

// NewInMemory opens a fresh in-memory database, used by tests.
func NewInMemory() (*Database, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newWithDB(db)
}

func newWithDB(db *sql.DB) (*Database, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// IsUniqueConstraintError reports whether err is a unique-constraint
// violation. Contact and session creation use it as the signal of a racing
// insert on the same key.
func IsUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func newID() string {
	return uuid.NewString()
}

func marshalJSONColumn(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(raw), nil
}

// User operations

func (d *Database) SaveUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = newID()
	}
	return retryableDBOperation(ctx, "save user", func() error {
		_, err := d.db.ExecContext(ctx, upsertUserQuery,
			user.ID, user.AccessToken, user.BusinessAccountID, user.PhoneNumberID, user.VerifyToken)
		return err
	})
}

func (d *Database) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.AccessToken, &user.BusinessAccountID,
		&user.PhoneNumberID, &user.VerifyToken, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &user, nil
}

func (d *Database) GetUser(ctx context.Context, id string) (*models.User, error) {
	return d.scanUser(d.db.QueryRowContext(ctx, selectUserByIDQuery, id))
}

// GetUserByPhoneNumberID resolves the tenant a webhook change value belongs
// to. Returns nil when the phone number id is unknown.
func (d *Database) GetUserByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.User, error) {
	return d.scanUser(d.db.QueryRowContext(ctx, selectUserByPhoneNumberIDQuery, phoneNumberID))
}

// Contact operations

func (d *Database) CreateContact(ctx context.Context, contact *models.Contact) error {
	if contact.ID == "" {
		contact.ID = newID()
	}

	encryptedPhone, err := d.encryptor.EncryptForLookupIfEnabled(contact.Phone)
	if err != nil {
		return fmt.Errorf("failed to encrypt phone: %w", err)
	}
	encryptedName, err := d.encryptor.EncryptIfEnabled(contact.Name)
	if err != nil {
		return fmt.Errorf("failed to encrypt name: %w", err)
	}

	_, err = d.db.ExecContext(ctx, insertContactQuery,
		contact.ID, contact.UserID, encryptedPhone, encryptedName)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (d *Database) scanContact(row *sql.Row) (*models.Contact, error) {
	var contact models.Contact
	var encryptedPhone, encryptedName string
	err := row.Scan(&contact.ID, &contact.UserID, &encryptedPhone, &encryptedName,
		&contact.CreatedAt, &contact.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	contact.Phone, err = d.encryptor.DecryptIfEnabled(encryptedPhone)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt phone: %w", err)
	}
	contact.Name, err = d.encryptor.DecryptIfEnabled(encryptedName)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt name: %w", err)
	}
	return &contact, nil
}

func (d *Database) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	return d.scanContact(d.db.QueryRowContext(ctx, selectContactByIDQuery, id))
}

// GetContactByPhones finds a tenant's contact whose stored phone matches any
// form in the search set. Returns nil when none match.
func (d *Database) GetContactByPhones(ctx context.Context, userID string, phones []string) (*models.Contact, error) {
	for _, phone := range phones {
		encryptedPhone, err := d.encryptor.EncryptForLookupIfEnabled(phone)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt phone: %w", err)
		}
		contact, err := d.scanContact(d.db.QueryRowContext(ctx, selectContactByPhoneQuery, userID, encryptedPhone))
		if err != nil {
			return nil, err
		}
		if contact != nil {
			return contact, nil
		}
	}
	return nil, nil
}

func (d *Database) UpdateContact(ctx context.Context, contact *models.Contact) error {
	encryptedPhone, err := d.encryptor.EncryptForLookupIfEnabled(contact.Phone)
	if err != nil {
		return fmt.Errorf("failed to encrypt phone: %w", err)
	}
	encryptedName, err := d.encryptor.EncryptIfEnabled(contact.Name)
	if err != nil {
		return fmt.Errorf("failed to encrypt name: %w", err)
	}

	return retryableDBOperation(ctx, "update contact", func() error {
		_, err := d.db.ExecContext(ctx, updateContactQuery, encryptedPhone, encryptedName, contact.ID)
		return err
	})
}

// Flow operations

func (d *Database) SaveFlow(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = newID()
	}
	definition, err := marshalJSONColumn(flow.Definition)
	if err != nil {
		return err
	}
	metaFlow, err := marshalJSONColumn(flow.MetaFlow)
	if err != nil {
		return err
	}
	return retryableDBOperation(ctx, "save flow", func() error {
		_, err := d.db.ExecContext(ctx, upsertFlowQuery,
			flow.ID, flow.UserID, flow.Name, flow.Trigger,
			string(flow.Status), string(flow.Channel), definition, metaFlow)
		return err
	})
}

func (d *Database) scanFlow(row *sql.Row) (*models.Flow, error) {
	var flow models.Flow
	var definition, metaFlow string
	var status, channel string
	err := row.Scan(&flow.ID, &flow.UserID, &flow.Name, &flow.Trigger,
		&status, &channel, &definition, &metaFlow, &flow.CreatedAt, &flow.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}
	flow.Status = models.FlowStatus(status)
	flow.Channel = models.Channel(channel)
	if err := json.Unmarshal([]byte(definition), &flow.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode flow definition: %w", err)
	}
	if err := json.Unmarshal([]byte(metaFlow), &flow.MetaFlow); err != nil {
		return nil, fmt.Errorf("failed to decode meta flow: %w", err)
	}
	return &flow, nil
}

func (d *Database) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	return d.scanFlow(d.db.QueryRowContext(ctx, selectFlowByIDQuery, id))
}

// GetActiveFlows returns a tenant's active WhatsApp flows in creation
// order; these are the routing candidates for inbound messages.
func (d *Database) GetActiveFlows(ctx context.Context, userID string) ([]*models.Flow, error) {
	rows, err := d.db.QueryContext(ctx, selectActiveFlowsQuery,
		userID, string(models.FlowStatusActive), string(models.ChannelWhatsApp))
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		var flow models.Flow
		var definition, metaFlow, status, channel string
		if err := rows.Scan(&flow.ID, &flow.UserID, &flow.Name, &flow.Trigger,
			&status, &channel, &definition, &metaFlow, &flow.CreatedAt, &flow.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flow.Status = models.FlowStatus(status)
		flow.Channel = models.Channel(channel)
		if err := json.Unmarshal([]byte(definition), &flow.Definition); err != nil {
			return nil, fmt.Errorf("failed to decode flow definition: %w", err)
		}
		if err := json.Unmarshal([]byte(metaFlow), &flow.MetaFlow); err != nil {
			return nil, fmt.Errorf("failed to decode meta flow: %w", err)
		}
		flows = append(flows, &flow)
	}
	return flows, rows.Err()
}

// Session operations

func (d *Database) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = newID()
	}
	contextJSON, err := marshalJSONColumn(session.Context)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, insertSessionQuery,
		session.ID, session.ContactID, session.FlowID,
		string(session.Status), session.CurrentNodeID, contextJSON)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (d *Database) scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	var status, contextJSON string
	err := row.Scan(&session.ID, &session.ContactID, &session.FlowID,
		&status, &session.CurrentNodeID, &contextJSON, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	session.Status = models.SessionStatus(status)
	if err := json.Unmarshal([]byte(contextJSON), &session.Context); err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}
	return &session, nil
}

func (d *Database) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return d.scanSession(d.db.QueryRowContext(ctx, selectSessionByIDQuery, id))
}

func (d *Database) GetSessionByContactAndFlow(ctx context.Context, contactID, flowID string) (*models.Session, error) {
	return d.scanSession(d.db.QueryRowContext(ctx, selectSessionByContactAndFlowQuery, contactID, flowID))
}

// GetLatestOpenSession returns the contact's most recently updated Active or
// Paused session, or nil.
func (d *Database) GetLatestOpenSession(ctx context.Context, contactID string) (*models.Session, error) {
	return d.scanSession(d.db.QueryRowContext(ctx, selectLatestOpenSessionQuery,
		contactID, string(models.SessionStatusActive), string(models.SessionStatusPaused)))
}

// UpdateSession persists the session's status, position and context. The
// executor calls this between steps; it must not be reordered with sends.
func (d *Database) UpdateSession(ctx context.Context, session *models.Session) error {
	contextJSON, err := marshalJSONColumn(session.Context)
	if err != nil {
		return err
	}
	return retryableDBOperation(ctx, "update session", func() error {
		_, err := d.db.ExecContext(ctx, updateSessionQuery,
			string(session.Status), session.CurrentNodeID, contextJSON, session.ID)
		return err
	})
}

// Session log operations

func (d *Database) AppendSessionLog(ctx context.Context, log *models.SessionLog) error {
	if log.ID == "" {
		log.ID = newID()
	}
	contextJSON, err := marshalJSONColumn(log.Context)
	if err != nil {
		return err
	}
	return retryableDBOperation(ctx, "append session log", func() error {
		_, err := d.db.ExecContext(ctx, insertSessionLogQuery,
			log.ID, log.SessionID, string(log.Status), contextJSON)
		return err
	})
}

func (d *Database) GetSessionLogs(ctx context.Context, sessionID string) ([]*models.SessionLog, error) {
	rows, err := d.db.QueryContext(ctx, selectSessionLogsQuery, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.SessionLog
	for rows.Next() {
		var log models.SessionLog
		var status, contextJSON string
		if err := rows.Scan(&log.ID, &log.SessionID, &status, &contextJSON, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session log: %w", err)
		}
		log.Status = models.SessionStatus(status)
		if err := json.Unmarshal([]byte(contextJSON), &log.Context); err != nil {
			return nil, fmt.Errorf("failed to decode log context: %w", err)
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// CleanupOldSessionLogs removes logs older than the retention window.
func (d *Database) CleanupOldSessionLogs(retentionDays int) error {
	_, err := d.db.Exec(deleteOldSessionLogsQuery, retentionDays)
	if err != nil {
		return fmt.Errorf("failed to cleanup old session logs: %w", err)
	}
	return nil
}

// touch helpers used by tests to control updated_at ordering.

func (d *Database) SetFlowUpdatedAt(ctx context.Context, flowID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `UPDATE flows SET updated_at = ? WHERE id = ?`, at.UTC(), flowID)
	return err
}

func (d *Database) SetSessionLogCreatedAt(ctx context.Context, logID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `UPDATE session_logs SET created_at = ? WHERE id = ?`, at.UTC(), logID)
	return err
}
