package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"waflow/internal/models"
)

// Broadcast reconciliation. Aggregate counters are adjusted with SQL-side
// increments inside one transaction so concurrent status callbacks never
// lose each other's deltas.

func (d *Database) SaveBroadcast(ctx context.Context, broadcast *models.Broadcast) error {
	if broadcast.ID == "" {
		broadcast.ID = newID()
	}
	_, err := d.db.ExecContext(ctx, insertBroadcastQuery,
		broadcast.ID, broadcast.UserID, broadcast.TotalRecipients,
		broadcast.SuccessCount, broadcast.FailureCount, broadcast.Status)
	if err != nil {
		return fmt.Errorf("failed to save broadcast: %w", err)
	}
	return nil
}

func (d *Database) GetBroadcast(ctx context.Context, id string) (*models.Broadcast, error) {
	var b models.Broadcast
	err := d.db.QueryRowContext(ctx, selectBroadcastByIDQuery, id).Scan(
		&b.ID, &b.UserID, &b.TotalRecipients, &b.SuccessCount, &b.FailureCount,
		&b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan broadcast: %w", err)
	}
	return &b, nil
}

func (d *Database) SaveBroadcastRecipient(ctx context.Context, recipient *models.BroadcastRecipient) error {
	if recipient.ID == "" {
		recipient.ID = newID()
	}
	_, err := d.db.ExecContext(ctx, insertBroadcastRecipientQuery,
		recipient.ID, recipient.BroadcastID, recipient.ContactID, string(recipient.Status),
		recipient.Error, recipient.StatusUpdatedAt, recipient.MessageID, recipient.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to save broadcast recipient: %w", err)
	}
	return nil
}

// GetRecipientByMessageID locates the recipient row a Meta status callback
// refers to, scoped to the tenant that received the callback.
func (d *Database) GetRecipientByMessageID(ctx context.Context, messageID, userID string) (*models.BroadcastRecipient, error) {
	var r models.BroadcastRecipient
	var status string
	err := d.db.QueryRowContext(ctx, selectRecipientByMessageIDQuery, messageID, userID).Scan(
		&r.ID, &r.BroadcastID, &r.ContactID, &status, &r.Error,
		&r.StatusUpdatedAt, &r.MessageID, &r.ConversationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan broadcast recipient: %w", err)
	}
	r.Status = models.RecipientStatus(status)
	return &r, nil
}

// RecipientStatusUpdate carries one reconciled status change plus the
// aggregate deltas it implies.
type RecipientStatusUpdate struct {
	Status          models.RecipientStatus
	Error           *string
	StatusUpdatedAt time.Time
	ConversationID  *string
	SuccessDelta    int
	FailureDelta    int
}

// ApplyRecipientStatusUpdate writes the recipient row and, when a delta is
// non-zero, adjusts the parent broadcast's counters in the same
// transaction.
func (d *Database) ApplyRecipientStatusUpdate(ctx context.Context, recipient *models.BroadcastRecipient, update RecipientStatusUpdate) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, updateRecipientStatusQuery,
		string(update.Status), update.Error, update.StatusUpdatedAt.UTC(),
		update.ConversationID, recipient.ID)
	if err != nil {
		return fmt.Errorf("failed to update recipient status: %w", err)
	}

	if update.SuccessDelta != 0 || update.FailureDelta != 0 {
		_, err = tx.ExecContext(ctx, adjustBroadcastCountsQuery,
			update.SuccessDelta, update.FailureDelta, recipient.BroadcastID)
		if err != nil {
			return fmt.Errorf("failed to adjust broadcast counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}
