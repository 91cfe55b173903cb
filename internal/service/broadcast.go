package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/database"
	"waflow/internal/models"
)

// BroadcastReconciler folds Meta delivery status callbacks into broadcast
// recipient rows and the parent broadcast's aggregate counters.
type BroadcastReconciler struct {
	db     *database.Database
	logger *logrus.Logger
}

func NewBroadcastReconciler(db *database.Database, logger *logrus.Logger) *BroadcastReconciler {
	return &BroadcastReconciler{db: db, logger: logger}
}

var canonicalStatuses = map[string]models.RecipientStatus{
	"sent":        models.RecipientStatusSent,
	"delivered":   models.RecipientStatusDelivered,
	"read":        models.RecipientStatusRead,
	"failed":      models.RecipientStatusFailed,
	"undelivered": models.RecipientStatusFailed,
	"deleted":     models.RecipientStatusFailed,
	"warning":     models.RecipientStatusWarning,
	"pending":     models.RecipientStatusPending,
	"queued":      models.RecipientStatusPending,
}

// CanonicalRecipientStatus maps a raw Meta status to the stored form.
// Unknown statuses are kept, capitalized.
func CanonicalRecipientStatus(raw string) models.RecipientStatus {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := canonicalStatuses[lower]; ok {
		return canonical
	}
	if lower == "" {
		return ""
	}
	return models.RecipientStatus(strings.ToUpper(lower[:1]) + lower[1:])
}

func isSuccessStatus(status models.RecipientStatus) bool {
	switch status {
	case models.RecipientStatusSent, models.RecipientStatusDelivered, models.RecipientStatusRead:
		return true
	}
	return false
}

// statusErrorText picks the most specific failure description Meta offers.
func statusErrorText(errs []models.WebhookStatusError) string {
	if len(errs) == 0 {
		return "Meta reported delivery failure"
	}
	first := errs[0]
	if first.ErrorData.Details != "" {
		return first.ErrorData.Details
	}
	if first.Message != "" {
		return first.Message
	}
	if first.Title != "" {
		return first.Title
	}
	if first.Code != 0 {
		return fmt.Sprintf("Error code %d", first.Code)
	}
	return "Meta reported delivery failure"
}

// parseStatusTimestamp reads Meta's timestamp field: epoch seconds when
// numeric, ISO-8601 otherwise, now as the last resort.
func parseStatusTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// ReconcileStatuses applies a batch of webhook statuses for one tenant.
// One status's failure never stops its siblings.
func (b *BroadcastReconciler) ReconcileStatuses(ctx context.Context, userID string, statuses []models.WebhookStatus) {
	for _, status := range statuses {
		if status.ID == "" {
			continue
		}
		if err := b.reconcileOne(ctx, userID, status); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"message_id": status.ID,
				"status":     status.Status,
			}).Warn("failed to reconcile broadcast status")
		}
	}
}

func (b *BroadcastReconciler) reconcileOne(ctx context.Context, userID string, status models.WebhookStatus) error {
	recipient, err := b.db.GetRecipientByMessageID(ctx, status.ID, userID)
	if err != nil {
		return err
	}
	if recipient == nil {
		// Not a broadcast message; session sends also produce statuses.
		return nil
	}

	canonical := CanonicalRecipientStatus(status.Status)
	newStatus := recipient.Status
	if canonical != "" {
		newStatus = canonical
	}

	update := database.RecipientStatusUpdate{
		Status:          newStatus,
		StatusUpdatedAt: parseStatusTimestamp(status.Timestamp),
	}

	if newStatus == models.RecipientStatusFailed {
		text := statusErrorText(status.Errors)
		update.Error = &text
	} else {
		update.Error = nil
	}

	if status.Conversation != nil && status.Conversation.ID != "" {
		update.ConversationID = &status.Conversation.ID
	}

	// Delta is +1 entering a set, -1 leaving it, 0 otherwise; both deltas
	// land in one atomic update.
	update.SuccessDelta = setDelta(isSuccessStatus(recipient.Status), isSuccessStatus(newStatus))
	update.FailureDelta = setDelta(recipient.Status == models.RecipientStatusFailed, newStatus == models.RecipientStatusFailed)

	return b.db.ApplyRecipientStatusUpdate(ctx, recipient, update)
}

func setDelta(was, is bool) int {
	switch {
	case is && !was:
		return 1
	case was && !is:
		return -1
	default:
		return 0
	}
}
