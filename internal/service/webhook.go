package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/database"
	"waflow/internal/models"
	"waflow/internal/privacy"
)

// WebhookDispatcher fans webhook payloads out per tenant: statuses to the
// broadcast reconciler, messages to the engine. Change values are processed
// serially; messages within one are independent of each other.
type WebhookDispatcher struct {
	db         *database.Database
	engine     *Engine
	reconciler *BroadcastReconciler
	logger     *logrus.Logger
}

func NewWebhookDispatcher(db *database.Database, engine *Engine, reconciler *BroadcastReconciler, logger *logrus.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		db:         db,
		engine:     engine,
		reconciler: reconciler,
		logger:     logger,
	}
}

// VerifySignature checks the X-Hub-Signature-256 header against the app
// secret. An empty configured secret disables verification.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return true
	}
	signature := strings.TrimPrefix(header, "sha256=")
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ExtractChangeValues accepts both webhook payload shapes: the batched
// entry[].changes[].value envelope and the standalone {field?, value} form.
func ExtractChangeValues(body []byte) ([]models.ChangeValue, error) {
	var envelope models.WebhookPayload
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Entry) > 0 {
		var values []models.ChangeValue
		for _, entry := range envelope.Entry {
			for _, change := range entry.Changes {
				values = append(values, change.Value)
			}
		}
		return values, nil
	}

	var standalone models.StandaloneChange
	if err := json.Unmarshal(body, &standalone); err != nil {
		return nil, fmt.Errorf("unrecognized webhook payload: %w", err)
	}
	if standalone.Value.Metadata.PhoneNumberID == "" &&
		len(standalone.Value.Messages) == 0 && len(standalone.Value.Statuses) == 0 {
		return nil, nil
	}
	return []models.ChangeValue{standalone.Value}, nil
}

// Dispatch processes one webhook request body. Per-message errors are
// logged and swallowed; the HTTP layer answers 200 regardless because the
// event itself was accepted.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, body []byte) error {
	values, err := ExtractChangeValues(body)
	if err != nil {
		return err
	}

	for _, value := range values {
		d.processChangeValue(ctx, value)
	}
	return nil
}

func (d *WebhookDispatcher) processChangeValue(ctx context.Context, value models.ChangeValue) {
	user, err := d.db.GetUserByPhoneNumberID(ctx, value.Metadata.PhoneNumberID)
	if err != nil {
		d.logger.WithError(err).Error("tenant lookup failed")
		return
	}
	if user == nil {
		d.logger.WithField("phone_number_id", value.Metadata.PhoneNumberID).
			Warn("webhook for unknown phone number id, skipping")
		return
	}

	if len(value.Statuses) > 0 {
		d.reconciler.ReconcileStatuses(ctx, user.ID, value.Statuses)
	}

	if len(value.Messages) == 0 {
		return
	}

	names := make(map[string]string, len(value.Contacts))
	for _, contact := range value.Contacts {
		names[contact.WaID] = contact.Profile.Name
	}

	for _, message := range value.Messages {
		inbound := normalizeInbound(message, names)
		if err := d.engine.HandleInboundMessage(ctx, user, inbound); err != nil {
			// One message's failure must not stop its siblings.
			d.logger.WithError(err).WithFields(logrus.Fields{
				"from":       privacy.MaskPhoneNumber(inbound.From),
				"message_id": inbound.MessageID,
			}).Error("failed to process inbound message")
		}
	}
}

// normalizeInbound flattens one webhook message into the executor's input
// shape. Interactive replies surface both the reply id and its title.
func normalizeInbound(message models.WebhookMessage, names map[string]string) models.InboundMessage {
	inbound := models.InboundMessage{
		MessageID:   message.ID,
		From:        message.From,
		ProfileName: names[message.From],
		Timestamp:   parseMessageTimestamp(message.Timestamp),
	}

	if message.Text != nil {
		inbound.Text = message.Text.Body
	}

	if message.Interactive != nil {
		reply := message.Interactive.ButtonReply
		if reply == nil {
			reply = message.Interactive.ListReply
		}
		if reply != nil {
			inbound.InteractiveID = reply.ID
			inbound.InteractiveTitle = reply.Title
			if inbound.Text == "" {
				inbound.Text = reply.Title
			}
		}
	}

	for mediaType, raw := range map[string]json.RawMessage{
		"image":    message.Image,
		"video":    message.Video,
		"audio":    message.Audio,
		"document": message.Document,
	} {
		if len(raw) == 0 {
			continue
		}
		var blob map[string]interface{}
		if err := json.Unmarshal(raw, &blob); err == nil {
			inbound.MediaType = mediaType
			inbound.Media = blob
			break
		}
	}

	return inbound
}

func parseMessageTimestamp(raw string) time.Time {
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC()
	}
	return time.Now().UTC()
}
