package flow

import (
	"time"

	"waflow/internal/constants"
	"waflow/internal/models"
)

// Context bookkeeping. The session context is an open JSON bag; these
// helpers maintain the _meta.history event log and the denormalized
// last-interaction fields the template interpolator exposes to flows.

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func metaOf(ctx map[string]interface{}) map[string]interface{} {
	meta, ok := ctx["_meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		ctx["_meta"] = meta
	}
	return meta
}

// AppendHistory appends one event to _meta.history, truncating the oldest
// entries beyond the cap.
func AppendHistory(ctx map[string]interface{}, entry map[string]interface{}) {
	meta := metaOf(ctx)
	history, _ := meta["history"].([]interface{})
	if entry["at"] == nil {
		entry["at"] = nowISO()
	}
	history = append(history, entry)
	if len(history) > constants.MaxContextHistory {
		history = history[len(history)-constants.MaxContextHistory:]
	}
	meta["history"] = history
}

// RecordInbound folds an inbound message into the context: history entry,
// denormalized last* fields, message counter and the capped input history.
func RecordInbound(ctx map[string]interface{}, msg models.InboundMessage) {
	at := nowISO()

	entry := map[string]interface{}{
		"direction": "in",
		"type":      "message",
		"text":      msg.Text,
		"messageId": msg.MessageID,
		"at":        at,
	}
	if msg.InteractiveID != "" {
		entry["interactiveId"] = msg.InteractiveID
	}
	AppendHistory(ctx, entry)

	ctx["lastUserMessage"] = msg.Text
	ctx["lastUserMessageAt"] = at
	ctx["lastInput"] = msg.Text
	ctx["lastInputAt"] = at
	if msg.InteractiveID != "" || msg.InteractiveTitle != "" {
		ctx["lastInteractiveId"] = msg.InteractiveID
		ctx["lastInteractiveTitle"] = msg.InteractiveTitle
		if msg.InteractiveTitle != "" {
			ctx["lastInput"] = msg.InteractiveTitle
		}
	}
	if msg.Media != nil {
		ctx["lastUserMedia"] = msg.Media
	}

	count, _ := ctx["messageCount"].(float64)
	if n, ok := ctx["messageCount"].(int); ok {
		count = float64(n)
	}
	ctx["messageCount"] = count + 1

	inputs, _ := ctx["inputHistory"].([]interface{})
	input := map[string]interface{}{
		"text":      msg.Text,
		"messageId": msg.MessageID,
		"at":        at,
	}
	if msg.InteractiveID != "" {
		input["interactiveId"] = msg.InteractiveID
		input["interactiveTitle"] = msg.InteractiveTitle
	}
	inputs = append(inputs, input)
	if len(inputs) > constants.MaxInputHistory {
		inputs = inputs[len(inputs)-constants.MaxInputHistory:]
	}
	ctx["inputHistory"] = inputs
}

// RecordOutbound folds an outbound side effect into the context. kind is
// the history event type ("out:text", "out:template", "out:options",
// "out:media", "out:flow"); fields carry kind-specific detail.
func RecordOutbound(ctx map[string]interface{}, kind string, fields map[string]interface{}) {
	at := nowISO()

	entry := map[string]interface{}{
		"direction": "out",
		"type":      kind,
		"at":        at,
	}
	for key, value := range fields {
		entry[key] = value
	}
	AppendHistory(ctx, entry)

	switch kind {
	case "out:text", "out:template":
		if text, ok := fields["text"].(string); ok {
			ctx["lastBotMessage"] = text
		}
		ctx["lastBotMessageAt"] = at
	case "out:options":
		if options, ok := fields["options"]; ok {
			ctx["lastBotOptions"] = options
		}
		ctx["lastBotMessageAt"] = at
	case "out:media":
		ctx["lastBotMedia"] = map[string]interface{}{
			"mediaType": fields["mediaType"],
			"url":       fields["url"],
			"id":        fields["id"],
		}
		ctx["lastBotMessageAt"] = at
	}
}

// SeenMessageID reports whether the given inbound message id is already in
// the input history tail. Meta occasionally redelivers webhook events.
func SeenMessageID(ctx map[string]interface{}, messageID string) bool {
	if messageID == "" {
		return false
	}
	inputs, _ := ctx["inputHistory"].([]interface{})
	for _, raw := range inputs {
		input, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := input["messageId"].(string); id == messageID {
			return true
		}
	}
	return false
}
