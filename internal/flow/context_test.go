package flow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/constants"
	"waflow/internal/models"
)

func TestAppendHistory_CapsEntries(t *testing.T) {
	ctx := map[string]interface{}{}

	for i := 0; i < constants.MaxContextHistory+10; i++ {
		AppendHistory(ctx, map[string]interface{}{"n": i})
	}

	meta := ctx["_meta"].(map[string]interface{})
	history := meta["history"].([]interface{})
	require.Len(t, history, constants.MaxContextHistory)

	// Oldest entries were truncated.
	first := history[0].(map[string]interface{})
	assert.Equal(t, 10, first["n"])
	last := history[len(history)-1].(map[string]interface{})
	assert.Equal(t, constants.MaxContextHistory+9, last["n"])
	assert.NotEmpty(t, last["at"])
}

func TestRecordInbound(t *testing.T) {
	ctx := map[string]interface{}{}

	RecordInbound(ctx, models.InboundMessage{
		MessageID: "wamid.1",
		Text:      "hola",
	})

	assert.Equal(t, "hola", ctx["lastUserMessage"])
	assert.Equal(t, "hola", ctx["lastInput"])
	assert.NotEmpty(t, ctx["lastUserMessageAt"])
	assert.Equal(t, float64(1), ctx["messageCount"])

	RecordInbound(ctx, models.InboundMessage{
		MessageID:        "wamid.2",
		Text:             "Yes",
		InteractiveID:    "yes",
		InteractiveTitle: "Yes",
	})

	assert.Equal(t, float64(2), ctx["messageCount"])
	assert.Equal(t, "yes", ctx["lastInteractiveId"])
	assert.Equal(t, "Yes", ctx["lastInteractiveTitle"])
	assert.Equal(t, "Yes", ctx["lastInput"])

	inputs := ctx["inputHistory"].([]interface{})
	require.Len(t, inputs, 2)
	meta := ctx["_meta"].(map[string]interface{})
	assert.Len(t, meta["history"], 2)
}

func TestRecordInbound_CapsInputHistory(t *testing.T) {
	ctx := map[string]interface{}{}
	for i := 0; i < constants.MaxInputHistory+5; i++ {
		RecordInbound(ctx, models.InboundMessage{
			MessageID: fmt.Sprintf("wamid.%d", i),
			Text:      "x",
		})
	}
	inputs := ctx["inputHistory"].([]interface{})
	assert.Len(t, inputs, constants.MaxInputHistory)
}

func TestRecordOutbound(t *testing.T) {
	ctx := map[string]interface{}{}

	RecordOutbound(ctx, "out:text", map[string]interface{}{"text": "hello"})
	assert.Equal(t, "hello", ctx["lastBotMessage"])
	assert.NotEmpty(t, ctx["lastBotMessageAt"])

	RecordOutbound(ctx, "out:options", map[string]interface{}{
		"text":    "Pick",
		"options": []interface{}{"Yes", "No"},
	})
	assert.Equal(t, []interface{}{"Yes", "No"}, ctx["lastBotOptions"])

	RecordOutbound(ctx, "out:media", map[string]interface{}{
		"mediaType": "image",
		"url":       "https://example.com/a.png",
	})
	media := ctx["lastBotMedia"].(map[string]interface{})
	assert.Equal(t, "image", media["mediaType"])

	meta := ctx["_meta"].(map[string]interface{})
	history := meta["history"].([]interface{})
	require.Len(t, history, 3)
	entry := history[0].(map[string]interface{})
	assert.Equal(t, "out", entry["direction"])
	assert.Equal(t, "out:text", entry["type"])
}

func TestSeenMessageID(t *testing.T) {
	ctx := map[string]interface{}{}

	assert.False(t, SeenMessageID(ctx, "wamid.1"))
	RecordInbound(ctx, models.InboundMessage{MessageID: "wamid.1", Text: "hola"})
	assert.True(t, SeenMessageID(ctx, "wamid.1"))
	assert.False(t, SeenMessageID(ctx, "wamid.2"))
	assert.False(t, SeenMessageID(ctx, ""))
}
