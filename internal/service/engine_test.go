package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/database"
	"waflow/internal/models"
)

type engineEnv struct {
	db     *database.Database
	sender *stubSender
	engine *Engine
	user   *models.User
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	user := &models.User{
		AccessToken:       "token",
		BusinessAccountID: "waba-1",
		PhoneNumberID:     "555000",
	}
	require.NoError(t, db.SaveUser(context.Background(), user))

	logger := testLogger()
	sender := &stubSender{}
	resolver := NewResolver(db, logger)
	executor := NewExecutor(db, sender, logger)

	return &engineEnv{
		db:     db,
		sender: sender,
		engine: NewEngine(db, resolver, executor, logger),
		user:   user,
	}
}

func (env *engineEnv) saveFlow(t *testing.T, trigger, messageText string) *models.Flow {
	t.Helper()
	fl := &models.Flow{
		UserID:  env.user.ID,
		Name:    trigger + " flow",
		Trigger: trigger,
		Status:  models.FlowStatusActive,
		Channel: models.ChannelWhatsApp,
		Definition: models.FlowDefinition{
			Nodes: []models.Node{
				node("t1", models.NodeTrigger, map[string]interface{}{"keyword": trigger}),
				node("m1", models.NodeMessage, map[string]interface{}{"text": messageText}),
				node("e1", models.NodeEnd, nil),
			},
			Edges: []models.Edge{
				edge("e-1", "t1", "m1", "out"),
				edge("e-2", "m1", "e1", "out"),
			},
		},
	}
	require.NoError(t, env.db.SaveFlow(context.Background(), fl))
	return fl
}

func inboundText(id, text string) models.InboundMessage {
	return models.InboundMessage{
		MessageID: id,
		From:      "15550001111",
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func TestHandleInboundMessageRunsMatchingFlow(t *testing.T) {
	env := newEngineEnv(t)
	env.saveFlow(t, "order", "Your order is on its way")
	env.saveFlow(t, "default", "How can I help?")

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(),
		env.user, inboundText("wamid.1", "I want to order")))

	assert.Equal(t, []string{"Your order is on its way"}, env.sender.sentTexts())
}

func TestHandleInboundMessageFallsBackToDefaultFlow(t *testing.T) {
	env := newEngineEnv(t)
	env.saveFlow(t, "order", "Your order is on its way")
	env.saveFlow(t, "default", "How can I help?")

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(),
		env.user, inboundText("wamid.1", "something else entirely")))

	assert.Equal(t, []string{"How can I help?"}, env.sender.sentTexts())
}

func TestHandleInboundMessageNoActiveFlows(t *testing.T) {
	env := newEngineEnv(t)

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(),
		env.user, inboundText("wamid.1", "hello")))

	assert.Empty(t, env.sender.sentTexts())
}

func TestHandleInboundMessageDeduplicatesRedelivery(t *testing.T) {
	env := newEngineEnv(t)

	// An options flow keeps the session open so the second delivery finds
	// the message id already folded into the context.
	fl := &models.Flow{
		UserID:     env.user.ID,
		Name:       "colors",
		Trigger:    "default",
		Status:     models.FlowStatusActive,
		Channel:    models.ChannelWhatsApp,
		Definition: optionsFlowDef(),
	}
	require.NoError(t, env.db.SaveFlow(context.Background(), fl))

	inbound := inboundText("wamid.dup", "hi")
	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), env.user, inbound))
	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), env.user, inbound))

	assert.Equal(t, []string{"Pick a color"}, env.sender.options)
}

func TestHandleInboundMessageAppendsSessionLog(t *testing.T) {
	env := newEngineEnv(t)
	fl := env.saveFlow(t, "default", "Hi there")

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(),
		env.user, inboundText("wamid.1", "hello")))

	contact, err := env.db.GetContactByPhones(context.Background(), env.user.ID, []string{"15550001111"})
	require.NoError(t, err)
	require.NotNil(t, contact)

	session, err := env.db.GetSessionByContactAndFlow(context.Background(), contact.ID, fl.ID)
	require.NoError(t, err)
	require.NotNil(t, session)

	logs, err := env.db.GetSessionLogs(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SessionStatusCompleted, logs[0].Status)
	assert.Equal(t, "hello", logs[0].Context["lastUserMessage"])
}

func TestTriggerFlowMergesVariables(t *testing.T) {
	env := newEngineEnv(t)
	fl := env.saveFlow(t, "default", "Hi {{who}}")

	result, err := env.engine.TriggerFlow(context.Background(), fl.ID, TriggerRequest{
		From:         "+1 555 000 1111",
		Message:      "go",
		Name:         "Ada",
		Variables:    map[string]interface{}{"who": "Bob"},
		IncomingMeta: map[string]interface{}{"source": "crm"},
	})
	require.NoError(t, err)

	assert.Equal(t, fl.ID, result.FlowID)
	assert.NotEmpty(t, result.ContactID)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, []string{"Hi Bob"}, env.sender.sentTexts())

	session, err := env.db.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, map[string]interface{}{"source": "crm"}, session.Context["incomingMeta"])

	logs, err := env.db.GetSessionLogs(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SessionStatusCompleted, logs[0].Status)
}

func TestTriggerFlowRejectsInactiveAndUnknown(t *testing.T) {
	env := newEngineEnv(t)
	fl := env.saveFlow(t, "default", "Hi")

	t.Run("unknown flow", func(t *testing.T) {
		_, err := env.engine.TriggerFlow(context.Background(), "missing", TriggerRequest{From: "15550001111"})
		require.Error(t, err)
	})

	t.Run("inactive flow", func(t *testing.T) {
		fl.Status = models.FlowStatusPaused
		require.NoError(t, env.db.SaveFlow(context.Background(), fl))

		_, err := env.engine.TriggerFlow(context.Background(), fl.ID, TriggerRequest{From: "15550001111"})
		require.Error(t, err)
	})
}
