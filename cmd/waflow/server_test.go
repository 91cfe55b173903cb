package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/database"
	"waflow/internal/models"
	"waflow/internal/service"
	"waflow/pkg/meta"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSender) record(kind string) *meta.SendResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, kind)
	return &meta.SendResult{MessageID: "wamid.test"}
}

func (r *recordingSender) SendText(ctx context.Context, creds meta.Credentials, to, body string) (*meta.SendResult, error) {
	return r.record("text:" + body), nil
}

func (r *recordingSender) SendMedia(ctx context.Context, creds meta.Credentials, to string, media meta.MediaPayload) (*meta.SendResult, error) {
	return r.record("media"), nil
}

func (r *recordingSender) SendOptions(ctx context.Context, creds meta.Credentials, to, text string, options []string) (*meta.SendResult, error) {
	return r.record("options"), nil
}

func (r *recordingSender) SendList(ctx context.Context, creds meta.Credentials, to string, list meta.ListPayload) (*meta.SendResult, error) {
	return r.record("list"), nil
}

func (r *recordingSender) SendFlow(ctx context.Context, creds meta.Credentials, to string, flow meta.FlowPayload) (*meta.SendResult, error) {
	return r.record("flow"), nil
}

func (r *recordingSender) SendTemplate(ctx context.Context, creds meta.Credentials, to string, tpl meta.TemplatePayload) (*meta.SendResult, error) {
	return r.record("template"), nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.texts))
	copy(out, r.texts)
	return out
}

func newTestServer(t *testing.T) (*Server, *database.Database, *recordingSender) {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sender := &recordingSender{}
	resolver := service.NewResolver(db, logger)
	executor := service.NewExecutor(db, sender, logger)
	engine := service.NewEngine(db, resolver, executor, logger)
	reconciler := service.NewBroadcastReconciler(db, logger)
	dispatcher := service.NewWebhookDispatcher(db, engine, reconciler, logger)

	cfg := &models.Config{}
	cfg.Server.Port = 0
	cfg.Meta.VerifyToken = "verify-tok"

	return NewServer(cfg, engine, dispatcher, logger), db, sender
}

func strPtr(s string) *string { return &s }

func seedLinearFlow(t *testing.T, db *database.Database) (*models.User, *models.Flow) {
	t.Helper()
	ctx := context.Background()

	user := &models.User{
		AccessToken:       "token",
		BusinessAccountID: "waba-1",
		PhoneNumberID:     "555000",
	}
	require.NoError(t, db.SaveUser(ctx, user))

	fl := &models.Flow{
		UserID:  user.ID,
		Name:    "greeting",
		Trigger: "default",
		Status:  models.FlowStatusActive,
		Channel: models.ChannelWhatsApp,
		Definition: models.FlowDefinition{
			Nodes: []models.Node{
				{ID: "t1", Type: models.NodeTrigger, Data: map[string]interface{}{"keyword": "default"}},
				{ID: "m1", Type: models.NodeMessage, Data: map[string]interface{}{"text": "Hello!"}},
				{ID: "e1", Type: models.NodeEnd, Data: map[string]interface{}{}},
			},
			Edges: []models.Edge{
				{ID: "e-1", Source: "t1", Target: "m1", SourceHandle: strPtr("out")},
				{ID: "e-2", Source: "m1", Target: "e1", SourceHandle: strPtr("out")},
			},
		},
	}
	require.NoError(t, db.SaveFlow(ctx, fl))
	return user, fl
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Contains(t, payload, "counters")
	assert.Contains(t, payload, "uptime_ms")
}

func TestWebhookVerification(t *testing.T) {
	s, _, _ := newTestServer(t)

	t.Run("valid handshake echoes challenge", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest("GET",
			"/meta/webhook?hub.mode=subscribe&hub.verify_token=verify-tok&hub.challenge=12345", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "12345", rec.Body.String())
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest("GET",
			"/meta/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong mode rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest("GET",
			"/meta/webhook?hub.mode=unsubscribe&hub.verify_token=verify-tok", nil))

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestWebhookSignature(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.cfg.Meta.AppSecret = "secret-key"

	body := []byte(`{"value":{"metadata":{"phone_number_id":"unknown"},"messages":[]}}`)

	t.Run("valid signature accepted", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte("secret-key"))
		mac.Write(body)
		sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

		req := httptest.NewRequest("POST", "/meta/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sig)

		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())
	})

	t.Run("invalid signature rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/meta/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/meta/webhook", bytes.NewReader(body))

		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestWebhookInboundMessage(t *testing.T) {
	s, db, sender := newTestServer(t)
	_, _ = seedLinearFlow(t, db)

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "555000"},
					"contacts": [{"wa_id": "15550001111", "profile": {"name": "Ada"}}],
					"messages": [{
						"id": "wamid.in-1",
						"from": "15550001111",
						"timestamp": "1700000000",
						"type": "text",
						"text": {"body": "hello"}
					}]
				}
			}]
		}]
	}`

	req := httptest.NewRequest("POST", "/meta/webhook", bytes.NewReader([]byte(payload)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"text:Hello!"}, sender.sent())
}

func TestTriggerFlowEndpoint(t *testing.T) {
	s, db, sender := newTestServer(t)
	_, fl := seedLinearFlow(t, db)

	body := `{"from": "15550001111", "message": "hi", "name": "Ada"}`
	req := httptest.NewRequest("POST", "/flows/"+fl.ID+"/trigger", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, fl.ID, resp["flowId"])
	assert.NotEmpty(t, resp["contactId"])
	assert.NotEmpty(t, resp["sessionId"])

	assert.Equal(t, []string{"text:Hello!"}, sender.sent())
}

func TestTriggerFlowValidation(t *testing.T) {
	s, db, _ := newTestServer(t)
	_, fl := seedLinearFlow(t, db)

	t.Run("invalid phone", func(t *testing.T) {
		body := `{"from": "not-a-phone"}`
		req := httptest.NewRequest("POST", "/flows/"+fl.ID+"/trigger", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["success"])
		assert.Equal(t, float64(http.StatusBadRequest), resp["status"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/flows/"+fl.ID+"/trigger", bytes.NewReader([]byte("{nope")))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown flow", func(t *testing.T) {
		body := `{"from": "15550001111"}`
		req := httptest.NewRequest("POST", "/flows/no-such-flow/trigger", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("inactive flow", func(t *testing.T) {
		fl.Status = models.FlowStatusPaused
		require.NoError(t, db.SaveFlow(context.Background(), fl))

		body := `{"from": "15550001111"}`
		req := httptest.NewRequest("POST", "/flows/"+fl.ID+"/trigger", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
