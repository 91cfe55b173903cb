package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waflow/internal/constants"
	"waflow/internal/database"
	"waflow/internal/models"
	"waflow/internal/retry"
	"waflow/pkg/meta"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type stubSender struct {
	mu        sync.Mutex
	texts     []string
	options   []string
	media     []meta.MediaPayload
	flows     []meta.FlowPayload
	templates []meta.TemplatePayload
	lists     []meta.ListPayload
	sendErr   error
}

func (s *stubSender) result() (*meta.SendResult, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &meta.SendResult{MessageID: "wamid.stub"}, nil
}

func (s *stubSender) SendText(ctx context.Context, creds meta.Credentials, to, body string) (*meta.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.texts = append(s.texts, body)
	}
	return s.result()
}

func (s *stubSender) SendMedia(ctx context.Context, creds meta.Credentials, to string, media meta.MediaPayload) (*meta.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.media = append(s.media, media)
	}
	return s.result()
}

func (s *stubSender) SendOptions(ctx context.Context, creds meta.Credentials, to, text string, options []string) (*meta.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.options = append(s.options, text)
	}
	return s.result()
}

func (s *stubSender) SendList(ctx context.Context, creds meta.Credentials, to string, list meta.ListPayload) (*meta.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.lists = append(s.lists, list)
	}
	return s.result()
}

func (s *stubSender) SendFlow(ctx context.Context, creds meta.Credentials, to string, flow meta.FlowPayload) (*meta.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.flows = append(s.flows, flow)
	}
	return s.result()
}

func (s *stubSender) SendTemplate(ctx context.Context, creds meta.Credentials, to string, tpl meta.TemplatePayload) (*meta.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.templates = append(s.templates, tpl)
	}
	return s.result()
}

func (s *stubSender) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

func handleOf(s string) *string { return &s }

func node(id string, nodeType models.NodeType, data map[string]interface{}) models.Node {
	if data == nil {
		data = map[string]interface{}{}
	}
	return models.Node{ID: id, Type: nodeType, Data: data}
}

func edge(id, source, target, handle string) models.Edge {
	return models.Edge{ID: id, Source: source, Target: target, SourceHandle: handleOf(handle)}
}

type execEnv struct {
	t        *testing.T
	db       *database.Database
	sender   *stubSender
	executor *Executor
	user     *models.User
	contact  *models.Contact
	fl       *models.Flow
	session  *models.Session
	seq      int
}

func newExecEnv(t *testing.T, def models.FlowDefinition) *execEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	user := &models.User{
		AccessToken:       "token",
		BusinessAccountID: "waba-1",
		PhoneNumberID:     "555000",
	}
	require.NoError(t, db.SaveUser(ctx, user))

	contact := &models.Contact{UserID: user.ID, Phone: "15550001111", Name: "Ada"}
	require.NoError(t, db.CreateContact(ctx, contact))

	fl := &models.Flow{
		UserID:     user.ID,
		Name:       "test flow",
		Trigger:    "default",
		Status:     models.FlowStatusActive,
		Channel:    models.ChannelWhatsApp,
		Definition: def,
	}
	require.NoError(t, db.SaveFlow(ctx, fl))

	session := &models.Session{
		ContactID: contact.ID,
		FlowID:    fl.ID,
		Status:    models.SessionStatusActive,
		Context:   map[string]interface{}{},
	}
	require.NoError(t, db.CreateSession(ctx, session))

	sender := &stubSender{}
	return &execEnv{
		t:        t,
		db:       db,
		sender:   sender,
		executor: NewExecutor(db, sender, testLogger()),
		user:     user,
		contact:  contact,
		fl:       fl,
		session:  session,
	}
}

func (env *execEnv) execute(inbound models.InboundMessage) error {
	env.t.Helper()
	env.seq++
	if inbound.MessageID == "" {
		inbound.MessageID = fmt.Sprintf("wamid.in-%d", env.seq)
	}
	if inbound.From == "" {
		inbound.From = env.contact.Phone
	}
	if inbound.Timestamp.IsZero() {
		inbound.Timestamp = time.Now().UTC()
	}
	return env.executor.Execute(context.Background(), env.user, env.fl, env.session, env.contact, inbound)
}

func (env *execEnv) executeText(text string) error {
	env.t.Helper()
	return env.execute(models.InboundMessage{Text: text})
}

func (env *execEnv) reload() *models.Session {
	env.t.Helper()
	session, err := env.db.GetSession(context.Background(), env.session.ID)
	require.NoError(env.t, err)
	require.NotNil(env.t, session)
	env.session = session
	return session
}

// historyEntries digs _meta.history out of a decoded session context.
func historyEntries(t *testing.T, sctx map[string]interface{}) []map[string]interface{} {
	t.Helper()
	meta, _ := sctx["_meta"].(map[string]interface{})
	raw, _ := meta["history"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]interface{}); ok {
			out = append(out, entry)
		}
	}
	return out
}

func TestExecuteLinearFlow(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("m1", models.NodeMessage, map[string]interface{}{"text": "Hi {{lastUserMessage}}"}),
			node("e1", models.NodeEnd, map[string]interface{}{"reason": "done"}),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "m1", "out"),
			edge("e-2", "m1", "e1", "out"),
		},
	})

	require.NoError(t, env.executeText("hello"))

	assert.Equal(t, []string{"Hi hello"}, env.sender.sentTexts())

	session := env.reload()
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Nil(t, session.CurrentNodeID)
	assert.Equal(t, "done", session.Context["endReason"])
	assert.Equal(t, "hello", session.Context["triggerMessage"])
	assert.Equal(t, "Hi hello", session.Context["lastBotMessage"])
}

func TestExecuteNoTriggerMatchDropsInbound(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "order"}),
			node("m1", models.NodeMessage, map[string]interface{}{"text": "Your order"}),
		},
		Edges: []models.Edge{edge("e-1", "t1", "m1", "out")},
	})

	require.NoError(t, env.executeText("hello"))

	assert.Empty(t, env.sender.sentTexts())
	session := env.reload()
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Empty(t, session.Context)
}

func optionsFlowDef() models.FlowDefinition {
	return models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("o1", models.NodeOptions, map[string]interface{}{
				"text":    "Pick a color",
				"options": []interface{}{"Red", "Blue"},
			}),
			node("r1", models.NodeMessage, map[string]interface{}{"text": "You chose red"}),
			node("b1", models.NodeMessage, map[string]interface{}{"text": "You chose blue"}),
			node("nm", models.NodeMessage, map[string]interface{}{"text": "That is not a color I know"}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "o1", "out"),
			edge("e-2", "o1", "r1", "opt-0"),
			edge("e-3", "o1", "b1", "opt-1"),
			edge("e-4", "o1", "nm", "no-match"),
			edge("e-5", "r1", "e1", "out"),
			edge("e-6", "b1", "e1", "out"),
			edge("e-7", "nm", "e1", "out"),
		},
	}
}

func TestExecuteOptionsPausesSession(t *testing.T) {
	env := newExecEnv(t, optionsFlowDef())

	require.NoError(t, env.executeText("hi"))

	assert.Equal(t, []string{"Pick a color"}, env.sender.options)
	session := env.reload()
	assert.Equal(t, models.SessionStatusPaused, session.Status)
	require.NotNil(t, session.CurrentNodeID)
	assert.Equal(t, "o1", *session.CurrentNodeID)
}

func TestExecuteOptionSelection(t *testing.T) {
	cases := []struct {
		name     string
		inbound  models.InboundMessage
		wantText string
	}{
		{
			name:     "interactive id from option label",
			inbound:  models.InboundMessage{InteractiveID: "red", InteractiveTitle: "Red", Text: "Red"},
			wantText: "You chose red",
		},
		{
			name:     "positional interactive id",
			inbound:  models.InboundMessage{InteractiveID: "opt-1", InteractiveTitle: "Blue", Text: "Blue"},
			wantText: "You chose blue",
		},
		{
			name:     "text match is case insensitive",
			inbound:  models.InboundMessage{Text: "  BLUE "},
			wantText: "You chose blue",
		},
		{
			name:     "unmatched reply takes no-match branch",
			inbound:  models.InboundMessage{Text: "green"},
			wantText: "That is not a color I know",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newExecEnv(t, optionsFlowDef())
			require.NoError(t, env.executeText("hi"))
			env.reload()

			require.NoError(t, env.execute(tc.inbound))

			assert.Equal(t, []string{tc.wantText}, env.sender.sentTexts())
			session := env.reload()
			assert.Equal(t, models.SessionStatusCompleted, session.Status)
		})
	}
}

func TestExecuteOptionSelectionRecordsHistory(t *testing.T) {
	env := newExecEnv(t, optionsFlowDef())
	require.NoError(t, env.executeText("hi"))
	env.reload()

	require.NoError(t, env.execute(models.InboundMessage{Text: "red"}))

	session := env.reload()
	var selection map[string]interface{}
	for _, entry := range historyEntries(t, session.Context) {
		if entry["type"] == "option-selection" {
			selection = entry
		}
	}
	require.NotNil(t, selection)
	assert.Equal(t, "Red", selection["matchedOption"])
	assert.Equal(t, float64(0), selection["optionIndex"])
}

func TestExecuteConditionBranches(t *testing.T) {
	conditionDef := func(tier string) models.FlowDefinition {
		return models.FlowDefinition{
			Nodes: []models.Node{
				node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
				node("a1", models.NodeAssign, map[string]interface{}{"key": "tier", "value": tier}),
				node("c1", models.NodeCondition, map[string]interface{}{"expression": "context.tier == 'gold'"}),
				node("mt", models.NodeMessage, map[string]interface{}{"text": "Welcome back"}),
				node("mf", models.NodeMessage, map[string]interface{}{"text": "Hello"}),
				node("e1", models.NodeEnd, nil),
			},
			Edges: []models.Edge{
				edge("e-1", "t1", "a1", "out"),
				edge("e-2", "a1", "c1", "out"),
				edge("e-3", "c1", "mt", "true"),
				edge("e-4", "c1", "mf", "false"),
				edge("e-5", "mt", "e1", "out"),
				edge("e-6", "mf", "e1", "out"),
			},
		}
	}

	t.Run("true branch", func(t *testing.T) {
		env := newExecEnv(t, conditionDef("gold"))
		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, []string{"Welcome back"}, env.sender.sentTexts())
	})

	t.Run("false branch", func(t *testing.T) {
		env := newExecEnv(t, conditionDef("bronze"))
		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, []string{"Hello"}, env.sender.sentTexts())
	})
}

func TestExecuteConditionEdgeCases(t *testing.T) {
	t.Run("eval error takes false branch", func(t *testing.T) {
		env := newExecEnv(t, models.FlowDefinition{
			Nodes: []models.Node{
				node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
				node("c1", models.NodeCondition, map[string]interface{}{"expression": "context.tier =="}),
				node("mf", models.NodeMessage, map[string]interface{}{"text": "fallback"}),
				node("e1", models.NodeEnd, nil),
			},
			Edges: []models.Edge{
				edge("e-1", "t1", "c1", "out"),
				edge("e-2", "c1", "mf", "false"),
				edge("e-3", "mf", "e1", "out"),
			},
		})

		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, []string{"fallback"}, env.sender.sentTexts())
	})

	t.Run("missing branch completes session", func(t *testing.T) {
		env := newExecEnv(t, models.FlowDefinition{
			Nodes: []models.Node{
				node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
				node("c1", models.NodeCondition, map[string]interface{}{"expression": "true"}),
			},
			Edges: []models.Edge{edge("e-1", "t1", "c1", "out")},
		})

		require.NoError(t, env.executeText("hi"))
		assert.Empty(t, env.sender.sentTexts())
		assert.Equal(t, models.SessionStatusCompleted, env.reload().Status)
	})
}

func apiFlowDef(url, method, body, resultText string) models.FlowDefinition {
	data := map[string]interface{}{
		"url":      url,
		"method":   method,
		"assignTo": "apiResult",
	}
	if body != "" {
		data["body"] = body
	}
	return models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("api1", models.NodeAPI, data),
			node("m1", models.NodeMessage, map[string]interface{}{"text": resultText}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "api1", "out"),
			edge("e-2", "api1", "m1", "out"),
			edge("e-3", "m1", "e1", "out"),
		},
	}
}

func fastBackoff() *retry.Backoff {
	return retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
		MaxAttempts:  2,
	})
}

func TestExecuteAPINode(t *testing.T) {
	t.Run("json response lands in context", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status": "ok", "count": 2}`)
		}))
		defer srv.Close()

		env := newExecEnv(t, apiFlowDef(srv.URL, "GET", "", "Status {{apiResult.status}} count {{apiResult.count}}"))
		env.executor.httpClient = srv.Client()

		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, []string{"Status ok count 2"}, env.sender.sentTexts())
	})

	t.Run("non-json response is kept verbatim", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "pong")
		}))
		defer srv.Close()

		env := newExecEnv(t, apiFlowDef(srv.URL, "GET", "", "Got {{apiResult}}"))
		env.executor.httpClient = srv.Client()

		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, []string{"Got pong"}, env.sender.sentTexts())
	})

	t.Run("failed GET is retried then collapses to error value", func(t *testing.T) {
		var hits int
		var mu sync.Mutex
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		env := newExecEnv(t, apiFlowDef(srv.URL, "GET", "", "Got {{apiResult.error}}"))
		env.executor.httpClient = srv.Client()
		env.executor.backoff = fastBackoff()

		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, []string{"Got API call failed"}, env.sender.sentTexts())
		mu.Lock()
		assert.Equal(t, 2, hits)
		mu.Unlock()
	})

	t.Run("failed POST is not retried", func(t *testing.T) {
		var hits int
		var mu sync.Mutex
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		env := newExecEnv(t, apiFlowDef(srv.URL, "POST", `{"name": "{{lastUserMessage}}"}`, "Got {{apiResult.error}}"))
		env.executor.httpClient = srv.Client()
		env.executor.backoff = fastBackoff()

		require.NoError(t, env.executeText("hi"))
		mu.Lock()
		assert.Equal(t, 1, hits)
		mu.Unlock()
	})

	t.Run("request body is interpolated", func(t *testing.T) {
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			fmt.Fprint(w, `{}`)
		}))
		defer srv.Close()

		env := newExecEnv(t, apiFlowDef(srv.URL, "POST", `{"name": "{{lastUserMessage}}"}`, "done"))
		env.executor.httpClient = srv.Client()

		require.NoError(t, env.executeText("hello"))
		assert.JSONEq(t, `{"name": "hello"}`, string(gotBody))
	})
}

func TestExecuteDelayNode(t *testing.T) {
	delayDef := func(seconds int) models.FlowDefinition {
		return models.FlowDefinition{
			Nodes: []models.Node{
				node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
				node("d1", models.NodeDelay, map[string]interface{}{"seconds": seconds}),
				node("e1", models.NodeEnd, nil),
			},
			Edges: []models.Edge{
				edge("e-1", "t1", "d1", "out"),
				edge("e-2", "d1", "e1", "out"),
			},
		}
	}

	t.Run("sleeps for the configured duration", func(t *testing.T) {
		env := newExecEnv(t, delayDef(2))
		var slept time.Duration
		env.executor.sleep = func(ctx context.Context, d time.Duration) error {
			slept = d
			return nil
		}

		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, 2*time.Second, slept)
		assert.Equal(t, models.SessionStatusCompleted, env.reload().Status)
	})

	t.Run("long delays are capped", func(t *testing.T) {
		env := newExecEnv(t, delayDef(600))
		var slept time.Duration
		env.executor.sleep = func(ctx context.Context, d time.Duration) error {
			slept = d
			return nil
		}

		require.NoError(t, env.executeText("hi"))
		assert.Equal(t, time.Minute, slept)
	})
}

func TestExecuteHandoffPausesWithQueue(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("h1", models.NodeHandoff, map[string]interface{}{
				"queue": "support",
				"note":  "User said {{lastUserMessage}}",
			}),
		},
		Edges: []models.Edge{edge("e-1", "t1", "h1", "out")},
	})

	require.NoError(t, env.executeText("help me"))

	session := env.reload()
	assert.Equal(t, models.SessionStatusPaused, session.Status)
	require.NotNil(t, session.CurrentNodeID)
	assert.Equal(t, "h1", *session.CurrentNodeID)
	assert.Equal(t, "support", session.Context["handoffQueue"])
	assert.Equal(t, "User said help me", session.Context["handoffNote"])
}

func TestExecuteGotoJumps(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("g1", models.NodeGoto, map[string]interface{}{"targetNodeId": "m2"}),
			node("m1", models.NodeMessage, map[string]interface{}{"text": "skipped"}),
			node("m2", models.NodeMessage, map[string]interface{}{"text": "Jumped"}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "g1", "out"),
			edge("e-2", "m2", "e1", "out"),
		},
	})

	require.NoError(t, env.executeText("hi"))
	assert.Equal(t, []string{"Jumped"}, env.sender.sentTexts())
	assert.Equal(t, models.SessionStatusCompleted, env.reload().Status)
}

func TestExecuteRevisitGuard(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("m1", models.NodeMessage, map[string]interface{}{"text": "loop"}),
			node("g1", models.NodeGoto, map[string]interface{}{"targetNodeId": "m1"}),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "m1", "out"),
			edge("e-2", "m1", "g1", "out"),
		},
	})

	err := env.executeText("hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revisited")

	assert.Equal(t, []string{"loop"}, env.sender.sentTexts())
	assert.Equal(t, models.SessionStatusErrored, env.reload().Status)
}

func TestExecuteStepCapMarksSessionErrored(t *testing.T) {
	// A chain of distinct assign nodes longer than the step cap; the
	// revisit guard never fires, so only the step counter can stop it.
	nodes := []models.Node{node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"})}
	var edges []models.Edge
	prev := "t1"
	for i := 0; i <= constants.MaxExecutionSteps; i++ {
		id := fmt.Sprintf("a%d", i)
		nodes = append(nodes, node(id, models.NodeAssign, map[string]interface{}{
			"key":   "step",
			"value": fmt.Sprintf("%d", i),
		}))
		edges = append(edges, edge(fmt.Sprintf("e-%d", i), prev, id, "out"))
		prev = id
	}

	env := newExecEnv(t, models.FlowDefinition{Nodes: nodes, Edges: edges})

	err := env.executeText("hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")

	// The context accumulated before the guard tripped is persisted.
	session := env.reload()
	assert.Equal(t, models.SessionStatusErrored, session.Status)
	assert.Equal(t, "hello", session.Context["lastUserMessage"])
	assert.NotEmpty(t, session.Context["step"])
	assert.Empty(t, env.sender.sentTexts())
}

func TestExecuteSendFailureMarksSessionErrored(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("m1", models.NodeMessage, map[string]interface{}{"text": "Hi"}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "m1", "out"),
			edge("e-2", "m1", "e1", "out"),
		},
	})
	env.sender.sendErr = fmt.Errorf("send failed")

	err := env.executeText("hello")
	require.Error(t, err)

	// The context accumulated before the failure is persisted.
	session := env.reload()
	assert.Equal(t, models.SessionStatusErrored, session.Status)
	assert.Equal(t, "hello", session.Context["lastUserMessage"])
}

func TestExecuteResumesPausedNonOptionsNode(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("m1", models.NodeMessage, map[string]interface{}{"text": "Back with you"}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "m1", "out"),
			edge("e-2", "m1", "e1", "out"),
		},
	})

	nodeID := "m1"
	env.session.Status = models.SessionStatusPaused
	env.session.CurrentNodeID = &nodeID
	require.NoError(t, env.db.UpdateSession(context.Background(), env.session))

	require.NoError(t, env.executeText("I am back"))

	assert.Equal(t, []string{"Back with you"}, env.sender.sentTexts())
	assert.Equal(t, models.SessionStatusCompleted, env.reload().Status)
}

func TestExecuteTemplateMessage(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("a1", models.NodeAssign, map[string]interface{}{"key": "name", "value": "Ada"}),
			node("m1", models.NodeMessage, map[string]interface{}{
				"useTemplate":      true,
				"templateName":     "welcome",
				"templateLanguage": "en",
				"templateParameters": []interface{}{
					map[string]interface{}{"type": "text", "index": 1, "value": "{{name}}"},
				},
			}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "a1", "out"),
			edge("e-2", "a1", "m1", "out"),
			edge("e-3", "m1", "e1", "out"),
		},
	})

	require.NoError(t, env.executeText("hi"))

	require.Len(t, env.sender.templates, 1)
	tpl := env.sender.templates[0]
	assert.Equal(t, "welcome", tpl.Name)
	assert.Equal(t, "en", tpl.Language)
	require.Len(t, tpl.Parameters, 1)
	assert.Equal(t, "Ada", tpl.Parameters[0].Value)
}

func TestExecuteMediaNode(t *testing.T) {
	env := newExecEnv(t, models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("md1", models.NodeMedia, map[string]interface{}{
				"mediaType": "image",
				"id":        "media-123",
				"caption":   "For {{lastUserMessage}}",
			}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "md1", "out"),
			edge("e-2", "md1", "e1", "out"),
		},
	})

	require.NoError(t, env.executeText("you"))

	require.Len(t, env.sender.media, 1)
	assert.Equal(t, "image", env.sender.media[0].MediaType)
	assert.Equal(t, "media-123", env.sender.media[0].ID)
	assert.Equal(t, "For you", env.sender.media[0].Caption)
}

func TestExecuteWhatsAppFlowNode(t *testing.T) {
	def := models.FlowDefinition{
		Nodes: []models.Node{
			node("t1", models.NodeTrigger, map[string]interface{}{"keyword": "default"}),
			node("wf1", models.NodeWhatsAppFlow, map[string]interface{}{"body": "Fill the form"}),
			node("e1", models.NodeEnd, nil),
		},
		Edges: []models.Edge{
			edge("e-1", "t1", "wf1", "out"),
			edge("e-2", "wf1", "e1", "out"),
		},
	}

	t.Run("linked flow is sent", func(t *testing.T) {
		env := newExecEnv(t, def)
		env.fl.MetaFlow = models.MetaFlow{ID: "mf-1", Token: "flow-tok", Version: "3"}

		require.NoError(t, env.executeText("hi"))

		require.Len(t, env.sender.flows, 1)
		assert.Equal(t, "mf-1", env.sender.flows[0].FlowID)
		assert.Equal(t, "Fill the form", env.sender.flows[0].Body)
	})

	t.Run("unlinked flow errors the session", func(t *testing.T) {
		env := newExecEnv(t, def)

		err := env.executeText("hi")
		require.Error(t, err)
		assert.Equal(t, models.SessionStatusErrored, env.reload().Status)
	})
}
