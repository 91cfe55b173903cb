package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/constants"
	"waflow/internal/database"
	"waflow/internal/errors"
	"waflow/internal/flow"
	"waflow/internal/metrics"
	"waflow/internal/models"
	"waflow/internal/retry"
	"waflow/pkg/meta"
)

// Executor drives one session forward per inbound event: from a start node
// to a pause, a terminal state, or an error. It holds no per-session state;
// everything lives in the session row, persisted between steps.
type Executor struct {
	db     *database.Database
	sender MessageSender
	logger *logrus.Logger

	// api node HTTP calls; overridable in tests
	httpClient *http.Client
	// transient-failure retry for idempotent api node calls
	backoff *retry.Backoff
	// cooperative sleep for delay nodes; overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(db *database.Database, sender MessageSender, logger *logrus.Logger) *Executor {
	return &Executor{
		db:         db,
		sender:     sender,
		logger:     logger,
		httpClient: &http.Client{},
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			MaxAttempts:  2,
			Jitter:       true,
		}),
		sleep: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute processes one inbound event against the given session. A nil
// return covers both normal completion and the silent no-trigger drop;
// errors have already marked the session Errored and persisted its context.
func (e *Executor) Execute(ctx context.Context, user *models.User, fl *models.Flow, session *models.Session, contact *models.Contact, inbound models.InboundMessage) error {
	def := &fl.Definition
	if session.Context == nil {
		session.Context = map[string]interface{}{}
	}

	log := e.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"flow_id":    fl.ID,
	})

	current, err := e.resolveStartNode(def, session, inbound)
	if err != nil {
		return e.fail(ctx, session, log, err)
	}
	if current == nil {
		// No trigger matched a fresh session; the inbound is dropped
		// without touching persisted state.
		log.Debug("no trigger node matched, dropping inbound")
		return nil
	}

	starting := session.Status != models.SessionStatusPaused || session.CurrentNodeID == nil
	flow.RecordInbound(session.Context, inbound)
	if starting {
		session.Context["triggerMessage"] = inbound.Text
	}
	session.Status = models.SessionStatusActive

	creds := meta.Credentials{
		AccessToken:       user.AccessToken,
		PhoneNumberID:     user.PhoneNumberID,
		BusinessAccountID: user.BusinessAccountID,
	}

	visited := make(map[string]bool)
	steps := 0

	for current != nil {
		if visited[current.ID] {
			return e.fail(ctx, session, log,
				errors.NewGuardError(fmt.Sprintf("node %q revisited within one execution", current.ID)))
		}
		visited[current.ID] = true

		steps++
		if steps > constants.MaxExecutionSteps {
			return e.fail(ctx, session, log,
				errors.NewGuardError(fmt.Sprintf("execution exceeded %d steps", constants.MaxExecutionSteps)))
		}

		stepStart := time.Now()
		next, stopped, err := e.executeNode(ctx, creds, fl, def, session, contact, current, log)
		metrics.Observe("flow_step_duration", time.Since(stepStart), map[string]string{"type": string(current.Type)})
		metrics.Increment("flow_node_executions_total", map[string]string{"type": string(current.Type)})
		if err != nil {
			return e.fail(ctx, session, log, err)
		}
		if stopped {
			return nil
		}
		if next == nil {
			return e.complete(ctx, session, log)
		}

		session.CurrentNodeID = &next.ID
		if err := e.db.UpdateSession(ctx, session); err != nil {
			return e.fail(ctx, session, log, errors.NewDatabaseError("session update", err))
		}
		current = next
	}

	return e.complete(ctx, session, log)
}

// resolveStartNode picks where this invocation begins. Nil with no error
// means no trigger matched and the inbound should be dropped.
func (e *Executor) resolveStartNode(def *models.FlowDefinition, session *models.Session, inbound models.InboundMessage) (*models.Node, error) {
	if session.Status == models.SessionStatusPaused && session.CurrentNodeID != nil {
		node := def.NodeByID(*session.CurrentNodeID)
		if node == nil {
			return nil, errors.NewGuardError(fmt.Sprintf("paused at unknown node %q", *session.CurrentNodeID))
		}
		if node.Type == models.NodeOptions {
			return e.resolveOptionSelection(def, session, node, inbound)
		}
		return node, nil
	}

	return flow.SelectTriggerNode(*def, inbound.Text), nil
}

// resolveOptionSelection maps the user's reply to one of a paused options
// node's branches and returns the branch target.
func (e *Executor) resolveOptionSelection(def *models.FlowDefinition, session *models.Session, node *models.Node, inbound models.InboundMessage) (*models.Node, error) {
	data, err := flow.ParseOptionsData(node)
	if err != nil {
		return nil, err
	}

	matched := -1
	if inbound.InteractiveID != "" {
		for i, option := range data.Options {
			if meta.OptionID(option) == inbound.InteractiveID || fmt.Sprintf("opt-%d", i) == inbound.InteractiveID {
				matched = i
				break
			}
		}
	} else {
		needle := strings.ToLower(strings.TrimSpace(inbound.Text))
		for i, option := range data.Options {
			if strings.ToLower(strings.TrimSpace(option)) == needle {
				matched = i
				break
			}
		}
	}

	entry := map[string]interface{}{
		"direction": "in",
		"type":      "option-selection",
	}
	if matched >= 0 {
		entry["optionIndex"] = matched
		entry["matchedOption"] = data.Options[matched]
	} else {
		entry["optionIndex"] = nil
		entry["matchedOption"] = nil
	}
	if session.Context == nil {
		session.Context = map[string]interface{}{}
	}
	flow.AppendHistory(session.Context, entry)

	handle := "no-match"
	if matched >= 0 {
		handle = fmt.Sprintf("opt-%d", matched)
	}
	edge := def.EdgeByHandle(node.ID, handle)
	if edge == nil {
		return nil, errors.NewGuardError(fmt.Sprintf("options node %q has no edge for %q", node.ID, handle))
	}
	target := def.NodeByID(edge.Target)
	if target == nil {
		return nil, errors.NewGuardError(fmt.Sprintf("edge %q points to unknown node %q", edge.ID, edge.Target))
	}
	return target, nil
}

// executeNode runs one node's side effects. next is nil when there is no
// outgoing edge (the walk completes); stopped is true when the node paused
// or terminated the session itself.
func (e *Executor) executeNode(ctx context.Context, creds meta.Credentials, fl *models.Flow, def *models.FlowDefinition, session *models.Session, contact *models.Contact, node *models.Node, log *logrus.Entry) (next *models.Node, stopped bool, err error) {
	sctx := session.Context

	switch node.Type {
	case models.NodeTrigger:
		// no side effects

	case models.NodeMessage:
		data, err := flow.ParseMessageData(node)
		if err != nil {
			return nil, false, err
		}
		if data.UseTemplate {
			params := make([]meta.TemplateParameter, 0, len(data.TemplateParameters))
			for _, p := range data.TemplateParameters {
				params = append(params, meta.TemplateParameter{
					Type:    p.Type,
					SubType: p.SubType,
					Index:   p.Index,
					Value:   flow.Interpolate(p.Value, sctx),
				})
			}
			if _, err := e.sender.SendTemplate(ctx, creds, contact.Phone, meta.TemplatePayload{
				Name:       data.TemplateName,
				Language:   data.TemplateLanguage,
				Parameters: params,
			}); err != nil {
				return nil, false, err
			}
			flow.RecordOutbound(sctx, "out:template", map[string]interface{}{
				"template": data.TemplateName,
				"language": data.TemplateLanguage,
			})
		} else {
			text := flow.Interpolate(data.Text, sctx)
			if _, err := e.sender.SendText(ctx, creds, contact.Phone, text); err != nil {
				return nil, false, err
			}
			flow.RecordOutbound(sctx, "out:text", map[string]interface{}{"text": text})
		}

	case models.NodeOptions:
		data, err := flow.ParseOptionsData(node)
		if err != nil {
			return nil, false, err
		}
		text := flow.Interpolate(data.Text, sctx)
		if _, err := e.sender.SendOptions(ctx, creds, contact.Phone, text, data.Options); err != nil {
			return nil, false, err
		}
		options := make([]interface{}, len(data.Options))
		for i, option := range data.Options {
			options[i] = option
		}
		flow.RecordOutbound(sctx, "out:options", map[string]interface{}{
			"text":    text,
			"options": options,
		})
		return nil, true, e.pause(ctx, session, node.ID, log)

	case models.NodeDelay:
		data, err := flow.ParseDelayData(node)
		if err != nil {
			return nil, false, err
		}
		delay := time.Duration(data.Seconds) * time.Second
		if delay > time.Duration(constants.MaxDelayMs)*time.Millisecond {
			delay = time.Duration(constants.MaxDelayMs) * time.Millisecond
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, false, errors.Wrap(err, errors.ErrCodeTimeout, "delay interrupted")
		}

	case models.NodeCondition:
		data, err := flow.ParseConditionData(node)
		if err != nil {
			return nil, false, err
		}
		result, evalErr := flow.EvalCondition(data.Expression, sctx)
		if evalErr != nil {
			log.WithError(evalErr).WithField("node_id", node.ID).Warn("condition evaluation failed, taking false branch")
			result = false
		}
		handle := "false"
		if result {
			handle = "true"
		}
		edge := def.EdgeByHandle(node.ID, handle)
		if edge == nil {
			return nil, false, nil
		}
		target := def.NodeByID(edge.Target)
		if target == nil {
			return nil, false, errors.NewGuardError(fmt.Sprintf("edge %q points to unknown node %q", edge.ID, edge.Target))
		}
		return target, false, nil

	case models.NodeAPI:
		data, err := flow.ParseAPIData(node)
		if err != nil {
			return nil, false, err
		}
		result := e.callAPI(ctx, data, sctx)
		flow.SetPath(sctx, data.AssignTo, result)

	case models.NodeAssign:
		data, err := flow.ParseAssignData(node)
		if err != nil {
			return nil, false, err
		}
		flow.SetPath(sctx, data.Key, flow.Interpolate(data.Value, sctx))

	case models.NodeMedia:
		data, err := flow.ParseMediaData(node)
		if err != nil {
			return nil, false, err
		}
		payload := meta.MediaPayload{
			MediaType: data.MediaType,
			ID:        flow.Interpolate(data.ID, sctx),
			URL:       flow.Interpolate(data.URL, sctx),
			Caption:   flow.Interpolate(data.Caption, sctx),
		}
		result, err := e.sender.SendMedia(ctx, creds, contact.Phone, payload)
		if err != nil {
			return nil, false, err
		}
		flow.RecordOutbound(sctx, "out:media", map[string]interface{}{
			"mediaType": payload.MediaType,
			"url":       payload.URL,
			"id":        payload.ID,
			"messageId": result.MessageID,
		})

	case models.NodeWhatsAppFlow:
		data, err := flow.ParseWhatsAppFlowData(node)
		if err != nil {
			return nil, false, err
		}
		body := flow.Interpolate(data.Body, sctx)
		if strings.TrimSpace(body) == "" {
			return nil, false, errors.NewSendError(http.StatusBadRequest, "flow message body is empty after interpolation")
		}
		if fl.MetaFlow.ID == "" || fl.MetaFlow.Token == "" {
			return nil, false, errors.NewSendError(http.StatusBadRequest, "flow is not linked to a Meta flow id and token")
		}
		if _, err := e.sender.SendFlow(ctx, creds, contact.Phone, meta.FlowPayload{
			FlowID:  fl.MetaFlow.ID,
			Token:   fl.MetaFlow.Token,
			Version: fl.MetaFlow.Version,
			Body:    body,
			Header:  flow.Interpolate(data.Header, sctx),
			Footer:  flow.Interpolate(data.Footer, sctx),
			CTA:     data.CTA,
		}); err != nil {
			return nil, false, err
		}
		flow.RecordOutbound(sctx, "out:flow", map[string]interface{}{
			"metaFlowId": fl.MetaFlow.ID,
		})

	case models.NodeHandoff:
		data, err := flow.ParseHandoffData(node)
		if err != nil {
			return nil, false, err
		}
		sctx["handoffQueue"] = data.Queue
		if data.Note != "" {
			sctx["handoffNote"] = flow.Interpolate(data.Note, sctx)
		}
		return nil, true, e.pause(ctx, session, node.ID, log)

	case models.NodeGoto:
		data, err := flow.ParseGotoData(node)
		if err != nil {
			return nil, false, err
		}
		target := def.NodeByID(data.TargetNodeID)
		if target == nil {
			return nil, false, errors.NewGuardError(fmt.Sprintf("goto node %q targets unknown node %q", node.ID, data.TargetNodeID))
		}
		return target, false, nil

	case models.NodeEnd:
		sctx["endReason"] = flow.ParseEndData(node).Reason
		return nil, true, e.complete(ctx, session, log)

	default:
		return nil, false, errors.NewGuardError(fmt.Sprintf("node %q has unsupported type %q", node.ID, node.Type))
	}

	return e.advance(def, node)
}

// advance follows the first outgoing edge. Nil next means the walk is done.
func (e *Executor) advance(def *models.FlowDefinition, node *models.Node) (*models.Node, bool, error) {
	edge := def.FirstOutgoingEdge(node.ID)
	if edge == nil {
		return nil, false, nil
	}
	target := def.NodeByID(edge.Target)
	if target == nil {
		return nil, false, errors.NewGuardError(fmt.Sprintf("edge %q points to unknown node %q", edge.ID, edge.Target))
	}
	return target, false, nil
}

// callAPI fires an api node's HTTP request. Failures of any kind collapse
// into {error: "API call failed"}; the flow decides what to do with it.
func (e *Executor) callAPI(ctx context.Context, data flow.APIData, sctx map[string]interface{}) interface{} {
	failed := map[string]interface{}{"error": "API call failed"}

	url := flow.Interpolate(data.URL, sctx)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultMetaTimeoutSec)*time.Second)
	defer cancel()

	interpolatedBody := ""
	if data.Body != "" && data.Method != http.MethodGet && data.Method != http.MethodHead {
		interpolatedBody = flow.Interpolate(data.Body, sctx)
	}

	var raw []byte
	attempt := func() error {
		var reqBody io.Reader
		if interpolatedBody != "" {
			reqBody = strings.NewReader(interpolatedBody)
		}
		req, err := http.NewRequestWithContext(ctx, data.Method, url, reqBody)
		if err != nil {
			return err
		}
		if reqBody != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range data.Headers {
			req.Header.Set(key, flow.Interpolate(value, sctx))
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("api node got status %d", resp.StatusCode)
		}
		return nil
	}

	// Only idempotent calls are retried; a POST that failed mid-flight
	// must not fire twice.
	var err error
	if data.Method == http.MethodGet || data.Method == http.MethodHead {
		err = e.backoff.Retry(ctx, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		return failed
	}

	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	return parsed
}

func (e *Executor) pause(ctx context.Context, session *models.Session, nodeID string, log *logrus.Entry) error {
	session.Status = models.SessionStatusPaused
	session.CurrentNodeID = &nodeID
	if err := e.db.UpdateSession(ctx, session); err != nil {
		return errors.NewDatabaseError("session pause", err)
	}
	log.WithField("node_id", nodeID).Debug("session paused")
	return nil
}

func (e *Executor) complete(ctx context.Context, session *models.Session, log *logrus.Entry) error {
	session.Status = models.SessionStatusCompleted
	session.CurrentNodeID = nil
	if err := e.db.UpdateSession(ctx, session); err != nil {
		return errors.NewDatabaseError("session completion", err)
	}
	metrics.Increment("flow_sessions_completed_total", nil)
	log.Debug("session completed")
	return nil
}

// fail marks the session Errored, persisting the context accumulated so
// far, and re-raises the original error for the caller to surface.
func (e *Executor) fail(ctx context.Context, session *models.Session, log *logrus.Entry, cause error) error {
	session.Status = models.SessionStatusErrored
	if err := e.db.UpdateSession(ctx, session); err != nil {
		log.WithError(err).Error("failed to persist errored session")
	}
	metrics.Increment("flow_sessions_errored_total", nil)
	log.WithError(cause).Warn("session errored")
	return cause
}
