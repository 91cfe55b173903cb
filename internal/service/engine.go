package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/database"
	"waflow/internal/errors"
	"waflow/internal/flow"
	"waflow/internal/models"
	"waflow/internal/privacy"
)

// Engine glues routing, resolution and execution together: one inbound
// event in, at most one session driven forward.
type Engine struct {
	db       *database.Database
	resolver *Resolver
	executor *Executor
	logger   *logrus.Logger
}

func NewEngine(db *database.Database, resolver *Resolver, executor *Executor, logger *logrus.Logger) *Engine {
	return &Engine{
		db:       db,
		resolver: resolver,
		executor: executor,
		logger:   logger,
	}
}

// HandleInboundMessage processes one webhook message for a tenant. Errors
// are returned for logging; the webhook handler still answers 200 to Meta.
func (s *Engine) HandleInboundMessage(ctx context.Context, user *models.User, inbound models.InboundMessage) error {
	contact, err := s.resolver.GetOrCreateContact(ctx, user.ID, inbound.From, ContactAttrs{Name: inbound.ProfileName})
	if err != nil {
		return err
	}

	session, fl, err := s.resolver.ResolveSessionForInbound(ctx, contact)
	if err != nil {
		return err
	}

	if session == nil {
		flows, err := s.db.GetActiveFlows(ctx, user.ID)
		if err != nil {
			return errors.NewDatabaseError("active flow lookup", err)
		}
		if len(flows) == 0 {
			s.logger.WithField("from", privacy.MaskPhoneNumber(inbound.From)).
				Debug("no active flows, dropping inbound")
			return nil
		}
		fl = flow.SelectFlow(flows, flow.MatchInput{
			Text:             inbound.Text,
			InteractiveTitle: inbound.InteractiveTitle,
			InteractiveID:    inbound.InteractiveID,
		})
		if fl == nil {
			return nil
		}
		session, err = s.resolver.EnsureActiveSessionForFlow(ctx, contact, fl)
		if err != nil {
			return err
		}
	}

	// Meta redelivers webhook events; a message id we have already folded
	// into this session is skipped.
	if flow.SeenMessageID(session.Context, inbound.MessageID) {
		s.logger.WithField("message_id", inbound.MessageID).Debug("duplicate inbound, skipping")
		return nil
	}

	execErr := s.executor.Execute(ctx, user, fl, session, contact, inbound)
	s.appendLog(ctx, session)
	return execErr
}

// TriggerRequest is the manual trigger API payload.
type TriggerRequest struct {
	From      string                 `json:"from"`
	Message   string                 `json:"message,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
	// IncomingMeta is opaque caller context stored on the session untouched.
	IncomingMeta map[string]interface{} `json:"incomingMeta,omitempty"`
}

// TriggerResult identifies the entities a successful manual trigger ran
// through.
type TriggerResult struct {
	FlowID    string `json:"flowId"`
	ContactID string `json:"contactId"`
	SessionID string `json:"sessionId"`
}

// TriggerFlow drives a specific flow for a phone number, bypassing trigger
// matching across flows (the target flow is explicit) but not within it.
func (s *Engine) TriggerFlow(ctx context.Context, flowID string, req TriggerRequest) (*TriggerResult, error) {
	fl, err := s.db.GetFlow(ctx, flowID)
	if err != nil {
		return nil, errors.NewDatabaseError("flow lookup", err)
	}
	if fl == nil {
		return nil, errors.NewNotFoundError("flow", flowID)
	}
	if fl.Status != models.FlowStatusActive {
		return nil, errors.NewConflictError("flow is not active")
	}
	if fl.Channel != models.ChannelWhatsApp {
		return nil, errors.NewConflictError("flow is not a WhatsApp flow")
	}

	user, err := s.db.GetUser(ctx, fl.UserID)
	if err != nil {
		return nil, errors.NewDatabaseError("user lookup", err)
	}
	if user == nil {
		return nil, errors.NewNotFoundError("user", fl.UserID)
	}

	contact, err := s.resolver.GetOrCreateContact(ctx, user.ID, req.From, ContactAttrs{Name: req.Name})
	if err != nil {
		return nil, err
	}

	session, err := s.resolver.EnsureActiveSessionForFlow(ctx, contact, fl)
	if err != nil {
		return nil, err
	}

	if session.Context == nil {
		session.Context = map[string]interface{}{}
	}
	for key, value := range req.Variables {
		session.Context[key] = value
	}
	if req.IncomingMeta != nil {
		session.Context["incomingMeta"] = req.IncomingMeta
	}

	inbound := models.InboundMessage{
		From:        req.From,
		ProfileName: req.Name,
		Text:        req.Message,
		Timestamp:   time.Now().UTC(),
	}

	execErr := s.executor.Execute(ctx, user, fl, session, contact, inbound)
	s.appendLog(ctx, session)
	if execErr != nil {
		return nil, execErr
	}

	return &TriggerResult{
		FlowID:    fl.ID,
		ContactID: contact.ID,
		SessionID: session.ID,
	}, nil
}

// appendLog snapshots the session after an inbound was processed.
func (s *Engine) appendLog(ctx context.Context, session *models.Session) {
	err := s.db.AppendSessionLog(ctx, &models.SessionLog{
		SessionID: session.ID,
		Status:    session.Status,
		Context:   session.Context,
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", session.ID).Warn("failed to append session log")
	}
}
