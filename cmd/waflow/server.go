package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"waflow/internal/constants"
	"waflow/internal/errors"
	"waflow/internal/metrics"
	"waflow/internal/middleware"
	"waflow/internal/models"
	"waflow/internal/service"
	"waflow/internal/validation"
)

type Server struct {
	cfg        *models.Config
	router     *mux.Router
	logger     *logrus.Logger
	engine     *service.Engine
	dispatcher *service.WebhookDispatcher
	server     *http.Server
}

func NewServer(cfg *models.Config, engine *service.Engine, dispatcher *service.WebhookDispatcher, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		logger:     logger,
		engine:     engine,
		dispatcher: dispatcher,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))
	s.router.Use(middleware.DebugLogging(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	s.router.HandleFunc("/meta/webhook", s.handleWebhookVerification()).Methods(http.MethodGet)
	s.router.HandleFunc("/meta/webhook", s.handleWebhook()).Methods(http.MethodPost)

	s.router.HandleFunc("/flows/{flowID}/trigger", s.handleTriggerFlow()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(metrics.Snapshot()); err != nil {
			s.logger.WithError(err).Error("Failed to encode metrics response")
		}
	}
}

// handleWebhookVerification answers Meta's subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func (s *Server) handleWebhookVerification() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		mode := query.Get("hub.mode")
		token := query.Get("hub.verify_token")
		challenge := query.Get("hub.challenge")

		if mode == "subscribe" && s.cfg.Meta.VerifyToken != "" && token == s.cfg.Meta.VerifyToken {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(challenge))
			return
		}

		s.logger.WithField("mode", mode).Warn("webhook verification failed")
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

func (s *Server) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := validation.ValidateHTTPRequestSize(r, constants.MaxWebhookBodySize); err != nil {
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxWebhookBodySize))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}

		if !service.VerifySignature(s.cfg.Meta.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			metrics.Increment("webhook_signature_failures_total", nil)
			s.logger.Warn("webhook signature verification failed")
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}

		metrics.Increment("webhook_requests_total", nil)

		if err := s.dispatcher.Dispatch(r.Context(), body); err != nil {
			// Unparseable payloads are a client problem; anything that made
			// it to dispatch is answered 200 so Meta stops redelivering.
			s.logger.WithError(err).Warn("webhook payload rejected")
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("EVENT_RECEIVED"))
	}
}

func (s *Server) handleTriggerFlow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID := mux.Vars(r)["flowID"]
		if err := validation.ValidateFlowID(flowID); err != nil {
			s.writeTriggerError(w, err, http.StatusBadRequest)
			return
		}

		if err := validation.ValidateHTTPRequestSize(r, constants.MaxTriggerRequestBodySize); err != nil {
			s.writeTriggerError(w, err, http.StatusRequestEntityTooLarge)
			return
		}

		var req service.TriggerRequest
		decoder := json.NewDecoder(io.LimitReader(r.Body, constants.MaxTriggerRequestBodySize))
		if err := decoder.Decode(&req); err != nil {
			s.writeTriggerError(w,
				errors.New(errors.ErrCodeInvalidInput, "invalid request body"), http.StatusBadRequest)
			return
		}

		if err := validation.ValidatePhoneNumber(req.From); err != nil {
			s.writeTriggerError(w, err, http.StatusBadRequest)
			return
		}

		result, err := s.engine.TriggerFlow(r.Context(), flowID, req)
		if err != nil {
			metrics.Increment("trigger_failures_total", nil)
			s.writeTriggerError(w, err, http.StatusInternalServerError)
			return
		}

		metrics.Increment("trigger_requests_total", nil)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"flowId":    result.FlowID,
			"contactId": result.ContactID,
			"sessionId": result.SessionID,
		})
	}
}

// writeTriggerError mirrors the error's HTTP status into both the response
// code and the JSON body.
func (s *Server) writeTriggerError(w http.ResponseWriter, err error, fallback int) {
	status := errors.GetStatus(err, fallback)
	switch errors.GetCode(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeInvalidInput, errors.ErrCodeValidationFailed:
		status = http.StatusBadRequest
	}

	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"status":  status,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
