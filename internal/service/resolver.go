package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"waflow/internal/database"
	"waflow/internal/errors"
	"waflow/internal/models"
	"waflow/internal/privacy"
	"waflow/pkg/meta"
)

// Resolver owns contact identity and session lifecycle: who an inbound
// message is from, and which session carries it.
type Resolver struct {
	db     *database.Database
	logger *logrus.Logger
}

func NewResolver(db *database.Database, logger *logrus.Logger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

// ContactAttrs are optional inbound profile details used to enrich the
// contact record.
type ContactAttrs struct {
	Name            string
	AlternatePhones []string
}

// GetOrCreateContact resolves a tenant's contact by phone, creating it when
// absent. A unique-constraint violation on create signals a racing insert
// for the same (user, phone) pair and triggers a re-read.
func (r *Resolver) GetOrCreateContact(ctx context.Context, userID, phone string, attrs ContactAttrs) (*models.Contact, error) {
	canonical := meta.CanonicalPhone(phone)
	if canonical == "" {
		return nil, errors.NewValidationError("phone", "phone number has no digits")
	}

	searchSet := []string{canonical}
	if raw := strings.TrimSpace(phone); raw != "" && raw != canonical {
		searchSet = append(searchSet, raw)
	}
	for _, alt := range attrs.AlternatePhones {
		if altCanonical := meta.CanonicalPhone(alt); altCanonical != "" && altCanonical != canonical {
			searchSet = append(searchSet, altCanonical)
		}
		if altRaw := strings.TrimSpace(alt); altRaw != "" {
			searchSet = append(searchSet, altRaw)
		}
	}

	contact, err := r.db.GetContactByPhones(ctx, userID, searchSet)
	if err != nil {
		return nil, errors.NewDatabaseError("contact lookup", err)
	}

	if contact == nil {
		contact = &models.Contact{
			UserID: userID,
			Phone:  canonical,
			Name:   strings.TrimSpace(attrs.Name),
		}
		if err := r.db.CreateContact(ctx, contact); err != nil {
			if !database.IsUniqueConstraintError(err) {
				return nil, errors.NewDatabaseError("contact creation", err)
			}
			// Lost the race; the row is there now.
			contact, err = r.db.GetContactByPhones(ctx, userID, searchSet)
			if err != nil {
				return nil, errors.NewDatabaseError("contact re-read", err)
			}
			if contact == nil {
				return nil, errors.NewDatabaseError("contact re-read",
					errors.New(errors.ErrCodeConstraintViolated, "contact vanished after constraint violation"))
			}
		} else {
			return contact, nil
		}
	}

	// Repair stale phone/name. Non-fatal; the contact is usable either way.
	updated := false
	if contact.Phone != canonical {
		contact.Phone = canonical
		updated = true
	}
	if name := strings.TrimSpace(attrs.Name); name != "" && name != contact.Name {
		contact.Name = name
		updated = true
	}
	if updated {
		if err := r.db.UpdateContact(ctx, contact); err != nil {
			r.logger.WithError(err).WithField("contact", privacy.MaskPhoneNumber(contact.Phone)).
				Warn("failed to refresh contact details")
		}
	}

	return contact, nil
}

// EnsureActiveSessionForFlow returns the session for (contact, flow),
// creating or reviving it as needed. Paused sessions come back as-is; the
// executor resumes them.
func (r *Resolver) EnsureActiveSessionForFlow(ctx context.Context, contact *models.Contact, fl *models.Flow) (*models.Session, error) {
	session, err := r.db.GetSessionByContactAndFlow(ctx, contact.ID, fl.ID)
	if err != nil {
		return nil, errors.NewDatabaseError("session lookup", err)
	}

	if session == nil {
		session = &models.Session{
			ContactID: contact.ID,
			FlowID:    fl.ID,
			Status:    models.SessionStatusActive,
			Context:   map[string]interface{}{},
		}
		if err := r.db.CreateSession(ctx, session); err != nil {
			if !database.IsUniqueConstraintError(err) {
				return nil, errors.NewDatabaseError("session creation", err)
			}
			session, err = r.db.GetSessionByContactAndFlow(ctx, contact.ID, fl.ID)
			if err != nil || session == nil {
				return nil, errors.NewDatabaseError("session re-read", err)
			}
		} else {
			return session, nil
		}
	}

	// Terminal sessions restart from scratch on re-entry.
	if session.Status == models.SessionStatusCompleted || session.Status == models.SessionStatusErrored {
		session.Status = models.SessionStatusActive
		session.CurrentNodeID = nil
		session.Context = map[string]interface{}{}
		if err := r.db.UpdateSession(ctx, session); err != nil {
			return nil, errors.NewDatabaseError("session reset", err)
		}
	}

	return session, nil
}

// ResolveSessionForInbound picks the session an inbound webhook message
// belongs to: an open session whose flow is still active wins over starting
// a new one.
func (r *Resolver) ResolveSessionForInbound(ctx context.Context, contact *models.Contact) (*models.Session, *models.Flow, error) {
	session, err := r.db.GetLatestOpenSession(ctx, contact.ID)
	if err != nil {
		return nil, nil, errors.NewDatabaseError("open session lookup", err)
	}
	if session == nil {
		return nil, nil, nil
	}

	fl, err := r.db.GetFlow(ctx, session.FlowID)
	if err != nil {
		return nil, nil, errors.NewDatabaseError("flow lookup", err)
	}
	if fl == nil || fl.Status != models.FlowStatusActive || fl.Channel != models.ChannelWhatsApp {
		// The flow was deactivated under the session; route afresh.
		return nil, nil, nil
	}
	return session, fl, nil
}
