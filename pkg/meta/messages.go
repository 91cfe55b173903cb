package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"waflow/internal/constants"
	"waflow/internal/errors"
)

var nonDigits = regexp.MustCompile(`\D`)

// CanonicalPhone strips a phone number to digits only. Empty means the
// input was not a phone number at all.
func CanonicalPhone(raw string) string {
	return nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")
}

func validRecipient(phone string) bool {
	return len(phone) >= constants.MinPhoneNumberLength && len(phone) <= constants.MaxPhoneNumberLength
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// OptionID derives a stable interactive button id from an option label:
// lowercased, trimmed, whitespace collapsed to underscores. Empty labels
// map to "opt".
func OptionID(option string) string {
	id := whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(option)), "_")
	if id == "" {
		return "opt"
	}
	return id
}

// SendText sends a plain text message. Link previews are disabled; flows
// render their own context.
func (c *Client) SendText(ctx context.Context, creds Credentials, to, body string) (*SendResult, error) {
	return c.sendMessage(ctx, creds, to, map[string]interface{}{
		"type": "text",
		"text": map[string]interface{}{
			"body":        body,
			"preview_url": false,
		},
	})
}

// SendMedia sends an image, video, audio or document by uploaded id or
// public link.
func (c *Client) SendMedia(ctx context.Context, creds Credentials, to string, media MediaPayload) (*SendResult, error) {
	object := map[string]interface{}{}
	switch {
	case media.ID != "":
		object["id"] = media.ID
	case media.URL != "":
		object["link"] = media.URL
	default:
		return nil, errors.NewSendError(http.StatusBadRequest, "media message needs an id or url")
	}
	if media.Caption != "" && media.MediaType != "audio" {
		object["caption"] = media.Caption
	}
	return c.sendMessage(ctx, creds, to, map[string]interface{}{
		"type":          media.MediaType,
		media.MediaType: object,
	})
}

// SendOptions sends interactive reply buttons. Meta caps buttons at three;
// extra options are truncated.
func (c *Client) SendOptions(ctx context.Context, creds Credentials, to, text string, options []string) (*SendResult, error) {
	if len(options) > constants.MaxInteractiveButtons {
		options = options[:constants.MaxInteractiveButtons]
	}
	buttons := make([]map[string]interface{}, 0, len(options))
	for _, option := range options {
		buttons = append(buttons, map[string]interface{}{
			"type": "reply",
			"reply": map[string]interface{}{
				"id":    OptionID(option),
				"title": option,
			},
		})
	}
	return c.sendMessage(ctx, creds, to, map[string]interface{}{
		"type": "interactive",
		"interactive": map[string]interface{}{
			"type":   "button",
			"body":   map[string]interface{}{"text": text},
			"action": map[string]interface{}{"buttons": buttons},
		},
	})
}

// SendList sends an interactive list message.
func (c *Client) SendList(ctx context.Context, creds Credentials, to string, list ListPayload) (*SendResult, error) {
	return c.sendMessage(ctx, creds, to, map[string]interface{}{
		"type": "interactive",
		"interactive": map[string]interface{}{
			"type": "list",
			"body": map[string]interface{}{"text": list.Body},
			"action": map[string]interface{}{
				"button":   list.Button,
				"sections": list.Sections,
			},
		},
	})
}

// SendFlow sends an interactive WhatsApp Flow message.
func (c *Client) SendFlow(ctx context.Context, creds Credentials, to string, flow FlowPayload) (*SendResult, error) {
	if flow.FlowID == "" || flow.Token == "" {
		return nil, errors.NewSendError(http.StatusBadRequest, "flow message needs a Meta flow id and token")
	}
	if strings.TrimSpace(flow.Body) == "" {
		return nil, errors.NewSendError(http.StatusBadRequest, "flow message body must not be empty")
	}
	version := flow.Version
	if version == "" {
		version = "3"
	}
	cta := flow.CTA
	if cta == "" {
		cta = "Open"
	}

	interactive := map[string]interface{}{
		"type": "flow",
		"body": map[string]interface{}{"text": flow.Body},
		"action": map[string]interface{}{
			"name": "flow",
			"parameters": map[string]interface{}{
				"flow_message_version": version,
				"flow_id":              flow.FlowID,
				"flow_token":           flow.Token,
				"flow_cta":             cta,
			},
		},
	}
	if flow.Header != "" {
		interactive["header"] = map[string]interface{}{"type": "text", "text": flow.Header}
	}
	if flow.Footer != "" {
		interactive["footer"] = map[string]interface{}{"text": flow.Footer}
	}

	return c.sendMessage(ctx, creds, to, map[string]interface{}{
		"type":        "interactive",
		"interactive": interactive,
	})
}

// SendTemplate sends a pre-approved message template. Parameters are
// grouped into components by (type, subType, index); only finite indices
// and text parameters survive normalization.
func (c *Client) SendTemplate(ctx context.Context, creds Credentials, to string, tpl TemplatePayload) (*SendResult, error) {
	if tpl.Name == "" || tpl.Language == "" {
		return nil, errors.NewSendError(http.StatusBadRequest, "template message needs a name and language")
	}

	template := map[string]interface{}{
		"name":     tpl.Name,
		"language": map[string]interface{}{"code": tpl.Language},
	}
	if components := buildTemplateComponents(tpl.Parameters); len(components) > 0 {
		template["components"] = components
	}

	return c.sendMessage(ctx, creds, to, map[string]interface{}{
		"type":     "template",
		"template": template,
	})
}

type componentKey struct {
	Type    string
	SubType string
	Index   int
}

func buildTemplateComponents(params []TemplateParameter) []map[string]interface{} {
	var order []componentKey
	grouped := make(map[componentKey][]map[string]interface{})

	for _, p := range params {
		key := componentKey{
			Type:    strings.ToLower(strings.TrimSpace(p.Type)),
			SubType: strings.ToLower(strings.TrimSpace(p.SubType)),
			Index:   p.Index,
		}
		if key.Type == "" {
			continue
		}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], map[string]interface{}{
			"type": "text",
			"text": p.Value,
		})
	}

	components := make([]map[string]interface{}, 0, len(order))
	for _, key := range order {
		component := map[string]interface{}{
			"type":       key.Type,
			"parameters": grouped[key],
		}
		if key.SubType != "" {
			component["sub_type"] = key.SubType
			component["index"] = key.Index
		}
		components = append(components, component)
	}
	return components
}

// sendMessage posts one /messages payload for a canonicalized recipient,
// handling the allow-list enrollment retry.
func (c *Client) sendMessage(ctx context.Context, creds Credentials, to string, message map[string]interface{}) (*SendResult, error) {
	phone := CanonicalPhone(to)
	if !validRecipient(phone) {
		return nil, errors.NewSendError(http.StatusBadRequest, fmt.Sprintf("invalid recipient phone number %q", to))
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phone,
	}
	for key, value := range message {
		payload[key] = value
	}

	return c.postMessages(ctx, creds, phone, payload, false)
}

func (c *Client) postMessages(ctx context.Context, creds Credentials, phone string, payload map[string]interface{}, allowListAttempted bool) (*SendResult, error) {
	status, body, err := c.doJSON(ctx, http.MethodPost, "/"+creds.PhoneNumberID+"/messages", creds.AccessToken, payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSendFailed, "outbound send failed").
			WithStatus(http.StatusBadGateway)
	}

	if status >= 200 && status < 300 {
		var resp graphMessagesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeSendFailed, "failed to decode send response").
				WithStatus(http.StatusBadGateway)
		}
		result := &SendResult{}
		if len(resp.Messages) > 0 {
			result.MessageID = resp.Messages[0].ID
		}
		if resp.Conversation != nil {
			result.ConversationID = resp.Conversation.ID
		}
		return result, nil
	}

	message, code := graphErrorMessage(status, body)

	if status == http.StatusBadRequest && code == constants.MetaRecipientNotAllowed && !allowListAttempted {
		if err := c.enrollRecipient(ctx, creds, phone); err != nil {
			c.logger.WithError(err).WithField("phone_number_id", creds.PhoneNumberID).
				Warn("allow-list enrollment failed")
		} else {
			return c.postMessages(ctx, creds, phone, payload, true)
		}
	}

	if isTokenExpired(status, message) {
		return nil, errors.New(errors.ErrCodeTokenExpired, TokenReconnectMessage).
			WithStatus(status).
			WithContext("meta_error_code", code)
	}

	return nil, errors.NewSendError(status, message).WithContext("meta_error_code", code)
}

// enrollRecipient adds a phone to the tenant's test-recipient allow list.
// Newer API versions moved the endpoint; on the telltale 400/404 the legacy
// path is tried.
func (c *Client) enrollRecipient(ctx context.Context, creds Credentials, phone string) error {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                phone,
	}

	status, body, err := c.doJSON(ctx, http.MethodPost, "/"+creds.PhoneNumberID+"/recipients", creds.AccessToken, payload)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}

	message, _ := graphErrorMessage(status, body)
	lower := strings.ToLower(message)
	if (status == http.StatusBadRequest || status == http.StatusNotFound) &&
		(strings.Contains(lower, "unknown path components") || strings.Contains(lower, "unsupported post request")) {
		status, body, err = c.doJSON(ctx, http.MethodPost, "/"+creds.PhoneNumberID+"/registered_whatsapp_users", creds.AccessToken, payload)
		if err != nil {
			return err
		}
		if status >= 200 && status < 300 {
			return nil
		}
		message, _ = graphErrorMessage(status, body)
	}
	return fmt.Errorf("allow-list enrollment returned status %d: %s", status, message)
}
