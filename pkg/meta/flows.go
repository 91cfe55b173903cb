package meta

import (
	"context"
	"encoding/json"
	"net/http"

	"waflow/internal/errors"
)

// Meta-side WhatsApp Flow lifecycle: flows are created under the business
// account and referenced from whatsapp_flow nodes by id and token.

// FlowInfo is the Graph API representation of a WhatsApp Flow.
type FlowInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Categories []string `json:"categories"`
}

// CreateFlow registers a new flow under the tenant's business account.
func (c *Client) CreateFlow(ctx context.Context, creds Credentials, name string, categories []string) (*FlowInfo, error) {
	payload := map[string]interface{}{"name": name}
	if len(categories) > 0 {
		payload["categories"] = categories
	}

	status, body, err := c.doJSON(ctx, http.MethodPost, "/"+creds.BusinessAccountID+"/flows", creds.AccessToken, payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMetaAPI, "flow creation failed")
	}
	if status < 200 || status >= 300 {
		message, code := graphErrorMessage(status, body)
		return nil, errors.New(errors.ErrCodeMetaAPI, message).
			WithStatus(status).
			WithContext("meta_error_code", code)
	}

	var info FlowInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMetaAPI, "failed to decode flow response")
	}
	return &info, nil
}

// UpdateFlow renames or recategorizes an existing flow.
func (c *Client) UpdateFlow(ctx context.Context, creds Credentials, flowID string, updates map[string]interface{}) error {
	status, body, err := c.doJSON(ctx, http.MethodPost, "/"+flowID, creds.AccessToken, updates)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeMetaAPI, "flow update failed")
	}
	if status < 200 || status >= 300 {
		message, code := graphErrorMessage(status, body)
		return errors.New(errors.ErrCodeMetaAPI, message).
			WithStatus(status).
			WithContext("meta_error_code", code)
	}
	return nil
}

// DeleteFlow removes a draft flow from the business account.
func (c *Client) DeleteFlow(ctx context.Context, creds Credentials, flowID string) error {
	status, body, err := c.doJSON(ctx, http.MethodDelete, "/"+flowID, creds.AccessToken, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeMetaAPI, "flow deletion failed")
	}
	if status < 200 || status >= 300 {
		message, code := graphErrorMessage(status, body)
		return errors.New(errors.ErrCodeMetaAPI, message).
			WithStatus(status).
			WithContext("meta_error_code", code)
	}
	return nil
}
