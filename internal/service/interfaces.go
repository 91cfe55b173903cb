package service

import (
	"context"

	"waflow/pkg/meta"
)

// MessageSender is the slice of the Graph client the executor needs.
// *meta.Client satisfies it; tests substitute a recorder.
type MessageSender interface {
	SendText(ctx context.Context, creds meta.Credentials, to, body string) (*meta.SendResult, error)
	SendMedia(ctx context.Context, creds meta.Credentials, to string, media meta.MediaPayload) (*meta.SendResult, error)
	SendOptions(ctx context.Context, creds meta.Credentials, to, text string, options []string) (*meta.SendResult, error)
	SendList(ctx context.Context, creds meta.Credentials, to string, list meta.ListPayload) (*meta.SendResult, error)
	SendFlow(ctx context.Context, creds meta.Credentials, to string, flow meta.FlowPayload) (*meta.SendResult, error)
	SendTemplate(ctx context.Context, creds meta.Credentials, to string, tpl meta.TemplatePayload) (*meta.SendResult, error)
}
