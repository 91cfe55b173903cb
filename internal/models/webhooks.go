package models

import "encoding/json"

// WebhookPayload is the batched Meta webhook envelope:
// entry[].changes[].value. A standalone {field, value} form is also
// accepted by the dispatcher.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// StandaloneChange is the unbatched webhook form: a bare change value with
// an optional field name.
type StandaloneChange struct {
	Field string      `json:"field,omitempty"`
	Value ChangeValue `json:"value"`
}

// ChangeValue is one unit of webhook work: inbound messages and/or delivery
// statuses for a single phone number.
type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []WebhookMessage `json:"messages,omitempty"`
	Statuses         []WebhookStatus  `json:"statuses,omitempty"`
}

type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type WebhookMessage struct {
	From        string              `json:"from"`
	ID          string              `json:"id"`
	Timestamp   string              `json:"timestamp"`
	Type        string              `json:"type"`
	Text        *WebhookText        `json:"text,omitempty"`
	Image       json.RawMessage     `json:"image,omitempty"`
	Video       json.RawMessage     `json:"video,omitempty"`
	Audio       json.RawMessage     `json:"audio,omitempty"`
	Document    json.RawMessage     `json:"document,omitempty"`
	Interactive *WebhookInteractive `json:"interactive,omitempty"`
}

type WebhookText struct {
	Body string `json:"body"`
}

type WebhookInteractive struct {
	Type        string        `json:"type"`
	ButtonReply *WebhookReply `json:"button_reply,omitempty"`
	ListReply   *WebhookReply `json:"list_reply,omitempty"`
}

type WebhookReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// WebhookStatus is a delivery-status callback for one outbound message.
type WebhookStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	RecipientID  string `json:"recipient_id"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation,omitempty"`
	Errors []WebhookStatusError `json:"errors,omitempty"`
}

type WebhookStatusError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}
