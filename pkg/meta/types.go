package meta

// Credentials identify one tenant against the Graph API. Every send carries
// them explicitly; the client itself is tenant-agnostic.
type Credentials struct {
	AccessToken       string
	PhoneNumberID     string
	BusinessAccountID string
}

// SendResult is the outcome of a successful message send.
type SendResult struct {
	MessageID      string
	ConversationID string
}

// MediaPayload addresses a media object either by uploaded id or by public
// link. Exactly one of ID or URL is required.
type MediaPayload struct {
	MediaType string
	ID        string
	URL       string
	Caption   string
}

// ListSection groups rows of an interactive list message.
type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListPayload is an interactive list message.
type ListPayload struct {
	Body     string
	Button   string
	Sections []ListSection
}

// FlowPayload is an interactive WhatsApp Flow message. FlowID and Token are
// required; Version defaults to "3".
type FlowPayload struct {
	FlowID  string
	Token   string
	Version string
	Body    string
	Header  string
	Footer  string
	CTA     string
}

// TemplateParameter is one positional parameter of a template component.
type TemplateParameter struct {
	Type    string
	SubType string
	Index   int
	Value   string
}

// TemplatePayload is a pre-approved message template send.
type TemplatePayload struct {
	Name       string
	Language   string
	Parameters []TemplateParameter
}

// graphMessagesResponse is the Graph API response for POST /messages.
type graphMessagesResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Conversation *struct {
		ID string `json:"id"`
	} `json:"conversation,omitempty"`
}

// graphErrorResponse is the Graph API error envelope.
type graphErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorUserMsg string `json:"error_user_msg"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}
