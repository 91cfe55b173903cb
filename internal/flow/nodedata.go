package flow

import (
	"fmt"
	"net/url"
	"strings"

	"waflow/internal/constants"
	"waflow/internal/errors"
	"waflow/internal/models"
)

// Typed views over Node.Data. Constraints are enforced here, at execution
// time, not at sanitize time; a violation errors the running session.

type TriggerData struct {
	Keyword string
}

type TemplateParameter struct {
	Type    string
	SubType string
	Index   int
	Value   string
}

type MessageData struct {
	UseTemplate        bool
	Text               string
	TemplateName       string
	TemplateLanguage   string
	TemplateParameters []TemplateParameter
}

type OptionsData struct {
	Text    string
	Options []string
}

type DelayData struct {
	Seconds int
}

type ConditionData struct {
	Expression string
}

type APIData struct {
	URL      string
	Method   string
	Headers  map[string]string
	Body     string
	AssignTo string
}

type AssignData struct {
	Key   string
	Value string
}

type MediaData struct {
	MediaType string
	URL       string
	ID        string
	Caption   string
}

type WhatsAppFlowData struct {
	Body   string
	Header string
	Footer string
	CTA    string
}

type HandoffData struct {
	Queue string
	Note  string
}

type GotoData struct {
	TargetNodeID string
}

type EndData struct {
	Reason string
}

func dataString(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func dataNumber(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func dataBool(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func nodeDataError(node *models.Node, message string) error {
	return errors.NewValidationError("node",
		fmt.Sprintf("node %q (%s): %s", node.ID, node.Type, message))
}

func ParseTriggerData(node *models.Node) (TriggerData, error) {
	keyword := strings.TrimSpace(dataString(node.Data, "keyword"))
	if keyword == "" || len(keyword) > constants.MaxTriggerKeywordLength {
		return TriggerData{}, nodeDataError(node,
			fmt.Sprintf("keyword must be 1-%d characters", constants.MaxTriggerKeywordLength))
	}
	return TriggerData{Keyword: keyword}, nil
}

func ParseMessageData(node *models.Node) (MessageData, error) {
	d := MessageData{UseTemplate: dataBool(node.Data, "useTemplate")}
	if d.UseTemplate {
		d.TemplateName = strings.TrimSpace(dataString(node.Data, "templateName"))
		d.TemplateLanguage = strings.TrimSpace(dataString(node.Data, "templateLanguage"))
		if d.TemplateName == "" || d.TemplateLanguage == "" {
			return MessageData{}, nodeDataError(node, "template messages need templateName and templateLanguage")
		}
		params, _ := node.Data["templateParameters"].([]interface{})
		for _, raw := range params {
			p, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			idx, _ := dataNumber(p, "index")
			d.TemplateParameters = append(d.TemplateParameters, TemplateParameter{
				Type:    strings.ToLower(dataString(p, "type")),
				SubType: strings.ToLower(dataString(p, "subType")),
				Index:   int(idx),
				Value:   dataString(p, "value"),
			})
		}
		return d, nil
	}
	d.Text = dataString(node.Data, "text")
	if strings.TrimSpace(d.Text) == "" || len(d.Text) > constants.MaxMessageTextLength {
		return MessageData{}, nodeDataError(node,
			fmt.Sprintf("text must be 1-%d characters", constants.MaxMessageTextLength))
	}
	return d, nil
}

func ParseOptionsData(node *models.Node) (OptionsData, error) {
	raw, _ := node.Data["options"].([]interface{})
	options := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return OptionsData{}, nodeDataError(node, "options must be strings")
		}
		options = append(options, s)
	}
	if len(options) < constants.MinOptionCount || len(options) > constants.MaxOptionCount {
		return OptionsData{}, nodeDataError(node,
			fmt.Sprintf("options must have %d-%d entries", constants.MinOptionCount, constants.MaxOptionCount))
	}
	for _, opt := range options {
		if strings.TrimSpace(opt) == "" || len(opt) > constants.MaxOptionLength {
			return OptionsData{}, nodeDataError(node,
				fmt.Sprintf("each option must be 1-%d characters", constants.MaxOptionLength))
		}
	}
	return OptionsData{Text: dataString(node.Data, "text"), Options: options}, nil
}

func ParseDelayData(node *models.Node) (DelayData, error) {
	seconds, ok := dataNumber(node.Data, "seconds")
	if !ok || seconds < constants.MinDelaySeconds || seconds > constants.MaxDelaySeconds {
		return DelayData{}, nodeDataError(node,
			fmt.Sprintf("seconds must be %d-%d", constants.MinDelaySeconds, constants.MaxDelaySeconds))
	}
	return DelayData{Seconds: int(seconds)}, nil
}

func ParseConditionData(node *models.Node) (ConditionData, error) {
	expr := dataString(node.Data, "expression")
	if strings.TrimSpace(expr) == "" || len(expr) > constants.MaxConditionExprLength {
		return ConditionData{}, nodeDataError(node,
			fmt.Sprintf("expression must be 1-%d characters", constants.MaxConditionExprLength))
	}
	return ConditionData{Expression: expr}, nil
}

var allowedAPIMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

func ParseAPIData(node *models.Node) (APIData, error) {
	d := APIData{
		URL:      strings.TrimSpace(dataString(node.Data, "url")),
		Method:   strings.ToUpper(strings.TrimSpace(dataString(node.Data, "method"))),
		Body:     dataString(node.Data, "body"),
		AssignTo: strings.TrimSpace(dataString(node.Data, "assignTo")),
	}
	if !isValidURL(d.URL) {
		return APIData{}, nodeDataError(node, "url must be a valid http(s) URL")
	}
	if !allowedAPIMethods[d.Method] {
		return APIData{}, nodeDataError(node, "method must be GET, POST, PUT, PATCH or DELETE")
	}
	if headers, ok := node.Data["headers"].(map[string]interface{}); ok {
		d.Headers = make(map[string]string, len(headers))
		for key, value := range headers {
			if s, ok := value.(string); ok {
				d.Headers[key] = s
			}
		}
	}
	if d.AssignTo == "" {
		d.AssignTo = constants.DefaultAPIAssignKey
	}
	return d, nil
}

func ParseAssignData(node *models.Node) (AssignData, error) {
	key := strings.TrimSpace(dataString(node.Data, "key"))
	value := dataString(node.Data, "value")
	if key == "" || len(key) > constants.MaxAssignKeyLength {
		return AssignData{}, nodeDataError(node,
			fmt.Sprintf("key must be 1-%d characters", constants.MaxAssignKeyLength))
	}
	if len(value) > constants.MaxAssignValueLength {
		return AssignData{}, nodeDataError(node,
			fmt.Sprintf("value must be at most %d characters", constants.MaxAssignValueLength))
	}
	return AssignData{Key: key, Value: value}, nil
}

var allowedMediaTypes = map[string]bool{
	"image": true, "video": true, "audio": true, "document": true,
}

func ParseMediaData(node *models.Node) (MediaData, error) {
	d := MediaData{
		MediaType: strings.ToLower(strings.TrimSpace(dataString(node.Data, "mediaType"))),
		URL:       strings.TrimSpace(dataString(node.Data, "url")),
		ID:        strings.TrimSpace(dataString(node.Data, "id")),
		Caption:   dataString(node.Data, "caption"),
	}
	if !allowedMediaTypes[d.MediaType] {
		return MediaData{}, nodeDataError(node, "mediaType must be image, video, audio or document")
	}
	if d.ID == "" {
		if !isValidURL(d.URL) {
			return MediaData{}, nodeDataError(node, "media needs an id or a valid url")
		}
	}
	return d, nil
}

func ParseWhatsAppFlowData(node *models.Node) (WhatsAppFlowData, error) {
	d := WhatsAppFlowData{
		Body:   dataString(node.Data, "body"),
		Header: dataString(node.Data, "header"),
		Footer: dataString(node.Data, "footer"),
		CTA:    dataString(node.Data, "cta"),
	}
	if len(d.Body) > constants.MaxFlowBodyLength {
		return WhatsAppFlowData{}, nodeDataError(node,
			fmt.Sprintf("body must be at most %d characters", constants.MaxFlowBodyLength))
	}
	if len(d.Header) > constants.MaxFlowHeaderLength || len(d.Footer) > constants.MaxFlowFooterLength {
		return WhatsAppFlowData{}, nodeDataError(node, "header and footer are limited to 60 characters")
	}
	if len(d.CTA) > constants.MaxFlowCTALength {
		return WhatsAppFlowData{}, nodeDataError(node,
			fmt.Sprintf("cta must be at most %d characters", constants.MaxFlowCTALength))
	}
	return d, nil
}

func ParseHandoffData(node *models.Node) (HandoffData, error) {
	queue := strings.TrimSpace(dataString(node.Data, "queue"))
	note := dataString(node.Data, "note")
	if queue == "" {
		return HandoffData{}, nodeDataError(node, "queue is required")
	}
	if len(note) > constants.MaxHandoffNoteLength {
		return HandoffData{}, nodeDataError(node,
			fmt.Sprintf("note must be at most %d characters", constants.MaxHandoffNoteLength))
	}
	return HandoffData{Queue: queue, Note: note}, nil
}

func ParseGotoData(node *models.Node) (GotoData, error) {
	target := strings.TrimSpace(dataString(node.Data, "targetNodeId"))
	if target == "" {
		return GotoData{}, nodeDataError(node, "targetNodeId is required")
	}
	return GotoData{TargetNodeID: target}, nil
}

func ParseEndData(node *models.Node) EndData {
	reason := strings.TrimSpace(dataString(node.Data, "reason"))
	if reason == "" {
		reason = "end"
	}
	return EndData{Reason: reason}
}

func isValidURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
