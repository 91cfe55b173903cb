package privacy

import (
	"strings"

	"waflow/internal/constants"
)

// Log-side masking for end-user identifiers. Phone numbers never appear in
// logs unmasked.

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	keep := constants.DefaultPhoneMaskLength

	if strings.HasPrefix(phone, "+") {
		if len(phone) <= keep+1 {
			return "+" + strings.Repeat("*", len(phone)-1)
		}
		return "+" + strings.Repeat("*", len(phone)-keep-1) + phone[len(phone)-keep:]
	}

	if len(phone) <= keep {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-keep) + phone[len(phone)-keep:]
}

// MaskIdentifier masks a generic identifier keeping the last 4 characters.
func MaskIdentifier(id string) string {
	return maskString(id, 4)
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		switch k {
		case "phone", "phone_number", "from", "to":
			if s, ok := v.(string); ok {
				masked[k] = MaskPhoneNumber(s)
			} else {
				masked[k] = v
			}
		case "contact_id", "contactId", "access_token", "accessToken":
			if s, ok := v.(string); ok {
				masked[k] = MaskIdentifier(s)
			} else {
				masked[k] = v
			}
		default:
			masked[k] = v
		}
	}

	return masked
}
