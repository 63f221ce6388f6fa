package router

import "strings"

// maskedValue replaces sensitive values in audited payloads.
const maskedValue = "***"

var sensitiveKeyParts = []string{
	"password", "secret", "token", "credential", "api_key", "apikey",
	"authorization", "private_key",
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// SanitizePayload returns a copy of the payload with secret-bearing keys
// masked, recursing into nested maps. The original is never mutated;
// audit entries must not share structure with live handler input.
func SanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if sensitiveKey(key) {
			out[key] = maskedValue
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = SanitizePayload(nested)
			continue
		}
		out[key] = value
	}
	return out
}
