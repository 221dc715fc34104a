package event

import "strings"

// masked replaces values whose keys look secret-bearing before a payload is
// persisted. The timeline is long-lived and widely readable; credentials
// must never survive into it.
const maskedValue = "***"

var secretKeyFragments = []string{
	"secret", "password", "passwd", "token", "api_key",
	"apikey", "credential", "private_key", "auth",
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// MaskPayload walks a decoded JSON payload and masks secret-bearing values.
func MaskPayload(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if isSecretKey(k) {
				out[k] = maskedValue
				continue
			}
			out[k] = MaskPayload(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = MaskPayload(inner)
		}
		return out
	default:
		return v
	}
}
