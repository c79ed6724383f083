package vault

import (
	"regexp"
	"strings"
	"sync"
)

// Redacted replaces secret material in scrubbed output.
const Redacted = "[REDACTED]"

// minSecretLength guards against scrubbing trivially short strings.
const minSecretLength = 8

// credentialPatterns match well-known credential shapes. Keep ordering
// broadly from specific to generic; all patterns are applied regardless.
var credentialPatterns = []*regexp.Regexp{
	// Generic key=value assignments
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret|password|passwd|pwd|auth|credential)["']?\s*[=:]\s*["']?[\w\-.]+["']?`),

	// Bearer tokens
	regexp.MustCompile(`Bearer\s+[\w\-.]+`),

	// OpenAI / Anthropic
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),

	// GitHub
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),

	// AWS
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*[\w/+]+`),

	// Google
	regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),

	// Slack
	regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z-]+`),

	// Telegram bot tokens
	regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{35}`),

	// Long hex strings (potential secrets)
	regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`),

	// Long base64 values assigned to secret-looking keys
	regexp.MustCompile(`(?i)(key|token|secret|password)\s*[=:]\s*["']?[A-Za-z0-9+/]{40,}={0,2}["']?`),

	// Connection strings with embedded credentials
	regexp.MustCompile(`(?i)(postgres|mysql|mongodb|redis)://\S+`),

	// Private key headers
	regexp.MustCompile(`-----BEGIN[A-Z ]+PRIVATE KEY-----`),
}

// sensitiveKeys flags map keys whose values are redacted wholesale.
var sensitiveKeys = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key",
	"apikey", "auth", "credential", "private_key", "access_key",
}

// Scrubber removes secrets from text before it reaches logs or clients.
// It combines exact matching of known vault secrets with credential
// pattern matching.
type Scrubber struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewScrubber creates an empty scrubber.
func NewScrubber() *Scrubber {
	return &Scrubber{known: make(map[string]struct{})}
}

// AddSecret registers a known secret for exact-match scrubbing.
// Strings shorter than the minimum length are ignored.
func (s *Scrubber) AddSecret(secret string) {
	if len(secret) < minSecretLength {
		return
	}
	s.mu.Lock()
	s.known[secret] = struct{}{}
	s.mu.Unlock()
}

// LoadVault registers every secret currently stored in the vault.
func (s *Scrubber) LoadVault(v *Vault) {
	for _, value := range v.Values() {
		s.AddSecret(value)
	}
}

// Scrub replaces all known secrets and credential-shaped substrings.
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return text
	}

	s.mu.RLock()
	for secret := range s.known {
		if strings.Contains(text, secret) {
			text = strings.ReplaceAll(text, secret, Redacted)
		}
	}
	s.mu.RUnlock()

	for _, pattern := range credentialPatterns {
		text = pattern.ReplaceAllString(text, Redacted)
	}
	return text
}

// ScrubMap scrubs a decoded JSON object recursively. Values under keys that
// look sensitive are redacted wholesale; other string values are scrubbed.
func (s *Scrubber) ScrubMap(data map[string]any) map[string]any {
	result := make(map[string]any, len(data))
	for key, value := range data {
		if isSensitiveKey(key) {
			result[key] = Redacted
			continue
		}
		result[key] = s.scrubValue(value)
	}
	return result
}

func (s *Scrubber) scrubValue(value any) any {
	switch v := value.(type) {
	case string:
		return s.Scrub(v)
	case map[string]any:
		return s.ScrubMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.scrubValue(item)
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeys {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
