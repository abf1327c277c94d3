// Package security redacts credentials and wallet secrets from text that
// leaves the process: log lines, persisted sandbox output and trace payloads.
package security

import (
	"regexp"
	"strings"
)

// Common patterns for sensitive data
var (
	// Model provider keys (OpenAI, OpenRouter, Anthropic style)
	llmKeyPattern = regexp.MustCompile(`sk-(?:or-v1-|ant-|proj-)?[A-Za-z0-9_\-]{20,}`)

	// RPC endpoints carrying keys in the query string or path
	rpcQueryKeyPattern = regexp.MustCompile(`(?i)([?&](?:api[-_]?key|token|access[-_]?token)=)[A-Za-z0-9_\-]{8,}`)
	rpcPathKeyPattern  = regexp.MustCompile(`((?:alchemy\.com/v2|quiknode\.pro|helius-rpc\.com/v0)/)[A-Za-z0-9_\-]{16,}`)

	// Generic API keys
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|api[_-]?token)[[:space:]]*[:=][[:space:]]*['"` + "`" + `]?([a-zA-Z0-9_\-]{16,})`)

	// Bearer tokens
	bearerTokenPattern = regexp.MustCompile(`(?i)bearer[[:space:]]+([a-zA-Z0-9_\-\.]+)`)

	// PEM private keys
	privateKeyPattern = regexp.MustCompile(`(?s)-----BEGIN[[:space:]]+(?:RSA[[:space:]]+|EC[[:space:]]+)?PRIVATE[[:space:]]+KEY-----.*?-----END[[:space:]]+(?:RSA[[:space:]]+|EC[[:space:]]+)?PRIVATE[[:space:]]+KEY-----`)

	// Solana keypair files are a JSON array of 64 bytes
	keypairArrayPattern = regexp.MustCompile(`\[\s*(?:\d{1,3}\s*,\s*){63}\d{1,3}\s*\]`)

	// Seed phrases of 12 to 24 lowercase words
	mnemonicPattern = regexp.MustCompile(`(?i)(mnemonic|seed[_ -]?phrase|recovery[_ -]?phrase)[[:space:]]*[:=][[:space:]]*['"]?[a-z]+(?:[[:space:]]+[a-z]+){11,23}`)

	// Base58 wallet secret keys (64 bytes encode to 86-88 chars)
	walletSecretPattern = regexp.MustCompile(`(?i)(private[_-]?key|secret[_-]?key|wallet[_-]?secret|signer)[[:space:]]*[:=][[:space:]]*['"]?([1-9A-HJ-NP-Za-km-z]{64,90})`)

	// Passwords in URLs
	urlPasswordPattern = regexp.MustCompile(`(?i)(https?|ftp|wss?)://[^:/\s]+:([^@\s]+)@`)

	// JSON Web Tokens
	jwtPattern = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)

	gcpServiceAccountPattern = regexp.MustCompile(`"private_key":\s*"[^"]+"|"client_email":\s*"[^"]+@[^"]+\.iam\.gserviceaccount\.com"`)

	base64ContextPattern = regexp.MustCompile(`(?i)(auth|token|key|secret|password|credential)[^=:\s]*[:=]\s*["'` + "`" + `]?([A-Za-z0-9+/]{20,}={0,2})`)
)

// LogSanitizer provides methods for sanitizing logs
type LogSanitizer struct {
	customPatterns []*regexp.Regexp
}

// NewLogSanitizer creates a new log sanitizer
func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{
		customPatterns: make([]*regexp.Regexp, 0),
	}
}

// AddCustomPattern adds a custom pattern to sanitize
func (ls *LogSanitizer) AddCustomPattern(pattern *regexp.Regexp) {
	ls.customPatterns = append(ls.customPatterns, pattern)
}

// AddLiteral redacts an exact secret value, such as a key fetched from
// Secret Manager at startup.
func (ls *LogSanitizer) AddLiteral(secret string) {
	if len(secret) < 8 {
		return
	}
	ls.customPatterns = append(ls.customPatterns, regexp.MustCompile(regexp.QuoteMeta(secret)))
}

// Sanitize removes or masks sensitive information from log messages
func (ls *LogSanitizer) Sanitize(message string) string {
	// Custom literals first so partial matches below cannot split them
	for _, pattern := range ls.customPatterns {
		message = pattern.ReplaceAllString(message, "[REDACTED]")
	}

	message = privateKeyPattern.ReplaceAllString(message, "[REDACTED-PRIVATE-KEY]")
	message = keypairArrayPattern.ReplaceAllString(message, "[REDACTED-KEYPAIR]")
	message = mnemonicPattern.ReplaceAllString(message, "${1}=[REDACTED-MNEMONIC]")
	message = walletSecretPattern.ReplaceAllString(message, "${1}=[REDACTED]")

	message = rpcQueryKeyPattern.ReplaceAllString(message, "${1}[REDACTED]")
	message = rpcPathKeyPattern.ReplaceAllString(message, "${1}[REDACTED]")
	message = llmKeyPattern.ReplaceAllString(message, "[REDACTED-LLM-KEY]")

	message = apiKeyPattern.ReplaceAllString(message, "${1}=[REDACTED]")
	message = bearerTokenPattern.ReplaceAllString(message, "Bearer [REDACTED]")
	message = urlPasswordPattern.ReplaceAllString(message, "${1}://[REDACTED]@")
	message = jwtPattern.ReplaceAllString(message, "[REDACTED-JWT]")
	message = gcpServiceAccountPattern.ReplaceAllString(message, "[REDACTED-GCP-CREDENTIALS]")

	message = base64ContextPattern.ReplaceAllStringFunc(message, func(match string) string {
		if strings.Contains(match, "[REDACTED") {
			return match
		}
		return base64ContextPattern.ReplaceAllString(match, "${1}=[REDACTED-BASE64]")
	})

	return message
}

// SanitizeError sanitizes error messages that might contain sensitive info
func (ls *LogSanitizer) SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return ls.Sanitize(err.Error())
}

// SanitizeMap sanitizes all values in a map (useful for labels/metadata)
func (ls *LogSanitizer) SanitizeMap(m map[string]string) map[string]string {
	sanitized := make(map[string]string, len(m))
	for k, v := range m {
		value := ls.Sanitize(v)
		if isSensitiveKey(k) {
			value = "[REDACTED]"
		}
		sanitized[ls.Sanitize(k)] = value
	}
	return sanitized
}

// isSensitiveKey checks if a key name suggests sensitive content
func isSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	sensitiveKeywords := []string{
		"password", "passwd",
		"secret", "token", "api_key", "apikey",
		"auth", "credential",
		"private", "mnemonic", "seed",
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

// PathSanitizer hides user home directories in file paths.
type PathSanitizer struct {
	homeDir string
}

var (
	linuxHomePattern = regexp.MustCompile(`/home/[^/\s]+`)
	macHomePattern   = regexp.MustCompile(`/Users/[^/\s]+`)
)

// NewPathSanitizer creates a new path sanitizer
func NewPathSanitizer() *PathSanitizer {
	return &PathSanitizer{
		homeDir: "[HOME]",
	}
}

// Sanitize replaces sensitive path components
func (ps *PathSanitizer) Sanitize(path string) string {
	path = linuxHomePattern.ReplaceAllString(path, ps.homeDir)
	path = macHomePattern.ReplaceAllString(path, ps.homeDir)
	if strings.HasPrefix(path, "~") {
		path = ps.homeDir + path[1:]
	}
	return path
}
