package turn

import "strings"

// errorPattern maps a low-level diagnostic substring to a message fit for
// the UI. Ordered most specific first; the first match wins.
type errorPattern struct {
	match string
	human string
}

var errorPatterns = []errorPattern{
	{"credit balance is too low", "Your provider account is out of credits. Add credits and try again."},
	{"invalid x-api-key", "The API key was rejected. Check the provider configuration."},
	{"authentication_error", "Authentication failed. Check the provider API key."},
	{"rate_limit", "The provider is rate limiting requests. Wait a moment and try again."},
	{"rate limit", "The provider is rate limiting requests. Wait a moment and try again."},
	{"overloaded", "The provider is overloaded right now. Try again shortly."},
	{"context deadline exceeded", "The request timed out. Try again."},
	{"connection refused", "Could not reach the agent backend. Check that the CLI is installed and the endpoint is reachable."},
	{"executable file not found", "The agent CLI binary was not found. Check the cliPath setting."},
}

// HumanizeError turns accumulated backend diagnostics into a message for
// the terminal error event. Pattern match first, then a generic line when
// diagnostics exist but match nothing, else the raw fallback.
func HumanizeError(diagnostics []string, fallback string) string {
	candidates := append(append([]string(nil), diagnostics...), fallback)
	for _, p := range errorPatterns {
		for _, d := range candidates {
			if strings.Contains(strings.ToLower(d), p.match) {
				return p.human
			}
		}
	}
	if len(diagnostics) > 0 {
		return "The agent backend reported an error: " + strings.TrimSpace(diagnostics[len(diagnostics)-1])
	}
	if strings.TrimSpace(fallback) != "" {
		return fallback
	}
	return "The agent backend failed unexpectedly."
}
