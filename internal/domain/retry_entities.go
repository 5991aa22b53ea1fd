package domain

import "strings"

// RetryConfig defines a substring-based retry taxonomy. The Worker's crash
// classifier (isRetryableCrash) and the Router's attempt cap
// (router.Config.MaxAttempts) do not use it.
type RetryConfig struct {
	MaxAttempts int
	// RetryableErrors lists substrings that mark a WorkExecutor failure as
	// a retryable browser/driver crash (spec §4.4, §7).
	RetryableErrors []string
	// NonRetryableErrors lists substrings that are never retried even if
	// they also match a retryable pattern.
	NonRetryableErrors []string
}

// DefaultRetryConfig returns a browser/driver-crash substring taxonomy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		RetryableErrors: []string{
			"tab crashed",
			"session deleted",
			"chrome not reachable",
			"disconnected: not connected to devtools",
			"connection refused",
			"econnreset",
			"invalid session id",
			"no such window",
			"context deadline exceeded",
			"timeout",
		},
		NonRetryableErrors: []string{
			"payload invalid",
			"invalid argument",
			"not found",
			"unauthorized",
			"forbidden",
		},
	}
}

// ShouldRetry classifies err as retryable per cfg's substring taxonomy.
// Non-retryable patterns take precedence over retryable ones.
func ShouldRetry(err error, cfg RetryConfig) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range cfg.NonRetryableErrors {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range cfg.RetryableErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
