package errors

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// serverCapacityMarker flags the variant of capacity exhaustion where the
// upstream itself (not the account) is saturated; switching accounts does not
// help and the (account, group) pair must not be cooled down for it.
const serverCapacityMarker = "server capacity"

var resetAfterRe = regexp.MustCompile(`reset after (\d+)s`)

// UpstreamStatus extracts the HTTP status carried by an APIError, 0 otherwise.
func UpstreamStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus
	}
	return 0
}

// RetryAfterMs extracts the retry hint carried by an APIError, 0 otherwise.
func RetryAfterMs(err error) int64 {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfterMs
	}
	return 0
}

func message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

// IsCapacity reports whether the error is a (possibly account-local) capacity
// exhaustion that is retryable with backoff or an account switch.
func IsCapacity(err error) bool {
	if err == nil {
		return false
	}
	if UpstreamStatus(err) == 429 {
		return true
	}
	msg := message(err)
	return strings.Contains(msg, "exhausted your capacity on this model") ||
		strings.Contains(msg, "Resource has been exhausted") ||
		strings.Contains(msg, "No capacity available") ||
		strings.Contains(strings.ToLower(msg), serverCapacityMarker)
}

// IsServerCapacityExhausted reports the stricter variant: the upstream is
// globally saturated, so switching accounts is pointless.
func IsServerCapacityExhausted(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(message(err)), serverCapacityMarker)
}

// IsAuth reports 401-class authentication failures.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	if UpstreamStatus(err) == 401 {
		return true
	}
	return strings.Contains(message(err), "UNAUTHENTICATED")
}

// IsRefreshTokenInvalid reports the terminal auth subtype: the stored refresh
// token was revoked and the account needs manual re-authorization.
func IsRefreshTokenInvalid(err error) bool {
	return err != nil && strings.Contains(message(err), "invalid_grant")
}

// IsCancelled reports client-side cancellation; never retried.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := message(err)
	return strings.Contains(msg, "ERR_CANCELED") || strings.Contains(msg, "context canceled")
}

// IsNonRetryable reports errors where neither a same-account retry nor an
// account switch can succeed: validation failures, safety blocks, oversized
// context, unknown model, and any other 4xx besides 429/401.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	status := UpstreamStatus(err)
	if status >= 400 && status < 500 && status != 429 && status != 401 {
		return true
	}
	msg := message(err)
	for _, marker := range []string{
		"INVALID_ARGUMENT",
		"PROHIBITED_CONTENT",
		"blocked by safety",
		"content filter",
		"exceeds the maximum number of tokens",
		"context length",
		"model not found",
		"is not found for API version",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ParseResetAfter extracts the "reset after Ns" hint some capacity errors
// carry. The returned duration is the raw N seconds; callers add their own
// safety margin.
func ParseResetAfter(msg string) (time.Duration, bool) {
	m := resetAfterRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
