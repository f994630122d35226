package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/lottr/internal/credential"
)

// APIError is a non-2xx answer from the chat endpoint.
type APIError struct {
	Status     int
	Body       *Error
	RetryAfter time.Duration
	Raw        string
}

func (e *APIError) Error() string {
	if e.Body != nil && e.Body.Message != "" {
		return fmt.Sprintf("API request failed with status %d: %s", e.Status, e.Body.Error())
	}
	return fmt.Sprintf("API request failed with status %d: %s", e.Status, e.Raw)
}

// Unwrap exposes the decoded error body.
func (e *APIError) Unwrap() error {
	if e.Body == nil {
		return nil
	}
	return e.Body
}

// Classification tells the caller how a failed request affects the credential
// and whether another attempt makes sense.
type Classification struct {
	Kind       credential.FailureKind
	Retryable  bool
	RetryAfter time.Duration
}

// Classify maps a request error onto a credential failure kind.
//
//	401/403               -> auth
//	402, insufficient_quota -> quota
//	429                   -> rate limit
//	408, 5xx, network     -> transient
//	other 4xx             -> transient, not retryable
func Classify(err error) Classification {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Body != nil && apiErr.Body.Code == "insufficient_quota" {
			return Classification{Kind: credential.KindQuota, Retryable: true}
		}
		switch {
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			return Classification{Kind: credential.KindAuth, Retryable: true}
		case apiErr.Status == http.StatusPaymentRequired:
			return Classification{Kind: credential.KindQuota, Retryable: true}
		case apiErr.Status == http.StatusTooManyRequests:
			return Classification{Kind: credential.KindRateLimit, Retryable: true, RetryAfter: apiErr.RetryAfter}
		case apiErr.Status == http.StatusRequestTimeout || apiErr.Status >= 500:
			return Classification{Kind: credential.KindTransient, Retryable: true}
		default:
			return Classification{Kind: credential.KindTransient, Retryable: false}
		}
	}

	var bodyErr *Error
	if errors.As(err, &bodyErr) {
		if bodyErr.Code == "insufficient_quota" {
			return Classification{Kind: credential.KindQuota, Retryable: true}
		}
		return Classification{Kind: credential.KindTransient, Retryable: true}
	}

	// a cancelled run is not the credential's fault and is not worth retrying
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: credential.KindTransient, Retryable: false}
	}

	// network errors and timeouts
	return Classification{Kind: credential.KindTransient, Retryable: true}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
