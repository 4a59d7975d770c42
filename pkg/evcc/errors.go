package evcc

import (
	"errors"
	"fmt"
)

// Errors returned by Fetch, Decode and FetchStatus. Every returned error wraps
// exactly one of these, so callers can match with errors.Is.
var (
	ErrConnectFailed     = errors.New("connect failed")
	ErrResponseTimeout   = errors.New("response timeout")
	ErrResponseTooLarge  = errors.New("response too large")
	ErrMalformedResponse = errors.New("malformed response")
	ErrEmptyBody         = errors.New("empty body")
	ErrSyntax            = errors.New("invalid json")
	ErrNoUsableSchema    = errors.New("no usable schema")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrConnectFailed, "connect_failed"},
	{ErrResponseTimeout, "response_timeout"},
	{ErrResponseTooLarge, "response_too_large"},
	{ErrMalformedResponse, "malformed_response"},
	{ErrEmptyBody, "empty_body"},
	{ErrSyntax, "syntax_error"},
	{ErrNoUsableSchema, "no_usable_schema"},
}

// Reason returns a stable label for the kind of err, suitable for log fields
// and metric labels. Unrecognized errors map to "unknown".
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "unknown"
}

func wrap(kind error, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
