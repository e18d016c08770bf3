package githubapp

import (
	"errors"
	"fmt"
)

// ClientError is returned for any non-2xx GitHub response that is not a rate
// limit rejection. Error handling downstream matches on the variant, never on
// ad hoc field probing.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("github api error (%d): %s", e.Status, e.Message)
}

// RateLimitingError is returned when GitHub rejects a request because the
// quota is exhausted. Reset is the epoch second at which the quota refills.
type RateLimitingError struct {
	Reset int64
}

func (e *RateLimitingError) Error() string {
	return fmt.Sprintf("github rate limit exhausted, resets at epoch %d", e.Reset)
}

// AsClientError unwraps err into a ClientError if it is one.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsRateLimitingError unwraps err into a RateLimitingError if it is one.
func AsRateLimitingError(err error) (*RateLimitingError, bool) {
	var re *RateLimitingError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
