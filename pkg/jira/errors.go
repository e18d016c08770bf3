package jira

import (
	"errors"
	"fmt"
)

// ClientError is returned for any non-2xx Jira response. A 401/403/404 here
// usually means the destination site is gone or the app was uninstalled,
// which downstream error handling treats as a non-failure.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("jira api error (%d): %s", e.Status, e.Message)
}

// AsClientError unwraps err into a ClientError if it is one.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
