package server

import (
	"github.com/samber/oops"
)

// Error codes attached to oops errors and echoed to clients in error frames.
const (
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeUnknownEvent    = "UNKNOWN_EVENT"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeInvalidRoom     = "INVALID_ROOM"
	CodeSessionClosed   = "SESSION_CLOSED"
	CodeQueueFull       = "QUEUE_FULL"
	CodeRateLimited     = "RATE_LIMITED"
)

// ErrorCode returns the oops code carried by err, or "" if there is none.
func ErrorCode(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}
