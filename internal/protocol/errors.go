package protocol

// Code classifies a per-message failure surfaced in an ack reply. Failures
// never terminate the connection.
type Code string

const (
	CodeInvalidArgument Code = "InvalidArgument"
	CodeNotFound        Code = "NotFound"
	CodeUnauthorized    Code = "Unauthorized"
	CodeConflict        Code = "Conflict"
	CodeRateLimited     Code = "RateLimited"
	CodeExpiredOrGone   Code = "ExpiredOrGone"
	CodeTransient       Code = "Transient"
)
