package model

// ErrorKind classifies a user-facing failure.
type ErrorKind string

const (
	ErrBadInput            ErrorKind = "bad_input"
	ErrRetrievalTransient  ErrorKind = "retrieval_transient"
	ErrRetrievalFatal      ErrorKind = "retrieval_fatal"
	ErrStepTimeout         ErrorKind = "step_timeout"
	ErrInsufficientCredits ErrorKind = "insufficient_credits"
	ErrCancelled           ErrorKind = "cancelled"
	ErrStoreUnavailable    ErrorKind = "store_unavailable"
	ErrRestrictedLeak      ErrorKind = "restricted_leak"
	ErrBusy                ErrorKind = "busy"
	ErrApprovalRejected    ErrorKind = "approval_rejected"
	ErrApprovalUnavailable ErrorKind = "approval_unavailable"
)

// ResponseError is a failure carried as data on a response or job.
type ResponseError struct {
	Message  string    `json:"message"`
	CanRetry bool      `json:"canRetry"`
	Kind     ErrorKind `json:"kind,omitempty"`
}
