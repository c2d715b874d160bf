package domain

import "fmt"

type ReplyErrorKind string

const (
	ReplyNetwork   ReplyErrorKind = "network"
	ReplyAuth      ReplyErrorKind = "auth"
	ReplyMalformed ReplyErrorKind = "malformed"
)

// ReplyError is the failure returned by a reply service. Callers handle every
// kind the same way; Kind and Reason exist for diagnosis.
type ReplyError struct {
	Kind   ReplyErrorKind
	Reason string
	Err    error
}

func (e *ReplyError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("reply: %s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("reply: %s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *ReplyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewReplyError(kind ReplyErrorKind, reason string, err error) *ReplyError {
	return &ReplyError{Kind: kind, Reason: reason, Err: err}
}
