package service

import (
	"errors"
	"io"
)

// Rejection kinds. Each maps to one client-visible status in the handler layer.
var (
	ErrInvalidTarget          = errors.New("invalid proxy url")
	ErrPayloadTooLarge        = errors.New("payload too large")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrLengthMismatch         = errors.New("content length mismatch")
)

// RejectError is a relay outcome that is answered locally instead of relayed.
// Kind is one of the Err* sentinels above.
type RejectError struct {
	Kind   error
	Detail string
	// Body is the origin body to forward with the rejection, if any.
	// The receiver owns it and must close it.
	Body io.ReadCloser
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *RejectError) Unwrap() error { return e.Kind }

func reject(kind error, detail string) *RejectError {
	return &RejectError{Kind: kind, Detail: detail}
}
