package upstream

import (
	"github.com/pkg/errors"
)

var (
	ErrUnsupportedModel      = errors.New("unsupported model")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrEmptyContext          = errors.New("no messages to send")
	ErrTimeout               = errors.New("upstream timeout")
)

// Error is the single failure signal of the adapter: connect, mid-stream or configuration problems.
type Error struct {
	Provider Provider
	Model    string
	Err      error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return "upstream error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsUpstreamError reports whether err carries an *Error.
func IsUpstreamError(err error) bool {
	var ue *Error
	return errors.As(err, &ue)
}
