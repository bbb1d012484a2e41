package analyzer

import (
	"errors"
	"fmt"
)

// ErrInvalidMode is returned for an unknown analysis mode.
var ErrInvalidMode = errors.New("invalid analysis mode")

// ErrorKind classifies a failed analysis.
type ErrorKind int

const (
	// KindTimeout covers request timeouts and cancellation. Never retried by the client.
	KindTimeout ErrorKind = iota

	// KindTransport is a connection-level failure that survived the client's retries.
	KindTransport

	// KindMalformed means the response body could not be decoded.
	KindMalformed

	// KindRejected is an application-level failure (ok:false) with an error code.
	KindRejected

	// KindQuotaMinute is a short-window quota rejection that clears by itself.
	KindQuotaMinute

	// KindQuotaDaily is a long-window quota rejection.
	KindQuotaDaily
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	case KindRejected:
		return "rejected"
	case KindQuotaMinute:
		return "quota_minute"
	case KindQuotaDaily:
		return "quota_daily"
	default:
		return "unknown"
	}
}

// Error is a classified analysis failure.
type Error struct {
	Kind       ErrorKind
	Status     int
	Code       string
	Message    string
	RequestID  string
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("analyze %s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("analyze %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test errors.Is(err, analyzer.ErrTimeout).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrTransport   = &Error{Kind: KindTransport}
	ErrMalformed   = &Error{Kind: KindMalformed}
	ErrRejected    = &Error{Kind: KindRejected}
	ErrQuotaMinute = &Error{Kind: KindQuotaMinute}
	ErrQuotaDaily  = &Error{Kind: KindQuotaDaily}
)

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
