package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Class categorizes pipeline failures. Each class has a fixed propagation
// policy; none of them ever reaches a caller of the pipeline facade.
type Class string

const (
	// ClassConfiguration is an invalid page/widget mapping. Not retried;
	// surfaced as a failed gate.
	ClassConfiguration Class = "configuration"
	// ClassValidation is a schema, dedup or consistency violation. Triggers
	// cascade fallback.
	ClassValidation Class = "validation"
	// ClassEnhancement is an enrichment service failure. Retried, then the
	// unenhanced data is used.
	ClassEnhancement Class = "enhancement"
	// ClassTransport is a source-data fetch failure. Triggers cascade fallback.
	ClassTransport Class = "transport"
	// ClassPersistence is an audit or cache write failure. Logged only.
	ClassPersistence Class = "persistence"
)

// Error attaches a Class and the failing operation to an underlying error.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class) + ": " + e.Op
	}
	return string(e.Class) + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(class Class, op string, err error) error {
	if err == nil {
		err = eris.New(op)
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ConfigurationError wraps err as a configuration failure.
func ConfigurationError(op string, err error) error { return newError(ClassConfiguration, op, err) }

// ValidationViolation wraps err as a validation failure.
func ValidationViolation(op string, err error) error { return newError(ClassValidation, op, err) }

// EnhancementError wraps err as an enrichment failure.
func EnhancementError(op string, err error) error { return newError(ClassEnhancement, op, err) }

// TransportError wraps err as a source fetch failure.
func TransportError(op string, err error) error { return newError(ClassTransport, op, err) }

// PersistenceError wraps err as a persistence failure.
func PersistenceError(op string, err error) error { return newError(ClassPersistence, op, err) }

// ClassOf returns the Class of the first *Error in err's chain.
func ClassOf(err error) (Class, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class, true
	}
	return "", false
}

// TransientError marks an error as safe to retry (429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"tls handshake timeout",
	"server closed idle connection",
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a network timeout, or a reset/refused connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is a retryable
// server-side condition.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
