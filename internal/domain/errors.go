package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide how to react without
// string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransport covers network failures and non-2xx HTTP responses.
	KindTransport
	// KindDecode covers malformed payloads (bad JSON, non-UTF-8 CSV).
	KindDecode
	// KindRejected is a well-formed response from the queue that is not an acceptance.
	KindRejected
	// KindNotFound means a local resource is absent.
	KindNotFound
	// KindExtraction means a table identifier could not be found in a link.
	KindExtraction
	// KindPersistence covers storage failures.
	KindPersistence
	// KindInvalid covers bad caller input.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindRejected:
		return "rejected"
	case KindNotFound:
		return "not_found"
	case KindExtraction:
		return "extraction"
	case KindPersistence:
		return "persistence"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// HTTP status classes reported in Error.Code for KindTransport.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeUnknown      = "unknown"
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. It returns nil for a nil err.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a new typed error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost typed error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// CodeOf returns the HTTP status class carried by a transport failure.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrNotFound is matched with errors.Is by storage lookups.
var ErrNotFound = errors.New("not found")
