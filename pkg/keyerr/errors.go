// Package keyerr provides the structured error taxonomy for composite key
// operations. Every failure raised while resolving key sources, reading key
// files or calling key providers is reported as a *KeyError so callers can
// branch on Kind and show the user a hint before re-prompting.
package keyerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind identifies the class of a key error
type Kind int

const (
	KindUnknown Kind = iota
	KindNoSourceSelected
	KindKeyFileInvalid
	KindIntegrityMismatch
	KindProviderFailed
	KindUnsupportedSource
	KindNotFound
	KindMalformedContainer
)

// Code identifies a specific error condition for logs and support requests
type Code string

const (
	CodeNoSourceSelected   Code = "KEY-001"
	CodeKeyFileInvalid     Code = "KEY-002"
	CodeIntegrityMismatch  Code = "KEY-003"
	CodeProviderFailed     Code = "KEY-004"
	CodeUnsupportedSource  Code = "KEY-005"
	CodeNotFound           Code = "KEY-006"
	CodeMalformedContainer Code = "KEY-007"
)

// Severity indicates how the error should be surfaced
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNoSourceSelected:   "no_source_selected",
	KindKeyFileInvalid:     "key_file_invalid",
	KindIntegrityMismatch:  "integrity_mismatch",
	KindProviderFailed:     "provider_failed",
	KindUnsupportedSource:  "unsupported_source",
	KindNotFound:           "not_found",
	KindMalformedContainer: "malformed_container",
}

var kindCodes = map[Kind]Code{
	KindNoSourceSelected:   CodeNoSourceSelected,
	KindKeyFileInvalid:     CodeKeyFileInvalid,
	KindIntegrityMismatch:  CodeIntegrityMismatch,
	KindProviderFailed:     CodeProviderFailed,
	KindUnsupportedSource:  CodeUnsupportedSource,
	KindNotFound:           CodeNotFound,
	KindMalformedContainer: CodeMalformedContainer,
}

var kindHints = map[Kind]string{
	KindNoSourceSelected:   "enable at least one key source (password, key file, OS account or provider)",
	KindKeyFileInvalid:     "select a different key file or accept loading it as raw key material",
	KindIntegrityMismatch:  "the transcribed key data does not match its hash; correct the backup text",
	KindProviderFailed:     "check the key provider's input and try again",
	KindUnsupportedSource:  "this key source is not available on this platform",
	KindNotFound:           "check that the file exists and is readable",
	KindMalformedContainer: "the file is not a key file in a supported format",
}

// String returns the snake_case name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the stable error code for the kind
func (k Kind) Code() Code {
	return kindCodes[k]
}

// Hint returns the user-facing remedy for the kind
func (k Kind) Hint() string {
	return kindHints[k]
}

// KeyError is a typed failure from the key subsystem
type KeyError struct {
	Kind     Kind                   `json:"kind"`
	Code     Code                   `json:"code"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Op       string                 `json:"op,omitempty"`
	Path     string                 `json:"path,omitempty"`
	Provider string                 `json:"provider,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Cause    error                  `json:"-"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Time     time.Time              `json:"time"`
}

// Error implements the error interface.
// Format: [KEY-00N] (op) message: path/provider
func (e *KeyError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s]", e.Code))
	if e.Op != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Op))
	}
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	switch {
	case e.Provider != "":
		sb.WriteString(fmt.Sprintf(": provider %q", e.Provider))
	case e.Path != "":
		sb.WriteString(fmt.Sprintf(": %s", e.Path))
	}

	if e.Cause != nil && e.Cause.Error() != e.Message {
		sb.WriteString(fmt.Sprintf(": %v", e.Cause))
	}
	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As
func (e *KeyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a KeyError of the same kind. This lets
// callers test against the package sentinels with errors.Is.
func (e *KeyError) Is(target error) bool {
	var t *KeyError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Hint returns the user-facing remedy
func (e *KeyError) Hint() string {
	return e.Kind.Hint()
}

// WithCause chains an underlying error
func (e *KeyError) WithCause(cause error) *KeyError {
	e.Cause = cause
	return e
}

// WithOp records the operation that failed
func (e *KeyError) WithOp(op string) *KeyError {
	e.Op = op
	return e
}

// WithContext attaches a debugging value
func (e *KeyError) WithContext(key string, value interface{}) *KeyError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity
func (e *KeyError) WithSeverity(sev Severity) *KeyError {
	e.Severity = sev
	return e
}

// New creates a KeyError of the given kind, recording the caller location
func New(kind Kind, message string) *KeyError {
	e := &KeyError{
		Kind:     kind,
		Code:     kind.Code(),
		Severity: SeverityError,
		Message:  message,
		Time:     time.Now(),
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		e.Source = fmt.Sprintf("%s:%d", trimPath(file), line)
	}
	return e
}

func trimPath(file string) string {
	if i := strings.LastIndex(file, "/pkg/"); i >= 0 {
		return file[i+1:]
	}
	return file
}

// Sentinels for errors.Is. They carry no path or cause.
var (
	ErrNoSourceSelected   = &KeyError{Kind: KindNoSourceSelected, Code: CodeNoSourceSelected, Message: "no key source selected"}
	ErrKeyFileInvalid     = &KeyError{Kind: KindKeyFileInvalid, Code: CodeKeyFileInvalid, Message: "key file invalid"}
	ErrIntegrityMismatch  = &KeyError{Kind: KindIntegrityMismatch, Code: CodeIntegrityMismatch, Message: "integrity hash mismatch"}
	ErrProviderFailed     = &KeyError{Kind: KindProviderFailed, Code: CodeProviderFailed, Message: "key provider failed"}
	ErrUnsupportedSource  = &KeyError{Kind: KindUnsupportedSource, Code: CodeUnsupportedSource, Message: "unsupported key source"}
	ErrNotFound           = &KeyError{Kind: KindNotFound, Code: CodeNotFound, Message: "not found"}
	ErrMalformedContainer = &KeyError{Kind: KindMalformedContainer, Code: CodeMalformedContainer, Message: "malformed key file container"}
)

// NoSourceSelected reports a request with every source disabled
func NoSourceSelected() *KeyError {
	return New(KindNoSourceSelected, "no key source selected").
		WithOp("Build").
		WithSeverity(SeverityWarning)
}

// KeyFileInvalid reports a key file that could not be used
func KeyFileInvalid(path string, cause error) *KeyError {
	e := New(KindKeyFileInvalid, "key file invalid").WithOp("ResolveKeyFile").WithCause(cause)
	e.Path = path
	return e
}

// IntegrityMismatch reports key data that does not match its integrity hash
func IntegrityMismatch(expected, actual string) *KeyError {
	return New(KindIntegrityMismatch, "integrity hash does not match key data").
		WithOp("VerifyHash").
		WithContext("expected", expected).
		WithContext("actual", actual)
}

// ProviderFailed wraps a key provider failure
func ProviderFailed(name, message string, cause error) *KeyError {
	e := New(KindProviderFailed, message).WithOp("GetKey").WithCause(cause)
	e.Provider = name
	return e
}

// UnsupportedSource reports a key source that cannot work on this platform
func UnsupportedSource(source string, cause error) *KeyError {
	return New(KindUnsupportedSource, fmt.Sprintf("%s key source is not supported", source)).
		WithOp("Derive").
		WithCause(cause)
}

// NotFound reports a missing key file
func NotFound(path string, cause error) *KeyError {
	e := New(KindNotFound, "key file not found").WithOp("Load").WithCause(cause)
	e.Path = path
	return e
}

// MalformedContainer reports a file that is not a valid key file container
func MalformedContainer(path, reason string, cause error) *KeyError {
	e := New(KindMalformedContainer, reason).WithOp("Load").WithCause(cause)
	e.Path = path
	return e
}

// KindOf extracts the Kind from an error chain, or KindUnknown
func KindOf(err error) Kind {
	var ke *KeyError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}
