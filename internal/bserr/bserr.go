// Package bserr is the error-kind sum type for BabelStorage (spec §7,
// §9). The classified failures raised by internal/codec,
// internal/chunker, internal/sign, internal/oracle, internal/metadata,
// and internal/orchestrator are a *Error with one of the Kind values
// below, so callers can branch on kind with errors.As instead of string
// matching. A few low-level failures (zstd compression, JSON
// marshalling) are returned as plain wrapped errors without a Kind.
package bserr

import "fmt"

// Kind identifies the category of a BabelStorage error.
type Kind string

const (
	BadInput                   Kind = "BadInput"
	BadAlphabet                Kind = "BadAlphabet"
	BadVersion                 Kind = "BadVersion"
	BadLength                  Kind = "BadLength"
	ChunkHashMismatch          Kind = "ChunkHashMismatch"
	FileHashMismatch           Kind = "FileHashMismatch"
	ChunkLengthMismatch        Kind = "ChunkLengthMismatch"
	BadSignature               Kind = "BadSignature"
	MissingSignature           Kind = "MissingSignature"
	BadKey                     Kind = "BadKey"
	OracleUnavailable          Kind = "OracleUnavailable"
	OracleProtocolError        Kind = "OracleProtocolError"
	SchemaError                Kind = "SchemaError"
	UnsupportedProtocolVersion Kind = "UnsupportedProtocolVersion"
	Cancelled                  Kind = "Cancelled"
)

// Error is the concrete error type for every Kind above. ChunkIndex is
// nil when the error isn't attributable to a single chunk.
type Error struct {
	Kind       Kind
	ChunkIndex *int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	idx := ""
	if e.ChunkIndex != nil {
		idx = fmt.Sprintf(" (chunk %d)", *e.ChunkIndex)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s%s: %s: %v", e.Kind, idx, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s%s: %s", e.Kind, idx, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, bserr.New(kind, "", nil)) match on Kind alone,
// which is the common case (callers don't know the message/cause ahead
// of time, only the kind they want to test for).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.ChunkIndex == nil {
		return true
	}
	return e.ChunkIndex != nil && *t.ChunkIndex == *e.ChunkIndex
}

// New builds an *Error with no chunk index.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewAt builds an *Error attributed to a specific chunk index.
func NewAt(kind Kind, index int, message string, cause error) *Error {
	return &Error{Kind: kind, ChunkIndex: &index, Message: message, Cause: cause}
}

// Sentinel builds a bare error of kind, for use as an errors.Is target:
// errors.Is(err, bserr.Sentinel(bserr.BadVersion)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
