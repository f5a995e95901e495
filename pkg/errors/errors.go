// Package errors defines the compile failure taxonomy. Every failure a
// compilation request can produce is a *CompileError carrying a Kind and a
// Reason; callers branch on those, never on message text.
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Kind classifies how the caller should react to a failure.
type Kind uint8

const (
	// Abort is a clean, non-fatal failure of one request. The method keeps
	// running interpreted.
	Abort Kind = iota
	// ResourceExhausted means a size-bounded resource ran out. The caller may
	// mark the code cache full and stop issuing requests until a reset.
	ResourceExhausted
	// Fatal is corruption of compiler bookkeeping detected during the current
	// invocation. All partial state is discarded; published code is untouched.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Abort:
		return "abort"
	case ResourceExhausted:
		return "resource-exhausted"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Reason is the structured reason code reported with a failure.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	ReasonUnsupportedFormat
	ReasonInvariantViolation
	ReasonUndecodableInstruction
	ReasonUnresolvedFrame
	ReasonInstructionBudget
	ReasonCodeCacheFull
	ReasonCellListOverflow
	ReasonWorklistOverflow
	ReasonRegisterConflict
	ReasonPatchRace
	ReasonCancelled
	// ReasonFragmentTooLarge is a trace whose code does not fit one fragment
	// header. The compiler retries it shorter.
	ReasonFragmentTooLarge
)

var reasonNames = [...]string{
	ReasonUnknown:                "unknown",
	ReasonUnsupportedFormat:      "unsupported-format",
	ReasonInvariantViolation:     "invariant-violation",
	ReasonUndecodableInstruction: "undecodable-instruction",
	ReasonUnresolvedFrame:        "unresolved-frame",
	ReasonInstructionBudget:      "instruction-budget",
	ReasonCodeCacheFull:          "code-cache-full",
	ReasonCellListOverflow:       "cell-list-overflow",
	ReasonWorklistOverflow:       "worklist-overflow",
	ReasonRegisterConflict:       "register-conflict",
	ReasonPatchRace:              "patch-race",
	ReasonCancelled:              "cancelled",
	ReasonFragmentTooLarge:       "fragment-too-large",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Kind returns the kind a reason is reported under.
func (r Reason) Kind() Kind {
	switch r {
	case ReasonInstructionBudget, ReasonCodeCacheFull, ReasonCellListOverflow, ReasonWorklistOverflow:
		return ResourceExhausted
	case ReasonRegisterConflict, ReasonPatchRace:
		return Fatal
	}
	return Abort
}

type CompileError struct {
	Kind    Kind
	Reason  Reason
	Message string
	Cause   error
}

func (e *CompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Is matches another *CompileError with the same reason, so sentinel values
// such as ErrCodeCacheFull work with errors.Is.
func (e *CompileError) Is(target error) bool {
	t, ok := target.(*CompileError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrCodeCacheFull     = &CompileError{Kind: ResourceExhausted, Reason: ReasonCodeCacheFull}
	ErrInstructionBudget = &CompileError{Kind: ResourceExhausted, Reason: ReasonInstructionBudget}
	ErrPatchRace         = &CompileError{Kind: Fatal, Reason: ReasonPatchRace}
	ErrCancelled         = &CompileError{Kind: Abort, Reason: ReasonCancelled}
)

// New creates a compile error with a formatted message. The kind is derived
// from the reason.
func New(reason Reason, format string, args ...interface{}) *CompileError {
	return &CompileError{
		Kind:    reason.Kind(),
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// Abortf creates an Abort with a formatted message.
func Abortf(reason Reason, format string, args ...interface{}) *CompileError {
	e := New(reason, format, args...)
	e.Kind = Abort
	return e
}

// Exhaustedf creates a ResourceExhausted error with a formatted message.
func Exhaustedf(reason Reason, format string, args ...interface{}) *CompileError {
	e := New(reason, format, args...)
	e.Kind = ResourceExhausted
	return e
}

// Fatalf creates a Fatal error with a formatted message.
func Fatalf(reason Reason, format string, args ...interface{}) *CompileError {
	e := New(reason, format, args...)
	e.Kind = Fatal
	return e
}

// Wrap wraps an existing error as a compile error. The cause keeps a stack
// trace of the wrap site.
func Wrap(err error, reason Reason, message string) *CompileError {
	if err == nil {
		return nil
	}
	return &CompileError{
		Kind:    reason.Kind(),
		Reason:  reason,
		Message: message,
		Cause:   crdb.WithStack(err),
	}
}

// As extracts the *CompileError from an error chain.
func As(err error) (*CompileError, bool) {
	var ce *CompileError
	if crdb.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCompileError reports whether err carries a *CompileError.
func IsCompileError(err error) bool {
	_, ok := As(err)
	return ok
}

// KindOf returns the kind of err, or Abort when err is not a compile error.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return Abort
}

// ReasonOf returns the reason code of err.
func ReasonOf(err error) Reason {
	if ce, ok := As(err); ok {
		return ce.Reason
	}
	return ReasonUnknown
}

// IsResourceExhaustion reports whether err should mark the code cache full.
func IsResourceExhaustion(err error) bool {
	return KindOf(err) == ResourceExhausted && IsCompileError(err)
}

// IsFatal reports whether err is a fatal internal inconsistency.
func IsFatal(err error) bool {
	return KindOf(err) == Fatal && IsCompileError(err)
}
