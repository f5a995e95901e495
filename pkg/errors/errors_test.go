package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestReasonKinds(t *testing.T) {
	tests := []struct {
		reason Reason
		want   Kind
	}{
		{ReasonUnsupportedFormat, Abort},
		{ReasonInvariantViolation, Abort},
		{ReasonUnresolvedFrame, Abort},
		{ReasonFragmentTooLarge, Abort},
		{ReasonCodeCacheFull, ResourceExhausted},
		{ReasonInstructionBudget, ResourceExhausted},
		{ReasonWorklistOverflow, ResourceExhausted},
		{ReasonCellListOverflow, ResourceExhausted},
		{ReasonRegisterConflict, Fatal},
		{ReasonPatchRace, Fatal},
	}
	for _, tt := range tests {
		if got := New(tt.reason, "x").Kind; got != tt.want {
			t.Errorf("%s: kind = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("mmap failed")
	err := Wrap(cause, ReasonCodeCacheFull, "install fragment")
	if !stderrors.Is(err, cause) {
		t.Fatalf("wrapped error lost its cause")
	}
	if !IsResourceExhaustion(err) {
		t.Errorf("expected resource exhaustion, got %s", err.Kind)
	}
	if Wrap(nil, ReasonCodeCacheFull, "x") != nil {
		t.Errorf("Wrap(nil) should be nil")
	}
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("compile: %w", Exhaustedf(ReasonCodeCacheFull, "need %d, have %d", 64, 12))
	if !stderrors.Is(err, ErrCodeCacheFull) {
		t.Errorf("errors.Is should match ErrCodeCacheFull through wrapping")
	}
	if stderrors.Is(err, ErrInstructionBudget) {
		t.Errorf("errors.Is matched the wrong sentinel")
	}
	if ReasonOf(err) != ReasonCodeCacheFull {
		t.Errorf("ReasonOf = %s", ReasonOf(err))
	}
}

func TestNonCompileErrors(t *testing.T) {
	err := fmt.Errorf("plain")
	if IsCompileError(err) || IsFatal(err) || IsResourceExhaustion(err) {
		t.Errorf("plain error classified as compile error")
	}
	if ReasonOf(err) != ReasonUnknown {
		t.Errorf("ReasonOf(plain) = %s", ReasonOf(err))
	}
}

func TestExplicitKindOverrides(t *testing.T) {
	if e := Abortf(ReasonCodeCacheFull, "x"); e.Kind != Abort {
		t.Errorf("Abortf kind = %s", e.Kind)
	}
	if e := Fatalf(ReasonInvariantViolation, "x"); !IsFatal(e) {
		t.Errorf("Fatalf should be fatal")
	}
	msg := Fatalf(ReasonRegisterConflict, "r%d bound twice", 3).Error()
	if msg != "fatal (register-conflict): r3 bound twice" {
		t.Errorf("Error() = %q", msg)
	}
}
