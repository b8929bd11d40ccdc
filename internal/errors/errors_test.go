package errors

import (
	"fmt"
	"testing"
)

type routeErr struct{}

func (routeErr) Error() string   { return "no route" }
func (routeErr) ErrorCode() Code { return CodeRoute }

func TestExitCodeUsesOutermostCode(t *testing.T) {
	err := Wrap(CodeUsage, "outer", New(CodeUnavailable, "inner"))
	if got := ExitCode(err); got != int(CodeUsage) {
		t.Fatalf("expected usage exit code, got %d", got)
	}
}

func TestExitCodeDomainCoder(t *testing.T) {
	err := fmt.Errorf("quote: %w", routeErr{})
	if got := ExitCode(err); got != int(CodeRoute) {
		t.Fatalf("expected route exit code, got %d", got)
	}
	if got := ExitCode(fmt.Errorf("plain")); got != int(CodeInternal) {
		t.Fatalf("expected internal exit code, got %d", got)
	}
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("expected success exit code, got %d", got)
	}
}

func TestTypeName(t *testing.T) {
	cases := map[Code]string{
		CodeUsage:    "usage_error",
		CodeRoute:    "route_error",
		CodeSigner:   "signer_error",
		CodeInternal: "internal_error",
		Code(99):     "internal_error",
	}
	for code, want := range cases {
		if got := code.TypeName(); got != want {
			t.Fatalf("code %d: expected %s, got %s", code, want, got)
		}
	}
}
