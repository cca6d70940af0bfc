package errors

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeMemberNotFound, "member miss-1 not found")
	target := New(CodeMemberNotFound, "different message")

	if !errors.Is(err, target) {
		t.Fatal("expected errors with the same code to match")
	}
	if errors.Is(err, New(CodeDirectoryTimeout, "other")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeDirectoryUnavailable, "fetch user roles", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
	if err.Error() != "fetch user roles" {
		t.Fatalf("message = %q, want %q", err.Error(), "fetch user roles")
	}
}

func TestCodeOfWalksWrappedChains(t *testing.T) {
	inner := New(CodeIDNumbersExhausted, "no id numbers left in range")
	outer := fmt.Errorf("regenerate callsign: %w", inner)

	if got := CodeOf(outer); got != CodeIDNumbersExhausted {
		t.Fatalf("code = %q, want %q", got, CodeIDNumbersExhausted)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want codes.Code
	}{
		{CodeDirectoryBadRequest, codes.InvalidArgument},
		{CodeMemberNotFound, codes.NotFound},
		{CodeDirectoryUnauthorized, codes.PermissionDenied},
		{CodeIDNumbersExhausted, codes.ResourceExhausted},
		{CodeDirectoryUnavailable, codes.Unavailable},
		{CodeDirectoryTimeout, codes.DeadlineExceeded},
		{CodeMutationVerifyMismatch, codes.Internal},
		{Code("SOMETHING_ELSE"), codes.Unknown},
	}
	for _, tc := range tests {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("GRPCCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestToGRPCStatusCarriesErrorInfo(t *testing.T) {
	err := WithMetadata(CodeIDNumbersExhausted, "pool exhausted", map[string]string{
		"department_id": "dept-1",
	})

	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected a gRPC status error")
	}
	if st.Code() != codes.ResourceExhausted {
		t.Fatalf("status code = %v, want %v", st.Code(), codes.ResourceExhausted)
	}
	if st.Message() != "pool exhausted" {
		t.Fatalf("status message = %q, want %q", st.Message(), "pool exhausted")
	}
	if len(st.Details()) != 1 {
		t.Fatalf("expected 1 detail, got %d", len(st.Details()))
	}
}
