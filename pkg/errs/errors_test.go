package errs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  New(KindNotFound, "resource missing"),
			want: "[not_found] resource missing",
		},
		{
			name: "resource and op",
			err:  New(KindPermissionDenied, "refused").WithResource("/home/a").WithOp("store"),
			want: "[permission_denied] refused (resource=/home/a, op=store)",
		},
		{
			name: "wrapped cause",
			err:  Wrap(KindCorruptPayload, "bad header", io.ErrUnexpectedEOF),
			want: "[corrupt_payload] bad header: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("fetch: %w", New(KindNotFound, "no such table").WithResource("/data/t"))

	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Fatal("expected errors.Is not to match ErrPermissionDenied")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound() = false")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf() = %q", KindOf(err))
	}
	if KindOf(io.EOF) != "" {
		t.Errorf("KindOf(io.EOF) = %q, want empty", KindOf(io.EOF))
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	err := Wrap(KindExecutionFailed, "batch run failed", io.ErrClosedPipe)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if !IsExecutionFailed(err) {
		t.Error("IsExecutionFailed() = false")
	}
}

func TestWithDetail(t *testing.T) {
	err := Newf(KindSizeLimitExceeded, "payload is %d KB", 60000).
		WithDetail("limit_kb", 50000).
		WithDetail("size_kb", 60000)

	if len(err.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(err.Details))
	}
	if !strings.Contains(err.Error(), "60000 KB") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
