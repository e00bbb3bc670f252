package wserrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestVerdictForKnownKinds(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		verdict Verdict
	}{
		{"route not found closes", RouteNotFound, CloseConnection},
		{"handler not found closes", HandlerNotFound, CloseConnection},
		{"server not available closes", ServerNotAvailable, CloseConnection},
		{"connection limit closes", ConnectionLimit, CloseConnection},
		{"module import terminates", ModuleImport, TerminateConnection},
		{"handler execution terminates", HandlerExecution, TerminateConnection},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerdictFor(tc.kind); got != tc.verdict {
				t.Fatalf("VerdictFor(%s) = %s, want %s", tc.kind, got, tc.verdict)
			}
		})
	}
}

func TestVerdictForUnknownKindDefaultsToTerminate(t *testing.T) {
	if got := VerdictFor(Kind("something-new")); got != TerminateConnection {
		t.Fatalf("expected unknown kind to terminate, got %s", got)
	}
	if got := VerdictFor(Kind(Retry)); got != TerminateConnection {
		t.Fatalf("expected reserved Retry to terminate until implemented, got %s", got)
	}
}

func TestStatusMapping(t *testing.T) {
	if got := Status(RouteNotFound); got != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got)
	}
	if got := Status(ConnectionLimit); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", got)
	}
	if got := Status(Kind("unknown")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown kind, got %d", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("loader exploded")
	err := Wrap(ModuleImport, "failed to load route module", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if KindOf(err) != ModuleImport {
		t.Fatalf("expected KindOf to return ModuleImport, got %s", KindOf(err))
	}
	if VerdictForErr(err) != TerminateConnection {
		t.Fatalf("expected module import to terminate")
	}
}

func TestVerdictForErrOnPlainError(t *testing.T) {
	plain := errors.New("not one of ours")
	if VerdictForErr(plain) != TerminateConnection {
		t.Fatal("expected plain errors to terminate, matching HandlerExecution's verdict")
	}
	if KindOf(plain) != HandlerExecution {
		t.Fatalf("expected KindOf to default to HandlerExecution, got %s", KindOf(plain))
	}
}
