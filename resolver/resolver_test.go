package resolver

import (
	"errors"
	"testing"

	"github.com/nightharbor/wsruntime/wserrors"
)

func TestResolveStatic(t *testing.T) {
	r := New()
	r.Register("/ws/echo", func() (Handler, error) {
		return func(ConnContext) (func(), error) { return nil, nil }, nil
	})

	m, err := r.Resolve("/ws/echo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Pattern != "/ws/echo" {
		t.Fatalf("expected /ws/echo, got %s", m.Pattern)
	}
}

func TestResolveParameterized(t *testing.T) {
	r := New()
	r.Register("/ws/rooms/:roomID", func() (Handler, error) {
		return func(ConnContext) (func(), error) { return nil, nil }, nil
	})

	m, err := r.Resolve("/ws/rooms/42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Params["roomID"] != "42" {
		t.Fatalf("expected roomID=42, got %v", m.Params)
	}
}

func TestStaticTakesPriorityOverParameterized(t *testing.T) {
	r := New()
	r.Register("/ws/rooms/:roomID", func() (Handler, error) {
		return func(ConnContext) (func(), error) { return nil, nil }, nil
	})
	r.Register("/ws/rooms/lobby", func() (Handler, error) {
		return func(ConnContext) (func(), error) { return nil, nil }, nil
	})

	m, err := r.Resolve("/ws/rooms/lobby")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Pattern != "/ws/rooms/lobby" {
		t.Fatalf("expected the static route to win, got %s", m.Pattern)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := New()
	_, err := r.Resolve("/nope")

	var typed *wserrors.Error
	if !errors.As(err, &typed) || typed.Kind != wserrors.RouteNotFound {
		t.Fatalf("expected RouteNotFound, got %v", err)
	}
}

func TestHandlerFactoryInvokedOnce(t *testing.T) {
	r := New()
	calls := 0
	r.Register("/ws/echo", func() (Handler, error) {
		calls++
		return func(ConnContext) (func(), error) { return nil, nil }, nil
	})

	m1, _ := r.Resolve("/ws/echo")
	m1.Handler()
	m2, _ := r.Resolve("/ws/echo")
	m2.Handler()

	if calls != 1 {
		t.Fatalf("expected factory to be invoked exactly once, got %d", calls)
	}
}

func TestHandlerFactoryErrorCached(t *testing.T) {
	r := New()
	calls := 0
	r.Register("/ws/echo", func() (Handler, error) {
		calls++
		return nil, errors.New("boom")
	})

	m, _ := r.Resolve("/ws/echo")
	_, err1 := m.Handler()
	_, err2 := m.Handler()

	if err1 == nil || err2 == nil {
		t.Fatal("expected both calls to return the cached error")
	}
	if calls != 1 {
		t.Fatalf("expected factory invoked once even after failure, got %d", calls)
	}
}

func TestUnregisterRemovesRoute(t *testing.T) {
	r := New()
	r.Register("/ws/echo", func() (Handler, error) { return func(ConnContext) (func(), error) { return nil, nil }, nil })
	r.Unregister("/ws/echo")

	if r.IsSupported("/ws/echo") {
		t.Fatal("expected route to be gone after Unregister")
	}
}

func TestIsSupportedDoesNotInvokeFactory(t *testing.T) {
	r := New()
	calls := 0
	r.Register("/ws/echo", func() (Handler, error) {
		calls++
		return func(ConnContext) (func(), error) { return nil, nil }, nil
	})

	r.IsSupported("/ws/echo")
	if calls != 0 {
		t.Fatal("expected IsSupported to not invoke the factory")
	}
}
