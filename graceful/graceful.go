/*
Package graceful implements bounded-timeout connection teardown and
handler-error translation.

The close-with-timeout-then-force-terminate shape mirrors this codebase's
own server-wide graceful shutdown (srv.Shutdown(ctx) racing a forced exit
on a timeout), applied here to a single WebSocket connection instead of
the whole HTTP server.
*/
package graceful

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nightharbor/wsruntime/wserrors"
)

// DefaultTimeout is the bound on an orderly close before a connection is
// forcibly terminated.
const DefaultTimeout = 5 * time.Second

// CloseWebSocket performs the orderly close sequence: write a close frame
// with code/reason, wait up to timeout for the peer to complete the
// close handshake (signalled by the caller closing done once its read loop
// observes the close), and forcibly close the raw connection if the
// timeout elapses first. A zero timeout uses DefaultTimeout.
func CloseWebSocket(conn *websocket.Conn, code int, reason string, done <-chan struct{}, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	deadline := time.Now().Add(timeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)

	select {
	case <-done:
	case <-time.After(timeout):
	}
	_ = conn.Close()
}

// HandleConnectionError classifies err and returns the WebSocket close
// code the caller should send: 1011 (internal error) for handler-execution
// and module-import failures, 1002 (protocol error) for every other kind.
func HandleConnectionError(err error) (code int, verdict wserrors.Verdict) {
	kind := wserrors.KindOf(err)
	verdict = wserrors.VerdictFor(kind)

	if kind == wserrors.HandlerExecution || kind == wserrors.ModuleImport {
		return websocket.CloseInternalServerErr, verdict
	}
	return websocket.CloseProtocolError, verdict
}

// HandleUpgradeError classifies a pre-upgrade failure the same way, for
// callers that haven't completed the WebSocket handshake yet and so can
// only act on the advisory HTTP status rather than a close frame.
func HandleUpgradeError(err error) (status int, verdict wserrors.Verdict) {
	kind := wserrors.KindOf(err)
	return wserrors.Status(kind), wserrors.VerdictFor(kind)
}

// ExecuteHandlerSafely runs fn, recovering any panic and translating both
// panics and returned errors into a HandlerExecution error, so callers
// never need their own recover().
func ExecuteHandlerSafely(logger zerolog.Logger, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("connection handler panicked")
			err = wserrors.New(wserrors.HandlerExecution, "handler panicked")
		}
	}()

	if handlerErr := fn(); handlerErr != nil {
		return wserrors.Wrap(wserrors.HandlerExecution, "handler returned an error", handlerErr)
	}
	return nil
}
