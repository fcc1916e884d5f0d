package fcgisrv

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. These are composed with fmt.Errorf("%w: ...") at
// the point of use, following the wrap/wrapWithContext convention the
// teacher library used for its client-side errors.
var (
	// ErrConnection marks a dead or half-dead connection: the peer closed,
	// or a blocking read/write returned short. The per-connection loop
	// aborts silently on this (no END_REQUEST is sent; the peer is gone).
	ErrConnection = errors.New("fcgisrv: connection error")

	// ErrProtocol marks a malformed record, an unexpected record type where
	// it isn't allowed, or unsupported KEEP_CONN. It wraps ErrConnection, so
	// the listener treats it identically (the connection is aborted).
	ErrProtocol = fmt.Errorf("%w: protocol error", ErrConnection)

	// ErrKeepConnUnsupported is a more specific ErrProtocol cause: the peer
	// requested FCGI_KEEP_CONN, which this runtime does not implement.
	ErrKeepConnUnsupported = fmt.Errorf("%w: FCGI_KEEP_CONN is not supported", ErrProtocol)

	// ErrUnnecessaryResponse is the application-raised sentinel meaning
	// "this request's response was already handled out of band"; the
	// listener sends END_REQUEST with appStatus=241 and nothing else.
	ErrUnnecessaryResponse = errors.New("fcgisrv: unnecessary response suppressed")

	// ErrNoResponse is raised internally when a BufferingResponder's
	// MakeResponse returns nil and OpenStdout was never called.
	ErrNoResponse = errors.New("fcgisrv: responder produced no response")

	// ErrHeaderAlreadySent is raised when a responder both calls
	// OpenStdout and returns a non-nil Response from MakeResponse, or
	// calls OpenStdout twice.
	ErrHeaderAlreadySent = errors.New("fcgisrv: response header already sent")

	// ErrStreamAlreadyClosed is raised by a double Close of the chunked
	// stdout stream returned from OpenStdout.
	ErrStreamAlreadyClosed = errors.New("fcgisrv: stdout stream already closed")

	// ErrStdinAlreadyRead is raised when EachStdin is started a second
	// time; the message notes it when OpenStdout has also been called.
	ErrStdinAlreadyRead = errors.New("fcgisrv: stdin already consumed")

	// ErrResponderFactoryNil names the case where no responder factory
	// produced a responder. The listener does not return it: it falls back
	// to NotImplementedResponder instead.
	ErrResponderFactoryNil = errors.New("fcgisrv: responder factory returned nil")

	// ErrStreamingFailedAfterHeaders marks an application error that
	// occurred after OpenStdout already sent response headers: the
	// listener must not attempt to emit a second (fatal-error) response,
	// only close out the stream and report appStatus=242.
	ErrStreamingFailedAfterHeaders = errors.New("fcgisrv: error after response headers were sent")
)

// wrap composes a classification sentinel with a formatted message,
// mirroring the teacher's fcgx.go wrap() helper.
func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
