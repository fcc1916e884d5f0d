package fcgisrv

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

// startTestListener binds an ephemeral TCP listener with factory as the
// responder factory, serves it in the background, and returns a dialer
// plus a stop function.
func startTestListener(t *testing.T, factory func(*RequestContext) Responder) (dial func() net.Conn, stop func()) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.SOTimeout = 200 * time.Millisecond
	cfg.TempDir = t.TempDir()

	ctx := NewContext(cfg)
	ctx.ResponderFactory = factory

	l, err := Listen(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		l.Serve()
		close(done)
	}()

	dial = func() net.Conn {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		return conn
	}
	stop = func() {
		ctx.StopLoop()
		l.Close()
		<-done
	}
	return dial, stop
}

func sendBeginRequest(t *testing.T, conn net.Conn, requestID uint16, params map[string]string, stdin []byte) {
	t.Helper()
	body := make([]byte, 8)
	binary.BigEndian.PutUint16(body[0:2], uint16(RoleResponder))
	require.NoError(t, WriteRecord(conn, TypeBeginRequest, requestID, body))
	require.NoError(t, SendRecord(conn, TypeParams, requestID, EncodeParams(params)))
	require.NoError(t, SendRecord(conn, TypeParams, requestID, nil))
	if stdin != nil {
		require.NoError(t, SendRecord(conn, TypeStdin, requestID, stdin))
	}
	require.NoError(t, SendRecord(conn, TypeStdin, requestID, nil))
}

func readAllStdout(t *testing.T, conn net.Conn) (stdout []byte, endStatus *EndRequestBody) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		rec, err := ReadRecord(conn)
		require.NoError(t, err)
		switch rec.Type {
		case TypeStdout:
			stdout = append(stdout, rec.Content...)
		case TypeEndRequest:
			appStatus := binary.BigEndian.Uint32(rec.Content[0:4])
			e := EndRequestBody{AppStatus: appStatus, ProtocolStatus: ProtocolStatus(rec.Content[4])}
			return stdout, &e
		}
	}
}

func TestListenerStaticStringResponse(t *testing.T) {
	dial, stop := startTestListener(t, func(rc *RequestContext) Responder {
		return NewBufferingResponder(rc, func(b *BufferingResponder) (*Response, error) {
			header := Header{{Key: "Status", Value: "200 OK"}, {Key: "Content-Type", Value: "text/javascript"}}
			return NewResponse(header, StringBody("// js")), nil
		})
	})
	defer stop()

	conn := dial()
	defer conn.Close()

	sendBeginRequest(t, conn, 1, map[string]string{
		"REQUEST_METHOD": "GET",
		"REQUEST_URI":    "/a.js",
	}, nil)

	stdout, end := readAllStdout(t, conn)
	require.NotNil(t, end)
	require.EqualValues(t, 0, end.AppStatus)
	require.Contains(t, string(stdout), "Status: 200 OK\r\nContent-Type: text/javascript\r\nContent-Length: 5\r\n\r\n// js")
}

func TestListenerStreamingEcho(t *testing.T) {
	dial, stop := startTestListener(t, func(rc *RequestContext) Responder {
		return NewStreamingResponder(rc, func(s *StreamingResponder) error {
			stream, err := s.OpenStdout(nil)
			if err != nil {
				return err
			}
			defer stream.Close()
			for chunk, err := range s.EachStdin() {
				if err != nil {
					return err
				}
				if _, werr := stream.Write(chunk); werr != nil {
					return werr
				}
			}
			return nil
		})
	})
	defer stop()

	conn := dial()
	defer conn.Close()

	sendBeginRequest(t, conn, 1, map[string]string{"REQUEST_METHOD": "POST"}, []byte("hello"))

	stdout, end := readAllStdout(t, conn)
	require.NotNil(t, end)
	require.EqualValues(t, 0, end.AppStatus)
	require.Contains(t, string(stdout), "Transfer-Encoding: chunked")
	require.NotContains(t, string(stdout), "Content-Length")
	require.Contains(t, string(stdout), "hello")
	require.Contains(t, string(stdout), "0\r\n\r\n")
}

func TestListenerApplicationErrorBeforeHeaders(t *testing.T) {
	dial, stop := startTestListener(t, func(rc *RequestContext) Responder {
		return NewBufferingResponder(rc, func(b *BufferingResponder) (*Response, error) {
			return nil, errFatalTest
		})
	})
	defer stop()

	conn := dial()
	defer conn.Close()

	sendBeginRequest(t, conn, 1, map[string]string{"REQUEST_METHOD": "GET"}, nil)

	stdout, end := readAllStdout(t, conn)
	require.NotNil(t, end)
	require.EqualValues(t, 242, end.AppStatus)
	require.Contains(t, string(stdout), "500")
}

func TestListenerApplicationErrorAfterHeaders(t *testing.T) {
	dial, stop := startTestListener(t, func(rc *RequestContext) Responder {
		return NewStreamingResponder(rc, func(s *StreamingResponder) error {
			stream, err := s.OpenStdout(nil)
			if err != nil {
				return err
			}
			stream.Write([]byte("partial"))
			stream.Close()
			return errFatalTest
		})
	})
	defer stop()

	conn := dial()
	defer conn.Close()

	sendBeginRequest(t, conn, 1, map[string]string{"REQUEST_METHOD": "GET"}, nil)

	stdout, end := readAllStdout(t, conn)
	require.NotNil(t, end)
	require.EqualValues(t, 242, end.AppStatus)
	// No second response header was synthesized: exactly one
	// "Transfer-Encoding: chunked" block, from the original OpenStdout call.
	require.Equal(t, 1, bytes.Count(stdout, []byte("Transfer-Encoding")))
}

func TestListenerOversizedResponseSplitsRecords(t *testing.T) {
	const size = 100 * 1024
	payload := bytes.Repeat([]byte{'q'}, size)

	dial, stop := startTestListener(t, func(rc *RequestContext) Responder {
		return NewBufferingResponder(rc, func(b *BufferingResponder) (*Response, error) {
			return NewResponse(Header{{Key: "Status", Value: "200 OK"}}, BytesBody(payload)), nil
		})
	})
	defer stop()

	conn := dial()
	defer conn.Close()
	sendBeginRequest(t, conn, 1, map[string]string{"REQUEST_METHOD": "GET"}, nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var stdout []byte
	recordCount := 0
	var end *EndRequestBody
	for end == nil {
		rec, err := ReadRecord(conn)
		require.NoError(t, err)
		if rec.Type == TypeStdout {
			require.LessOrEqual(t, len(rec.Content), maxContentLength)
			stdout = append(stdout, rec.Content...)
			if len(rec.Content) > 0 {
				recordCount++
			}
		} else if rec.Type == TypeEndRequest {
			appStatus := binary.BigEndian.Uint32(rec.Content[0:4])
			e := EndRequestBody{AppStatus: appStatus}
			end = &e
		}
	}
	require.GreaterOrEqual(t, recordCount, 2)
	idx := bytes.Index(stdout, []byte("\r\n\r\n"))
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, payload, stdout[idx+4:])
}

var errFatalTest = &testFatalError{"synthetic application failure"}

type testFatalError struct{ msg string }

func (e *testFatalError) Error() string { return e.msg }

// temporaryAcceptError satisfies net.Error with Temporary()==true and
// Timeout()==false, modeling a transient EMFILE/ECONNABORTED-style Accept
// failure distinct from a plain deadline timeout.
type temporaryAcceptError struct{}

func (temporaryAcceptError) Error() string   { return "temporary accept error" }
func (temporaryAcceptError) Timeout() bool   { return false }
func (temporaryAcceptError) Temporary() bool { return true }

// flakyListener wraps a real net.Listener but makes its first N Accept
// calls fail with temporaryAcceptError before delegating to the real one.
type flakyListener struct {
	net.Listener
	remaining atomic.Int32
}

func (f *flakyListener) Accept() (net.Conn, error) {
	if f.remaining.Add(-1) >= 0 {
		return nil, temporaryAcceptError{}
	}
	return f.Listener.Accept()
}

func TestAcceptLoopRetriesOnTemporaryError(t *testing.T) {
	realLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fl := &flakyListener{Listener: realLn}
	fl.remaining.Store(3)

	cfg := DefaultConfig()
	cfg.SOTimeout = 50 * time.Millisecond
	ctx := NewContext(cfg)
	l := &Listener{ctx: ctx, ln: fl, sem: semaphore.NewWeighted(1)}

	done := make(chan error, 1)
	go func() { done <- l.Serve() }()

	conn, err := net.Dial("tcp", realLn.Addr().String())
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		return ctx.Stats.Get(StatSocketBlockErr) >= 3
	}, time.Second, 10*time.Millisecond, "temporary accept errors must bump StatSocketBlockErr and retry")

	ctx.StopLoop()
	realLn.Close()
	<-done
}
