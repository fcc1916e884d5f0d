package fcgisrv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// deadlineListener is implemented by *net.TCPListener and *net.UnixListener;
// it lets the accept loop apply so_timeout without caring which transport is
// in use.
type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// Listener owns the bound socket and the bounded worker pool that services
// connections accepted from it. One Listener corresponds to one bind
// address; the prefork supervisor runs one per worker process, all sharing
// the same inherited socket.
type Listener struct {
	ctx *Context
	ln  net.Listener
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// Listen binds ctx's configured address -- TCP if BindUnix is false, a
// Unix-domain socket at BindAddr otherwise -- and returns a Listener ready
// for Serve. For Unix sockets, any pre-existing socket file at the path is
// unlinked first and the umask is temporarily tightened for the duration of
// the bind call, per spec.md §4.6.
func Listen(ctx *Context) (*Listener, error) {
	var ln net.Listener
	var err error

	if ctx.BindUnix {
		if rmErr := os.Remove(ctx.BindAddr); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("fcgisrv: removing stale socket %s: %w", ctx.BindAddr, rmErr)
		}
		oldUmask := syscall.Umask(0o111)
		ln, err = net.Listen("unix", ctx.BindAddr)
		syscall.Umask(oldUmask)
	} else {
		ln, err = net.Listen("tcp", ctx.BindAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("fcgisrv: bind %s: %w", ctx.BindAddr, err)
	}

	if ctx.PidPath != "" {
		if err := os.WriteFile(ctx.PidPath, []byte(strconv.Itoa(ctx.Pid)), 0o644); err != nil {
			ln.Close()
			return nil, fmt.Errorf("fcgisrv: writing pid file %s: %w", ctx.PidPath, err)
		}
	}

	threads := ctx.Threads
	if threads < 1 {
		threads = 1
	}

	l := &Listener{ctx: ctx, ln: ln, sem: semaphore.NewWeighted(int64(threads))}
	ctx.fireEvent(Event{Name: EventStartListener, Data: ctx.BindAddr})
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// File exposes the listening socket's backing *os.File, for the prefork
// supervisor to pass to re-exec'd workers via cmd.ExtraFiles.
func (l *Listener) File() (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	f, ok := l.ln.(filer)
	if !ok {
		return nil, fmt.Errorf("fcgisrv: listener type %T does not support File()", l.ln)
	}
	return f.File()
}

// Close closes the listening socket, unlinks a Unix-domain socket file and
// pid file if this Listener owns them, and waits for in-flight connections
// to finish.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.wg.Wait()

	if l.ctx.BindUnix {
		os.Remove(l.ctx.BindAddr)
	}
	if l.ctx.PidPath != "" {
		os.Remove(l.ctx.PidPath)
	}
	l.ctx.fireEvent(Event{Name: EventStopListener})
	return err
}

// errLoopStopped is a sentinel the accept-loop goroutine returns when it
// exits cleanly (loop flag cleared), purely so errgroup.WithContext
// observes a return and cancels gctx -- the only thing that wakes
// statsHeartbeat. Serve translates it back to a nil error.
var errLoopStopped = errors.New("fcgisrv: accept loop stopped")

// Serve runs the accept loop until the Context's loop flag is cleared or a
// fatal accept error occurs. It dispatches to the blocking or non-blocking
// variant per ctx.NonBlocking, racing it via errgroup against a stats
// heartbeat goroutine: the heartbeat fires an IDLE event on a fixed
// SOTimeout cadence so observers see liveness even across a long run of
// accept timeouts, and is cancelled the moment the accept loop returns
// (errgroup.WithContext cancels gctx as soon as either goroutine returns a
// non-nil error, which is why the accept loop always returns one, even on
// a clean stop -- see errLoopStopped).
func (l *Listener) Serve() error {
	ctx := l.ctx
	ctx.fireEvent(Event{Name: EventListen, Data: l.ln.Addr()})

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		l.statsHeartbeat(gctx)
		return errLoopStopped
	})
	g.Go(func() error {
		var err error
		if ctx.NonBlocking {
			err = l.acceptLoop(StatNonblockingLoop, StatSelectTimeout)
		} else {
			err = l.acceptLoop(StatBlockingLoop, StatSocketTimeout)
		}
		if err == nil {
			err = errLoopStopped
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errLoopStopped) {
		return err
	}
	return nil
}

// statsHeartbeat fires an IDLE event carrying a Stats snapshot every
// SOTimeout, independent of whether the accept loop itself timed out. It
// returns as soon as gctx is cancelled, which errgroup.WithContext does the
// moment the accept-loop goroutine returns.
func (l *Listener) statsHeartbeat(gctx context.Context) {
	ticker := time.NewTicker(l.ctx.SOTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-gctx.Done():
			return
		case <-ticker.C:
			l.ctx.fireEvent(Event{Name: EventIdle, Data: l.ctx.Stats.Snapshot()})
		}
	}
}

// acceptLoop is shared by the blocking and non-blocking modes. Go's net
// package exposes accept readiness only through SetDeadline-driven
// Accept(), with no portable selector/epoll registration API; both modes
// therefore collapse onto the same deadline-polling mechanism, and are
// distinguished only by which Stats counters they increment (see
// DESIGN.md's listener.go entry). A Temporary (non-timeout, non-fatal)
// Accept error -- e.g. a transient EMFILE/ECONNABORTED, the Go analogue of
// the original's BlockingIOError-on-spurious-wakeup case -- bumps
// StatSocketBlockErr and retries the loop instead of aborting it.
func (l *Listener) acceptLoop(loopStat, timeoutStat string) error {
	ctx := l.ctx
	for ctx.Loop() {
		if dl, ok := l.ln.(deadlineListener); ok {
			dl.SetDeadline(time.Now().Add(ctx.SOTimeout))
		}

		conn, err := l.ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) {
				if netErr.Timeout() {
					ctx.Stats.Incr(timeoutStat)
					ctx.fireEvent(Event{Name: EventIdle})
					continue
				}
				if netErr.Temporary() { //nolint:staticcheck // Temporary is deprecated but still the signal we need here
					ctx.Stats.Incr(StatSocketBlockErr)
					continue
				}
			}
			if !ctx.Loop() {
				return nil
			}
			return fmt.Errorf("fcgisrv: accept: %w", err)
		}

		ctx.Stats.Incr(StatSocketAccepted, loopStat)
		ctx.fireEvent(Event{Name: EventAccept, Data: conn.RemoteAddr()})
		l.submit(conn)
	}
	return nil
}

// submit hands conn to the bounded worker pool: it starts a goroutine that
// waits for a pool slot before handling conn, so at most Threads
// connections are handled at once. The accept loop itself does not wait
// for a slot.
func (l *Listener) submit(conn net.Conn) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.sem.Acquire(context.Background(), 1); err != nil {
			conn.Close()
			return
		}
		defer l.sem.Release(1)
		l.handleConnection(conn)
	}()
}

// handleConnection implements the per-connection process_request loop of
// spec.md §4.6: read one BEGIN_REQUEST, assemble PARAMS, build a Responder,
// run it, send exactly one END_REQUEST (unless the connection died), then
// half-close drain and fully close.
func (l *Listener) handleConnection(conn net.Conn) {
	defer l.closeHalf(conn)

	if dl, ok := conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		dl.SetReadDeadline(time.Now().Add(l.ctx.SOTimeout))
	}

	rec, err := l.readUntilBeginRequest(conn)
	if err != nil {
		return
	}

	begin, err := DecodeBeginRequestBody(rec.Content)
	if err != nil {
		return
	}
	if begin.Flags&FlagKeepConn != 0 {
		return
	}
	requestID := rec.RequestID

	paramsData, err := l.readParams(conn, requestID)
	if err != nil {
		return
	}
	params, err := DecodeParams(paramsData)
	if err != nil {
		return
	}

	rc := &RequestContext{
		Context:   l.ctx,
		Conn:      conn,
		Client:    conn.RemoteAddr(),
		RequestID: requestID,
		Params:    params,
	}

	responder := l.buildResponder(rc)
	appStatus, err := l.runResponder(responder, rc)
	if errors.Is(err, ErrConnection) {
		return
	}

	end := EndRequestBody{AppStatus: uint32(appStatus), ProtocolStatus: StatusRequestComplete}
	if err := SendRecord(conn, TypeEndRequest, requestID, end.Encode()); err != nil {
		return
	}
	if appStatus == 0 {
		l.ctx.Stats.Incr(StatResponseOK)
	} else {
		l.ctx.Stats.Incr(StatResponseNG)
	}
}

// readUntilBeginRequest discards any non-BEGIN_REQUEST record found before
// one, per spec.md §4.6 step 2.
func (l *Listener) readUntilBeginRequest(conn net.Conn) (Record, error) {
	for {
		rec, err := ReadRecord(conn)
		if err != nil {
			return Record{}, err
		}
		if rec.Type == TypeBeginRequest {
			return rec, nil
		}
	}
}

// readParams concatenates successive FCGI_PARAMS records sharing requestID
// until a zero-length one terminates the stream.
func (l *Listener) readParams(conn net.Conn, requestID uint16) ([]byte, error) {
	var buf bytes.Buffer
	for {
		rec, err := ReadRecord(conn)
		if err != nil {
			return nil, err
		}
		if rec.Type != TypeParams || rec.RequestID != requestID {
			return nil, fmt.Errorf("%w: expected PARAMS record, got %s", ErrProtocol, rec.Type)
		}
		if len(rec.Content) == 0 {
			return buf.Bytes(), nil
		}
		buf.Write(rec.Content)
	}
}

// buildResponder invokes the configured factory, falling back to
// NotImplementedResponder when it is nil or returns nil, per spec.md §4.6
// step 5.
func (l *Listener) buildResponder(rc *RequestContext) Responder {
	if l.ctx.ResponderFactory == nil {
		return NewNotImplementedResponder(rc)
	}
	r := l.ctx.ResponderFactory(rc)
	if r == nil {
		return NewNotImplementedResponder(rc)
	}
	return r
}

// runResponder calls DoResponse in a scope that guarantees Close, and
// classifies the result per spec.md §7: connection errors propagate so the
// caller sends no END_REQUEST; the unnecessary-response sentinel yields
// appStatus=241; a post-open_stdout application failure is reported without
// a second header; any other application error gets a synthesized 500.
func (l *Listener) runResponder(r Responder, rc *RequestContext) (appStatus int, err error) {
	defer func() {
		if cerr := r.Close(); cerr != nil {
			l.ctx.Logger().Warn("responder close failed",
				zap.Uint16("request_id", rc.RequestID), zap.Error(cerr))
		}
	}()

	appStatus, rerr := r.DoResponse()
	if rerr == nil {
		return appStatus, nil
	}

	if errors.Is(rerr, ErrConnection) {
		return 0, rerr
	}
	if errors.Is(rerr, ErrUnnecessaryResponse) {
		return 241, nil
	}
	if errors.Is(rerr, ErrStreamingFailedAfterHeaders) {
		fmt.Fprintf(os.Stderr, "fcgisrv: request %d: %v\n", rc.RequestID, rerr)
		return 242, nil
	}

	l.emitFatalError(rc, rerr)
	return 242, nil
}

// emitFatalError synthesizes a 500 response carrying a UUID error code,
// with a traceback-equivalent message on STDERR. It is wrapped in its own
// recover so that a failure here (e.g. the connection died mid-write)
// never crashes the worker, per spec.md §7's closing paragraph.
func (l *Listener) emitFatalError(rc *RequestContext, cause error) {
	defer func() {
		if p := recover(); p != nil {
			l.ctx.Logger().Error("panic while emitting fatal error response", zap.Any("panic", p))
		}
	}()

	errCode := uuid.NewString()
	fmt.Fprintf(os.Stderr, "fcgisrv: request %d error %s: %v\n", rc.RequestID, errCode, cause)

	statusLine := fmt.Sprintf("%d %s", http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	html := fmt.Sprintf("<!doctype html><html><body><h1>%s</h1><p>Error code: %s</p></body></html>", statusLine, errCode)
	header := Header{
		{Key: headerStatus, Value: statusLine},
		{Key: headerContentType, Value: "text/html; charset=utf-8"},
	}
	resp := NewResponse(header, StringBody(html))
	if err := resp.Emit(rc.Conn, os.Stderr, rc.RequestID); err != nil {
		l.ctx.Logger().Warn("failed to emit fatal-error response",
			zap.Uint16("request_id", rc.RequestID), zap.Error(err))
	}
}

// closeHalf implements the half-close drain of spec.md §4.6: shut down the
// write side, drain any remaining inbound bytes with a short read timeout,
// then fully close. This keeps the upstream from seeing a RST while it
// still has outbound bytes queued.
func (l *Listener) closeHalf(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	conn.Close()
	l.ctx.Stats.Incr(StatSocketClosed)
}
