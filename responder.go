package fcgisrv

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds the process-wide configuration consumed by NewContext.
// NewContext copies every field as given; a zero value is not replaced by
// a default, so callers start from DefaultConfig() -- see cmd/fcgisrv for
// the CLI mapping.
type Config struct {
	// BindAddr is either a "host:port" TCP address or, for Unix-domain
	// sockets, a filesystem path (distinguished by BindUnix).
	BindAddr string
	BindUnix bool

	PidPath      string
	TempDir      string
	Threads      int
	NonBlocking  bool
	MaxStdioMem  int64
	SOTimeout    time.Duration
	Extra        map[string]string
}

// DefaultConfig returns a Config with the defaults from spec.md §6's CLI
// table.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:    ":9000",
		TempDir:     "",
		Threads:     1,
		NonBlocking: false,
		MaxStdioMem: 1 << 62,
		SOTimeout:   3 * time.Second,
		Extra:       map[string]string{},
	}
}

// Context is process-wide configuration plus runtime state, shared
// read-mostly by every worker. The loop flag and Stats are the only
// mutable fields and are both safe for concurrent use.
type Context struct {
	Pid int

	BindAddr    string
	BindUnix    bool
	PidPath     string
	TempDir     string
	Threads     int
	NonBlocking bool
	MaxStdioMem int64
	SOTimeout   time.Duration
	Extra       map[string]string

	Stats *Stats

	// EventHandler receives lifecycle Events. Defaults to a zap-backed
	// logger (see NewContext) when nil is never assigned by the caller.
	EventHandler func(Event)

	// ResponderFactory constructs the Responder for one request. A nil
	// return value (or a nil factory) falls back to
	// NotImplementedResponder, exactly as the original does when its
	// responder_factory callable returns nothing.
	ResponderFactory func(*RequestContext) Responder

	loop atomic.Bool

	logger *zap.Logger
}

// NewContext builds a Context from cfg, installing a zap-backed default
// EventHandler that logs every lifecycle Event and leaves ResponderFactory
// nil (callers must assign one before calling Listen/Serve).
func NewContext(cfg *Config) *Context {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger, _ := zap.NewProduction()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := &Context{
		Pid:         os.Getpid(),
		BindAddr:    cfg.BindAddr,
		BindUnix:    cfg.BindUnix,
		PidPath:     cfg.PidPath,
		TempDir:     cfg.TempDir,
		Threads:     cfg.Threads,
		NonBlocking: cfg.NonBlocking,
		MaxStdioMem: cfg.MaxStdioMem,
		SOTimeout:   cfg.SOTimeout,
		Extra:       cfg.Extra,
		Stats:       NewStats(),
		logger:      logger,
	}
	ctx.loop.Store(true)
	ctx.EventHandler = ctx.defaultEventHandler
	return ctx
}

func (c *Context) defaultEventHandler(ev Event) {
	switch ev.Name {
	case EventIdle:
		c.logger.Debug("fcgisrv event", zap.String("event", ev.Name))
	default:
		c.logger.Info("fcgisrv event", zap.String("event", ev.Name), zap.Any("data", ev.Data))
	}
}

// Logger returns the Context's zap logger, for use by code that needs
// structured logging outside of the Event mechanism (e.g. fatal-error
// reporting in the listener).
func (c *Context) Logger() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

func (c *Context) fireEvent(ev Event) {
	if c.EventHandler != nil {
		c.EventHandler(ev)
	}
}

// Loop reports whether the Context's run loop should continue.
func (c *Context) Loop() bool { return c.loop.Load() }

// StopLoop clears the run loop flag; workers observe it between requests.
func (c *Context) StopLoop() { c.loop.Store(false) }

// RequestContext is the per-request data a Responder is constructed with:
// the decoded BEGIN_REQUEST/PARAMS state, the connection, and a back
// reference to the shared Context.
type RequestContext struct {
	Context   *Context
	Conn      net.Conn
	Client    net.Addr
	RequestID uint16
	Params    map[string]string
}

// Responder is the contract every request handler implements. The
// listener calls DoResponse exactly once per BEGIN_REQUEST and then Close
// unconditionally, regardless of how DoResponse returned.
type Responder interface {
	// DoResponse handles the one request this Responder was constructed
	// for, returning the FCGI_END_REQUEST appStatus to report (0 on
	// success).
	DoResponse() (appStatus int, err error)

	// Close releases any resources (temp files, open streams) the
	// Responder acquired. Called unconditionally after DoResponse.
	Close() error
}

// errorResponder is the shared implementation behind the canned 4xx/5xx
// responders: emit one STDOUT record with a minimal HTML body, then the
// STDOUT end marker, and report appStatus=1.
type errorResponder struct {
	rc       *RequestContext
	httpCode int
}

func (e *errorResponder) DoResponse() (int, error) {
	code := e.httpCode
	if code == 0 {
		code = http.StatusInternalServerError
	}
	text := http.StatusText(code)
	if text == "" {
		text = "Error"
	}
	statusLine := fmt.Sprintf("%d %s", code, text)
	html := fmt.Sprintf("<!doctype html><html><body>%s</body></html>", statusLine)

	header := Header{
		{Key: "Status", Value: statusLine},
		{Key: headerContentType, Value: "text/html; charset=utf-8"},
	}
	resp := NewResponse(header, StringBody(html))
	if err := resp.Emit(e.rc.Conn, os.Stderr, e.rc.RequestID); err != nil {
		return 0, err
	}
	return 1, nil
}

func (e *errorResponder) Close() error { return nil }

func newErrorResponder(rc *RequestContext, httpCode int) Responder {
	return &errorResponder{rc: rc, httpCode: httpCode}
}

// NewBadRequestResponder returns a canned 400 responder.
func NewBadRequestResponder(rc *RequestContext) Responder {
	return newErrorResponder(rc, http.StatusBadRequest)
}

// NewNotFoundResponder returns a canned 404 responder.
func NewNotFoundResponder(rc *RequestContext) Responder {
	return newErrorResponder(rc, http.StatusNotFound)
}

// NewMethodNotAllowedResponder returns a canned 405 responder.
func NewMethodNotAllowedResponder(rc *RequestContext) Responder {
	return newErrorResponder(rc, http.StatusMethodNotAllowed)
}

// NewInternalServerErrorResponder returns a canned 500 responder.
func NewInternalServerErrorResponder(rc *RequestContext) Responder {
	return newErrorResponder(rc, http.StatusInternalServerError)
}

// NewNotImplementedResponder returns a canned 501 responder; this is the
// fallback used by the listener when ResponderFactory is nil or returns
// nil.
func NewNotImplementedResponder(rc *RequestContext) Responder {
	return newErrorResponder(rc, http.StatusNotImplemented)
}

// NewServiceUnavailableResponder returns a canned 503 responder.
func NewServiceUnavailableResponder(rc *RequestContext) Responder {
	return newErrorResponder(rc, http.StatusServiceUnavailable)
}
