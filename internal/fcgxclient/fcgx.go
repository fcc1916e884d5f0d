// Package fcgx is a minimal FastCGI client used by fcgisrv-healthcheck to
// probe a running fcgisrv/fcgisrv-prefork listener. It speaks the wire
// protocol by calling straight into the fcgisrv package's own codec
// (Record, ReadRecord/WriteRecord/SendRecord, EncodeParams) instead of
// carrying a second, independent framing implementation: client and server
// sides of one connection should agree on padding arithmetic and
// length-prefix encoding by construction, not by two implementations
// happening to match.
package fcgx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gophpeek/fcgisrv"
)

var (
	ErrClientClosed     = errors.New("fcgx: client closed")
	ErrTimeout          = errors.New("fcgx: timeout")
	ErrContextCancelled = errors.New("fcgx: context cancelled")
	ErrUnexpectedEOF    = errors.New("fcgx: unexpected EOF")
	ErrInvalidResponse  = errors.New("fcgx: invalid response")
	ErrConnect          = errors.New("fcgx: connect error")
	ErrWrite            = errors.New("fcgx: write error")
	ErrRead             = errors.New("fcgx: read error")
)

// Config holds configuration options for FastCGI client behavior.
// DefaultConfig supplies the defaults; fields are used as given, so a zero
// ConnectTimeout means no dial timeout and a zero RequestTimeout gives a
// request whose ctx has no deadline an already-expired one.
type Config struct {
	// ConnectTimeout sets the timeout for establishing initial connections.
	// Default: 5 seconds
	ConnectTimeout time.Duration

	// RequestTimeout bounds one request/response round trip when ctx carries
	// no deadline of its own. Default: 30 seconds
	RequestTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// wrap enhances errors with contextual information and error classification.
func wrap(err, kind error, msg string) error {
	return fmt.Errorf("%w: %s: %v", kind, msg, err)
}

// wrapWithContext enhances errors with additional debugging context.
func wrapWithContext(err, kind error, msg string, context map[string]interface{}) error {
	if len(context) == 0 {
		return wrap(err, kind, msg)
	}

	var ctxParts []string
	for k, v := range context {
		ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
	}
	contextStr := strings.Join(ctxParts, " ")
	return fmt.Errorf("%w: %s (%s): %v", kind, msg, contextStr, err)
}

// isTimeout checks if an error is timeout-related, including various timeout
// error types that can be returned by the network layer or context
// cancellation.
func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		strings.Contains(err.Error(), "timeout") ||
		strings.Contains(err.Error(), "deadline exceeded") ||
		strings.Contains(err.Error(), "i/o timeout")
}

// isEOF checks if an error indicates end-of-file, including EOF variations
// that can occur during FastCGI protocol communication.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || strings.Contains(err.Error(), "EOF")
}

// encodeBeginRequestBody builds the 8-byte FCGI_BeginRequestBody.
// fcgisrv's protocol.go only exports a decoder for this (it is read, never
// written, on the server side); the client is the one side that needs to
// produce it, so this is the one piece of wire layout this package encodes
// itself, matching fcgisrv's documented field order exactly.
func encodeBeginRequestBody(role fcgisrv.Role, flags uint8) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], uint16(role))
	b[2] = flags
	return b
}

// Client represents a FastCGI client connection.
// It maintains state for communicating with a FastCGI server.
// Methods are not safe for concurrent use on the same Client: one
// connection carries one request at a time, exactly like the fcgisrv
// listener it is meant to probe.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	reqID  uint16
	closed bool
	config *Config
}

// DoRequest drives one FastCGI responder request/response cycle over c's
// connection using fcgisrv's own record codec, and parses the STDOUT stream
// as an HTTP response.
func (c *Client) DoRequest(ctx context.Context, params map[string]string, body io.Reader) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(err, ErrContextCancelled, "context error")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	reqID := c.reqID
	c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.RequestTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, wrapWithContext(err, ErrWrite, "setting deadline", map[string]interface{}{
			"deadline": deadline.Format(time.RFC3339),
			"reqID":    reqID,
		})
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	beginBody := encodeBeginRequestBody(fcgisrv.RoleResponder, 0)
	if err := fcgisrv.WriteRecord(c.conn, fcgisrv.TypeBeginRequest, reqID, beginBody); err != nil {
		return nil, wrap(err, ErrWrite, "writing begin request")
	}

	if err := ctx.Err(); err != nil {
		return nil, wrap(err, ErrContextCancelled, "context error")
	}

	if err := fcgisrv.SendRecord(c.conn, fcgisrv.TypeParams, reqID, fcgisrv.EncodeParams(params)); err != nil {
		return nil, wrap(err, ErrWrite, "writing params")
	}
	if err := fcgisrv.SendRecord(c.conn, fcgisrv.TypeParams, reqID, nil); err != nil {
		return nil, wrap(err, ErrWrite, "writing empty params")
	}

	if err := ctx.Err(); err != nil {
		return nil, wrap(err, ErrContextCancelled, "context error")
	}

	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, wrap(err, ErrRead, "reading request body")
		}
		// SendRecord splits content wider than one record's content length
		// on its own; the client does not need its own chunking knob.
		if err := fcgisrv.SendRecord(c.conn, fcgisrv.TypeStdin, reqID, data); err != nil {
			return nil, wrap(err, ErrWrite, "writing stdin")
		}
	}
	if err := fcgisrv.SendRecord(c.conn, fcgisrv.TypeStdin, reqID, nil); err != nil {
		return nil, wrap(err, ErrWrite, "writing empty stdin")
	}

	var respBuf bytes.Buffer
	endRequestReceived := false

readLoop:
	for {
		if err := ctx.Err(); err != nil {
			return nil, wrap(err, ErrContextCancelled, "context error")
		}

		rec, err := fcgisrv.ReadRecord(c.conn)
		if err != nil {
			if isEOF(err) {
				if respBuf.Len() > 0 && endRequestReceived {
					break readLoop
				}
				return nil, wrap(err, ErrUnexpectedEOF, "unexpected EOF while reading record")
			}
			if isTimeout(err) {
				return nil, wrap(err, ErrTimeout, "timeout while reading response")
			}
			return nil, wrap(err, ErrRead, "reading response record")
		}

		switch rec.Type {
		case fcgisrv.TypeStdout, fcgisrv.TypeStderr:
			respBuf.Write(rec.Content)
		case fcgisrv.TypeEndRequest:
			endRequestReceived = true
			if respBuf.Len() > 0 {
				break readLoop
			}
		}
	}

	resp, err := parseHTTPResponse(&respBuf)
	if err != nil {
		return nil, wrap(err, ErrInvalidResponse, "parsing HTTP response")
	}
	return resp, nil
}

func parseHTTPResponse(buf *bytes.Buffer) (*http.Response, error) {
	reader := bufio.NewReader(buf)
	tp := textproto.NewReader(reader)

	line, err := tp.ReadLine()
	if err != nil {
		if isEOF(err) {
			err = ErrUnexpectedEOF
		}
		return nil, err
	}
	if !strings.HasPrefix(line, "HTTP/") && !strings.HasPrefix(line, "Status:") {
		headers := http.Header{}
		if strings.Contains(line, ":") {
			headerLines := []string{line}
			for {
				hline, err := tp.ReadLine()
				if err != nil || hline == "" {
					break
				}
				headerLines = append(headerLines, hline)
			}
			for _, h := range headerLines {
				if parts := strings.SplitN(h, ":", 2); len(parts) == 2 {
					headers.Add(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
				}
			}
		}
		return &http.Response{
			Status:     "200 OK",
			StatusCode: 200,
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     headers,
			Body:       io.NopCloser(reader),
		}, nil
	}

	if strings.HasPrefix(line, "Status: ") {
		line = "HTTP/1.1 " + strings.TrimPrefix(line, "Status: ")
	}
	i := strings.IndexByte(line, ' ')
	if i == -1 {
		return nil, wrap(fmt.Errorf("malformed HTTP response %q", line), ErrInvalidResponse, "malformed HTTP response")
	}

	resp := new(http.Response)
	resp.Proto = line[:i]
	resp.Status = strings.TrimLeft(line[i+1:], " ")

	statusCode := resp.Status
	if j := strings.IndexByte(resp.Status, ' '); j != -1 {
		statusCode = resp.Status[:j]
	}
	if len(statusCode) != 3 {
		return nil, wrap(fmt.Errorf("malformed HTTP status code %q", statusCode), ErrInvalidResponse, "malformed HTTP status code")
	}
	resp.StatusCode, err = strconv.Atoi(statusCode)
	if err != nil || resp.StatusCode < 0 {
		return nil, wrap(fmt.Errorf("invalid HTTP status code %q", statusCode), ErrInvalidResponse, "invalid HTTP status code")
	}

	var ok bool
	if resp.ProtoMajor, resp.ProtoMinor, ok = http.ParseHTTPVersion(resp.Proto); !ok {
		return nil, wrap(fmt.Errorf("malformed HTTP version %q", resp.Proto), ErrInvalidResponse, "malformed HTTP version")
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		if isEOF(err) {
			err = ErrUnexpectedEOF
		}
		return nil, err
	}

	resp.Header = http.Header(mimeHeader)
	resp.TransferEncoding = resp.Header["Transfer-Encoding"]
	resp.ContentLength, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)

	if chunked(resp.TransferEncoding) {
		resp.Body = io.NopCloser(httputil.NewChunkedReader(reader))
	} else {
		resp.Body = io.NopCloser(reader)
	}
	return resp, nil
}

func chunked(te []string) bool {
	return len(te) > 0 && te[0] == "chunked"
}

// Get issues a GET request with no body.
func (c *Client) Get(ctx context.Context, params map[string]string) (*http.Response, error) {
	params["REQUEST_METHOD"] = "GET"
	params["CONTENT_LENGTH"] = "0"
	return c.DoRequest(ctx, params, nil)
}

// Post issues a POST request carrying body, of the given contentLength.
func (c *Client) Post(ctx context.Context, params map[string]string, body io.Reader, contentLength int) (*http.Response, error) {
	params["REQUEST_METHOD"] = "POST"
	params["CONTENT_LENGTH"] = strconv.Itoa(contentLength)
	if _, ok := params["CONTENT_TYPE"]; !ok {
		params["CONTENT_TYPE"] = "application/x-www-form-urlencoded"
	}
	if body == nil {
		body = bytes.NewReader(nil)
	}
	return c.DoRequest(ctx, params, body)
}

// Dial establishes a connection to the FastCGI server at address using
// default configuration options.
func Dial(network, address string) (*Client, error) {
	return DialWithConfig(network, address, DefaultConfig())
}

// DialWithConfig establishes a connection to the FastCGI server with custom
// configuration.
func DialWithConfig(network, address string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.Dial(network, address)
	if err != nil {
		return nil, wrap(err, ErrConnect, "dialing connection")
	}
	return &Client{conn: conn, reqID: 1, config: config}, nil
}

// DialContext establishes a connection to the FastCGI server at address
// with the given context using default configuration.
func DialContext(ctx context.Context, network, address string) (*Client, error) {
	return DialContextWithConfig(ctx, network, address, DefaultConfig())
}

// DialContextWithConfig establishes a connection to the FastCGI server with
// context and custom configuration.
func DialContextWithConfig(ctx context.Context, network, address string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, wrap(err, ErrConnect, "dialing connection with context")
	}
	return &Client{conn: conn, reqID: 1, config: config}, nil
}

// Close closes the FastCGI connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.conn.Close()
}

// ReadBody reads and returns the response body as a []byte, stripping any
// residual HTTP header block. It closes the response body after reading.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	all, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if idx := bytes.Index(all, []byte("\r\n\r\n")); idx != -1 {
		return all[idx+4:], nil
	}
	return all, nil
}

// ReadJSON reads and unmarshals the response body as JSON into out.
func ReadJSON(resp *http.Response, out any) error {
	b, err := ReadBody(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
