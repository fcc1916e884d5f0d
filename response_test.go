package fcgisrv

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCaseInsensitiveLookup(t *testing.T) {
	var h Header
	h.Set("Content-Type", "text/plain")

	v, ok := h.Get("content-type")
	require.True(t, ok)
	assert.Equal(t, "text/plain", v)

	h.Set("content-type", "text/html")
	assert.Len(t, h, 1, "Set on an existing key must not duplicate it")
	v, _ = h.Get("Content-Type")
	assert.Equal(t, "text/html", v)
}

func TestHeaderDelPreservesOrder(t *testing.T) {
	var h Header
	h.Set("A", "1")
	h.Set("B", "2")
	h.Set("C", "3")
	require.True(t, h.Del("B"))
	require.Len(t, h, 2)
	assert.Equal(t, "A", h[0].Key)
	assert.Equal(t, "C", h[1].Key)
}

func TestNormalizeHeadersPlainComputesContentLength(t *testing.T) {
	resp := NewResponse(Header{{Key: "Status", Value: "200 OK"}}, StringBody("hello"))
	h, err := resp.normalizeHeaders(nil)
	require.NoError(t, err)

	cl, ok := h.Get(headerContentLength)
	require.True(t, ok)
	assert.Equal(t, "5", cl)
	_, ok = h.Get(headerTransferEncoding)
	assert.False(t, ok)
}

func TestNormalizeHeadersChunkedStripsContentLength(t *testing.T) {
	var stderr bytes.Buffer
	resp := NewChunkedResponse(Header{{Key: "Content-Length", Value: "999"}})
	h, err := resp.normalizeHeaders(&stderr)
	require.NoError(t, err)

	te, ok := h.Get(headerTransferEncoding)
	require.True(t, ok)
	assert.Equal(t, "chunked", te)
	_, ok = h.Get(headerContentLength)
	assert.False(t, ok)
	assert.Contains(t, stderr.String(), "is ignored")
}

func TestResponseEmitStringBody(t *testing.T) {
	var conn bytes.Buffer
	resp := NewResponse(Header{{Key: "Status", Value: "200 OK"}, {Key: "Content-Type", Value: "text/javascript"}}, StringBody("// js"))
	require.NoError(t, resp.Emit(&conn, nil, 3))

	rec, err := ReadRecord(&conn)
	require.NoError(t, err)
	assert.Equal(t, TypeStdout, rec.Type)
	body := string(rec.Content)
	assert.True(t, strings.HasPrefix(body, "Status: 200 OK\r\nContent-Type: text/javascript\r\nContent-Length: 5\r\n\r\n// js"))

	terminator, err := ReadRecord(&conn)
	require.NoError(t, err)
	assert.Equal(t, TypeStdout, terminator.Type)
	assert.Empty(t, terminator.Content)

	_, err = ReadRecord(&conn)
	assert.Error(t, err)
}

func TestResponseEmitPathBodyStreamsFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "body-*.bin")
	require.NoError(t, err)
	defer f.Close()
	payload := bytes.Repeat([]byte{'z'}, ioChunkLen*2+10)
	_, err = f.Write(payload)
	require.NoError(t, err)

	var conn bytes.Buffer
	resp := NewResponse(Header{{Key: "Status", Value: "200 OK"}}, PathBody(f.Name()))
	require.NoError(t, resp.Emit(&conn, nil, 1))

	var body []byte
	headerSeen := false
	for {
		rec, err := ReadRecord(&conn)
		if err != nil {
			break
		}
		if len(rec.Content) == 0 {
			break
		}
		if !headerSeen {
			idx := bytes.Index(rec.Content, []byte("\r\n\r\n"))
			require.GreaterOrEqual(t, idx, 0)
			body = append(body, rec.Content[idx+4:]...)
			headerSeen = true
			continue
		}
		body = append(body, rec.Content...)
	}
	assert.Equal(t, payload, body)
}

func TestBodyLenVariants(t *testing.T) {
	n, err := NoBody().Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = BytesBody([]byte("abc")).Len()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
