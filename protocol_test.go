package fcgisrv

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaddingLength(t *testing.T) {
	cases := []struct {
		n    int
		want uint8
	}{
		{0, 0}, {1, 7}, {7, 1}, {8, 0}, {9, 7}, {8184, 0}, {8191, 1},
	}
	for _, c := range cases {
		got := paddingLength(c.n)
		assert.Equalf(t, c.want, got, "paddingLength(%d)", c.n)
		assert.Zerof(t, (c.n+int(got))%8, "record length not 8-aligned for n=%d", c.n)
	}
}

func TestWriteReadRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, TypeStdout, 7, []byte("hello")))

	rec, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeStdout, rec.Type)
	assert.Equal(t, uint16(7), rec.RequestID)
	assert.Equal(t, []byte("hello"), rec.Content)
	assert.Zero(t, buf.Len(), "padding must be fully drained")
}

func TestReadRecordEOF(t *testing.T) {
	_, err := ReadRecord(&bytes.Buffer{})
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRecordShortHeader(t *testing.T) {
	_, err := ReadRecord(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSendRecordSplitsOversizedPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, maxContentLength+1000)

	var buf bytes.Buffer
	require.NoError(t, SendRecord(&buf, TypeStdout, 1, payload))

	var reassembled []byte
	recordCount := 0
	for {
		rec, err := ReadRecord(&buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, len(rec.Content), maxContentLength)
		reassembled = append(reassembled, rec.Content...)
		recordCount++
	}

	assert.Greater(t, recordCount, 1)
	assert.Equal(t, payload, reassembled)
}

func TestSendRecordEmptyContentIsStreamTerminator(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendRecord(&buf, TypeStdin, 1, nil))

	rec, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeStdin, rec.Type)
	assert.Empty(t, rec.Content)
}

func TestParamsRoundTrip(t *testing.T) {
	original := map[string]string{
		"REQUEST_METHOD": "GET",
		"REQUEST_URI":    "/a.js",
		"SERVER_NAME":    "localhost",
	}
	decoded, err := DecodeParams(EncodeParams(original))
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestParamsLongLengthPrefix(t *testing.T) {
	longValue := string(bytes.Repeat([]byte{'v'}, 200))
	original := map[string]string{"KEY": longValue}
	decoded, err := DecodeParams(EncodeParams(original))
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeParamsDuplicateKeyLastWins(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(1) // name len
	buf.WriteByte(3) // value len
	buf.WriteString("K")
	buf.WriteString("one")
	buf.WriteByte(1)
	buf.WriteByte(3)
	buf.WriteString("K")
	buf.WriteString("two")

	decoded, err := DecodeParams(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "two", decoded["K"])
}

func TestDecodeParamsInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(1)
	buf.WriteByte(1)
	buf.WriteString("K")
	buf.WriteByte(0xff)

	_, err := DecodeParams(buf.Bytes())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeBeginRequestBody(t *testing.T) {
	content := []byte{0, 1, 1, 0, 0, 0, 0, 0}
	b, err := DecodeBeginRequestBody(content)
	require.NoError(t, err)
	assert.Equal(t, RoleResponder, b.Role)
	assert.Equal(t, FlagKeepConn, b.Flags&FlagKeepConn)
}

func TestEndRequestBodyEncode(t *testing.T) {
	b := EndRequestBody{AppStatus: 242, ProtocolStatus: StatusRequestComplete}
	out := b.Encode()
	require.Len(t, out, 8)
	assert.Equal(t, byte(0), out[0])
	assert.Equal(t, byte(242), out[3])
	assert.Equal(t, byte(StatusRequestComplete), out[4])
}
