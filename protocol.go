// Package fcgisrv implements a FastCGI 1.0 responder runtime: a record
// codec, a request assembler, buffering and streaming response
// disciplines, and a listener with an optional prefork supervisor.
//
// It is the server side of the protocol: it accepts connections from an
// upstream web server (nginx, Apache mod_proxy_fcgi, ...) and dispatches
// each request to an application-supplied Responder.
//
// Example usage:
//
//	ctx := fcgisrv.NewContext(fcgisrv.DefaultConfig())
//	ctx.ResponderFactory = myapp.NewResponder
//	l, err := fcgisrv.Listen(ctx)
//	if err != nil {
//		panic(err)
//	}
//	defer l.Close()
//	if err := l.Serve(); err != nil {
//		panic(err)
//	}
package fcgisrv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// RecordType identifies the kind of a FastCGI record.
type RecordType uint8

const (
	TypeBeginRequest    RecordType = 1
	TypeAbortRequest    RecordType = 2
	TypeEndRequest      RecordType = 3
	TypeParams          RecordType = 4
	TypeStdin           RecordType = 5
	TypeStdout          RecordType = 6
	TypeStderr          RecordType = 7
	TypeData            RecordType = 8
	TypeGetValues       RecordType = 9
	TypeGetValuesResult RecordType = 10
)

func (t RecordType) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Role identifies the FastCGI role requested by FCGI_BEGIN_REQUEST. Only
// RoleResponder is supported by this runtime's listener.
type Role uint16

const (
	RoleResponder Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

// ProtocolStatus is the status field of an FCGI_END_REQUEST record.
type ProtocolStatus uint8

const (
	StatusRequestComplete   ProtocolStatus = 0
	StatusCantMultiplexConn ProtocolStatus = 1
	StatusOverloaded        ProtocolStatus = 2
	StatusUnknownRole       ProtocolStatus = 3
)

// FlagKeepConn is bit 0 of FCGI_BeginRequestBody.flags. This runtime only
// accepts FlagKeepConn == 0; see ErrKeepConnUnsupported.
const FlagKeepConn uint8 = 1

const (
	fcgiVersion1 uint8 = 1

	// headerLen is the fixed 8-byte FastCGI record header length.
	headerLen = 8

	// maxContentLength is the largest contentLength a single record may carry.
	maxContentLength = 0xffff

	// ioChunkLen is the send-side I/O chunk size: 8 bytes of header plus
	// ioContentLen bytes of payload per send-unit. streamFileBody also reads
	// files in ioChunkLen pieces; ReadRecord does not use it.
	ioChunkLen = 8192

	// ioContentLen is the maximum payload carried by one send-unit record
	// when splitting an oversized payload in SendRecord/the chunked writer.
	ioContentLen = ioChunkLen - headerLen
)

// header is the 8-byte FastCGI record header, wire-compatible via
// encoding/binary's fixed-size struct packing (mirrors the teacher's own
// use of binary.Write/Read for framing).
type header struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Record is one framed FastCGI protocol unit: header plus content. Padding
// is never retained after decode; it is recomputed from ContentLength on
// encode.
type Record struct {
	Type      RecordType
	RequestID uint16
	Content   []byte
}

// paddingLength returns (-n) mod 8, the number of pad bytes that must
// follow n bytes of content so the record's total length is a multiple of
// 8 -- this is the invariant spec.md requires on every emitted record.
func paddingLength(n int) uint8 {
	return uint8((8 - (n % 8)) % 8)
}

// ReadRecord performs a fully-draining blocking read of one FastCGI record:
// exactly headerLen bytes for the header, then exactly
// contentLength+paddingLength bytes for content and padding. A short read
// is reported as an error wrapping both ErrConnection and
// io.ErrUnexpectedEOF; end of input before the first header byte is io.EOF.
func ReadRecord(r io.Reader) (Record, error) {
	var hbuf [headerLen]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: reading record header: %w", ErrConnection, io.ErrUnexpectedEOF)
	}

	var h header
	if err := binary.Read(bytes.NewReader(hbuf[:]), binary.BigEndian, &h); err != nil {
		return Record{}, fmt.Errorf("fcgisrv: decoding record header: %w", err)
	}
	if h.Version != fcgiVersion1 {
		return Record{}, fmt.Errorf("%w: unexpected version %d", ErrProtocol, h.Version)
	}

	total := int(h.ContentLength) + int(h.PaddingLength)
	var content []byte
	if total > 0 {
		buf := make([]byte, total)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Record{}, fmt.Errorf("%w: reading record body: %w", ErrConnection, io.ErrUnexpectedEOF)
		}
		content = buf[:h.ContentLength]
	}

	return Record{
		Type:      RecordType(h.Type),
		RequestID: h.RequestID,
		Content:   content,
	}, nil
}

// WriteRecord writes a single FastCGI record (header + content + padding)
// to w. len(content) must not exceed maxContentLength; callers that need to
// send larger payloads must use SendRecord, which splits automatically.
func WriteRecord(w io.Writer, typ RecordType, requestID uint16, content []byte) error {
	if len(content) > maxContentLength {
		return fmt.Errorf("fcgisrv: record content length %d exceeds maximum %d", len(content), maxContentLength)
	}

	pad := paddingLength(len(content))
	h := header{
		Version:       fcgiVersion1,
		Type:          uint8(typ),
		RequestID:     requestID,
		ContentLength: uint16(len(content)),
		PaddingLength: pad,
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(content)+int(pad)))
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return fmt.Errorf("fcgisrv: encoding record header: %w", err)
	}
	buf.Write(content)
	if pad > 0 {
		buf.Write(make([]byte, pad))
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: writing record: %v", ErrConnection, err)
	}
	return nil
}

// SendRecord writes content as one or more records of the given type,
// splitting payloads larger than ioContentLen into successive records of
// the same type/requestID so each wire record stays within
// maxContentLength. A nil or empty content writes a single zero-length
// record, which signals end-of-stream for STDIN/STDOUT/STDERR.
func SendRecord(w io.Writer, typ RecordType, requestID uint16, content []byte) error {
	if len(content) == 0 {
		return WriteRecord(w, typ, requestID, nil)
	}

	for offset := 0; offset < len(content); {
		n := len(content) - offset
		if n > ioContentLen {
			n = ioContentLen
		}
		if err := WriteRecord(w, typ, requestID, content[offset:offset+n]); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// BeginRequestBody is the decoded content of an FCGI_BEGIN_REQUEST record.
type BeginRequestBody struct {
	Role  Role
	Flags uint8
}

// DecodeBeginRequestBody parses the 8-byte FCGI_BeginRequestBody payload.
func DecodeBeginRequestBody(content []byte) (BeginRequestBody, error) {
	if len(content) < 8 {
		return BeginRequestBody{}, fmt.Errorf("%w: short FCGI_BEGIN_REQUEST body (%d bytes)", ErrProtocol, len(content))
	}
	role := Role(binary.BigEndian.Uint16(content[0:2]))
	flags := content[2]
	return BeginRequestBody{Role: role, Flags: flags}, nil
}

// EndRequestBody is the content of an FCGI_END_REQUEST record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus ProtocolStatus
}

// Encode serializes the 8-byte FCGI_EndRequestBody payload (appStatus,
// protocolStatus, 3 reserved bytes).
func (b EndRequestBody) Encode() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], b.AppStatus)
	out[4] = uint8(b.ProtocolStatus)
	return out
}

// EncodeParams encodes a name-value pair mapping using the FastCGI
// length-prefix format: each length is either a single byte with the top
// bit clear (values 0-127) or four bytes big-endian with the top bit of
// the first byte set (masked off on decode).
func EncodeParams(params map[string]string) []byte {
	var buf bytes.Buffer
	writeLen := func(n int) {
		if n < 128 {
			buf.WriteByte(byte(n))
			return
		}
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(n)|(1<<31))
		buf.Write(lb[:])
	}
	for k, v := range params {
		writeLen(len(k))
		writeLen(len(v))
		buf.WriteString(k)
		buf.WriteString(v)
	}
	return buf.Bytes()
}

// DecodeParams decodes a concatenated PARAMS content buffer into a mapping.
// Duplicate keys: last one wins. Keys and values are UTF-8 decoded;
// malformed UTF-8 is a protocol error.
func DecodeParams(data []byte) (map[string]string, error) {
	params := make(map[string]string)
	pos := 0
	n := len(data)

	readLen := func() (int, error) {
		if pos >= n {
			return 0, fmt.Errorf("%w: truncated params length prefix", ErrProtocol)
		}
		b0 := data[pos]
		if b0>>7 == 0 {
			pos++
			return int(b0), nil
		}
		if pos+4 > n {
			return 0, fmt.Errorf("%w: truncated params long length prefix", ErrProtocol)
		}
		v := binary.BigEndian.Uint32(data[pos : pos+4])
		v &^= 1 << 31
		pos += 4
		return int(v), nil
	}

	for pos < n {
		nameLen, err := readLen()
		if err != nil {
			return nil, err
		}
		valueLen, err := readLen()
		if err != nil {
			return nil, err
		}
		if pos+nameLen+valueLen > n {
			return nil, fmt.Errorf("%w: params name/value overruns buffer", ErrProtocol)
		}
		nameBytes := data[pos : pos+nameLen]
		pos += nameLen
		valueBytes := data[pos : pos+valueLen]
		pos += valueLen

		if !utf8.Valid(nameBytes) || !utf8.Valid(valueBytes) {
			return nil, fmt.Errorf("%w: params contain invalid UTF-8", ErrProtocol)
		}
		params[string(nameBytes)] = string(valueBytes)
	}

	return params, nil
}
