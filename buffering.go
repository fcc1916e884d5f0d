package fcgisrv

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
)

type stdinKind int

const (
	stdinMemory stdinKind = iota
	stdinTempFile
	stdinPath
)

// stdinBacking is the reassembled-stdin storage BufferingResponder spills
// between an in-memory buffer and a temp file as spec.md §4.5 describes.
type stdinBacking struct {
	kind stdinKind
	mem  []byte
	file *os.File
	path string
}

// MakeResponseFunc is the application-supplied callback for a
// BufferingResponder: by the time it is invoked, stdin has been fully
// reassembled (available through Stdin()/OpenStdin()/WriteStdinToFile()),
// and its return value is emitted as the single-shot response.
type MakeResponseFunc func(b *BufferingResponder) (*Response, error)

// BufferingResponder specializes StreamingResponder: it drains all STDIN
// first (spilling to a temp file past Context.MaxStdioMem), exposes it as
// a random-access blob, then emits the application's Response in one pass.
type BufferingResponder struct {
	*StreamingResponder

	makeResponse MakeResponseFunc

	stdinInit     bool
	stdin         stdinBacking
	stdinFixedLen int
	stdinPos      int

	responseBodyTemp *os.File
}

// NewBufferingResponder constructs a Responder that invokes makeResponse
// once stdin has been fully reassembled, following spec.md §4.5.
func NewBufferingResponder(rc *RequestContext, makeResponse MakeResponseFunc) *BufferingResponder {
	b := &BufferingResponder{makeResponse: makeResponse}
	b.StreamingResponder = NewStreamingResponder(rc, b.onRequest)
	return b
}

func (b *BufferingResponder) onRequest(*StreamingResponder) error {
	if err := b.needStdin(); err != nil {
		return err
	}

	resp, err := b.makeResponse(b)
	if err != nil {
		return err
	}

	if b.StdoutSent() {
		if resp != nil {
			return fmt.Errorf("%w: MakeResponse returned a Response after OpenStdout was used", ErrHeaderAlreadySent)
		}
		return nil
	}

	if resp == nil {
		return ErrNoResponse
	}

	if resp.Body.Kind == BodyTempFile {
		b.responseBodyTemp = resp.Body.TempFile
	}

	return resp.Emit(b.RequestContext().Conn, os.Stderr, b.RequestContext().RequestID)
}

// needStdin reassembles STDIN once, per spec.md §4.5 steps 1-4. onRequest
// calls it before MakeResponse; later calls are no-ops.
func (b *BufferingResponder) needStdin() error {
	if b.stdinInit {
		return nil
	}
	b.stdinInit = true

	rc := b.RequestContext()
	maxMem := rc.Context.MaxStdioMem

	colen := 0
	if v, ok := rc.Params["CONTENT_LENGTH"]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			colen = n
		}
	}

	if int64(colen) > maxMem {
		f, err := b.createTemp()
		if err != nil {
			return err
		}
		b.stdin = stdinBacking{kind: stdinTempFile, file: f}
	} else {
		b.stdin = stdinBacking{kind: stdinMemory, mem: make([]byte, 0, colen)}
		if colen > 0 {
			b.stdin.mem = make([]byte, colen)
		}
		b.stdinFixedLen = colen
	}

	for data, err := range b.EachStdin() {
		if err != nil {
			b.discardStdinOnError()
			return err
		}
		if err := b.appendStdin(data); err != nil {
			b.discardStdinOnError()
			return err
		}
	}

	if b.stdin.kind == stdinTempFile {
		if err := b.stdin.file.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BufferingResponder) createTemp() (*os.File, error) {
	dir := b.RequestContext().Context.TempDir
	return os.CreateTemp(dir, "fcgisrv-stdin-*.tmp")
}

func (b *BufferingResponder) appendStdin(data []byte) error {
	switch b.stdin.kind {
	case stdinTempFile:
		_, err := b.stdin.file.Write(data)
		b.stdinPos += len(data)
		return err

	case stdinMemory:
		if b.stdinFixedLen > 0 {
			n := copy(b.stdin.mem[b.stdinPos:], data)
			b.stdinPos += n
			return nil
		}

		maxMem := b.RequestContext().Context.MaxStdioMem
		if int64(len(b.stdin.mem)+len(data)) > maxMem {
			f, err := b.createTemp()
			if err != nil {
				return err
			}
			if _, err := f.Write(b.stdin.mem); err != nil {
				return err
			}
			if _, err := f.Write(data); err != nil {
				return err
			}
			b.stdin = stdinBacking{kind: stdinTempFile, file: f}
			b.stdinPos += len(data)
			return nil
		}

		b.stdin.mem = append(b.stdin.mem, data...)
		b.stdinPos += len(data)
		return nil

	default:
		return fmt.Errorf("fcgisrv: invalid stdin backing state")
	}
}

func (b *BufferingResponder) discardStdinOnError() {
	if b.stdin.kind == stdinTempFile && b.stdin.file != nil {
		name := b.stdin.file.Name()
		b.stdin.file.Close()
		os.Remove(name)
	}
}

// Stdin returns the raw reassembled-stdin backing: an in-memory byte slice
// or a filesystem path, depending on whether spilling occurred.
func (b *BufferingResponder) Stdin() (Body, error) {
	if err := b.needStdin(); err != nil {
		return Body{}, err
	}
	switch b.stdin.kind {
	case stdinMemory:
		return BytesBody(b.stdin.mem), nil
	case stdinTempFile:
		return PathBody(b.stdin.file.Name()), nil
	case stdinPath:
		return PathBody(b.stdin.path), nil
	default:
		return Body{}, fmt.Errorf("fcgisrv: invalid stdin backing state")
	}
}

// OpenStdin returns a scoped, read-only reader over stdin regardless of
// backing: an in-memory reader for the MEMORY case, or the temp/persistent
// file reopened for read. The standard library has no portable mmap, so
// this substitutes a plain *os.File/bytes.Reader for a memory-mapped view.
// The returned io.ReadCloser offers sequential reads only; it does not
// expose random access (Seek/ReadAt).
func (b *BufferingResponder) OpenStdin() (io.ReadCloser, error) {
	if err := b.needStdin(); err != nil {
		return nil, err
	}
	switch b.stdin.kind {
	case stdinMemory:
		return io.NopCloser(bytes.NewReader(b.stdin.mem)), nil
	case stdinTempFile:
		return os.Open(b.stdin.file.Name())
	case stdinPath:
		return os.Open(b.stdin.path)
	default:
		return nil, fmt.Errorf("fcgisrv: invalid stdin backing state")
	}
}

// WriteStdinToFile is a functional copy of reassembled stdin to wpath: a
// MEMORY backing is written out directly; a TEMPFILE backing is renamed
// (unlinking any existing target first) and the backing becomes a
// persistent PATH so Close no longer deletes it; a PATH backing is copied
// unless it already refers to the same filesystem object.
func (b *BufferingResponder) WriteStdinToFile(wpath string) error {
	if err := b.needStdin(); err != nil {
		return err
	}

	switch b.stdin.kind {
	case stdinMemory:
		return os.WriteFile(wpath, b.stdin.mem, 0o644)

	case stdinTempFile:
		if _, err := os.Stat(wpath); err == nil {
			if err := os.Remove(wpath); err != nil {
				return err
			}
		}
		srcPath := b.stdin.file.Name()
		if err := os.Rename(srcPath, wpath); err != nil {
			return err
		}
		b.stdin = stdinBacking{kind: stdinPath, path: wpath}
		return nil

	case stdinPath:
		same, err := sameFile(b.stdin.path, wpath)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		return copyFile(b.stdin.path, wpath)

	default:
		return fmt.Errorf("fcgisrv: invalid stdin backing state")
	}
}

// Close releases the reassembled-stdin temp file (if any was used and not
// promoted via WriteStdinToFile) and any temp-file-backed response body
// returned from MakeResponse.
func (b *BufferingResponder) Close() error {
	var firstErr error

	if b.stdin.kind == stdinTempFile && b.stdin.file != nil {
		name := b.stdin.file.Name()
		b.stdin.file.Close()
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}

	if b.responseBodyTemp != nil {
		name := b.responseBodyTemp.Name()
		b.responseBodyTemp.Close()
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func sameFile(a, b string) (bool, error) {
	fa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Stat(b)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return os.SameFile(fa, fb), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
