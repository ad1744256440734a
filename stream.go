package pagi

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aofei/mimesniffer"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/http/httpguts"
)

// DefaultStreamChunkSize is the block size StreamFrom and SendFile use when
// pulling from a readable byte stream, per spec.md §4.L.
const DefaultStreamChunkSize = 64 << 10

// StreamWriter wraps a Response's Send callable with write/writeln/close,
// exactly the operations spec.md §4.L lists. Each Write emits one
// http.response.body{more=true} event; Close emits the final
// {more=false} event. Writing after Close is a programming error.
type StreamWriter struct {
	res       *Response
	bytesSent int64
	closed    bool
}

// Stream switches the response to the streaming terminal state and returns
// a StreamWriter to produce the body incrementally. It is a programming
// error to call this after the response has already started (e.g. via a
// prior buffered write being flushed).
func (r *Response) Stream() (*StreamWriter, error) {
	if r.Written {
		return nil, ErrProgramming("Response.Stream called after response.start")
	}
	r.Streaming = true
	if err := r.start(); err != nil {
		return nil, err
	}
	return &StreamWriter{res: r}, nil
}

// Write emits p as one http.response.body{more=true} event.
func (w *StreamWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrProgramming("StreamWriter.Write called after Close")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.res.writeBody(p, true); err != nil {
		return 0, err
	}
	w.bytesSent += int64(len(p))
	return len(p), nil
}

// WriteString writes text followed by a newline.
func (w *StreamWriter) WriteString(text string) (int, error) {
	return w.Write([]byte(text + "\n"))
}

// Close emits the final http.response.body{more=false} event. It is
// idempotent.
func (w *StreamWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.res.writeBody(nil, false)
}

// BytesSent returns how many body bytes have been written so far.
func (w *StreamWriter) BytesSent() int64 { return w.bytesSent }

// IsClosed reports whether Close has been called.
func (w *StreamWriter) IsClosed() bool { return w.closed }

// ChunkSource is anything StreamFrom knows how to drain: a pre-buffered
// chunk sequence, a pull function, or an io.Reader.
type ChunkSource interface{}

// PullFunc returns the next chunk to write, or nil to signal the end of the
// stream.
type PullFunc func() ([]byte, error)

// StreamFrom drains source into the response body. source may be
// [][]byte (pre-buffered chunks), a PullFunc, or an io.Reader (read in
// chunkSize blocks; 0 means DefaultStreamChunkSize), per spec.md §4.L.
func (r *Response) StreamFrom(source ChunkSource, chunkSize int) error {
	w, err := r.Stream()
	if err != nil {
		return err
	}

	if chunkSize <= 0 {
		chunkSize = DefaultStreamChunkSize
	}

	switch src := source.(type) {
	case [][]byte:
		for _, chunk := range src {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
	case PullFunc:
		for {
			chunk, err := src()
			if err != nil {
				return err
			}
			if chunk == nil {
				break
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
	case io.Reader:
		buf := make([]byte, chunkSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
	default:
		return ErrProgramming("StreamFrom: unsupported source type")
	}

	return w.Close()
}

// SendFileOptions customizes SendFile's headers.
type SendFileOptions struct {
	ContentType string
	Inline      bool
	Filename    string
	ChunkSize   int
}

// SendFile stats path, picks a content type (explicit option > extension
// lookup > sniffed magic bytes > application/octet-stream), sets
// Content-Length and Content-Disposition, and streams the file in chunks
// (spec.md §4.L). If the file cannot be opened, the caller should convert
// the error to a 500 response when nothing has been written yet.
func (r *Response) SendFile(path string, opts *SendFileOptions) error {
	if opts == nil {
		opts = &SendFileOptions{}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("pagi: %s is a directory", path)
	}

	ct := opts.ContentType
	if ct == "" {
		if ext := filepath.Ext(path); ext != "" {
			ct = mime.TypeByExtension(ext)
		}
	}
	if ct == "" {
		head := make([]byte, 512)
		n, _ := f.Read(head)
		ct = mimesniffer.Sniff(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	if ct == "" {
		ct = "application/octet-stream"
	}

	disposition := "attachment"
	if opts.Inline {
		disposition = "inline"
	}
	filename := opts.Filename
	if filename == "" {
		filename = filepath.Base(path)
	}
	if !httpguts.ValidHeaderFieldValue(filename) {
		return fmt.Errorf("pagi: SendFile: %q is not a valid header field value", filename)
	}

	r.Header.Set("Content-Type", ct)
	r.Header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	r.Header.Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, filename))
	r.Header.Set("Last-Modified", info.ModTime().UTC().Format(time.RFC1123))
	r.Header.Set("ETag", fileETag(info.Size(), info.ModTime()))

	return r.StreamFrom(io.Reader(bufio.NewReader(f)), opts.ChunkSize)
}

// fileETag derives a weak validator from size and modtime using xxhash,
// avoiding a full-file read purely to compute a cache key.
func fileETag(size int64, modTime time.Time) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%d:%d", size, modTime.UnixNano())
	return fmt.Sprintf(`W/"%x"`, h.Sum64())
}
