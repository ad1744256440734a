package pagi

import (
	"context"
	"io"
	"mime/multipart"
	"os"
)

// MultipartLimits bounds an incoming multipart/form-data body, per spec.md
// §4.D's edge cases ("a part whose declared/actual size exceeds the
// configured per-file or total limit must fail the parse with a
// payload-too-large error").
type MultipartLimits struct {
	// MaxMemory caps the size of each non-file form field, which is
	// buffered whole in memory; a larger field fails the parse with a
	// payload-too-large error. 0 means unlimited. File parts are governed
	// by SpoolThreshold and MaxFileSize instead.
	MaxMemory int64
	// MaxFileSize caps a single file part; 0 means unlimited.
	MaxFileSize int64
	// MaxTotalSize caps the sum of all file parts; 0 means unlimited.
	MaxTotalSize int64
	// SpoolThreshold is the per-part size past which a part is written
	// to a temp file instead of buffered in memory.
	SpoolThreshold int64
	// TempDir is the directory spooled parts are created in; "" means
	// os.TempDir().
	TempDir string
}

// DefaultMultipartLimits mirrors the teacher's default request-body
// ceilings, generalized to the multipart parser's own knobs.
var DefaultMultipartLimits = MultipartLimits{
	MaxMemory:      32 << 20,
	MaxFileSize:    0,
	MaxTotalSize:   0,
	SpoolThreshold: 1 << 20,
}

// multipartParser incrementally parses a multipart/form-data body pulled
// from a Receive callable, spooling large parts to disk, per spec.md §4.D's
// preamble -> part-headers -> part-body -> part-trailer -> epilogue state
// machine. It is built atop the standard library's mime/multipart reader
// (no library in the retrieved pack offers multipart parsing; see
// DESIGN.md), adapted to consume a push-based Receive stream instead of a
// blocking io.Reader by bridging through an io.Pipe fed on a goroutine.
type multipartParser struct {
	boundary string
	limits   MultipartLimits
}

func newMultipartParser(boundary string, limits MultipartLimits) *multipartParser {
	return &multipartParser{boundary: boundary, limits: limits}
}

// receivePipe bridges a push-based Receive callable to an io.Reader by
// copying each HTTPRequestEvent body chunk into an io.Pipe from a goroutine.
func (p *multipartParser) receivePipe(ctx context.Context, receive Receive) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		for {
			ev, err := receive(ctx)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			switch e := ev.(type) {
			case HTTPRequestEvent:
				if len(e.Body) > 0 {
					if _, err := pw.Write(e.Body); err != nil {
						pw.CloseWithError(err)
						return
					}
				}
				if !e.More {
					pw.Close()
					return
				}
			case HTTPDisconnectEvent:
				pw.CloseWithError(io.ErrUnexpectedEOF)
				return
			default:
				pw.CloseWithError(ErrProgramming("unexpected event while reading multipart body: " + ev.EventName()))
				return
			}
		}
	}()
	return pr
}

// parse drains the request body as multipart/form-data, returning the
// non-file fields and the uploaded files keyed by their form field name.
func (p *multipartParser) parse(ctx context.Context, receive Receive) (*Values, map[string][]*Upload, error) {
	mr := multipart.NewReader(p.receivePipe(ctx, receive), p.boundary)

	fields := NewValues()
	uploads := map[string][]*Upload{}

	tempDir := p.limits.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	spoolThreshold := p.limits.SpoolThreshold
	if spoolThreshold <= 0 {
		spoolThreshold = DefaultMultipartLimits.SpoolThreshold
	}

	var totalFileBytes int64

	cleanupAll := func() {
		for _, us := range uploads {
			for _, u := range us {
				u.cleanup()
			}
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanupAll()
			return nil, nil, ErrBadRequest("malformed multipart body: " + err.Error())
		}

		filename := part.FileName()
		if filename == "" {
			// A non-file field: buffer it fully (bounded by MaxMemory,
			// same as the teacher's existing form-value handling).
			b, err := readAllLimited(part, p.limits.MaxMemory)
			part.Close()
			if err != nil {
				cleanupAll()
				return nil, nil, err
			}
			fields.Add(part.FormName(), string(b))
			continue
		}

		up := &Upload{
			FieldName:   part.FormName(),
			Filename:    filename,
			ContentType: part.Header.Get("Content-Type"),
		}

		n, spooled, tmpPath, mem, err := spoolPart(part, tempDir, spoolThreshold, p.limits.MaxFileSize)
		part.Close()
		if err != nil {
			cleanupAll()
			if spooled && tmpPath != "" {
				os.Remove(tmpPath)
			}
			return nil, nil, err
		}

		totalFileBytes += n
		if p.limits.MaxTotalSize > 0 && totalFileBytes > p.limits.MaxTotalSize {
			if spooled {
				os.Remove(tmpPath)
			}
			cleanupAll()
			return nil, nil, ErrPayloadTooLarge("multipart body exceeds the configured total upload limit")
		}

		up.Size = n
		if spooled {
			up.path = tmpPath
		} else {
			up.mem = mem
		}

		uploads[up.FieldName] = append(uploads[up.FieldName], up)
	}

	return fields, uploads, nil
}

// readAllLimited reads r fully, failing with a payload-too-large error if
// limit is positive and exceeded.
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, ErrBadRequest("failed reading multipart field: " + err.Error())
		}
		return b, nil
	}

	lr := &io.LimitedReader{R: r, N: limit + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, ErrBadRequest("failed reading multipart field: " + err.Error())
	}
	if int64(len(b)) > limit {
		return nil, ErrPayloadTooLarge("multipart field exceeds the configured memory limit")
	}
	return b, nil
}

// spoolPart copies part's content, staying in memory until spoolThreshold
// is crossed, after which it promotes to a temp file for the remainder.
func spoolPart(part io.Reader, tempDir string, spoolThreshold, maxFileSize int64) (n int64, spooled bool, tmpPath string, mem []byte, err error) {
	buf := make([]byte, 0, minInt64(spoolThreshold, 512<<10))
	chunk := make([]byte, 32<<10)

	var f *os.File
	var total int64

	finishErr := func(e error) (int64, bool, string, []byte, error) {
		if f != nil {
			f.Close()
		}
		return total, f != nil, tmpPath, nil, e
	}

	for {
		rn, rerr := part.Read(chunk)
		if rn > 0 {
			total += int64(rn)
			if maxFileSize > 0 && total > maxFileSize {
				return finishErr(ErrPayloadTooLarge("uploaded file exceeds the configured per-file limit"))
			}

			if f == nil {
				buf = append(buf, chunk[:rn]...)
				if int64(len(buf)) > spoolThreshold {
					tf, terr := os.CreateTemp(tempDir, "pagi-upload-*")
					if terr != nil {
						return finishErr(terr)
					}
					f = tf
					tmpPath = tf.Name()
					if _, werr := f.Write(buf); werr != nil {
						return finishErr(werr)
					}
					buf = nil
				}
			} else {
				if _, werr := f.Write(chunk[:rn]); werr != nil {
					return finishErr(werr)
				}
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return finishErr(rerr)
		}
	}

	if f != nil {
		if err := f.Close(); err != nil {
			return total, true, tmpPath, nil, err
		}
		return total, true, tmpPath, nil, nil
	}

	return total, false, "", buf, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
