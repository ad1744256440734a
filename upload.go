package pagi

import (
	"bytes"
	"io"
	"os"
)

// Upload is a single uploaded file taken from a multipart/form-data body,
// per spec.md §4.D. Small parts are held in memory; parts past the spool
// threshold are written to a temporary file. Exactly one of mem/path is
// populated.
type Upload struct {
	FieldName   string
	Filename    string
	ContentType string
	Size        int64

	mem  []byte
	path string

	moved bool
}

// Basename returns Filename's final path element, stripping any
// client-supplied directory components — user agents are not required to
// (and historically do not) send a bare filename, so callers must never
// treat Filename itself as safe to join onto a directory.
func (u *Upload) Basename() string {
	name := u.Filename
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' || name[i] == '\\' {
			return name[i+1:]
		}
	}
	return name
}

// OpenRead returns a reader over the upload's content. For spooled uploads
// this opens the temporary file; callers must Close the returned reader.
func (u *Upload) OpenRead() (io.ReadCloser, error) {
	if u.mem != nil {
		return io.NopCloser(bytes.NewReader(u.mem)), nil
	}
	return os.Open(u.path)
}

// Slurp reads the entire upload content into memory, regardless of whether
// it was spooled to disk.
func (u *Upload) Slurp() ([]byte, error) {
	if u.mem != nil {
		return u.mem, nil
	}
	return os.ReadFile(u.path)
}

// CopyTo copies the upload's content to dstPath without disturbing the
// original (the spooled file, if any, remains and will still be cleaned up
// when the request completes).
func (u *Upload) CopyTo(dstPath string) error {
	r, err := u.OpenRead()
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	return err
}

// MoveTo moves a spooled upload's backing file to dstPath, marking it as
// moved so request-completion cleanup no longer removes it, per spec.md
// §4.D ("An Upload's temp file is deleted when the request completes,
// unless the handler has moved it"). In-memory uploads are written out to
// dstPath and marked moved; their in-memory bytes are kept.
func (u *Upload) MoveTo(dstPath string) error {
	if u.path != "" {
		if err := os.Rename(u.path, dstPath); err != nil {
			if err2 := u.CopyTo(dstPath); err2 != nil {
				return err2
			}
			if err2 := os.Remove(u.path); err2 != nil {
				return err2
			}
		}
		u.moved = true
		return nil
	}

	if err := u.CopyTo(dstPath); err != nil {
		return err
	}
	u.moved = true
	return nil
}

// cleanup removes a spooled temp file that was never moved. It is called
// from the request's completion hook (see Request.cleanupUploads).
func (u *Upload) cleanup() {
	if u.moved || u.path == "" {
		return
	}
	os.Remove(u.path)
}
