package pagi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadBasenameStripsDirectoryComponents(t *testing.T) {
	u := &Upload{Filename: `C:\fakepath\evil\..\name.txt`}
	assert.Equal(t, "name.txt", u.Basename())

	u2 := &Upload{Filename: "dir/sub/name.txt"}
	assert.Equal(t, "name.txt", u2.Basename())
}

func TestUploadCopyToLeavesSpooledFileInPlace(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	u := &Upload{path: src, Size: 7}

	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, u.CopyTo(dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	// The original spooled file must remain untouched after a copy.
	_, err = os.Stat(src)
	assert.NoError(t, err)
	assert.False(t, u.moved)
}

func TestUploadMoveToRelocatesSpooledFileAndMarksMoved(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	u := &Upload{path: src, Size: 7}

	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, u.MoveTo(dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.True(t, u.moved)

	// MoveTo's rename path should leave nothing behind at src.
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestUploadMoveToWritesOutInMemoryUpload(t *testing.T) {
	dir := t.TempDir()
	u := &Upload{mem: []byte("small"), Size: 5}

	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, u.MoveTo(dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "small", string(got))
	assert.True(t, u.moved)
}

func TestUploadCleanupRemovesUnmovedSpooledFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	u := &Upload{path: src}
	u.cleanup()

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestUploadCleanupSkipsMovedFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	u := &Upload{path: src, moved: true}
	u.cleanup()

	// cleanup must not remove a file the handler already moved out from
	// under it; simulate that by leaving src in place and asserting it
	// survives the cleanup call.
	_, err := os.Stat(src)
	assert.NoError(t, err)
}

func TestUploadSlurpReadsFromMemoryOrDisk(t *testing.T) {
	u1 := &Upload{mem: []byte("in-memory")}
	b1, err := u1.Slurp()
	require.NoError(t, err)
	assert.Equal(t, "in-memory", string(b1))

	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("on-disk"), 0o644))
	u2 := &Upload{path: src}
	b2, err := u2.Slurp()
	require.NoError(t, err)
	assert.Equal(t, "on-disk", string(b2))
}
