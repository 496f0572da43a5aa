package fsroot

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/quietwire/pxetftpd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFixture builds ROOT containing ok.bin and a symlink esc -> a
// sibling directory outside ROOT.
func newFixture(t *testing.T) *Resolver {
	t.Helper()

	base := t.TempDir()
	root := filepath.Join(base, "srv")
	outside := filepath.Join(base, "etc")

	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.Mkdir(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.bin"), []byte("boot image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "passwd"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "esc")))

	r, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestResolveOpensFileInRoot(t *testing.T) {
	r := newFixture(t)

	f, size, rerr := r.Resolve("ok.bin")
	require.Nil(t, rerr)
	defer f.Close()

	assert.EqualValues(t, len("boot image"), size)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "boot image", string(got))
}

func TestResolveRejectsDotDotTraversal(t *testing.T) {
	r := newFixture(t)

	_, _, rerr := r.Resolve("../etc/passwd")
	require.NotNil(t, rerr)
	assert.Equal(t, wire.ErrAccessViolation, rerr.Code)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	r := newFixture(t)

	_, _, rerr := r.Resolve("esc/passwd")
	require.NotNil(t, rerr)
	assert.Equal(t, wire.ErrAccessViolation, rerr.Code)
}

func TestResolveMissingFileNotFound(t *testing.T) {
	r := newFixture(t)

	_, _, rerr := r.Resolve("missing")
	require.NotNil(t, rerr)
	assert.Equal(t, wire.ErrFileNotFound, rerr.Code)
}

func TestResolveRejectsEmptyName(t *testing.T) {
	r := newFixture(t)

	_, _, rerr := r.Resolve("")
	require.NotNil(t, rerr)
	assert.Equal(t, wire.ErrAccessViolation, rerr.Code)
}

func TestResolveRejectsEmbeddedNUL(t *testing.T) {
	r := newFixture(t)

	_, _, rerr := r.Resolve("ok.bin\x00.evil")
	require.NotNil(t, rerr)
	assert.Equal(t, wire.ErrAccessViolation, rerr.Code)
}

func TestResolveRejectsAbsolutePath(t *testing.T) {
	r := newFixture(t)

	_, _, rerr := r.Resolve("/etc/passwd")
	require.NotNil(t, rerr)
	assert.Equal(t, wire.ErrAccessViolation, rerr.Code)
}

func TestResolveRejectsSymlinkToDirectoryOutsideRoot(t *testing.T) {
	r := newFixture(t)

	_, _, rerr := r.Resolve("esc")
	require.NotNil(t, rerr)
	// esc is a symlink to a directory outside root; the escape check
	// fires before the directory check ever runs.
	assert.Equal(t, wire.ErrAccessViolation, rerr.Code)
}
