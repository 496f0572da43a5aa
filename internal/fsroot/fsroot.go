// Package fsroot resolves client-supplied filenames against a single
// served directory, guaranteeing the result never escapes that
// directory even through a symlink. It never creates, truncates, or
// writes anything; every open is read-only.
package fsroot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/quietwire/pxetftpd/internal/wire"
)

// Error wraps a resolution failure with the wire.Err* code it maps to,
// so callers can turn it directly into an ERROR packet.
type Error struct {
	Code    uint16
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func notFound(cause error) *Error {
	return &Error{Code: wire.ErrFileNotFound, Message: "File not found", cause: cause}
}

func accessViolation(cause error) *Error {
	return &Error{Code: wire.ErrAccessViolation, Message: "Access violation", cause: cause}
}

func undefined(cause error) *Error {
	return &Error{Code: wire.ErrUndefined, Message: "Not defined", cause: cause}
}

// Resolver serves reads rooted at a single canonicalised directory.
// The root is opened once at startup, symlinks and all, via os.Root:
// every subsequent Open call is guaranteed by the runtime to stay
// inside it even if the requested path walks through a symlink that
// itself points outside.
type Resolver struct {
	root *os.Root
}

// Open canonicalises basePath once, resolving any symlinks in the
// path itself, and opens the result as an os.Root.
func Open(basePath string) (*Resolver, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("fsroot: resolving %q to an absolute path: %w", basePath, err)
	}

	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("fsroot: canonicalising root %q: %w", abs, err)
	}

	root, err := os.OpenRoot(canonical)
	if err != nil {
		return nil, fmt.Errorf("fsroot: opening root %q: %w", canonical, err)
	}

	return &Resolver{root: root}, nil
}

// Close releases the root directory handle.
func (r *Resolver) Close() error {
	return r.root.Close()
}

// Resolve validates and opens name for reading, returning the open
// file and its size. name is rejected outright (Access violation)
// when it is empty, contains a NUL byte, is an absolute path, or
// contains a ".." component; a name that passes those checks is
// handed to os.Root, which refuses to follow it outside the root even
// through a symlink.
func (r *Resolver) Resolve(name string) (*os.File, int64, *Error) {
	if err := validateName(name); err != nil {
		return nil, 0, err
	}

	f, err := r.root.Open(name)
	if err != nil {
		return nil, 0, mapOpenError(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, undefined(err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, accessViolation(errors.New("is a directory"))
	}

	return f, info.Size(), nil
}

func validateName(name string) *Error {
	if name == "" {
		return accessViolation(errors.New("empty filename"))
	}
	if strings.IndexByte(name, 0) >= 0 {
		return accessViolation(errors.New("filename contains NUL"))
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return accessViolation(errors.New("absolute filename"))
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return accessViolation(errors.New("filename escapes root"))
		}
	}
	return nil
}

func mapOpenError(err error) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return notFound(err)
	case errors.Is(err, fs.ErrPermission):
		return accessViolation(err)
	case isRootEscape(err):
		return accessViolation(err)
	default:
		return undefined(err)
	}
}

// isRootEscape reports whether err is os.Root's own refusal to
// resolve a path outside of its base directory, e.g. via a symlink
// whose target lies outside the root. os.Root does not export a
// sentinel for this, so the check is on the wrapped *PathError text,
// which is stable across the standard library's os.Root implementation.
func isRootEscape(err error) bool {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	return strings.Contains(pathErr.Err.Error(), "outside of the root") ||
		strings.Contains(pathErr.Err.Error(), "escapes from parent")
}
