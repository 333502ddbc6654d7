package server

import (
	"io"
	"os"

	"github.com/gonzalop/ftpd/internal/auth"
)

// Driver builds a session-scoped filesystem view for an authenticated
// account. The server calls Open once per successful login; the returned
// ClientContext lives until the session ends.
//
// Implementations should return os.ErrNotExist / os.ErrPermission style
// errors; the server translates them to FTP reply codes at the session
// boundary.
type Driver interface {
	// Open returns the filesystem context rooted at the account's home
	// directory. The account's virtual "/" maps to that directory.
	Open(acct *auth.Account) (ClientContext, error)
}

// ClientContext is a single session's view of the filesystem.
//
// All paths are virtual: absolute or relative to the session's working
// directory, with forward slashes. Implementations must confine every
// operation to the account's root, following symlinks only while the result
// stays inside it.
//
// Implementations must be safe for use by a session and its one transfer
// worker; the server never issues concurrent mutating calls.
type ClientContext interface {
	// ChangeDir changes the current working directory.
	ChangeDir(path string) error

	// GetWd returns the current working directory (virtual, absolute).
	GetWd() string

	// MakeDir creates a directory.
	MakeDir(path string) error

	// RemoveDir removes an empty directory.
	RemoveDir(path string) error

	// DeleteFile removes a file.
	DeleteFile(path string) error

	// Rename moves or renames a file or directory.
	Rename(fromPath, toPath string) error

	// ListDir returns the entries of a directory. An empty path lists the
	// current working directory.
	ListDir(path string) ([]os.FileInfo, error)

	// OpenFile opens a file with os.O_* flags.
	OpenFile(path string, flag int) (io.ReadWriteCloser, error)

	// GetFileInfo stats a file or directory.
	GetFileInfo(path string) (os.FileInfo, error)

	// Chmod changes the permission bits of a file. Used by SITE CHMOD.
	Chmod(path string, mode os.FileMode) error

	// FinalizeUpload applies the account's ownership override, if any, to a
	// freshly uploaded file. Called after the data copy completes and the
	// file is closed.
	FinalizeUpload(path string) error

	// ReadOnly reports whether the account is restricted to read operations.
	ReadOnly() bool

	// Close releases the context's resources. Called on session end.
	Close() error
}
