package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/gonzalop/ftpd/internal/auth"
)

// maxVirtualPath bounds client-supplied paths after normalization. Matches
// the common PATH_MAX.
const maxVirtualPath = 4096

// FSDriver implements Driver on the local filesystem.
//
// Security model:
//   - Every operation is confined to the account's home via os.Root, so
//     symlinks are followed but a resolved target outside the root fails.
//   - Virtual paths are normalized lexically first: "." and ".." are
//     resolved without touching the filesystem, and ".." above the virtual
//     root clamps to the root. Escapes therefore never reach the kernel.
//   - Read-only accounts are rejected at the operation level.
//
// Failed resolutions surface as os.ErrNotExist so the client learns nothing
// about the tree above its root.
type FSDriver struct{}

// NewFSDriver creates the filesystem driver.
func NewFSDriver() *FSDriver {
	return &FSDriver{}
}

// Open validates the account's home directory and returns a context jailed
// to it.
func (d *FSDriver) Open(acct *auth.Account) (ClientContext, error) {
	info, err := os.Stat(acct.Home)
	if err != nil {
		return nil, fmt.Errorf("home directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("home %s is not a directory", acct.Home)
	}

	root, err := os.OpenRoot(acct.Home)
	if err != nil {
		return nil, err
	}

	return &fsContext{
		root:     root,
		cwd:      "/",
		readOnly: acct.ReadOnly,
		ownerUID: acct.OwnerUID,
		ownerGID: acct.OwnerGID,
	}, nil
}

// fsContext implements ClientContext. It tracks the virtual working
// directory and maps virtual paths to root-relative ones.
type fsContext struct {
	root     *os.Root
	cwd      string // virtual, absolute, normalized
	readOnly bool
	ownerUID int
	ownerGID int
}

func (c *fsContext) Close() error {
	return c.root.Close()
}

func (c *fsContext) ReadOnly() bool {
	return c.readOnly
}

// resolve maps a client-supplied virtual path to a path relative to the
// root handle. Composition with cwd, "."/".." resolution and clamping are
// purely lexical; the filesystem is only consulted afterwards, through the
// root handle.
func (c *fsContext) resolve(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", os.ErrInvalid
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.cwd, p)
	}
	// path.Clean resolves "." and ".." and clamps "/.." to "/".
	p = path.Clean(p)
	if len(p) > maxVirtualPath {
		return "", os.ErrInvalid
	}

	rel := strings.TrimPrefix(p, "/")
	if rel == "" {
		rel = "."
	}
	return rel, nil
}

// normalizeVirtual returns the normalized absolute virtual form of p.
func (c *fsContext) normalizeVirtual(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.cwd, p)
	}
	return path.Clean(p)
}

func (c *fsContext) ChangeDir(p string) error {
	rel, err := c.resolve(p)
	if err != nil {
		return err
	}

	info, err := c.root.Stat(rel)
	if err != nil {
		return sanitizeFSError(err)
	}
	if !info.IsDir() {
		return errNotADirectory
	}

	c.cwd = c.normalizeVirtual(p)
	return nil
}

func (c *fsContext) GetWd() string {
	return c.cwd
}

func (c *fsContext) MakeDir(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(p)
	if err != nil {
		return err
	}
	return sanitizeFSError(c.root.Mkdir(rel, 0755))
}

func (c *fsContext) RemoveDir(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(p)
	if err != nil {
		return err
	}

	info, err := c.root.Stat(rel)
	if err != nil {
		return sanitizeFSError(err)
	}
	if !info.IsDir() {
		return errNotADirectory
	}
	return sanitizeFSError(c.root.Remove(rel))
}

func (c *fsContext) DeleteFile(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel, err := c.resolve(p)
	if err != nil {
		return err
	}

	info, err := c.root.Stat(rel)
	if err != nil {
		return sanitizeFSError(err)
	}
	if info.IsDir() {
		return os.ErrPermission
	}
	return sanitizeFSError(c.root.Remove(rel))
}

func (c *fsContext) Rename(fromPath, toPath string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	srcRel, err := c.resolve(fromPath)
	if err != nil {
		return err
	}
	dstRel, err := c.resolve(toPath)
	if err != nil {
		return err
	}
	return sanitizeFSError(c.root.Rename(srcRel, dstRel))
}

func (c *fsContext) ListDir(p string) ([]os.FileInfo, error) {
	rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}

	f, err := c.root.Open(rel)
	if err != nil {
		return nil, sanitizeFSError(err)
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, sanitizeFSError(err)
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (c *fsContext) OpenFile(p string, flag int) (io.ReadWriteCloser, error) {
	if c.readOnly && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := c.root.OpenFile(rel, flag, 0644)
	if err != nil {
		return nil, sanitizeFSError(err)
	}
	return f, nil
}

func (c *fsContext) GetFileInfo(p string) (os.FileInfo, error) {
	rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := c.root.Stat(rel)
	if err != nil {
		return nil, sanitizeFSError(err)
	}
	return info, nil
}

func (c *fsContext) Chmod(p string, mode os.FileMode) error {
	if c.readOnly {
		return os.ErrPermission
	}
	if mode > 0777 {
		return os.ErrInvalid
	}
	rel, err := c.resolve(p)
	if err != nil {
		return err
	}

	f, err := c.root.OpenFile(rel, os.O_RDONLY, 0)
	if err != nil {
		return sanitizeFSError(err)
	}
	defer f.Close()
	return f.Chmod(mode)
}

func (c *fsContext) FinalizeUpload(p string) error {
	if c.ownerUID < 0 && c.ownerGID < 0 {
		return nil
	}
	rel, err := c.resolve(p)
	if err != nil {
		return err
	}
	return c.chown(rel, c.ownerUID, c.ownerGID)
}

var errNotADirectory = errors.New("not a directory")

// sanitizeFSError strips host paths from os.Root escape errors so a path
// probe above the root looks exactly like a missing file.
func sanitizeFSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrPermission) {
		return os.ErrPermission
	}
	if errors.Is(err, os.ErrExist) {
		return os.ErrExist
	}
	if errors.Is(err, os.ErrNotExist) {
		return os.ErrNotExist
	}
	var pe *os.PathError
	if errors.As(err, &pe) && strings.Contains(pe.Err.Error(), "escapes from parent") {
		return os.ErrNotExist
	}
	return err
}
