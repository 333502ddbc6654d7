//go:build unix

package server

import (
	"os"

	"golang.org/x/sys/unix"
)

// chown applies the ownership override to an uploaded file. The file is
// reopened through the root handle so the jail still applies.
func (c *fsContext) chown(rel string, uid, gid int) error {
	f, err := c.root.OpenFile(rel, os.O_RDONLY, 0)
	if err != nil {
		return sanitizeFSError(err)
	}
	defer f.Close()
	return unix.Fchown(int(f.Fd()), uid, gid)
}
