//go:build !unix

package server

// chown is a no-op on platforms without Unix ownership semantics.
func (c *fsContext) chown(rel string, uid, gid int) error {
	return nil
}
