//go:build unix

package server

import (
	"os"
	"syscall"
)

// newListEntry pulls link count, ownership and block usage out of the
// platform stat structure.
func newListEntry(info os.FileInfo) listEntry {
	e := listEntry{info: info, nlink: 1}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.nlink = uint64(st.Nlink)
		e.uid = st.Uid
		e.gid = st.Gid
		e.blocks = st.Blocks
	} else {
		e.blocks = (info.Size() + 511) / 512
	}
	return e
}
