//go:build !unix

package server

import "os"

func newListEntry(info os.FileInfo) listEntry {
	return listEntry{
		info:   info,
		nlink:  1,
		blocks: (info.Size() + 511) / 512,
	}
}
