package server

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Directory listings, in the three wire formats: LIST (Unix long form),
// NLST (bare names) and MLSD (machine-readable facts, RFC 3659).
//
// Owner and group are rendered as decimal UID/GID. Name-service lookups are
// deliberately avoided: getpwuid_r crashes in statically linked builds, and
// the numbers are unambiguous anyway.

// listEntry is one directory entry plus the platform fields LIST needs.
type listEntry struct {
	info   os.FileInfo
	nlink  uint64
	uid    uint32
	gid    uint32
	blocks int64 // 512-byte blocks
}

// writeUnixListing emits the LIST format: a "total N" line followed by one
// long-form line per entry. Hidden (dot) entries are elided, matching common
// server behavior for LIST without -a.
func writeUnixListing(w io.Writer, infos []os.FileInfo, now time.Time) error {
	entries := make([]listEntry, 0, len(infos))
	var total int64
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), ".") {
			continue
		}
		e := newListEntry(info)
		total += e.blocks
		entries = append(entries, e)
	}

	if _, err := fmt.Fprintf(w, "total %d\r\n", total); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s %d %d %d %d %s %s\r\n",
			e.info.Mode().String(), e.nlink, e.uid, e.gid,
			e.info.Size(), listTime(e.info.ModTime(), now), e.info.Name()); err != nil {
			return err
		}
	}
	return nil
}

// listTime formats a modification time the way ls -l does: "MMM DD HH:MM"
// for files newer than six months, "MMM DD  YYYY" otherwise.
func listTime(mtime, now time.Time) string {
	sixMonths := 182 * 24 * time.Hour
	if now.Sub(mtime) < sixMonths && mtime.Sub(now) < sixMonths {
		return mtime.Format("Jan 02 15:04")
	}
	return mtime.Format("Jan 02  2006")
}

// writeNameListing emits the NLST format: bare names, one per line.
func writeNameListing(w io.Writer, infos []os.FileInfo) error {
	for _, info := range infos {
		if _, err := fmt.Fprintf(w, "%s\r\n", info.Name()); err != nil {
			return err
		}
	}
	return nil
}

// writeMLSDListing emits the MLSD format. The listed directory itself and
// its parent appear as the cdir and pdir entries.
func writeMLSDListing(w io.Writer, dirInfo os.FileInfo, infos []os.FileInfo) error {
	if dirInfo != nil {
		if err := writeFactLine(w, dirInfo, "cdir", "."); err != nil {
			return err
		}
		if err := writeFactLine(w, dirInfo, "pdir", ".."); err != nil {
			return err
		}
	}
	for _, info := range infos {
		t := "file"
		if info.IsDir() {
			t = "dir"
		}
		if err := writeFactLine(w, info, t, info.Name()); err != nil {
			return err
		}
	}
	return nil
}

// writeFactLine emits one MLSD/MLST line with the required facts:
// type, size, modify (UTC) and perm.
func writeFactLine(w io.Writer, info os.FileInfo, typ, name string) error {
	_, err := fmt.Fprintf(w, "type=%s;size=%d;modify=%s;perm=%s; %s\r\n",
		typ, info.Size(), info.ModTime().UTC().Format("20060102150405"), permFact(info), name)
	return err
}

// permFact renders the RFC 3659 perm fact from the entry's mode bits.
// Directories get e (enter), l (list) and the mutation verbs when writable;
// files get r (retrieve) and a/d/f/w when writable.
func permFact(info os.FileInfo) string {
	mode := info.Mode()
	writable := mode.Perm()&0200 != 0

	var b strings.Builder
	if info.IsDir() {
		b.WriteString("el")
		if writable {
			b.WriteString("cmp")
		}
	} else {
		b.WriteString("r")
		if writable {
			b.WriteString("adfw")
		}
	}
	return b.String()
}
