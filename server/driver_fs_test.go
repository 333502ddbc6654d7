package server

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gonzalop/ftpd/internal/auth"
)

func newTestContext(t *testing.T, readOnly bool) (*fsContext, string) {
	t.Helper()
	root := t.TempDir()
	d := NewFSDriver()
	ctx, err := d.Open(&auth.Account{
		Name:     "tester",
		Home:     root,
		ReadOnly: readOnly,
		OwnerUID: -1,
		OwnerGID: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx.(*fsContext), root
}

func TestResolveClampsAboveRoot(t *testing.T) {
	t.Parallel()
	c, _ := newTestContext(t, false)

	cases := []struct {
		in   string
		want string
	}{
		{"/", "."},
		{"", "."},
		{".", "."},
		{"..", "."},
		{"../..", "."},
		{"/../../etc/passwd", "etc/passwd"},
		{"a/b/../c", "a/c"},
		{"/a//b/", "a/b"},
		{"./x", "x"},
	}
	for _, tc := range cases {
		got, err := c.resolve(tc.in)
		if err != nil {
			t.Errorf("resolve(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("resolve(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveRelativeToCwd(t *testing.T) {
	t.Parallel()
	c, root := newTestContext(t, false)
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := c.ChangeDir("a/b"); err != nil {
		t.Fatal(err)
	}
	if c.GetWd() != "/a/b" {
		t.Fatalf("cwd = %q", c.GetWd())
	}

	got, err := c.resolve("x.txt")
	if err != nil || got != "a/b/x.txt" {
		t.Errorf("resolve relative = %q (%v)", got, err)
	}
	got, err = c.resolve("../y.txt")
	if err != nil || got != "a/y.txt" {
		t.Errorf("resolve dotdot = %q (%v)", got, err)
	}
	got, err = c.resolve("../../../../z.txt")
	if err != nil || got != "z.txt" {
		t.Errorf("resolve clamped = %q (%v)", got, err)
	}
}

func TestResolveRejectsNUL(t *testing.T) {
	t.Parallel()
	c, _ := newTestContext(t, false)
	if _, err := c.resolve("bad\x00name"); err == nil {
		t.Error("NUL byte accepted")
	}
}

func TestOperationsStayInsideRoot(t *testing.T) {
	t.Parallel()
	c, root := newTestContext(t, false)

	// Writing through a clamped path lands inside the root.
	f, err := c.OpenFile("/../../escape.txt", os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(f, "caught"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err != nil {
		t.Error("clamped write landed outside the root")
	}
	parent := filepath.Dir(root)
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); err == nil {
		t.Error("file escaped the root")
	}
}

func TestSymlinkEscapeFailsAsNotExist(t *testing.T) {
	t.Parallel()
	c, root := newTestContext(t, false)

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "target.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(root, "sneaky")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	_, err := c.OpenFile("sneaky", os.O_RDONLY)
	if err == nil {
		t.Fatal("escaping symlink was followed")
	}
	// The error must not reveal structure: it reads as a missing file.
	if !os.IsNotExist(err) {
		t.Errorf("escape error = %v, want not-exist", err)
	}
}

func TestReadOnlyContext(t *testing.T) {
	t.Parallel()
	c, root := newTestContext(t, true)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := c.MakeDir("d"); !os.IsPermission(err) {
		t.Errorf("MakeDir = %v, want permission denied", err)
	}
	if err := c.DeleteFile("f.txt"); !os.IsPermission(err) {
		t.Errorf("DeleteFile = %v, want permission denied", err)
	}
	if err := c.Rename("f.txt", "g.txt"); !os.IsPermission(err) {
		t.Errorf("Rename = %v, want permission denied", err)
	}
	if _, err := c.OpenFile("up.txt", os.O_WRONLY|os.O_CREATE); !os.IsPermission(err) {
		t.Errorf("OpenFile for write = %v, want permission denied", err)
	}
	if err := c.Chmod("f.txt", 0600); !os.IsPermission(err) {
		t.Errorf("Chmod = %v, want permission denied", err)
	}

	// Reading still works.
	f, err := c.OpenFile("f.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("read in read-only context: %v", err)
	}
	f.Close()
}

func TestDeleteFileRejectsDirectory(t *testing.T) {
	t.Parallel()
	c, root := newTestContext(t, false)
	if err := os.Mkdir(filepath.Join(root, "d"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := c.DeleteFile("d"); err == nil {
		t.Error("DELE removed a directory")
	}
	if err := c.RemoveDir("d"); err != nil {
		t.Errorf("RemoveDir failed: %v", err)
	}
}

func TestRenameWithinRoot(t *testing.T) {
	t.Parallel()
	c, root := newTestContext(t, false)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("move me"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := c.Rename("a.txt", "sub/b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	body, err := os.ReadFile(filepath.Join(root, "sub", "b.txt"))
	if err != nil || string(body) != "move me" {
		t.Errorf("rename result: %q (%v)", body, err)
	}
}
