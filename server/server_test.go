package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gonzalop/ftpd/internal/auth"
	"github.com/gonzalop/ftpd/internal/ftptest"
)

// nextPasvBase carves a distinct passive port range per test server so
// parallel tests never fight over ports.
var nextPasvBase atomic.Int32

func pasvRange() (int, int) {
	base := 42000 + int(nextPasvBase.Add(1))*20
	return base, base + 19
}

type testServer struct {
	addr string
	root string
	srv  *Server
}

// newTestServer starts a server on loopback rooted at a fresh temp dir,
// with users admin/admin123 (read-write) and viewer/look (read-only).
func newTestServer(t *testing.T, options ...Option) *testServer {
	t.Helper()
	root := t.TempDir()

	backend, err := auth.NewLocalBackend([]auth.User{
		{Name: "admin", Password: "admin123", Home: root, OwnerUID: -1, OwnerGID: -1},
		{Name: "viewer", Password: "look", Home: root, ReadOnly: true, OwnerUID: -1, OwnerGID: -1},
	})
	if err != nil {
		t.Fatal(err)
	}
	gate := auth.NewGate(backend, 3, time.Minute)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	lo, hi := pasvRange()
	base := []Option{
		WithDriver(NewFSDriver()),
		WithAuthGate(gate),
		WithPassivePortRange(lo, hi),
	}
	srv, err := NewServer(ln.Addr().String(), append(base, options...)...)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != ErrServerClosed {
			t.Logf("server stopped: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Shutdown() })

	return &testServer{addr: ln.Addr().String(), root: root, srv: srv}
}

func (ts *testServer) login(t *testing.T, user, pass string) *ftptest.Client {
	t.Helper()
	c, err := ftptest.Dial(ts.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Login(user, pass); err != nil {
		c.Close()
		t.Fatalf("login: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoginAndGreeting(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	c, err := ftptest.Dial(ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	code, _, err := c.Cmd("USER admin")
	if err != nil || code != 331 {
		t.Fatalf("USER: code=%d err=%v", code, err)
	}
	code, _, err = c.Cmd("PASS admin123")
	if err != nil || code != 230 {
		t.Fatalf("PASS: code=%d err=%v", code, err)
	}

	code, msg, err := c.Cmd("PWD")
	if err != nil || code != 257 {
		t.Fatalf("PWD: code=%d err=%v", code, err)
	}
	if !strings.Contains(msg, `"/"`) {
		t.Errorf("PWD reply %q does not contain the virtual root", msg)
	}
}

func TestStorRetrRoundTrip(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	c := ts.login(t, "admin", "admin123")

	content := []byte("The quick brown fox jumps over the lazy dog.\x00\x01\x02")
	if err := c.Stor("roundtrip.bin", content); err != nil {
		t.Fatalf("STOR: %v", err)
	}

	got, err := c.Retr("roundtrip.bin")
	if err != nil {
		t.Fatalf("RETR: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(content))
	}

	// The file landed where it should on disk.
	onDisk, err := os.ReadFile(filepath.Join(ts.root, "roundtrip.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, content) {
		t.Error("on-disk content differs")
	}
}

func TestRestRetr(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	if err := os.WriteFile(filepath.Join(ts.root, "hello.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	c := ts.login(t, "admin", "admin123")

	code, _, err := c.Cmd("REST 6")
	if err != nil || code != 350 {
		t.Fatalf("REST: code=%d err=%v", code, err)
	}
	got, err := c.Retr("hello.txt")
	if err != nil {
		t.Fatalf("RETR: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("REST 6 + RETR = %q, want %q", got, "world")
	}

	// The offset is one-shot: a bare RETR streams from zero.
	got, err = c.Retr("hello.txt")
	if err != nil {
		t.Fatalf("second RETR: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("bare RETR = %q, want full content", got)
	}
}

func TestRestClearedByUnrelatedCommand(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	if err := os.WriteFile(filepath.Join(ts.root, "hello.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	c := ts.login(t, "admin", "admin123")

	if code, _, _ := c.Cmd("REST 6"); code != 350 {
		t.Fatal("REST rejected")
	}
	// A navigation command discards the pending offset.
	if code, _, _ := c.Cmd("PWD"); code != 257 {
		t.Fatal("PWD rejected")
	}

	got, err := c.Retr("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("RETR after cleared REST = %q, want full content", got)
	}
}

func TestNavigation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	if err := os.MkdirAll(filepath.Join(ts.root, "sub", "deeper"), 0755); err != nil {
		t.Fatal(err)
	}
	c := ts.login(t, "admin", "admin123")

	if code, _, _ := c.Cmd("CWD sub/deeper"); code != 250 {
		t.Fatal("CWD sub/deeper rejected")
	}
	if _, msg, _ := c.Cmd("PWD"); !strings.Contains(msg, `"/sub/deeper"`) {
		t.Errorf("PWD after CWD = %q", msg)
	}
	if code, _, _ := c.Cmd("CDUP"); code != 250 {
		t.Fatal("CDUP rejected")
	}
	if _, msg, _ := c.Cmd("PWD"); !strings.Contains(msg, `"/sub"`) {
		t.Errorf("PWD after CDUP = %q", msg)
	}

	// CWD to a file is rejected.
	if err := os.WriteFile(filepath.Join(ts.root, "sub", "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := c.Cmd("CWD f.txt"); code != 550 {
		t.Errorf("CWD to a file = %d, want 550", code)
	}
	// CWD to a missing dir is rejected.
	if code, _, _ := c.Cmd("CWD nothere"); code != 550 {
		t.Errorf("CWD to missing dir = %d, want 550", code)
	}
}

func TestMkdRmdDele(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	c := ts.login(t, "admin", "admin123")

	if code, _, _ := c.Cmd("MKD newdir"); code != 257 {
		t.Fatal("MKD rejected")
	}
	if info, err := os.Stat(filepath.Join(ts.root, "newdir")); err != nil || !info.IsDir() {
		t.Fatal("MKD did not create the directory")
	}
	if code, _, _ := c.Cmd("RMD newdir"); code != 250 {
		t.Fatal("RMD rejected")
	}
	if _, err := os.Stat(filepath.Join(ts.root, "newdir")); !os.IsNotExist(err) {
		t.Fatal("RMD did not remove the directory")
	}

	if err := os.WriteFile(filepath.Join(ts.root, "doomed.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := c.Cmd("DELE doomed.txt"); code != 250 {
		t.Fatal("DELE rejected")
	}
	if _, err := os.Stat(filepath.Join(ts.root, "doomed.txt")); !os.IsNotExist(err) {
		t.Fatal("DELE did not remove the file")
	}

	if code, _, _ := c.Cmd("DELE doomed.txt"); code != 550 {
		t.Errorf("DELE of a missing file = %d, want 550", code)
	}
}

func TestRenameSequence(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	if err := os.WriteFile(filepath.Join(ts.root, "old.txt"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	c := ts.login(t, "admin", "admin123")

	if code, _, _ := c.Cmd("RNFR old.txt"); code != 350 {
		t.Fatal("RNFR rejected")
	}
	if code, _, _ := c.Cmd("RNTO new.txt"); code != 250 {
		t.Fatal("RNTO rejected")
	}
	if _, err := os.Stat(filepath.Join(ts.root, "new.txt")); err != nil {
		t.Fatal("rename did not happen")
	}

	// Any command between RNFR and RNTO voids the pending source.
	if code, _, _ := c.Cmd("RNFR new.txt"); code != 350 {
		t.Fatal("second RNFR rejected")
	}
	if code, _, _ := c.Cmd("CWD /"); code != 250 {
		t.Fatal("CWD rejected")
	}
	if code, _, _ := c.Cmd("RNTO other.txt"); code != 503 {
		t.Errorf("RNTO after intervening command = %d, want 503", code)
	}

	// RNFR on a missing source fails outright.
	if code, _, _ := c.Cmd("RNFR ghost.txt"); code != 550 {
		t.Errorf("RNFR on missing file = %d, want 550", code)
	}
}

func TestSizeAndMdtm(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	path := filepath.Join(ts.root, "sized.txt")
	if err := os.WriteFile(path, []byte("12345678"), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	c := ts.login(t, "admin", "admin123")

	code, msg, _ := c.Cmd("SIZE sized.txt")
	if code != 213 || msg != "8" {
		t.Errorf("SIZE = %d %q, want 213 8", code, msg)
	}

	code, msg, _ = c.Cmd("MDTM sized.txt")
	if code != 213 || msg != "20240315103000" {
		t.Errorf("MDTM = %d %q, want 213 20240315103000", code, msg)
	}

	if code, _, _ := c.Cmd("SIZE missing.txt"); code != 550 {
		t.Errorf("SIZE on missing file = %d, want 550", code)
	}
}

func TestFeat(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	c, err := ftptest.Dial(ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	code, msg, err := c.Cmd("FEAT")
	if err != nil || code != 211 {
		t.Fatalf("FEAT: code=%d err=%v", code, err)
	}
	for _, want := range []string{"EPSV", "EPRT", "MLSD", "SIZE", "MDTM", "REST STREAM", "UTF8"} {
		if !strings.Contains(msg, want) {
			t.Errorf("FEAT does not advertise %s", want)
		}
	}
	// No TLS configured, so RFC 4217 features are absent.
	if strings.Contains(msg, "AUTH TLS") {
		t.Error("FEAT advertises AUTH TLS without TLS configured")
	}
}

func TestEpsvTransfer(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	if err := os.WriteFile(filepath.Join(ts.root, "e.txt"), []byte("epsv works"), 0644); err != nil {
		t.Fatal(err)
	}
	c := ts.login(t, "admin", "admin123")

	port, err := c.Epsv()
	if err != nil {
		t.Fatalf("EPSV: %v", err)
	}
	data, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial data: %v", err)
	}
	defer data.Close()

	code, _, err := c.Cmd("RETR e.txt")
	if err != nil || code != 150 {
		t.Fatalf("RETR: code=%d err=%v", code, err)
	}
	body, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "epsv works" {
		t.Errorf("data = %q", body)
	}
	if code, _, _ := c.ReadReply(); code != 226 {
		t.Errorf("completion = %d, want 226", code)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	c := ts.login(t, "admin", "admin123")

	if n := ts.srv.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", n)
	}

	if err := ts.srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The session's control connection dies promptly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := c.Cmd("NOOP"); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("session survived shutdown")
}
