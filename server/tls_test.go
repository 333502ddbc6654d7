package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gonzalop/ftpd/internal/ftptest"
)

// newTestTLSConfig builds a self-signed certificate for loopback.
func newTestTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ftpd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestAuthTLSUpgradeAndProtectedTransfer(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, WithTLS(newTestTLSConfig(t)))

	c, err := ftptest.Dial(ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// FEAT advertises the RFC 4217 set once TLS is configured.
	_, msg, err := c.Cmd("FEAT")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"AUTH TLS", "PBSZ", "PROT"} {
		if !strings.Contains(msg, want) {
			t.Errorf("FEAT missing %s", want)
		}
	}

	if err := c.AuthTLS(&tls.Config{InsecureSkipVerify: true}); err != nil {
		t.Fatalf("AUTH TLS: %v", err)
	}

	// PBSZ and PROT are accepted right after the upgrade, before login.
	if code, _, _ := c.Cmd("PBSZ 0"); code != 200 {
		t.Fatal("PBSZ 0 rejected after AUTH TLS")
	}
	if code, _, _ := c.Cmd("PROT P"); code != 200 {
		t.Fatal("PROT P rejected after AUTH TLS")
	}

	if err := c.Login("admin", "admin123"); err != nil {
		t.Fatalf("login over TLS: %v", err)
	}

	// A protected transfer round-trips.
	c.DataTLS = &tls.Config{InsecureSkipVerify: true}
	content := []byte("secret bytes over a protected channel")
	if err := c.Stor("p.bin", content); err != nil {
		t.Fatalf("STOR over PROT P: %v", err)
	}
	got, err := c.Retr("p.bin")
	if err != nil {
		t.Fatalf("RETR over PROT P: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("protected round trip mismatch")
	}

	onDisk, err := os.ReadFile(filepath.Join(ts.root, "p.bin"))
	if err != nil || !bytes.Equal(onDisk, content) {
		t.Error("protected upload content mismatch on disk")
	}
}

func TestProtCReturnsToClearData(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, WithTLS(newTestTLSConfig(t)))
	if err := os.WriteFile(filepath.Join(ts.root, "c.txt"), []byte("clear"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := ftptest.Dial(ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.AuthTLS(&tls.Config{InsecureSkipVerify: true}); err != nil {
		t.Fatal(err)
	}
	if err := c.Login("admin", "admin123"); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := c.Cmd("PROT P"); code != 200 {
		t.Fatal("PROT P rejected")
	}
	if code, _, _ := c.Cmd("PROT C"); code != 200 {
		t.Fatal("PROT C rejected")
	}

	// Data flows in the clear again.
	got, err := c.Retr("c.txt")
	if err != nil {
		t.Fatalf("RETR after PROT C: %v", err)
	}
	if string(got) != "clear" {
		t.Errorf("content = %q", got)
	}
}

func TestTLSCommandsWithoutConfig(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t) // no TLS

	c, err := ftptest.Dial(ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if code, _, _ := c.Cmd("AUTH TLS"); code != 502 {
		t.Errorf("AUTH TLS without config = %d, want 502", code)
	}
}

func TestForceTLS(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, WithTLS(newTestTLSConfig(t)), WithForceTLS(true))

	c, err := ftptest.Dial(ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// USER on the plaintext channel is refused.
	if code, _, _ := c.Cmd("USER admin"); code != 530 {
		t.Errorf("USER before AUTH TLS = %d, want 530", code)
	}

	// After the upgrade, login proceeds.
	if err := c.AuthTLS(&tls.Config{InsecureSkipVerify: true}); err != nil {
		t.Fatal(err)
	}
	if err := c.Login("admin", "admin123"); err != nil {
		t.Errorf("login after AUTH TLS: %v", err)
	}
}
