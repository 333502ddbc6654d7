// Package ftptest is a minimal FTP client for exercising the server in
// tests: control-channel commands, passive data connections, and whole-file
// transfers. It is not a general-purpose client.
package ftptest

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Client drives one FTP control connection.
type Client struct {
	conn net.Conn
	text *textproto.Conn

	// Timeout applies to dial and data-connection operations.
	Timeout time.Duration

	// DataTLS, when set, wraps every data connection in TLS (PROT P).
	DataTLS *tls.Config
}

// Dial connects to the server and consumes the 220 greeting.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		text:    textproto.NewConn(conn),
		Timeout: 5 * time.Second,
	}
	if _, _, err := c.text.ReadResponse(220); err != nil {
		conn.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}
	return c, nil
}

// DialExpectNoGreeting connects and reports whether the server hangs up
// without sending a banner (the bruteforce-blocked behavior).
func DialExpectNoGreeting(addr string) (bool, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	return err == io.EOF, nil
}

// Close closes the control connection without QUIT.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Cmd sends one command and returns the reply code and text. Multi-line
// replies are collapsed by textproto.
func (c *Client) Cmd(format string, args ...any) (int, string, error) {
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	return c.text.ReadResponse(-1)
}

// AuthTLS upgrades the control connection with AUTH TLS.
func (c *Client) AuthTLS(cfg *tls.Config) error {
	code, msg, err := c.Cmd("AUTH TLS")
	if err != nil {
		return err
	}
	if code != 234 {
		return fmt.Errorf("AUTH TLS: %d %s", code, msg)
	}

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)
	return nil
}

// ReadReply reads one reply off the control connection, for commands whose
// final reply arrives asynchronously (transfer completions).
func (c *Client) ReadReply() (int, string, error) {
	return c.text.ReadResponse(-1)
}

// Login runs USER/PASS and fails unless the final reply is 230.
func (c *Client) Login(user, pass string) error {
	code, msg, err := c.Cmd("USER %s", user)
	if err != nil {
		return err
	}
	if code != 331 {
		return fmt.Errorf("USER: %d %s", code, msg)
	}
	code, msg, err = c.Cmd("PASS %s", pass)
	if err != nil {
		return err
	}
	if code != 230 {
		return fmt.Errorf("PASS: %d %s", code, msg)
	}
	return nil
}

// Quit sends QUIT and closes the connection.
func (c *Client) Quit() error {
	_, _, _ = c.Cmd("QUIT")
	return c.conn.Close()
}

// Pasv requests a passive endpoint and returns its dialable address.
func (c *Client) Pasv() (string, error) {
	code, msg, err := c.Cmd("PASV")
	if err != nil {
		return "", err
	}
	if code != 227 {
		return "", fmt.Errorf("PASV: %d %s", code, msg)
	}
	return parsePasv227(msg)
}

// parsePasv227 extracts host:port from "Entering Passive Mode
// (h1,h2,h3,h4,p1,p2)".
func parsePasv227(msg string) (string, error) {
	open := strings.IndexByte(msg, '(')
	closing := strings.IndexByte(msg, ')')
	if open < 0 || closing <= open {
		return "", fmt.Errorf("malformed 227 reply: %q", msg)
	}
	parts := strings.Split(msg[open+1:closing], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("malformed 227 tuple: %q", msg)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", fmt.Errorf("malformed 227 tuple: %q", msg)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port := nums[4]*256 + nums[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Epsv requests an extended passive endpoint and returns its port.
func (c *Client) Epsv() (int, error) {
	code, msg, err := c.Cmd("EPSV")
	if err != nil {
		return 0, err
	}
	if code != 229 {
		return 0, fmt.Errorf("EPSV: %d %s", code, msg)
	}
	open := strings.Index(msg, "(|||")
	closing := strings.LastIndexByte(msg, '|')
	if open < 0 || closing <= open+4 {
		return 0, fmt.Errorf("malformed 229 reply: %q", msg)
	}
	return strconv.Atoi(msg[open+4 : closing])
}

// transfer runs one data command over a fresh passive connection and
// returns the received bytes (for downloads) after the final reply.
func (c *Client) transfer(cmd string, upload []byte) ([]byte, error) {
	addr, err := c.Pasv()
	if err != nil {
		return nil, err
	}
	data, err := net.DialTimeout("tcp", addr, c.Timeout)
	if err != nil {
		return nil, err
	}
	defer data.Close()
	if c.DataTLS != nil {
		// The server completes the TLS handshake before it sends the 150
		// reply, so the client side of the handshake runs in the background
		// while the command goes out; the first read or write waits for it.
		tlsData := tls.Client(data, c.DataTLS)
		go func() { _ = tlsData.Handshake() }()
		data = tlsData
	}

	code, msg, err := c.Cmd("%s", cmd)
	if err != nil {
		return nil, err
	}
	if code != 150 && code != 125 {
		return nil, fmt.Errorf("%s: %d %s", cmd, code, msg)
	}

	var body []byte
	if upload != nil {
		if _, err := data.Write(upload); err != nil {
			return nil, err
		}
		data.Close()
	} else {
		_ = data.SetReadDeadline(time.Now().Add(c.Timeout))
		body, err = io.ReadAll(data)
		if err != nil {
			return nil, err
		}
	}

	code, msg, err = c.text.ReadResponse(-1)
	if err != nil {
		return nil, err
	}
	if code != 226 {
		return nil, fmt.Errorf("%s completion: %d %s", cmd, code, msg)
	}
	return body, nil
}

// Retr downloads a file.
func (c *Client) Retr(path string) ([]byte, error) {
	return c.transfer("RETR "+path, nil)
}

// Stor uploads a file.
func (c *Client) Stor(path string, body []byte) error {
	_, err := c.transfer("STOR "+path, body)
	return err
}

// List fetches a LIST listing.
func (c *Client) List(path string) (string, error) {
	cmd := "LIST"
	if path != "" {
		cmd += " " + path
	}
	body, err := c.transfer(cmd, nil)
	return string(body), err
}

// Nlst fetches an NLST listing.
func (c *Client) Nlst() ([]string, error) {
	body, err := c.transfer("NLST", nil)
	if err != nil {
		return nil, err
	}
	return splitLines(string(body)), nil
}

// Mlsd fetches an MLSD listing.
func (c *Client) Mlsd() ([]string, error) {
	body, err := c.transfer("MLSD", nil)
	if err != nil {
		return nil, err
	}
	return splitLines(string(body)), nil
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\r\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
