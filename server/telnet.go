package server

import (
	"bufio"
	"io"
)

// Telnet control codes that may appear on an FTP control connection.
// RFC 959 inherits the Telnet framing; some clients send IAC negotiation
// before their first command, and ABOR is traditionally preceded by
// IAC IP IAC DM.
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// telnetReader strips Telnet command sequences from the control stream.
// Escaped 0xFF data bytes (IAC IAC) are passed through as a single 0xFF.
type telnetReader struct {
	r *bufio.Reader
}

func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{r: bufio.NewReader(r)}
}

func (t *telnetReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		// Return what we have rather than blocking for more.
		if n > 0 && t.r.Buffered() == 0 {
			return n, nil
		}

		b, err := t.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		if b != telnetIAC {
			p[n] = b
			n++
			continue
		}

		next, err := t.r.ReadByte()
		if err != nil {
			return n, err
		}
		switch next {
		case telnetIAC:
			p[n] = telnetIAC
			n++
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// Three-byte negotiation: swallow the option byte too.
			if _, err := t.r.ReadByte(); err != nil {
				return n, err
			}
		default:
			// Two-byte command, ignored.
		}
	}
	return n, nil
}
