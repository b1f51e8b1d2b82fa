package inspect

import (
	"bufio"
	"strings"
)

// SmtpCommand is one parsed client command line.
type SmtpCommand struct {
	Verb string
	Args string
}

// SensitiveSmtpVerbs names the commands spec §4.4 calls out as requiring
// inspection attention (credentials, or a protocol transition).
var SensitiveSmtpVerbs = map[string]bool{
	"AUTH":     true,
	"STARTTLS": true,
	"MAIL":     true,
	"RCPT":     true,
	"DATA":     true,
}

// SmtpStateMachine recognizes SMTP command lines and reports STARTTLS
// transitions, grounded on internal/subscription/parser.go's
// read-one-line-then-classify discipline.
type SmtpStateMachine struct {
	br *bufio.Reader
}

// NewSmtpStateMachine wraps r for line-oriented SMTP command parsing.
func NewSmtpStateMachine(br *bufio.Reader) *SmtpStateMachine {
	return &SmtpStateMachine{br: br}
}

// ReadCommand reads one CRLF-terminated client command line.
func (m *SmtpStateMachine) ReadCommand() (SmtpCommand, error) {
	line, err := m.br.ReadString('\n')
	if err != nil {
		return SmtpCommand{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	verb, args, _ := strings.Cut(line, " ")
	return SmtpCommand{Verb: strings.ToUpper(verb), Args: args}, nil
}

// IsSensitive reports whether cmd is one spec §4.4 flags for inspection.
func (c SmtpCommand) IsSensitive() bool { return SensitiveSmtpVerbs[c.Verb] }

// IsStartTLS reports the STARTTLS transition command: on this, the stream
// moves to StageStartTls and a TLS handshake follows immediately.
func (c SmtpCommand) IsStartTLS() bool { return c.Verb == "STARTTLS" }
