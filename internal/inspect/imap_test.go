package inspect

import (
	"bufio"
	"strings"
	"testing"
)

func TestImapStateMachine_SimpleCommand(t *testing.T) {
	sm := NewImapStateMachine(bufio.NewReader(strings.NewReader("a1 LOGIN user pass\r\n")))
	cmd, err := sm.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Tag != "a1" || cmd.Verb != "LOGIN" || cmd.Rest != "user pass" {
		t.Fatalf("got %+v", cmd)
	}
	if !cmd.IsSensitive() {
		t.Fatal("expected LOGIN to be sensitive")
	}
	if cmd.Literal != nil {
		t.Fatal("expected no literal")
	}
}

func TestImapStateMachine_AppendWithLiteral(t *testing.T) {
	sm := NewImapStateMachine(bufio.NewReader(strings.NewReader("a2 APPEND INBOX (\\Seen) {318}\r\n")))
	cmd, err := sm.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if !cmd.IsAppend() {
		t.Fatal("expected APPEND")
	}
	if cmd.Literal == nil || cmd.Literal.Length != 318 || cmd.Literal.NonSynchronizing {
		t.Fatalf("got %+v", cmd.Literal)
	}
}

func TestImapStateMachine_NonSynchronizingLiteral(t *testing.T) {
	sm := NewImapStateMachine(bufio.NewReader(strings.NewReader("a3 APPEND INBOX {42+}\r\n")))
	cmd, err := sm.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Literal == nil || cmd.Literal.Length != 42 || !cmd.Literal.NonSynchronizing {
		t.Fatalf("got %+v", cmd.Literal)
	}
}

func TestImapStateMachine_StartTLS(t *testing.T) {
	sm := NewImapStateMachine(bufio.NewReader(strings.NewReader("a4 STARTTLS\r\n")))
	cmd, err := sm.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if !cmd.IsStartTLS() {
		t.Fatal("expected STARTTLS recognized")
	}
}

func TestImapStateMachine_MalformedLine(t *testing.T) {
	sm := NewImapStateMachine(bufio.NewReader(strings.NewReader("notatag\r\n")))
	if _, err := sm.ReadCommand(); err == nil {
		t.Fatal("expected error on line with no tag/verb separator")
	}
}

func TestParseTrailingLiteral_RejectsNonNumeric(t *testing.T) {
	if _, ok := parseTrailingLiteral("{abc}"); ok {
		t.Fatal("expected rejection of non-numeric literal length")
	}
}
