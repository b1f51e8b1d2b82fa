package inspect

import (
	"bufio"
	"strings"
	"testing"
)

func TestClassify_PortHintWins(t *testing.T) {
	c := NewClassifier()
	c.ServerTCPPortMap[25] = StageSmtp
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n"))
	stage, err := c.Classify(br, StreamInspection{}, 25, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stage != StageSmtp {
		t.Fatalf("expected port hint to win, got %v", stage)
	}
}

func TestClassify_HTTP(t *testing.T) {
	c := NewClassifier()
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	stage, err := c.Classify(br, StreamInspection{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stage != StageH1 {
		t.Fatalf("expected h1, got %v", stage)
	}
}

func TestClassify_TLS(t *testing.T) {
	c := NewClassifier()
	br := bufio.NewReader(strings.NewReader("\x16\x03\x01\x00\x05hello"))
	stage, err := c.Classify(br, StreamInspection{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stage != StageTlsModern {
		t.Fatalf("expected tls_modern, got %v", stage)
	}
}

func TestClassify_SMTP(t *testing.T) {
	c := NewClassifier()
	br := bufio.NewReader(strings.NewReader("220 mail.example.com ESMTP ready\r\n"))
	stage, err := c.Classify(br, StreamInspection{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stage != StageSmtp {
		t.Fatalf("expected smtp, got %v", stage)
	}
}

func TestClassify_IMAP(t *testing.T) {
	c := NewClassifier()
	br := bufio.NewReader(strings.NewReader("a1 LOGIN user pass\r\n"))
	stage, err := c.Classify(br, StreamInspection{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stage != StageImap {
		t.Fatalf("expected imap, got %v", stage)
	}
}

func TestClassify_Unknown(t *testing.T) {
	c := NewClassifier()
	br := bufio.NewReader(strings.NewReader("\x01\x02\x03\x04"))
	stage, err := c.Classify(br, StreamInspection{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stage != StageStreamInspect {
		t.Fatalf("expected stream_inspect fallback, got %v", stage)
	}
}

func TestClassify_DepthExceeded(t *testing.T) {
	c := NewClassifier()
	c.MaxInspectionDepth = 1
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n"))
	_, err := c.Classify(br, StreamInspection{Depth: 1}, 0, 0)
	if err != ErrInspectionDepthExceeded {
		t.Fatalf("expected depth-exceeded error, got %v", err)
	}
}

func TestClassify_EmptyStream(t *testing.T) {
	c := NewClassifier()
	br := bufio.NewReader(strings.NewReader(""))
	stage, err := c.Classify(br, StreamInspection{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stage != StageStreamUnknown {
		t.Fatalf("expected stream_unknown, got %v", stage)
	}
}
