package icap

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestImapAdapter_AppendOnce_NoContent(t *testing.T) {
	pc := &pairConn{in: strings.NewReader("ICAP/1.0 204 No Content\r\n\r\n")}
	a := &ImapMessageAdapter{
		Conn:          NewConnection(pc),
		ServiceURL:    "icap://svc:1344/reqmod",
		ServicePath:   "/reqmod",
		HeaderBlock:   []byte("APPEND INBOX {11}\r\n"),
		AnnouncedSize: 11,
	}
	got, err := a.AdaptAppendOnce([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestImapAdapter_AppendOnce_Modified(t *testing.T) {
	raw := "ICAP/1.0 200 OK\r\n" +
		"Encapsulated: req-hdr=0, req-body=0\r\n" +
		"\r\n" +
		"6\r\nfiltrd\r\n0\r\n\r\n"
	pc := &pairConn{in: strings.NewReader(raw)}
	a := &ImapMessageAdapter{
		Conn:          NewConnection(pc),
		ServiceURL:    "icap://svc:1344/reqmod",
		ServicePath:   "/reqmod",
		HeaderBlock:   []byte("APPEND INBOX {11}\r\n"),
		AnnouncedSize: 11,
	}
	got, err := a.AdaptAppendOnce([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "filtrd" {
		t.Fatalf("got %q", got)
	}
}

func TestImapAdapter_AppendOnce_SizeMismatch(t *testing.T) {
	a := &ImapMessageAdapter{AnnouncedSize: 99}
	if _, err := a.AdaptAppendOnce([]byte("too short")); err != ErrMessageSizeNotMatch {
		t.Fatalf("expected ErrMessageSizeNotMatch, got %v", err)
	}
}

func TestSizeCheckedReader_ShortDelivery(t *testing.T) {
	r := &sizeCheckedReader{r: strings.NewReader("ab"), limit: 5}
	_, err := io.ReadAll(r)
	if err != ErrMessageSizeNotMatch {
		t.Fatalf("expected ErrMessageSizeNotMatch, got %v", err)
	}
}

func TestSizeCheckedReader_ExactDelivery(t *testing.T) {
	r := &sizeCheckedReader{r: strings.NewReader("hello"), limit: 5}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSizeCheckedReader_CapsOverLongDelivery(t *testing.T) {
	r := &sizeCheckedReader{r: strings.NewReader("hello world"), limit: 5}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected read capped at limit, got %q", got)
	}
}

func TestImapAdapter_Preview_ServerRequestsRest(t *testing.T) {
	raw := "ICAP/1.0 100 Continue\r\n\r\n" +
		"ICAP/1.0 200 OK\r\n" +
		"Encapsulated: req-hdr=0, req-body=0\r\n" +
		"\r\n" +
		"4\r\nrest\r\n0\r\n\r\n"
	pc := &pairConn{in: strings.NewReader(raw)}
	a := &ImapMessageAdapter{
		Conn:          NewConnection(pc),
		ServiceURL:    "icap://svc:1344/reqmod",
		ServicePath:   "/reqmod",
		HeaderBlock:   []byte("APPEND INBOX {20}\r\n"),
		AnnouncedSize: 20,
	}
	forward, err := a.AdaptPreview([]byte("previewbytes"), strings.NewReader("tail"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(forward)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "rest" {
		t.Fatalf("got %q", got)
	}
}

func TestImapAdapter_Preview_NoContentReassemblesWhole(t *testing.T) {
	pc := &pairConn{in: strings.NewReader("ICAP/1.0 204 No Content\r\n\r\n")}
	a := &ImapMessageAdapter{
		Conn:          NewConnection(pc),
		ServiceURL:    "icap://svc:1344/reqmod",
		ServicePath:   "/reqmod",
		HeaderBlock:   []byte("APPEND INBOX {11}\r\n"),
		AnnouncedSize: 11,
	}
	forward, err := a.AdaptPreview([]byte("hello"), strings.NewReader(" world"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(forward)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestImapAdapter_AppendWithoutPreview_NoContent(t *testing.T) {
	pc := &pairConn{in: strings.NewReader("ICAP/1.0 204 No Content\r\n\r\n")}
	a := &ImapMessageAdapter{
		Conn:          NewConnection(pc),
		ServiceURL:    "icap://svc:1344/reqmod",
		ServicePath:   "/reqmod",
		HeaderBlock:   []byte("APPEND INBOX {11}\r\n"),
		AnnouncedSize: 11,
	}
	forward, err := a.AdaptAppendWithoutPreview([]byte("hello"), strings.NewReader(" world"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(forward)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestSameReader(t *testing.T) {
	cached := []byte("hello")
	br := bytes.NewReader(cached)
	if !sameReader(br, cached) {
		t.Fatal("expected sameReader to recognize matching bytes.Reader")
	}
	if sameReader(strings.NewReader("hello"), cached) {
		t.Fatal("expected sameReader to reject non-bytes.Reader")
	}
}
