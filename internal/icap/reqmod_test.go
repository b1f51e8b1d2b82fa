package icap

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type pairConn struct {
	out bytes.Buffer
	in  io.Reader
}

func (p *pairConn) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *pairConn) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pairConn) Close() error                { return nil }

func TestExchange_NoContentReturnsOriginalBody(t *testing.T) {
	pc := &pairConn{in: strings.NewReader("ICAP/1.0 204 No Content\r\n\r\n")}
	conn := NewConnection(pc)
	body := strings.NewReader("original request body")

	ex := &Exchange{
		Conn:        conn,
		ServiceURL:  "icap://svc:1344/reqmod",
		ServicePath: "/reqmod",
		Kind:        Reqmod,
		HeaderBlock: []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		Body:        body,
	}
	forward, ok, err := ex.RunReqmod()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected ok")
	}
	if forward != body {
		t.Fatal("expected original body reader returned unchanged on 204")
	}
	if !bytes.Contains(pc.out.Bytes(), []byte("REQMOD /reqmod ICAP/1.0\r\n")) {
		t.Fatalf("expected REQMOD request line, got %q", pc.out.String())
	}
	if !bytes.Contains(pc.out.Bytes(), []byte("Allow: 204\r\n")) {
		t.Fatal("expected Allow: 204 header")
	}
}

func TestExchange_ModifiedReturnsAdaptedBody(t *testing.T) {
	adaptedBody := "5\r\nhello\r\n0\r\n\r\n"
	raw := "ICAP/1.0 200 OK\r\n" +
		"Encapsulated: req-hdr=0, req-body=0\r\n" +
		"\r\n" + adaptedBody
	pc := &pairConn{in: strings.NewReader(raw)}
	conn := NewConnection(pc)

	ex := &Exchange{
		Conn:        conn,
		ServiceURL:  "icap://svc:1344/reqmod",
		ServicePath: "/reqmod",
		Kind:        Reqmod,
		HeaderBlock: []byte("GET / HTTP/1.1\r\n\r\n"),
		Body:        strings.NewReader("abc"),
	}
	forward, ok, err := ex.RunReqmod()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected ok")
	}
	got, err := io.ReadAll(forward)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestExchange_ServiceErrorReportsNotOk(t *testing.T) {
	pc := &pairConn{in: strings.NewReader("ICAP/1.0 500 Server Error\r\n\r\n")}
	conn := NewConnection(pc)

	ex := &Exchange{
		Conn:        conn,
		ServiceURL:  "icap://svc:1344/reqmod",
		ServicePath: "/reqmod",
		Kind:        Reqmod,
		HeaderBlock: []byte("GET / HTTP/1.1\r\n\r\n"),
		Body:        strings.NewReader("abc"),
	}
	_, ok, err := ex.RunReqmod()
	if ok {
		t.Fatal("expected not ok on service error")
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestBidirectionalRecvIcapResponse_EarlyNoContent(t *testing.T) {
	pc := &pairConn{in: strings.NewReader("ICAP/1.0 204 No Content\r\n\r\n")}
	conn := NewConnection(pc)

	body := io.NopCloser(&slowReader{chunks: []string{"a", "b", "c"}})
	resp, bodyFinished, err := BidirectionalRecvIcapResponse(body, conn, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.IsNoContent() {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	_ = bodyFinished // either value is valid: the race is real, but no error should result
}

// slowReader yields its chunks one at a time, never completing until all
// are drained, simulating a large body the ICAP server answers before the
// client finishes uploading.
type slowReader struct {
	chunks []string
	i      int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.i >= len(s.chunks) {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[s.i])
	s.i++
	return n, nil
}
