package ftpctl

import (
	"net"
	"strings"
	"testing"
)

func TestReadReply_SingleLine(t *testing.T) {
	rr := NewReplyReader(strings.NewReader("220 Service ready\r\n"))
	reply, err := rr.ReadReply()
	if err != nil {
		t.Fatal(err)
	}
	if reply.Code != 220 {
		t.Fatalf("got code %d", reply.Code)
	}
	if reply.Text() != "Service ready" {
		t.Fatalf("got text %q", reply.Text())
	}
}

func TestReadReply_MultiLine(t *testing.T) {
	raw := "230-First line\r\n" +
		"230-Second line\r\n" +
		"230 Logged in\r\n"
	rr := NewReplyReader(strings.NewReader(raw))
	reply, err := rr.ReadReply()
	if err != nil {
		t.Fatal(err)
	}
	if reply.Code != 230 {
		t.Fatalf("got code %d", reply.Code)
	}
	want := "First line\nSecond line\nLogged in"
	if reply.Text() != want {
		t.Fatalf("got %q, want %q", reply.Text(), want)
	}
}

func TestReadReply_MultiLineWithEmbeddedCodeLookingText(t *testing.T) {
	raw := "211-Features:\r\n" +
		" 200 is not the terminator\r\n" +
		"211 End\r\n"
	rr := NewReplyReader(strings.NewReader(raw))
	reply, err := rr.ReadReply()
	if err != nil {
		t.Fatal(err)
	}
	want := "Features:\n 200 is not the terminator\nEnd"
	if reply.Text() != want {
		t.Fatalf("got %q, want %q", reply.Text(), want)
	}
}

func TestReadReply_MalformedLine(t *testing.T) {
	rr := NewReplyReader(strings.NewReader("xx\r\n"))
	_, err := rr.ReadReply()
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParsePASV(t *testing.T) {
	addr, err := ParsePASV("Entering Passive Mode (192,168,1,1,200,15).")
	if err != nil {
		t.Fatal(err)
	}
	if !addr.IP.Equal(net.IPv4(192, 168, 1, 1)) {
		t.Fatalf("got ip %v", addr.IP)
	}
	if addr.Port != 200*256+15 {
		t.Fatalf("got port %d", addr.Port)
	}
}

func TestParsePASV_BadTuple(t *testing.T) {
	_, err := ParsePASV("Entering Passive Mode (1,2,3)")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseEPSV(t *testing.T) {
	port, err := ParseEPSV("Entering Extended Passive Mode (|||31746|)")
	if err != nil {
		t.Fatal(err)
	}
	if port != 31746 {
		t.Fatalf("got port %d", port)
	}
}

func TestParseSPSV(t *testing.T) {
	id, err := ParseSPSV("Entering Single Port Passive Mode (abc123)")
	if err != nil {
		t.Fatal(err)
	}
	if id != "abc123" {
		t.Fatalf("got %q", id)
	}
}

func TestResolveDataChannel(t *testing.T) {
	controlHost := net.ParseIP("10.0.0.5")

	pasvReply := Reply{Code: 227, Lines: []string{"Entering Passive Mode (10,0,0,9,4,1)."}}
	dc, err := ResolveDataChannel("PASV", pasvReply, controlHost)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Mode != ModePASV || dc.Addr.Port != 4*256+1 {
		t.Fatalf("got %+v", dc)
	}

	epsvReply := Reply{Code: 229, Lines: []string{"Entering Extended Passive Mode (|||1025|)"}}
	dc, err = ResolveDataChannel("epsv", epsvReply, controlHost)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Mode != ModeEPSV || dc.Addr.Port != 1025 || !dc.Addr.IP.Equal(controlHost) {
		t.Fatalf("got %+v", dc)
	}

	spsvReply := Reply{Code: 227, Lines: []string{"(sess-42)"}}
	dc, err = ResolveDataChannel("SPSV", spsvReply, controlHost)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Mode != ModeSPSV || dc.Identifier != "sess-42" {
		t.Fatalf("got %+v", dc)
	}

	if _, err := ResolveDataChannel("PORT", pasvReply, controlHost); err == nil {
		t.Fatal("expected error for unsupported command")
	}
}
