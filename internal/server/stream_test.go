package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relayfleet/relayfleet/internal/tasknotes"
)

func TestTcpStream_RelaysToUpstream(t *testing.T) {
	ln := echoListener(t)
	defer ln.Close()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fqScanPort(portStr, &port)

	s := &TcpStream{Escaper: directEscaper(), Upstream: TaskTarget{Host: host, Port: uint16(port)}}

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		notes := tasknotes.New("client", "")
		done <- s.Serve(context.Background(), server, notes)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("ping!"))
	buf := make([]byte, 5)
	if _, err := readFull(client, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping!" {
		t.Fatalf("got %q", buf)
	}
	client.Close()
	<-done
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestPortString(t *testing.T) {
	if portString(8080) != "8080" {
		t.Fatalf("got %q", portString(8080))
	}
}
