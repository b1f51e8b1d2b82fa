package server

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestPlainTcpPort_AcceptsConnections(t *testing.T) {
	got := make(chan struct{}, 1)
	handler := func(ctx context.Context, conn net.Conn, info ClientConnectionInfo) {
		defer conn.Close()
		got <- struct{}{}
	}
	p, err := NewPlainTcpPort("127.0.0.1:0", 2, handler)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	go p.RunAllInstances(context.Background())

	conn, err := net.Dial("tcp", p.Listener.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestReloadableListener_SetHandlerSwapsDispatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	first := make(chan struct{}, 1)
	rl := NewReloadableListener(ln, 2, func(ctx context.Context, conn net.Conn, info ClientConnectionInfo) {
		conn.Close()
		first <- struct{}{}
	})
	defer rl.Close()
	go rl.RunAllInstances(context.Background())

	conn1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn1.Close()
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("initial handler not invoked")
	}

	second := make(chan struct{}, 1)
	rl.SetHandler(func(ctx context.Context, conn net.Conn, info ClientConnectionInfo) {
		conn.Close()
		second <- struct{}{}
	})

	conn2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn2.Close()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("swapped handler not invoked")
	}
}

func TestPlainQuicPort_RelaysDatagrams(t *testing.T) {
	upstream, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstream.Close()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := upstream.ReadFrom(buf)
			if err != nil {
				return
			}
			reply := append([]byte("echo:"), buf[:n]...)
			upstream.WriteTo(reply, addr)
		}
	}()

	host, portStr, _ := net.SplitHostPort(upstream.LocalAddr().String())
	var port int
	fqScanPort(portStr, &port)

	qp, err := NewPlainQuicPort("127.0.0.1:0", directEscaper(), TaskTarget{Host: host, Port: uint16(port)})
	if err != nil {
		t.Fatal(err)
	}
	defer qp.Close()
	go qp.Serve(context.Background())

	client, err := net.Dial("udp", qp.PacketConn().LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.Write([]byte("hello"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("echo:hello")) {
		t.Fatalf("got %q", buf[:n])
	}
}
