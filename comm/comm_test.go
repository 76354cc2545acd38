package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/synchlab/labctl/comm"
)

// tcpEchoServer accepts connections on a free port and copies input to
// output, returning the address it listens on.
func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvRoundTrip(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr)
	if err := rd.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("PING"))
	if err != nil {
		t.Fatalf("send/recv failed: %v", err)
	}
	if string(resp) != "PING" {
		t.Errorf("expected PING back, got %q", resp)
	}
}

func TestCustomTerminators(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.RemoteDevice{Addr: addr, Tx: '\n', Rx: '\n', Timeout: time.Second}
	if err := rd.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("MOVE 1 2.5"))
	if err != nil {
		t.Fatalf("send/recv failed: %v", err)
	}
	if string(resp) != "MOVE 1 2.5" {
		t.Errorf("expected echo, got %q", resp)
	}
}

func TestSendBeforeOpenErrors(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1")
	if err := rd.Send([]byte("x")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := rd.Recv(); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSerialWithoutConfErrors(t *testing.T) {
	rd := comm.RemoteDevice{Addr: "/dev/ttyS0", IsSerial: true}
	if err := rd.Open(); err == nil {
		t.Error("expected an error opening serial device without a config")
	}
}
