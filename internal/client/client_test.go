package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/postalsys/roomrelay/internal/frame"
)

// listenLoopback starts a bare UDP socket standing in for a relay.
func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClient_EmitAndReceive(t *testing.T) {
	relay := listenLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, relay.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Emit("chat", []byte("hello")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, from, err := relay.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("relay read error = %v", err)
	}
	if got := string(buf[:n]); got != "chat<>hello" {
		t.Errorf("relay received %q, want %q", got, "chat<>hello")
	}

	if _, err := relay.WriteToUDP([]byte("echo<>hello back"), from); err != nil {
		t.Fatalf("relay write error = %v", err)
	}

	msg, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg.Room != "echo" || string(msg.Payload) != "hello back" {
		t.Errorf("Receive() = %v, want echo/hello back", msg)
	}
}

func TestClient_EmitInvalid(t *testing.T) {
	relay := listenLoopback(t)

	c, err := Dial(context.Background(), relay.LocalAddr().String(),
		WithCodec(frame.Codec{MaxDatagramSize: 16}))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Emit("a<>b", nil); !errors.Is(err, frame.ErrInvalidRoomName) {
		t.Errorf("Emit(bad room) error = %v, want ErrInvalidRoomName", err)
	}
	if err := c.Emit("room", make([]byte, 16)); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Errorf("Emit(oversize) error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestClient_ReceiveTimeout(t *testing.T) {
	relay := listenLoopback(t)

	c, err := Dial(context.Background(), relay.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want DeadlineExceeded", err)
	}
}

func TestClient_ReceiveCancel(t *testing.T) {
	relay := listenLoopback(t)

	c, err := Dial(context.Background(), relay.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := c.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive() error = %v, want Canceled", err)
	}
}

func TestClient_ReceiveMalformed(t *testing.T) {
	relay := listenLoopback(t)

	c, err := Dial(context.Background(), relay.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Emit("r", nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, from, err := relay.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("relay read error = %v", err)
	}
	relay.WriteToUDP([]byte("no delimiter"), from)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Receive(ctx); !errors.Is(err, frame.ErrMalformedMessage) {
		t.Errorf("Receive() error = %v, want ErrMalformedMessage", err)
	}
}

func TestClient_Closed(t *testing.T) {
	relay := listenLoopback(t)

	c, err := Dial(context.Background(), relay.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	c.Close()

	if err := c.Emit("r", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Emit() after Close error = %v, want ErrClosed", err)
	}
	if _, err := c.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() after Close error = %v, want ErrClosed", err)
	}
}

func TestDial_BadAddress(t *testing.T) {
	if _, err := Dial(context.Background(), "not an address"); err == nil {
		t.Error("Dial() with a bad address should fail")
	}
}
