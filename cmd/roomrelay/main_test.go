package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/roomrelay/internal/client"
	"github.com/postalsys/roomrelay/internal/config"
	"github.com/postalsys/roomrelay/internal/control"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/relay"
)

func testRunConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Dispatch.Workers = 2
	cfg.Dispatch.QueueSize = 16
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"
	cfg.Control.Enabled = true
	cfg.Control.SocketPath = filepath.Join(t.TempDir(), "roomrelay.sock")
	return cfg
}

func TestRunRelay(t *testing.T) {
	cfg := testRunConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startedCh := make(chan *relay.Server, 1)
	done := make(chan error, 1)
	go func() {
		done <- runRelay(ctx, cfg, logging.NopLogger(), func(srv *relay.Server) {
			startedCh <- srv
		})
	}()

	var srv *relay.Server
	select {
	case srv = <-startedCh:
	case err := <-done:
		t.Fatalf("runRelay returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay start")
	}

	// The default echo room is installed on every connection.
	c, err := client.Dial(ctx, srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Emit("echo", []byte("ping")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
	defer recvCancel()
	msg, err := c.Receive(recvCtx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg.Room != "echo" || string(msg.Payload) != "ping" {
		t.Errorf("reply = %s<>%s, want echo<>ping", msg.Room, msg.Payload)
	}

	// The control socket reports the same relay.
	cc := control.NewClient(cfg.Control.SocketPath)
	defer cc.Close()
	status, err := cc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Running || status.Peers != 1 {
		t.Errorf("status = %+v, want running with 1 peer", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runRelay() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	if srv.IsRunning() {
		t.Error("relay still running after shutdown")
	}
	if _, err := os.Stat(cfg.Control.SocketPath); !os.IsNotExist(err) {
		t.Error("control socket not removed after shutdown")
	}
}

func TestRunRelay_BindFailure(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	cfg := testRunConfig(t)
	cfg.Server.ListenAddress = pc.LocalAddr().String()

	err = runRelay(context.Background(), cfg, logging.NopLogger(), nil)
	if !errors.Is(err, relay.ErrBindFailure) {
		t.Fatalf("runRelay() error = %v, want ErrBindFailure", err)
	}
}

func TestLoadConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := loadConfig(missing, false)
	if err != nil {
		t.Fatalf("loadConfig(implicit) error = %v", err)
	}
	if cfg.Server.ListenAddress != config.Default().Server.ListenAddress {
		t.Errorf("ListenAddress = %q, want default", cfg.Server.ListenAddress)
	}

	if _, err := loadConfig(missing, true); err == nil {
		t.Error("loadConfig(explicit, missing) error = nil, want error")
	}
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		wantOut string
	}{
		{name: "version", args: []string{"--version"}, wantOut: Version},
		{name: "run too many args", args: []string{"run", "1", "2"}, wantErr: true},
		{name: "emit missing args", args: []string{"emit", "127.0.0.1:8888"}, wantErr: true},
		{name: "broadcast missing payload", args: []string{"broadcast", "news"}, wantErr: true},
		{name: "status no socket", args: []string{"status", "--socket", "/nonexistent/roomrelay.sock"}, wantErr: true},
		{name: "bench missing address", args: []string{"bench"}, wantErr: true},
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := newRootCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(tc.args)

			err := cmd.Execute()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantOut != "" && !strings.Contains(out.String(), tc.wantOut) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tc.wantOut)
			}
		})
	}
}

func TestEmitCommand(t *testing.T) {
	cfg := testRunConfig(t)
	cfg.Health.Enabled = false
	cfg.Control.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	startedCh := make(chan *relay.Server, 1)
	done := make(chan error, 1)
	go func() {
		done <- runRelay(ctx, cfg, logging.NopLogger(), func(srv *relay.Server) {
			startedCh <- srv
		})
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}()

	var srv *relay.Server
	select {
	case srv = <-startedCh:
	case err := <-done:
		t.Fatalf("runRelay returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay start")
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"emit", "--wait", "--timeout", "2s", srv.LocalAddr().String(), "echo", "hello"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("emit error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "echo<>hello" {
		t.Errorf("emit output = %q, want echo<>hello", got)
	}

	bench := newRootCmd()
	out.Reset()
	bench.SetOut(&out)
	bench.SetArgs([]string{"bench", "--clients", "2", "--duration", "200ms", srv.LocalAddr().String()})
	if err := bench.Execute(); err != nil {
		t.Fatalf("bench error = %v", err)
	}
	if !strings.Contains(out.String(), "Received:") {
		t.Errorf("bench output = %q, want a report", out.String())
	}
}
