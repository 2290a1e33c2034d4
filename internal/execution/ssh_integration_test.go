//go:build integration

package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// These tests need a reachable sshd on loopback accepting the invoking
// user's agent or default key files.

var integrationLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

const sessionTimeout = 30 * time.Second

func dialLoopback(t *testing.T) Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()
	tr, err := Connect(ctx, Target{}, integrationLogger)
	if err != nil {
		t.Fatalf("failed to connect to loopback sshd: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestLoopbackEcho(t *testing.T) {
	tr := dialLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	path := fmt.Sprintf("/tmp/scriptctl_it_%d.sh", time.Now().UnixNano())
	script := []byte("#!/bin/bash\necho hi\n")
	if err := tr.Stage(ctx, path, script); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	proc, err := tr.Start(ctx, Command{Path: path, WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := io.ReadAll(proc.Output())
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	// The PTY delivers CRLF line endings.
	if !strings.Contains(string(out), "hi\r\n") {
		t.Fatalf("expected %q in output, got %q", "hi\r\n", out)
	}

	if err := tr.Remove(ctx, path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestLoopbackNonZeroExit(t *testing.T) {
	tr := dialLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	path := fmt.Sprintf("/tmp/scriptctl_it_%d.sh", time.Now().UnixNano())
	if err := tr.Stage(ctx, path, []byte("#!/bin/bash\nexit 5\n")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer tr.Remove(ctx, path)

	proc, err := tr.Start(ctx, Command{Path: path, WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	io.Copy(io.Discard, proc.Output())
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 5 {
		t.Fatalf("expected exit 5, got %d", code)
	}
}

func TestLoopbackInterruptStopsSleep(t *testing.T) {
	tr := dialLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	path := fmt.Sprintf("/tmp/scriptctl_it_%d.sh", time.Now().UnixNano())
	if err := tr.Stage(ctx, path, []byte("#!/bin/bash\nsleep 30\n")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer tr.Remove(ctx, path)

	proc, err := tr.Start(ctx, Command{Path: path, WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		time.Sleep(time.Second)
		proc.Interrupt()
	}()

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, proc.Output())
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		proc.Kill()
		t.Fatal("interrupt did not stop the sleeping script")
	}
}

func TestLoopbackStageRejectsUnwritablePath(t *testing.T) {
	tr := dialLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	err := tr.Stage(ctx, "/proc/scriptctl_denied.sh", []byte("true"))
	if err == nil {
		t.Fatal("expected staging to an unwritable path to fail")
	}
	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UploadError, got %T: %v", err, err)
	}
}
