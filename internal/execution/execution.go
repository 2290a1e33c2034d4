package execution

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Target identifies the machine a script runs on.
type Target struct {
	Host string // empty means loopback
	Port int    // 0 means 22
	User string // empty means the invoking OS user
}

// Command describes a staged script invocation.
type Command struct {
	Path    string // staged script path on the target
	WorkDir string // initial working directory
	Env     map[string]string
}

// Transport is one authenticated session with a target machine. A transport
// belongs to exactly one execution and is never shared or pooled.
type Transport interface {
	// Stage writes the script bytes to path, executable by the owner only.
	Stage(ctx context.Context, path string, script []byte) error
	// Start launches the staged script through a PTY and returns the running
	// process. Output is the PTY stream, so stdout and stderr arrive combined.
	Start(ctx context.Context, cmd Command) (Process, error)
	// Remove deletes the staged file. Best effort.
	Remove(ctx context.Context, path string) error
	Close() error
}

// Process is a started command on a transport.
type Process interface {
	// Output streams combined stdout+stderr until the process exits.
	Output() io.Reader
	// Interrupt asks the remote process group to stop. It may be ignored.
	Interrupt() error
	// Wait blocks until the process exits and returns its exit code. A
	// non-nil error means the session ended abnormally (connection lost,
	// channel torn down), not that the script exited non-zero.
	Wait() (int, error)
	// Kill tears the session down without waiting for the process.
	Kill() error
}

// ConnectError reports a failed dial or protocol handshake.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports that every credential candidate was rejected.
type AuthError struct {
	User  string
	Addr  string
	Tried []string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh authentication exhausted for %s@%s (tried: %s)",
		e.User, e.Addr, strings.Join(e.Tried, ", "))
}

// UploadError reports a failed script staging write.
type UploadError struct {
	Path string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// shellQuote wraps s in single quotes, escaping embedded ones.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildShellCommand renders a Command as a single shell line: exported
// environment, cd into the working directory, then a login shell on the
// staged script so the user's profile files are sourced. bash -l skips
// profile files it cannot read, so a missing one is not an error.
func buildShellCommand(cmd Command) string {
	var b strings.Builder
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(cmd.Env[k]))
	}
	fmt.Fprintf(&b, "cd %s && bash -l %s", shellQuote(cmd.WorkDir), shellQuote(cmd.Path))
	return b.String()
}
