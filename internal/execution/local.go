package execution

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/creack/pty"
)

// Local transport running the staged-script contract directly on this
// machine through a PTY, without SSH. Selected for the literal host name
// "local"; an empty host still goes through the loopback SSH pipeline.
type localTransport struct{}

// NewLocalTransport returns a transport that executes on the local machine.
func NewLocalTransport() Transport {
	return &localTransport{}
}

func (c *localTransport) Stage(ctx context.Context, path string, script []byte) error {
	if err := os.WriteFile(path, script, 0o700); err != nil {
		return &UploadError{Path: path, Err: err}
	}
	return nil
}

func (c *localTransport) Start(ctx context.Context, cmd Command) (Process, error) {
	bash := exec.Command("bash", "-l", cmd.Path)
	bash.Dir = cmd.WorkDir
	bash.Env = append(os.Environ(), envList(cmd.Env)...)

	ptmx, err := pty.Start(bash)
	if err != nil {
		return nil, err
	}
	if os.Stdout != nil {
		_ = pty.InheritSize(os.Stdout, ptmx)
	}
	return &localProcess{cmd: bash, ptmx: ptmx}, nil
}

func (c *localTransport) Remove(ctx context.Context, path string) error {
	return os.Remove(path)
}

func (c *localTransport) Close() error {
	return nil
}

type localProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *localProcess) Output() io.Reader { return ptyReader{p.ptmx} }

func (p *localProcess) Interrupt() error {
	// ETX through the PTY reaches the foreground process group; SIGTERM to
	// the session leader covers scripts that put the terminal in raw mode.
	_, err := p.ptmx.Write([]byte{0x03})
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	return err
}

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	defer p.ptmx.Close()
	if err == nil {
		return 0, nil
	}
	if exitError, ok := err.(*exec.ExitError); ok {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

func (p *localProcess) Kill() error {
	var err error
	if p.cmd.Process != nil {
		err = p.cmd.Process.Kill()
	}
	p.ptmx.Close()
	return err
}

// ptyReader masks the EIO a PTY master returns once the child side closes,
// turning it into a clean EOF for the copy loop.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		return n, io.EOF
	}
	return n, err
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
