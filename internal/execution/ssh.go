package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"
)

const (
	DefaultSSHPort = 22

	handshakeTimeout = 15 * time.Second
)

// defaultKeyFiles are the conventional private key names probed under
// ~/.ssh, in order, when no agent key works.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"}

type sshTransport struct {
	client    *ssh.Client
	agentConn net.Conn
	target    Target
	logger    *slog.Logger
}

// Addr returns the dialable host:port for the target, applying the loopback
// and port defaults.
func (t Target) Addr() string {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Username returns the remote user, defaulting to the invoking OS user.
func (t Target) Username() string {
	if t.User != "" {
		return t.User
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// Connect dials the target and authenticates. Credential candidates are
// tried in a fixed order: the ambient SSH agent first, then the conventional
// key files under ~/.ssh. Password authentication is never attempted.
func Connect(ctx context.Context, target Target, logger *slog.Logger) (Transport, error) {
	addr := target.Addr()
	username := target.Username()

	dialer := net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	methods, tried, agentConn := authCandidates(logger)
	if len(methods) == 0 {
		conn.Close()
		return nil, &AuthError{User: username, Addr: addr, Tried: tried}
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         handshakeTimeout,
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if agentConn != nil {
			agentConn.Close()
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthError{User: username, Addr: addr, Tried: tried}
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	logger.Debug("ssh connection established", "addr", addr, "user", username)
	return &sshTransport{
		client:    ssh.NewClient(cc, chans, reqs),
		agentConn: agentConn,
		target:    target,
		logger:    logger,
	}, nil
}

// authCandidates assembles the ordered credential list. The returned names
// describe every candidate location that was probed, so an exhausted
// authentication can report what was tried. The agent connection, if any,
// must stay open until the handshake finishes.
func authCandidates(logger *slog.Logger) ([]ssh.AuthMethod, []string, net.Conn) {
	var methods []ssh.AuthMethod
	var tried []string
	var agentConn net.Conn

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logger.Debug("ssh agent unreachable", "sock", sock, "err", err)
			tried = append(tried, "agent (unreachable)")
		} else {
			ag := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
			tried = append(tried, "agent")
			agentConn = conn
		}
	} else {
		tried = append(tried, "agent (SSH_AUTH_SOCK unset)")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return methods, tried, agentConn
	}
	for _, name := range defaultKeyFiles {
		path := filepath.Join(home, ".ssh", name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			// Encrypted or malformed keys are skipped, not prompted for.
			logger.Debug("skipping unparseable key", "path", path, "err", err)
			tried = append(tried, path+" (unreadable)")
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
		tried = append(tried, path)
	}
	return methods, tried, agentConn
}

func (c *sshTransport) Stage(ctx context.Context, path string, script []byte) error {
	client, err := scp.NewClientBySSH(c.client)
	if err != nil {
		return &UploadError{Path: path, Err: err}
	}
	if err := client.CopyFile(ctx, bytes.NewReader(script), path, "0700"); err != nil {
		return &UploadError{Path: path, Err: err}
	}
	return nil
}

func (c *sshTransport) Start(ctx context.Context, cmd Command) (Process, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, errors.New("error creating new session: " + err.Error())
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	width, height := termSize()
	if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
		session.Close()
		return nil, errors.New("error requesting PTY: " + err.Error())
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	if err := session.Start(buildShellCommand(cmd)); err != nil {
		session.Close()
		return nil, err
	}

	return &sshProcess{session: session, stdin: stdin, stdout: stdout}, nil
}

func (c *sshTransport) Remove(ctx context.Context, path string) error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		done <- session.Run("rm -f " + shellQuote(path))
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *sshTransport) Close() error {
	if c.agentConn != nil {
		c.agentConn.Close()
	}
	return c.client.Close()
}

type sshProcess struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (p *sshProcess) Output() io.Reader { return p.stdout }

// Interrupt writes ETX down the PTY so the line discipline delivers SIGINT
// to the foreground process group, and additionally requests SIGTERM on the
// channel for servers that honor signal requests.
func (p *sshProcess) Interrupt() error {
	_, err := p.stdin.Write([]byte{0x03})
	_ = p.session.Signal(ssh.SIGTERM)
	return err
}

func (p *sshProcess) Wait() (int, error) {
	err := p.session.Wait()
	if err == nil {
		return 0, nil
	}
	if exitError, ok := err.(*ssh.ExitError); ok {
		return exitError.ExitStatus(), nil
	}
	return -1, err
}

func (p *sshProcess) Kill() error {
	return p.session.Close()
}

// termSize returns the local terminal size, so the remote PTY matches what
// the user is looking at.
func termSize() (width, height int) {
	width, height = 80, 40
	if os.Stdout != nil {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				return w, h
			}
		}
	}
	return width, height
}
