// Package backend is the execution side of the frame protocol: it accepts
// the dashboard's single websocket channel and runs one PTY-backed shell
// per session, relaying output back as tagged data frames.
package backend

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// ShellSession is one live interactive shell.
type ShellSession interface {
	io.Writer // stdin
	// Stdout is the shell's output stream. It reaches EOF when the shell
	// exits.
	Stdout() io.Reader
	Resize(cols, rows int) error
	Close() error
}

// ShellFactory starts a shell of the given kind with an initial size.
type ShellFactory func(kind string, cols, rows int) (ShellSession, error)

// shellCommands maps the dashboard's shell kinds onto executables.
var shellCommands = map[string]string{
	"bash":       "/bin/bash",
	"powershell": "pwsh",
	"cmd":        "cmd.exe",
}

type sshShell struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
}

func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *sshShell) Stdout() io.Reader           { return s.stdout }

func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	return s.session.Close()
}

// SSHFactory drives shells over an established SSH connection, one SSH
// session with a PTY per terminal session.
func SSHFactory(client *ssh.Client) ShellFactory {
	return func(kind string, cols, rows int) (ShellSession, error) {
		cmd, ok := shellCommands[kind]
		if !ok {
			return nil, fmt.Errorf("unsupported shell kind %q", kind)
		}

		sess, err := client.NewSession()
		if err != nil {
			return nil, fmt.Errorf("create ssh session: %w", err)
		}

		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if cols <= 0 {
			cols = 80
		}
		if rows <= 0 {
			rows = 24
		}
		if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
			sess.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}

		stdin, err := sess.StdinPipe()
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := sess.StdoutPipe()
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}

		if err := sess.Start(cmd); err != nil {
			sess.Close()
			return nil, fmt.Errorf("start shell %q: %w", cmd, err)
		}

		return &sshShell{stdin: stdin, stdout: stdout, session: sess}, nil
	}
}

// DialSSH connects to the shell host for the in-process backend.
func DialSSH(addr, user, password string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.Password(password)},
		// The shell host is the local machine or a trusted dev box; host
		// key pinning is configured out of band.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}
