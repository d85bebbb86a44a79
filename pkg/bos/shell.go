// Package bos runs commands on Braiins OS+ devices over SSH: reading and
// writing /etc/bosminer.toml and driving the fault light.
package bos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/powerhive/minerfleet/pkg/miner"
)

const (
	// DefaultUser is the stock Braiins OS+ login.
	DefaultUser = "root"

	// ConfigPath is the bosminer configuration file.
	ConfigPath = "/etc/bosminer.toml"
)

// Runner executes one remote command, feeding stdin when non-nil.
// A non-zero exit status is returned as *ExitError.
type Runner interface {
	Run(ctx context.Context, addr netip.Addr, cmd string, stdin []byte) (string, error)
}

// ExitError is a remote command that ran and exited non-zero.
type ExitError struct {
	Command string
	Status  int
	Output  string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out != "" {
		return fmt.Sprintf("%q exited with status %d: %s", e.Command, e.Status, out)
	}
	return fmt.Sprintf("%q exited with status %d", e.Command, e.Status)
}

// SSH is a Runner over golang.org/x/crypto/ssh with password auth.
type SSH struct {
	user     string
	password string
	port     int
	timeout  time.Duration
}

// Option configures an SSH runner.
type Option func(*SSH)

// WithCredentials sets the login.
func WithCredentials(user, password string) Option {
	return func(s *SSH) {
		s.user = user
		s.password = password
	}
}

// WithPort sets the SSH port.
func WithPort(port int) Option {
	return func(s *SSH) {
		s.port = port
	}
}

// WithTimeout sets the connect timeout used when the context has no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(s *SSH) {
		s.timeout = timeout
	}
}

// NewSSH creates an SSH runner. Braiins OS+ ships with an empty root password.
func NewSSH(opts ...Option) *SSH {
	s := &SSH{
		user:    DefaultUser,
		port:    22,
		timeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run connects, runs cmd and disconnects.
// Connection failures are miner.ErrUnreachable.
func (s *SSH) Run(ctx context.Context, addr netip.Addr, cmd string, stdin []byte) (string, error) {
	client, err := s.connect(ctx, addr)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: failed to create session: %w", miner.ErrUnreachable, err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err := <-done:
		if err == nil {
			return output.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return output.String(), &ExitError{Command: cmd, Status: exitErr.ExitStatus(), Output: output.String()}
		}
		return "", fmt.Errorf("%w: command failed: %w", miner.ErrUnreachable, err)
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("%w: %w", miner.ErrUnreachable, ctx.Err())
	}
}

func (s *SSH) connect(ctx context.Context, addr netip.Addr) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User: s.user,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.password),
			// Stock images accept an empty keyboard-interactive login.
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = s.password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.timeout,
	}

	address := net.JoinHostPort(addr.String(), strconv.Itoa(s.port))

	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial: %w", miner.ErrUnreachable, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to establish SSH connection: %w", miner.ErrUnreachable, err)
	}

	// Handshake done; the session is bounded by ctx from here on.
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Shell is the set of Braiins OS+ operations the driver needs.
type Shell struct {
	runner Runner
}

// NewShell wraps a Runner.
func NewShell(runner Runner) *Shell {
	return &Shell{runner: runner}
}

// ReadConfig returns the raw contents of the bosminer config file.
func (sh *Shell) ReadConfig(ctx context.Context, addr netip.Addr) ([]byte, error) {
	out, err := sh.runner.Run(ctx, addr, "cat "+ConfigPath, nil)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %v", miner.ErrProtocol, exitErr)
		}
		return nil, err
	}
	return []byte(out), nil
}

// WriteConfig replaces the bosminer config file and reloads bosminer.
// A non-zero exit is the device refusing the config.
func (sh *Shell) WriteConfig(ctx context.Context, addr netip.Addr, data []byte) error {
	cmd := "cat > " + ConfigPath + " && /etc/init.d/bosminer reload"
	if _, err := sh.runner.Run(ctx, addr, cmd, data); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %v", miner.ErrRejected, exitErr)
		}
		return err
	}
	return nil
}

// SetFaultLight turns the fault LED on or off.
func (sh *Shell) SetFaultLight(ctx context.Context, addr netip.Addr, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	if _, err := sh.runner.Run(ctx, addr, "miner fault_light "+state, nil); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %v", miner.ErrProtocol, exitErr)
		}
		return err
	}
	return nil
}
