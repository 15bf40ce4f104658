package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions configures the SSH transport.
type SSHOptions struct {
	Port           int           // default 22; ignored when the address carries a port
	DialTimeout    time.Duration // TCP connect + handshake
	KnownHostsFile string        // empty disables host key verification
}

// SSHTransport opens one SSH client connection per session and runs each
// command on its own exec channel over that connection.
type SSHTransport struct {
	port        string
	dialTimeout time.Duration
	hostKeys    ssh.HostKeyCallback
}

// NewSSHTransport creates an SSH transport.
func NewSSHTransport(opts SSHOptions) (*SSHTransport, error) {
	port := opts.Port
	if port == 0 {
		port = 22
	}
	t := &SSHTransport{
		port:        strconv.Itoa(port),
		dialTimeout: opts.DialTimeout,
		// Lab devices are commonly re-imaged; verification is opt-in via known_hosts.
		hostKeys: ssh.InsecureIgnoreHostKey(),
	}
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts %s: %w", opts.KnownHostsFile, err)
		}
		t.hostKeys = cb
	}
	return t, nil
}

// Dial connects and authenticates to target.
func (t *SSHTransport) Dial(ctx context.Context, target Target) (Conn, error) {
	config := &ssh.ClientConfig{
		User: target.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = target.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: t.hostKeys,
		Timeout:         t.dialTimeout,
	}

	addr := hostPort(target.Address, t.port)
	dialer := net.Dialer{Timeout: t.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	if t.dialTimeout > 0 {
		nc.SetDeadline(time.Now().Add(t.dialTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	nc.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
}

// Run executes cmd on a fresh exec channel and returns its combined output.
// A non-zero exit status is the device rejecting the command; its output is
// still the captured result.
func (c *sshConn) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	output, err := session.CombinedOutput(cmd)
	if ctx.Err() != nil {
		return string(output), ctx.Err()
	}
	var exitErr *ssh.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return string(output), fmt.Errorf("SSH exec '%s': %w", cmd, err)
	}
	return string(output), nil
}

// Alive sends a keepalive request; any reply, even a refusal, proves the
// connection is up.
func (c *sshConn) Alive() bool {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
