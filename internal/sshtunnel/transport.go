package sshtunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jomxxx/mcwdserver2/internal/config"
)

// dialTimeout bounds the TCP dial when the caller's context has no deadline.
var dialTimeout = 30 * time.Second

// Session is an established SSH connection that can open channels to hosts
// reachable from the SSH server. *ssh.Client satisfies it.
type Session interface {
	Dial(network, addr string) (net.Conn, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// Transport opens SSH sessions. The context bounds connection establishment
// only; the returned session outlives it.
type Transport interface {
	Connect(ctx context.Context, cfg config.SSHSettings) (Session, error)
}

// SSHTransport dials the SSH server over TCP.
type SSHTransport struct {
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHTransport verifies host keys against knownHostsPath. An empty path
// accepts any host key.
func NewSSHTransport(knownHostsPath string) (*SSHTransport, error) {
	if knownHostsPath == "" {
		return &SSHTransport{HostKeyCallback: ssh.InsecureIgnoreHostKey()}, nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
	}
	return &SSHTransport{HostKeyCallback: cb}, nil
}

// Connect dials cfg.Host:cfg.Port and performs the SSH handshake. A deadline
// or cancellation on ctx aborts the handshake as well as the dial.
func (t *SSHTransport) Connect(ctx context.Context, cfg config.SSHSettings) (Session, error) {
	hostKeyCallback := t.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Password),
			ssh.KeyboardInteractive(passwordChallenge(cfg.Password)),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Expiring the deadline unblocks the handshake once ctx is done.
	stop := context.AfterFunc(ctx, func() {
		netConn.SetDeadline(time.Now())
	})

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	stopped := stop()
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if !stopped {
		// ctx ended right after the handshake; the deadline is already poisoned.
		sshConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// passwordChallenge answers every keyboard-interactive prompt with the
// password, which is what PAM-backed servers ask for.
func passwordChallenge(password string) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}
