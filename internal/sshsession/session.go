// Package sshsession opens forwarding listeners over an SSH client
// connection.
package sshsession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/tunnel"
	"github.com/treykane/fwdctl/internal/util"
)

// transport is the part of *ssh.Client a session needs.
type transport interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Listen(network, addr string) (net.Listener, error)
}

// Session implements tunnel.Session on top of one SSH connection.
type Session struct {
	t        transport
	bindAddr string
	done     chan struct{}
	closer   func() error
	once     sync.Once
}

var _ tunnel.Session = (*Session)(nil)

// New wraps an established client. bindAddr is the local address listeners
// for local and dynamic rules bind to.
func New(client *ssh.Client, bindAddr string) *Session {
	s := newSession(client, bindAddr, client.Close)
	go func() {
		_ = client.Wait()
		s.markDone()
	}()
	return s
}

func newSession(t transport, bindAddr string, closer func() error) *Session {
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	return &Session{t: t, bindAddr: bindAddr, done: make(chan struct{}), closer: closer}
}

func (s *Session) markDone() { s.once.Do(func() { close(s.done) }) }

// Done is closed when the SSH connection ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears down the SSH connection.
func (s *Session) Close() error {
	defer s.markDone()
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// DialOptions configures Dial.
type DialOptions struct {
	User           string
	IdentityFile   string
	KnownHostsFile string
	Timeout        time.Duration
	BindAddr       string
}

// Dial connects to addr and returns a ready session. Host keys are always
// verified against the known_hosts file.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Session, error) {
	if opts.User == "" {
		return nil, errors.New("ssh user is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = util.DefaultConnectTimeout
	}

	hostKeyCallback, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", opts.KnownHostsFile, err)
	}
	config := &ssh.ClientConfig{
		User:            opts.User,
		Timeout:         opts.Timeout,
		HostKeyCallback: hostKeyCallback,
	}
	if opts.IdentityFile != "" {
		auth, err := keyAuth(opts.IdentityFile)
		if err != nil {
			return nil, err
		}
		config.Auth = append(config.Auth, auth)
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = util.HostPort(addr, "", 22)
	}
	dialer := &net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return New(ssh.NewClient(clientConn, chans, reqs), opts.BindAddr), nil
}

func keyAuth(path string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// Open starts the listener for rule.
func (s *Session) Open(ctx context.Context, rule model.Rule) (tunnel.Listener, error) {
	select {
	case <-s.done:
		return nil, errors.New("ssh session closed")
	default:
	}
	switch rule.Type {
	case model.TypeLocal:
		return s.openLocal(rule)
	case model.TypeRemote:
		return s.openRemote(rule)
	case model.TypeDynamic:
		return s.openDynamic(rule)
	}
	return nil, fmt.Errorf("%w: %q", model.ErrInvalidType, rule.Type)
}
