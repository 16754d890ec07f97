package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/things-go/go-socks5"

	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/tunnel"
	"github.com/treykane/fwdctl/internal/util"
)

// forwarder is a tunnel.Listener around a net.Listener and the goroutine
// serving it. Connections accepted through ln are tracked so Close ends them
// along with the listener.
type forwarder struct {
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

func newForwarder(ln net.Listener) *forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	f := &forwarder{ctx: ctx, cancel: cancel, done: make(chan struct{}), conns: make(map[*trackedConn]struct{})}
	f.ln = &trackingListener{Listener: ln, f: f}
	return f
}

func (f *forwarder) Close() error {
	f.once.Do(func() {
		f.cancel()
		f.err = f.ln.Close()

		f.mu.Lock()
		conns := make([]*trackedConn, 0, len(f.conns))
		for c := range f.conns {
			conns = append(conns, c)
		}
		f.conns = nil
		f.mu.Unlock()
		for _, c := range conns {
			_ = c.Conn.Close()
		}
	})
	return f.err
}

// track registers c, or reports false once the forwarder is closed.
func (f *forwarder) track(c *trackedConn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns == nil {
		return false
	}
	f.conns[c] = struct{}{}
	return true
}

func (f *forwarder) untrack(c *trackedConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, c)
}

func (f *forwarder) openConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type trackingListener struct {
	net.Listener
	f *forwarder
}

func (l *trackingListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		tc := &trackedConn{Conn: c, f: l.f}
		if l.f.track(tc) {
			return tc, nil
		}
		_ = c.Close()
	}
}

type trackedConn struct {
	net.Conn
	f    *forwarder
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.f.untrack(c) })
	return c.Conn.Close()
}

func (f *forwarder) Done() <-chan struct{} { return f.done }

// serve runs accept until the listener fails, handing each connection to
// handle on its own goroutine.
func (f *forwarder) serve(rule model.Rule, handle func(ctx context.Context, c net.Conn)) {
	defer close(f.done)
	defer f.cancel()
	for {
		c, err := f.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && f.ctx.Err() == nil {
				slog.Warn("forward listener stopped", "rule", rule.String(), "error", err)
			}
			return
		}
		go handle(f.ctx, c)
	}
}

func (s *Session) openLocal(rule model.Rule) (tunnel.Listener, error) {
	ln, err := net.Listen("tcp", util.HostPort(s.bindAddr, "127.0.0.1", rule.SourcePort))
	if err != nil {
		return nil, err
	}
	f := newForwarder(ln)
	dest := rule.Dest()
	go f.serve(rule, func(ctx context.Context, c net.Conn) {
		remote, err := s.t.DialContext(ctx, "tcp", dest)
		if err != nil {
			slog.Debug("remote dial failed", "rule", rule.String(), "dest", dest, "error", err)
			_ = c.Close()
			return
		}
		pipe(c, remote)
	})
	return f, nil
}

func (s *Session) openRemote(rule model.Rule) (tunnel.Listener, error) {
	ln, err := s.t.Listen("tcp", util.HostPort("", "127.0.0.1", rule.SourcePort))
	if err != nil {
		return nil, fmt.Errorf("remote listen: %w", err)
	}
	f := newForwarder(ln)
	dest := rule.Dest()
	go f.serve(rule, func(ctx context.Context, c net.Conn) {
		var d net.Dialer
		local, err := d.DialContext(ctx, "tcp", dest)
		if err != nil {
			slog.Debug("local dial failed", "rule", rule.String(), "dest", dest, "error", err)
			_ = c.Close()
			return
		}
		pipe(c, local)
	})
	return f, nil
}

func (s *Session) openDynamic(rule model.Rule) (tunnel.Listener, error) {
	ln, err := net.Listen("tcp", util.HostPort(s.bindAddr, "127.0.0.1", rule.SourcePort))
	if err != nil {
		return nil, err
	}
	f := newForwarder(ln)
	server := socks5.NewServer(
		socks5.WithDial(s.t.DialContext),
		socks5.WithResolver(remoteResolver{}),
		socks5.WithLogger(socksLogger{rule: rule.String()}),
	)
	go func() {
		defer close(f.done)
		defer f.cancel()
		if err := server.Serve(f.ln); err != nil && !errors.Is(err, net.ErrClosed) && f.ctx.Err() == nil {
			slog.Warn("socks listener stopped", "rule", rule.String(), "error", err)
		}
	}()
	return f, nil
}

// remoteResolver leaves names unresolved so the SSH server resolves them.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

type socksLogger struct{ rule string }

func (l socksLogger) Errorf(format string, args ...interface{}) {
	slog.Debug("socks: "+fmt.Sprintf(format, args...), "rule", l.rule)
}

// pipe copies in both directions and closes both ends once either side is done.
func pipe(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		once.Do(closeBoth)
	}()
	wg.Wait()
}
