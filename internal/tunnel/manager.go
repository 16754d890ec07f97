// Package tunnel tracks the live listeners each host session has open for
// forwarding rules.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/util"
)

var (
	ErrNoSession     = errors.New("no active session for host")
	ErrPortBound     = errors.New("port already bound on this session")
	ErrBindCancelled = errors.New("bind cancelled by concurrent teardown")
)

// Session is a connected transport able to open listeners for rules.
type Session interface {
	Open(ctx context.Context, rule model.Rule) (Listener, error)
	// Done is closed when the session is gone.
	Done() <-chan struct{}
}

// Listener is one open forwarding socket.
type Listener interface {
	Close() error
	// Done is closed once the listener stopped accepting, for whatever reason.
	Done() <-chan struct{}
}

type binding struct {
	rule      model.Rule
	ln        Listener
	state     model.BindingState
	startedAt time.Time
}

// Manager owns the binding table. Sessions are owned by the caller; the
// manager only observes them.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]Session
	bindings map[model.BindKey]*binding
	onDrop   func(hostID int64)
}

// NewManager creates a manager with no sessions attached.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[int64]Session),
		bindings: make(map[model.BindKey]*binding),
	}
}

// SetDropHook registers fn to be called when a host loses bindings without an
// explicit Unbind: a listener closed underneath us or the session went away.
func (m *Manager) SetDropHook(fn func(hostID int64)) {
	m.mu.Lock()
	m.onDrop = fn
	m.mu.Unlock()
}

// Attach makes s the session for hostID, replacing (and detaching) any
// previous one.
func (m *Manager) Attach(hostID int64, s Session) {
	m.mu.Lock()
	prev, had := m.sessions[hostID]
	m.mu.Unlock()
	if had && prev != s {
		if err := m.Detach(hostID); err != nil {
			slog.Warn("failed to detach previous session", "host_id", hostID, "error", err)
		}
	}

	m.mu.Lock()
	m.sessions[hostID] = s
	m.mu.Unlock()
	go m.watchSession(hostID, s)
}

func (m *Manager) watchSession(hostID int64, s Session) {
	<-s.Done()
	m.mu.Lock()
	current := m.sessions[hostID]
	m.mu.Unlock()
	if current != s {
		return
	}
	slog.Info("session closed, releasing bindings", "host_id", hostID)
	if err := m.Detach(hostID); err != nil {
		slog.Debug("errors while releasing bindings", "host_id", hostID, "error", err)
	}
}

// Detach forgets the host's session and closes all of its listeners.
func (m *Manager) Detach(hostID int64) error {
	m.mu.Lock()
	_, had := m.sessions[hostID]
	delete(m.sessions, hostID)
	var closing []Listener
	for key, b := range m.bindings {
		if key.HostID != hostID {
			continue
		}
		delete(m.bindings, key)
		if b.ln != nil {
			closing = append(closing, b.ln)
		}
	}
	onDrop := m.onDrop
	m.mu.Unlock()

	var result *multierror.Error
	for _, ln := range closing {
		if err := closeListener(ln); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if (had || len(closing) > 0) && onDrop != nil {
		onDrop(hostID)
	}
	return result.ErrorOrNil()
}

// HasSession reports whether hostID currently has a live session.
func (m *Manager) HasSession(hostID int64) bool {
	m.mu.Lock()
	s, ok := m.sessions[hostID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}

// Bind opens the listener for rule on its host's session. It never touches
// storage. Open runs without the manager lock held; the key is reserved for
// the duration so a concurrent Bind of the same key fails fast.
func (m *Manager) Bind(ctx context.Context, rule model.Rule) error {
	key := rule.Key()

	m.mu.Lock()
	s, ok := m.sessions[rule.HostID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	if _, taken := m.bindings[key]; taken {
		m.mu.Unlock()
		return fmt.Errorf("%s port %d: %w", rule.Type, rule.SourcePort, ErrPortBound)
	}
	rule.Enabled = true
	b := &binding{rule: rule, state: model.BindingStarting, startedAt: time.Now()}
	m.bindings[key] = b
	m.mu.Unlock()

	ln, err := s.Open(ctx, rule)

	m.mu.Lock()
	if m.bindings[key] != b {
		m.mu.Unlock()
		if err == nil {
			_ = closeListener(ln)
		}
		return ErrBindCancelled
	}
	if err != nil {
		delete(m.bindings, key)
		m.mu.Unlock()
		return fmt.Errorf("open %s port %d: %w", rule.Type, rule.SourcePort, err)
	}
	b.ln = ln
	b.state = model.BindingUp
	b.startedAt = time.Now()
	m.mu.Unlock()

	go m.watchListener(key, b)
	return nil
}

func (m *Manager) watchListener(key model.BindKey, b *binding) {
	<-b.ln.Done()
	m.mu.Lock()
	dropped := m.bindings[key] == b
	if dropped {
		delete(m.bindings, key)
	}
	onDrop := m.onDrop
	m.mu.Unlock()
	if dropped {
		slog.Warn("listener closed outside of an unbind", "rule", b.rule.String(), "host_id", key.HostID)
		if onDrop != nil {
			onDrop(key.HostID)
		}
	}
}

// Unbind closes the listener held by rule. A missing binding, a binding held
// by a different rule, or one already being torn down is a no-op.
func (m *Manager) Unbind(ctx context.Context, rule model.Rule) error {
	key := rule.Key()
	m.mu.Lock()
	b, ok := m.bindings[key]
	if !ok || !b.rule.Same(rule) {
		m.mu.Unlock()
		return nil
	}
	delete(m.bindings, key)
	ln := b.ln
	m.mu.Unlock()

	// A nil listener means Open is still running; Bind closes it on return.
	if ln == nil {
		return nil
	}
	if err := closeListener(ln); err != nil {
		return fmt.Errorf("close %s port %d: %w", rule.Type, rule.SourcePort, err)
	}
	return nil
}

// Adopt relabels the live binding held by prev so that it is held by saved.
// Used once an unsaved rule that is already live gets its id.
func (m *Manager) Adopt(prev, saved model.Rule) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[prev.Key()]
	if !ok || !b.rule.Same(prev) || saved.Key() != prev.Key() {
		return false
	}
	saved.Enabled = true
	b.rule = saved
	return true
}

// Active lists the rules whose listeners are up on hostID, oldest first.
func (m *Manager) Active(hostID int64) []model.Rule {
	m.mu.Lock()
	var up []*binding
	for key, b := range m.bindings {
		if key.HostID == hostID && b.state == model.BindingUp {
			up = append(up, b)
		}
	}
	sort.Slice(up, func(i, j int) bool {
		if !up[i].startedAt.Equal(up[j].startedAt) {
			return up[i].startedAt.Before(up[j].startedAt)
		}
		return up[i].rule.Key().String() < up[j].rule.Key().String()
	})
	out := make([]model.Rule, 0, len(up))
	for _, b := range up {
		out = append(out, b.rule)
	}
	m.mu.Unlock()
	return out
}

// Close detaches every host.
func (m *Manager) Close() error {
	m.mu.Lock()
	hosts := make(map[int64]struct{}, len(m.sessions))
	for id := range m.sessions {
		hosts[id] = struct{}{}
	}
	for key := range m.bindings {
		hosts[key.HostID] = struct{}{}
	}
	m.mu.Unlock()

	var result *multierror.Error
	for id := range hosts {
		if err := m.Detach(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Snapshot returns every binding with uptime and, for listeners on this
// machine, a TCP probe latency. Probes run concurrently and are bounded by
// util.TunnelProbeTimeout.
func (m *Manager) Snapshot() []model.BindingRuntime {
	m.mu.Lock()
	out := make([]model.BindingRuntime, 0, len(m.bindings))
	for key, b := range m.bindings {
		rt := model.BindingRuntime{Rule: b.rule, Key: key.String(), State: b.state, StartedAt: b.startedAt}
		if !b.startedAt.IsZero() {
			rt.UptimeSec = int64(time.Since(b.startedAt).Seconds())
		}
		out = append(out, rt)
	}
	m.mu.Unlock()

	type probeResult struct {
		index     int
		latencyMS int64
		err       error
	}

	results := make(chan probeResult, len(out))
	expected := 0
	for i, rt := range out {
		if rt.State != model.BindingUp || rt.Rule.Type == model.TypeRemote {
			continue
		}
		expected++
		go func(idx int, addr string) {
			start := time.Now()
			conn, err := net.DialTimeout("tcp", addr, util.TunnelProbeTimeout)
			if err != nil {
				results <- probeResult{index: idx, err: err}
				return
			}
			_ = conn.Close()
			results <- probeResult{index: idx, latencyMS: time.Since(start).Milliseconds()}
		}(i, util.HostPort("", "127.0.0.1", rt.Rule.SourcePort))
	}

	timeout := time.After(util.TunnelProbeTimeout + 100*time.Millisecond)
	for collected := 0; collected < expected; collected++ {
		select {
		case r := <-results:
			if r.err != nil {
				slog.Debug("listener probe failed", "key", out[r.index].Key, "error", r.err)
				continue
			}
			out[r.index].LatencyMS = r.latencyMS
		case <-timeout:
			slog.Warn("listener probe timeout", "collected", collected, "expected", expected)
			return out
		}
	}
	return out
}

func closeListener(ln Listener) error {
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
