package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treykane/fwdctl/internal/events"
	"github.com/treykane/fwdctl/internal/model"
)

var (
	errNoSession = errors.New("fake: no session")
	errPortBound = errors.New("fake: port bound")
	errDiskFull  = errors.New("fake: disk full")
)

type fakeStore struct {
	mu       sync.Mutex
	rules    []model.Rule
	nextID   int64
	failSave error
	// onSave sees every successful save, in order.
	onSave func(model.Rule)
}

func newFakeStore() *fakeStore { return &fakeStore{nextID: 1} }

func (s *fakeStore) LoadForHost(ctx context.Context, hostID int64) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Rule
	for _, r := range s.rules {
		if r.HostID == hostID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) Save(ctx context.Context, rule model.Rule) (model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.Enabled = false
	if s.failSave != nil {
		return rule, s.failSave
	}
	if !rule.Persisted() {
		rule.ID = s.nextID
		s.nextID++
		s.rules = append(s.rules, rule)
		s.saved(rule)
		return rule, nil
	}
	for i, r := range s.rules {
		if r.ID == rule.ID && r.HostID == rule.HostID {
			s.rules[i] = rule
			s.saved(rule)
			return rule, nil
		}
	}
	return rule, fmt.Errorf("fake: rule %d missing", rule.ID)
}

func (s *fakeStore) saved(rule model.Rule) {
	if s.onSave != nil {
		s.onSave(rule)
	}
}

func (s *fakeStore) Delete(ctx context.Context, rule model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if rule.Persisted() && r.ID == rule.ID {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return nil
}

// seed stores rules directly, bypassing the coordinator.
func (s *fakeStore) seed(t *testing.T, hostID int64, fields ...model.Fields) []model.Rule {
	t.Helper()
	var out []model.Rule
	for _, f := range fields {
		r, err := model.NewRule(hostID, f)
		require.NoError(t, err)
		r, err = s.Save(context.Background(), r)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func (s *fakeStore) get(id int64) (model.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return model.Rule{}, false
}

// fakeLive records every bind and unbind in call order, with the time each
// call landed.
type fakeLive struct {
	mu        sync.Mutex
	sessions  map[int64]bool
	bound     []model.Rule
	failPorts map[int]error
	gates     map[int]chan struct{}
	waiting   map[int]bool
	log       []string
	stamps    []time.Time
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		sessions:  make(map[int64]bool),
		failPorts: make(map[int]error),
		gates:     make(map[int]chan struct{}),
		waiting:   make(map[int]bool),
	}
}

// note appends to the call log. Caller holds l.mu.
func (l *fakeLive) note(format string, args ...any) {
	l.log = append(l.log, fmt.Sprintf(format, args...))
	l.stamps = append(l.stamps, time.Now())
}

// record adds an entry from outside the adapter, such as a store save.
func (l *fakeLive) record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.note(format, args...)
}

func (l *fakeLive) blocked(port int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting[port]
}

// stampOf returns when the first log entry equal to call landed.
func (l *fakeLive) stampOf(t *testing.T, call string) time.Time {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.log {
		if c == call {
			return l.stamps[i]
		}
	}
	t.Fatalf("no %q in %v", call, l.log)
	return time.Time{}
}

func (l *fakeLive) connect(hostID int64) {
	l.mu.Lock()
	l.sessions[hostID] = true
	l.mu.Unlock()
}

func (l *fakeLive) disconnect(hostID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, hostID)
	kept := l.bound[:0]
	for _, b := range l.bound {
		if b.HostID != hostID {
			kept = append(kept, b)
		}
	}
	l.bound = kept
}

func (l *fakeLive) HasSession(hostID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[hostID]
}

func (l *fakeLive) Bind(ctx context.Context, rule model.Rule) error {
	l.mu.Lock()
	gate := l.gates[rule.SourcePort]
	if gate != nil {
		l.waiting[rule.SourcePort] = true
	}
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.waiting, rule.SourcePort)
	if !l.sessions[rule.HostID] {
		return errNoSession
	}
	if err := l.failPorts[rule.SourcePort]; err != nil {
		l.note("bind-failed %d", rule.SourcePort)
		return err
	}
	for _, b := range l.bound {
		if b.Key() == rule.Key() {
			return errPortBound
		}
	}
	rule.Enabled = true
	l.bound = append(l.bound, rule)
	l.note("bind %d %s", rule.SourcePort, rule.Dest())
	return nil
}

func (l *fakeLive) Unbind(ctx context.Context, rule model.Rule) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, b := range l.bound {
		if b.Key() == rule.Key() && b.Same(rule) {
			l.bound = append(l.bound[:i], l.bound[i+1:]...)
			l.note("unbind %d", rule.SourcePort)
			return nil
		}
	}
	return nil
}

func (l *fakeLive) Active(hostID int64) []model.Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Rule
	for _, b := range l.bound {
		if b.HostID == hostID {
			out = append(out, b)
		}
	}
	return out
}

func (l *fakeLive) Adopt(prev, saved model.Rule) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, b := range l.bound {
		if b.Same(prev) && saved.Key() == prev.Key() {
			saved.Enabled = true
			l.bound[i] = saved
			return true
		}
	}
	return false
}

func (l *fakeLive) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.log...)
}

func (l *fakeLive) activePorts(hostID int64) []int {
	var ports []int
	for _, r := range l.Active(hostID) {
		ports = append(ports, r.SourcePort)
	}
	return ports
}

type fakeJournal struct {
	mu     sync.Mutex
	events []events.Event
}

func (j *fakeJournal) Append(ev events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *fakeJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, ev := range j.events {
		out = append(out, ev.EventType)
	}
	return out
}

const testSettle = 30 * time.Millisecond

type harness struct {
	store   *fakeStore
	live    *fakeLive
	journal *fakeJournal
	c       *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newFakeStore(), live: newFakeLive(), journal: &fakeJournal{}}
	h.c = New(h.store, h.live, Options{SettleDelay: testSettle, Journal: h.journal})
	t.Cleanup(h.c.Close)
	return h
}

func localFields(port int) model.Fields {
	return model.Fields{Type: model.TypeLocal, SourcePort: port, DestAddr: "localhost", DestPort: 80}
}

func waitChange(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		require.True(t, ok, "subscription closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	return Change{}
}

func waitNotice(t *testing.T, sub *Subscription) Notice {
	t.Helper()
	select {
	case n, ok := <-sub.Notices():
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notice delivered")
	}
	return Notice{}
}

func assertNoChange(t *testing.T, sub *Subscription, within time.Duration) {
	t.Helper()
	select {
	case c := <-sub.Changes():
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(within):
	}
}
