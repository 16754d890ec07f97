package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/treykane/fwdctl/internal/model"
)

// noticeBuffer is how many undelivered notices a subscription holds before
// new ones are dropped.
const noticeBuffer = 32

// Change carries a host's recomputed rule set.
type Change struct {
	HostID int64
	Rules  []model.Rule
	At     time.Time
}

type NoticeKind string

const (
	NoticeBindFailure    NoticeKind = "bind_failure"
	NoticePersistFailure NoticeKind = "persist_failure"
)

// Notice is a transient, user-visible report of a non-fatal failure.
type Notice struct {
	HostID int64
	Rule   model.Rule
	Kind   NoticeKind
	Err    error
	At     time.Time
}

// Subscription receives changes and notices for one host.
type Subscription struct {
	n       *notifier
	hostID  int64
	changes chan Change
	notices chan Notice
	closed  bool
}

// Changes yields the latest rule set. A reader that falls behind only ever
// sees the most recent one.
func (s *Subscription) Changes() <-chan Change { return s.changes }

// Notices yields failures in the order they happened.
func (s *Subscription) Notices() <-chan Notice { return s.notices }

// Close detaches the subscription and closes both channels.
func (s *Subscription) Close() {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.removeLocked(s)
}

type listFunc func(ctx context.Context, hostID int64) ([]model.Rule, error)

// notifier coalesces refresh requests per host and fans results out to
// subscribers from a single worker goroutine.
type notifier struct {
	list listFunc

	mu     sync.Mutex
	subs   map[int64]map[*Subscription]struct{}
	dirty  map[int64]bool
	queue  []int64
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newNotifier(list listFunc) *notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &notifier{
		list:   list,
		subs:   make(map[int64]map[*Subscription]struct{}),
		dirty:  make(map[int64]bool),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(hostID int64) *Subscription {
	s := &Subscription{
		n:       n,
		hostID:  hostID,
		changes: make(chan Change, 1),
		notices: make(chan Notice, noticeBuffer),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		s.closed = true
		close(s.changes)
		close(s.notices)
		return s
	}
	if n.subs[hostID] == nil {
		n.subs[hostID] = make(map[*Subscription]struct{})
	}
	n.subs[hostID][s] = struct{}{}
	return s
}

func (n *notifier) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	if set := n.subs[s.hostID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(n.subs, s.hostID)
		}
	}
	close(s.changes)
	close(s.notices)
}

// refresh marks hostID dirty. A host already waiting is not queued twice.
func (n *notifier) refresh(hostID int64) {
	n.mu.Lock()
	if n.closed || n.dirty[hostID] {
		n.mu.Unlock()
		return
	}
	n.dirty[hostID] = true
	n.queue = append(n.queue, hostID)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) notice(nt Notice) {
	if nt.At.IsZero() {
		nt.At = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.subs[nt.HostID] {
		select {
		case s.notices <- nt:
		default:
			slog.Warn("notice dropped, subscriber not reading", "host_id", nt.HostID, "kind", nt.Kind)
		}
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.wake:
		}
		for {
			hostID, ok := n.next()
			if !ok {
				break
			}
			n.deliver(hostID)
		}
	}
}

func (n *notifier) next() (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return 0, false
	}
	hostID := n.queue[0]
	n.queue = n.queue[1:]
	delete(n.dirty, hostID)
	return hostID, true
}

func (n *notifier) deliver(hostID int64) {
	n.mu.Lock()
	listening := len(n.subs[hostID]) > 0
	n.mu.Unlock()
	if !listening {
		return
	}

	rules, err := n.list(n.ctx, hostID)
	if err != nil {
		if n.ctx.Err() == nil {
			slog.Warn("failed to refresh rule set", "host_id", hostID, "error", err)
		}
		return
	}
	c := Change{HostID: hostID, Rules: rules, At: time.Now()}

	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.subs[hostID] {
		// Replace a stale undelivered change with the new one.
		select {
		case <-s.changes:
		default:
		}
		s.changes <- c
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	<-n.done

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, set := range n.subs {
		for s := range set {
			n.removeLocked(s)
		}
	}
	n.queue = nil
}
