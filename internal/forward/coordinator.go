// Package forward reconciles stored port-forward rules with the live
// listeners of a host's session.
//
// Storage and the session are separate sources of truth. The store owns which
// rules exist and their order; the session owns which of them are live. List
// merges the two on every call, so a rule's Enabled flag is never cached.
//
// Mutations for one host are serialized by a per-host lock. The delayed half
// of Update runs from a timer that re-takes the lock, so other hosts are never
// blocked by a settle delay.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/treykane/fwdctl/internal/events"
	"github.com/treykane/fwdctl/internal/metrics"
	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/util"
)

// ErrNoSession is returned by Reconcile for a host without a live session.
var ErrNoSession = errors.New("host has no live session")

// RuleStore is the durable side: which rules exist, in what order.
type RuleStore interface {
	LoadForHost(ctx context.Context, hostID int64) ([]model.Rule, error)
	// Save inserts unpersisted rules and updates persisted ones, returning the
	// rule with its id assigned.
	Save(ctx context.Context, rule model.Rule) (model.Rule, error)
	// Delete is idempotent.
	Delete(ctx context.Context, rule model.Rule) error
}

// LiveBinder is the session side: which rules have open listeners.
type LiveBinder interface {
	HasSession(hostID int64) bool
	Bind(ctx context.Context, rule model.Rule) error
	Unbind(ctx context.Context, rule model.Rule) error
	Active(hostID int64) []model.Rule
	Adopt(prev, saved model.Rule) bool
}

// Journal records lifecycle events. events.Store implements it.
type Journal interface {
	Append(events.Event) error
}

type Options struct {
	// SettleDelay separates unbinding an edited rule from binding its new
	// configuration. Zero means util.DefaultSettleDelay.
	SettleDelay time.Duration
	Journal     Journal
	Metrics     *metrics.Forwarding
}

// Coordinator is safe for concurrent use by any number of callers.
type Coordinator struct {
	store   RuleStore
	live    LiveBinder
	settle  time.Duration
	journal Journal
	metrics *metrics.Forwarding

	ctx    context.Context
	cancel context.CancelFunc

	locksMu sync.Mutex
	locks   map[int64]*sync.RWMutex

	pendingMu sync.Mutex
	pending   []*rebind
	closed    bool

	n *notifier
}

// rebind is the scheduled second half of an Update.
type rebind struct {
	rule  model.Rule
	timer *time.Timer
}

func New(store RuleStore, live LiveBinder, opts Options) *Coordinator {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = util.DefaultSettleDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   store,
		live:    live,
		settle:  opts.SettleDelay,
		journal: opts.Journal,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		locks:   make(map[int64]*sync.RWMutex),
	}
	c.n = newNotifier(c.List)
	return c
}

func (c *Coordinator) hostLock(hostID int64) *sync.RWMutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.locks[hostID]
	if !ok {
		mu = &sync.RWMutex{}
		c.locks[hostID] = mu
	}
	return mu
}

// List returns the host's stored rules in stored order with Enabled taken
// from the session. Live rules with no stored record are appended, oldest
// binding first.
func (c *Coordinator) List(ctx context.Context, hostID int64) ([]model.Rule, error) {
	mu := c.hostLock(hostID)
	mu.RLock()
	defer mu.RUnlock()
	return c.list(ctx, hostID)
}

func (c *Coordinator) list(ctx context.Context, hostID int64) ([]model.Rule, error) {
	stored, err := c.store.LoadForHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("load rules for host %d: %w", hostID, err)
	}
	var active []model.Rule
	if c.live.HasSession(hostID) {
		active = c.live.Active(hostID)
	}

	matched := make([]bool, len(active))
	out := make([]model.Rule, 0, len(stored)+len(active))
	for _, r := range stored {
		r.Enabled = false
		for i, a := range active {
			if !matched[i] && a.Persisted() && a.ID == r.ID {
				// The live copy is what the session forwards; it differs from
				// the record only when saving an edit failed.
				matched[i] = true
				r = a
				r.Enabled = true
				break
			}
		}
		out = append(out, r)
	}
	for i, a := range active {
		if !matched[i] {
			a.Enabled = true
			out = append(out, a)
		}
	}
	return out, nil
}

// Create validates f, binds the new rule when the host has a session, and
// saves it whether or not the bind worked. A failed save after a successful
// bind leaves the listener up and is reported in Outcome.PersistErr.
func (c *Coordinator) Create(ctx context.Context, hostID int64, f model.Fields) (Outcome, error) {
	rule, err := model.NewRule(hostID, f)
	if err != nil {
		return Outcome{}, err
	}

	mu := c.hostLock(hostID)
	mu.Lock()
	defer mu.Unlock()

	var out Outcome
	bound := false
	if c.live.HasSession(hostID) {
		if err := c.bind(ctx, rule); err != nil {
			out.BindErr = c.bindFailed(rule, err)
		} else {
			bound = true
		}
	}

	saved, err := c.store.Save(ctx, rule)
	if err != nil {
		out.PersistErr = c.persistFailed(rule, err)
		rule.Enabled = bound
		out.Rule = rule
	} else {
		if bound {
			c.live.Adopt(rule, saved)
		}
		saved.Enabled = bound
		out.Rule = saved
		c.record(events.RuleCreated, saved, "")
	}
	slog.Debug("rule created", "rule", out.Rule.String(), "host_id", hostID, "live", bound, "saved", out.PersistErr == nil)

	c.n.refresh(hostID)
	return out, nil
}

// Update applies f to existing. A live rule is unbound under its old
// configuration first; when the host has a session the new configuration is
// bound after the settle delay, even if the rule was not live before. A
// failed delayed bind is reported as a Notice and does not undo the save.
func (c *Coordinator) Update(ctx context.Context, existing model.Rule, f model.Fields) (Outcome, error) {
	f = f.Normalize()
	if err := f.Validate(); err != nil {
		return Outcome{}, err
	}
	hostID := existing.HostID

	mu := c.hostLock(hostID)
	mu.Lock()
	defer mu.Unlock()

	c.cancelPending(existing)
	if cur, ok := c.liveCopy(existing); ok {
		if err := c.unbind(ctx, cur); err != nil {
			slog.Warn("failed to unbind edited rule", "rule", cur.String(), "error", err)
		}
	}

	updated := existing.WithFields(f)
	var out Outcome
	saved, err := c.store.Save(ctx, updated)
	if err != nil {
		out.PersistErr = c.persistFailed(updated, err)
	} else {
		updated = saved
		c.record(events.RuleUpdated, updated, "")
	}
	out.Rule = updated

	if c.live.HasSession(hostID) {
		out.RebindPending = c.scheduleRebind(updated)
	}
	if !out.RebindPending {
		c.n.refresh(hostID)
	}
	return out, nil
}

func (c *Coordinator) scheduleRebind(rule model.Rule) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		return false
	}
	rb := &rebind{rule: rule}
	c.pending = append(c.pending, rb)
	rb.timer = time.AfterFunc(c.settle, func() { c.runRebind(rb) })
	return true
}

func (c *Coordinator) runRebind(rb *rebind) {
	hostID := rb.rule.HostID
	mu := c.hostLock(hostID)
	mu.Lock()
	defer mu.Unlock()

	// Superseded by a later mutation of the same rule, or shut down.
	if !c.takePending(rb) {
		return
	}

	if !c.live.HasSession(hostID) {
		slog.Debug("rebind abandoned, session gone", "rule", rb.rule.String(), "host_id", hostID)
		c.metrics.ObserveRebind(metrics.ResultAbandoned)
		c.record(events.RebindAbandoned, rb.rule, "session closed during settle delay")
		c.n.refresh(hostID)
		return
	}

	if err := c.bind(c.ctx, rb.rule); err != nil {
		c.metrics.ObserveRebind(metrics.ResultFailed)
		c.record(events.RebindFailed, rb.rule, err.Error())
		c.bindFailed(rb.rule, err)
	} else {
		c.metrics.ObserveRebind(metrics.ResultOK)
		c.record(events.RebindSucceeded, rb.rule, "")
	}
	c.n.refresh(hostID)
}

func (c *Coordinator) takePending(rb *rebind) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, p := range c.pending {
		if p == rb {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// cancelPending drops scheduled rebinds of rule. Caller holds the host lock.
func (c *Coordinator) cancelPending(rule model.Rule) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.rule.Same(rule) {
			p.timer.Stop()
			continue
		}
		kept = append(kept, p)
	}
	c.pending = kept
}

// takePendingHost stops every scheduled rebind on hostID and returns the
// rules they would have bound.
func (c *Coordinator) takePendingHost(hostID int64) []model.Rule {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	var taken []model.Rule
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.rule.HostID == hostID {
			p.timer.Stop()
			taken = append(taken, p.rule)
			continue
		}
		kept = append(kept, p)
	}
	c.pending = kept
	return taken
}

// Delete unbinds rule if it is live and removes it from storage. It never
// fails from the caller's point of view; problems are logged and journaled.
func (c *Coordinator) Delete(ctx context.Context, rule model.Rule) {
	mu := c.hostLock(rule.HostID)
	mu.Lock()
	defer mu.Unlock()

	c.cancelPending(rule)
	if cur, ok := c.liveCopy(rule); ok {
		if err := c.unbind(ctx, cur); err != nil {
			slog.Warn("failed to unbind deleted rule", "rule", cur.String(), "error", err)
		}
	}
	if err := c.store.Delete(ctx, rule); err != nil {
		slog.Warn("failed to delete rule from store", "rule", rule.String(), "error", err)
		c.record(events.RuleDeleted, rule, err.Error())
	} else {
		c.record(events.RuleDeleted, rule, "")
	}
	c.n.refresh(rule.HostID)
}

// Toggle unbinds a live rule or binds an idle one and reports whether it is
// now live. Storage is not touched.
func (c *Coordinator) Toggle(ctx context.Context, rule model.Rule) (bool, error) {
	mu := c.hostLock(rule.HostID)
	mu.Lock()
	defer mu.Unlock()

	c.cancelPending(rule)
	if cur, ok := c.liveCopy(rule); ok {
		if err := c.unbind(ctx, cur); err != nil {
			slog.Warn("failed to unbind rule", "rule", cur.String(), "error", err)
		}
		c.record(events.RuleDisabled, rule, "")
		c.n.refresh(rule.HostID)
		return false, nil
	}

	if err := c.bind(ctx, rule); err != nil {
		return false, c.bindFailed(rule, err)
	}
	c.record(events.RuleEnabled, rule, "")
	c.n.refresh(rule.HostID)
	return true, nil
}

// Reconcile brings the host's session in line with storage. Persisted live
// rules whose record is gone are unbound. Those whose record changed are
// unbound and rebound with the stored configuration after the settle delay,
// like an Update. Stored rules that are not live are bound at once. Unsaved
// live rules are left alone.
func (c *Coordinator) Reconcile(ctx context.Context, hostID int64) error {
	mu := c.hostLock(hostID)
	mu.Lock()
	defer mu.Unlock()

	if !c.live.HasSession(hostID) {
		return ErrNoSession
	}
	stored, err := c.store.LoadForHost(ctx, hostID)
	if err != nil {
		return fmt.Errorf("load rules for host %d: %w", hostID, err)
	}

	byID := make(map[int64]model.Rule, len(stored))
	for _, r := range stored {
		byID[r.ID] = r
	}
	settling := make(map[int64]bool)

	// A rule still inside its settle delay keeps waiting, but picks up the
	// stored configuration.
	for _, p := range c.takePendingHost(hostID) {
		if s, ok := byID[p.ID]; ok && p.Persisted() && !settling[s.ID] {
			settling[s.ID] = c.scheduleRebind(s)
		}
	}

	for _, a := range c.live.Active(hostID) {
		if !a.Persisted() {
			continue
		}
		s, ok := byID[a.ID]
		if ok && s.Fields() == a.Fields() {
			continue
		}
		if err := c.unbind(ctx, a); err != nil {
			slog.Warn("failed to unbind stale rule", "rule", a.String(), "error", err)
		}
		if ok && !settling[s.ID] {
			settling[s.ID] = c.scheduleRebind(s)
		}
	}

	var result *multierror.Error
	for _, r := range stored {
		if settling[r.ID] {
			continue
		}
		if _, ok := c.liveCopy(r); ok {
			continue
		}
		if err := c.bind(ctx, r); err != nil {
			result = multierror.Append(result, c.bindFailed(r, err))
		}
	}
	c.n.refresh(hostID)
	return result.ErrorOrNil()
}

// Refresh schedules a Change for hostID. It is the entry point for
// session-driven changes such as a dropped listener.
func (c *Coordinator) Refresh(hostID int64) { c.n.refresh(hostID) }

// Subscribe starts delivering the host's changes and notices.
func (c *Coordinator) Subscribe(hostID int64) *Subscription { return c.n.subscribe(hostID) }

// Close cancels pending rebinds and stops notifications. Live bindings are
// not touched.
func (c *Coordinator) Close() {
	c.pendingMu.Lock()
	c.closed = true
	for _, p := range c.pending {
		p.timer.Stop()
	}
	c.pending = nil
	c.pendingMu.Unlock()

	c.cancel()
	c.n.close()
}

// liveCopy finds the live binding held by rule, as the session sees it.
func (c *Coordinator) liveCopy(rule model.Rule) (model.Rule, bool) {
	if !c.live.HasSession(rule.HostID) {
		return model.Rule{}, false
	}
	for _, a := range c.live.Active(rule.HostID) {
		if a.Same(rule) {
			return a, true
		}
	}
	return model.Rule{}, false
}

func (c *Coordinator) bind(ctx context.Context, rule model.Rule) error {
	err := c.live.Bind(ctx, rule)
	c.metrics.ObserveBind(string(rule.Type), err)
	return err
}

func (c *Coordinator) unbind(ctx context.Context, rule model.Rule) error {
	err := c.live.Unbind(ctx, rule)
	c.metrics.ObserveUnbind(string(rule.Type))
	return err
}

func (c *Coordinator) bindFailed(rule model.Rule, err error) *BindError {
	be := newBindError(rule, err)
	slog.Warn("bind failed", "rule", rule.String(), "host_id", rule.HostID, "error", err)
	c.record(events.BindFailed, rule, err.Error())
	c.n.notice(Notice{HostID: rule.HostID, Rule: rule, Kind: NoticeBindFailure, Err: be})
	return be
}

func (c *Coordinator) persistFailed(rule model.Rule, err error) *PersistError {
	pe := newPersistError(rule, err)
	slog.Warn("save failed", "rule", rule.String(), "host_id", rule.HostID, "error", err)
	c.metrics.ObservePersistFailure()
	c.record(events.PersistFailed, rule, err.Error())
	c.n.notice(Notice{HostID: rule.HostID, Rule: rule, Kind: NoticePersistFailure, Err: pe})
	return pe
}

func (c *Coordinator) record(eventType string, rule model.Rule, msg string) {
	if c.journal == nil {
		return
	}
	ev := events.Event{
		Timestamp: time.Now(),
		HostID:    rule.HostID,
		EventType: eventType,
		Rule:      rule.String(),
		Message:   msg,
	}
	if rule.Persisted() {
		ev.RuleID = rule.ID
	}
	if err := c.journal.Append(ev); err != nil {
		slog.Debug("failed to journal event", "event_type", eventType, "error", err)
	}
}
