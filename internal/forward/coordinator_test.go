package forward

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/fwdctl/internal/events"
	"github.com/treykane/fwdctl/internal/metrics"
	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/security"
)

func TestCreateWithoutSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.c.Create(ctx, 1, localFields(8080))
	require.NoError(t, err)
	require.NoError(t, out.Err())
	assert.True(t, out.Rule.Persisted())
	assert.False(t, out.Rule.Enabled)
	assert.Empty(t, h.live.calls())

	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, out.Rule.ID, rules[0].ID)
	assert.False(t, rules[0].Enabled)
	assert.Equal(t, []string{events.RuleCreated}, h.journal.types())
}

func TestCreateWithSession(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()

	out, err := h.c.Create(ctx, 1, localFields(8080))
	require.NoError(t, err)
	require.NoError(t, out.Err())
	assert.True(t, out.Rule.Enabled)

	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1, "rule listed exactly once")
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, out.Rule.ID, rules[0].ID)

	active := h.live.Active(1)
	require.Len(t, active, 1)
	assert.Equal(t, out.Rule.ID, active[0].ID, "live binding adopts the stored id")
}

func TestCreateSaveFailureLeavesBindingLive(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	h.store.failSave = errDiskFull
	sub := h.c.Subscribe(1)
	ctx := context.Background()

	out, err := h.c.Create(ctx, 1, localFields(8080))
	require.NoError(t, err)
	require.NotNil(t, out.PersistErr)
	assert.Nil(t, out.BindErr)
	assert.True(t, out.Rule.Enabled)
	assert.False(t, out.Rule.Persisted())
	assert.ErrorIs(t, out.Err(), errDiskFull)
	assert.Contains(t, security.UserMessage(out.Err(), false), "Could not save forward")

	n := waitNotice(t, sub)
	assert.Equal(t, NoticePersistFailure, n.Kind)
	var pe *PersistError
	assert.True(t, errors.As(n.Err, &pe))

	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, 8080, rules[0].SourcePort)
	assert.Contains(t, h.journal.types(), events.PersistFailed)
}

func TestCreateBindFailureStillSaves(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	h.live.failPorts[80] = errors.New("permission denied")
	sub := h.c.Subscribe(1)
	ctx := context.Background()

	out, err := h.c.Create(ctx, 1, localFields(80))
	require.NoError(t, err)
	require.NotNil(t, out.BindErr)
	assert.Nil(t, out.PersistErr)
	assert.True(t, out.Rule.Persisted())
	assert.False(t, out.Rule.Enabled)

	n := waitNotice(t, sub)
	assert.Equal(t, NoticeBindFailure, n.Kind)

	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)
}

func TestCreateValidationHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()

	_, err := h.c.Create(ctx, 1, model.Fields{Type: model.TypeLocal, SourcePort: 0, DestAddr: "localhost", DestPort: 80})
	assert.ErrorIs(t, err, model.ErrInvalidPort)

	_, err = h.c.Create(ctx, 1, model.Fields{Type: model.TypeRemote, SourcePort: 2222})
	assert.ErrorIs(t, err, model.ErrMissingDestination)
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)

	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Empty(t, h.live.calls())
}

func TestListOverlayKeepsStoredOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seeded := h.store.seed(t, 1, localFields(8080), localFields(8081), localFields(8082))

	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	for _, r := range rules {
		assert.False(t, r.Enabled, "no session, nothing enabled")
	}

	h.live.connect(1)
	require.NoError(t, h.live.Bind(ctx, seeded[2]))
	require.NoError(t, h.live.Bind(ctx, seeded[0]))
	unsaved, err := model.NewRule(1, model.Fields{Type: model.TypeDynamic, SourcePort: 1080})
	require.NoError(t, err)
	require.NoError(t, h.live.Bind(ctx, unsaved))

	rules, err = h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 4)
	assert.Equal(t, []int{8080, 8081, 8082, 1080}, []int{rules[0].SourcePort, rules[1].SourcePort, rules[2].SourcePort, rules[3].SourcePort})
	assert.Equal(t, []bool{true, false, true, true}, []bool{rules[0].Enabled, rules[1].Enabled, rules[2].Enabled, rules[3].Enabled})

	// the session dropping a listener on its own is reflected at once
	h.live.disconnect(1)
	rules, err = h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	for _, r := range rules {
		assert.False(t, r.Enabled)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()

	out, err := h.c.Create(ctx, 1, localFields(8080))
	require.NoError(t, err)

	h.c.Delete(ctx, out.Rule)
	h.c.Delete(ctx, out.Rule)

	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Empty(t, h.live.Active(1))
	assert.Equal(t, []string{"bind 8080 localhost:80", "unbind 8080"}, h.live.calls())
}

func TestDeleteUnsavedLiveRule(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	h.store.failSave = errDiskFull
	ctx := context.Background()

	out, err := h.c.Create(ctx, 1, localFields(8080))
	require.NoError(t, err)
	require.NotNil(t, out.PersistErr)

	h.c.Delete(ctx, out.Rule)
	assert.Empty(t, h.live.Active(1))
}

func TestToggleIsItsOwnInverse(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]

	on, err := h.c.Toggle(ctx, r)
	require.NoError(t, err)
	assert.True(t, on)

	off, err := h.c.Toggle(ctx, r)
	require.NoError(t, err)
	assert.False(t, off)

	on, err = h.c.Toggle(ctx, r)
	require.NoError(t, err)
	assert.True(t, on)

	stored, ok := h.store.get(r.ID)
	require.True(t, ok)
	assert.Equal(t, r, stored, "toggle never writes storage")
	assert.Equal(t, []string{events.RuleEnabled, events.RuleDisabled, events.RuleEnabled}, h.journal.types())
}

func TestToggleWithoutSessionFails(t *testing.T) {
	h := newHarness(t)
	r := h.store.seed(t, 1, localFields(8080))[0]

	on, err := h.c.Toggle(context.Background(), r)
	assert.False(t, on)
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, errNoSession)
	assert.Equal(t, r.ID, be.Rule.ID)
}

func TestUpdateUnbindsOldBeforeBindingNew(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]
	require.NoError(t, h.live.Bind(ctx, r))
	sub := h.c.Subscribe(1)

	out, err := h.c.Update(ctx, r, localFields(9090))
	require.NoError(t, err)
	assert.True(t, out.RebindPending)
	assert.Equal(t, r.ID, out.Rule.ID)
	assert.Empty(t, h.live.Active(1), "nothing live during the settle delay")

	change := waitChange(t, sub)
	require.Len(t, change.Rules, 1)
	assert.Equal(t, 9090, change.Rules[0].SourcePort)
	assert.True(t, change.Rules[0].Enabled)
	assertNoChange(t, sub, 3*testSettle)

	assert.Equal(t, []string{"bind 8080 localhost:80", "unbind 8080", "bind 9090 localhost:80"}, h.live.calls())
	assert.Equal(t, []int{9090}, h.live.activePorts(1))
}

func TestUpdateDestinationOfBoundRule(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]
	require.NoError(t, h.live.Bind(ctx, r))
	sub := h.c.Subscribe(1)

	f := r.Fields()
	f.DestAddr = "db.internal"
	f.DestPort = 5432
	_, err := h.c.Update(ctx, r, f)
	require.NoError(t, err)

	change := waitChange(t, sub)
	require.Len(t, change.Rules, 1)
	assert.True(t, change.Rules[0].Enabled)
	assert.Equal(t, "db.internal:5432", change.Rules[0].Dest())
	assertNoChange(t, sub, 3*testSettle)

	active := h.live.Active(1)
	require.Len(t, active, 1)
	assert.Equal(t, "db.internal:5432", active[0].Dest())
	assert.Equal(t, []string{events.RuleUpdated, events.RebindSucceeded}, h.journal.types())
}

func TestUpdateRebindsDisabledRule(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	r := h.store.seed(t, 1, localFields(8080))[0]

	_, err := h.c.Update(context.Background(), r, localFields(8081))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(h.live.Active(1)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUpdateWithoutSessionOnlySaves(t *testing.T) {
	h := newHarness(t)
	r := h.store.seed(t, 1, localFields(8080))[0]
	sub := h.c.Subscribe(1)

	out, err := h.c.Update(context.Background(), r, localFields(8081))
	require.NoError(t, err)
	assert.False(t, out.RebindPending)

	change := waitChange(t, sub)
	require.Len(t, change.Rules, 1)
	assert.Equal(t, 8081, change.Rules[0].SourcePort)
	assert.Empty(t, h.live.calls())
}

func TestUpdateRebindAbandonedWhenSessionLost(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]
	require.NoError(t, h.live.Bind(ctx, r))
	sub := h.c.Subscribe(1)

	_, err := h.c.Update(ctx, r, localFields(9090))
	require.NoError(t, err)
	h.live.disconnect(1)

	change := waitChange(t, sub)
	require.Len(t, change.Rules, 1)
	assert.False(t, change.Rules[0].Enabled)

	select {
	case n := <-sub.Notices():
		t.Fatalf("abandoned rebind must stay silent, got %+v", n)
	default:
	}
	assert.NotContains(t, h.live.calls(), "bind 9090 localhost:80")
	assert.Contains(t, h.journal.types(), events.RebindAbandoned)
}

func TestUpdateRebindFailureKeepsSave(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	h.live.failPorts[9090] = errors.New("address already in use")
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]
	require.NoError(t, h.live.Bind(ctx, r))
	sub := h.c.Subscribe(1)

	_, err := h.c.Update(ctx, r, localFields(9090))
	require.NoError(t, err)

	n := waitNotice(t, sub)
	assert.Equal(t, NoticeBindFailure, n.Kind)
	assert.Equal(t, 9090, n.Rule.SourcePort)

	change := waitChange(t, sub)
	require.Len(t, change.Rules, 1)
	assert.False(t, change.Rules[0].Enabled)

	stored, ok := h.store.get(r.ID)
	require.True(t, ok)
	assert.Equal(t, 9090, stored.SourcePort)
}

func TestUpdateSupersedesPendingRebind(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]

	out, err := h.c.Update(ctx, r, localFields(8081))
	require.NoError(t, err)
	_, err = h.c.Update(ctx, out.Rule, localFields(8082))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.live.Active(1)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * testSettle)
	assert.Equal(t, []int{8082}, h.live.activePorts(1))
	assert.NotContains(t, h.live.calls(), "bind 8081 localhost:80")
}

func TestDeleteCancelsPendingRebind(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]

	out, err := h.c.Update(ctx, r, localFields(8081))
	require.NoError(t, err)
	h.c.Delete(ctx, out.Rule)

	time.Sleep(3 * testSettle)
	assert.Empty(t, h.live.calls())
}

func TestSettleDelayDoesNotBlockOtherHosts(t *testing.T) {
	store, live := newFakeStore(), newFakeLive()
	c := New(store, live, Options{SettleDelay: time.Second})
	t.Cleanup(c.Close)
	live.connect(1)
	ctx := context.Background()
	r := store.seed(t, 1, localFields(8080))[0]

	_, err := c.Update(ctx, r, localFields(8081))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Create(ctx, 2, localFields(8080))
		_, _ = c.List(ctx, 1)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("settle delay held a lock")
	}
}

func TestSlowBindOnOneHostDoesNotBlockAnother(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	h.live.connect(2)
	gate := make(chan struct{})
	h.live.gates[7000] = gate
	ctx := context.Background()

	go func() { _, _ = h.c.Create(ctx, 1, localFields(7000)) }()

	out, err := h.c.Create(ctx, 2, localFields(7001))
	require.NoError(t, err)
	assert.True(t, out.Rule.Enabled)
	close(gate)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seeded := h.store.seed(t, 1, localFields(8080), localFields(8081))

	assert.ErrorIs(t, h.c.Reconcile(ctx, 1), ErrNoSession)

	h.live.connect(1)
	// stale: stored record was edited elsewhere after binding
	stale := seeded[1]
	stale.DestPort = 81
	require.NoError(t, h.live.Bind(ctx, stale))
	// orphan: persisted id no longer stored
	orphan := model.Rule{ID: 99, HostID: 1, Type: model.TypeDynamic, SourcePort: 1080}
	require.NoError(t, h.live.Bind(ctx, orphan))

	require.NoError(t, h.c.Reconcile(ctx, 1))
	assert.Equal(t, []int{8080}, h.live.activePorts(1), "stale rule waits out the settle delay")

	require.Eventually(t, func() bool { return len(h.live.Active(1)) == 2 }, time.Second, 5*time.Millisecond)
	for _, a := range h.live.Active(1) {
		stored, ok := h.store.get(a.ID)
		require.True(t, ok)
		assert.Equal(t, stored.Fields(), a.Fields())
	}
}

func TestReconcileSettlesChangedRule(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]
	require.NoError(t, h.c.Reconcile(ctx, 1))

	f := localFields(8080)
	f.DestAddr, f.DestPort = "db", 5432
	_, err := h.store.Save(ctx, r.WithFields(f))
	require.NoError(t, err)

	require.NoError(t, h.c.Reconcile(ctx, 1))
	// a second pass inside the delay must not bind early
	require.NoError(t, h.c.Reconcile(ctx, 1))
	assert.Equal(t, []string{"bind 8080 localhost:80", "unbind 8080"}, h.live.calls())

	require.Eventually(t, func() bool { return len(h.live.calls()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bind 8080 db:5432", h.live.calls()[2])
	gap := h.live.stampOf(t, "bind 8080 db:5432").Sub(h.live.stampOf(t, "unbind 8080"))
	assert.GreaterOrEqual(t, gap, testSettle)
	assert.Contains(t, h.journal.types(), events.RebindSucceeded)
}

func TestListShowsLiveConfigAfterFailedSave(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	r := h.store.seed(t, 1, localFields(8080))[0]
	on, err := h.c.Toggle(ctx, r)
	require.NoError(t, err)
	require.True(t, on)

	h.store.failSave = errDiskFull
	f := localFields(8080)
	f.DestAddr, f.DestPort = "db", 5432
	out, err := h.c.Update(ctx, r, f)
	require.NoError(t, err)
	require.NotNil(t, out.PersistErr)
	require.True(t, out.RebindPending)

	require.Eventually(t, func() bool { return len(h.live.Active(1)) == 1 }, time.Second, 5*time.Millisecond)
	rules, err := h.c.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, r.ID, rules[0].ID)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, "db:5432", rules[0].Dest(), "list shows what is actually forwarded")

	stored, _ := h.store.get(r.ID)
	assert.Equal(t, "localhost:80", stored.Dest())
}

func TestSameHostMutationsDoNotInterleave(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	ctx := context.Background()
	existing := h.store.seed(t, 1, localFields(8080))[0]
	h.store.onSave = func(r model.Rule) { h.live.record("save %d", r.SourcePort) }

	gate := make(chan struct{})
	h.live.gates[7000] = gate
	created := make(chan struct{})
	go func() {
		defer close(created)
		_, _ = h.c.Create(ctx, 1, localFields(7000))
	}()
	require.Eventually(t, func() bool { return h.live.blocked(7000) }, time.Second, time.Millisecond)

	toggled := make(chan struct{})
	go func() {
		defer close(toggled)
		_, _ = h.c.Toggle(ctx, existing)
	}()
	select {
	case <-toggled:
		t.Fatal("toggle ran while create held the host")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-created
	<-toggled
	assert.Equal(t, []string{"bind 7000 localhost:80", "save 7000", "bind 8080 localhost:80"}, h.live.calls())
}

func TestReconcileReportsBindFailures(t *testing.T) {
	h := newHarness(t)
	h.live.connect(1)
	h.live.failPorts[22] = errors.New("permission denied")
	h.store.seed(t, 1, localFields(22), localFields(8080))

	err := h.c.Reconcile(context.Background(), 1)
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 22, be.Rule.SourcePort)
	assert.Equal(t, []int{8080}, h.live.activePorts(1))
}

func TestMetricsAreRecorded(t *testing.T) {
	m := metrics.NewForwarding()
	store, live := newFakeStore(), newFakeLive()
	c := New(store, live, Options{SettleDelay: testSettle, Metrics: m})
	t.Cleanup(c.Close)
	live.connect(1)
	ctx := context.Background()

	out, err := c.Create(ctx, 1, localFields(8080))
	require.NoError(t, err)
	_, err = c.Toggle(ctx, out.Rule)
	require.NoError(t, err)
	store.failSave = errDiskFull
	_, err = c.Create(ctx, 1, localFields(8081))
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Binds.WithLabelValues("local", metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Unbinds.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures))
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, Outcome{}.Err())

	r := model.Rule{ID: 1, HostID: 1, Type: model.TypeDynamic, SourcePort: 1080}
	out := Outcome{BindErr: newBindError(r, errPortBound), PersistErr: newPersistError(r, errDiskFull)}
	err := out.Err()
	assert.ErrorIs(t, err, errPortBound)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Contains(t, err.Error(), "bind 1|dynamic|1080")
}
