package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/rickgao/site-monitor/internal/connstate"
	"github.com/rickgao/site-monitor/internal/eventbus"
	"github.com/rickgao/site-monitor/internal/model"
	"github.com/rickgao/site-monitor/internal/tracker"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeClient struct {
	url      string
	header   map[string]string
	messages chan TimestampedMessage
	errors   chan error

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errors }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeClient) isClosed() bool { return !c.IsConnected() }

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeDialer struct {
	mu      sync.Mutex
	failing map[string]bool
	urls    []string
	clients []*fakeClient
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failing: make(map[string]bool)}
}

func (d *fakeDialer) dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, cfg.URL)
	for site, fail := range d.failing {
		if fail && strings.Contains(cfg.URL, "/ws/sites/"+site+"/") {
			return nil, errors.New("connection refused")
		}
	}

	c := &fakeClient{
		url:      cfg.URL,
		header:   cfg.Header,
		messages: make(chan TimestampedMessage, 16),
		errors:   make(chan error, 1),
	}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) setFailing(site string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[site] = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// last returns the most recent client dialled for site.
func (d *fakeDialer) last(t *testing.T, site string) *fakeClient {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.clients) - 1; i >= 0; i-- {
		if strings.Contains(d.clients[i].url, "/ws/sites/"+site+"/") {
			return d.clients[i]
		}
	}
	t.Fatalf("no client dialled for %s", site)
	return nil
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// manualClock only runs timers when the test fires them.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) pending() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *manualClock) pendingDelays() []time.Duration {
	var out []time.Duration
	for _, t := range c.pending() {
		out = append(out, t.delay)
	}
	return out
}

// fireNext runs the oldest pending timer and returns its delay.
func (c *manualClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	var next *manualTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired {
			next = tm
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		t.Fatal("no pending timer")
		return 0
	}
	next.fired = true
	c.now = c.now.Add(next.delay)
	c.mu.Unlock()

	next.f()
	return next.delay
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

const testBaseURL = "ws://telemetry.test"

func newTestPool(t *testing.T, sites ...string) (*Pool, *fakeDialer, *manualClock) {
	t.Helper()

	cfg := DefaultPoolConfig()
	cfg.BaseURL = testBaseURL
	d := newFakeDialer()
	clk := newManualClock()

	p := NewPool(cfg, sites, tracker.New(nil), eventbus.New(nil), nil, WithDialer(d.dial), WithClock(clk))
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, d, clk
}

func siteState(t *testing.T, p *Pool, siteID string) connstate.State {
	t.Helper()
	info, ok := p.Tracker().Get(siteID)
	if !ok {
		t.Fatalf("site %s not tracked", siteID)
	}
	return info.State()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func connectionFor(t *testing.T, p *Pool, siteID string) ConnectionInfo {
	t.Helper()
	for _, c := range p.Connections() {
		if c.SiteID == siteID {
			return c
		}
	}
	t.Fatalf("no connection for %s", siteID)
	return ConnectionInfo{}
}

// -----------------------------------------------------------------------------
// Mode switching
// -----------------------------------------------------------------------------

func TestPool_DashboardConnectsAllSummary(t *testing.T) {
	p, d, _ := newTestPool(t, "S1", "S2")

	if err := p.SwitchMode(context.Background(), model.ModeDashboard, ""); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}

	for _, id := range []string{"S1", "S2"} {
		if got := siteState(t, p, id); got != connstate.ConnectedSummary {
			t.Errorf("%s state = %s, want connected_summary", id, got)
		}
		c := connectionFor(t, p, id)
		if c.Type != "summary" || c.IntervalMs != 30000 {
			t.Errorf("%s cadence = %s/%dms, want summary/30000ms", id, c.Type, c.IntervalMs)
		}
	}

	want := []string{
		testBaseURL + "/ws/sites/S1/summary?interval=30000",
		testBaseURL + "/ws/sites/S2/summary?interval=30000",
	}
	got := d.dialedURLs()
	if len(got) != 2 {
		t.Fatalf("dials = %v, want 2", got)
	}
	for _, w := range want {
		found := false
		for _, u := range got {
			if u == w {
				found = true
			}
		}
		if !found {
			t.Errorf("missing dial %s in %v", w, got)
		}
	}
}

func TestPool_MonitoringFocusesSelectedSite(t *testing.T) {
	p, d, _ := newTestPool(t, "S1", "S2")
	ctx := context.Background()

	if err := p.SwitchMode(ctx, model.ModeDashboard, ""); err != nil {
		t.Fatalf("SwitchMode(dashboard) failed: %v", err)
	}
	oldS1 := d.last(t, "S1")

	if err := p.SwitchMode(ctx, model.ModeMonitoring, "S1"); err != nil {
		t.Fatalf("SwitchMode(monitoring) failed: %v", err)
	}

	if got := siteState(t, p, "S1"); got != connstate.ConnectedFull {
		t.Errorf("S1 state = %s, want connected_full", got)
	}
	if got := siteState(t, p, "S2"); got != connstate.ConnectedSummary {
		t.Errorf("S2 state = %s, want connected_summary", got)
	}

	if c := connectionFor(t, p, "S1"); c.Type != "full" || c.IntervalMs != 10000 {
		t.Errorf("S1 cadence = %s/%dms, want full/10000ms", c.Type, c.IntervalMs)
	}
	if c := connectionFor(t, p, "S2"); c.Type != "summary" || c.IntervalMs != 60000 {
		t.Errorf("S2 cadence = %s/%dms, want summary/60000ms", c.Type, c.IntervalMs)
	}
	if !oldS1.isClosed() {
		t.Error("previous S1 socket should be closed after cadence change")
	}
	if p.Mode() != model.ModeMonitoring || p.SelectedSite() != "S1" {
		t.Errorf("Mode()/SelectedSite() = %s/%s", p.Mode(), p.SelectedSite())
	}
}

func TestPool_MonitoringValidation(t *testing.T) {
	tests := []struct {
		name     string
		selected string
		wantErr  error
	}{
		{"no selection", "", ErrSelectionRequired},
		{"unknown site", "S9", ErrUnknownSite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, d, _ := newTestPool(t, "S1", "S2")

			err := p.SwitchMode(context.Background(), model.ModeMonitoring, tt.selected)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SwitchMode() error = %v, want %v", err, tt.wantErr)
			}
			if n := d.dialCount(); n != 0 {
				t.Errorf("dials = %d, want 0", n)
			}
			if p.Mode() != "" {
				t.Errorf("Mode() = %q, want unchanged", p.Mode())
			}
		})
	}
}

func TestPool_UnknownMode(t *testing.T) {
	p, _, _ := newTestPool(t, "S1")
	if err := p.SwitchMode(context.Background(), "replay", ""); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("SwitchMode(replay) error = %v, want ErrUnknownMode", err)
	}
}

func TestPool_ModeChangedEvent(t *testing.T) {
	p, _, _ := newTestPool(t, "S1")
	shared := p.shared

	var local, global []eventbus.ModeChange
	On(p, eventbus.ModeChanged, func(e eventbus.ModeChange) { local = append(local, e) })
	eventbus.Subscribe(shared, eventbus.ModeChanged, func(e eventbus.ModeChange) { global = append(global, e) })

	ctx := context.Background()
	p.SwitchMode(ctx, model.ModeDashboard, "")
	p.SwitchMode(ctx, model.ModeMonitoring, "S1")

	want := []eventbus.ModeChange{
		{Mode: model.ModeDashboard},
		{Mode: model.ModeMonitoring, Previous: model.ModeDashboard, SelectedSiteID: "S1"},
	}
	if !reflect.DeepEqual(local, want) {
		t.Errorf("local events = %+v, want %+v", local, want)
	}
	if !reflect.DeepEqual(global, want) {
		t.Errorf("shared events = %+v, want %+v", global, want)
	}
}

func TestPool_StateEvents(t *testing.T) {
	p, _, _ := newTestPool(t, "S1")

	var seen []string
	unsubscribe := On(p, eventbus.SiteStateChanged("S1"), func(e eventbus.StateChange) {
		seen = append(seen, string(e.From)+">"+string(e.To))
	})

	p.SwitchMode(context.Background(), model.ModeDashboard, "")
	unsubscribe()
	p.SwitchMode(context.Background(), model.ModeAnalysis, "")

	want := []string{"disconnected>connecting", "connecting>connected_summary"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
}

// -----------------------------------------------------------------------------
// Pause
// -----------------------------------------------------------------------------

func TestPool_AnalysisPausesOpenSockets(t *testing.T) {
	p, d, _ := newTestPool(t, "S1", "S2")
	ctx := context.Background()

	p.SwitchMode(ctx, model.ModeDashboard, "")
	s1 := d.last(t, "S1")

	var messages atomic.Int64
	On(p, eventbus.MessageReceived, func(eventbus.Message) { messages.Inc() })

	if err := p.SwitchMode(ctx, model.ModeAnalysis, ""); err != nil {
		t.Fatalf("SwitchMode(analysis) failed: %v", err)
	}
	for _, id := range []string{"S1", "S2"} {
		if got := siteState(t, p, id); got != connstate.Paused {
			t.Errorf("%s state = %s, want paused", id, got)
		}
	}
	if s1.isClosed() {
		t.Error("pause should keep the socket open")
	}

	s1.messages <- TimestampedMessage{Data: []byte(`{"type":"telemetry"}`)}
	waitFor(t, "dropped frame", func() bool { return connectionFor(t, p, "S1").Dropped == 1 })
	if messages.Load() != 0 {
		t.Errorf("message events while paused = %d, want 0", messages.Load())
	}

	if err := p.SendJSON(map[string]string{"type": "ping"}); !errors.Is(err, ErrNoActiveConnection) {
		t.Errorf("SendJSON() while paused error = %v, want ErrNoActiveConnection", err)
	}
	if err := p.Reconnect(ctx, "S1"); !errors.Is(err, ErrPaused) {
		t.Errorf("Reconnect() while paused error = %v, want ErrPaused", err)
	}

	// Leaving analysis with the same cadence reuses the socket.
	dials := d.dialCount()
	p.SwitchMode(ctx, model.ModeDashboard, "")
	if d.dialCount() != dials {
		t.Errorf("dials after resume = %d, want %d", d.dialCount(), dials)
	}
	if got := siteState(t, p, "S1"); got != connstate.ConnectedSummary {
		t.Errorf("S1 state after resume = %s, want connected_summary", got)
	}
}

func TestPool_AnalysisCancelsPendingReconnect(t *testing.T) {
	p, d, clk := newTestPool(t, "S1")
	d.setFailing("S1", true)
	ctx := context.Background()

	p.SwitchMode(ctx, model.ModeDashboard, "")
	if n := len(clk.pending()); n != 1 {
		t.Fatalf("pending timers = %d, want 1", n)
	}

	p.SwitchMode(ctx, model.ModeAnalysis, "")

	if n := len(clk.pending()); n != 0 {
		t.Errorf("pending timers after pause = %d, want 0", n)
	}
	if got := siteState(t, p, "S1"); got != connstate.Disconnected {
		t.Errorf("S1 state = %s, want disconnected", got)
	}
}

func TestPool_AbnormalCloseWhilePaused(t *testing.T) {
	p, d, clk := newTestPool(t, "S1", "S2")
	ctx := context.Background()

	p.SwitchMode(ctx, model.ModeDashboard, "")
	p.SwitchMode(ctx, model.ModeAnalysis, "")
	dials := d.dialCount()

	d.last(t, "S1").errors <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}

	waitFor(t, "disconnect", func() bool { return siteState(t, p, "S1") == connstate.Disconnected })
	if got := clk.pendingDelays(); len(got) != 0 {
		t.Errorf("pending delays = %v, want none", got)
	}
	if d.dialCount() != dials {
		t.Errorf("dials = %d, want %d", d.dialCount(), dials)
	}
	info, _ := p.Tracker().Get("S1")
	if n := info.Stats().Disconnects; n != 1 {
		t.Errorf("Disconnects = %d, want 1", n)
	}
	if got := siteState(t, p, "S2"); got != connstate.Paused {
		t.Errorf("S2 state = %s, want paused", got)
	}

	// Leaving analysis dials the dropped site afresh.
	p.SwitchMode(ctx, model.ModeDashboard, "")
	if got := siteState(t, p, "S1"); got != connstate.ConnectedSummary {
		t.Errorf("S1 state after resume = %s, want connected_summary", got)
	}
	if d.dialCount() != dials+1 {
		t.Errorf("dials after resume = %d, want %d", d.dialCount(), dials+1)
	}
}

// -----------------------------------------------------------------------------
// Reconnect
// -----------------------------------------------------------------------------

func TestPool_AbnormalCloseBacksOff(t *testing.T) {
	p, d, clk := newTestPool(t, "S1", "S2")
	p.SwitchMode(context.Background(), model.ModeDashboard, "")

	d.last(t, "S1").errors <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}

	waitFor(t, "reconnect timer", func() bool { return len(clk.pending()) == 1 })
	if got := siteState(t, p, "S1"); got != connstate.Reconnecting {
		t.Errorf("S1 state = %s, want reconnecting", got)
	}
	if got := clk.pendingDelays(); got[0] != time.Second {
		t.Errorf("first delay = %v, want 1s", got[0])
	}
	if got := siteState(t, p, "S2"); got != connstate.ConnectedSummary {
		t.Errorf("S2 state = %s, want connected_summary", got)
	}
	info, _ := p.Tracker().Get("S1")
	if n := info.Stats().Disconnects; n != 1 {
		t.Errorf("Disconnects = %d, want 1", n)
	}

	d.setFailing("S1", true)
	clk.fireNext(t)

	if got := siteState(t, p, "S1"); got != connstate.Error {
		t.Errorf("S1 state after failed retry = %s, want error", got)
	}
	if got := clk.pendingDelays(); len(got) != 1 || got[0] != 2*time.Second {
		t.Errorf("pending delays = %v, want [2s]", got)
	}
}

func TestPool_ConnectTimeout(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.BaseURL = testBaseURL
	cfg.ConnectTimeout = 20 * time.Millisecond
	clk := newManualClock()

	hang := func(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p := NewPool(cfg, []string{"S1"}, tracker.New(nil), nil, nil, WithDialer(hang), WithClock(clk))
	defer p.Close(context.Background())

	start := time.Now()
	if err := p.SwitchMode(context.Background(), model.ModeDashboard, ""); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SwitchMode took %v, want about the connect timeout", elapsed)
	}

	if got := siteState(t, p, "S1"); got != connstate.Error {
		t.Errorf("S1 state = %s, want error", got)
	}
	if got := clk.pendingDelays(); len(got) != 1 || got[0] != time.Second {
		t.Errorf("pending delays = %v, want [1s]", got)
	}
}

func TestPool_SlowDialDoesNotBlockOtherSites(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.BaseURL = testBaseURL
	cfg.ConnectTimeout = 5 * time.Second
	d := newFakeDialer()

	dialing := make(chan struct{})
	dial := func(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
		if strings.Contains(cfg.URL, "/ws/sites/S2/") {
			close(dialing)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return d.dial(ctx, cfg, logger)
	}
	p := NewPool(cfg, []string{"S1", "S2"}, tracker.New(nil), nil, nil, WithDialer(dial), WithClock(newManualClock()))

	switched := make(chan struct{})
	go func() {
		defer close(switched)
		p.SwitchMode(context.Background(), model.ModeDashboard, "")
	}()

	<-dialing
	waitFor(t, "S1 connected", func() bool { return siteState(t, p, "S1") == connstate.ConnectedSummary })

	start := time.Now()
	if err := p.SendJSON(map[string]string{"type": "subscription_change"}); err != nil {
		t.Errorf("SendJSON() error = %v", err)
	}
	if n := len(p.Connections()); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("SendJSON and Connections took %v while S2 dials", elapsed)
	}
	if n := d.last(t, "S1").sentCount(); n != 1 {
		t.Errorf("S1 frames sent = %d, want 1", n)
	}
	if got := siteState(t, p, "S2"); got != connstate.Connecting {
		t.Errorf("S2 state = %s, want connecting", got)
	}

	// Closing cancels the pending dial and the superseded result is discarded.
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-switched:
	case <-time.After(2 * time.Second):
		t.Fatal("SwitchMode did not return after Close")
	}
	if got := siteState(t, p, "S2"); got != connstate.Disconnected {
		t.Errorf("S2 state after close = %s, want disconnected", got)
	}
}

func TestPool_PauseSupersedesDial(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.BaseURL = testBaseURL
	clk := newManualClock()

	dialing := make(chan struct{}, 1)
	hang := func(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (Client, error) {
		dialing <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p := NewPool(cfg, []string{"S1"}, tracker.New(nil), nil, nil, WithDialer(hang), WithClock(clk))
	defer p.Close(context.Background())

	switched := make(chan struct{})
	go func() {
		defer close(switched)
		p.SwitchMode(context.Background(), model.ModeDashboard, "")
	}()
	<-dialing

	if err := p.SwitchMode(context.Background(), model.ModeAnalysis, ""); err != nil {
		t.Fatalf("SwitchMode(analysis) failed: %v", err)
	}
	select {
	case <-switched:
	case <-time.After(2 * time.Second):
		t.Fatal("dashboard switch did not return after pause")
	}

	if got := siteState(t, p, "S1"); got != connstate.Disconnected {
		t.Errorf("S1 state = %s, want disconnected", got)
	}
	if n := len(clk.pending()); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
	info, _ := p.Tracker().Get("S1")
	if n := info.Stats().Failures; n != 0 {
		t.Errorf("failures = %d, want 0 for a superseded dial", n)
	}
}

func TestPool_NormalCloseDoesNotReconnect(t *testing.T) {
	p, d, clk := newTestPool(t, "S1")
	p.SwitchMode(context.Background(), model.ModeDashboard, "")

	d.last(t, "S1").errors <- &websocket.CloseError{Code: websocket.CloseNormalClosure}

	waitFor(t, "disconnect", func() bool { return siteState(t, p, "S1") == connstate.Disconnected })
	if n := len(clk.pending()); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
}

func TestPool_ReconnectExhaustion(t *testing.T) {
	p, d, clk := newTestPool(t, "S1")
	d.setFailing("S1", true)

	var failures []eventbus.ReconnectFailure
	On(p, eventbus.ReconnectFailed, func(e eventbus.ReconnectFailure) { failures = append(failures, e) })

	p.SwitchMode(context.Background(), model.ModeDashboard, "")

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		delays = append(delays, clk.fireNext(t))
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	if !reflect.DeepEqual(delays, want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
	if n := len(clk.pending()); n != 0 {
		t.Errorf("pending timers after exhaustion = %d, want 0", n)
	}
	if len(failures) != 1 {
		t.Fatalf("reconnect:failed events = %d, want 1", len(failures))
	}
	if failures[0].SiteID != "S1" || failures[0].Attempts != 10 {
		t.Errorf("failure = %+v", failures[0])
	}
	if !errors.Is(failures[0].Err, ErrReconnectExhausted) {
		t.Errorf("failure error = %v, want ErrReconnectExhausted", failures[0].Err)
	}
	if got := siteState(t, p, "S1"); got != connstate.Error {
		t.Errorf("S1 state = %s, want error", got)
	}

	// A manual reconnect starts over.
	d.setFailing("S1", false)
	if err := p.Reconnect(context.Background(), "S1"); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if got := siteState(t, p, "S1"); got != connstate.ConnectedSummary {
		t.Errorf("S1 state after Reconnect = %s, want connected_summary", got)
	}
	if len(failures) != 1 {
		t.Errorf("reconnect:failed events = %d, want still 1", len(failures))
	}
}

func TestPool_RecoveredEvent(t *testing.T) {
	p, d, clk := newTestPool(t, "S1")
	p.SwitchMode(context.Background(), model.ModeDashboard, "")

	var recovered []eventbus.Recovered
	On(p, eventbus.ConnectionRecovered, func(e eventbus.Recovered) { recovered = append(recovered, e) })

	d.last(t, "S1").errors <- &websocket.CloseError{Code: websocket.CloseGoingAway}
	waitFor(t, "reconnect timer", func() bool { return len(clk.pending()) == 1 })

	clk.fireNext(t)

	if got := siteState(t, p, "S1"); got != connstate.ConnectedSummary {
		t.Errorf("S1 state = %s, want connected_summary", got)
	}
	want := []eventbus.Recovered{{SiteID: "S1", RecoveredAfter: 1}}
	if !reflect.DeepEqual(recovered, want) {
		t.Errorf("recovered = %+v, want %+v", recovered, want)
	}
}

func TestPool_RemoveSiteCancelsTimer(t *testing.T) {
	p, d, clk := newTestPool(t, "S1", "S2")
	d.setFailing("S1", true)
	p.SwitchMode(context.Background(), model.ModeDashboard, "")

	pending := clk.pending()
	if len(pending) != 1 {
		t.Fatalf("pending timers = %d, want 1", len(pending))
	}
	timer := pending[0]

	if err := p.RemoveSite("S1"); err != nil {
		t.Fatalf("RemoveSite failed: %v", err)
	}
	if !timer.stopped {
		t.Error("reconnect timer not stopped")
	}

	// A callback that raced past Stop must not dial.
	dials := d.dialCount()
	timer.f()
	if d.dialCount() != dials {
		t.Errorf("dials after stale timer = %d, want %d", d.dialCount(), dials)
	}

	if _, ok := p.Tracker().Get("S1"); ok {
		t.Error("S1 still tracked after removal")
	}
	if err := p.RemoveSite("S1"); !errors.Is(err, ErrUnknownSite) {
		t.Errorf("second RemoveSite error = %v, want ErrUnknownSite", err)
	}
	if got := p.Sites(); !reflect.DeepEqual(got, []string{"S2"}) {
		t.Errorf("Sites() = %v, want [S2]", got)
	}
}

func TestPool_ReconnectErrors(t *testing.T) {
	p, _, _ := newTestPool(t, "S1")
	ctx := context.Background()

	if err := p.Reconnect(ctx, "S1"); !errors.Is(err, ErrNoMode) {
		t.Errorf("Reconnect() before mode error = %v, want ErrNoMode", err)
	}
	if err := p.Reconnect(ctx, "S9"); !errors.Is(err, ErrUnknownSite) {
		t.Errorf("Reconnect(S9) error = %v, want ErrUnknownSite", err)
	}
	if err := p.ReconnectAll(ctx); !errors.Is(err, ErrNoMode) {
		t.Errorf("ReconnectAll() before mode error = %v, want ErrNoMode", err)
	}
}

// -----------------------------------------------------------------------------
// Data path
// -----------------------------------------------------------------------------

func TestPool_MalformedFrameKeepsConnection(t *testing.T) {
	p, d, _ := newTestPool(t, "S1")
	p.SwitchMode(context.Background(), model.ModeDashboard, "")

	var (
		mu   sync.Mutex
		msgs []eventbus.Message
	)
	On(p, eventbus.SiteMessageReceived("S1"), func(m eventbus.Message) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	})

	c := d.last(t, "S1")
	c.messages <- TimestampedMessage{Data: []byte(`not json`)}
	c.messages <- TimestampedMessage{Data: []byte(`{"type":"telemetry","equipment":[]}`)}

	waitFor(t, "message event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 1
	})

	mu.Lock()
	if msgs[0].Type != "telemetry" || msgs[0].SiteID != "S1" {
		t.Errorf("message = %+v", msgs[0])
	}
	mu.Unlock()

	info := connectionFor(t, p, "S1")
	if info.ParseErrors != 1 || info.Messages != 1 {
		t.Errorf("parse errors/messages = %d/%d, want 1/1", info.ParseErrors, info.Messages)
	}
	if c.isClosed() {
		t.Error("malformed frame should not close the socket")
	}
	if got := siteState(t, p, "S1"); got != connstate.ConnectedSummary {
		t.Errorf("S1 state = %s, want connected_summary", got)
	}
}

func TestPool_SendJSONBroadcasts(t *testing.T) {
	p, d, _ := newTestPool(t, "S1", "S2")

	if err := p.SendJSON(map[string]string{"type": "ping"}); !errors.Is(err, ErrNoActiveConnection) {
		t.Errorf("SendJSON() before connect error = %v, want ErrNoActiveConnection", err)
	}

	p.SwitchMode(context.Background(), model.ModeDashboard, "")
	if err := p.SendJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}

	for _, id := range []string{"S1", "S2"} {
		if n := d.last(t, id).sentCount(); n != 1 {
			t.Errorf("%s sent = %d, want 1", id, n)
		}
	}
}

func TestPool_AddSite(t *testing.T) {
	p, _, _ := newTestPool(t, "S1")
	ctx := context.Background()
	p.SwitchMode(ctx, model.ModeDashboard, "")

	if err := p.AddSite(ctx, "S3"); err != nil {
		t.Fatalf("AddSite failed: %v", err)
	}
	if err := p.AddSite(ctx, "S3"); err != nil {
		t.Fatalf("duplicate AddSite failed: %v", err)
	}

	if got := siteState(t, p, "S3"); got != connstate.ConnectedSummary {
		t.Errorf("S3 state = %s, want connected_summary", got)
	}
	if got := p.Sites(); !reflect.DeepEqual(got, []string{"S1", "S3"}) {
		t.Errorf("Sites() = %v", got)
	}
}

func TestPool_SignsDials(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.BaseURL = testBaseURL
	d := newFakeDialer()

	var paths []string
	p := NewPool(cfg, []string{"S1"}, nil, nil, nil,
		WithDialer(d.dial),
		WithClock(newManualClock()),
		WithHeaderFunc(func(method, path string) (map[string]string, error) {
			paths = append(paths, method+" "+path)
			return map[string]string{"X-Monitor-Key": "viewer"}, nil
		}),
	)
	defer p.Close(context.Background())

	p.SwitchMode(context.Background(), model.ModeDashboard, "")

	if want := []string{"GET /ws/sites/S1/summary"}; !reflect.DeepEqual(paths, want) {
		t.Errorf("signed paths = %v, want %v", paths, want)
	}
	if got := d.last(t, "S1").header["X-Monitor-Key"]; got != "viewer" {
		t.Errorf("X-Monitor-Key = %q, want viewer", got)
	}
}

func TestPool_Close(t *testing.T) {
	p, d, clk := newTestPool(t, "S1", "S2")
	d.setFailing("S2", true)
	ctx := context.Background()
	p.SwitchMode(ctx, model.ModeDashboard, "")

	s1 := d.last(t, "S1")
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !s1.isClosed() {
		t.Error("S1 socket not closed")
	}
	if n := len(clk.pending()); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
	for _, id := range []string{"S1", "S2"} {
		if got := siteState(t, p, id); got != connstate.Disconnected {
			t.Errorf("%s state = %s, want disconnected", id, got)
		}
	}
	if err := p.SwitchMode(ctx, model.ModeDashboard, ""); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("SwitchMode after Close error = %v, want ErrPoolClosed", err)
	}
}

func TestSiteURL(t *testing.T) {
	tests := []struct {
		base    string
		site    string
		cadence model.Cadence
		want    string
	}{
		{"ws://host:8080", "S1", DashboardCadence, "ws://host:8080/ws/sites/S1/summary?interval=30000"},
		{"wss://host/", "S1", MonitoringFocusCadence, "wss://host/ws/sites/S1/full?interval=10000"},
		{"ws://host", "north plant", MonitoringOtherCadence, "ws://host/ws/sites/north%20plant/summary?interval=60000"},
	}

	for _, tt := range tests {
		if got := SiteURL(tt.base, tt.site, tt.cadence); got != tt.want {
			t.Errorf("SiteURL(%q, %q) = %q, want %q", tt.base, tt.site, got, tt.want)
		}
	}
}

// -----------------------------------------------------------------------------
// End to end over gorilla/websocket
// -----------------------------------------------------------------------------

func TestPool_LiveServerRecovers(t *testing.T) {
	var connections atomic.Int64
	intervals := make(chan string, 4)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case intervals <- r.URL.Query().Get("interval"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := connections.Inc()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
		if n == 1 {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restart"),
				time.Now().Add(time.Second),
			)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultPoolConfig()
	cfg.BaseURL = wsURL(server)
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond

	p := NewPool(cfg, []string{"S1"}, nil, nil, nil)
	defer p.Close(context.Background())

	hello := make(chan eventbus.Message, 4)
	recovered := make(chan eventbus.Recovered, 1)
	On(p, eventbus.MessageReceived, func(m eventbus.Message) { hello <- m })
	On(p, eventbus.ConnectionRecovered, func(r eventbus.Recovered) { recovered <- r })

	if err := p.SwitchMode(context.Background(), model.ModeDashboard, ""); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}

	if got := <-intervals; got != "30000" {
		t.Errorf("interval query = %q, want 30000", got)
	}

	select {
	case m := <-hello:
		if m.Type != "hello" {
			t.Errorf("message type = %q, want hello", m.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first message")
	}

	select {
	case r := <-recovered:
		if r.SiteID != "S1" || r.RecoveredAfter != 1 {
			t.Errorf("recovered = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for recovery")
	}

	waitFor(t, "reconnected state", func() bool { return siteState(t, p, "S1") == connstate.ConnectedSummary })
}
