package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/site-monitor/internal/connstate"
	"github.com/rickgao/site-monitor/internal/eventbus"
	"github.com/rickgao/site-monitor/internal/model"
	"github.com/rickgao/site-monitor/internal/tracker"
)

// HeaderFunc returns extra handshake headers for a dial to path.
type HeaderFunc func(method, path string) (map[string]string, error)

// Option configures a Pool.
type Option func(*Pool)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithClock replaces the wall clock used for reconnect timers.
func WithClock(clock Clock) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithHeaderFunc signs every dial.
func WithHeaderFunc(fn HeaderFunc) Option {
	return func(p *Pool) {
		p.headers = fn
	}
}

// Pool keeps one socket per site whose cadence follows the application mode.
//
// Events are published on a pool-local bus (see On) and mirrored on the
// shared bus passed to NewPool. Handlers run on the goroutine that changed the
// state, with the site's lock held; they must not call back into the Pool
// synchronously.
type Pool struct {
	cfg     PoolConfig
	tracker *tracker.Tracker
	shared  *eventbus.Bus
	local   *eventbus.Bus
	logger  *slog.Logger
	dial    DialFunc
	clock   Clock
	headers HeaderFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	mode     model.AppMode
	selected string
	sites    map[string]*siteSlot
	closed   bool
}

// siteSlot holds the per-site connection bookkeeping. All fields below mu are
// guarded by it; a site is closed and rescheduled under its own lock so
// concurrent sites never block each other. The lock is released while a dial
// is in flight; dialGen tells the dial whether it was superseded meanwhile.
type siteSlot struct {
	id      string
	info    *tracker.SiteInfo
	ctx     context.Context
	cancel  context.CancelFunc
	unwatch func()

	mu        sync.Mutex
	conn      *siteConn
	timer     Timer
	timerGen  uint64
	dialGen   uint64
	dialStop  context.CancelFunc
	attempts  int
	exhausted bool
	removed   bool
}

// siteConn is one live socket.
type siteConn struct {
	id       string
	siteID   string
	cadence  model.Cadence
	url      string
	openedAt time.Time
	client   Client

	done     chan struct{}
	doneOnce sync.Once

	messages    atomic.Int64
	parseErrors atomic.Int64
	dropped     atomic.Int64
	bytes       atomic.Int64
}

func (c *siteConn) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// plan is the desired posture of one site under the current mode.
type plan struct {
	active  bool
	pause   bool
	cadence model.Cadence
}

// NewPool creates a pool for sites. Every site is registered with tr; no
// socket is opened until the first SwitchMode.
func NewPool(cfg PoolConfig, sites []string, tr *tracker.Tracker, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if tr == nil {
		tr = tracker.New(logger)
	}
	if cfg.DialConcurrency <= 0 {
		cfg.DialConcurrency = DefaultPoolConfig().DialConcurrency
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultPoolConfig().MaxReconnectAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		tracker: tr,
		shared:  bus,
		local:   eventbus.New(logger),
		logger:  logger.With("component", "pool"),
		dial:    DialWebSocket,
		clock:   realClock{},
		ctx:     ctx,
		cancel:  cancel,
		sites:   make(map[string]*siteSlot),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, id := range sites {
		if _, ok := p.sites[id]; ok {
			continue
		}
		p.sites[id] = p.newSlot(id)
	}

	return p
}

// On registers fn for a pool event and returns a function removing it.
func On[T any](p *Pool, topic eventbus.Topic[T], fn func(T)) func() {
	return eventbus.Subscribe(p.local, topic, fn)
}

// Mode returns the current application mode ("" before the first switch).
func (p *Pool) Mode() model.AppMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// SelectedSite returns the focused site in monitoring mode.
func (p *Pool) SelectedSite() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selected
}

// Sites returns the managed site IDs in sorted order.
func (p *Pool) Sites() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.sites))
	for id := range p.sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tracker returns the tracker the pool reports into.
func (p *Pool) Tracker() *tracker.Tracker {
	return p.tracker
}

// SwitchMode moves every site to the cadence of mode. Monitoring needs a
// selected site; validation errors are returned before any socket changes.
// Dials run in parallel; SwitchMode returns once every site has settled into
// a connected, paused, or failed-and-scheduled state. Reconnect attempt
// counters are reset.
func (p *Pool) SwitchMode(ctx context.Context, mode model.AppMode, selectedSiteID string) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if mode == model.ModeMonitoring {
		if selectedSiteID == "" {
			p.mu.Unlock()
			return ErrSelectionRequired
		}
		if _, ok := p.sites[selectedSiteID]; !ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownSite, selectedSiteID)
		}
	} else {
		selectedSiteID = ""
	}
	previous := p.mode
	p.mode = mode
	p.selected = selectedSiteID
	slots := p.slotsLocked()
	p.mu.Unlock()

	p.logger.Info("switching mode",
		"mode", mode,
		"previous", previous,
		"selected", selectedSiteID,
		"sites", len(slots),
	)

	start := p.clock.Now()
	p.applyAll(ctx, slots)

	p.logger.Info("mode applied",
		"mode", mode,
		"duration", p.clock.Now().Sub(start),
	)

	publish(p, eventbus.ModeChanged, eventbus.ModeChange{
		Mode:           mode,
		Previous:       previous,
		SelectedSiteID: selectedSiteID,
	})
	return nil
}

// AddSite registers and, if a mode is active, connects a new site.
// Adding a known site is a no-op.
func (p *Pool) AddSite(ctx context.Context, siteID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.sites[siteID]; ok {
		p.mu.Unlock()
		p.logger.Debug("site already managed", "site", siteID)
		return nil
	}
	slot := p.newSlot(siteID)
	p.sites[siteID] = slot
	p.mu.Unlock()

	p.logger.Info("site added", "site", siteID)
	p.apply(ctx, slot)
	return nil
}

// RemoveSite closes the site's socket, cancels any pending reconnect timer
// and unregisters it from the tracker.
func (p *Pool) RemoveSite(siteID string) error {
	p.mu.Lock()
	slot, ok := p.sites[siteID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	delete(p.sites, siteID)
	if p.selected == siteID {
		p.selected = ""
	}
	p.mu.Unlock()

	p.dispose(slot, "site removed")
	p.tracker.Unregister(siteID)

	p.logger.Info("site removed", "site", siteID)
	return nil
}

// Reconnect forces a fresh dial of one site at its current cadence and
// resets its attempt counter.
func (p *Pool) Reconnect(ctx context.Context, siteID string) error {
	slot, err := p.slot(siteID)
	if err != nil {
		return err
	}

	pl := p.planFor(siteID)
	switch {
	case !pl.active:
		return ErrNoMode
	case pl.pause:
		return ErrPaused
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.removed {
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	slot.attempts = 0
	slot.exhausted = false
	p.closeConnLocked(slot, "manual reconnect")
	p.connectLocked(ctx, slot, pl.cadence)
	return nil
}

// ReconnectAll re-applies the current mode to every site. Live sockets whose
// cadence already matches are kept.
func (p *Pool) ReconnectAll(ctx context.Context) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	if p.mode == "" {
		p.mu.RUnlock()
		return ErrNoMode
	}
	slots := p.slotsLocked()
	p.mu.RUnlock()

	p.applyAll(ctx, slots)
	return nil
}

// Send writes data to one site's live socket.
func (p *Pool) Send(siteID string, data []byte) error {
	slot, err := p.slot(siteID)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	conn := slot.conn
	slot.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.client.Send(data)
}

// SendJSON marshals v and writes it to every live, non-paused socket.
// It returns ErrNoActiveConnection when nothing could receive it.
func (p *Pool) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	sent := 0
	var errs []error
	for _, slot := range p.snapshot() {
		slot.mu.Lock()
		conn := slot.conn
		paused := slot.info.State() == connstate.Paused
		slot.mu.Unlock()

		if conn == nil || paused {
			continue
		}
		if err := conn.client.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", slot.id, err))
			continue
		}
		sent++
	}

	if sent == 0 && len(errs) == 0 {
		return ErrNoActiveConnection
	}
	return errors.Join(errs...)
}

// Connections returns a snapshot of every live socket, sorted by site.
func (p *Pool) Connections() []ConnectionInfo {
	var out []ConnectionInfo
	for _, slot := range p.snapshot() {
		slot.mu.Lock()
		conn := slot.conn
		slot.mu.Unlock()
		if conn == nil {
			continue
		}
		out = append(out, ConnectionInfo{
			ID:          conn.id,
			SiteID:      conn.siteID,
			Type:        string(conn.cadence.Type),
			IntervalMs:  conn.cadence.Interval.Milliseconds(),
			URL:         conn.url,
			OpenedAt:    conn.openedAt,
			Connected:   conn.client.IsConnected(),
			Paused:      slot.info.State() == connstate.Paused,
			Messages:    conn.messages.Load(),
			ParseErrors: conn.parseErrors.Load(),
			Dropped:     conn.dropped.Load(),
			Bytes:       conn.bytes.Load(),
		})
	}
	return out
}

// Close shuts every socket, cancels pending timers and waits for read loops
// until ctx expires. Site registrations in the tracker are kept.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := p.slotsLocked()
	p.mu.Unlock()

	p.logger.Info("closing pool", "sites", len(slots))
	p.cancel()

	for _, slot := range slots {
		p.dispose(slot, "pool closed")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timeout, read loops still running")
		return ctx.Err()
	}

	p.local.Reset()
	p.logger.Info("pool closed")
	return nil
}

// -----------------------------------------------------------------------------
// Planning
// -----------------------------------------------------------------------------

// planFor returns the desired posture of siteID under the current mode.
func (p *Pool) planFor(siteID string) plan {
	p.mu.RLock()
	mode, selected := p.mode, p.selected
	p.mu.RUnlock()
	return planFor(mode, selected, siteID)
}

func planFor(mode model.AppMode, selected, siteID string) plan {
	switch mode {
	case model.ModeDashboard:
		return plan{active: true, cadence: DashboardCadence}
	case model.ModeMonitoring:
		if siteID == selected {
			return plan{active: true, cadence: MonitoringFocusCadence}
		}
		return plan{active: true, cadence: MonitoringOtherCadence}
	case model.ModeAnalysis:
		return plan{active: true, pause: true}
	}
	return plan{}
}

// SiteURL builds {base}/ws/sites/{id}/{type}?interval={ms}.
func SiteURL(base, siteID string, cadence model.Cadence) string {
	return strings.TrimRight(base, "/") + sitePath(siteID, cadence) +
		"?interval=" + strconv.FormatInt(cadence.Interval.Milliseconds(), 10)
}

func sitePath(siteID string, cadence model.Cadence) string {
	return "/ws/sites/" + url.PathEscape(siteID) + "/" + string(cadence.Type)
}

func connectedState(t model.SubscriptionType) connstate.State {
	if t == model.SubscriptionFull {
		return connstate.ConnectedFull
	}
	return connstate.ConnectedSummary
}

// -----------------------------------------------------------------------------
// Site lifecycle
// -----------------------------------------------------------------------------

func (p *Pool) newSlot(siteID string) *siteSlot {
	info := p.tracker.Register(siteID)
	ctx, cancel := context.WithCancel(p.ctx)

	slot := &siteSlot{
		id:     siteID,
		info:   info,
		ctx:    ctx,
		cancel: cancel,
	}
	slot.unwatch = info.Machine().OnTransition(func(from, to connstate.State, meta connstate.Metadata) {
		change := eventbus.StateChange{
			SiteID:   siteID,
			From:     from,
			To:       to,
			Metadata: meta,
			At:       p.clock.Now(),
		}
		publish(p, eventbus.StateChanged, change)
		publish(p, eventbus.SiteStateChanged(siteID), change)
	})
	return slot
}

func (p *Pool) slot(siteID string) (*siteSlot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	slot, ok := p.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, siteID)
	}
	return slot, nil
}

func (p *Pool) slotsLocked() []*siteSlot {
	slots := make([]*siteSlot, 0, len(p.sites))
	for _, s := range p.sites {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].id < slots[j].id })
	return slots
}

func (p *Pool) snapshot() []*siteSlot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.slotsLocked()
}

// applyAll brings every slot to its planned posture, DialConcurrency at a time.
func (p *Pool) applyAll(ctx context.Context, slots []*siteSlot) {
	var g errgroup.Group
	g.SetLimit(p.cfg.DialConcurrency)
	for _, slot := range slots {
		g.Go(func() error {
			p.apply(ctx, slot)
			return nil
		})
	}
	g.Wait()
}

func (p *Pool) apply(ctx context.Context, slot *siteSlot) {
	pl := p.planFor(slot.id)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.removed || !pl.active {
		return
	}
	slot.attempts = 0
	slot.exhausted = false

	if pl.pause {
		p.pauseLocked(slot)
		return
	}
	p.connectLocked(ctx, slot, pl.cadence)
}

// connectLocked opens a socket at cadence, reusing the live one when its
// cadence already matches. Failures move the site to ERROR and schedule a
// backoff retry.
//
// slot.mu is released for the duration of the dial and held again on return.
// A dial superseded by another connect, a pause or a removal closes its
// client and leaves the slot to whoever superseded it.
func (p *Pool) connectLocked(ctx context.Context, slot *siteSlot, cadence model.Cadence) {
	p.abortDialLocked(slot)
	p.cancelTimerLocked(slot)
	m := slot.info.Machine()
	target := connectedState(cadence.Type)

	if c := slot.conn; c != nil && c.cadence == cadence && c.client.IsConnected() {
		p.transitionLocked(slot, target, connstate.Metadata{connstate.MetaReason: "resumed"})
		return
	}
	p.closeConnLocked(slot, "cadence changed")

	siteURL := SiteURL(p.cfg.BaseURL, slot.id, cadence)
	meta := connstate.Metadata{
		connstate.MetaURL:      siteURL,
		connstate.MetaInterval: cadence.Interval,
	}
	if err := m.TransitionTo(connstate.Connecting, meta); err != nil {
		p.logger.Warn("connecting transition rejected, resetting", "site", slot.id, "error", err)
		m.Reset()
		p.transitionLocked(slot, connstate.Connecting, meta)
	}

	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if p.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(slot.ctx, p.cfg.ConnectTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(slot.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	slot.dialGen++
	gen := slot.dialGen
	slot.dialStop = cancel
	start := p.clock.Now()

	slot.mu.Unlock()
	client, err := p.dialSite(dialCtx, slot.id, siteURL, cadence)
	slot.mu.Lock()

	stop()
	cancel()

	if slot.dialGen != gen || slot.removed || slot.ctx.Err() != nil {
		if client != nil {
			if cerr := client.Close(); cerr != nil {
				p.logger.Debug("close error", "site", slot.id, "error", cerr)
			}
		}
		p.logger.Debug("dial superseded", "site", slot.id, "url", siteURL)
		return
	}
	slot.dialStop = nil

	if err != nil {
		p.logger.Warn("dial failed",
			"site", slot.id,
			"url", siteURL,
			"attempt", slot.attempts,
			"error", err,
		)
		slot.info.RecordConnectionAttempt(false, 0)
		p.transitionLocked(slot, connstate.Error, connstate.Metadata{
			connstate.MetaReason: "dial failed",
			connstate.MetaError:  err.Error(),
			connstate.MetaURL:    siteURL,
		})
		p.scheduleReconnectLocked(slot, err)
		return
	}

	latency := p.clock.Now().Sub(start)
	conn := &siteConn{
		id:       uuid.NewString(),
		siteID:   slot.id,
		cadence:  cadence,
		url:      siteURL,
		openedAt: p.clock.Now(),
		client:   client,
		done:     make(chan struct{}),
	}
	slot.conn = conn
	recoveredAfter := slot.attempts
	slot.attempts = 0
	slot.exhausted = false

	p.transitionLocked(slot, target, connstate.Metadata{
		connstate.MetaLatency:  latency,
		connstate.MetaURL:      siteURL,
		connstate.MetaInterval: cadence.Interval,
	})

	p.logger.Info("site connected",
		"site", slot.id,
		"cadence", cadence.String(),
		"conn_id", conn.id,
		"latency", latency,
	)

	p.wg.Add(1)
	go p.readLoop(slot, conn)

	if recoveredAfter > 0 {
		p.logger.Info("site recovered", "site", slot.id, "after_attempts", recoveredAfter)
		publish(p, eventbus.ConnectionRecovered, eventbus.Recovered{
			SiteID:         slot.id,
			RecoveredAfter: recoveredAfter,
		})
	}
}

func (p *Pool) dialSite(ctx context.Context, siteID, siteURL string, cadence model.Cadence) (Client, error) {
	cfg := p.cfg.Client
	cfg.URL = siteURL
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = p.cfg.ConnectTimeout
	}
	if p.headers != nil {
		header, err := p.headers("GET", sitePath(siteID, cadence))
		if err != nil {
			return nil, fmt.Errorf("sign dial: %w", err)
		}
		cfg.Header = header
	}
	return p.dial(ctx, cfg, p.logger.With("site", siteID))
}

// pauseLocked keeps an open socket but stops data flow; sites without a
// socket are parked in DISCONNECTED.
func (p *Pool) pauseLocked(slot *siteSlot) {
	p.abortDialLocked(slot)
	p.cancelTimerLocked(slot)

	if slot.conn != nil && slot.info.Machine().IsConnected() {
		p.transitionLocked(slot, connstate.Paused, connstate.Metadata{connstate.MetaReason: "analysis mode"})
		return
	}

	p.closeConnLocked(slot, "paused")
	p.transitionLocked(slot, connstate.Disconnected, connstate.Metadata{connstate.MetaReason: "paused while offline"})
}

// scheduleReconnectLocked arms the backoff timer, or gives up once the
// attempt budget is spent. The give-up event fires once per exhaustion.
func (p *Pool) scheduleReconnectLocked(slot *siteSlot, cause error) {
	if slot.removed || slot.ctx.Err() != nil {
		return
	}

	if slot.attempts >= p.cfg.MaxReconnectAttempts {
		if slot.exhausted {
			return
		}
		slot.exhausted = true
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, slot.attempts, cause)
		p.logger.Error("giving up on site", "site", slot.id, "attempts", slot.attempts, "error", cause)
		p.transitionLocked(slot, connstate.Error, connstate.Metadata{
			connstate.MetaReason: "reconnect attempts exhausted",
		})
		publish(p, eventbus.ReconnectFailed, eventbus.ReconnectFailure{
			SiteID:   slot.id,
			Attempts: slot.attempts,
			Err:      err,
		})
		return
	}

	delay := Backoff(slot.attempts, p.cfg.ReconnectBaseDelay, p.cfg.ReconnectMaxDelay)
	slot.attempts++
	slot.timerGen++
	gen := slot.timerGen
	slot.timer = p.clock.AfterFunc(delay, func() { p.fireReconnect(slot, gen) })

	p.logger.Info("reconnect scheduled",
		"site", slot.id,
		"attempt", slot.attempts,
		"delay", delay,
	)
}

// fireReconnect runs when a backoff timer expires. Timers superseded by a
// later schedule, cancel or removal are ignored.
func (p *Pool) fireReconnect(slot *siteSlot, gen uint64) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.removed || gen != slot.timerGen || slot.ctx.Err() != nil {
		return
	}
	slot.timer = nil

	pl := p.planFor(slot.id)
	if !pl.active || pl.pause {
		return
	}
	p.connectLocked(slot.ctx, slot, pl.cadence)
}

// abortDialLocked cancels an in-flight dial and marks it superseded.
func (p *Pool) abortDialLocked(slot *siteSlot) {
	if slot.dialStop != nil {
		slot.dialStop()
		slot.dialStop = nil
	}
	slot.dialGen++
}

func (p *Pool) cancelTimerLocked(slot *siteSlot) {
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.timerGen++
}

// closeConnLocked closes the live socket with a normal closure. Its read loop
// exits without reporting the close.
func (p *Pool) closeConnLocked(slot *siteSlot, reason string) {
	conn := slot.conn
	if conn == nil {
		return
	}
	slot.conn = nil
	conn.stop()
	if err := conn.client.Close(); err != nil {
		p.logger.Debug("close error", "site", slot.id, "error", err)
	}
	p.logger.Debug("socket closed", "site", slot.id, "conn_id", conn.id, "reason", reason)
}

func (p *Pool) dispose(slot *siteSlot, reason string) {
	slot.cancel()

	slot.mu.Lock()
	slot.removed = true
	p.abortDialLocked(slot)
	p.cancelTimerLocked(slot)
	p.closeConnLocked(slot, reason)
	p.transitionLocked(slot, connstate.Disconnected, connstate.Metadata{connstate.MetaReason: reason})
	slot.mu.Unlock()

	if slot.unwatch != nil {
		slot.unwatch()
	}
}

// -----------------------------------------------------------------------------
// Read path
// -----------------------------------------------------------------------------

func (p *Pool) readLoop(slot *siteSlot, conn *siteConn) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-conn.done:
			return
		case err := <-conn.client.Errors():
			p.handleClose(slot, conn, err)
			return
		case msg, ok := <-conn.client.Messages():
			if !ok {
				return
			}
			p.handleMessage(slot, conn, msg)
		}
	}
}

func (p *Pool) handleMessage(slot *siteSlot, conn *siteConn, msg TimestampedMessage) {
	conn.bytes.Add(int64(len(msg.Data)))

	if !slot.info.Machine().CanReceiveData() {
		conn.dropped.Inc()
		return
	}

	frameType, payload, err := decodeFrame(msg.Data)
	if err != nil {
		conn.parseErrors.Inc()
		p.logger.Warn("dropping frame",
			"site", slot.id,
			"conn_id", conn.id,
			"error", err,
		)
		return
	}
	conn.messages.Inc()

	evt := eventbus.Message{
		SiteID:       slot.id,
		ConnectionID: conn.id,
		Type:         frameType,
		Data:         payload,
		ReceivedAt:   msg.ReceivedAt,
	}
	publish(p, eventbus.MessageReceived, evt)
	publish(p, eventbus.SiteMessageReceived(slot.id), evt)
}

// handleClose reacts to a socket the server (or the network) ended. A normal
// closure parks the site; anything else starts the backoff cycle, unless the
// site is paused, in which case it waits in DISCONNECTED for the next mode.
func (p *Pool) handleClose(slot *siteSlot, conn *siteConn, cause error) {
	code := CloseCode(cause)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.conn != conn {
		return
	}
	slot.conn = nil
	conn.stop()
	if err := conn.client.Close(); err != nil {
		p.logger.Debug("close error", "site", slot.id, "error", err)
	}

	if slot.removed {
		return
	}

	if code == websocket.CloseNormalClosure {
		p.logger.Info("site closed by server", "site", slot.id, "conn_id", conn.id)
		p.transitionLocked(slot, connstate.Disconnected, connstate.Metadata{
			connstate.MetaReason:    "closed by server",
			connstate.MetaCloseCode: code,
		})
		return
	}

	reason := "close code " + strconv.Itoa(code)
	p.logger.Warn("site connection lost",
		"site", slot.id,
		"conn_id", conn.id,
		"code", code,
		"error", cause,
	)

	// The tracker records the disconnect from the PAUSED -> DISCONNECTED move.
	if pl := p.planFor(slot.id); pl.pause {
		p.transitionLocked(slot, connstate.Disconnected, connstate.Metadata{
			connstate.MetaReason:    reason + " while paused",
			connstate.MetaCloseCode: code,
		})
		return
	}

	slot.info.RecordDisconnect(reason)
	p.transitionLocked(slot, connstate.Reconnecting, connstate.Metadata{
		connstate.MetaReason:    reason,
		connstate.MetaCloseCode: code,
	})
	p.scheduleReconnectLocked(slot, cause)
}

// transitionLocked moves the site's machine, logging a rejected move.
func (p *Pool) transitionLocked(slot *siteSlot, to connstate.State, meta connstate.Metadata) {
	if err := slot.info.Machine().TransitionTo(to, meta); err != nil {
		p.logger.Warn("transition rejected", "site", slot.id, "to", to, "error", err)
	}
}

func publish[T any](p *Pool, topic eventbus.Topic[T], payload T) {
	eventbus.Publish(p.local, topic, payload)
	eventbus.Publish(p.shared, topic, payload)
}
