package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/site-monitor/internal/eventbus"
	"github.com/rickgao/site-monitor/internal/model"
)

// Errors
var (
	ErrUnknownAction = errors.New("unknown recovery action")
	ErrNoStrategy    = errors.New("no recovery strategy for mode")
)

// StepSwitchConnectionMode names the status transport step in ActionError.
const StepSwitchConnectionMode = "switch_connection_mode"

// ActionError reports which step of a playbook failed.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("recovery action %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// StatusTransport is the status-reporting channel whose connection mode is
// aligned before the actions run.
type StatusTransport interface {
	SwitchConnectionMode(ctx context.Context, mode string) error
}

// Action is one named recovery step. siteID is the site that recovered.
type Action func(ctx context.Context, siteID string) error

// ModeFunc returns the current application mode.
type ModeFunc func() model.AppMode

// Config holds the host-supplied collaborators.
type Config struct {
	Strategies map[model.AppMode]Strategy // nil means DefaultStrategies()
	Mode       ModeFunc
	Status     StatusTransport // optional
	Actions    map[string]Action
}

// Option configures a Handler.
type Option func(*Handler)

// WithSleep replaces the delay used before a playbook starts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) {
		if sleep != nil {
			h.sleep = sleep
		}
	}
}

// Handler runs recovery playbooks.
type Handler struct {
	cfg    Config
	bus    *eventbus.Bus
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	running     map[string]bool
	wg          sync.WaitGroup
}

// NewHandler creates a Handler. Call Start to begin listening.
func NewHandler(cfg Config, bus *eventbus.Bus, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies()
	}

	h := &Handler{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With("component", "recovery"),
		sleep:   sleepContext,
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to connection recovered events. Each recovery runs on its
// own goroutine; a site already recovering is skipped.
func (h *Handler) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unsubscribe != nil {
		return
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.unsubscribe = eventbus.Subscribe(h.bus, eventbus.ConnectionRecovered, h.onRecovered)

	h.logger.Info("recovery handler started")
}

// Stop unsubscribes, cancels running playbooks and waits for them until ctx
// expires.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.unsubscribe == nil {
		h.mu.Unlock()
		return nil
	}
	h.unsubscribe()
	h.unsubscribe = nil
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("recovery handler stopped")
		return nil
	case <-ctx.Done():
		h.logger.Warn("shutdown timeout, recovery still running")
		return ctx.Err()
	}
}

func (h *Handler) onRecovered(evt eventbus.Recovered) {
	if evt.RecoveredAfter <= 0 {
		return
	}

	h.mu.Lock()
	if h.ctx == nil || h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	if h.running[evt.SiteID] {
		h.mu.Unlock()
		h.logger.Debug("recovery already running", "site", evt.SiteID)
		return
	}
	h.running[evt.SiteID] = true
	ctx := h.ctx
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.running, evt.SiteID)
			h.mu.Unlock()
		}()

		h.logger.Info("connection recovered",
			"site", evt.SiteID,
			"after_attempts", evt.RecoveredAfter,
		)
		h.Handle(ctx, evt.SiteID)
	}()
}

// Handle runs the current mode's playbook for siteID and returns the first
// failure. Outcomes are also published on the bus.
func (h *Handler) Handle(ctx context.Context, siteID string) error {
	runID := uuid.NewString()
	var mode model.AppMode
	if h.cfg.Mode != nil {
		mode = h.cfg.Mode()
	}
	logger := h.logger.With("run_id", runID, "site", siteID, "mode", mode)

	strategy, ok := h.cfg.Strategies[mode]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNoStrategy, mode)
		h.fail(logger, runID, siteID, mode, "", err)
		return err
	}

	start := time.Now()
	if err := h.execute(ctx, logger, siteID, strategy); err != nil {
		var actionErr *ActionError
		action := ""
		if errors.As(err, &actionErr) {
			action = actionErr.Action
		}
		h.fail(logger, runID, siteID, mode, action, err)
		return err
	}

	duration := time.Since(start)
	logger.Info("recovery complete", "actions", strategy.Actions, "duration", duration)
	eventbus.Publish(h.bus, eventbus.RecoveryCompleted, eventbus.RecoveryComplete{
		RunID:    runID,
		SiteID:   siteID,
		Mode:     mode,
		Actions:  append([]string(nil), strategy.Actions...),
		Duration: duration,
	})
	if strategy.Notice != "" {
		eventbus.Publish(h.bus, eventbus.NoticeRequested, eventbus.Notice{
			Level:   eventbus.NoticeInfo,
			Message: strategy.Notice,
			SiteID:  siteID,
		})
	}
	return nil
}

// execute runs one playbook. Panics inside a step are converted into an
// ActionError for that step.
func (h *Handler) execute(ctx context.Context, logger *slog.Logger, siteID string, s Strategy) error {
	if err := h.sleep(ctx, s.RestartDelay); err != nil {
		return err
	}

	if h.cfg.Status != nil && s.ConnectionMode != "" {
		err := safeRun(StepSwitchConnectionMode, func() error {
			return h.cfg.Status.SwitchConnectionMode(ctx, s.ConnectionMode)
		})
		if err != nil {
			return err
		}
		logger.Debug("status transport switched", "connection_mode", s.ConnectionMode)
	}

	for _, name := range s.Actions {
		action, ok := h.cfg.Actions[name]
		if !ok {
			return &ActionError{Action: name, Err: ErrUnknownAction}
		}
		if err := ctx.Err(); err != nil {
			return &ActionError{Action: name, Err: err}
		}

		logger.Debug("running recovery action", "action", name)
		if err := safeRun(name, func() error { return action(ctx, siteID) }); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) fail(logger *slog.Logger, runID, siteID string, mode model.AppMode, action string, err error) {
	logger.Error("recovery failed", "action", action, "error", err)

	eventbus.Publish(h.bus, eventbus.RecoveryFailed, eventbus.RecoveryFailure{
		RunID:  runID,
		SiteID: siteID,
		Mode:   mode,
		Action: action,
		Err:    err,
	})
	eventbus.Publish(h.bus, eventbus.NoticeRequested, eventbus.Notice{
		Level:   eventbus.NoticeWarning,
		Message: fmt.Sprintf("Recovery of site %s did not complete", siteID),
		SiteID:  siteID,
	})
}

func safeRun(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionError{Action: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		return &ActionError{Action: name, Err: err}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
