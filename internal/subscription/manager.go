package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/site-monitor/internal/eventbus"
	"github.com/rickgao/site-monitor/internal/model"
)

// Errors
var (
	ErrUnknownContext = errors.New("unknown subscription context")
	ErrContextMode    = errors.New("context belongs to another mode")
	ErrUnknownMode    = errors.New("unknown app mode")
	ErrNoMode         = errors.New("no app mode selected")
)

// DirectiveType is the type of the outbound subscription frame.
const DirectiveType = "subscription_change"

// Transport carries directives to the backend. The connection pool
// implements it.
type Transport interface {
	SendJSON(v any) error
}

// Directive is the frame sent over the transport on every policy change.
type Directive struct {
	Type    string           `json:"type"`
	Payload DirectivePayload `json:"payload"`
}

// DirectivePayload describes the new policy.
type DirectivePayload struct {
	Context         Context           `json:"context"`
	PreviousContext Context           `json:"previous_context"`
	AllLevel        Level             `json:"all_level"`
	SelectedIDs     []string          `json:"selected_ids"`
	SelectedLevel   Level             `json:"selected_level"`
	WebSocketState  model.SocketState `json:"websocket_state"`
}

// Snapshot is the current policy state.
type Snapshot struct {
	Mode            model.AppMode     `json:"mode"`
	Context         Context           `json:"context"`
	PreviousContext Context           `json:"previous_context"`
	SelectedIDs     []string          `json:"selected_ids"`
	PanelOpen       bool              `json:"panel_open"`
	AllLevel        Level             `json:"all_level"`
	SelectedLevel   Level             `json:"selected_level"`
	SocketState     model.SocketState `json:"websocket_state"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Manager holds the UI situation and emits subscription directives.
//
// Updates are serialized; event handlers must not call back into the
// Manager's mutating methods synchronously.
type Manager struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	updateMu sync.Mutex // serializes compute+send+publish

	mu        sync.RWMutex
	transport Transport
	mode      model.AppMode
	context   Context
	previous  Context
	selected  []string
	panelOpen bool
	policy    Policy
	updatedAt time.Time
}

// New creates a Manager. transport may be nil and set later.
func New(transport Transport, bus *eventbus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:    logger.With("component", "subscription"),
		bus:       bus,
		transport: transport,
	}
}

// SetTransport replaces the active transport.
func (m *Manager) SetTransport(t Transport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

// SwitchMode clears selection and panel state and moves to the mode's
// default context.
func (m *Manager) SwitchMode(mode model.AppMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	m.mode = mode
	m.panelOpen = false
	m.mu.Unlock()

	return m.updateLocked(DefaultContext(mode), nil)
}

// UpdateContext applies ctx with the given selection. It is the only place
// the policy changes.
func (m *Manager) UpdateContext(ctx Context, selectedIDs []string) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	return m.updateLocked(ctx, selectedIDs)
}

// OnPanelOpen records that the detail panel opened for ids.
func (m *Manager) OnPanelOpen(ids []string) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	mode, err := m.currentMode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.panelOpen = true
	m.mu.Unlock()

	return m.updateLocked(DeriveContext(mode, len(ids), true), ids)
}

// OnPanelClose records that the detail panel closed. The selection is
// cleared with it.
func (m *Manager) OnPanelClose() error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	mode, err := m.currentMode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.panelOpen = false
	m.mu.Unlock()

	return m.updateLocked(DeriveContext(mode, 0, false), nil)
}

// OnSelectionChange records a new selection, keeping the panel state.
func (m *Manager) OnSelectionChange(ids []string) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	mode, err := m.currentMode()
	if err != nil {
		return err
	}

	m.mu.RLock()
	panelOpen := m.panelOpen
	m.mu.RUnlock()

	return m.updateLocked(DeriveContext(mode, len(ids), panelOpen), ids)
}

// Resync re-sends the current directive, e.g. after a transport recovered.
func (m *Manager) Resync() error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.RLock()
	ctx, ids := m.context, append([]string(nil), m.selected...)
	m.mu.RUnlock()

	if ctx == "" {
		return ErrNoMode
	}
	return m.updateLocked(ctx, ids)
}

// Current returns the current policy.
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		Mode:            m.mode,
		Context:         m.context,
		PreviousContext: m.previous,
		SelectedIDs:     append([]string(nil), m.selected...),
		PanelOpen:       m.panelOpen,
		AllLevel:        m.policy.All,
		SelectedLevel:   m.policy.Selected,
		SocketState:     m.policy.Socket,
		UpdatedAt:       m.updatedAt,
	}
}

// EstimateBytes approximates the size of one update covering n equipment
// items under the current policy. Selected items count at the selected
// level.
func (m *Manager) EstimateBytes(n int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return estimate(m.policy, len(m.selected), n)
}

// Reset forgets all state. The transport is kept.
func (m *Manager) Reset() {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	m.mode = ""
	m.context = ""
	m.previous = ""
	m.selected = nil
	m.panelOpen = false
	m.policy = Policy{}
	m.updatedAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) currentMode() (model.AppMode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mode == "" {
		return "", ErrNoMode
	}
	return m.mode, nil
}

func (m *Manager) updateLocked(ctx Context, selectedIDs []string) error {
	policy, ok := Lookup(ctx)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownContext, ctx)
	}

	m.mu.Lock()
	if m.mode != "" && policy.Mode != m.mode {
		mode := m.mode
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is not a %s context", ErrContextMode, ctx, mode)
	}
	m.mode = policy.Mode
	previous := m.context
	m.previous = previous
	m.context = ctx
	m.selected = append([]string(nil), selectedIDs...)
	m.policy = policy
	m.updatedAt = time.Now()
	transport := m.transport
	ids := append([]string{}, selectedIDs...)
	m.mu.Unlock()

	m.logger.Info("subscription context changed",
		"mode", policy.Mode,
		"context", ctx,
		"previous", previous,
		"all_level", policy.All,
		"selected_level", policy.Selected,
		"selected", len(ids),
	)

	directive := Directive{
		Type: DirectiveType,
		Payload: DirectivePayload{
			Context:         ctx,
			PreviousContext: previous,
			AllLevel:        policy.All,
			SelectedIDs:     ids,
			SelectedLevel:   policy.Selected,
			WebSocketState:  policy.Socket,
		},
	}
	if transport != nil {
		if err := transport.SendJSON(directive); err != nil {
			m.logger.Warn("subscription directive not delivered", "context", ctx, "error", err)
		}
	}

	eventbus.Publish(m.bus, eventbus.SubscriptionChanged, eventbus.SubscriptionChange{
		Mode:            policy.Mode,
		Context:         string(ctx),
		PreviousContext: string(previous),
		AllLevel:        string(policy.All),
		SelectedLevel:   string(policy.Selected),
		SelectedIDs:     ids,
		SocketState:     policy.Socket,
		BytesPerItem:    policy.All.BytesPerItem(),
	})
	eventbus.Publish(m.bus, eventbus.SocketStateRequested, eventbus.SocketStateRequest{
		Context: string(ctx),
		State:   policy.Socket,
	})
	return nil
}

func estimate(p Policy, selected, n int) int {
	if n <= 0 {
		return 0
	}
	if p.Selected == "" {
		selected = 0
	}
	if selected > n {
		selected = n
	}
	return selected*p.Selected.BytesPerItem() + (n-selected)*p.All.BytesPerItem()
}
