package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// ErrNoActiveTransport is returned when sending before any transport is active.
var ErrNoActiveTransport = errors.New("No active transport") //nolint:staticcheck // message is part of the public contract

// ErrTransportNotFound is returned when activating an unregistered name.
var ErrTransportNotFound = errors.New("transport not found")

// Manager holds registered transports and forwards calls to the active one.
// Switching the active transport never disconnects the previous one.
type Manager struct {
	mu         sync.RWMutex
	transports map[string]Transport
	active     Transport
	log        *log.Logger
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		transports: make(map[string]Transport),
		log:        logger.NewStyledLogger("Transport"),
	}
}

// RegisterTransport adds t under its name. A transport already registered under
// that name is replaced; if it was active it stays active until the next switch.
func (m *Manager) RegisterTransport(t Transport) {
	name := t.Name()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.transports[name]; ok && existing != t {
		m.log.Warn("Replacing registered transport", "transport", name)
	}
	m.transports[name] = t
	logger.TransportEvent(name, "registered")
}

// SetActiveTransport makes name the active transport, connecting it first if needed.
func (m *Manager) SetActiveTransport(ctx context.Context, name string) error {
	m.mu.RLock()
	t, ok := m.transports[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransportNotFound, name)
	}

	if !t.IsConnected() {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.active = t
	m.mu.Unlock()
	logger.TransportEvent(name, "activated")
	return nil
}

// SendMessage forwards input to the active transport. The transport chosen at
// call time handles the whole send even if the active transport changes meanwhile.
func (m *Manager) SendMessage(ctx context.Context, input convtypes.ConversationInput) (*convtypes.ConversationResponse, error) {
	m.mu.RLock()
	t := m.active
	m.mu.RUnlock()
	if t == nil {
		return nil, ErrNoActiveTransport
	}
	return t.SendMessage(ctx, input)
}

// IsConnected reports whether an active transport exists and is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	t := m.active
	m.mu.RUnlock()
	return t != nil && t.IsConnected()
}

// GetActiveTransportName returns the active transport's name, or "" when none is active.
func (m *Manager) GetActiveTransportName() string {
	m.mu.RLock()
	t := m.active
	m.mu.RUnlock()
	if t == nil {
		return ""
	}
	return t.Name()
}

// GetConnectionState returns the active transport's state and whether one is active.
func (m *Manager) GetConnectionState() (convtypes.TransportState, bool) {
	m.mu.RLock()
	t := m.active
	m.mu.RUnlock()
	if t == nil {
		return convtypes.TransportState{}, false
	}
	return t.State(), true
}

// Transport returns a registered transport by name.
func (m *Manager) Transport(name string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[name]
	return t, ok
}

// Names returns the registered transport names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.transports))
	for name := range m.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisconnectAll disconnects every connected transport and clears the active one.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	transports := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.active = nil
	m.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if !t.IsConnected() {
			continue
		}
		if err := t.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
