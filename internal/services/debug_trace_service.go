package services

import (
	"fmt"
	"sync"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// DefaultDebugTraceCapacity is used when a non-positive capacity is configured.
const DefaultDebugTraceCapacity = 50

// DebugTraceService keeps the most recent DebugTrace records in a fixed-size ring.
// When full, the oldest trace is overwritten. Readers only ever receive copies.
type DebugTraceService struct {
	mu       sync.RWMutex
	traces   []convtypes.DebugTrace
	next     int // slot the next Record writes to
	size     int
	capacity int
}

// NewDebugTraceService creates a ring buffer holding at most capacity traces.
func NewDebugTraceService(capacity int) *DebugTraceService {
	if capacity <= 0 {
		capacity = DefaultDebugTraceCapacity
	}
	return &DebugTraceService{
		traces:   make([]convtypes.DebugTrace, capacity),
		capacity: capacity,
	}
}

// Name returns the service name "debug-trace" for registration.
func (d *DebugTraceService) Name() string {
	return "debug-trace"
}

// Initialize sets up the DebugTraceService for operation.
func (d *DebugTraceService) Initialize() error {
	logger.ServiceOperation("debug-trace", "initialize", "capacity", d.capacity)
	return nil
}

// Capacity returns the maximum number of retained traces.
func (d *DebugTraceService) Capacity() int {
	return d.capacity
}

// Len returns the number of retained traces.
func (d *DebugTraceService) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// Record appends a trace, evicting the oldest one when the ring is full.
func (d *DebugTraceService) Record(trace convtypes.DebugTrace) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.traces[d.next] = trace.Clone()
	d.next = (d.next + 1) % d.capacity
	if d.size < d.capacity {
		d.size++
	}
}

// GetRecentDebugData returns up to limit traces, most recent first.
// A non-positive limit returns every retained trace.
func (d *DebugTraceService) GetRecentDebugData(limit int) []convtypes.DebugTrace {
	return d.collect(limit, func(*convtypes.DebugTrace) bool { return true })
}

// GetDebugDataForSession returns up to limit traces of one session, most recent first.
func (d *DebugTraceService) GetDebugDataForSession(sessionID string, limit int) []convtypes.DebugTrace {
	return d.collect(limit, func(t *convtypes.DebugTrace) bool { return t.SessionID == sessionID })
}

// GetLastDebugData returns the most recent trace, or nil when the buffer is empty.
func (d *DebugTraceService) GetLastDebugData() *convtypes.DebugTrace {
	recent := d.GetRecentDebugData(1)
	if len(recent) == 0 {
		return nil
	}
	return &recent[0]
}

// Clear drops every retained trace.
func (d *DebugTraceService) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.traces = make([]convtypes.DebugTrace, d.capacity)
	d.next = 0
	d.size = 0
}

// collect walks the ring from newest to oldest.
func (d *DebugTraceService) collect(limit int, keep func(*convtypes.DebugTrace) bool) []convtypes.DebugTrace {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > d.size {
		limit = d.size
	}

	result := make([]convtypes.DebugTrace, 0, limit)
	for i := 1; i <= d.size && len(result) < limit; i++ {
		idx := (d.next - i + d.capacity) % d.capacity
		if keep(&d.traces[idx]) {
			result = append(result, d.traces[idx].Clone())
		}
	}
	return result
}

// GetGlobalDebugTraceService returns the debug trace service from the global registry.
func GetGlobalDebugTraceService() (*DebugTraceService, error) {
	service, err := GetServiceAs[*DebugTraceService](GetGlobalRegistry(), "debug-trace")
	if err != nil {
		return nil, fmt.Errorf("debug trace service not registered: %w", err)
	}
	return service, nil
}
