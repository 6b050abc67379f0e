package session

import (
	"context"
	"sync"
	"time"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// memoryStore keeps sessions in a capacity-bounded LRU list.
// The most recently used session sits right after the head sentinel.
// Pinned sessions are skipped by both LRU eviction and the idle janitor.
type memoryStore struct {
	mu       sync.Mutex
	capacity int
	idleTTL  time.Duration
	now      func() time.Time

	nodes  map[string]*stateNode
	head   *stateNode
	tail   *stateNode
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// stateNode represents a node in the doubly-linked list used by the LRU.
type stateNode struct {
	id         string
	state      *convtypes.ConversationState
	lastAccess time.Time
	pins       int
	prev       *stateNode
	next       *stateNode
}

func newMemoryStore(cfg *storeConfig) *memoryStore {
	capacity := cfg.capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	head := &stateNode{}
	tail := &stateNode{}
	head.next = tail
	tail.prev = head

	s := &memoryStore{
		capacity: capacity,
		idleTTL:  cfg.idleTTL,
		now:      cfg.now,
		nodes:    make(map[string]*stateNode),
		head:     head,
		tail:     tail,
		stop:     make(chan struct{}),
	}

	if s.idleTTL > 0 {
		interval := cfg.janitorInterval
		if interval <= 0 {
			interval = s.idleTTL / 2
		}
		s.wg.Add(1)
		go s.janitor(interval)
	}

	return s
}

// Get implements Store.
func (s *memoryStore) Get(_ context.Context, id string) (*convtypes.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	node, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	node.lastAccess = s.now()
	s.moveToHead(node)
	return node.state.Clone(), nil
}

// Save implements Store.
func (s *memoryStore) Save(_ context.Context, state *convtypes.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if node, ok := s.nodes[state.SessionID]; ok {
		node.state = state.Clone()
		node.lastAccess = s.now()
		s.moveToHead(node)
		return nil
	}

	node := &stateNode{
		id:         state.SessionID,
		state:      state.Clone(),
		lastAccess: s.now(),
	}
	s.nodes[node.id] = node
	s.addToHead(node)

	if len(s.nodes) > s.capacity {
		s.evictLRU()
	}
	return nil
}

// Delete implements Store.
func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.nodes[id]; ok {
		s.removeNode(node)
		delete(s.nodes, id)
	}
	return nil
}

// Len implements Store.
func (s *memoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes), nil
}

// Pin implements Pinner. Pinning an unknown id is a no-op.
func (s *memoryStore) Pin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[id]; ok {
		node.pins++
	}
}

// Unpin implements Pinner.
func (s *memoryStore) Unpin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[id]; ok && node.pins > 0 {
		node.pins--
	}
}

// Close implements Store. It stops the janitor and drops every session.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.nodes = make(map[string]*stateNode)
	s.head.next = s.tail
	s.tail.prev = s.head
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	return nil
}

// janitor periodically drops sessions idle for longer than idleTTL.
func (s *memoryStore) janitor(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.sweepIdle(); n > 0 {
				logger.Debug("Evicted idle sessions", "count", n)
			}
		}
	}
}

// sweepIdle removes expired, unpinned sessions and returns how many were removed.
func (s *memoryStore) sweepIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	removed := 0

	// Walk from the tail: everything older than cutoff is clustered there.
	current := s.tail.prev
	for current != s.head {
		prev := current.prev
		if current.lastAccess.After(cutoff) {
			break
		}
		if current.pins == 0 {
			s.removeNode(current)
			delete(s.nodes, current.id)
			removed++
		}
		current = prev
	}
	return removed
}

// moveToHead moves a node to the head of the doubly-linked list.
// Must be called with mutex locked.
func (s *memoryStore) moveToHead(node *stateNode) {
	s.removeNode(node)
	s.addToHead(node)
}

// addToHead adds a node right after the head sentinel.
// Must be called with mutex locked.
func (s *memoryStore) addToHead(node *stateNode) {
	node.prev = s.head
	node.next = s.head.next
	s.head.next.prev = node
	s.head.next = node
}

// removeNode removes a node from the doubly-linked list.
// Must be called with mutex locked.
func (s *memoryStore) removeNode(node *stateNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

// evictLRU removes the least recently used unpinned session.
// If every session is pinned the store temporarily exceeds capacity.
// Must be called with mutex locked.
func (s *memoryStore) evictLRU() {
	current := s.tail.prev
	for current != s.head {
		if current.pins == 0 {
			s.removeNode(current)
			delete(s.nodes, current.id)
			logger.Debug("Evicted least recently used session", "session", current.id)
			return
		}
		current = current.prev
	}
}
