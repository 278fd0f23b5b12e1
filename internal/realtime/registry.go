// Package realtime relays task status updates to dashboard clients over
// WebSocket. The Registry is the single source of truth for who is connected
// and what they subscribed to; the Gateway, Monitor and Bridge all share one.
package realtime

import (
	"sort"
	"sync"
	"time"
)

// Peer is the delivery handle of one registered connection.
type Peer interface {
	ID() string
	// Send enqueues a frame without blocking. It reports false when the
	// frame could not be queued; the peer then tears itself down.
	Send(frame []byte) bool
	// Ping writes a transport-level ping frame.
	Ping() error
	// Close writes a close frame and releases the connection. Idempotent.
	Close(code int, reason string)
}

type client struct {
	peer          Peer
	subscriptions map[string]struct{}
	alive         bool
	lastSeen      time.Time
}

// Registry tracks connected clients and their task subscriptions. All
// methods take the same mutex and do no I/O while holding it.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
	byTask  map[string]map[string]*client // task_id -> conn_id -> client
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*client),
		byTask:  make(map[string]map[string]*client),
		now:     time.Now,
	}
}

// Register adds a connection with no subscriptions, marked alive. A previous
// entry with the same id is replaced.
func (r *Registry) Register(id string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.clients[id]; ok {
		r.unindexLocked(id, old)
	}
	r.clients[id] = &client{
		peer:          peer,
		subscriptions: make(map[string]struct{}),
		alive:         true,
		lastSeen:      r.now(),
	}
}

// Subscribe adds taskID to the connection's subscriptions. It reports false
// when id is not registered.
func (r *Registry) Subscribe(id, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.subscriptions[taskID] = struct{}{}
	subs, ok := r.byTask[taskID]
	if !ok {
		subs = make(map[string]*client)
		r.byTask[taskID] = subs
	}
	subs[id] = c
	return true
}

// Unsubscribe removes taskID from the connection's subscriptions. Unknown ids
// and tasks are ignored.
func (r *Registry) Unsubscribe(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return
	}
	delete(c.subscriptions, taskID)
	r.dropIndexLocked(taskID, id)
}

// MarkAlive records a liveness confirmation for id.
func (r *Registry) MarkAlive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		c.alive = true
		c.lastSeen = r.now()
	}
}

// DeadPeer is a connection removed by Sweep.
type DeadPeer struct {
	Peer     Peer
	LastSeen time.Time
}

// SweepResult lists what a heartbeat tick must do once the lock is released.
type SweepResult struct {
	Probe []Peer     // still registered, liveness flag reset; ping them
	Dead  []DeadPeer // removed; close them
}

// Sweep runs one heartbeat phase: entries not confirmed alive since the last
// sweep are removed, every other entry has its flag cleared and is returned
// for probing.
func (r *Registry) Sweep() SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res SweepResult
	for id, c := range r.clients {
		if !c.alive {
			r.unindexLocked(id, c)
			delete(r.clients, id)
			res.Dead = append(res.Dead, DeadPeer{Peer: c.peer, LastSeen: c.lastSeen})
			continue
		}
		c.alive = false
		res.Probe = append(res.Probe, c.peer)
	}
	return res
}

// SubscribersOf returns a snapshot of the peers subscribed to taskID.
func (r *Registry) SubscribersOf(taskID string) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byTask[taskID]
	if len(subs) == 0 {
		return nil
	}
	peers := make([]Peer, 0, len(subs))
	for _, c := range subs {
		peers = append(peers, c.peer)
	}
	return peers
}

// Remove deletes id and all its subscriptions, returning its peer.
func (r *Registry) Remove(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	r.unindexLocked(id, c)
	delete(r.clients, id)
	return c.peer, true
}

// Drain removes every entry and returns their peers.
func (r *Registry) Drain() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]Peer, 0, len(r.clients))
	for _, c := range r.clients {
		peers = append(peers, c.peer)
	}
	r.clients = make(map[string]*client)
	r.byTask = make(map[string]map[string]*client)
	return peers
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Subscriptions returns the sorted task ids id is subscribed to.
func (r *Registry) Subscriptions(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	tasks := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		tasks = append(tasks, t)
	}
	sort.Strings(tasks)
	return tasks
}

func (r *Registry) unindexLocked(id string, c *client) {
	for taskID := range c.subscriptions {
		r.dropIndexLocked(taskID, id)
	}
}

func (r *Registry) dropIndexLocked(taskID, id string) {
	subs, ok := r.byTask[taskID]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.byTask, taskID)
	}
}
