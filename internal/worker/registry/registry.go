// Package registry tracks live authenticated connections and delivers
// events to the correct subset of them.
package registry

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout is the timeout for writing to a connection.
	// Prevents blocking on stale links.
	WriteTimeout = 2 * time.Second
)

// Sink is the transport half of a connection: something that can accept
// one serialized event frame. WriteFrame must be safe for concurrent use.
type Sink interface {
	WriteFrame(data []byte, deadline time.Time) error
}

// Connection is one live authenticated link. Impersonating is set when a
// privileged principal observes another principal's sessions.
type Connection struct {
	ID            string
	Owner         string
	Impersonating string

	sink Sink
	done chan struct{}
	once sync.Once
}

// NewConnection wraps a sink with its identity.
func NewConnection(id, owner, impersonating string, sink Sink) *Connection {
	return &Connection{
		ID:            id,
		Owner:         owner,
		Impersonating: impersonating,
		sink:          sink,
		done:          make(chan struct{}),
	}
}

// Done is closed when the connection is unregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) close() {
	c.once.Do(func() { close(c.done) })
}

// observes reports whether events for the given owner identity should
// reach this connection.
func (c *Connection) observes(owner string) bool {
	return c.Owner == owner || c.Impersonating == owner
}

// Registry maintains the live connection set. Registration is rare
// relative to delivery, so a registry-wide RWMutex is enough.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register adds a connection. No-op when the ID is already registered.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	if _, exists := r.conns[conn.ID]; exists {
		r.mu.Unlock()
		return
	}
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	log.Debug().
		Str("connId", conn.ID).
		Str("owner", conn.Owner).
		Int("totalConns", total).
		Msg("Connection registered")
}

// Unregister removes a connection. Safe to call multiple times.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, exists := r.conns[id]
	if exists {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !exists {
		return
	}
	conn.close()

	log.Debug().
		Str("connId", id).
		Int("totalConns", total).
		Msg("Connection unregistered")
}

// DeliverToOwner sends the event to every connection owned by (or
// impersonating) the given identity. With no matching connection the event
// is silently dropped: live delivery is at-most-once, the persisted
// transcript is the source of truth for reconnecting clients.
func (r *Registry) DeliverToOwner(owner string, event interface{}) {
	r.deliver(event, func(c *Connection) bool { return c.observes(owner) })
}

// BroadcastAll delivers to every registered connection. Used only for
// system-wide advisories.
func (r *Registry) BroadcastAll(event interface{}) {
	r.deliver(event, func(c *Connection) bool { return true })
}

// DeliverTo sends the event to a single connection by ID (used for the
// snapshot advisory sent right after registration).
func (r *Registry) DeliverTo(id string, event interface{}) {
	r.deliver(event, func(c *Connection) bool { return c.ID == id })
}

func (r *Registry) deliver(event interface{}, match func(*Connection) bool) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if match(conn) {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	deadline := time.Now().Add(WriteTimeout)
	deadCh := make(chan string, len(targets))
	var wg sync.WaitGroup

	for _, conn := range targets {
		select {
		case <-conn.done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.sink.WriteFrame(data, deadline); err != nil {
				log.Debug().
					Str("connId", c.ID).
					Err(err).
					Msg("Failed to write to connection, marking for removal")
				deadCh <- c.ID
			}
		}(conn)
	}

	wg.Wait()
	close(deadCh)

	for id := range deadCh {
		r.Unregister(id)
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
