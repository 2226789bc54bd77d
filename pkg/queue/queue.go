package queue

import (
	"fmt"
	"sync"
)

// ConnectionType names a queue backend family (spec §3 "Connection").
type ConnectionType string

const (
	ConnectionFile ConnectionType = "file"
	ConnectionODBC ConnectionType = "odbc"
)

// Connection is a named backend descriptor. Exactly one backend instance
// per connection name exists at runtime; queues sharing a connection share
// its concurrency domain (spec §3).
type Connection struct {
	Name     string
	Type     ConnectionType
	Resource string // directory for file, DSN for odbc
	Driver   string // database/sql driver name, odbc connections only
	Username string
	Password string
}

// Backend is the capability trait every queue storage implementation
// provides (spec §4.9, design note §9: "the target abstraction is a
// capability trait/interface implemented by each backend").
type Backend interface {
	// Open prepares the backend to serve the given queue (opens the file,
	// verifies/creates the SQL table, builds indexes).
	Open(q *Queue) error
	// Push inserts (RowID==0) or updates (RowID!=0) a row, returning the
	// final row id.
	Push(q *Queue, row *Row) (int64, error)
	// Pop returns and claims the next row per the queue's pop discipline,
	// or nil if none remain.
	Pop(q *Queue) (*Row, error)
	Get(q *Queue, id int64) (*Row, error)
	Next(q *Queue, id int64) (*Row, error)
	Prev(q *Queue, id int64) (*Row, error)
	// Close releases resources held for this connection.
	Close() error
}

// BackendFactory constructs a Backend for a connection the first time one
// of its queues is used (spec §3 Lifecycles: "Connections are created on
// first use of any queue that names them").
type BackendFactory func(conn *Connection) (Backend, error)

// Queue is a named, typed collection backed by a specific connection.
type Queue struct {
	Name       string
	Type       *RowType
	Connection *Connection

	mu      sync.Mutex
	backend Backend
	opened  bool
}

// Registry owns connections, their backend instances, and every queue
// registered against them. It replaces the source's "void *conn with
// function pointers" (design note §9) with an explicit, passed-around
// value — no free globals.
type Registry struct {
	mu        sync.Mutex
	factories map[ConnectionType]BackendFactory
	backends  map[string]Backend // connection name -> live backend
	queues    map[string]*Queue
}

// NewRegistry creates an empty registry. Call RegisterBackend for every
// connection type the deployment needs before RegisterQueue.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[ConnectionType]BackendFactory),
		backends:  make(map[string]Backend),
		queues:    make(map[string]*Queue),
	}
}

// RegisterBackend associates a connection type with the factory that
// constructs its Backend implementation.
func (r *Registry) RegisterBackend(typ ConnectionType, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = factory
}

// RegisterQueue registers a named queue against a connection, lazily
// creating the connection's backend instance if this is the first queue
// to reference it.
func (r *Registry) RegisterQueue(name string, rowType *RowType, conn *Connection) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[name]; exists {
		return nil, fmt.Errorf("queue: queue %q already registered", name)
	}

	backend, ok := r.backends[conn.Name]
	if !ok {
		factory, ok := r.factories[conn.Type]
		if !ok {
			return nil, fmt.Errorf("queue: no backend registered for connection type %q", conn.Type)
		}
		b, err := factory(conn)
		if err != nil {
			return nil, fmt.Errorf("queue: connect %q: %w", conn.Name, err)
		}
		backend = b
		r.backends[conn.Name] = b
	}

	q := &Queue{Name: name, Type: rowType, Connection: conn, backend: backend}
	r.queues[name] = q
	return q, nil
}

// Queue looks up a previously registered queue by name.
func (r *Registry) Queue(name string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	return q, ok
}

// Close shuts down every distinct backend instance exactly once (spec §3
// Lifecycles: "Connections are... closed at system shutdown").
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	closed := make(map[Backend]bool)
	for _, b := range r.backends {
		if closed[b] {
			continue
		}
		closed[b] = true
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (q *Queue) ensureOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.opened {
		return nil
	}
	if err := q.backend.Open(q); err != nil {
		return err
	}
	q.opened = true
	return nil
}

// Push serializes via the queue's mutex (spec §5 "Within one queue, push
// operations serialize via the queue's mutex").
func (q *Queue) Push(row *Row) (int64, error) {
	if err := q.ensureOpen(); err != nil {
		return -1, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Push(q, row)
}

// Pop claims the next eligible row. For transport-bearing queues this is
// the oldest row past the transport cursor with TRANSPORTSTATUS=="queued"
// (spec §4.9); for others, the row with the maximum id.
func (q *Queue) Pop() (*Row, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Pop(q)
}

// Get, Next and Prev are readers; spec §5 requires they also take the
// queue's mutex so the file backend's byte-offset index is never read
// mid-write.
func (q *Queue) Get(id int64) (*Row, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Get(q, id)
}

func (q *Queue) Next(id int64) (*Row, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Next(q, id)
}

func (q *Queue) Prev(id int64) (*Row, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Prev(q, id)
}

// Depther is an optional capability a Backend may implement to report its
// row count cheaply (e.g. from an in-memory index) rather than forcing
// callers to walk Next() from the first row. Used by pkg/metrics to
// publish queue depth gauges.
type Depther interface {
	Depth(q *Queue) (int, error)
}

// Depth reports the number of rows currently in the queue. Backends that
// implement Depther answer directly; others are walked via Next.
func (q *Queue) Depth() (int, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}
	if d, ok := q.backend.(Depther); ok {
		q.mu.Lock()
		defer q.mu.Unlock()
		return d.Depth(q)
	}

	count := 0
	var id int64
	for {
		row, err := q.Next(id)
		if err != nil {
			return count, err
		}
		if row == nil {
			return count, nil
		}
		count++
		id = row.RowID
	}
}

// Names returns the names of every queue registered so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}
