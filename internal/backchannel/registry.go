// ABOUTME: Owns the single live backchannel connection and routes its events by request id.
// ABOUTME: Implements the reconnection grace window that protects in-flight requests.

package backchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultGracePeriod is how long queues survive a lost connection.
const DefaultGracePeriod = 5 * time.Second

const retiredCapacity = 4096

var (
	// ErrNoConnection indicates no agent is connected.
	ErrNoConnection = errors.New("no backchannel connection")

	// ErrRegistryClosed indicates the registry was shut down.
	ErrRegistryClosed = errors.New("backchannel registry closed")

	// ErrDuplicateRequest indicates a queue already exists for a request id.
	ErrDuplicateRequest = errors.New("request id already has a queue")
)

// Conn is one physical backchannel connection carrying JSON frames.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
	RemoteAddr() string
}

// Registry holds at most one live Conn and the queue table for in-flight requests.
// Only the Registry writes to the connection.
type Registry struct {
	mu         sync.Mutex
	conn       Conn
	generation uint64
	queues     map[string]*Queue
	notify     chan struct{} // closed and replaced on every connection change
	graceTimer *time.Timer
	closed     bool

	writeMu sync.Mutex

	grace    time.Duration
	retired  *retiredSet
	onLost   []func()
	onChange []func(connected bool)
	logger   *slog.Logger
}

// NewRegistry creates a Registry. A non-positive grace uses DefaultGracePeriod.
func NewRegistry(grace time.Duration, logger *slog.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		queues:  make(map[string]*Queue),
		notify:  make(chan struct{}),
		grace:   grace,
		retired: newRetiredSet(retiredCapacity),
		logger:  logger,
	}
}

// OnConnectionLost registers fn to run after a grace window expires without reconnect.
// Must be called before connections are added.
func (r *Registry) OnConnectionLost(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLost = append(r.onLost, fn)
}

// OnConnectionChange registers fn to observe connect and disconnect transitions.
// Must be called before connections are added.
func (r *Registry) OnConnectionChange(fn func(connected bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// AddConnection makes conn the active backchannel and serves it until it fails.
// A pending grace timer is cancelled, and any previous connection is closed.
// It blocks for the lifetime of the connection.
func (r *Registry) AddConnection(ctx context.Context, conn Conn) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrRegistryClosed
	}
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	previous := r.conn
	r.conn = conn
	r.generation++
	gen := r.generation
	r.signalLocked()
	pending := len(r.queues)
	observers := r.onChange
	r.mu.Unlock()

	if previous != nil {
		r.logger.Warn("backchannel superseded by new connection",
			"previous", previous.RemoteAddr(),
			"remote", conn.RemoteAddr(),
		)
		_ = previous.Close()
	}

	r.logger.Info("=== BACKCHANNEL CONNECTED ===",
		"remote", conn.RemoteAddr(),
		"pending_requests", pending,
	)
	if previous == nil {
		for _, fn := range observers {
			fn(true)
		}
	}

	err := r.serve(ctx, conn)
	r.handleDisconnect(gen, conn, err)
	return nil
}

// serve reads frames until the connection fails.
func (r *Registry) serve(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		r.route(data)
	}
}

// route parses one inbound frame and delivers it to its request's queue.
func (r *Registry) route(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("dropping malformed backchannel frame", "error", err, "bytes", len(data))
		return
	}
	if ev.RequestID == "" {
		r.logger.Warn("dropping backchannel frame without request_id", "event_type", ev.Type)
		return
	}

	r.mu.Lock()
	q := r.queues[ev.RequestID]
	r.mu.Unlock()

	if q == nil {
		if r.retired.Contains(ev.RequestID) {
			r.logger.Debug("dropping event for finished request", "request_id", ev.RequestID, "event_type", ev.Type)
		} else {
			r.logger.Warn("received event for unknown request", "request_id", ev.RequestID, "event_type", ev.Type)
		}
		return
	}

	switch ev.Type {
	case EventResponseHeaders, EventChunk, EventError:
		q.Enqueue(ev)
	case EventStreamClose:
		q.Enqueue(Event{RequestID: ev.RequestID, Type: EventStreamEnd})
	default:
		r.logger.Warn("dropping backchannel frame with unknown event type",
			"request_id", ev.RequestID,
			"event_type", ev.Type,
		)
	}
}

// handleDisconnect starts the grace window unless conn was already superseded.
func (r *Registry) handleDisconnect(gen uint64, conn Conn, cause error) {
	_ = conn.Close()

	r.mu.Lock()
	if r.generation != gen || r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.signalLocked()
	observers := r.onChange
	if !r.closed {
		r.graceTimer = time.AfterFunc(r.grace, func() { r.expireGrace(gen) })
	}
	pending := len(r.queues)
	r.mu.Unlock()

	r.logger.Warn("=== BACKCHANNEL DISCONNECTED ===",
		"remote", conn.RemoteAddr(),
		"error", cause,
		"pending_requests", pending,
		"grace", r.grace,
	)
	for _, fn := range observers {
		fn(false)
	}
}

// expireGrace fails every open queue if no connection arrived in time.
func (r *Registry) expireGrace(gen uint64) {
	r.mu.Lock()
	if r.conn != nil || r.generation != gen || r.closed {
		r.mu.Unlock()
		return
	}
	r.graceTimer = nil
	queues := r.queues
	r.queues = make(map[string]*Queue)
	lost := r.onLost
	r.mu.Unlock()

	for id, q := range queues {
		q.Close()
		r.retired.Add(id)
	}
	r.logger.Error("backchannel lost, failed pending requests", "closed_queues", len(queues))

	for _, fn := range lost {
		fn()
	}
}

// CreateQueue registers a queue for requestID.
func (r *Registry) CreateQueue(requestID string) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.queues[requestID]; exists {
		return nil, ErrDuplicateRequest
	}
	q := NewQueue()
	r.queues[requestID] = q
	return q, nil
}

// RemoveQueue closes and forgets the queue for requestID. Late events for it
// are dropped quietly.
func (r *Registry) RemoveQueue(requestID string) {
	r.mu.Lock()
	q, ok := r.queues[requestID]
	delete(r.queues, requestID)
	r.mu.Unlock()

	if ok {
		q.Close()
	}
	r.retired.Add(requestID)
}

// PendingCount returns the number of open queues.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// HasActiveConnection reports whether an agent is connected right now.
func (r *Registry) HasActiveConnection() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// ActiveRemote returns the remote address of the live connection, or "".
func (r *Registry) ActiveRemote() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ""
	}
	return r.conn.RemoteAddr()
}

// InGrace reports whether the connection dropped and the grace window is still open.
func (r *Registry) InGrace() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn == nil && r.graceTimer != nil
}

// signalLocked wakes everyone waiting on a connection change. r.mu must be held.
func (r *Registry) signalLocked() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// Generation returns a counter that increases with every accepted connection.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// WaitForConnection blocks until a connection is active or ctx is done.
func (r *Registry) WaitForConnection(ctx context.Context) error {
	return r.WaitForConnectionAfter(ctx, 0)
}

// WaitForConnectionAfter blocks until a connection newer than generation gen
// is active. Used after relaunching the agent, when the old connection may
// not have dropped yet.
func (r *Registry) WaitForConnectionAfter(ctx context.Context, gen uint64) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrRegistryClosed
		}
		if r.conn != nil && r.generation > gen {
			r.mu.Unlock()
			return nil
		}
		notify := r.notify
		r.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send marshals frame as JSON and writes it to the active connection.
func (r *Registry) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.WriteFrame(ctx, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close shuts the registry down, closing the connection and every queue.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	conn := r.conn
	queues := r.queues
	r.queues = make(map[string]*Queue)
	r.signalLocked()
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, q := range queues {
		q.Close()
	}
}
