package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"realtime-sync/internal/metrics"
)

const (
	commandQueueSize = 256
	changeQueueSize  = 64
	stopTimeout      = 10 * time.Second
	listenerTimeout  = 5 * time.Second
)

// Close reasons sent to clients in the WebSocket close frame.
const (
	reasonShutdown       = "server shutting down"
	reasonDeliveryFailed = "delivery failed"
	reasonRelayFailure   = "relay failure"
)

// StateChange describes one replacement of the shared state. Before and After
// are nil when the state was absent.
type StateChange struct {
	Before json.RawMessage
	After  json.RawMessage
	At     time.Time
}

// ChangeListener consumes state change events, e.g. an audit log or a backup.
// Listeners run outside the relay loop and never delay a broadcast.
type ChangeListener interface {
	OnStateChange(ctx context.Context, change StateChange) error
}

// relayCmd is the command interface for the Relay actor.
type relayCmd interface{ isRelayCmd() }

type baseRelayCmd struct{}

func (baseRelayCmd) isRelayCmd() {}

type connectCmd struct {
	baseRelayCmd
	sender Sender
	reply  chan connectResult
}

type connectResult struct {
	conn *Connection
	err  error
}

type updateCmd struct {
	baseRelayCmd
	conn *Connection
	data json.RawMessage
	done chan struct{}
}

type disconnectCmd struct {
	baseRelayCmd
	conn *Connection
	done chan struct{}
}

type stopCmd struct {
	baseRelayCmd
}

// Relay owns the shared snapshot and fans every update out to the registry.
//
// A single goroutine processes connects, updates and disconnects in arrival
// order, so replace-then-broadcast rounds never interleave. Senders are
// non-blocking; a failed send evicts that connection without affecting the
// rest of the round.
type Relay struct {
	registry  *Registry
	state     Snapshot
	metrics   *metrics.RelayMetrics
	clock     clockwork.Clock
	listeners []ChangeListener

	cmdCh        chan relayCmd
	changeCh     chan StateChange
	done         chan struct{}
	notifierDone chan struct{}
	stopOnce     sync.Once
	stopTimeout  time.Duration
}

// NewRelay creates a relay over registry and starts its loop.
// Listeners receive every state change in order.
func NewRelay(registry *Registry, m *metrics.RelayMetrics, clock clockwork.Clock, listeners ...ChangeListener) *Relay {
	r := &Relay{
		registry:     registry,
		metrics:      m,
		clock:        clock,
		listeners:    listeners,
		cmdCh:        make(chan relayCmd, commandQueueSize),
		changeCh:     make(chan StateChange, changeQueueSize),
		done:         make(chan struct{}),
		notifierDone: make(chan struct{}),
		stopTimeout:  stopTimeout,
	}
	go r.run()
	go r.notify()
	return r
}

// OnConnect registers sender and, if a state exists, queues it a sync message.
func (r *Relay) OnConnect(ctx context.Context, sender Sender) (*Connection, error) {
	reply := make(chan connectResult, 1)
	if err := r.submit(ctx, connectCmd{sender: sender, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.conn, res.err
	case <-r.done:
		select {
		case res := <-reply:
			return res.conn, res.err
		default:
			return nil, ErrRelayStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnMessage handles one inbound frame from conn. Malformed frames are logged
// and returned as ErrMalformedMessage; frames of unknown type are ignored.
// For an update it returns once the broadcast round has been queued.
func (r *Relay) OnMessage(ctx context.Context, conn *Connection, payload []byte) error {
	env, err := ParseEnvelope(payload)
	if err != nil {
		r.metrics.Malformed.Inc()
		slog.Warn("Discarding malformed message", "connection_id", conn.ID, "error", err)
		return err
	}

	if env.Type != KindUpdate {
		r.metrics.Ignored.Inc()
		slog.Debug("Ignoring message", "connection_id", conn.ID, "type", env.Type)
		return nil
	}

	done := make(chan struct{})
	if err := r.submit(ctx, updateCmd{conn: conn, data: env.Data, done: done}); err != nil {
		return err
	}
	return r.await(ctx, done)
}

// OnDisconnect removes conn from the registry. Unknown connections are ignored.
func (r *Relay) OnDisconnect(ctx context.Context, conn *Connection) error {
	done := make(chan struct{})
	if err := r.submit(ctx, disconnectCmd{conn: conn, done: done}); err != nil {
		return err
	}
	return r.await(ctx, done)
}

// Size returns the number of registered connections.
func (r *Relay) Size() int {
	return r.registry.Size()
}

// State returns the current snapshot and whether one exists.
func (r *Relay) State() (json.RawMessage, bool) {
	return r.state.Load()
}

// Stop closes every connection and shuts the relay down. Blocks until the
// loop and listeners have exited or the stop timeout is reached.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		select {
		case r.cmdCh <- stopCmd{}:
		case <-r.done:
		}

		timeout := r.clock.NewTimer(r.stopTimeout)
		defer timeout.Stop()

		for _, ch := range []chan struct{}{r.done, r.notifierDone} {
			select {
			case <-ch:
			case <-timeout.Chan():
				slog.Warn("Relay stop timeout exceeded", "timeout", r.stopTimeout)
				return
			}
		}
		slog.Info("Relay stopped gracefully")
	})
}

func (r *Relay) submit(ctx context.Context, cmd relayCmd) error {
	select {
	case r.cmdCh <- cmd:
		return nil
	case <-r.done:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-r.done:
		select {
		case <-done:
			return nil
		default:
			return ErrRelayStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) run() {
	defer close(r.done)
	defer close(r.changeCh)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Relay panic recovered", "panic", rec)
			r.closeAll(reasonRelayFailure)
		}
	}()

	for cmd := range r.cmdCh {
		switch c := cmd.(type) {
		case connectCmd:
			c.reply <- r.handleConnect(c)
		case updateCmd:
			r.handleUpdate(c)
			close(c.done)
		case disconnectCmd:
			r.handleDisconnect(c)
			close(c.done)
		case stopCmd:
			r.handleStop()
			return
		default:
			slog.Warn("Relay received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (r *Relay) handleConnect(c connectCmd) connectResult {
	conn, err := r.registry.Add(c.sender)
	if err != nil {
		return connectResult{err: fmt.Errorf("failed to register connection: %w", err)}
	}

	r.metrics.Connections.Inc()
	r.metrics.ConnectionsTotal.Inc()
	slog.Info("Client connected", "connection_id", conn.ID, "total_clients", r.registry.Size())

	if current, ok := r.state.Load(); ok {
		msg, err := EncodeSync(current)
		if err != nil {
			slog.Error("Failed to encode sync message", "error", err)
			return connectResult{conn: conn}
		}
		if err := c.sender.Send(msg); err != nil {
			r.evict(conn, err)
		} else {
			r.metrics.Deliveries.WithLabelValues(metrics.DeliveryOK).Inc()
		}
	}

	return connectResult{conn: conn}
}

func (r *Relay) handleUpdate(c updateCmd) {
	if c.conn.State() != StateOpen {
		slog.Debug("Dropping update from closed connection", "connection_id", c.conn.ID)
		return
	}

	start := r.clock.Now()

	msg, err := EncodeSync(c.data)
	if err != nil {
		slog.Error("Failed to encode sync message", "connection_id", c.conn.ID, "error", err)
		return
	}

	before, _ := r.state.Replace(c.data)
	after, _ := r.state.Load()
	r.metrics.Updates.Inc()

	delivered := r.broadcast(msg)

	r.metrics.BroadcastDuration.Observe(r.clock.Since(start).Seconds())
	slog.Info("State updated and broadcast",
		"connection_id", c.conn.ID,
		"recipients", delivered,
		"total_clients", r.registry.Size(),
	)

	r.emit(StateChange{Before: before, After: after, At: r.clock.Now()})
}

// broadcast queues msg on every registered connection and evicts the ones
// that refuse it. Returns the number of successful deliveries.
func (r *Relay) broadcast(msg []byte) int {
	type failure struct {
		conn *Connection
		err  error
	}

	var (
		failed    []failure
		delivered int
	)
	r.registry.ForEach(func(conn *Connection) {
		if err := conn.Sender().Send(msg); err != nil {
			failed = append(failed, failure{conn: conn, err: err})
			return
		}
		delivered++
	})

	r.metrics.Deliveries.WithLabelValues(metrics.DeliveryOK).Add(float64(delivered))
	for _, f := range failed {
		r.evict(f.conn, f.err)
	}
	return delivered
}

func (r *Relay) evict(conn *Connection, cause error) {
	r.metrics.Deliveries.WithLabelValues(metrics.DeliveryFailed).Inc()
	if !r.registry.Unregister(conn.ID) {
		return
	}
	r.metrics.Connections.Dec()
	slog.Warn("Dropping client after failed delivery",
		"connection_id", conn.ID,
		"error", cause,
		"total_clients", r.registry.Size(),
	)
	go conn.Sender().Close(reasonDeliveryFailed)
}

func (r *Relay) handleDisconnect(c disconnectCmd) {
	if !r.registry.Unregister(c.conn.ID) {
		return
	}
	r.metrics.Connections.Dec()
	slog.Info("Client disconnected", "connection_id", c.conn.ID, "total_clients", r.registry.Size())
}

func (r *Relay) handleStop() {
	total := r.registry.Size()
	slog.Info("Relay shutting down", "total_clients", total)
	r.closeAll(reasonShutdown)
	slog.Info("Relay shutdown complete", "disconnected_clients", total)
}

// closeAll unregisters and closes every connection, waiting for the closes
// to finish.
func (r *Relay) closeAll(reason string) {
	var wg sync.WaitGroup
	r.registry.ForEach(func(conn *Connection) {
		if !r.registry.Unregister(conn.ID) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Sender().Close(reason)
		}()
	})
	wg.Wait()
	r.metrics.Connections.Set(0)
}

func (r *Relay) emit(change StateChange) {
	if len(r.listeners) == 0 {
		return
	}
	select {
	case r.changeCh <- change:
	default:
		r.metrics.ChangeEventsDropped.Inc()
		slog.Warn("State change queue full, dropping event", "capacity", cap(r.changeCh))
	}
}

func (r *Relay) notify() {
	defer close(r.notifierDone)

	for change := range r.changeCh {
		for _, l := range r.listeners {
			ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
			if err := l.OnStateChange(ctx, change); err != nil {
				slog.Error("State change listener failed", "listener", fmt.Sprintf("%T", l), "error", err)
			}
			cancel()
		}
	}
}
