package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"realtime-sync/internal/relay"
)

const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// Event is the audit record published for every state change.
// Before and After are JSON null when the state was absent.
type Event struct {
	Timestamp int64           `json:"timestamp"`
	Before    json.RawMessage `json:"before"`
	After     json.RawMessage `json:"after"`
}

// Backup is the document stored under the backup key.
type Backup struct {
	Timestamp int64           `json:"timestamp"`
	AppState  json.RawMessage `json:"appState"`
}

// Options names the Redis channel and key used by the feed.
type Options struct {
	EventChannel string
	BackupKey    string
}

// Feed publishes state changes to Redis and keeps a copy of the latest state.
// It implements relay.ChangeListener.
type Feed struct {
	rdb     *goredis.Client
	opts    Options
	breaker *gobreaker.CircuitBreaker
}

var _ relay.ChangeListener = (*Feed)(nil)

// New creates a feed over an existing Redis client.
func New(rdb *goredis.Client, opts Options) *Feed {
	return &Feed{
		rdb:     rdb,
		opts:    opts,
		breaker: newBreaker("redis-changefeed"),
	}
}

// OnStateChange publishes the audit event and, when the new state exists,
// overwrites the backup. Both writes are skipped while the breaker is open.
func (f *Feed) OnStateChange(ctx context.Context, change relay.StateChange) error {
	ts := change.At.UnixMilli()

	event, err := json.Marshal(Event{
		Timestamp: ts,
		Before:    orNull(change.Before),
		After:     orNull(change.After),
	})
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	var errs []error
	if err := f.execute(func() error {
		return f.rdb.Publish(ctx, f.opts.EventChannel, event).Err()
	}); err != nil {
		errs = append(errs, fmt.Errorf("failed to publish change event: %w", err))
	}

	if change.After == nil {
		slog.Info("State cleared, skipping backup")
		return errors.Join(errs...)
	}

	backup, err := json.Marshal(Backup{Timestamp: ts, AppState: change.After})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to encode backup: %w", err))
		return errors.Join(errs...)
	}
	if err := f.execute(func() error {
		return f.rdb.Set(ctx, f.opts.BackupKey, backup, 0).Err()
	}); err != nil {
		errs = append(errs, fmt.Errorf("failed to write backup: %w", err))
	}

	return errors.Join(errs...)
}

// Latest reads the backup document, if any.
func (f *Feed) Latest(ctx context.Context) (*Backup, error) {
	raw, err := f.rdb.Get(ctx, f.opts.BackupKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	var b Backup
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("failed to decode backup: %w", err)
	}
	return &b, nil
}

// Subscribe returns a channel of audit events. It is closed when ctx ends.
func (f *Feed) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := f.rdb.Subscribe(ctx, f.opts.EventChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", f.opts.EventChannel, err)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer func() { _ = sub.Close() }()

		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("Failed to decode change event", "error", err)
					continue
				}
				select {
				case ch <- event:
				default:
					// Drop if receiver is slow
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (f *Feed) execute(op func() error) error {
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})
	return err
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"component", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func orNull(v json.RawMessage) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	return v
}
