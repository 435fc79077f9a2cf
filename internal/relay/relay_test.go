package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/internal/metrics"
)

// fakeSender records every frame it accepts.
type fakeSender struct {
	mu     sync.Mutex
	msgs   []string
	err    error
	closed bool
	reason string
}

func (f *fakeSender) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.closed {
		return ErrConnectionClosed
	}
	f.msgs = append(f.msgs, string(msg))
	return nil
}

func (f *fakeSender) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func (f *fakeSender) closeReason() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func (f *fakeSender) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// recordingListener collects state changes.
type recordingListener struct {
	mu      sync.Mutex
	changes []StateChange
	err     error
}

func (l *recordingListener) OnStateChange(_ context.Context, change StateChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
	return l.err
}

func (l *recordingListener) recorded() []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StateChange(nil), l.changes...)
}

func newTestRelay(t *testing.T, clock clockwork.Clock, listeners ...ChangeListener) (*Relay, *metrics.RelayMetrics) {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewFakeClock()
	}
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	r := NewRelay(NewRegistry(), m, clock, listeners...)
	t.Cleanup(r.Stop)
	return r, m
}

func connect(t *testing.T, r *Relay) (*Connection, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	conn, err := r.OnConnect(context.Background(), sender)
	require.NoError(t, err)
	return conn, sender
}

func update(t *testing.T, r *Relay, conn *Connection, data string) {
	t.Helper()
	payload := fmt.Sprintf(`{"type":"update","data":%s}`, data)
	require.NoError(t, r.OnMessage(context.Background(), conn, []byte(payload)))
}

func TestRelay_Scenario(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	a, sa := connect(t, r)
	assert.Empty(t, sa.messages(), "no sync while state is absent")

	b, sb := connect(t, r)
	assert.Empty(t, sb.messages())

	update(t, r, a, `{"score":1}`)
	assert.Equal(t, []string{`{"type":"sync","data":{"score":1}}`}, sa.messages())
	assert.Equal(t, []string{`{"type":"sync","data":{"score":1}}`}, sb.messages())

	require.NoError(t, r.OnDisconnect(context.Background(), b))

	update(t, r, a, `{"score":2}`)
	assert.Equal(t, []string{
		`{"type":"sync","data":{"score":1}}`,
		`{"type":"sync","data":{"score":2}}`,
	}, sa.messages())
	assert.Len(t, sb.messages(), 1)
	assert.Equal(t, 1, r.Size())
}

func TestRelay_LateJoinerReceivesCurrentState(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	a, _ := connect(t, r)
	update(t, r, a, `{"round":3}`)

	_, late := connect(t, r)
	assert.Equal(t, []string{`{"type":"sync","data":{"round":3}}`}, late.messages())

	update(t, r, a, `{"round":4}`)
	assert.Equal(t, []string{
		`{"type":"sync","data":{"round":3}}`,
		`{"type":"sync","data":{"round":4}}`,
	}, late.messages(), "initial sync precedes later broadcasts")
}

func TestRelay_DeliveryFailureEvictsOnlyFailedConnection(t *testing.T) {
	r, m := newTestRelay(t, nil)

	a, sa := connect(t, r)
	bad, sbad := connect(t, r)
	_, sc := connect(t, r)
	sbad.failWith(ErrSendBufferFull)

	update(t, r, a, `{"v":1}`)

	assert.Len(t, sa.messages(), 1)
	assert.Len(t, sc.messages(), 1)
	assert.Empty(t, sbad.messages())
	assert.Equal(t, 2, r.Size())
	assert.Equal(t, StateClosed, bad.State())

	assert.Eventually(t, func() bool {
		closed, _ := sbad.closeReason()
		return closed
	}, time.Second, 5*time.Millisecond)
	_, reason := sbad.closeReason()
	assert.Equal(t, reasonDeliveryFailed, reason)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.DeliveryFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.DeliveryOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Connections))

	// A late close notification for the evicted connection is a no-op.
	require.NoError(t, r.OnDisconnect(context.Background(), bad))
	assert.Equal(t, 2, r.Size())
}

func TestRelay_FailedInitialSyncEvicts(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	a, _ := connect(t, r)
	update(t, r, a, `1`)

	sender := &fakeSender{err: ErrSendBufferFull}
	conn, err := r.OnConnect(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 1, r.Size())
}

func TestRelay_MalformedMessageIsDiscarded(t *testing.T) {
	r, m := newTestRelay(t, nil)

	a, sa := connect(t, r)
	_, sb := connect(t, r)
	update(t, r, a, `{"keep":true}`)

	for _, payload := range []string{`not json`, `{"type":"update","data":`, `[]`} {
		err := r.OnMessage(context.Background(), a, []byte(payload))
		require.ErrorIs(t, err, ErrMalformedMessage)
	}

	assert.Len(t, sa.messages(), 1, "no broadcast")
	assert.Len(t, sb.messages(), 1, "no broadcast")
	assert.Equal(t, StateOpen, a.State(), "sender stays connected")
	assert.Equal(t, 2, r.Size())

	state, ok := r.State()
	require.True(t, ok)
	assert.JSONEq(t, `{"keep":true}`, string(state))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Malformed))
}

func TestRelay_UnknownTypeIsIgnored(t *testing.T) {
	r, m := newTestRelay(t, nil)
	a, sa := connect(t, r)

	require.NoError(t, r.OnMessage(context.Background(), a, []byte(`{"type":"sync","data":{"x":1}}`)))
	require.NoError(t, r.OnMessage(context.Background(), a, []byte(`{"type":"presence"}`)))
	require.NoError(t, r.OnMessage(context.Background(), a, []byte(`{"data":{"x":1}}`)))
	require.NoError(t, r.OnMessage(context.Background(), a, []byte(`{"type":5,"data":{"x":1}}`)))
	require.NoError(t, r.OnMessage(context.Background(), a, []byte(`{"TYPE":"update","DATA":{"x":1}}`)))

	assert.Empty(t, sa.messages())
	_, ok := r.State()
	assert.False(t, ok)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Ignored))
	assert.Zero(t, testutil.ToFloat64(m.Malformed))
}

func TestRelay_RepeatedUpdateBroadcastsTwice(t *testing.T) {
	r, m := newTestRelay(t, nil)
	a, sa := connect(t, r)

	update(t, r, a, `{"same":1}`)
	update(t, r, a, `{"same":1}`)

	assert.Equal(t, []string{
		`{"type":"sync","data":{"same":1}}`,
		`{"type":"sync","data":{"same":1}}`,
	}, sa.messages())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Updates))
}

func TestRelay_NullUpdateClearsState(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	a, sa := connect(t, r)

	update(t, r, a, `{"x":1}`)
	update(t, r, a, `null`)
	assert.Equal(t, `{"type":"sync","data":null}`, sa.messages()[1])

	_, late := connect(t, r)
	assert.Empty(t, late.messages(), "cleared state is not synced on connect")
}

func TestRelay_CaseVariantKeyDoesNotMaskUpdate(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	a, sa := connect(t, r)

	require.NoError(t, r.OnMessage(context.Background(), a, []byte(`{"type":"update","data":{"x":1},"Type":"noop"}`)))

	assert.Equal(t, []string{`{"type":"sync","data":{"x":1}}`}, sa.messages())
	state, ok := r.State()
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(state))
}

func TestRelay_UpdateWithoutDataOmitsData(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	a, sa := connect(t, r)

	update(t, r, a, `{"x":1}`)
	require.NoError(t, r.OnMessage(context.Background(), a, []byte(`{"type":"update"}`)))
	assert.Equal(t, `{"type":"sync"}`, sa.messages()[1])

	_, ok := r.State()
	assert.False(t, ok)
	_, late := connect(t, r)
	assert.Empty(t, late.messages())
}

func TestRelay_ConcurrentUpdatesConverge(t *testing.T) {
	r, _ := newTestRelay(t, nil)

	const clients, updates = 8, 25
	conns := make([]*Connection, clients)
	senders := make([]*fakeSender, clients)
	for i := range clients {
		conns[i], senders[i] = connect(t, r)
	}

	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range updates {
				payload := fmt.Sprintf(`{"type":"update","data":{"client":%d,"n":%d}}`, i, n)
				assert.NoError(t, r.OnMessage(context.Background(), conns[i], []byte(payload)))
			}
		}()
	}
	wg.Wait()

	state, ok := r.State()
	require.True(t, ok)
	final, err := EncodeSync(state)
	require.NoError(t, err)

	reference := senders[0].messages()
	require.Len(t, reference, clients*updates)
	for i, s := range senders {
		msgs := s.messages()
		assert.Equal(t, reference, msgs, "client %d saw a different order", i)
		assert.Equal(t, string(final), msgs[len(msgs)-1])
	}
}

func TestRelay_UpdateFromClosedConnectionIsDropped(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	_, sa := connect(t, r)
	b, _ := connect(t, r)
	require.NoError(t, r.OnDisconnect(context.Background(), b))

	update(t, r, b, `{"ghost":true}`)

	assert.Empty(t, sa.messages())
	_, ok := r.State()
	assert.False(t, ok)
}

func TestRelay_ListenersReceiveChanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	failing := &recordingListener{err: errors.New("backup unavailable")}
	listener := &recordingListener{}
	r, _ := newTestRelay(t, clock, failing, listener)

	a, _ := connect(t, r)
	update(t, r, a, `{"step":1}`)
	update(t, r, a, `{"step":2}`)
	update(t, r, a, `null`)

	require.Eventually(t, func() bool { return len(listener.recorded()) == 3 }, time.Second, 5*time.Millisecond)
	changes := listener.recorded()

	assert.Nil(t, changes[0].Before)
	assert.JSONEq(t, `{"step":1}`, string(changes[0].After))
	assert.JSONEq(t, `{"step":1}`, string(changes[1].Before))
	assert.JSONEq(t, `{"step":2}`, string(changes[1].After))
	assert.JSONEq(t, `{"step":2}`, string(changes[2].Before))
	assert.Nil(t, changes[2].After)
	assert.Equal(t, clock.Now(), changes[0].At)

	assert.Len(t, failing.recorded(), 3, "a failing listener does not stop delivery")
}

func TestRelay_StopClosesConnections(t *testing.T) {
	r, m := newTestRelay(t, nil)
	_, sa := connect(t, r)
	_, sb := connect(t, r)

	r.Stop()
	r.Stop()

	for _, s := range []*fakeSender{sa, sb} {
		closed, reason := s.closeReason()
		assert.True(t, closed)
		assert.Equal(t, reasonShutdown, reason)
	}
	assert.Equal(t, 0, r.Size())
	assert.Zero(t, testutil.ToFloat64(m.Connections))

	_, err := r.OnConnect(context.Background(), &fakeSender{})
	assert.ErrorIs(t, err, ErrRelayStopped)
}

func TestRelay_OnConnectRespectsContext(t *testing.T) {
	r, _ := newTestRelay(t, nil)
	r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.OnConnect(ctx, &fakeSender{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRelayStopped) || errors.Is(err, context.Canceled))
}
