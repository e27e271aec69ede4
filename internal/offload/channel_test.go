package offload

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ssprotocol/amm-valuator/internal/token"
	"github.com/ssprotocol/amm-valuator/internal/valuation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second

// fakeWorker lets a test decide when and how each request is answered.
type fakeWorker struct {
	out    chan Message
	posted chan Message
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func newFakeWorker() *fakeWorker {
	w := &fakeWorker{
		out:    make(chan Message, 16),
		posted: make(chan Message, 16),
		done:   make(chan struct{}),
	}
	w.out <- Message{Type: MessageReady}
	return w
}

func (w *fakeWorker) Post(msg Message) error {
	select {
	case <-w.done:
		return errors.New("worker gone")
	default:
	}
	w.posted <- msg
	return nil
}

func (w *fakeWorker) Messages() <-chan Message { return w.out }
func (w *fakeWorker) Done() <-chan struct{}    { return w.done }

func (w *fakeWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWorker) Terminate() { w.crash(nil) }

func (w *fakeWorker) crash(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.done)
	})
}

func (w *fakeWorker) reply(id uint64, total string) {
	w.out <- Message{Type: MessageResult, RequestID: id, Result: &valuation.Valuation{TotalSum: total}}
}

func (w *fakeWorker) nextPosted(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-w.posted:
		return msg
	case <-time.After(waitFor):
		t.Fatal("no request reached the worker")
		return Message{}
	}
}

// workerQueue hands out prepared workers in order.
type workerQueue struct {
	mu      sync.Mutex
	workers []*fakeWorker
	calls   int
}

func (q *workerQueue) factory(context.Context) (Worker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if len(q.workers) == 0 {
		return nil, errors.New("no worker available")
	}
	w := q.workers[0]
	q.workers = q.workers[1:]
	return w, nil
}

func (q *workerQueue) created() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

type dispatchResult struct {
	v   valuation.Valuation
	err error
}

func dispatchAsync(ch *Channel, tag string) <-chan dispatchResult {
	res := make(chan dispatchResult, 1)
	go func() {
		v, err := ch.Dispatch(context.Background(),
			[]token.Descriptor{{Name: "A"}},
			token.Balances{"tag": tag},
			valuation.Options{})
		res <- dispatchResult{v, err}
	}()
	return res
}

func await(t *testing.T, res <-chan dispatchResult) dispatchResult {
	t.Helper()
	select {
	case r := <-res:
		return r
	case <-time.After(waitFor):
		t.Fatal("dispatch did not settle")
		return dispatchResult{}
	}
}

func TestDispatchMatchesRepliesByID(t *testing.T) {
	worker := newFakeWorker()
	queue := &workerQueue{workers: []*fakeWorker{worker}}
	ch := NewChannel(queue.factory, DefaultConfig(), WithLogger(zaptest.NewLogger(t)))
	defer ch.Stop()

	tags := []string{"first", "second", "third"}
	results := make(map[string]<-chan dispatchResult, len(tags))
	for _, tag := range tags {
		results[tag] = dispatchAsync(ch, tag)
	}

	posted := make([]Message, 0, len(tags))
	for range tags {
		posted = append(posted, worker.nextPosted(t))
	}
	// Ответы в обратном порядке
	for i := len(posted) - 1; i >= 0; i-- {
		worker.reply(posted[i].RequestID, posted[i].Balances["tag"])
	}

	for _, tag := range tags {
		r := await(t, results[tag])
		require.NoError(t, r.err)
		assert.Equal(t, tag, r.v.TotalSum)
	}
	assert.Zero(t, ch.PendingCount())
	assert.Equal(t, StateReady, ch.State())
	assert.Equal(t, 1, queue.created())
}

func TestDispatchTimeoutThenLateReplyIsIgnored(t *testing.T) {
	mock := clock.NewMock()
	worker := newFakeWorker()
	queue := &workerQueue{workers: []*fakeWorker{worker}}
	ch := NewChannel(queue.factory, DefaultConfig(),
		WithClock(mock), WithLogger(zaptest.NewLogger(t)))
	defer ch.Stop()

	res := dispatchAsync(ch, "slow")
	msg := worker.nextPosted(t)

	mock.Add(30 * time.Second)
	r := await(t, res)
	require.ErrorIs(t, r.err, ErrTimeout)
	assert.Zero(t, ch.PendingCount())

	// Поздний ответ не влияет ни на что
	worker.reply(msg.RequestID, "late")

	next := dispatchAsync(ch, "fresh")
	msg2 := worker.nextPosted(t)
	assert.NotEqual(t, msg.RequestID, msg2.RequestID)
	worker.reply(msg2.RequestID, "fresh")

	r = await(t, next)
	require.NoError(t, r.err)
	assert.Equal(t, "fresh", r.v.TotalSum)
}

func TestWorkerCrashRejectsAllPendingAndRecovers(t *testing.T) {
	first, second := newFakeWorker(), newFakeWorker()
	queue := &workerQueue{workers: []*fakeWorker{first, second}}
	ch := NewChannel(queue.factory, DefaultConfig(), WithLogger(zaptest.NewLogger(t)))
	defer ch.Stop()

	var results []<-chan dispatchResult
	for _, tag := range []string{"a", "b", "c"} {
		results = append(results, dispatchAsync(ch, tag))
	}
	for range results {
		first.nextPosted(t)
	}
	require.Equal(t, 3, ch.PendingCount())

	first.crash(errors.New("out of memory"))

	for _, res := range results {
		r := await(t, res)
		assert.ErrorIs(t, r.err, ErrWorkerCrashed)
	}
	require.Eventually(t, func() bool { return ch.State() == StateCrashed }, waitFor, 5*time.Millisecond)
	assert.Zero(t, ch.PendingCount())

	res := dispatchAsync(ch, "after")
	msg := second.nextPosted(t)
	second.reply(msg.RequestID, "after")

	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, "after", r.v.TotalSum)
	assert.Equal(t, 2, queue.created())
}

func TestDispatchWorkerUnavailable(t *testing.T) {
	queue := &workerQueue{}
	cfg := DefaultConfig()
	cfg.StartAttempts = 2
	cfg.StartBackoff = time.Millisecond
	ch := NewChannel(queue.factory, cfg, WithLogger(zaptest.NewLogger(t)))
	defer ch.Stop()

	_, err := ch.Dispatch(context.Background(), nil, token.Balances{}, valuation.Options{})
	require.ErrorIs(t, err, ErrWorkerUnavailable)
	assert.Equal(t, 2, queue.created())
	assert.Equal(t, StateUninitialized, ch.State())
}

func TestStaleSweepRejectsForgottenRequests(t *testing.T) {
	mock := clock.NewMock()
	worker := newFakeWorker()
	queue := &workerQueue{workers: []*fakeWorker{worker}}
	cfg := DefaultConfig()
	cfg.RequestTimeout = 0
	ch := NewChannel(queue.factory, cfg, WithClock(mock), WithLogger(zaptest.NewLogger(t)))
	defer ch.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Start(ctx)

	res := dispatchAsync(ch, "forgotten")
	worker.nextPosted(t)

	var got dispatchResult
	require.Eventually(t, func() bool {
		mock.Add(cfg.SweepInterval)
		select {
		case got = <-res:
			return true
		default:
			return false
		}
	}, waitFor, 10*time.Millisecond)

	assert.ErrorIs(t, got.err, ErrStaleRequest)
	assert.Zero(t, ch.PendingCount())
}

func TestDispatchContextCancelRemovesPending(t *testing.T) {
	worker := newFakeWorker()
	queue := &workerQueue{workers: []*fakeWorker{worker}}
	ch := NewChannel(queue.factory, DefaultConfig(), WithLogger(zaptest.NewLogger(t)))
	defer ch.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := ch.Dispatch(ctx, nil, token.Balances{}, valuation.Options{})
		errc <- err
	}()
	msg := worker.nextPosted(t)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("dispatch ignored cancellation")
	}
	assert.Zero(t, ch.PendingCount())
	worker.reply(msg.RequestID, "late")
}

func TestStopRejectsPendingAndLaterDispatches(t *testing.T) {
	worker := newFakeWorker()
	queue := &workerQueue{workers: []*fakeWorker{worker}}
	ch := NewChannel(queue.factory, DefaultConfig(), WithLogger(zaptest.NewLogger(t)))

	res := dispatchAsync(ch, "pending")
	worker.nextPosted(t)

	ch.Stop()
	r := await(t, res)
	assert.ErrorIs(t, r.err, ErrChannelClosed)
	assert.Equal(t, StateStopped, ch.State())

	_, err := ch.Dispatch(context.Background(), nil, token.Balances{}, valuation.Options{})
	assert.ErrorIs(t, err, ErrChannelClosed)

	select {
	case <-worker.Done():
	default:
		t.Fatal("worker not terminated")
	}
}

// calcFunc adapts a function to Calculator.
type calcFunc func(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error)

func (f calcFunc) Calculate(ctx context.Context, tokens []token.Descriptor, balances token.Balances, opts valuation.Options) (valuation.Valuation, error) {
	return f(ctx, tokens, balances, opts)
}

func TestEngineWorkerThroughChannel(t *testing.T) {
	var cleanups atomic.Int32
	calc := calcFunc(func(_ context.Context, _ []token.Descriptor, balances token.Balances, _ valuation.Options) (valuation.Valuation, error) {
		switch balances["tag"] {
		case "panic":
			panic("corrupted state")
		case "fail":
			return valuation.Valuation{}, errors.New("bad input")
		}
		return valuation.Valuation{TotalSum: balances["tag"], Values: map[string]string{"A": "1"}}, nil
	})

	logger := zaptest.NewLogger(t)
	factory := func(ctx context.Context) (Worker, error) {
		return NewEngineWorker(ctx, calc, logger, WithCleanup(func() { cleanups.Add(1) })), nil
	}
	ch := NewChannel(factory, DefaultConfig(), WithLogger(logger))
	defer ch.Stop()

	r := await(t, dispatchAsync(ch, "ok"))
	require.NoError(t, r.err)
	assert.Equal(t, "ok", r.v.TotalSum)

	r = await(t, dispatchAsync(ch, "fail"))
	require.ErrorIs(t, r.err, ErrCalculation)
	assert.Contains(t, r.err.Error(), "bad input")

	r = await(t, dispatchAsync(ch, "panic"))
	require.ErrorIs(t, r.err, ErrWorkerCrashed)
	require.Eventually(t, func() bool { return cleanups.Load() == 1 }, waitFor, 5*time.Millisecond)

	// Новый воркер создается при следующем запросе
	r = await(t, dispatchAsync(ch, "again"))
	require.NoError(t, r.err)
	assert.Equal(t, "again", r.v.TotalSum)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "busy", StateBusy.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestMessageWireShape(t *testing.T) {
	raw, err := json.Marshal(Message{
		Type:      MessageCalculate,
		RequestID: 7,
		Request:   &Request{Balances: token.Balances{"A": "1"}},
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "CALCULATE", fields["type"])
	assert.Equal(t, 7.0, fields["requestId"])
	assert.Equal(t, map[string]any{"A": "1"}, fields["balances"])
	assert.Contains(t, fields, "tokens")
	assert.Contains(t, fields, "options")

	raw, err = json.Marshal(Message{Type: MessageReady})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"READY"}`, string(raw))
}
