package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/topic"
	"github.com/nfrund/sphere/internal/transport"
)

func newTestBus(t *testing.T) (*Bus, *transport.Local) {
	t.Helper()
	tr, err := transport.NewLocal(nil)
	require.NoError(t, err)
	b := New(tr, WithTrace(true), WithMetrics(NewMetrics(prometheus.NewRegistry())))
	t.Cleanup(func() {
		b.Close()
		_ = tr.Close()
	})
	return b, tr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestRequestReply(t *testing.T) {
	b, _ := newTestBus(t)
	svc := topic.MustParse("svc/:name")

	_, err := b.Subscribe(svc, func(msg *Message, params Params, reply ReplyFunc) {
		var who string
		require.NoError(t, params.Decode(&who))
		reply("hello "+who+" from "+msg.Params["name"], nil)
	})
	require.NoError(t, err)

	var calls atomic.Int32
	var got string
	sub, err := b.Request(svc.MustWith("name", "greeter"), []any{"bob"}, func(r Result) {
		calls.Add(1)
		require.NoError(t, r.Decode(&got))
	})
	require.NoError(t, err)
	assert.Len(t, sub.CorrelationID(), 32)

	<-sub.Done()
	assert.Equal(t, Replied, sub.Status())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "hello bob from greeter", got)
	assert.Equal(t, 1, b.Subscriptions())
}

func TestCall(t *testing.T) {
	b, _ := newTestBus(t)
	svc := topic.MustParse("calc", topic.Timeout(time.Second))

	_, err := b.Subscribe(svc, func(msg *Message, params Params, reply ReplyFunc) {
		switch msg.Envelope.Method {
		case "add":
			var x, y int
			require.NoError(t, params.Decode(&x, &y))
			reply(x+y, nil)
		case "fail":
			reply(nil, errors.New("nope"))
		case "panic":
			panic("boom")
		}
	})
	require.NoError(t, err)

	t.Run("returns result", func(t *testing.T) {
		raw, err := b.Call(context.Background(), svc, "add", 2, 3)
		require.NoError(t, err)
		assert.JSONEq(t, "5", string(raw))
	})

	t.Run("returns remote error", func(t *testing.T) {
		_, err := b.Call(context.Background(), svc, "fail")
		assert.ErrorIs(t, err, errs.ErrRemote)
		assert.Equal(t, "nope", err.Error())
	})

	t.Run("handler panic becomes uncaught error reply", func(t *testing.T) {
		_, err := b.Call(context.Background(), svc, "panic")
		require.Error(t, err)
		assert.Equal(t, "Uncaught error: boom", err.Error())
	})

	t.Run("context cancellation ends the request", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := b.Call(ctx, topic.MustParse("nobody/home"), "ping")
		assert.ErrorIs(t, err, errs.ErrTimeout)
	})
}

func TestTimeout(t *testing.T) {
	b, _ := newTestBus(t)
	svc := topic.MustParse("silent/:id", topic.Timeout(50*time.Millisecond)).MustWith("id", "1")

	var called, timedOut atomic.Bool
	start := time.Now()
	sub, err := b.Request(svc, nil, func(Result) { called.Store(true) })
	require.NoError(t, err)
	sub.OnTimeout(func() { timedOut.Store(true) })

	<-sub.Done()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, TimedOut, sub.Status())
	waitFor(t, timedOut.Load)

	_, err = b.Call(context.Background(), svc, "ping")
	assert.ErrorIs(t, err, errs.ErrTimeout)

	// A late reply must not reach the callback.
	reply := topic.MustParse("silent/1/reply")
	require.NoError(t, b.PublishMessage(reply, map[string]any{"jsonrpc": "2.0", "id": sub.CorrelationID(), "result": 1}))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called.Load())
	assert.Equal(t, 0, b.Subscriptions())
}

func TestInvalidPayload(t *testing.T) {
	b, tr := newTestBus(t)

	var mu sync.Mutex
	var errsSeen []error
	sub, err := b.Subscribe(topic.MustParse("sensor/:id"), nil)
	require.NoError(t, err)
	sub.OnMessage(func(*Message) {})
	sub.OnError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errsSeen = append(errsSeen, err)
	})

	require.NoError(t, tr.Publish("sensor/1", []byte("{not json"), 0, false))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errsSeen) == 1
	})

	mu.Lock()
	assert.ErrorIs(t, errsSeen[0], errs.ErrInvalidPayload)
	mu.Unlock()
	assert.Equal(t, Active, sub.Status())
}

func TestHandlerPanic(t *testing.T) {
	b, _ := newTestBus(t)
	tp := topic.MustParse("panicky/:id").MustWith("id", "1")

	t.Run("without a reply the panic reaches the error listeners", func(t *testing.T) {
		errCh := make(chan error, 1)
		sub, err := b.Subscribe(tp, func(*Message, Params, ReplyFunc) {
			panic("boom")
		})
		require.NoError(t, err)
		defer b.Unsubscribe(sub)
		sub.OnError(func(err error) { errCh <- err })

		require.NoError(t, b.Publish(tp, 1))

		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, errs.ErrUncaughtHandler))
			assert.Contains(t, err.Error(), "boom")
		case <-time.After(2 * time.Second):
			t.Fatal("no error reported")
		}
		assert.True(t, sub.Active())
	})

	t.Run("with a reply the caller gets the failure", func(t *testing.T) {
		sub, err := b.Subscribe(tp, func(*Message, Params, ReplyFunc) {
			panic("kaput")
		})
		require.NoError(t, err)
		defer b.Unsubscribe(sub)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err = b.Call(ctx, tp.WithTimeout(2*time.Second), "explode")
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrRemote)
		assert.Contains(t, err.Error(), "Uncaught error: kaput")
		assert.True(t, sub.Active())
	})
}

func TestNoListeners(t *testing.T) {
	b, _ := newTestBus(t)
	sub, err := b.Subscribe(topic.MustParse("lonely"), nil)
	require.NoError(t, err)

	got := make(chan error, 1)
	sub.OnError(func(err error) { got <- err })
	require.NoError(t, b.Publish(topic.MustParse("lonely")))

	select {
	case err := <-got:
		assert.ErrorIs(t, err, errs.ErrNoListeners)
	case <-time.After(2 * time.Second):
		t.Fatal("no error signalled")
	}
	assert.True(t, sub.Active())
}

func TestNonRPCReplyFailsCorrelatedSubscription(t *testing.T) {
	b, _ := newTestBus(t)
	sub, err := b.Request(topic.MustParse("svc/x"), nil, func(Result) { t.Error("callback must not run") })
	require.NoError(t, err)

	require.NoError(t, b.PublishMessage(topic.MustParse("svc/x/reply"), map[string]any{"id": sub.CorrelationID()}))
	<-sub.Done()
	assert.Equal(t, Failed, sub.Status())
	assert.ErrorIs(t, sub.Err(), errs.ErrInvalidPayload)
}

func TestCorrelationFilter(t *testing.T) {
	b, _ := newTestBus(t)
	sub, err := b.Request(topic.MustParse("svc/y"), nil, func(Result) {})
	require.NoError(t, err)

	reply := topic.MustParse("svc/y/reply")
	require.NoError(t, b.PublishMessage(reply, map[string]any{"jsonrpc": "2.0", "id": "someone-else", "result": 1}))
	require.NoError(t, b.PublishMessage(reply, map[string]any{"jsonrpc": "2.0", "id": sub.CorrelationID(), "result": 2}))

	<-sub.Done()
	assert.Equal(t, Replied, sub.Status())
}

func TestUnsubscribe(t *testing.T) {
	t.Run("inactive subscription only warns", func(t *testing.T) {
		b, _ := newTestBus(t)
		sub, err := b.Subscribe(topic.MustParse("a"), nil)
		require.NoError(t, err)
		b.Unsubscribe(sub)
		assert.Equal(t, Unsubscribed, sub.Status())
		assert.NotPanics(t, func() { b.Unsubscribe(sub) })
		assert.NotPanics(t, func() { b.Unsubscribe(nil) })
	})

	t.Run("removal during dispatch skips the removed entry", func(t *testing.T) {
		b, _ := newTestBus(t)
		tpl := topic.MustParse("room/:id")

		var second *Subscription
		var firstCalls, secondCalls, thirdCalls atomic.Int32
		_, err := b.Subscribe(tpl, func(*Message, Params, ReplyFunc) {
			firstCalls.Add(1)
			b.Unsubscribe(second)
		})
		require.NoError(t, err)
		second, err = b.Subscribe(tpl, func(*Message, Params, ReplyFunc) { secondCalls.Add(1) })
		require.NoError(t, err)
		_, err = b.Subscribe(tpl, func(*Message, Params, ReplyFunc) { thirdCalls.Add(1) })
		require.NoError(t, err)

		require.NoError(t, b.Publish(tpl.MustWith("id", "k")))
		waitFor(t, func() bool { return thirdCalls.Load() == 1 })
		assert.Equal(t, int32(1), firstCalls.Load())
		assert.Equal(t, int32(0), secondCalls.Load())
	})

	t.Run("unsubscribe all", func(t *testing.T) {
		b, _ := newTestBus(t)
		var ended atomic.Int32
		for _, raw := range []string{"a", "b/:x", "c/#"} {
			sub, err := b.SubscribeTopic(raw, nil)
			require.NoError(t, err)
			sub.OnEnd(func(Status) { ended.Add(1) })
		}
		b.UnsubscribeAll()
		assert.Equal(t, int32(3), ended.Load())
		assert.Equal(t, 0, b.Subscriptions())
	})
}

func TestEnvelope(t *testing.T) {
	b, _ := newTestBus(t)
	got := make(chan *Envelope, 1)
	sub, err := b.Subscribe(topic.MustParse("raw"), nil)
	require.NoError(t, err)
	sub.OnMessage(func(m *Message) { got <- m.Envelope })

	require.NoError(t, b.Publish(topic.MustParse("raw")))
	env := <-got
	assert.Equal(t, "2.0", env.JSONRPC)
	assert.Empty(t, env.ID)
	assert.JSONEq(t, "[]", string(env.Params))
	assert.NotZero(t, env.Time)
	assert.False(t, env.IsRequest())
}

func TestPublishNeedsBoundTopic(t *testing.T) {
	b, _ := newTestBus(t)
	err := b.Publish(topic.MustParse("device/:id"))
	assert.ErrorIs(t, err, errs.ErrUnboundParameter)
}

func TestParamsDecode(t *testing.T) {
	p := Params{json.RawMessage(`"Elliot"`), json.RawMessage(`30`)}
	var name string
	var age int
	var extra bool
	require.NoError(t, p.Decode(&name, nil, &extra))
	require.NoError(t, p.Decode(nil, &age))
	assert.Equal(t, "Elliot", name)
	assert.Equal(t, 30, age)
	assert.False(t, extra)
}
