package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/schema"
	"github.com/nfrund/sphere/internal/service"
	"github.com/nfrund/sphere/internal/topic"
	"github.com/nfrund/sphere/internal/topicmgr"
	"github.com/nfrund/sphere/internal/transport"
)

func newDeps(t *testing.T) Deps {
	t.Helper()
	tr, err := transport.NewLocal(nil)
	require.NoError(t, err)
	b := bus.New(tr)
	t.Cleanup(func() {
		b.Close()
		_ = tr.Close()
	})

	cat := schema.NewCatalog(nil)
	require.NoError(t, cat.LoadBuiltin())
	topics := topicmgr.NewManager(nil)
	require.NoError(t, topics.RegisterDefaults(nil))

	return Deps{
		Bus:     b,
		Binder:  service.NewBinder(b, cat, nil),
		Schemas: cat,
		Topics:  topics,
		NodeID:  "NODE1",
	}
}

// capture collects the first message on a concrete topic.
func capture(t *testing.T, b *bus.Bus, raw string) <-chan bus.Params {
	t.Helper()
	ch := make(chan bus.Params, 4)
	_, err := b.SubscribeTopic(raw, func(_ *bus.Message, params bus.Params, _ bus.ReplyFunc) {
		ch <- params
	})
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan bus.Params) bus.Params {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
		return nil
	}
}

type fakeDriver struct {
	mu      sync.Mutex
	started []string
	stopped int
	failing bool
}

func (f *fakeDriver) Start(config json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("no hub found")
	}
	f.started = append(f.started, string(config))
	return nil
}

func (f *fakeDriver) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func TestDriver(t *testing.T) {
	deps := newDeps(t)
	announce := capture(t, deps.Bus, "$node/NODE1/app/driver-test/service/event/announce")

	impl := &fakeDriver{}
	d, err := NewDriver(deps, Info{Name: "driver-test", Version: "0.1.0"}, impl)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	params := receive(t, announce)
	var body map[string]any
	require.NoError(t, params.Decode(&body))
	assert.Equal(t, "driver-test", body["name"])
	assert.Equal(t, "0.1.0", body["version"])
	assert.Equal(t, "/service/driver", body["schema"])
	assert.ElementsMatch(t, []any{"start", "stop"}, body["supportedMethods"])

	proxy, err := service.NewProxy(deps.Bus, deps.Schemas, DriverURI,
		topic.MustParse("$node/NODE1/app/driver-test/service", topic.Timeout(2*time.Second)), nil)
	require.NoError(t, err)
	t.Cleanup(proxy.Close)

	ctx := context.Background()
	t.Run("start receives the default config", func(t *testing.T) {
		_, err := proxy.Invoke(ctx, "start")
		require.NoError(t, err)
		assert.Equal(t, []string{"{}"}, impl.started)
	})

	t.Run("stop", func(t *testing.T) {
		_, err := proxy.Invoke(ctx, "stop")
		require.NoError(t, err)
		assert.Equal(t, 1, impl.stopped)
	})

	t.Run("start failure is returned to the caller", func(t *testing.T) {
		impl.mu.Lock()
		impl.failing = true
		impl.mu.Unlock()
		_, err := proxy.Invoke(ctx, "start", map[string]any{"host": "x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrRemote)
		assert.Contains(t, err.Error(), "no hub found")
	})

	t.Run("config events", func(t *testing.T) {
		events := capture(t, deps.Bus, "$node/NODE1/app/driver-test/service/event/config")
		d.EmitConfig(map[string]any{"paired": true})
		params := receive(t, events)
		assert.JSONEq(t, `{"paired": true}`, string(params[0]))
	})
}

func TestNewDriverValidation(t *testing.T) {
	deps := newDeps(t)
	_, err := NewDriver(deps, Info{}, &fakeDriver{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = NewDriver(Deps{}, Info{Name: "x"}, &fakeDriver{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

type light struct {
	mu     sync.Mutex
	states []string
}

func (l *light) ServiceMethods() map[string]service.Method {
	return map[string]service.Method{
		"setLight": func(call *service.Call) {
			l.mu.Lock()
			l.states = append(l.states, string(call.Params[0]))
			l.mu.Unlock()
			call.Reply(nil)
		},
	}
}

func TestDevice(t *testing.T) {
	t.Run("identity is required", func(t *testing.T) {
		deps := newDeps(t)
		_, err := NewDevice(deps, Identity{ID: "00:11"}, "driver-test")
		assert.ErrorIs(t, err, errs.ErrValidation)
		_, err = NewDevice(deps, Identity{ID: "00:11", IDType: "mac"}, "")
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	deps := newDeps(t)
	dev, err := NewDevice(deps, Identity{Name: "Lamp", ID: "00:11", IDType: "mac"}, "driver-test")
	require.NoError(t, err)
	t.Cleanup(dev.Close)
	guid := Identity{ID: "00:11", IDType: "mac"}.GUID()
	assert.Equal(t, guid, dev.GUID())

	t.Run("register announces the device", func(t *testing.T) {
		announce := capture(t, deps.Bus, "$device/"+guid+"/event/announce")
		require.NoError(t, dev.Register(map[string]any{"ninja:manufacturer": "Acme"}))

		var body map[string]any
		require.NoError(t, receive(t, announce).Decode(&body))
		assert.Equal(t, guid, body["id"])
		assert.Equal(t, "00:11", body["naturalId"])
		assert.Equal(t, "mac", body["naturalIdType"])
		assert.Equal(t, "Lamp", body["name"])
		assert.Equal(t, map[string]any{"ninja:manufacturer": "Acme"}, body["signatures"])
	})

	t.Run("rename over the bus", func(t *testing.T) {
		renamed := capture(t, deps.Bus, "$device/"+guid+"/event/renamed")
		proxy, err := service.NewProxy(deps.Bus, deps.Schemas, DeviceURI,
			topic.MustParse("$device/"+guid, topic.Timeout(2*time.Second)), nil)
		require.NoError(t, err)
		defer proxy.Close()

		_, err = proxy.Invoke(context.Background(), "setName", "Desk lamp")
		require.NoError(t, err)
		assert.Equal(t, "Desk lamp", dev.Name())
		assert.JSONEq(t, `"Desk lamp"`, string(receive(t, renamed)[0]))
	})

	l := &light{}
	t.Run("channels", func(t *testing.T) {
		announce := capture(t, deps.Bus, "$device/"+guid+"/channel/light/event/announce")
		ch, err := dev.AnnounceChannel("light", "", l, nil)
		require.NoError(t, err)
		assert.Equal(t, "light", ch.Protocol)
		assert.Equal(t, []string{"light"}, dev.Channels())

		var body map[string]any
		require.NoError(t, receive(t, announce).Decode(&body))
		assert.Equal(t, "light", body["id"])
		assert.Equal(t, "/protocol/light", body["schema"])

		proxy, err := service.NewProxy(deps.Bus, deps.Schemas, "/protocol/light",
			topic.MustParse("$device/"+guid+"/channel/light", topic.Timeout(2*time.Second)), nil)
		require.NoError(t, err)
		defer proxy.Close()
		_, err = proxy.Invoke(context.Background(), "setLight", map[string]any{"power": true})
		require.NoError(t, err)
		assert.Equal(t, []string{`{"power":true}`}, l.states)
	})

	t.Run("state events are validated", func(t *testing.T) {
		state := capture(t, deps.Bus, "$device/"+guid+"/channel/light/event/state")

		require.NoError(t, dev.SendState("light", map[string]any{"power": false, "brightness": 0.5}))
		assert.JSONEq(t, `{"power": false, "brightness": 0.5}`, string(receive(t, state)[0]))

		err := dev.SendState("light", map[string]any{"brightness": 2})
		assert.ErrorIs(t, err, errs.ErrValidation)

		err = dev.SendEvent("light", "exploded", nil)
		assert.ErrorIs(t, err, errs.ErrValidation)

		err = dev.SendState("fan", map[string]any{})
		assert.ErrorIs(t, err, errs.ErrValidation)
		assert.Contains(t, err.Error(), "Unknown channel : fan")

		select {
		case p := <-state:
			t.Fatalf("invalid state was published: %s", p)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("missing channel name", func(t *testing.T) {
		_, err := dev.AnnounceChannel("", "light", l, nil)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})
}
