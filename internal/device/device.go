package device

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/events"
	"github.com/nfrund/sphere/internal/identity"
	"github.com/nfrund/sphere/internal/service"
	"github.com/nfrund/sphere/internal/topicmgr"
)

// DeviceURI is the contract every device binds.
const DeviceURI = "/service/device"

// Identity names a device by the id its driver knows it under.
type Identity struct {
	Name string `json:"name"`
	// ID is the natural id, e.g. a MAC address.
	ID string `json:"naturalId" validate:"required"`
	// IDType qualifies ID, e.g. "mac".
	IDType string `json:"naturalIdType" validate:"required"`
}

// GUID is the bus id of the device.
func (i Identity) GUID() string {
	return identity.GUID(i.IDType, i.ID)
}

// Channel is one protocol endpoint of a device.
type Channel struct {
	ID       string
	Protocol string
	Binding  *service.Binding
}

// Device is a device exposed on the bus.
type Device struct {
	Identity Identity
	Driver   string

	deps    Deps
	guid    string
	log     *slog.Logger
	emitter *events.Emitter[any]

	mu       sync.Mutex
	name     string
	binding  *service.Binding
	channels map[string]*Channel
}

// NewDevice checks the identity and prepares a device. Nothing is published
// until Register.
func NewDevice(deps Deps, id Identity, driver string) (*Device, error) {
	const op = "device.NewDevice"
	if err := deps.check(op); err != nil {
		return nil, err
	}
	if driver == "" {
		return nil, errs.New(errs.Validation, op, `You must provide values for "driver", "id" and "idType" properties in your device.`)
	}
	if err := validate.Struct(id); err != nil {
		return nil, errs.Wrap(errs.Validation, op, err, `You must provide values for "driver", "id" and "idType" properties in your device.`)
	}
	return &Device{
		Identity: id,
		Driver:   driver,
		deps:     deps,
		guid:     id.GUID(),
		log:      deps.logger().With("component", "[device] "+id.IDType+":"+id.ID),
		emitter:  events.New[any](),
		name:     id.Name,
		channels: make(map[string]*Channel),
	}, nil
}

// GUID is the bus id of the device.
func (d *Device) GUID() string { return d.guid }

// Name returns the current display name.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// ServiceMethods implements service.Target.
func (d *Device) ServiceMethods() map[string]service.Method {
	return map[string]service.Method{
		"setName": func(call *service.Call) {
			var name string
			if err := call.Decode(&name); err != nil {
				call.Fail(err)
				return
			}
			d.SetName(name)
			call.Reply(nil)
		},
	}
}

// Events implements service.EventSource.
func (d *Device) Events() *events.Emitter[any] { return d.emitter }

// SetName renames the device and emits renamed when the name changed.
func (d *Device) SetName(name string) {
	d.mu.Lock()
	old := d.name
	d.name = name
	d.mu.Unlock()
	if old == name {
		return
	}
	d.log.Debug("Setting device name", "name", name, "was", old)
	d.emitter.Emit("renamed", name)
}

// Register binds the device contract at $device/<guid> and announces the
// device with its signatures.
func (d *Device) Register(signatures map[string]any) error {
	t, err := d.deps.Topics.Bind(topicmgr.DeviceService, map[string]string{"device": d.guid})
	if err != nil {
		return err
	}
	if signatures == nil {
		signatures = map[string]any{}
	}
	binding, err := d.deps.Binder.Bind(service.BindOptions{
		URI:    DeviceURI,
		Target: d,
		Topic:  t,
		Announcement: map[string]any{
			"id":            d.guid,
			"naturalId":     d.Identity.ID,
			"naturalIdType": d.Identity.IDType,
			"name":          d.Name(),
			"signatures":    signatures,
		},
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.binding = binding
	d.mu.Unlock()
	d.log.Debug("Registered", "guid", d.guid)
	return nil
}

// AnnounceChannel binds target to /protocol/<protocol> on the channel topic.
// An empty protocol defaults to the channel name.
func (d *Device) AnnounceChannel(channel, protocol string, target service.Target, mapping map[string]string) (*Channel, error) {
	const op = "device.AnnounceChannel"
	if channel == "" {
		return nil, errs.New(errs.Validation, op, "You must provide at least a protocol for this channel.")
	}
	if protocol == "" {
		protocol = channel
	}
	if target == nil {
		return nil, errs.New(errs.Validation, op, "channel %s has no handler", channel)
	}
	if strings.Contains(protocol, "://") {
		d.log.Warn("Non-ninja protocols aren't supported yet", "protocol", protocol)
	}

	t, err := d.deps.Topics.Bind(topicmgr.ChannelService, map[string]string{
		"device":  d.guid,
		"channel": channel,
	})
	if err != nil {
		return nil, err
	}
	d.log.Debug("Announcing channel", "channel", channel, "protocol", protocol)
	binding, err := d.deps.Binder.Bind(service.BindOptions{
		URI:          "/protocol/" + protocol,
		Target:       target,
		Mapping:      mapping,
		Topic:        t,
		Announcement: map[string]any{"id": channel, "protocol": protocol},
	})
	if err != nil {
		return nil, err
	}

	ch := &Channel{ID: channel, Protocol: protocol, Binding: binding}
	d.mu.Lock()
	if prev, ok := d.channels[channel]; ok {
		prev.Binding.Close()
	}
	d.channels[channel] = ch
	d.mu.Unlock()
	return ch, nil
}

// Channels lists the announced channel ids.
func (d *Device) Channels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.channels))
	for id := range d.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendEvent validates payload against the channel protocol's event schema
// and publishes it on the channel event topic.
func (d *Device) SendEvent(channel, event string, payload any) error {
	const op = "device.SendEvent"
	d.mu.Lock()
	ch, ok := d.channels[channel]
	d.mu.Unlock()
	if !ok {
		return errs.New(errs.Validation, op, "Unknown channel : %s", channel)
	}

	validators, err := d.deps.Schemas.Validators("/protocol/" + ch.Protocol)
	if err != nil {
		return err
	}
	ev := validators.Event(event)
	if ev == nil {
		return errs.New(errs.Validation, op, "protocol %s has no event %q", ch.Protocol, event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.InvalidPayload, op, err, "encoding %s event", event)
	}
	if err := ev.Validate(raw); err != nil {
		return err
	}

	t, err := d.deps.Topics.Bind(topicmgr.ChannelEvent, map[string]string{
		"device":  d.guid,
		"channel": channel,
		"event":   event,
	})
	if err != nil {
		return err
	}
	return d.deps.Bus.Publish(t, json.RawMessage(raw))
}

// SendState sends the state event of channel.
func (d *Device) SendState(channel string, state any) error {
	return d.SendEvent(channel, "state", state)
}

// Close unbinds the device and its channels.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.channels {
		ch.Binding.Close()
		delete(d.channels, id)
	}
	if d.binding != nil {
		d.binding.Close()
		d.binding = nil
	}
}
