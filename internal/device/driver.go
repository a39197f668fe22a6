package device

import (
	"encoding/json"
	"log/slog"

	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/service"
	"github.com/nfrund/sphere/internal/topicmgr"
)

// DriverURI is the contract every driver binds.
const DriverURI = "/service/driver"

// Startable is the lifecycle a driver implements.
type Startable interface {
	Start(config json.RawMessage) error
	Stop() error
}

// Configurer is implemented by drivers with an interactive configuration
// step.
type Configurer interface {
	Configure(request json.RawMessage) (any, error)
}

// Info is what a driver announces about itself.
type Info struct {
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	License     string `json:"license,omitempty"`
}

// Driver is a bound driver.
type Driver struct {
	Info    Info
	Binding *service.Binding

	impl Startable
	log  *slog.Logger
}

// NewDriver binds impl as the driver named info.Name on the node of deps.
func NewDriver(deps Deps, info Info, impl Startable) (*Driver, error) {
	const op = "device.NewDriver"
	if err := deps.check(op); err != nil {
		return nil, err
	}
	if err := validate.Struct(info); err != nil {
		return nil, errs.Wrap(errs.Validation, op, err, "invalid driver info")
	}
	if impl == nil {
		return nil, errs.New(errs.Validation, op, "driver %s has no implementation", info.Name)
	}

	t, err := deps.Topics.Bind(topicmgr.DriverService, map[string]string{
		"node": deps.NodeID,
		"app":  info.Name,
	})
	if err != nil {
		return nil, err
	}

	d := &Driver{
		Info: info,
		impl: impl,
		log:  deps.logger().With("component", "[driver] "+info.Name),
	}
	announcement := map[string]any{"name": info.Name}
	for k, v := range map[string]string{
		"version":     info.Version,
		"description": info.Description,
		"author":      info.Author,
		"license":     info.License,
	} {
		if v != "" {
			announcement[k] = v
		}
	}

	d.Binding, err = deps.Binder.Bind(service.BindOptions{
		URI:          DriverURI,
		Target:       d,
		Topic:        t,
		Announcement: announcement,
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("Driver bound", "topic", t.String())
	return d, nil
}

// ServiceMethods implements service.Target.
func (d *Driver) ServiceMethods() map[string]service.Method {
	methods := map[string]service.Method{
		"start": func(call *service.Call) {
			var config json.RawMessage
			if err := call.Decode(&config); err != nil {
				call.Fail(err)
				return
			}
			d.log.Info("-- Starting --")
			if err := d.impl.Start(config); err != nil {
				d.log.Error("Failed to start", "error", err)
				call.Fail(err)
				return
			}
			call.Reply(nil)
		},
		"stop": func(call *service.Call) {
			d.log.Info("-- Stopping --")
			if err := d.impl.Stop(); err != nil {
				call.Fail(err)
				return
			}
			call.Reply(nil)
		},
	}
	if c, ok := d.impl.(Configurer); ok {
		methods["configure"] = func(call *service.Call) {
			var request json.RawMessage
			if err := call.Decode(&request); err != nil {
				call.Fail(err)
				return
			}
			result, err := c.Configure(request)
			if err != nil {
				call.Fail(err)
				return
			}
			call.Reply(result)
		}
	}
	return methods
}

// EmitConfig publishes the driver's config event.
func (d *Driver) EmitConfig(config any) {
	d.Binding.Emit("config", config)
}

// Close unbinds the driver.
func (d *Driver) Close() {
	d.Binding.Close()
}
