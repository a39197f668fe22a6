package topicmgr

import "time"

// Names of the built-in topics.
const (
	ModuleStart     = "module.start"
	ModuleStop      = "module.stop"
	ModuleStatus    = "module.status"
	ModuleAvailable = "module.available"
	SiteChange      = "site.change"
	DriverService   = "driver.service"
	AppService      = "app.service"
	DeviceService   = "device.service"
	ChannelService  = "device.channel.service"
	ChannelEvent    = "device.channel.event"
)

const defaultRPCTimeout = 10 * time.Second

// Defaults are the topics every sphere process understands.
var Defaults = []TopicConfig{
	{
		Name:        ModuleStart,
		Description: "Ask the director on a node to start a module; params [name]",
		Pattern:     "$node/:node/module/start",
		Example:     "$node/ABCDEF/module/start",
		Timeout:     defaultRPCTimeout,
	},
	{
		Name:        ModuleStop,
		Description: "Ask the director on a node to stop a module; params [name]",
		Pattern:     "$node/:node/module/stop",
		Example:     "$node/ABCDEF/module/stop",
		Timeout:     defaultRPCTimeout,
	},
	{
		Name:        ModuleStatus,
		Description: "Resource usage of a running module; params [name, {cpu, memory}]",
		Pattern:     "$node/:node/module/status",
		Example:     "$node/ABCDEF/module/status",
	},
	{
		Name:        ModuleAvailable,
		Description: "Modules installed on a node; params [{name: version}]",
		Pattern:     "$node/:node/module/available",
		Example:     "$node/ABCDEF/module/available",
	},
	{
		Name:        SiteChange,
		Description: "The site topology changed in the cloud",
		Pattern:     "$cloud/site/change",
		Example:     "$cloud/site/change",
	},
	{
		Name:        DriverService,
		Description: "Service topic of a driver running on a node",
		Pattern:     "$node/:node/app/:app/service",
		Example:     "$node/ABCDEF/app/driver-hue/service",
		Timeout:     defaultRPCTimeout,
	},
	{
		Name:        AppService,
		Description: "Named service exported by an app",
		Pattern:     "$node/:node/app/:app/service/:service",
		Example:     "$node/ABCDEF/app/weather/service/forecast",
		Timeout:     defaultRPCTimeout,
	},
	{
		Name:        DeviceService,
		Description: "Service topic of a device",
		Pattern:     "$device/:device",
		Example:     "$device/0123456789",
		Timeout:     defaultRPCTimeout,
	},
	{
		Name:        ChannelService,
		Description: "Protocol service of one device channel",
		Pattern:     "$device/:device/channel/:channel",
		Example:     "$device/0123456789/channel/light",
		Timeout:     defaultRPCTimeout,
	},
	{
		Name:        ChannelEvent,
		Description: "Event emitted by a device channel",
		Pattern:     "$device/:device/channel/:channel/event/:event",
		Example:     "$device/0123456789/channel/light/event/state",
	},
}

// RegisterDefaults registers the built-in topics, applying overrides of
// name -> pattern first.
func (m *Manager) RegisterDefaults(overrides map[string]string) error {
	for _, cfg := range Defaults {
		if p, ok := overrides[cfg.Name]; ok && p != "" {
			cfg.Pattern = p
			cfg.Example = ""
		}
		if err := m.Register(DefineFramework(cfg)); err != nil {
			return err
		}
	}
	return nil
}
