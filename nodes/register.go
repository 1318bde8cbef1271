// Package nodes provides the built-in node behaviors: inject, debug, json,
// yaml, delay and switch. Their configuration keys follow the Node-RED
// export format, so flows exported from the editor deploy unchanged.
package nodes

import (
	"github.com/c360/semflow/registry"
)

// Registrations returns the built-in node types
func Registrations() []registry.Registration {
	return []registry.Registration{
		{
			Type:        "inject",
			Factory:     newInject,
			Description: "Creates messages once, on an interval, or when triggered",
			Inputs:      1,
			Outputs:     1,
		},
		{
			Type:        "debug",
			Factory:     newDebug,
			Description: "Publishes message values to the debug channel",
			Inputs:      1,
			Outputs:     0,
		},
		{
			Type:        "json",
			Factory:     newJSON,
			Description: "Converts a property between a JSON string and an object",
			Inputs:      1,
			Outputs:     1,
		},
		{
			Type:        "yaml",
			Factory:     newYAML,
			Description: "Converts a property between a YAML string and an object",
			Inputs:      1,
			Outputs:     1,
		},
		{
			Type:        "delay",
			Factory:     newDelay,
			Description: "Delays messages or limits their rate",
			Inputs:      1,
			Outputs:     2,
		},
		{
			Type:        "switch",
			Factory:     newSwitch,
			Description: "Routes messages by rules evaluated against a property",
			Inputs:      1,
			Outputs:     registry.DynamicPorts,
		},
	}
}

// Register adds the built-in node types to reg
func Register(reg *registry.Registry) error {
	for _, r := range Registrations() {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}
