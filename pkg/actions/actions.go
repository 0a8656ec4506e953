// Package actions wires the built-in actions into a registry.
package actions

import (
	"github.com/weavr-dev/weavr/pkg/actions/condition"
	"github.com/weavr-dev/weavr/pkg/actions/delay"
	"github.com/weavr-dev/weavr/pkg/actions/httprequest"
	logaction "github.com/weavr-dev/weavr/pkg/actions/log"
	"github.com/weavr-dev/weavr/pkg/actions/transform"
	"github.com/weavr-dev/weavr/pkg/protocol"
	"github.com/weavr-dev/weavr/pkg/registry"
)

// RegisterAll adds every built-in action to the registry.
func RegisterAll(reg *registry.Registry) error {
	builtins := []protocol.Action{
		transform.NewAction(),
		logaction.NewAction(),
		delay.NewAction(),
		condition.NewAction(),
		httprequest.NewAction(),
	}

	for _, action := range builtins {
		if err := reg.RegisterAction(action); err != nil {
			return err
		}
	}

	return nil
}
