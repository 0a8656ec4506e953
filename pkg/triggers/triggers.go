// Package triggers wires the built-in long-poll trigger factories into a
// registry.
package triggers

import (
	"github.com/weavr-dev/weavr/pkg/protocol"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/triggers/kafka"
	"github.com/weavr-dev/weavr/pkg/triggers/queue"
)

// RegisterAll adds every built-in trigger factory to the registry. Cron
// and webhook triggers are handled natively by the scheduler and are not
// registered here.
func RegisterAll(reg *registry.Registry) error {
	factories := []protocol.TriggerFactory{
		queue.NewFactory(),
		kafka.NewFactory(),
	}

	for _, factory := range factories {
		if err := reg.RegisterTrigger(factory); err != nil {
			return err
		}
	}

	return nil
}
