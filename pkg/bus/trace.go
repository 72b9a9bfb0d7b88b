package bus

import (
	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/model"
)

func (b *Bus) trace(event log.Event) {
	event.Layer = log.LayerBus
	log.Emit(b.cfg.Trace, event)
}

func (b *Bus) traceVerb(c Client, verb log.Verb, prop *model.Property, msg string) {
	b.trace(log.Event{
		ConnectionID: c.ID(),
		Direction:    log.DirectionOut,
		Category:     log.CategoryMessage,
		Device:       prop.Device,
		Property:     prop.Name,
		Message: &log.MessageEvent{
			Verb:  verb,
			Kind:  prop.Kind.String(),
			State: prop.State.String(),
			Items: len(prop.Items),
			Text:  msg,
		},
	})
}

func (b *Bus) traceState(entity log.StateEntity, name, state string) {
	b.trace(log.Event{
		ConnectionID: name,
		Category:     log.CategoryState,
		StateChange:  &log.StateChangeEvent{Entity: entity, NewState: state},
	})
}
