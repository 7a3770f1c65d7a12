package plugins

import (
	"fmt"
	"sync"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// EventBus lets plugins publish and subscribe to custom, namespaced
// events without going through the router or C4's fan-out — useful for
// a plugin that wants to notify another plugin of something (e.g. an
// economy plugin announcing a balance change to a leaderboard plugin).
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// EventHandler handles a single published event.
type EventHandler func(data interface{}) error

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

func (bus *EventBus) key(eventType, pluginName string) string {
	return eventType + ":" + pluginName
}

// Subscribe registers handler under pluginName for eventType.
func (bus *EventBus) Subscribe(eventType, pluginName string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	k := bus.key(eventType, pluginName)
	bus.subscribers[k] = append(bus.subscribers[k], handler)
}

// Unsubscribe removes pluginName's handlers for eventType.
func (bus *EventBus) Unsubscribe(eventType, pluginName string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.subscribers, bus.key(eventType, pluginName))
}

// UnsubscribeAll removes every handler registered by pluginName, across
// all event types; called when a plugin unloads.
func (bus *EventBus) UnsubscribeAll(pluginName string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	suffix := ":" + pluginName
	for key := range bus.subscribers {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(bus.subscribers, key)
		}
	}
}

func (bus *EventBus) handlersFor(eventType string) []EventHandler {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	var handlers []EventHandler
	for key, subs := range bus.subscribers {
		if len(key) >= len(eventType) && key[:len(eventType)] == eventType {
			handlers = append(handlers, subs...)
		}
	}
	return handlers
}

// Emit publishes an event to every matching subscriber without waiting
// for any handler to finish.
func (bus *EventBus) Emit(eventType string, data interface{}) {
	log := logger.Plugin()
	for _, h := range bus.handlersFor(eventType) {
		go func(handler EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("event", eventType).Interface("panic", r).Msg("event handler panicked")
				}
			}()
			if err := handler(data); err != nil {
				log.Warn().Str("event", eventType).Err(err).Msg("event handler returned error")
			}
		}(h)
	}
}

// EmitSync publishes an event and waits for every handler to finish,
// collecting their errors (including recovered panics).
func (bus *EventBus) EmitSync(eventType string, data interface{}) []error {
	handlers := bus.handlersFor(eventType)

	var (
		mu     sync.Mutex
		errs   []error
		wg     sync.WaitGroup
	)
	for _, h := range handlers {
		wg.Add(1)
		go func(handler EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("handler panicked: %v", r))
					mu.Unlock()
				}
			}()
			if err := handler(data); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errs
}

// PluginEvents is the namespaced view of the bus a single plugin
// receives through its Context, so it never has to pass its own name
// to every call.
type PluginEvents struct {
	bus        *EventBus
	pluginName string
}

func newPluginEvents(bus *EventBus, pluginName string) *PluginEvents {
	return &PluginEvents{bus: bus, pluginName: pluginName}
}

// On subscribes this plugin to eventType.
func (pe *PluginEvents) On(eventType string, handler EventHandler) {
	pe.bus.Subscribe(eventType, pe.pluginName, handler)
}

// Off unsubscribes this plugin from eventType.
func (pe *PluginEvents) Off(eventType string) {
	pe.bus.Unsubscribe(eventType, pe.pluginName)
}

// Emit publishes a custom event namespaced under this plugin's name, so
// two plugins emitting "update" never collide.
func (pe *PluginEvents) Emit(eventType string, data interface{}) {
	pe.bus.Emit("plugin."+pe.pluginName+"."+eventType, data)
}
