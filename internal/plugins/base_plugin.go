package plugins

import (
	"sync"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// factories is the compile-time registry of plugin constructors,
// populated by each plugin package's init() function. A manifest later
// names one of these keys to instantiate.
var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a plugin constructor under name. Intended
// to be called from a plugin package's init(), mirroring the teacher's
// auto-registration pattern: import the plugin package for its side
// effect, and it shows up here without any central list to edit.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		logger.Plugin().Warn().Str("factory", name).Msg("overwriting already-registered plugin factory")
	}
	factories[name] = factory
}

func getFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// ListFactories returns the names of every compiled-in plugin factory,
// regardless of whether a manifest currently instantiates it.
func ListFactories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
