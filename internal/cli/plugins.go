package cli

import (
	"sort"
	"sync"

	"courier/internal/config"
	"courier/internal/engine"
	"courier/pkg/channel"
)

// EngineFactory builds the agent engine the orchestrator drives. The
// concrete engine lives outside this module; the embedding binary installs
// one before Execute.
type EngineFactory func(cfg *config.Config) (engine.Engine, error)

// AdapterFactory builds one chat channel adapter.
type AdapterFactory func(cfg *config.Config) (channel.Adapter, error)

var (
	pluginMu         sync.Mutex
	engineFactory    EngineFactory
	adapterFactories = make(map[string]AdapterFactory)
)

// RegisterEngine installs the engine factory. The last registration wins.
func RegisterEngine(f EngineFactory) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	engineFactory = f
}

// RegisterAdapter installs a channel adapter factory under the name used in
// the channels.enabled config list.
func RegisterAdapter(name string, f AdapterFactory) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	adapterFactories[name] = f
}

func getEngineFactory() EngineFactory {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	return engineFactory
}

func getAdapterFactory(name string) (AdapterFactory, bool) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	f, ok := adapterFactories[name]
	return f, ok
}

// RegisteredAdapters lists the registered adapter names, sorted.
func RegisteredAdapters() []string {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	names := make([]string, 0, len(adapterFactories))
	for name := range adapterFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
