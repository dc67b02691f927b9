package strategy

import (
	"fmt"
	"sort"
	"sync"

	"tidebot/internal/domain"
)

// Constructor builds a strategy instance from its configuration row.
type Constructor func(cfg domain.Strategy) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a constructor under a strategy_type. Called from init();
// duplicate registration is a programming error and panics.
func Register(strategyType string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[strategyType]; ok {
		panic(fmt.Sprintf("strategy: %q registered twice", strategyType))
	}
	registry[strategyType] = ctor
}

// New builds the strategy a configuration row names.
func New(cfg domain.Strategy) (Strategy, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: unknown type %q (registered: %v)", cfg.Name, cfg.Type, Types())
	}
	return ctor(cfg)
}

// Types returns the registered strategy types, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
