package kernel

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds the handler for one service instance. The base Service is
// already constructed; the factory wires the concrete behavior to it.
type Factory func(svc *Service) (Handler, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterService installs a factory under a service type name. Intended
// for use from init, so collisions and empty names panic.
func RegisterService(typ string, f Factory) {
	if typ == "" || f == nil {
		panic("kernel: RegisterService with empty type or nil factory")
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[typ]; dup {
		panic(fmt.Sprintf("kernel: duplicate service factory %q", typ))
	}
	factories[typ] = f
}

func findFactory(typ string) (Factory, error) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[typ]
	if !ok {
		return nil, fmt.Errorf("no factory for service type %q (known: %v)", typ, factoryNames())
	}
	return f, nil
}

func factoryNames() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
