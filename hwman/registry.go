package hwman

import (
	"context"
	"fmt"
	"sync"

	"microos-go/config"
)

// BuildInput is provided to a device builder to construct a Driver.
type BuildInput struct {
	Name       string
	Config     config.Device
	Primitives Primitives
}

// Builder constructs a Driver from config and platform primitives.
// Build runs with the device's bus lock held and should include the
// driver's life-check probe; a returned error marks the device FAILED.
type Builder interface {
	Build(ctx context.Context, in BuildInput) (Driver, error)
}

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc func(ctx context.Context, in BuildInput) (Driver, error)

func (f BuilderFunc) Build(ctx context.Context, in BuildInput) (Driver, error) {
	return f(ctx, in)
}

var (
	muBuilders sync.RWMutex
	builders   = map[string]Builder{}
)

// RegisterBuilder installs a builder for a given driver type string.
// It panics on duplicate registration to catch mistakes at start-up.
func RegisterBuilder(driverType string, b Builder) {
	muBuilders.Lock()
	defer muBuilders.Unlock()
	if driverType == "" {
		panic("hwman: empty driver type for builder")
	}
	if _, exists := builders[driverType]; exists {
		panic(fmt.Sprintf("hwman: builder already registered for type %q", driverType))
	}
	builders[driverType] = b
}

// findBuilder looks up a registered builder by type.
func findBuilder(driverType string) (Builder, bool) {
	muBuilders.RLock()
	defer muBuilders.RUnlock()
	b, ok := builders[driverType]
	return b, ok
}
