// Package aht20env wires an AHT20 temperature/humidity sensor behind the
// hardware manager's operation-table contract. It serves as a drop-in
// temperature source for deployments without a DS3231 die sensor.
package aht20env

import (
	"context"
	"fmt"

	"microos-go/drivers/aht20"
	"microos-go/hwman"
)

func init() { hwman.RegisterBuilder("AHT20", hwman.BuilderFunc(build)) }

func build(ctx context.Context, in hwman.BuildInput) (hwman.Driver, error) {
	if in.Config.Bus.Type != "i2c" {
		return nil, fmt.Errorf("aht20env: %q expects an i2c bus, got %q", in.Name, in.Config.Bus.Type)
	}
	bus, ok := in.Primitives.I2C(in.Config.Bus.ResourceKey())
	if !ok {
		return nil, fmt.Errorf("aht20env: i2c primitive %q not found", in.Config.Bus.ResourceKey())
	}

	dev := aht20.New(bus)
	d := &dev
	cfg := aht20.Config{}
	if in.Config.Address != 0 {
		cfg.Address = uint16(in.Config.Address)
	}
	d.Configure(cfg)
	// Life-check: one full measurement cycle over the bus.
	if err := d.Read(); err != nil {
		return nil, fmt.Errorf("aht20env: life-check for %q: %w", in.Name, err)
	}

	return &hwman.OpTable{
		Ops: map[string]hwman.Op{
			"read_temperature": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if err := d.Read(); err != nil {
					return nil, err
				}
				// Milli-degrees Celsius, same contract as the DS3231 op.
				return d.MilliCelsius(), nil
			},
			"read_humidity": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if err := d.Read(); err != nil {
					return nil, err
				}
				// Thousandths of a percent relative humidity.
				return d.MilliRelHumidity(), nil
			},
		},
	}, nil
}
