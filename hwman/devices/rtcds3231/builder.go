// Package rtcds3231 wires a DS3231 real-time clock behind the hardware
// manager's operation-table contract.
package rtcds3231

import (
	"context"
	"fmt"
	"time"

	"tinygo.org/x/drivers/ds3231"

	"microos-go/errcode"
	"microos-go/hwman"
)

func init() { hwman.RegisterBuilder("DS3231", hwman.BuilderFunc(build)) }

func build(ctx context.Context, in hwman.BuildInput) (hwman.Driver, error) {
	if in.Config.Bus.Type != "i2c" {
		return nil, fmt.Errorf("rtcds3231: %q expects an i2c bus, got %q", in.Name, in.Config.Bus.Type)
	}
	bus, ok := in.Primitives.I2C(in.Config.Bus.ResourceKey())
	if !ok {
		return nil, fmt.Errorf("rtcds3231: i2c primitive %q not found", in.Config.Bus.ResourceKey())
	}

	dev := ds3231.New(bus)
	d := &dev
	d.Configure()
	// Life-check: one full time read over the bus.
	if _, err := d.ReadTime(); err != nil {
		return nil, fmt.Errorf("rtcds3231: life-check for %q: %w", in.Name, err)
	}

	return &hwman.OpTable{
		Ops: map[string]hwman.Op{
			"read_time": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return d.ReadTime()
			},
			"set_time": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if len(args) != 1 {
					return nil, errcode.InvalidParams
				}
				t, ok := args[0].(time.Time)
				if !ok {
					return nil, errcode.InvalidParams
				}
				return nil, d.SetTime(t)
			},
			"read_temperature": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				// Milli-degrees Celsius from the die sensor.
				return d.ReadTemperature()
			},
		},
	}, nil
}
