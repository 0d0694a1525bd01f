// Package lorae220 wires an E220 LoRa transmitter into the hardware manager.
package lorae220

import (
	"context"
	"fmt"

	"microos-go/drivers/e220"
	"microos-go/errcode"
	"microos-go/hwman"
)

func init() { hwman.RegisterBuilder("LORA_E220", hwman.BuilderFunc(build)) }

func build(ctx context.Context, in hwman.BuildInput) (hwman.Driver, error) {
	if in.Config.Bus.Type != "uart" {
		return nil, fmt.Errorf("lorae220: %q expects a uart bus, got %q", in.Name, in.Config.Bus.Type)
	}
	uart, ok := in.Primitives.UART(in.Config.Bus.ResourceKey())
	if !ok {
		return nil, fmt.Errorf("lorae220: uart primitive %q not found", in.Config.Bus.ResourceKey())
	}

	dev := e220.New(uart)
	d := &dev
	if mf, ok := hwman.AsInt(in.Config.Params["max_frame"]); ok && mf > 0 {
		d.Configure(e220.Config{MaxFrame: mf})
	}

	return &hwman.OpTable{
		Ops: map[string]hwman.Op{
			"send": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if len(args) != 1 {
					return nil, errcode.InvalidParams
				}
				b, ok := hwman.AsBytes(args[0])
				if !ok {
					return nil, errcode.InvalidParams
				}
				if err := d.Send(b); err != nil {
					return nil, err
				}
				return len(b), nil
			},
			"flush": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return nil, uart.Flush()
			},
		},
	}, nil
}
