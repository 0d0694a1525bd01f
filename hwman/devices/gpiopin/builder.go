// Package gpiopin wires a raw digital pin into the hardware manager.
package gpiopin

import (
	"context"
	"fmt"
	"strings"

	"microos-go/errcode"
	"microos-go/hwman"
)

func init() { hwman.RegisterBuilder("GPIO_Pin", hwman.BuilderFunc(build)) }

func build(ctx context.Context, in hwman.BuildInput) (hwman.Driver, error) {
	pin, ok := in.Primitives.Pin(in.Config.Pin)
	if !ok {
		return nil, fmt.Errorf("gpiopin: pin %d not available for %q", in.Config.Pin, in.Name)
	}

	mode, _ := hwman.AsString(in.Config.Params["mode"])
	output := strings.EqualFold(mode, "out")
	if output {
		initial, _ := hwman.AsBool(in.Config.Params["initial"])
		if err := pin.ConfigureOutput(initial); err != nil {
			return nil, fmt.Errorf("gpiopin: configure output %q: %w", in.Name, err)
		}
	} else {
		pull := hwman.PullNone
		switch p, _ := hwman.AsString(in.Config.Params["pull"]); strings.ToLower(p) {
		case "up":
			pull = hwman.PullUp
		case "down":
			pull = hwman.PullDown
		}
		if err := pin.ConfigureInput(pull); err != nil {
			return nil, fmt.Errorf("gpiopin: configure input %q: %w", in.Name, err)
		}
	}

	return &hwman.OpTable{
		Ops: map[string]hwman.Op{
			"set": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if len(args) != 1 {
					return nil, errcode.InvalidParams
				}
				level, ok := hwman.AsBool(args[0])
				if !ok {
					return nil, errcode.InvalidParams
				}
				pin.Set(level)
				return nil, nil
			},
			"get": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return pin.Get(), nil
			},
			"toggle": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				pin.Toggle()
				return nil, nil
			},
		},
		OnClose: func(ctx context.Context) error {
			// Drive outputs low on teardown.
			if output {
				pin.Set(false)
			}
			return nil
		},
	}, nil
}
