// Package adcpin wires a single analog input into the hardware manager.
package adcpin

import (
	"context"
	"fmt"

	"microos-go/hwman"
)

func init() { hwman.RegisterBuilder("ADC_Pin", hwman.BuilderFunc(build)) }

const defaultVref = 3.3

func build(ctx context.Context, in hwman.BuildInput) (hwman.Driver, error) {
	adc, ok := in.Primitives.ADC(in.Config.Pin)
	if !ok {
		return nil, fmt.Errorf("adcpin: adc channel %d not available for %q", in.Config.Pin, in.Name)
	}

	vref := defaultVref
	if v, ok := hwman.AsFloat(in.Config.Params["vref"]); ok && v > 0 {
		vref = v
	}

	// Life-check: one conversion.
	if _, err := adc.ReadU16(); err != nil {
		return nil, fmt.Errorf("adcpin: life-check for %q: %w", in.Name, err)
	}

	return &hwman.OpTable{
		Ops: map[string]hwman.Op{
			"read_u16": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return adc.ReadU16()
			},
			"read_voltage": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				raw, err := adc.ReadU16()
				if err != nil {
					return nil, err
				}
				return float64(raw) / 65535.0 * vref, nil
			},
		},
	}, nil
}
