// Package lcdi2c wires an HD44780 character display behind a PCF8574 I2C
// backpack into the hardware manager.
package lcdi2c

import (
	"context"
	"fmt"

	"tinygo.org/x/drivers/hd44780i2c"

	"microos-go/errcode"
	"microos-go/hwman"
)

func init() { hwman.RegisterBuilder("LCD_I2C", hwman.BuilderFunc(build)) }

type params struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func build(ctx context.Context, in hwman.BuildInput) (hwman.Driver, error) {
	if in.Config.Bus.Type != "i2c" {
		return nil, fmt.Errorf("lcdi2c: %q expects an i2c bus, got %q", in.Name, in.Config.Bus.Type)
	}
	bus, ok := in.Primitives.I2C(in.Config.Bus.ResourceKey())
	if !ok {
		return nil, fmt.Errorf("lcdi2c: i2c primitive %q not found", in.Config.Bus.ResourceKey())
	}

	p := params{Rows: 2, Cols: 16}
	if r, ok := hwman.AsInt(in.Config.Params["rows"]); ok && r > 0 {
		p.Rows = r
	}
	if c, ok := hwman.AsInt(in.Config.Params["cols"]); ok && c > 0 {
		p.Cols = c
	}

	addr := in.Config.Address
	if addr == 0 {
		addr = 0x27
	}
	dev := hd44780i2c.New(bus, addr)
	d := &dev
	// Configure doubles as the life-check: it writes the init sequence.
	if err := d.Configure(hd44780i2c.Config{
		Width:  uint8(p.Cols),
		Height: uint8(p.Rows),
	}); err != nil {
		return nil, fmt.Errorf("lcdi2c: configure %q: %w", in.Name, err)
	}

	return &hwman.OpTable{
		Ops: map[string]hwman.Op{
			"clear": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				d.ClearDisplay()
				return nil, nil
			},
			"home": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				d.Home()
				return nil, nil
			},
			"set_cursor": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if len(args) != 2 {
					return nil, errcode.InvalidParams
				}
				col, okc := hwman.AsInt(args[0])
				row, okr := hwman.AsInt(args[1])
				if !okc || !okr || col < 0 || row < 0 {
					return nil, errcode.InvalidParams
				}
				d.SetCursor(uint8(col), uint8(row))
				return nil, nil
			},
			"print": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if len(args) != 1 {
					return nil, errcode.InvalidParams
				}
				b, ok := hwman.AsBytes(args[0])
				if !ok {
					return nil, errcode.InvalidParams
				}
				d.Print(b)
				return nil, nil
			},
			"backlight": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if len(args) != 1 {
					return nil, errcode.InvalidParams
				}
				on, ok := hwman.AsBool(args[0])
				if !ok {
					return nil, errcode.InvalidParams
				}
				d.BacklightOn(on)
				return nil, nil
			},
			"display_on": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				if len(args) != 1 {
					return nil, errcode.InvalidParams
				}
				on, ok := hwman.AsBool(args[0])
				if !ok {
					return nil, errcode.InvalidParams
				}
				d.DisplayOn(on)
				return nil, nil
			},
		},
		OnClose: func(ctx context.Context) error {
			// Best-effort: blank the panel and kill the backlight.
			d.ClearDisplay()
			d.BacklightOn(false)
			return nil
		},
	}, nil
}
