// Command microos boots the kernel against the configuration file and runs
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"microos-go/config"
	"microos-go/kernel"
	"microos-go/logx"
	"microos-go/platform"

	// Device builders.
	_ "microos-go/hwman/devices/adcpin"
	_ "microos-go/hwman/devices/aht20env"
	_ "microos-go/hwman/devices/gpiopin"
	_ "microos-go/hwman/devices/lcdi2c"
	_ "microos-go/hwman/devices/lorae220"
	_ "microos-go/hwman/devices/rtcds3231"

	// Service factories.
	_ "microos-go/services/analog"
	_ "microos-go/services/clock"
	_ "microos-go/services/display"
	_ "microos-go/services/loratx"
	_ "microos-go/services/pressure"
	_ "microos-go/services/storagesaver"
	_ "microos-go/services/tempmon"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "microos:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logx.New(logx.Config{
		Level:  cfg.System.LogLevel,
		Format: logx.Format(cfg.System.LogFormat),
		Output: os.Stderr,
	})

	prims := platform.Build(cfg.Hardware, log.With("component", "platform"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k := kernel.New(&cfg, prims, log)
	return k.Run(ctx)
}
