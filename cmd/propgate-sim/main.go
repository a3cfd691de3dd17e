// Command propgate-sim runs the property gateway against an in-process
// simulated device service.
//
// This command demonstrates the full gateway pipeline with:
//   - CLI argument parsing
//   - Configuration file support (YAML property definitions)
//   - Both transport generations (modern batched, legacy per-call)
//   - Interactive command interface
//   - Fault injection for busy services and slow writes
//
// Usage:
//
//	propgate-sim [flags]
//
// Flags:
//
//	-config string      Property configuration file path
//	-transport string   Transport generation: modern, legacy (default "modern")
//	-log-level string   Log level: debug, info, warn, error (default "info")
//	-apply-delay        Delay before writes become visible (default 50ms)
//
// Examples:
//
//	# Start with the built-in demo properties
//	propgate-sim
//
//	# Exercise the legacy transport with verbose logging
//	propgate-sim -transport legacy -log-level debug
//
//	# Load custom properties and slow down writes
//	propgate-sim -config props.yaml -apply-delay 200ms
//
// Interactive Commands:
//
//	get <prop> [area]          - Read a property value
//	set <prop> <area> <value>  - Write a property value (confirmed write)
//	sub <prop> [rate]          - Subscribe to change events
//	unsub <prop>               - Unsubscribe
//	busy <prop> <n>            - Inject busy responses
//	emit <prop> <area> <value> - Inject an external value change
//	status                     - Show gateway status
//	quit                       - Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/propgate/propgate-go/cmd/propgate-sim/interactive"
	"github.com/propgate/propgate-go/internal/halsim"
	"github.com/propgate/propgate-go/pkg/gateway"
	"github.com/propgate/propgate-go/pkg/transport"
	"github.com/propgate/propgate-go/pkg/wire"
)

// PropertyFile is the YAML schema for -config.
type PropertyFile struct {
	Properties []PropertyDef `yaml:"properties"`
}

// PropertyDef declares one simulated property and its seed values.
type PropertyDef struct {
	PropID        int32      `yaml:"prop_id"`
	ChangeMode    string     `yaml:"change_mode"` // on_change or continuous
	MinSampleRate float32    `yaml:"min_sample_rate"`
	MaxSampleRate float32    `yaml:"max_sample_rate"`
	Areas         []AreaSeed `yaml:"areas"`
}

// AreaSeed is one per-area initial value.
type AreaSeed struct {
	AreaID int32 `yaml:"area_id"`
	Value  any   `yaml:"value"`
}

func main() {
	var (
		configFile string
		transportN string
		logLevel   string
		applyDelay time.Duration
	)
	flag.StringVar(&configFile, "config", "", "Property configuration file path")
	flag.StringVar(&transportN, "transport", "modern", "Transport generation: modern, legacy")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.DurationVar(&applyDelay, "apply-delay", 50*time.Millisecond, "Delay before writes become visible")
	flag.Parse()

	if err := run(configFile, transportN, logLevel, applyDelay); err != nil {
		fmt.Fprintf(os.Stderr, "propgate-sim: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, transportName, logLevel string, applyDelay time.Duration) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	defs, err := loadProperties(configFile)
	if err != nil {
		return err
	}

	sim := halsim.NewSim(configsOf(defs))
	sim.SetApplyDelay(applyDelay)
	for _, def := range defs {
		for _, area := range def.Areas {
			sim.SetInitial(wire.PropValue{PropID: def.PropID, AreaID: area.AreaID, Value: area.Value})
		}
	}

	var adapter transport.Adapter
	switch transportName {
	case "modern":
		adapter = transport.NewModern(sim.Batch(), logger, 0)
	case "legacy":
		adapter = transport.NewLegacy(sim.Legacy(), logger)
	default:
		return fmt.Errorf("unknown transport %q (want modern or legacy)", transportName)
	}

	gw, err := gateway.NewWithConfig(adapter, gateway.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer gw.Close()

	shell, err := interactive.New(gw, sim)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Fprintf(shell.Stdout(), "propgate-sim: %d properties over %s\n", len(defs), gw.Describe())
	shell.Run(ctx, cancel)
	return nil
}

// loadProperties reads the YAML property file, or returns a built-in demo
// set when no file is given.
func loadProperties(path string) ([]PropertyDef, error) {
	if path == "" {
		return demoProperties(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var file PropertyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(file.Properties) == 0 {
		return nil, fmt.Errorf("config %s declares no properties", path)
	}
	return file.Properties, nil
}

func configsOf(defs []PropertyDef) []wire.PropConfig {
	configs := make([]wire.PropConfig, len(defs))
	for i, def := range defs {
		mode := wire.ChangeModeOnChange
		if def.ChangeMode == "continuous" {
			mode = wire.ChangeModeContinuous
		}
		configs[i] = wire.PropConfig{
			PropID:        def.PropID,
			MinSampleRate: def.MinSampleRate,
			MaxSampleRate: def.MaxSampleRate,
			ChangeMode:    mode,
		}
	}
	return configs
}

// demoProperties mirrors a small vehicle-like property set.
func demoProperties() []PropertyDef {
	return []PropertyDef{
		{
			PropID:        0x100,
			ChangeMode:    "continuous",
			MinSampleRate: 1,
			MaxSampleRate: 10,
			Areas:         []AreaSeed{{AreaID: 0, Value: 0.0}},
		},
		{
			PropID:     0x200,
			ChangeMode: "on_change",
			Areas: []AreaSeed{
				{AreaID: 1, Value: int64(22)},
				{AreaID: 2, Value: int64(21)},
			},
		},
		{
			PropID:     0x300,
			ChangeMode: "on_change",
			Areas:      []AreaSeed{{AreaID: 0, Value: false}},
		},
	}
}
