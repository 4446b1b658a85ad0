package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/app"
	"github.com/nmxmxh/tenon/kernel/protocol/libp2pproto"
	"github.com/nmxmxh/tenon/kernel/protocol/wsproto"
	"github.com/nmxmxh/tenon/kernel/wasmaddon"
)

func daemonCmd() *cobra.Command {
	var propertyPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the App process: load property.json, start the App, block until closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(propertyPath, slog.Default())
		},
	}
	cmd.Flags().StringVar(&propertyPath, "property", "property.json", "path to the property.json file to load")
	return cmd
}

// runDaemon performs the fatal-bootstrap-failure-vs-normal-shutdown
// distinction spec.md's exit code contract requires: a non-nil error here
// is a fatal bootstrap failure (bad property file, addon registration
// failure, a predefined graph failing to start), always reaching cobra
// before any graph or connection has had a chance to do real work.
func runDaemon(propertyPath string, logger *slog.Logger) error {
	pf, err := app.LoadPropertyFile(propertyPath)
	if err != nil {
		return fmt.Errorf("loading property file %s: %w", propertyPath, err)
	}

	registry := addon.NewRegistry()
	if err := registerBuiltinAddons(registry); err != nil {
		return fmt.Errorf("registering built-in addons: %w", err)
	}

	cfg := pf.Config(app.DefaultConfig())
	logger = logger.With("uri", cfg.URI)

	a := app.New(cfg, registry, logger)
	a.Run()

	bridge := app.NewSignalBridge(a)
	bridge.Start()
	defer bridge.Stop()

	if err := startPredefinedGraphs(a, pf); err != nil {
		a.Stop()
		return fmt.Errorf("starting predefined graphs: %w", err)
	}

	a.Wait()
	return nil
}

// registerBuiltinAddons registers the protocol addons tenond ships with,
// plus a wasm extension addon if TEN_WASM_MODULE_PATH names a compiled
// module to load — there is no single default module to bundle, so the
// wasm addon only exists when a deployment configures one.
func registerBuiltinAddons(registry *addon.Registry) error {
	ctx := context.Background()
	if _, err := registry.Register(ctx, addon.KindProtocol, "wsproto", "", wsproto.NewAddon()); err != nil {
		return fmt.Errorf("registering wsproto: %w", err)
	}
	if _, err := registry.Register(ctx, addon.KindProtocol, "libp2pproto", "", libp2pproto.NewAddon()); err != nil {
		return fmt.Errorf("registering libp2pproto: %w", err)
	}

	if modulePath := os.Getenv("TEN_WASM_MODULE_PATH"); modulePath != "" {
		module, err := wasmaddon.LoadModuleFile(modulePath)
		if err != nil {
			return fmt.Errorf("loading wasm module %s: %w", modulePath, err)
		}
		if _, err := registry.Register(ctx, addon.KindExtension, "wasm", "", wasmaddon.NewAddon(module)); err != nil {
			return fmt.Errorf("registering wasm addon: %w", err)
		}
	}
	return nil
}

func startPredefinedGraphs(a *app.App, pf *app.PropertyFile) error {
	for i := range pf.Ten.PredefinedGraphs {
		g := &pf.Ten.PredefinedGraphs[i]
		if !g.AutoStart {
			continue
		}
		graphID, err := a.StartPredefinedGraph(g.Name, g.Description(), g.Singleton)
		if err != nil {
			return fmt.Errorf("graph %q: %w", g.Name, err)
		}
		slog.Default().Debug("predefined graph started", "name", g.Name, "graph_id", graphID)
	}
	return nil
}
