package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nmxmxh/tenon/kernel/engine"
)

// PredefinedGraph is one entry of a property.json file's
// ten.predefined_graphs list: a graph description plus the metadata
// controlling whether and how it starts automatically.
type PredefinedGraph struct {
	Name        string              `json:"name"`
	AutoStart   bool                `json:"auto_start"`
	Singleton   bool                `json:"singleton"`
	Nodes       []engine.Node       `json:"nodes"`
	Connections []engine.Connection `json:"connections"`
}

// Description returns the graph description g carries, in the shape
// engine.New's StartGraph expects.
func (g *PredefinedGraph) Description() *engine.Description {
	return &engine.Description{Nodes: g.Nodes, Connections: g.Connections}
}

// TenProperty is the "ten" namespace a property.json file carries: the app
// namespace properties plus the predefined graphs this App knows about at
// boot.
type TenProperty struct {
	URI                   string            `json:"uri"`
	LogLevel              string            `json:"log_level"`
	LogFile               string            `json:"log_file"`
	OneEventLoopPerEngine bool              `json:"one_event_loop_per_engine"`
	LongRunningMode       bool              `json:"long_running_mode"`
	PredefinedGraphs      []PredefinedGraph `json:"predefined_graphs"`
}

// PropertyFile is the top-level shape of a property.json file.
type PropertyFile struct {
	Ten TenProperty `json:"ten"`
}

// LoadPropertyFile reads and decodes the property.json file at path.
func LoadPropertyFile(path string) (*PropertyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: reading property file %s: %w", path, err)
	}
	var pf PropertyFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("app: decoding property file %s: %w", path, err)
	}
	if pf.Ten.URI == "" {
		pf.Ten.URI = "localhost"
	}
	return &pf, nil
}

// Config derives an App Config from the property file's ten namespace,
// layering it over base (whose EngineConfig and any caller-set defaults are
// preserved).
func (p *PropertyFile) Config(base Config) Config {
	cfg := base
	cfg.URI = p.Ten.URI
	cfg.LogLevel = parseLogLevel(p.Ten.LogLevel)
	cfg.OneEventLoopPerEngine = p.Ten.OneEventLoopPerEngine
	cfg.LongRunningMode = p.Ten.LongRunningMode
	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
