// Vesta is a voice-driven home automation agent for Home Assistant.
//
// It receives speech transcripts over HTTP or MQTT, asks a local
// language model to turn them into device intents, and dispatches the
// resulting service calls against Home Assistant. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	vesta serve                 Start the agent and API server
//	vesta ask <transcript>      Run a single command cycle (for testing)
//	vesta devices               Sync and list the device catalog
//	vesta context [days]        Print recent conversation contexts
//	vesta history <entity_id> [hours]
//	                            Print recent state changes for an entity
//	vesta version               Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vestahome/vesta/internal/agent"
	"github.com/vestahome/vesta/internal/api"
	"github.com/vestahome/vesta/internal/buildinfo"
	"github.com/vestahome/vesta/internal/catalog"
	"github.com/vestahome/vesta/internal/config"
	"github.com/vestahome/vesta/internal/convo"
	"github.com/vestahome/vesta/internal/dispatch"
	"github.com/vestahome/vesta/internal/events"
	"github.com/vestahome/vesta/internal/homeassistant"
	"github.com/vestahome/vesta/internal/learning"
	"github.com/vestahome/vesta/internal/llm"
	"github.com/vestahome/vesta/internal/mqtt"
	"github.com/vestahome/vesta/internal/opstate"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the vesta command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. Arguments are parsed by hand; the flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests, and our argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var dryRun bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-dry-run" || args[i] == "--dry-run":
			dryRun = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: vesta ask <transcript>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs, dryRun)
	case "devices":
		return runDevices(ctx, stdout, configPath)
	case "context":
		days := 0
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n < 1 {
				return fmt.Errorf("usage: vesta context [days]")
			}
			days = n
		}
		return runContext(stdout, configPath, days)
	case "history":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: vesta history <entity_id> [hours]")
		}
		hours := 24
		if len(cmdArgs) > 1 {
			n, err := strconv.Atoi(cmdArgs[1])
			if err != nil || n < 1 {
				return fmt.Errorf("usage: vesta history <entity_id> [hours]")
			}
			hours = n
		}
		return runHistory(ctx, stdout, configPath, cmdArgs[0], hours)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Vesta - Voice-Driven Home Automation Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: vesta [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Start the agent and API server")
	fmt.Fprintln(w, "  ask             Run a single command cycle (for testing)")
	fmt.Fprintln(w, "  devices         Sync and list the device catalog")
	fmt.Fprintln(w, "  context [days]  Print recent conversation contexts")
	fmt.Fprintln(w, "  history         Print recent state changes for an entity")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>  Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -dry-run        With ask: resolve and echo actions without calling Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./vesta.yaml, ~/.config/vesta/vesta.yaml, /etc/vesta/vesta.yaml")
	return nil
}

// runVersion prints build metadata.
func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	info := buildinfo.Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runServe handles the "vesta serve" subcommand. It is the primary
// operating mode: loads config, opens the stores, syncs the device
// catalog, assembles the command cycle, and starts the HTTP API plus
// the optional MQTT voice bridge. Blocks until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Vesta", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Ollama.Model,
		"homeassistant", cfg.HomeAssistant.URL,
	)

	if cfg.HomeAssistant.URL == "" || cfg.HomeAssistant.Token == "" {
		return fmt.Errorf("config %s: homeassistant url and token are required", cfgPath)
	}

	loc, err := resolveTimezone(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Operational state ---
	// Sync marks and cycle counters, persisted across restarts.
	statePath := cfg.DataDir + "/vesta.db"
	state, err := opstate.NewStore(statePath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", statePath, err)
	}
	defer state.Close()
	logger.Info("state database opened", "path", statePath)

	// The bus exists before any publisher so sync results from the very
	// first catalog refresh are observable.
	bus := events.New()

	// --- Home Assistant client and catalog ---
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	syncer := catalog.NewSyncer(ha, state.Namespace("catalog"), bus, logger)

	syncCtx, syncCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := syncer.Sync(syncCtx); err != nil {
		// The agent can start without a catalog; cycles report the
		// problem to the speaker until a sync succeeds.
		logger.Error("initial catalog sync failed", "error", err)
	}
	syncCancel()

	// Signal handling wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Registry watch ---
	// Optional WebSocket event stream that triggers catalog resyncs when
	// entities or areas change in Home Assistant.
	if cfg.HomeAssistant.Watch {
		stream := homeassistant.NewEventStream(
			cfg.HomeAssistant.URL, cfg.HomeAssistant.Token,
			[]string{"state_changed", "entity_registry_updated", "area_registry_updated", "device_registry_updated"},
			logger,
		)
		go stream.Run(ctx)
		go syncer.Watch(ctx, stream.Events())
		logger.Info("registry watch enabled")
	}

	// --- Conversation and learning stores ---
	contexts, err := convo.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	examples, err := learning.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open learning store: %w", err)
	}

	// --- Language model ---
	model := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model, cfg.Ollama.Timeout(), logger)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := model.Ping(pingCtx); err != nil {
		logger.Warn("ollama not reachable at startup", "url", cfg.Ollama.URL, "error", err)
	}
	pingCancel()

	// --- Command cycle ---
	go func() {
		ch := bus.Subscribe(64)
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
			}
		}
	}()
	engine := dispatch.NewEngine(ha, bus, logger)
	session := agent.NewSession(agent.Config{
		RetentionDays: cfg.RetentionDays,
		DefaultUser:   cfg.DefaultUser,
		Users:         cfg.Users,
		Location:      loc,
	}, syncer, contexts, examples, model, engine, state.Namespace("stats"), bus, logger)

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, session, contexts, syncer, cfg.RetentionDays, logger)

	// --- MQTT voice bridge ---
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		if cfg.MQTT.BrokerURL == "" {
			return fmt.Errorf("config %s: mqtt enabled but broker_url is empty", cfgPath)
		}
		bridge = mqtt.NewBridge(cfg.MQTT, session, bus, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		logger.Info("mqtt voice bridge enabled", "broker", cfg.MQTT.BrokerURL, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt voice bridge disabled")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Vesta stopped")
	return nil
}

// runAsk handles the "vesta ask <transcript>" subcommand. It boots the
// full command cycle without the HTTP or MQTT transports, processes one
// transcript, and prints the spoken reply. Useful for smoke tests and
// debugging prompts without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string, dryRun bool) error {
	logger := newLogger(stdout, slog.LevelWarn)

	transcript := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.HomeAssistant.URL == "" || cfg.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant url and token are required")
	}
	loc, err := resolveTimezone(cfg.Timezone)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	state, err := opstate.NewStore(cfg.DataDir + "/vesta.db")
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer state.Close()

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	syncer := catalog.NewSyncer(ha, state.Namespace("catalog"), nil, logger)

	syncCtx, syncCancel := context.WithTimeout(ctx, 30*time.Second)
	err = syncer.Sync(syncCtx)
	syncCancel()
	if err != nil {
		return fmt.Errorf("catalog sync: %w", err)
	}

	contexts, err := convo.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	examples, err := learning.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open learning store: %w", err)
	}

	model := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model, cfg.Ollama.Timeout(), logger)
	engine := dispatch.NewEngine(ha, nil, logger)
	session := agent.NewSession(agent.Config{
		RetentionDays: cfg.RetentionDays,
		DefaultUser:   cfg.DefaultUser,
		Users:         cfg.Users,
		Location:      loc,
	}, syncer, contexts, examples, model, engine, nil, nil, logger)

	reply := session.ProcessTranscript(ctx, transcript, "", dryRun)
	fmt.Fprintln(stdout, reply.Response)
	if !reply.Success {
		return fmt.Errorf("command cycle failed")
	}
	return nil
}

// runDevices handles the "vesta devices" subcommand: one catalog sync,
// then a listing of every device with its area.
func runDevices(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.HomeAssistant.URL == "" || cfg.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant url and token are required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	state, err := opstate.NewStore(cfg.DataDir + "/vesta.db")
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer state.Close()

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	syncer := catalog.NewSyncer(ha, state.Namespace("catalog"), nil, logger)

	syncCtx, syncCancel := context.WithTimeout(ctx, 30*time.Second)
	err = syncer.Sync(syncCtx)
	syncCancel()
	if err != nil {
		return fmt.Errorf("catalog sync: %w", err)
	}

	snap := syncer.Snapshot()
	fmt.Fprintf(stdout, "%d devices in %d areas\n\n", len(snap.Devices), len(snap.Areas))
	for _, d := range snap.Devices {
		area := d.Area
		if area == "" {
			area = "-"
		}
		fmt.Fprintf(stdout, "%-40s %-14s %-20s %s\n", d.EntityID, d.Domain, area, d.Name)
	}
	return nil
}

// runHistory handles the "vesta history <entity_id> [hours]"
// subcommand, printing the entity's state changes over the window.
func runHistory(ctx context.Context, stdout io.Writer, configPath string, entityID string, hours int) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.HomeAssistant.URL == "" || cfg.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant url and token are required")
	}

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	histCtx, histCancel := context.WithTimeout(ctx, 30*time.Second)
	states, err := ha.History(histCtx, entityID, start, end)
	histCancel()
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	if len(states) == 0 {
		fmt.Fprintf(stdout, "no state changes for %s in the last %dh\n", entityID, hours)
		return nil
	}

	for _, s := range states {
		fmt.Fprintf(stdout, "%s  %s\n", s.LastChanged.Local().Format(time.RFC3339), s.State)
	}
	return nil
}

// runContext handles the "vesta context [days]" subcommand, printing
// the stored conversation contexts within the window as JSON lines.
func runContext(stdout io.Writer, configPath string, days int) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if days == 0 {
		days = cfg.RetentionDays
	}

	contexts, err := convo.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}

	all, err := contexts.AllWithin(days)
	if err != nil {
		return fmt.Errorf("read conversation history: %w", err)
	}
	if len(all) == 0 {
		fmt.Fprintf(stdout, "no conversation contexts in the last %d days\n", days)
		return nil
	}

	enc := json.NewEncoder(stdout)
	for _, c := range all {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// resolveTimezone maps the configured timezone name to a location.
// Empty means the system local zone.
func resolveTimezone(name string) (*time.Location, error) {
	if name == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
