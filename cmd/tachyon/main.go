// Command tachyon is the headless download engine: no GUI, no system
// tray. It exposes the Command API (HTTP + stdin/stdout tool surface)
// and runs the dispatcher loop until an OS signal asks it to stop.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"tachyon/internal/analytics"
	"tachyon/internal/anonymizer"
	"tachyon/internal/api"
	"tachyon/internal/bandwidth"
	"tachyon/internal/config"
	"tachyon/internal/engine"
	"tachyon/internal/eventbus"
	"tachyon/internal/httpclient"
	"tachyon/internal/logger"
	"tachyon/internal/queue"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

// engineEmitter adapts the engine's typed Event onto the shared bus,
// which every other collaborator (logger, audit, Command API) speaks
// the untyped eventName/data shape of.
type engineEmitter struct {
	bus *eventbus.Bus
}

func (e engineEmitter) Emit(ev engine.Event) {
	e.bus.Emit(ev.Type, ev)
}

func main() {
	mcpMode := false
	for _, arg := range os.Args[1:] {
		if arg == "--mcp" {
			mcpMode = true
		}
	}

	var logOutput io.Writer = os.Stdout
	if mcpMode {
		logOutput = os.Stderr // keep stdout clean for JSON-RPC
	}

	log, eventHandler, err := logger.New(logOutput)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error initializing logger:", err)
		os.Exit(1)
	}

	store, err := storage.NewStorage()
	if err != nil {
		log.Error("error initializing storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus := eventbus.New()
	eventHandler.SetEmitter(bus)

	cfg := config.NewConfigManager(store)
	audit := security.NewAuditLogger(log)
	defer audit.Close()
	audit.SetEmitter(bus)

	clientFactory := httpclient.NewFactory(httpclient.Options{})
	bw := bandwidth.NewManager()
	if limit := cfg.GetGlobalBandwidthLimit(); limit > 0 {
		bw.SetLimit(limit)
	}

	controller := engine.NewController(engine.Options{
		Logger:        log,
		Storage:       store,
		Emitter:       engineEmitter{bus: bus},
		ClientFactory: clientFactory,
		Bandwidth:     bw,
		MaxWorkers:    cfg.GetMaxWorkersPerJob(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if supervisor := newAnonymizerSupervisor(log, cfg); supervisor != nil {
		controller.SetAnonymizer(supervisor)
		controller.SetForceAnonymizerAll(cfg.GetForceAnonymizer())

		if cfg.GetForceAnonymizer() {
			// Force-on means every job needs it, so pay the startup
			// latency once at boot instead of on the first job.
			if err := supervisor.Start(ctx); err != nil {
				log.Warn("anonymizer failed to start, jobs requiring it will fail until it comes up", "error", err)
			}
		}
		go func() {
			<-ctx.Done()
			supervisor.Stop()
		}()
	}

	dq := queue.NewDownloadQueue()
	for _, task := range pendingTasks(store, log) {
		t := task
		dq.Push(&t)
	}

	dispatcher := queue.NewDispatcher(log, dq, store, controller.Execute)
	if enabled, start, stop := cfg.GetQuietHours(); enabled {
		if err := dispatcher.SetQuietHours(queue.QuietHours{Enabled: true, StartHour: start, StopHour: stop}); err != nil {
			log.Warn("failed to configure quiet hours", "error", err)
		}
	}
	dispatcher.Start()
	defer dispatcher.Stop()
	go dispatcher.Run(ctx)

	stats := analytics.NewStatsManager(store, defaultDownloadDir)

	controlServer := api.NewControlServer(controller, dq, store, cfg, audit, stats)
	controlServer.Start(cfg.GetCommandAPIPort())

	if mcpMode {
		mcpServer := api.NewMCPServer(controller, dq, store)
		mcpServer.Start() // blocking
		return
	}

	engine.WaitForSignals(func() {
		log.Info("OS signal received, shutting down")
		cancel()
	})

	<-ctx.Done()
}

// defaultDownloadDir resolves the directory disk-usage analytics report
// against: the user's Downloads folder, created if it doesn't exist yet.
func defaultDownloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "Downloads", "Tachyon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// pendingTasks reloads queued/scheduled jobs left over from a previous
// run so the dispatcher picks them back up.
func pendingTasks(store *storage.Storage, log *slog.Logger) []storage.DownloadTask {
	all, err := store.GetAllTasks()
	if err != nil {
		log.Warn("failed to reload tasks from storage", "error", err)
		return nil
	}
	var pending []storage.DownloadTask
	for _, t := range all {
		if t.Status == "pending" || t.Status == "scheduled" || t.Status == "downloading" {
			if t.Status == "downloading" {
				t.Status = "pending" // wasn't a clean stop; treat as resumable
			}
			pending = append(pending, t)
		}
	}
	return pending
}

// newAnonymizerSupervisor resolves the bundled SOCKS5 daemon's binary
// and data directory and wraps it in a Supervisor, but does not start
// it — the Job Controller brings it up lazily via EnsureReady on the
// first job that needs it (a .onion URL, a per-job force_anonymizer,
// or the operator's global force-on setting). Returns nil if either
// path can't be resolved; jobs that then need anonymizing fail with a
// clear error instead of silently going out direct.
func newAnonymizerSupervisor(log *slog.Logger, cfg *config.ConfigManager) *anonymizer.Supervisor {
	exeDir, err := os.Executable()
	if err != nil {
		log.Warn("could not resolve executable directory for anonymizer", "error", err)
		return nil
	}
	binaryName := "tachyon-anonymizer"
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}

	dataDir, err := os.UserConfigDir()
	if err != nil {
		log.Warn("could not resolve config dir for anonymizer data", "error", err)
		return nil
	}

	return anonymizer.New(anonymizer.Config{
		BinaryPath: filepath.Join(filepath.Dir(exeDir), binaryName),
		DataDir:    filepath.Join(dataDir, "Tachyon", "anonymizer"),
		Port:       cfg.GetAnonymizerPort(),
	}, log)
}
