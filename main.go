package main

import (
	"net/http"
	"os"

	"github.com/panjf2000/ants/v2"

	"ums-dlna/work/buffer"
	"ums-dlna/work/config"
	"ums-dlna/work/contentdirectory"
	"ums-dlna/work/database"
	"ums-dlna/work/gena"
	"ums-dlna/work/handlers"
	"ums-dlna/work/logger"
	"ums-dlna/work/monitor"
	"ums-dlna/work/profile"
	"ums-dlna/work/renderer"
	"ums-dlna/work/resource"
	"ums-dlna/work/soap"
	"ums-dlna/work/updateid"

	"github.com/benbjohnson/clock"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up log verbosity
	if cfg.Debug {
		logger.SetLogLevel("debug")
	}

	// open the state database
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main} Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// initialize buffer pool for streaming copies
	bufferPool := buffer.NewPool(64 * 1024)

	// initialize shared background worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	// renderer registry and the debounced update counter
	registry := renderer.NewRegistry()
	counter := updateid.NewCounter(db, clock.New(), cfg.UpdateDebounce)
	defer counter.Stop()

	// media library, bumping the counter whenever a scan changes the tree
	library := resource.NewLibrary(cfg.MediaRoot, db, nil)
	library.SetOnChange(counter.Bump)
	if err := library.Scan(); err != nil {
		logger.Error("{main} Initial library scan failed: %v", err)
		os.Exit(1)
	}

	// protocol engine pieces
	matcher := profile.NewMatcher(cfg)
	dispatcher := contentdirectory.NewDispatcher(cfg, library, counter)
	defer dispatcher.Close()

	invoker := soap.NewInvoker(registry)
	subscriptions := gena.NewManager(cfg, registry, workerPool)
	go subscriptions.StartRenewalLoop()
	defer subscriptions.StopRenewalLoop()

	// liveness monitor polls playback position on active renderers
	liveness := monitor.NewMonitor(cfg, registry, invoker, subscriptions, workerPool)
	go liveness.Start()
	defer liveness.Stop()

	// HTTP layer
	server := handlers.NewServer(cfg, registry, matcher, dispatcher, library, counter, subscriptions, bufferPool)
	router := server.SetupRouter()

	// once the event layer exists, library changes also push events to
	// subscribed control points
	library.SetOnChange(func() {
		counter.Bump()
		server.NotifySubscribers()
	})

	// show info
	logger.Info("Starting ums-dlna %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddress)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Friendly Name: %s", cfg.FriendlyName)
	logger.Info("  - Media Root: %s", cfg.MediaRoot)
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Subscription Timeout: %s", cfg.SubscriptionTimeout)
	logger.Info("  - Update Debounce: %s", cfg.UpdateDebounce)
	logger.Info("  - Poll Interval: %s", cfg.PollInterval)
	logger.Info("  - Renderer Profiles: %d", len(cfg.Profiles))
	logger.Info("  - Debug Enabled: %v", cfg.Debug)

	// start the server
	if err := http.ListenAndServe(cfg.ListenAddress, router); err != nil {
		logger.Error("{main} Server failed: %v", err)
		os.Exit(1)
	}
}
