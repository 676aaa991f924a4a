package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/auth"
	"github.com/john/printlink/control"
	"github.com/john/printlink/discovery"
	"github.com/john/printlink/event"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/files"
	"github.com/john/printlink/history"
	"github.com/john/printlink/logger"
	"github.com/john/printlink/machine"
	"github.com/john/printlink/materials"
	"github.com/john/printlink/registry"
	"github.com/john/printlink/session"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	discover := flag.Bool("discover", false, "list printers on the network and exit")
	discoverFor := flag.Duration("discover-timeout", 5*time.Second, "how long -discover listens")
	flag.Parse()

	cfg, err := LoadConfig(*configPath, isFlagSet("config"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	if *discover {
		runDiscovery(cfg, log, *discoverFor)
		return
	}

	loop := eventloop.New()
	bus := event.NewBus()

	machines, err := machine.Open(filepath.Join(cfg.DataDir, "machines"), log)
	if err != nil {
		log.Fatalw("failed to open machine store", "err", err)
	}
	catalog, err := materials.Load(cfg.Materials.Catalog)
	if err != nil {
		log.Fatalw("failed to load material catalog", "err", err)
	}
	log.Infow("material catalog loaded", "materials", catalog.Len())

	db, err := history.OpenDB(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()
	uploads := history.NewStore(db)
	recorder := history.NewRecorder(uploads, log)

	fm, err := files.NewManager(cfg.Files.GCodeDir)
	if err != nil {
		log.Fatalw("failed to init gcode directory", "err", err)
	}

	hub := control.NewHub(loop, log, control.UIOptions{
		ConfirmTimeout: cfg.UI.ConfirmTimeout,
		AutoConfirm:    cfg.UI.AutoConfirm,
	})
	detach := hub.Attach(bus)
	defer detach()

	app := &appctx.Context{
		Materials:   catalog,
		Preferences: appctx.MapPreferences(cfg.Preferences),
		Machine:     machines,
		UI:          hub,
		Application: cfg.Auth.Application,
		Version:     version,
		User:        currentUser(),
	}

	reg := registry.New(loop, log, bus, app, registry.Options{
		Session: sessionOptions(cfg, recorder),
		APIKeys: cfg.OctoPrint.KeyMap(),
	})
	disc := discovery.New(loop, log, discovery.Zeroconf, discoveryOptions(cfg))
	reg.Attach(disc)
	machines.OnActiveChanged(func(key string) {
		loop.Post(func() { reg.OnActiveMachineChanged(key) })
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("event loop stopped", "err", err)
		}
	}()
	go func() {
		if err := disc.Run(ctx); err != nil {
			log.Errorw("discovery stopped", "err", err)
		}
	}()

	srv := control.New(loop, log, reg, machines, fm, uploads, hub, control.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		PreheatDuration: cfg.Session.PreheatDuration,
	})
	runHTTPServer(srv, log)

	log.Infow("printlink started", "version", version, "active_machine", machines.Key(), "gcode_dir", fm.Dir())
	waitForShutdown(cancel, loop, reg, recorder, srv, log)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func currentUser() string {
	for _, k := range []string{"USER", "USERNAME"} {
		if u := os.Getenv(k); u != "" {
			return u
		}
	}
	return "printlink"
}

func sessionOptions(cfg *Config, rec session.Recorder) session.Options {
	return session.Options{
		PollInterval:     cfg.Session.PollInterval,
		ResponseTimeout:  cfg.Session.ResponseTimeout,
		RecreateAfter:    cfg.Session.RecreateAfter,
		RequestTimeout:   cfg.Session.RequestTimeout,
		ProgressInterval: cfg.Upload.ProgressInterval,
		GzipThreshold:    cfg.Upload.GzipThreshold,
		AutoPrint:        cfg.Upload.AutoPrint,
		Auth: auth.Options{
			CheckInterval: cfg.Auth.CheckInterval,
			Deadline:      cfg.Auth.Deadline,
		},
		History: rec,
	}
}

func discoveryOptions(cfg *Config) discovery.Options {
	return discovery.Options{
		ServiceTypes:      cfg.Discovery.ServiceTypes,
		ManualPeers:       cfg.Discovery.ManualPeers,
		Refresh:           cfg.Discovery.Refresh,
		Broadcast:         cfg.Discovery.Broadcast,
		BroadcastPort:     cfg.Discovery.BroadcastPort,
		BroadcastInterval: cfg.Discovery.BroadcastInterval,
	}
}

// runHTTPServer runs the control API in a separate goroutine.
func runHTTPServer(srv *control.Server, log *logger.Logger) {
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then disconnects every
// device, flushes the history and stops the server.
func waitForShutdown(cancel context.CancelFunc, loop *eventloop.Loop, reg *registry.Registry, rec *history.Recorder, srv *control.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infow("shutting down", "signal", sig.String())

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
	if err := loop.Call(reg.Close); err != nil {
		log.Warnw("closing sessions failed", "err", err)
	}
	cancel()
	<-loop.Done()
	rec.Close()
}

// runDiscovery prints every device found within timeout.
func runDiscovery(cfg *Config, log *logger.Logger, timeout time.Duration) {
	loop := eventloop.New()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	opts := discoveryOptions(cfg)
	opts.BroadcastTimeout = timeout
	d := discovery.New(loop, log, discovery.Zeroconf, opts)

	found := make(map[string]discovery.Announcement)
	d.OnAdded = func(a discovery.Announcement) { found[a.ID] = a }
	d.OnRemoved = func(string) {}

	var replies []discovery.BroadcastReply
	probed := make(chan struct{})
	go func() {
		defer close(probed)
		var err error
		if replies, err = d.Probe(ctx); err != nil {
			log.Warnw("broadcast probe failed", "err", err)
		}
	}()
	_ = d.Run(ctx)
	<-loop.Done()
	<-probed

	for _, r := range replies {
		if _, ok := found[r.ID]; ok {
			continue
		}
		found[r.ID] = discovery.Announcement{ID: r.ID, Address: r.Address, Properties: discovery.Properties{
			discovery.PropName:     r.Model,
			discovery.PropProtocol: discovery.ProtocolGcode,
		}}
	}

	if len(found) == 0 {
		fmt.Println("No printers found.")
		return
	}
	fmt.Printf("Found %d printer(s):\n", len(found))
	i := 0
	for _, a := range found {
		i++
		family := a.Properties[discovery.PropProtocol]
		if family == "" && a.Properties.ClusterSize() > 0 {
			family = "cluster"
		}
		if family == "" {
			family = "legacy"
		}
		fmt.Printf("  %d. %s (%s) - %s, %s\n", i, a.Properties[discovery.PropName], a.ID, a.Address, family)
	}
}
