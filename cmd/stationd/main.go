// stationd is the sensor station daemon: it ingests advertisement frames,
// keeps sensor history, prunes and archives old records and syncs queued
// cloud requests.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/ingest"
	"github.com/ruuvi/stationd/internal/loader"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/manager"
	"github.com/ruuvi/stationd/internal/migration"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("stationd")

const shutdownGrace = 5 * time.Second

func main() {
	// CLI flags
	cfgPath := flag.String("config", config.DefaultConfigPath, "config file path")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	source := flag.String("ingest", "", "hex frame file, - for stdin (overrides config)")
	level := flag.String("log-level", "", "log level (overrides config)")
	noSync := flag.Bool("no-sync", false, "disable cloud sync")
	watch := flag.Bool("watch", false, "watch config for changes")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Init(logging.ParseLevel(config.DefaultLogLevel), false)
			log.Error("load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
		cfg = loader.DefaultConfig()
		*watch = false
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *source != "" {
		cfg.Ingest.Source = *source
	}
	if *level != "" {
		cfg.Logging.Level = *level
	}
	if *noSync {
		cfg.Sync.Enabled = false
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log.Info("stationd starting", "version", Version, "config", *cfgPath, "data_dir", cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =========================================================================
	// Open Station
	// =========================================================================

	mgr, err := manager.New(ctx, cfg)
	if err != nil {
		log.Error("open station", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	// Migrations run in the background; ingestion and queries work on
	// whatever the current store already holds.
	migrated := mgr.Migrations().Start(ctx)

	if err := mgr.Pruner().Start(ctx); err != nil {
		log.Error("start pruner", "error", err)
		os.Exit(1)
	}

	if sched := mgr.Scheduler(); sched != nil {
		sched.Start()
		sched.NotifyReachability(true)
	}

	// Watch config for changes
	if *watch {
		watcher := loader.NewWatcher(*cfgPath, cfg)
		watcher.OnChange(mgr.RuntimeHandler())
		if err := watcher.Start(ctx); err != nil {
			log.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// =========================================================================
	// Ingest
	// =========================================================================

	var (
		ingestDone  chan error
		closeSource = func() error { return nil }
	)
	if cfg.Ingest.Source != "" {
		ingestDone = make(chan error, 1)
		r, closeFn, err := openSource(cfg.Ingest.Source)
		if err != nil {
			log.Error("open ingest source", "source", cfg.Ingest.Source, "error", err)
			os.Exit(1)
		}
		closeSource = closeFn
		go func() {
			src := ingest.NewHexLineSource(r)
			err := mgr.Pipeline().Run(ctx, src)
			st := mgr.Pipeline().Stats()
			log.Info("ingest source drained",
				"frames", st.Frames, "stored", st.Stored,
				"malformed", st.Malformed, "skipped_lines", src.Skipped())
			ingestDone <- err
		}()
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case s := <-sig:
			if s == syscall.SIGUSR1 {
				refresh(mgr)
				continue
			}
			log.Info("shutting down", "signal", s.String())
			cancel()
			mgr.Stop()
			// The stores close on return; wait for their users first.
			if migrated != nil {
				<-migrated
			}
			// A read blocked on a terminal does not see the cancel;
			// closing the source unblocks pipes and files.
			closeSource()
			if ingestDone != nil {
				select {
				case <-ingestDone:
				case <-time.After(shutdownGrace):
					log.Warn("ingest source did not stop", "grace", shutdownGrace)
				}
			}
			return

		case events := <-migrated:
			migrated = nil
			pending := 0
			for _, ev := range events {
				if ev.State == migration.StateIncomplete {
					pending++
				}
			}
			log.Info("migrations finished", "total", len(events), "pending", pending)

		case err := <-ingestDone:
			ingestDone = nil
			closeSource()
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("ingest stopped", "error", err)
			}
		}
	}
}

// refresh runs an immediate sync pass.
func refresh(mgr *manager.Manager) {
	sched := mgr.Scheduler()
	if sched == nil {
		log.Info("sync disabled, refresh ignored")
		return
	}
	if err := sched.RefreshImmediately(); err != nil {
		log.Info("refresh not started", "error", err)
	}
}

func openSource(name string) (io.Reader, func() error, error) {
	if name == "-" {
		return os.Stdin, os.Stdin.Close, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
