package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/soucevi1/diploma-thesis-server/internal/config"
	"github.com/soucevi1/diploma-thesis-server/internal/connection"
	"github.com/soucevi1/diploma-thesis-server/internal/console"
	"github.com/soucevi1/diploma-thesis-server/internal/ingest"
	"github.com/soucevi1/diploma-thesis-server/internal/logging"
	"github.com/soucevi1/diploma-thesis-server/internal/model"
	"github.com/soucevi1/diploma-thesis-server/internal/playback"
	"github.com/soucevi1/diploma-thesis-server/internal/storage"
	"github.com/soucevi1/diploma-thesis-server/internal/web"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const defaultConfigPath = "configs/audiotap.yaml"

func main() {
	log := logging.Default()

	var (
		cfgPath     string
		port        int
		maxMemory   int
		workers     int
		maxConns    int
		logLevel    string
		noConsole   bool
		showVersion bool
	)
	flag.StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file")
	flag.IntVarP(&port, "port", "p", 0, "UDP port to receive audio on")
	flag.IntVar(&maxMemory, "max-memory", 0, "pre-roll memory ceiling in MB")
	flag.IntVar(&workers, "workers", 0, "number of ingest workers")
	flag.IntVar(&maxConns, "max-connections", 0, "maximum simultaneous senders (0 = unlimited)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&noConsole, "no-console", false, "run without the interactive console")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("audiotap", Version)
		return
	}

	// Load configuration. A missing default file is fine.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if flag.CommandLine.Changed("config") || !errors.Is(err, fs.ErrNotExist) {
			log.Error("Failed to load config: %v", err)
			os.Exit(1)
		}
		cfg = config.Defaults()
		log.Info("No config file at %s, using defaults", cfgPath)
	}

	if flag.CommandLine.Changed("port") {
		cfg.Server.Port = port
	}
	if flag.CommandLine.Changed("max-memory") {
		cfg.Registry.MaxMemoryMB = maxMemory
	}
	if flag.CommandLine.Changed("workers") {
		cfg.Server.Workers = workers
	}
	if flag.CommandLine.Changed("max-connections") {
		cfg.Registry.MaxConnections = maxConns
	}
	if flag.CommandLine.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}
	log.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	log.Info("audiotap %s starting", Version)

	if err := os.MkdirAll(cfg.Recording.Dir, 0o755); err != nil {
		log.Error("Failed to create recording directory: %v", err)
		os.Exit(1)
	}

	// Initialise storage backends.
	events := storage.NewEventBuffer(cfg.Storage.EventBuffer)

	var sqlStore *storage.SQLiteStore
	var catalog storage.RecordingCatalog
	if cfg.Storage.SQLitePath != "" {
		sqlStore, err = storage.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.Storage.Retention, cfg.Storage.PruneInterval)
		if err != nil {
			log.Error("Failed to open SQLite store: %v", err)
			os.Exit(1)
		}
		catalog = sqlStore
	}

	// Event handler: fan-out to both storage backends.
	handler := func(ev model.Event) {
		log.Debug("Event: %s", ev)
		if err := events.Insert([]model.Event{ev}); err != nil {
			log.Warn("Event buffer insert error: %v", err)
		}
		if sqlStore == nil {
			return
		}
		if err := sqlStore.Insert([]model.Event{ev}); err != nil {
			log.Warn("SQLite insert error: %v", err)
		}
		if ev.Recording != nil {
			if err := sqlStore.SaveRecording(*ev.Recording); err != nil {
				log.Warn("SQLite recording save error: %v", err)
			}
		}
	}

	reg := connection.NewRegistry(cfg.Registry, cfg.Recording, connection.WithEventHandler(handler))
	reg.Start()

	bufSize := reg.BufferSize()
	log.Info("Buffer size per connection: %d B (%.2f s of audio)",
		bufSize, float64(bufSize)/float64(cfg.Recording.BytesPerSecond()))

	sink, err := playback.Open(cfg.Playback, cfg.Recording)
	if err != nil {
		log.Error("Failed to open playback device, continuing without playback: %v", err)
		sink = playback.Discard
	}

	fatal := make(chan error, 2)

	disp := ingest.New(cfg.Server, reg, sink)
	go func() {
		if err := disp.Start(); err != nil {
			fatal <- fmt.Errorf("ingest: %w", err)
		}
	}()

	var srv *web.Server
	if cfg.Web.Listen != "" {
		srv = web.NewServer(cfg.Web, reg, events, catalog)
		srv.SetInfo(disp.Stats, cfg.Recording.BytesPerSecond(), Version, time.Now())
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fatal <- fmt.Errorf("web server: %w", err)
			}
		}()
	}

	ctx, cancelConsole := context.WithCancel(context.Background())
	quit := make(chan struct{})
	if noConsole {
		fmt.Printf("audiotap %s is running. Press Ctrl+C to stop.\n", Version)
	} else {
		con := console.New(reg, os.Stdin, os.Stdout)
		go func() {
			if err := con.Run(ctx); errors.Is(err, console.ErrQuit) {
				close(quit)
			}
		}()
	}

	// Wait for shutdown signal.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case <-sig:
	case <-quit:
	case err := <-fatal:
		log.Error("%v", err)
		exitCode = 1
	}

	log.Info("Shutting down…")
	cancelConsole()
	if srv != nil {
		if err := srv.Stop(); err != nil {
			log.Warn("Web server shutdown error: %v", err)
		}
	}
	disp.Stop()
	reg.Close() // finalizes open recordings and flushes queued events
	if err := sink.Close(); err != nil {
		log.Warn("Playback close error: %v", err)
	}
	if sqlStore != nil {
		if err := sqlStore.Close(); err != nil {
			log.Warn("SQLite close error: %v", err)
		}
	}

	st := disp.Stats()
	log.Info("audiotap stopped (%d datagrams received, %d rejected, %d dropped).", st.Received, st.Rejected, st.Dropped)
	os.Exit(exitCode)
}
