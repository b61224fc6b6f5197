package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ytget/ytdl-web/internal/backend"
	"github.com/ytget/ytdl-web/internal/compress"
	"github.com/ytget/ytdl-web/internal/config"
	"github.com/ytget/ytdl-web/internal/console"
	"github.com/ytget/ytdl-web/internal/download"
	"github.com/ytget/ytdl-web/internal/notify"
	"github.com/ytget/ytdl-web/internal/platform"
	"github.com/ytget/ytdl-web/internal/progress"
	"github.com/ytget/ytdl-web/internal/pubsub"
	"github.com/ytget/ytdl-web/internal/registry"
	"github.com/ytget/ytdl-web/internal/server"
	"github.com/ytget/ytdl-web/internal/store"
	"github.com/ytget/ytdl-web/internal/tracker"
	"github.com/ytget/ytdl-web/internal/transport"
)

// Version is set during build via -ldflags "-X main.version=X.Y.Z"
var version = "dev"

// consoleClientID is the router client the terminal watcher connects as
const consoleClientID = "console"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML settings file")
	addr := flag.String("addr", "", "HTTP listen address (overrides listen_addr)")
	redisAddr := flag.String("redis", "", "Redis address (overrides redis.addr); \"none\" disables Redis")
	downloadDir := flag.String("dir", "", "Download directory (overrides download_dir)")
	showConsole := flag.Bool("console", false, "Render task progress bars in the terminal")
	writeConfig := flag.String("write-config", "", "Write the effective settings to this file and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("yt-downloader v%s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	switch *redisAddr {
	case "":
	case "none":
		cfg.Redis.Addr = ""
	default:
		cfg.Redis.Addr = *redisAddr
	}
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}
	if *showConsole {
		cfg.Console = true
	}

	if *writeConfig != "" {
		if err := cfg.Save(*writeConfig); err != nil {
			log.Fatalf("Failed to write settings: %v", err)
		}
		fmt.Printf("Settings written to %s\n", *writeConfig)
		return
	}

	log.Printf("yt-downloader v%s starting", version)
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Settings) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := platform.CreateDirectoryIfNotExists(cfg.DownloadDir); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	// Transport: Redis when it answers, memory otherwise
	var durable transport.Transport
	if cfg.Redis.Addr != "" {
		durable = transport.NewRedis(transport.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Backend.ProbeTimeout.Std(),
			OpTimeout:   cfg.Backend.OpTimeout.Std(),
		})
	}
	selector := backend.NewSelector(durable, transport.NewMemory(), backend.Options{
		ProbeTimeout:      cfg.Backend.ProbeTimeout.Std(),
		HealthInterval:    cfg.Backend.HealthInterval.Std(),
		FailureThreshold:  cfg.Backend.FailureThreshold,
		MaxSwitchAttempts: cfg.Backend.MaxSwitchAttempts,
		SwitchCooldown:    cfg.Backend.SwitchCooldown.Std(),
	})
	defer selector.Close()
	selector.Start(ctx)
	handle := selector.Transport()

	router, err := pubsub.NewRouter(ctx, handle, pubsub.Options{
		QueueSize:   cfg.PubSub.QueueSize,
		ReplayLimit: cfg.PubSub.ReplayLimit,
		ReplayTTL:   cfg.PubSub.ReplayTTL.Std(),
		OpTimeout:   cfg.Backend.OpTimeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	defer router.Close()

	// Snapshots: live copy next to the transport, finished tasks archived in SQLite
	snapshots := store.NewHashStore(handle, cfg.Registry.Retention.Std())
	var archive store.SnapshotStore
	if cfg.SQLitePath != "" {
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Printf("SQLite archive disabled: %v", err)
		} else {
			defer db.Close()
			archive = db
			selector.Register("sqlite_archive", db.Ping)
		}
	}

	history := store.Multi{snapshots}
	if archive != nil {
		history = append(history, archive)
	}

	reg := registry.New(registry.Options{
		Retention:     cfg.Registry.Retention.Std(),
		SweepInterval: cfg.Registry.SweepInterval.Std(),
		StageWeights:  cfg.Registry.StageWeights,
	})
	tr := tracker.New(reg, progress.NewAggregator(cfg.Progress.WindowSize))
	selector.Register("registry_outbox", func(context.Context) error {
		if n := reg.Events().Len(); n > cfg.PubSub.QueueSize*100 {
			return fmt.Errorf("%d undelivered events", n)
		}
		return nil
	})

	dispatcher := notify.NewDispatcher(reg.Events(), router, notify.Options{
		Snapshots:   snapshots,
		Archive:     archive,
		OnEvict:     []func(string){tr.Forget},
		ProgressTTL: cfg.PubSub.ProgressTTL.Std(),
		Timeout:     cfg.Backend.OpTimeout.Std(),
	})
	selector.OnStateChange(func(from, to backend.State) {
		status := selector.Status()
		msg := fmt.Sprintf("Notification backend %s (%s)", to, status.Backend)
		if err := dispatcher.SystemStatus(ctx, msg, map[string]any{"from": string(from), "to": string(to), "backend": status.Backend}); err != nil {
			log.Printf("Failed to announce backend state: %v", err)
		}
	})

	downloads := download.NewService(tr, nil, download.Options{
		DownloadDir: cfg.DownloadDir,
		MaxParallel: cfg.MaxParallelDownloads,
		Quality:     string(cfg.QualityPreset),
		MaxRetries:  2,
	})
	conversions := compress.NewService(tr, nil)

	srv := server.New(server.Options{
		Tasks:       reg,
		Downloads:   downloads,
		Conversions: conversions,
		Subscriber:  router,
		Health:      selector,
		History:     history,
	})

	go selector.Run(ctx)
	go reg.Run(ctx)
	go dispatcher.Run(ctx)

	if cfg.Console {
		queue, err := router.Connect(ctx, consoleClientID, nil, map[string]string{"transport": "console"})
		if err != nil {
			log.Printf("Console watcher disabled: %v", err)
		} else {
			go func() {
				if err := console.NewWatcher(os.Stderr).Run(ctx, queue); err != nil && !errors.Is(err, pubsub.ErrQueueClosed) {
					log.Printf("Console watcher stopped: %v", err)
				}
			}()
		}
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	err = srv.ListenAndServe(ctx, cfg.ListenAddr)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if serr := downloads.Shutdown(shutdownCtx); serr != nil {
		log.Printf("Downloads did not stop in time: %v", serr)
	}
	// flush the cancellations recorded during shutdown
	for {
		e, ok := reg.Events().TryNext()
		if !ok {
			break
		}
		dispatcher.Dispatch(shutdownCtx, e)
	}
	return err
}
