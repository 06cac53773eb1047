package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultgate/archive"
	"vaultgate/daemon"
	"vaultgate/guard"
	"vaultgate/handlers"
	"vaultgate/health"
	"vaultgate/logging"
	"vaultgate/metrics"
	"vaultgate/notify"
	"vaultgate/reload"
)

const version = "v1.2.0"

func main() {
	var (
		listenAddr     = flag.String("listen", ":8080", "address to serve on")
		archiveDir     = flag.String("archives", "./archives", "directory of backup archives to serve")
		tuningPath     = flag.String("tuning", "", "guard tuning JSON file (defaults apply when empty)")
		strict         = flag.Bool("strict", false, "start from the strict tuning profile")
		logDir         = flag.String("logs", "./logs", "directory for rotated logs")
		pidFile        = flag.String("pidfile", "", "PID file path for start/stop control")
		stop           = flag.Bool("stop", false, "stop the instance recorded in the PID file")
		webhookURLs    = flag.String("webhooks", "", "comma-separated webhook URLs for block notifications")
		trustedProxies = flag.String("trusted-proxies", "", "comma-separated CIDRs allowed to set forwarding headers")
		showVersion    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("vaultgate", version)
		return
	}

	if *stop {
		if *pidFile == "" {
			log.Fatal("-stop requires -pidfile")
		}
		if err := daemon.Stop(*pidFile); err != nil {
			log.Fatalf("Stop failed: %v", err)
		}
		fmt.Println("Stop signal sent.")
		return
	}

	if *pidFile != "" {
		if err := daemon.WritePIDFile(*pidFile); err != nil {
			log.Fatalf("Startup aborted: %v", err)
		}
		defer daemon.RemovePIDFile(*pidFile)
	}

	// keeps logs from eating disk space
	logWriter := logging.SetupRotation(logging.Config{
		Enabled:    true,
		Filename:   filepath.Join(*logDir, "vaultgate.log"),
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})
	log.SetOutput(logging.MultiWriter(logWriter))

	eventLog := logging.NewEventLog(filepath.Join(*logDir, "blocks.log"), logging.Config{
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
	})
	defer eventLog.Close()

	if *trustedProxies != "" {
		if err := guard.SetTrustedProxies(splitList(*trustedProxies)); err != nil {
			log.Fatalf("Invalid -trusted-proxies: %v", err)
		}
	}

	cfg := guard.DefaultConfig()
	if *strict {
		cfg = guard.StrictConfig()
	}
	if *tuningPath != "" {
		loaded, err := guard.LoadConfig(*tuningPath)
		if err != nil {
			log.Printf("Warning: Could not load tuning file - %v (continuing with built-in defaults)", err)
		} else {
			cfg = loaded
		}
	}

	guards := guard.NewService(cfg)
	defer guards.Close()

	notifier := notify.NewNotifier(notify.Config{
		Enabled:     *webhookURLs != "",
		URLs:        splitList(*webhookURLs),
		MinSeverity: "warning",
		Timeout:     5,
		MaxRetries:  2,
	})

	guards.OnBlock(func(ev guard.BlockEvent) {
		metrics.RequestsBlocked.WithLabelValues(ev.Guard, ev.Reason).Inc()
		eventLog.Record(ev)
		log.Printf("Blocked client %s (%s guard, %s) for %ds", ev.Client, ev.Guard, ev.Reason, ev.RetryAfterSec)
		notifier.Notify(notify.Event{
			Timestamp:     ev.Time.UTC().Format(time.RFC3339),
			Severity:      severityFor(ev.Reason),
			Guard:         ev.Guard,
			Client:        ev.Client,
			Reason:        ev.Reason,
			RetryAfterSec: ev.RetryAfterSec,
			Message:       fmt.Sprintf("client %s blocked by %s guard: %s", ev.Client, ev.Guard, ev.Reason),
		})
	})
	guards.OnEvict(func(g string, evicted int) {
		metrics.ReaperEvictions.WithLabelValues(g).Add(float64(evicted))
	})

	// periodic gauge refresh for the tracker sizes
	statsDone := make(chan struct{})
	defer close(statsDone)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := guards.Stats()
				metrics.TrackedClients.WithLabelValues("connection").Set(float64(st.TrackedClients))
				metrics.TrackedClients.WithLabelValues("download").Set(float64(st.TrackedDownloadClients))
			case <-statsDone:
				return
			}
		}
	}()

	store, err := archive.NewStore(*archiveDir)
	if err != nil {
		log.Fatalf("Startup aborted: %v", err)
	}

	reloadMgr, err := reload.NewManager(reload.Config{
		TuningPath:   *tuningPath,
		DebounceTime: 2 * time.Second,
		WatchEnabled: *tuningPath != "",
		Apply: func(c *guard.Config) {
			guards.ApplyTuning(c)
		},
		OnReload: func() {
			metrics.ConfigReloads.Inc()
		},
	})
	if err != nil {
		log.Printf("Warning: Could not initialize hot-reload system - %v (tuning changes will require restart)", err)
	}
	defer func() {
		if reloadMgr != nil {
			_ = reloadMgr.Stop()
		}
	}()

	// catch SIGHUP for manual tuning reload
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			log.Println("Received SIGHUP signal, reloading tuning...")
			if reloadMgr == nil {
				continue
			}
			if err := reloadMgr.ReloadAll(); err != nil {
				log.Printf("Tuning reload failed: %v", err)
			} else {
				log.Println("Tuning reloaded successfully")
			}
		}
	}()

	srv := handlers.New(store, guards)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", health.Handler(version, guards.Stats))
	mux.Handle("/", srv.Routes())

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.RequestTimeout(),
		ReadTimeout:       cfg.RequestTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	fmt.Println("vaultgate", version, "starting up")
	fmt.Println("  Serving archives from:", store.Root())
	fmt.Println("  Listening on", *listenAddr)
	fmt.Println("  Health endpoint at /health, metrics at /metrics")
	fmt.Println("  Block events written to", filepath.Join(*logDir, "blocks.log"))
	if *tuningPath != "" {
		fmt.Println("  Tuning file watched:", *tuningPath, "(SIGHUP also reloads)")
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatalf("Server failed: %v", err)
	case sig := <-sigChan:
		log.Printf("Received %s, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
}

func severityFor(reason string) string {
	switch reason {
	case guard.ReasonSlowTransfer, guard.ReasonTimeoutPenalty:
		return "critical"
	default:
		return "warning"
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
