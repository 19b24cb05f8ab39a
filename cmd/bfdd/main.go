// bfdd is a standalone BFD protocol daemon (RFC 5880/5881).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lindenhall/bfdd/internal/admin"
	"github.com/lindenhall/bfdd/internal/bfd"
	"github.com/lindenhall/bfdd/internal/config"
	"github.com/lindenhall/bfdd/internal/dispatch"
	"github.com/lindenhall/bfdd/internal/eventsink"
	bfdmetrics "github.com/lindenhall/bfdd/internal/metrics"
	"github.com/lindenhall/bfdd/internal/netio"
	"github.com/lindenhall/bfdd/internal/store"
	appversion "github.com/lindenhall/bfdd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainTimeout is the time to wait after setting sessions to AdminDown
// before proceeding with shutdown, so the final AdminDown packets reach
// peers (RFC 5880 Section 6.8.16).
const drainTimeout = 2 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// eventSinkCapacity bounds the in-memory queue of pending state-change
// records the admin API's event stream has not yet drained.
const eventSinkCapacity = 256

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("bfdd starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := bfdmetrics.NewCollector(reg)

	loop := dispatch.New(logger)
	st := store.New(loop, logger)
	sink := eventsink.New(eventSinkCapacity, logger)
	defer sink.Close()

	if err := runServers(cfg, loop, st, sink, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("bfdd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("bfdd stopped")
	return 0
}

// runServers sets up and runs the dispatch loop, BFD packet transport,
// admin HTTP API and metrics server using an errgroup with a
// signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	loop *dispatch.Loop,
	st *store.Store,
	sink *eventsink.Sink,
	collector *bfdmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	sf := newUDPSenderFactory(logger)
	defer sf.closeAll()

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	adminSrv := admin.New(st, loop, sink, cfg.BFD, sf, collector, logger)
	adminHTTPSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           adminSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gCtx, nil)
	})

	instances, err := loadInstances(configPath, cfg)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}

	listeners, err := createListeners(instances, collector, logger)
	if err != nil {
		return fmt.Errorf("create BFD listeners: %w", err)
	}
	defer closeListeners(listeners, logger)

	for _, ln := range listeners {
		recv := netio.NewReceiver(st, loop, logger, collector)
		ln := ln
		g.Go(func() error {
			return recv.Run(gCtx, ln)
		})
	}

	startHTTPServers(gCtx, g, cfg, adminHTTPSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, cfg, logLevel, loop, st, sf, logger)

	createSessionsFromInstances(loop, st, sink, collector, sf, instances, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, loop, st, logger, fr, adminHTTPSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	cfg *config.Config,
	logLevel *slog.LevelVar,
	loop *dispatch.Loop,
	st *store.Store,
	sf *udpSenderFactory,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, cfg, logLevel, loop, st, sf, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval; it exits immediately if unconfigured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + instance reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP reloads configuration and re-parses the instance file on
// every SIGHUP, suspending and resuming every session's timers around the
// swap (Section 4.8's reload sequence) so a slow reconciliation never
// corrupts detect-time accounting.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	cfg *config.Config,
	logLevel *slog.LevelVar,
	loop *dispatch.Loop,
	st *store.Store,
	sf *udpSenderFactory,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, cfg, logLevel, loop, st, sf, logger)
		}
	}
}

func reloadConfig(
	configPath string,
	cfg *config.Config,
	logLevel *slog.LevelVar,
	loop *dispatch.Loop,
	st *store.Store,
	sf *udpSenderFactory,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	instances, err := loadInstances(configPath, newCfg)
	if err != nil {
		logger.Error("failed to reload instance file, keeping current sessions",
			slog.String("error", err.Error()),
		)
		return
	}

	postSync(loop, func() {
		st.SuspendAll()
		defer st.ResumeAll()
		reconcileInstances(st, sf, instances, logger)
	})

	*cfg = *newCfg
}

// postSync posts fn onto loop and blocks until it has run.
func postSync(loop *dispatch.Loop, fn func()) {
	done := make(chan struct{})
	loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// reconcileInstances destroys sessions whose name no longer appears in
// instances and creates any session named in instances that does not
// already exist. Existing sessions are left untouched — changing an
// interval on a live peer happens through the admin API, not a reload.
// Must run on loop's goroutine.
func reconcileInstances(st *store.Store, sf *udpSenderFactory, instances []bfd.SessionConfig, logger *slog.Logger) {
	desired := make(map[string]bfd.SessionConfig, len(instances))
	for _, inst := range instances {
		desired[inst.Name] = inst
	}

	for _, sess := range st.Sessions() {
		if _, keep := desired[sess.Name()]; !keep {
			if err := st.Destroy(sess.Name()); err != nil {
				logger.Error("failed to destroy removed session",
					slog.String("name", sess.Name()), slog.String("error", err.Error()))
			}
		}
	}

	for _, inst := range instances {
		if _, exists := st.LookupByName(inst.Name); exists {
			continue
		}
		if !inst.LocalAddr.IsValid() {
			logger.Error("instance has no local address, skipping", slog.String("name", inst.Name))
			continue
		}

		sender, err := sf.CreateSender(inst.LocalAddr)
		if err != nil {
			logger.Error("failed to create sender for instance",
				slog.String("name", inst.Name), slog.String("error", err.Error()))
			continue
		}

		if _, err := st.Create(inst, sender, nil, nil); err != nil {
			logger.Error("failed to create session for instance",
				slog.String("name", inst.Name), slog.String("error", err.Error()))
		}
	}

	logger.Info("instance reconciliation complete", slog.Int("count", len(instances)))
}

// createSessionsFromInstances populates the store at startup, skipping
// instances whose local address could not be resolved.
func createSessionsFromInstances(
	loop *dispatch.Loop,
	st *store.Store,
	sink *eventsink.Sink,
	collector *bfdmetrics.Collector,
	sf *udpSenderFactory,
	instances []bfd.SessionConfig,
	logger *slog.Logger,
) {
	postSync(loop, func() {
		for _, inst := range instances {
			if !inst.LocalAddr.IsValid() {
				logger.Error("instance has no local address, skipping", slog.String("name", inst.Name))
				continue
			}

			sender, err := sf.CreateSender(inst.LocalAddr)
			if err != nil {
				logger.Error("failed to create sender for instance",
					slog.String("name", inst.Name), slog.String("error", err.Error()))
				continue
			}

			if _, err := st.Create(inst, sender, sink, collector); err != nil {
				logger.Error("failed to create session for instance",
					slog.String("name", inst.Name), slog.String("error", err.Error()))
			}
		}
	})
}

// loadInstances reads and parses the instance file named by cfg unless
// configPath is empty, in which case no instances are loaded (an
// all-defaults daemon run, e.g. for admin-API-only testing).
func loadInstances(configPath string, cfg *config.Config) ([]bfd.SessionConfig, error) {
	if configPath == "" {
		return nil, nil
	}

	f, err := os.Open(cfg.InstancesPath)
	if err != nil {
		return nil, fmt.Errorf("open instances file %s: %w", cfg.InstancesPath, err)
	}
	defer f.Close()

	instances, err := config.ParseInstances(f, cfg.BFD, nil)
	if err != nil {
		return nil, fmt.Errorf("parse instances file %s: %w", cfg.InstancesPath, err)
	}
	return instances, nil
}

// -------------------------------------------------------------------------
// UDP Sender Factory — RFC 5881 Section 4 source port allocation
// -------------------------------------------------------------------------

// udpSenderFactory implements admin.SenderFactory using real UDP sockets
// with RFC 5881 source port allocation and TTL=255 (GTSM).
type udpSenderFactory struct {
	portAlloc *netio.SourcePortAllocator
	senders   map[uint16]*netio.UDPSender
	logger    *slog.Logger
	mu        sync.Mutex
}

func newUDPSenderFactory(logger *slog.Logger) *udpSenderFactory {
	return &udpSenderFactory{
		portAlloc: netio.NewSourcePortAllocator(),
		senders:   make(map[uint16]*netio.UDPSender),
		logger:    logger,
	}
}

// CreateSender implements admin.SenderFactory.
func (f *udpSenderFactory) CreateSender(localAddr netip.Addr) (bfd.PacketSender, error) {
	srcPort, err := f.portAlloc.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate source port: %w", err)
	}

	sender, err := netio.NewUDPSender(localAddr, srcPort, f.logger)
	if err != nil {
		f.portAlloc.Release(srcPort)
		return nil, fmt.Errorf("create UDP sender %s:%d: %w", localAddr, srcPort, err)
	}

	f.mu.Lock()
	f.senders[srcPort] = sender
	f.mu.Unlock()

	return sender, nil
}

func (f *udpSenderFactory) closeAll() {
	f.mu.Lock()
	senders := f.senders
	f.senders = make(map[uint16]*netio.UDPSender)
	f.mu.Unlock()

	for port, sender := range senders {
		if err := sender.Close(); err != nil {
			f.logger.Warn("failed to close sender", slog.Uint64("src_port", uint64(port)), slog.String("error", err.Error()))
		}
		f.portAlloc.Release(port)
	}
}

// -------------------------------------------------------------------------
// BFD Listeners — receive incoming BFD Control packets
// -------------------------------------------------------------------------

// createListeners creates one shared listener per unique local address
// named by instances.
func createListeners(instances []bfd.SessionConfig, collector *bfdmetrics.Collector, logger *slog.Logger) ([]*netio.Listener, error) {
	seen := make(map[netip.Addr]struct{})
	var listeners []*netio.Listener

	for _, inst := range instances {
		if !inst.LocalAddr.IsValid() {
			continue
		}
		if _, exists := seen[inst.LocalAddr]; exists {
			continue
		}
		seen[inst.LocalAddr] = struct{}{}

		ln, err := netio.NewListener(netio.ListenerConfig{Addr: inst.LocalAddr}, collector)
		if err != nil {
			closeListeners(listeners, logger)
			return nil, fmt.Errorf("create listener on %s: %w", inst.LocalAddr, err)
		}

		logger.Info("BFD listener started", slog.String("addr", inst.LocalAddr.String()))
		listeners = append(listeners, ln)
	}

	return listeners, nil
}

func closeListeners(listeners []*netio.Listener, logger *slog.Logger) {
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			logger.Warn("failed to close BFD listener", slog.String("error", err.Error()))
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown — drain sessions + stop servers
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	loop *dispatch.Loop,
	st *store.Store,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	postSync(loop, st.DrainAll)
	time.Sleep(drainTimeout)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
