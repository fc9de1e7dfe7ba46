// Package daemon hosts the session manager behind the control socket and
// runs the background sweeps that keep sessions healthy.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/agentloop/internal/agent"
	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/lock"
	"github.com/msageha/agentloop/internal/metrics"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/notify"
	"github.com/msageha/agentloop/internal/oracle"
	"github.com/msageha/agentloop/internal/resource"
	"github.com/msageha/agentloop/internal/store"
	"github.com/msageha/agentloop/internal/uds"
)

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Option customises a daemon before Run.
type Option func(*Daemon)

// WithOracle replaces the oracle built from configuration.
func WithOracle(o oracle.Oracle) Option { return func(d *Daemon) { d.oracle = o } }

// WithResources replaces the in-memory resource system.
func WithResources(r resource.System) Option { return func(d *Daemon) { d.resources = r } }

// Daemon is the long-running agentloop process.
type Daemon struct {
	dataDir string
	config  model.Config
	logger  *slog.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	httpSrv  *http.Server
	httpAddr string

	store     *store.Store
	bus       *events.Bus
	metrics   *metrics.Metrics
	oracle    oracle.Oracle
	resources resource.System
	deps      *agent.Deps
	sessions  *agent.Manager
	sinks     []io.Closer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	forceExit atomic.Bool
}

// rulesDebounce collapses the burst of events an editor or atomic writer
// produces into one reload.
const rulesDebounce = 250 * time.Millisecond

// New creates a daemon for dataDir logging to <dataDir>/logs/daemon.log.
func New(dataDir string, cfg model.Config, opts ...Option) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dataDir, cfg, logFile, logFile, opts...)
}

func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer, opts ...Option) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}))

	d := &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName), logger.With("component", "uds")),
		ticker:   time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		metrics:  metrics.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.resources == nil {
		d.resources = resource.NewMemory()
	}
	return d, nil
}

// Run starts the daemon and blocks until a signal or a shutdown request
// has been handled.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up and returns once the socket is serving.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon starting", "pid", os.Getpid(), "data_dir", d.dataDir)

	if err := d.open(); err != nil {
		d.cleanup()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	// watch the directory: editors replace files by rename
	if err := watcher.Add(filepath.Dir(d.config.Checkpoint.RulesFile)); err != nil {
		d.cleanup()
		return fmt.Errorf("watch rules dir: %w", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info("UDS server listening", "socket", filepath.Join(d.dataDir, uds.DefaultSocketName))

	if err := d.serveMetrics(); err != nil {
		d.cleanup()
		return err
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	n, err := d.sessions.ResumeAll(d.ctx)
	if err != nil {
		d.logger.Error("resume sessions", "error", err)
	}
	d.logger.Info("daemon ready", "resumed_sessions", n)
	return nil
}

// open wires persistence, the event bus and its sinks, the oracle and the
// session manager.
func (d *Daemon) open() error {
	st, err := store.Open(d.ctx, d.config.Store.Path)
	if err != nil {
		return err
	}
	d.store = st
	d.bus = events.NewBus(events.WithJournal(st), events.WithLogger(d.logger.With("component", "events")))
	d.bus.Subscribe(events.Filter{}, func(e events.Event) { d.metrics.EventPublished(string(e.Type)) })

	if path := d.config.Events.AuditLog; path != "" {
		audit, err := events.NewAuditLogger(path, d.config.Events.AuditMaxBytes, d.logger.With("component", "audit"))
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		d.bus.Subscribe(events.Filter{}, audit.Sink())
		d.sinks = append(d.sinks, audit)
	}
	if url := d.config.Events.NATSURL; url != "" {
		fwd, err := events.DialNATS(url, d.config.Events.NATSSubject, d.logger.With("component", "nats"))
		if err != nil {
			// sessions still run; only remote consumers go without events
			d.logger.Warn("NATS forwarding disabled", "url", url, "error", err)
		} else {
			d.bus.Subscribe(events.Filter{}, fwd.Sink())
			d.sinks = append(d.sinks, fwd)
		}
	}

	if d.config.Notify.Enabled {
		n := notify.New(nil, d.logger.With("component", "notify"))
		d.bus.Subscribe(events.Filter{Types: notify.Types}, events.NewDeduper(256).Wrap(n.Sink()))
	}

	if d.oracle == nil {
		o, err := buildOracle(d.config, d.logger.With("component", "oracle"))
		if err != nil {
			return err
		}
		d.oracle = o
	}

	d.deps = agent.NewDeps(d.config, st, d.resources, d.bus, d.oracle, d.metrics, d.logger)
	if err := d.deps.Rules.LoadFile(d.config.Checkpoint.RulesFile); err != nil {
		return fmt.Errorf("load checkpoint rules: %w", err)
	}
	d.logger.Info("checkpoint rules loaded", "file", d.config.Checkpoint.RulesFile,
		"rules", len(d.deps.Rules.Rules()), "checksum", d.deps.Rules.Checksum())
	d.sessions = agent.NewManager(d.ctx, d.deps)
	return nil
}

func (d *Daemon) serveMetrics() error {
	addr := d.config.Metrics.Listen
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})
	d.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	d.httpAddr = ln.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server", "error", err)
		}
	}()
	d.logger.Info("metrics listening", "addr", d.httpAddr)
	return nil
}

// reloadRules swaps in the rules file. A file that does not load leaves the
// previous rules in force.
func (d *Daemon) reloadRules() error {
	before := d.deps.Rules.Checksum()
	if err := d.deps.Rules.LoadFile(d.config.Checkpoint.RulesFile); err != nil {
		d.logger.Warn("checkpoint rules rejected, keeping previous set", "file", d.config.Checkpoint.RulesFile, "error", err)
		return err
	}
	if sum := d.deps.Rules.Checksum(); sum != before {
		d.logger.Info("checkpoint rules reloaded", "rules", len(d.deps.Rules.Rules()), "checksum", sum)
	}
	return nil
}

// fsnotifyLoop reloads the checkpoint rules when their file changes.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	rulesFile := filepath.Clean(d.config.Checkpoint.RulesFile)
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != rulesFile {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.logger.Debug("fsnotify", "op", event.Op.String(), "file", event.Name)
				d.debounceReload()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("fsnotify", "error", err)
		}
	}
}

// debounceReload reloads the rules once the file has been quiet for
// rulesDebounce.
func (d *Daemon) debounceReload() {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()

	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
	d.debounceTimer = time.AfterFunc(rulesDebounce, func() {
		if d.ctx.Err() != nil {
			return
		}
		_ = d.reloadRules()
	})
}

// tickerLoop expires overdue checkpoints and applies snapshot retention.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.sweep()
		}
	}
}

func (d *Daemon) sweep() {
	if n := d.deps.Queue.ExpireDue(d.ctx); n > 0 {
		d.logger.Info("checkpoints expired", "count", n)
	}
	if n, err := d.deps.Snapshots.GC(d.ctx); err != nil {
		d.logger.Warn("snapshot retention", "error", err)
	} else if n > 0 {
		d.logger.Debug("snapshots collected", "count", n)
	}
}

// waitSignals blocks until a shutdown signal arrives or Shutdown runs.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case <-d.ctx.Done():
		d.logger.Info("shutdown requested")
	}

	go func() {
		<-sigCh
		d.logger.Warn("received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops the daemon. Sessions are halted, not parked, so the next
// daemon resumes them. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")

		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		d.debounceMu.Lock()
		if d.debounceTimer != nil {
			d.debounceTimer.Stop()
		}
		d.debounceMu.Unlock()
		if d.server != nil {
			d.server.Stop()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if d.sessions != nil {
			if err := d.sessions.StopAll(ctx); err != nil {
				d.logger.Warn("stop sessions", "error", err)
			}
		}
		d.cancel()
		if d.httpSrv != nil {
			_ = d.httpSrv.Shutdown(ctx)
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("all goroutines drained")
		case <-ctx.Done():
			d.logger.Warn("shutdown timeout, some operations may be incomplete", "timeout", timeout)
		}

		if d.bus != nil {
			d.bus.Close(ctx)
		}
		d.cleanup()
	})
}

// cleanup releases resources acquired by Start.
func (d *Daemon) cleanup() {
	d.cancel()
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			d.logger.Warn("close event sink", "error", err)
		}
	}
	d.sinks = nil
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", "error", err)
		}
		d.store = nil
	}
	os.Remove(filepath.Join(d.dataDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	d.logger.Info("daemon stopped")
	if d.logFile != nil {
		d.logFile.Close()
	}
}
