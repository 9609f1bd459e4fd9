// Package daemon runs the router: dispatch and ingestion cycles on timers,
// a pending-directory watcher and the control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/singleflight"

	"github.com/nergal-perm/github-webhooks-router/internal/agent"
	"github.com/nergal-perm/github-webhooks-router/internal/events"
	"github.com/nergal-perm/github-webhooks-router/internal/fsutil"
	"github.com/nergal-perm/github-webhooks-router/internal/ingest"
	"github.com/nergal-perm/github-webhooks-router/internal/lock"
	"github.com/nergal-perm/github-webhooks-router/internal/logging"
	"github.com/nergal-perm/github-webhooks-router/internal/metrics"
	"github.com/nergal-perm/github-webhooks-router/internal/model"
	"github.com/nergal-perm/github-webhooks-router/internal/notify"
	"github.com/nergal-perm/github-webhooks-router/internal/queue"
	"github.com/nergal-perm/github-webhooks-router/internal/tasks"
	"github.com/nergal-perm/github-webhooks-router/internal/uds"
)

// Daemon is the long-running router process.
type Daemon struct {
	config    model.Config
	logger    *logging.Logger
	logFile   io.Closer
	startedAt time.Time

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	store      *queue.Store
	gate       *lock.RepoGate
	bus        *events.Bus
	runner     agent.Runner
	source     ingest.Source
	quiet      ingest.QuietHours
	manager    *tasks.Manager
	dispatcher *Dispatcher
	downloader *ingest.Downloader
	cycles     singleflight.Group

	journal    *events.Journal
	collector  *metrics.Collector
	metricsSrv *http.Server
	natsConn   *nats.Conn
	unsubs     []func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	forceExit atomic.Bool
}

// New creates a Daemon logging to <storage-root>/logs/router.log, and to
// stderr as well when logging.stderr is set.
func New(cfg model.Config) (*Daemon, error) {
	logPath := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open router log: %w", err)
	}

	var w io.Writer = logFile
	if cfg.Logging.Stderr {
		w = io.MultiWriter(logFile, os.Stderr)
	}
	return newDaemon(cfg, w, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	quiet, err := ingest.ParseQuietHours(cfg.Ingest.QuietHours)
	if err != nil {
		return nil, fmt.Errorf("quiet hours: %w", err)
	}

	logger := logging.NewWriter(w, logging.ParseLevel(cfg.Logging.Level), "router")
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(cfg.LockPath()),
		server:   uds.NewServer(cfg.SocketPath(), logger.With("uds")),
		store:    queue.NewStore(cfg.StorageRoot),
		gate:     lock.NewRepoGate(),
		bus:      events.NewBus(256),
		quiet:    quiet,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	return d, nil
}

// SetRunner replaces the agent subprocess runner. Must be called before Run().
func (d *Daemon) SetRunner(r agent.Runner) {
	d.runner = r
}

// SetSource replaces the remote store built from the config. Must be called
// before Run().
func (d *Daemon) SetSource(s ingest.Source) {
	d.source = s
}

// wire builds the cycle components. Split from Run so tests can drive cycles
// without the lock, socket and timers.
func (d *Daemon) wire() {
	if d.runner == nil {
		d.runner = agent.NewExecutor(agent.Options{
			RepoBaseDir: d.config.RepoBaseDir,
			Command:     d.config.Agent.Command,
			Args:        d.config.Agent.Args,
			Timeout:     d.config.AgentTimeout(),
			Logger:      d.logger.With("agent"),
		})
	}
	if d.source == nil {
		remote := d.config.Remote
		logger := d.logger.With("ingest")
		d.source = ingest.NewLazySource(func(ctx context.Context) (ingest.Source, error) {
			return ingest.NewSource(ctx, remote, logger)
		})
	}
	d.manager = tasks.NewManager(d.store, d.bus, d.logger.With("tasks"))
	d.dispatcher = NewDispatcher(d.manager, d.gate, d.runner, d.bus, d.logger.With("dispatch"))
	d.downloader = ingest.NewDownloader(d.source, d.store, d.quiet, d.bus, d.logger.With("ingest"))
}

// Run starts the daemon and blocks until ctx is cancelled, a signal arrives
// or a shutdown is requested over the socket.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now()

	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		if d.logFile != nil {
			d.logFile.Close()
		}
		return fmt.Errorf("router lock: %w", err)
	}
	d.logger.Info("router starting pid=%d storage_root=%s repo_base_dir=%s", os.Getpid(), d.config.StorageRoot, d.config.RepoBaseDir)

	// Step 2: Bootstrap stage directories, observers and recovery
	if err := d.store.EnsureAll(); err != nil {
		d.cleanup()
		return err
	}
	if err := d.startObservers(); err != nil {
		d.cleanup()
		return err
	}
	d.wire()
	// nothing runs yet, so every processing entry is an orphan
	if n, err := d.manager.RecoverStuck(lock.NewRepoGate()); err != nil {
		d.logger.Error("startup recovery error=%v", err)
	} else if n > 0 {
		d.logger.Warn("startup recovery moved %d task(s) back to pending", n)
	}

	// Step 3: Pending watcher
	if !d.config.Dispatcher.DisableWatch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cleanup()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		d.watcher = watcher
		if err := watcher.Add(d.store.Dir(model.StagePending)); err != nil {
			d.cleanup()
			return fmt.Errorf("watch pending: %w", err)
		}
	}

	// Step 4: Control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.logger.Info("control socket listening on %s", d.config.SocketPath())

	// Step 5: Background loops
	if d.watcher != nil {
		d.wg.Add(1)
		go d.fsnotifyLoop()
	}
	d.wg.Add(3)
	go d.every("dispatch", time.Duration(d.config.Dispatcher.InitialDelaySec)*time.Second, d.config.DispatchInterval(), func() {
		d.runDispatch("ticker")
	})
	go d.every("ingest", time.Duration(d.config.Ingest.InitialDelaySec)*time.Second, d.config.IngestInterval(), func() {
		d.runDownload("ticker")
	})
	heartbeat := time.Duration(d.config.Daemon.HeartbeatSec) * time.Second
	go d.every("heartbeat", heartbeat, heartbeat, d.heartbeat)

	d.logger.Info("router ready dispatch_interval=%s ingest_interval=%s quiet_hours=%s",
		d.config.DispatchInterval(), d.config.IngestInterval(), d.quiet)

	// Step 6: Wait for signals
	d.waitSignals(ctx)
	return nil
}

// startObservers attaches the journal, Prometheus collector, NATS forwarder
// and desktop notifier to the event bus.
func (d *Daemon) startObservers() error {
	journal, err := events.OpenJournal(d.config.JournalPath(), 0)
	if err != nil {
		return err
	}
	d.journal = journal
	d.unsubs = append(d.unsubs, journal.Attach(d.bus))

	d.collector = metrics.New(metrics.Sources{
		ActiveRepos: d.gate.Len,
		StageDepth:  d.store.Count,
	})
	d.unsubs = append(d.unsubs, d.collector.Attach(d.bus))
	if addr := d.config.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.collector.Handler())
		d.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server error=%v", err)
			}
		}()
		d.logger.Info("metrics listening on %s", addr)
	}

	if url := d.config.Events.NATSURL; url != "" {
		logger := d.logger.With("nats")
		conn, err := events.DialNATS(url, logger)
		if err != nil {
			// events are an observer concern; the router runs without them
			d.logger.Warn("event forwarding disabled error=%v", err)
			return nil
		}
		d.natsConn = conn
		fwd := events.NewForwarder(conn, d.config.Events.SubjectPrefix, logger)
		d.unsubs = append(d.unsubs, fwd.Attach(d.bus))
		d.logger.Info("forwarding events to %s prefix=%s", url, d.config.Events.SubjectPrefix)
	}

	if d.config.Notify.Desktop {
		if n := notify.New(d.config.Notify.OnSuccess, d.logger.With("notify")); n != nil {
			d.unsubs = append(d.unsubs, n.Attach(d.bus))
		} else {
			d.logger.Warn("desktop notifications are only supported on macOS")
		}
	}
	return nil
}

// registerHandlers registers control socket request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdScan, func(ctx context.Context, req *uds.Request) *uds.Response {
		st, shared, err := d.runDispatch("socket")
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(uds.CycleData{
			Recovered:  st.Recovered,
			Invalid:    st.Invalid,
			Skipped:    st.Skipped,
			Dispatched: st.Dispatched,
			Shared:     shared,
		})
	})

	d.server.Handle(uds.CmdDownload, func(ctx context.Context, req *uds.Request) *uds.Response {
		st, shared, err := d.runDownload("socket")
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(uds.CycleData{
			Fetched:    st.Fetched,
			Written:    st.Written,
			Duplicates: st.Duplicates,
			Skipped:    st.Skipped,
			Suppressed: st.Suppressed,
			Shared:     shared,
		})
	})

	d.server.Handle(uds.CmdStatus, func(ctx context.Context, req *uds.Request) *uds.Response {
		status, err := d.status()
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(status)
	})

	d.server.Handle(uds.CmdShutdown, func(ctx context.Context, req *uds.Request) *uds.Response {
		d.logger.Info("shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) status() (uds.StatusData, error) {
	stages := make(map[string]int, len(model.Stages))
	for _, s := range model.Stages {
		n, err := d.store.Count(s)
		if err != nil {
			return uds.StatusData{}, err
		}
		stages[string(s)] = n
	}
	return uds.StatusData{
		PID:         os.Getpid(),
		StartedAt:   d.startedAt,
		StorageRoot: d.config.StorageRoot,
		Stages:      stages,
		ActiveRepos: d.gate.Active(),
		QuietHours:  d.quiet.String(),
		QuietNow:    d.quiet.IsActive(time.Now()),
	}, nil
}

// runDispatch runs a dispatch cycle, or joins the one already in flight.
func (d *Daemon) runDispatch(trigger string) (DispatchStats, bool, error) {
	v, err, shared := d.cycles.Do("dispatch", func() (any, error) {
		d.logger.Debug("dispatch cycle trigger=%s", trigger)
		return d.dispatcher.Dispatch(d.ctx)
	})
	if err != nil {
		d.logger.Error("dispatch cycle aborted trigger=%s error=%v", trigger, err)
	}
	st, _ := v.(DispatchStats)
	return st, shared, err
}

// runDownload runs an ingestion cycle, or joins the one already in flight.
func (d *Daemon) runDownload(trigger string) (ingest.Stats, bool, error) {
	v, err, shared := d.cycles.Do("download", func() (any, error) {
		d.logger.Debug("ingest cycle trigger=%s", trigger)
		st, err := d.downloader.Download(d.ctx)
		d.bus.Publish(events.EventCycleCompleted, map[string]any{
			"kind":       "ingest",
			"fetched":    st.Fetched,
			"written":    st.Written,
			"duplicates": st.Duplicates,
			"skipped":    st.Skipped,
			"suppressed": st.Suppressed,
		})
		return st, err
	})
	if err != nil {
		d.logger.Error("ingest cycle aborted trigger=%s error=%v", trigger, err)
	}
	st, _ := v.(ingest.Stats)
	return st, shared, err
}

func (d *Daemon) heartbeat() {
	pending, _ := d.store.Count(model.StagePending)
	d.logger.Info("heartbeat pending=%d active_repos=%v", pending, d.gate.Active())
}

// every runs fn after delay and then on every interval until shutdown.
func (d *Daemon) every(name string, delay, interval time.Duration, fn func()) {
	defer d.wg.Done()
	if interval <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-d.ctx.Done():
		return
	case <-timer.C:
	}
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.logger.Debug("%s tick", name)
			fn()
		}
	}
}

// fsnotifyLoop dispatches shortly after new files land in pending. Bursts
// of creates collapse into one cycle.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	delay := time.Duration(d.config.Dispatcher.DebounceSec * float64(time.Second))
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || fsutil.IsTemp(filepath.Base(event.Name)) {
				continue
			}
			d.logger.Debug("fsnotify event=%s file=%s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			d.runDispatch("watcher")
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("fsnotify error=%v", err)
		}
	}
}

// waitSignals blocks until a shutdown signal, ctx cancellation or a
// completed Shutdown.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal=%s, initiating graceful shutdown", sig)
	case <-ctx.Done():
		d.logger.Info("context cancelled, initiating graceful shutdown")
	case <-d.done:
		return
	}

	// Second signal → force exit
	go func() {
		select {
		case <-sigCh:
			d.logger.Warn("received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		case <-d.done:
		}
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). Running
// agents get up to the shutdown timeout to finish; whatever is still in
// processing afterwards is recovered by the next start.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")

		// 1. Stop producers
		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 2. Drain loops and in-flight agent runs
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		deadline := time.Now().Add(timeout)

		loops := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(loops)
		}()
		select {
		case <-loops:
		case <-time.After(timeout):
			d.logger.Warn("background loops still running after %s", timeout)
		}
		if d.dispatcher != nil {
			if d.dispatcher.Wait(time.Until(deadline)) {
				d.logger.Info("all agent runs drained")
			} else {
				d.logger.Warn("shutdown timeout after %s, active_repos=%v left in processing", timeout, d.gate.Active())
			}
		}

		// 3. Cleanup
		d.cleanup()
		close(d.done)
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.cancel()
	if d.source != nil {
		if err := d.source.Close(); err != nil {
			d.logger.Warn("close remote source error=%v", err)
		}
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.metricsSrv.Shutdown(ctx)
		cancel()
	}
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
	if d.natsConn != nil {
		_ = d.natsConn.Drain()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	_ = os.Remove(d.config.SocketPath())
	_ = d.fileLock.Unlock()
	d.logger.Info("router stopped")
	if d.logFile != nil {
		d.logFile.Close()
	}
}
