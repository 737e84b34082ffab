// Package daemon hosts one queue consumer behind the beamq Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/opengda/beamq/internal/audit"
	"github.com/opengda/beamq/internal/bus"
	"github.com/opengda/beamq/internal/consumer"
	"github.com/opengda/beamq/internal/lock"
	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
	"github.com/opengda/beamq/internal/monitor"
	"github.com/opengda/beamq/internal/runner"
	"github.com/opengda/beamq/internal/store"
	"github.com/opengda/beamq/internal/uds"
)

const JournalName = "jobs.jsonl"

// Daemon is the beamq daemon process for one queue.
type Daemon struct {
	dir     string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock  *lock.FileLock
	server    *uds.Server
	store     store.Store
	bus       *bus.Bus
	consumer  *consumer.Consumer
	acks      *ackRouter
	journal   *audit.Journal
	hub       *monitor.Hub
	scheduler gocron.Scheduler
	unsubs    []func()

	ctx      context.Context
	cancel   context.CancelFunc
	loopsErr chan error
	shutdown sync.Once
}

// New creates a daemon logging to <dir>/logs/daemon.log and stderr.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dir, cfg, io.MultiWriter(logFile, os.Stderr), logFile), nil
}

func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")
	return &Daemon{
		dir:      dir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(LockPath(dir)),
		server:   uds.NewServer(SocketPath(dir), logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SocketPath is where the daemon for dir listens.
func SocketPath(dir string) string {
	return filepath.Join(dir, model.SocketName)
}

// LockPath is the lock held by the daemon serving dir. One daemon, and so
// one queue, is served per directory.
func LockPath(dir string) string {
	return filepath.Join(dir, "locks", "daemon.lock")
}

// Run starts the daemon and blocks until a signal or a shutdown request.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return d.Shutdown()
}

// Start brings up the consumer and every background service. On error
// everything already started is released.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d queue=%s", os.Getpid(), d.config.Consumer.QueueName)

	if err := d.start(); err != nil {
		d.cancel()
		d.server.Stop()
		if d.consumer != nil {
			d.consumer.Close(context.Background())
		}
		d.release()
		return err
	}
	d.logger.Infof("daemon ready")
	return nil
}

func (d *Daemon) start() error {
	cfg := d.config

	st, err := store.Open(cfg.Store, d.dir, d.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.bus = bus.New(cfg.Daemon.BusBufferSize, d.logger)

	run, err := runner.New(cfg.Consumer.Runner)
	if err != nil {
		return err
	}
	d.journal, err = audit.Open(filepath.Join(d.dir, "logs", JournalName), 0, d.logger)
	if err != nil {
		return fmt.Errorf("open job journal: %w", err)
	}
	d.unsubs = append(d.unsubs, d.journal.Attach(d.bus))

	d.consumer, err = consumer.New(consumer.Options{
		QueueName:        cfg.Consumer.QueueName,
		Name:             cfg.Consumer.Name,
		Beamline:         cfg.Consumer.Beamline,
		Runner:           run,
		StatusInterval:   time.Duration(cfg.Consumer.StatusIntervalSec) * time.Second,
		PauseOnStart:     cfg.Consumer.PauseOnStart,
		MaxRunningAge:    time.Duration(cfg.Cleanup.MaxRunningAgeSec) * time.Second,
		MaxCompleteAge:   time.Duration(cfg.Cleanup.MaxCompleteAgeSec) * time.Second,
		Bus:              d.bus,
		Store:            d.store,
		RestartSupported: cfg.Consumer.RestartSupported,
		Logger:           d.logger,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	d.acks = newAckRouter(d.bus)
	d.consumer.Connect()

	if cfg.Cleanup.Enabled {
		if d.scheduler, err = d.newCleanupScheduler(); err != nil {
			return err
		}
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", SocketPath(d.dir))

	d.startLoops()

	if cfg.Consumer.Autostart {
		if err := d.consumer.Start(); err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
	}
	if d.scheduler != nil {
		d.scheduler.Start()
	}
	return nil
}

// startLoops runs the inbox watcher and the status monitor. The first loop
// to fail shuts the daemon down.
func (d *Daemon) startLoops() {
	g, ctx := errgroup.WithContext(d.ctx)
	d.loopsErr = make(chan error, 1)

	if d.config.Inbox.Enabled {
		inbox, err := newInbox(d.inboxDir(), d.config.Consumer.QueueName, d.dispatch, d.logger)
		if err != nil {
			d.logger.Errorf("inbox disabled: %v", err)
		} else {
			g.Go(func() error { return inbox.run(ctx) })
		}
	}
	if d.config.Monitor.Enabled {
		d.hub = monitor.NewHub(d.logger)
		d.unsubs = append(d.unsubs, d.hub.Attach(d.bus))
		g.Go(func() error { return d.hub.Serve(ctx, d.config.Monitor.Addr) })
	}

	go func() {
		err := g.Wait()
		if err != nil && d.ctx.Err() == nil {
			d.logger.Errorf("background loop failed: %v", err)
			d.cancel()
		}
		d.loopsErr <- err
	}()
}

func (d *Daemon) inboxDir() string {
	if filepath.IsAbs(d.config.Inbox.Dir) {
		return d.config.Inbox.Dir
	}
	return filepath.Join(d.dir, d.config.Inbox.Dir)
}

// Done is closed once shutdown has been requested.
func (d *Daemon) Done() <-chan struct{} { return d.ctx.Done() }

// waitSignals blocks until SIGTERM/SIGINT or a shutdown request.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		signal.Stop(sigCh)
		d.logger.Infof("shutdown requested")
		return
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()
}

// Shutdown stops the daemon. It is idempotent; later calls return nil.
func (d *Daemon) Shutdown() error {
	var err error
	d.shutdown.Do(func() {
		err = d.doShutdown()
	})
	return err
}

func (d *Daemon) doShutdown() error {
	d.logger.Infof("shutdown started")
	d.cancel()

	if err := d.server.Stop(); err != nil {
		d.logger.Warnf("stop UDS server: %v", err)
	}

	timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if d.loopsErr != nil {
		select {
		case err := <-d.loopsErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			d.logger.Warnf("background loops did not stop within %s", timeout)
		}
	}
	if d.scheduler != nil {
		if err := d.scheduler.Shutdown(); err != nil {
			d.logger.Warnf("stop scheduler: %v", err)
		}
	}
	if d.consumer != nil {
		if err := d.consumer.Close(ctx); err != nil {
			d.logger.Warnf("shutdown timeout after %s, running job may be incomplete: %v", timeout, err)
		}
	}

	d.release()
	d.logger.Infof("daemon stopped")
	if d.logFile != nil {
		d.logFile.Close()
	}
	return errors.Join(errs...)
}

// release frees everything Start acquired, in reverse order.
func (d *Daemon) release() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
	if d.acks != nil {
		d.acks.close()
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warnf("close job journal: %v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warnf("close store: %v", err)
		}
	}
	os.Remove(SocketPath(d.dir))
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warnf("release daemon lock: %v", err)
	}
}
