// Package worker implements the lifecycle loop every redisbus worker
// runs: identity generation, presence registration, multi-source
// message intake (direct/group via Monitor, broadcast via
// Subscription), command dispatch through an explicit registry.Registry,
// periodic maintenance, and graceful shutdown. A Worker is configured by
// composition: a Capabilities value supplies startup/tick/shutdown hooks
// and a command table.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jrepp/redisbus/command"
	"github.com/jrepp/redisbus/download"
	"github.com/jrepp/redisbus/envelope"
	"github.com/jrepp/redisbus/loghandler"
	"github.com/jrepp/redisbus/monitor"
	"github.com/jrepp/redisbus/presence"
	"github.com/jrepp/redisbus/registry"
	"github.com/jrepp/redisbus/rpcclient"
	"github.com/jrepp/redisbus/subscription"
)

// DefaultInterval is the default tick cadence.
const DefaultInterval = 400 * time.Millisecond

// DefaultMaintenanceInterval is the default period between presence
// refresh / log TTL refresh ticks.
const DefaultMaintenanceInterval = 10 * time.Second

// presenceTTLSlack is added to the maintenance interval to compute a
// presence key's TTL, so a worker that's merely a bit slow on one
// maintenance tick doesn't fall out of discovery.
const presenceTTLSlack = 3 * time.Second

// Config configures one Worker instance.
type Config struct {
	Site                string
	WorkerType          string
	Interval            time.Duration
	MaintenanceInterval time.Duration
	WorkerPath          string
	Spawner             string
	AllowDownloads      bool
	// LogDir is where the worker's local log file is created.
	LogDir string
	// WorkerID overrides generated identity; leave empty in production.
	WorkerID string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	return c
}

// Deps carries the shared infrastructure a Worker is built from: the
// Redis connection pool and observability providers. Constructed once
// at process boot and passed in, rather than reached for through global
// state.
type Deps struct {
	Redis  *redis.Client
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Capabilities is a worker's behavior: lifecycle hooks plus the
// commands it answers beyond the built-ins.
type Capabilities struct {
	OnStartup  func(ctx context.Context) error
	OnTick     func(ctx context.Context, elapsed time.Duration) error
	OnShutdown func(ctx context.Context) error
	// Commands extends the built-in registry (info, stop, ping,
	// download, download_dir, update_spawner) with caller-defined
	// command handlers.
	Commands map[string]registry.Handler
}

// Worker is the central message loop: discovery, lifecycle key
// maintenance, multi-source intake, command dispatch, reply generation.
type Worker struct {
	id         string
	cfg        Config
	caps       Capabilities
	logger     *slog.Logger
	tracer     trace.Tracer
	redis      *redis.Client
	reg        *registry.Registry
	client     *rpcclient.Client
	presence   *presence.Registry
	monitor    *monitor.Monitor
	sub        *subscription.Subscription
	logHandler *loghandler.Handler
	logFiles   []string

	active          atomic.Bool
	startedAt       time.Time
	lastTick        time.Time
	lastMaintenance time.Time
	tickCount       int

	mu      sync.Mutex
	spawner string

	shutdownOnce sync.Once

	commandCounter metric.Int64Counter
	tickHistogram  metric.Float64Histogram
}

// New constructs a Worker. Connect must be called before Run.
func New(cfg Config, deps Deps, caps Capabilities) (*Worker, error) {
	cfg = cfg.withDefaults()

	id := cfg.WorkerID
	if id == "" {
		var err error
		id, err = generateWorkerID()
		if err != nil {
			return nil, fmt.Errorf("worker: generate id: %w", err)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("redisbus/worker")
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("redisbus/worker")
	}

	logKey := fmt.Sprintf("logs:%s:%s", cfg.WorkerType, id)
	logHandler := loghandler.New(deps.Redis, logKey, slog.LevelInfo)

	logFile, logFilePath, err := openLogFile(cfg.LogDir, cfg.WorkerType, id)
	if err != nil {
		logger.Warn("worker: could not open local log file, logging to the redis log sink only", "error", err)
	}
	handlers := []slog.Handler{logHandler}
	if logFile != nil {
		handlers = append(handlers, slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	wlog := slog.New(newFanoutHandler(handlers...)).With("worker_id", id, "worker_type", cfg.WorkerType, "site", cfg.Site)

	commandCounter, err := meter.Int64Counter("redisbus.worker.commands_dispatched",
		metric.WithDescription("commands dispatched by this worker"))
	if err != nil {
		return nil, err
	}
	tickHistogram, err := meter.Float64Histogram("redisbus.worker.tick_duration",
		metric.WithDescription("wall-clock duration of each tick"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	w := &Worker{
		id:             id,
		cfg:            cfg,
		caps:           caps,
		logger:         wlog,
		tracer:         tracer,
		redis:          deps.Redis,
		client:         rpcclient.New(deps.Redis, cfg.Site, wlog, tracer),
		presence:       presence.New(deps.Redis, cfg.Site, cfg.WorkerType, id).WithTTL(cfg.MaintenanceInterval + presenceTTLSlack),
		logHandler:     logHandler,
		spawner:        cfg.Spawner,
		commandCounter: commandCounter,
		tickHistogram:  tickHistogram,
	}
	if logFilePath != "" {
		w.logFiles = append(w.logFiles, logFilePath)
	}

	w.reg = registry.New()
	w.registerBuiltins()
	for name, h := range caps.Commands {
		w.reg.Register(name, h)
	}

	return w, nil
}

// ID returns this worker's generated or configured identity string.
func (w *Worker) ID() string { return w.id }

func generateWorkerID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	ip := "127.0.0.1"
	if addrs, err := net.LookupHost(hostname); err == nil {
		for _, a := range addrs {
			if parsed := net.ParseIP(a); parsed != nil && parsed.To4() != nil {
				ip = a
				break
			}
		}
	}
	id := uuid.New().String()
	parts := strings.Split(id, "-")
	tail := parts[len(parts)-1]
	return fmt.Sprintf("%s:%d:%s", ip, os.Getpid(), tail), nil
}

func openLogFile(dir, workerType, id string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	idTail := id
	if i := strings.LastIndex(id, ":"); i >= 0 {
		idTail = id[i+1:]
	}
	name := fmt.Sprintf("%s/%s_%s-%s.log", dir, workerType, idTail, time.Now().UTC().Format("2006-01-02"))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, name, nil
}

// Connect establishes the Monitor (direct + group request keys) and the
// Subscription (site broadcast channel). It must be called exactly once
// before Run.
func (w *Worker) Connect(ctx context.Context) error {
	w.monitor = monitor.New(w.redis, w.logger)
	w.monitor.AddQueue("direct:" + w.id)
	w.monitor.AddQueue(fmt.Sprintf("group:%s:%s", w.cfg.Site, w.cfg.WorkerType))
	w.monitor.Start(ctx)

	sub, err := subscription.New(ctx, w.redis, w.logger, fmt.Sprintf("rpc:worker:%s", w.cfg.Site))
	if err != nil {
		return fmt.Errorf("worker: subscribe broadcast: %w", err)
	}
	w.sub = sub
	return nil
}

// Run executes the startup hook, then the tick loop, until active
// becomes false (via the stop command), ctx is cancelled (treated as a
// graceful stop), or the Monitor goes inactive from an unrecoverable
// transport failure. A panic escaping a hook triggers orderly shutdown
// before re-raising.
func (w *Worker) Run(ctx context.Context) (err error) {
	w.active.Store(true)
	w.startedAt = time.Now()
	w.lastTick = w.startedAt
	w.lastMaintenance = w.startedAt

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker execution failed", "panic", r, "stack", string(debug.Stack()))
			w.teardown(context.WithoutCancel(ctx))
			panic(r)
		}
	}()

	if err := w.presence.Update(ctx, w.infoDict()); err != nil {
		w.logger.Error("failed to register worker info key", "error", err)
	}

	if w.caps.OnStartup != nil {
		if err := w.caps.OnStartup(ctx); err != nil {
			w.logger.Error("worker_startup failed", "error", err)
			w.teardown(context.WithoutCancel(ctx))
			return err
		}
	}
	w.logger.Info("worker_startup complete")

	for w.active.Load() && w.monitor.Active() {
		if ctx.Err() != nil {
			w.logger.Info("context cancelled, treating as graceful stop")
			break
		}

		now := time.Now()
		elapsed := now.Sub(w.lastTick)
		w.lastTick = now

		w.readDirectMessages(ctx)
		w.readBroadcastMessages(ctx)

		if w.caps.OnTick != nil {
			if err := w.caps.OnTick(ctx, elapsed); err != nil {
				w.logger.Error("worker_tick failed", "error", err)
			}
		}
		w.tickHistogram.Record(ctx, time.Since(now).Seconds())
		w.tickCount++

		if remaining := w.cfg.Interval - elapsed; remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
			}
		}

		if time.Since(w.lastMaintenance) > w.cfg.MaintenanceInterval {
			w.runMaintenance(ctx)
			w.lastMaintenance = time.Now()
		}
	}

	w.logger.Info("worker_shutdown")
	w.teardown(context.WithoutCancel(ctx))
	return nil
}

func (w *Worker) teardown(ctx context.Context) {
	w.shutdownOnce.Do(func() {
		if w.monitor != nil {
			w.monitor.Stop()
		}
		if w.sub != nil {
			if err := w.sub.Close(); err != nil {
				w.logger.Error("failed to close broadcast subscription", "error", err)
			}
		}
		if err := w.presence.Remove(ctx); err != nil {
			w.logger.Error("failed to remove worker info key", "error", err)
		}
		if w.caps.OnShutdown != nil {
			if err := w.caps.OnShutdown(ctx); err != nil {
				w.logger.Error("worker_shutdown hook failed", "error", err)
			}
		}
	})
}

func (w *Worker) readDirectMessages(ctx context.Context) {
	for {
		env := w.monitor.Pop()
		if env == nil {
			return
		}
		w.processMessage(ctx, env)
	}
}

func (w *Worker) readBroadcastMessages(ctx context.Context) {
	for {
		env, err := w.sub.GetMessage(ctx)
		if err != nil || env == nil {
			return
		}
		w.processMessage(ctx, env)
	}
}

func (w *Worker) runMaintenance(ctx context.Context) {
	if err := w.logHandler.RefreshTTL(ctx); err != nil {
		w.logger.Error("failed to refresh log ttl", "error", err)
	}
	if err := w.presence.Update(ctx, w.infoDict()); err != nil {
		w.logger.Error("failed to update worker info key", "error", err)
	}
	if w.tickCount > 0 {
		rate := float64(w.tickCount) / time.Since(w.lastMaintenance).Seconds()
		w.logger.Debug("tick rate", "rate", rate)
	}
	w.tickCount = 0
}

// infoDict is the presence payload: identity, uptime, cwd, username,
// interval, spawner, worker path, and known log files, extended with
// the registry's command names for the info command.
func (w *Worker) infoDict() map[string]any {
	cwd, _ := os.Getwd()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	w.mu.Lock()
	spawner := w.spawner
	w.mu.Unlock()

	return map[string]any{
		"site":     w.cfg.Site,
		"id":       w.id,
		"worker":   w.cfg.WorkerType,
		"uptime":   time.Since(w.startedAt).Seconds(),
		"path":     w.cfg.WorkerPath,
		"spawner":  spawner,
		"cwd":      cwd,
		"username": username,
		"interval": w.cfg.Interval.Seconds(),
		"logs":     w.logFiles,
		"commands": w.reg.Names(),
	}
}

// processMessage dispatches env to its command handler. An unknown
// command or a handler error (return or panic) yields a failure reply; a
// handler that completes without replying gets an auto-success reply.
// Both failure cases are logged.
func (w *Worker) processMessage(ctx context.Context, env *envelope.Envelope) {
	ctx, span := w.tracer.Start(ctx, "worker.process_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("bus.command", env.Command),
		attribute.String("bus.correlation", env.Correlation),
	)

	cc := command.New(w.client, w.id, env.Correlation, env.Data)
	w.logger.Debug("dispatching command", "command", env.Command)

	handler, ok := w.reg.Lookup(env.Command)
	if !ok {
		msg := fmt.Sprintf("Unknown command function 'cmd_%s' for worker '%s'", env.Command, w.cfg.WorkerType)
		w.logger.Error(msg)
		span.SetStatus(codes.Error, msg)
		if !cc.DidReply() {
			if err := cc.ReplyFailure(ctx, msg); err != nil {
				w.logger.Error("failed to send failure reply", "error", err)
			}
		}
		return
	}

	w.commandCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", env.Command)))

	err := w.invoke(ctx, handler, cc)
	if err != nil {
		msg := fmt.Sprintf("an exception occurred while executing command function 'cmd_%s' for worker '%s' - %v",
			env.Command, w.cfg.WorkerType, err)
		w.logger.Error(msg)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		if !cc.DidReply() {
			if rerr := cc.ReplyFailure(ctx, msg); rerr != nil {
				w.logger.Error("failed to send failure reply", "error", rerr)
			}
		}
		return
	}

	if !cc.DidReply() {
		if err := cc.ReplySuccess(ctx, "", nil); err != nil {
			w.logger.Error("failed to send auto-success reply", "error", err)
		}
	}
}

// invoke runs handler, converting a panic into an error so one
// misbehaving command can't take down the worker loop.
func (w *Worker) invoke(ctx context.Context, handler registry.Handler, cc *command.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, cc)
}

func (w *Worker) registerBuiltins() {
	w.reg.Register("info", w.cmdInfo)
	w.reg.Register("stop", w.cmdStop)
	w.reg.Register("ping", w.cmdPing)
	w.reg.Register("download", w.cmdDownload)
	w.reg.Register("download_dir", w.cmdDownloadDir)
	w.reg.Register("update_spawner", w.cmdUpdateSpawner)
}

func (w *Worker) cmdInfo(ctx context.Context, cc *command.Context) error {
	info := w.infoDict()
	info["success"] = true
	return cc.Reply(ctx, info)
}

func (w *Worker) cmdStop(ctx context.Context, cc *command.Context) error {
	if err := cc.ReplySuccess(ctx, "", nil); err != nil {
		return err
	}
	w.active.Store(false)
	return nil
}

func (w *Worker) cmdPing(ctx context.Context, cc *command.Context) error {
	var data json.RawMessage
	if err := cc.DataAs(&data); err != nil {
		return err
	}
	return cc.Reply(ctx, data)
}

func (w *Worker) cmdDownload(ctx context.Context, cc *command.Context) error {
	if !w.cfg.AllowDownloads {
		return cc.ReplyFailure(ctx, "Downloads disabled for this worker")
	}
	var rel string
	if err := cc.DataAs(&rel); err != nil {
		return err
	}
	full := joinWorkerPath(w.cfg.WorkerPath, rel)
	w.logger.Info("beginning download", "path", full)
	stream, err := download.NewChunkStream(full, download.DefaultChunkSize)
	if err != nil {
		return cc.ReplyFailure(ctx, err.Error())
	}
	return cc.ReplyStream(ctx, stream)
}

func (w *Worker) cmdDownloadDir(ctx context.Context, cc *command.Context) error {
	if !w.cfg.AllowDownloads {
		return cc.ReplyFailure(ctx, "Downloads disabled for this worker")
	}
	var rel string
	if err := cc.DataAs(&rel); err != nil {
		return err
	}
	full := joinWorkerPath(w.cfg.WorkerPath, rel)
	w.logger.Info("beginning directory compressed download", "path", full)
	stream, err := download.NewDirChunkStream(full, download.DefaultChunkSize, w.logger)
	if err != nil {
		return cc.ReplyFailure(ctx, err.Error())
	}
	return cc.ReplyStream(ctx, stream)
}

func (w *Worker) cmdUpdateSpawner(ctx context.Context, cc *command.Context) error {
	var spawner string
	if err := cc.DataAs(&spawner); err != nil {
		return err
	}
	w.mu.Lock()
	w.spawner = spawner
	w.mu.Unlock()
	if err := w.presence.Update(ctx, w.infoDict()); err != nil {
		return err
	}
	return cc.ReplySuccess(ctx, "", nil)
}

func joinWorkerPath(base, rel string) string {
	if base == "" {
		return rel
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}
