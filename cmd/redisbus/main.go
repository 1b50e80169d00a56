// Command redisbus is the front end for the message bus: it either
// performs one RPC against running workers and pretty-prints the
// replies (--call), or starts a named worker registered in this binary
// (--worker alone). Dynamic script loading is deliberately absent;
// worker implementations are compiled in and selected by name.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrepp/redisbus/command"
	"github.com/jrepp/redisbus/config"
	"github.com/jrepp/redisbus/envelope"
	"github.com/jrepp/redisbus/queue"
	"github.com/jrepp/redisbus/registry"
	"github.com/jrepp/redisbus/rpcclient"
	"github.com/jrepp/redisbus/telemetry"
	"github.com/jrepp/redisbus/worker"
)

// workerTypes maps a worker name to the capabilities it runs with. New
// worker implementations register here at compile time.
var workerTypes = map[string]worker.Capabilities{
	"echo": {
		Commands: map[string]registry.Handler{
			"echo": func(ctx context.Context, cc *command.Context) error {
				var data json.RawMessage
				if err := cc.DataAs(&data); err != nil {
					return err
				}
				return cc.Reply(ctx, data)
			},
		},
	},
}

func main() {
	var (
		call       = flag.String("call", "", "command to invoke on workers")
		data       = flag.String("data", "", "string payload for --call")
		jsonData   = flag.String("jsondata", "", "JSON payload for --call")
		workerType = flag.String("worker", "", "worker type: group target for --call, or the worker to start")
		workerID   = flag.String("worker-id", "", "direct target worker id for --call")
		multicast  = flag.String("multicast", "", "presence pattern for a multicast --call")
		site       = flag.String("site", "", "site namespace (default from config)")
		wait       = flag.Float64("wait", 1.0, "seconds to wait for replies")
		hostname   = flag.String("hostname", "", "redis hostname (default from config)")
		port       = flag.Int("port", 0, "redis port (default from config)")
		db         = flag.Int("db", -1, "redis db (default from config)")
		configPath = flag.String("config", "redisbus.yaml", "path to the config file")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
		trace      = flag.Bool("trace", false, "emit spans to stdout")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *hostname == "" {
		*hostname = cfg.GetString("redis_hostname", "localhost")
	}
	if *port == 0 {
		*port = cfg.GetInt("redis_port", 6379)
	}
	if *db < 0 {
		*db = cfg.GetInt("redis_db", 0)
	}
	if *site == "" {
		*site = cfg.GetString("site", "local")
	}

	rc := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", *hostname, *port),
		DB:   *db,
	})
	defer rc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := worker.Deps{Redis: rc, Logger: logger}
	if *trace {
		tp, err := telemetry.NewStdoutTracerProvider("redisbus", os.Stdout)
		if err != nil {
			logger.Error("failed to build tracer provider", "error", err)
			os.Exit(1)
		}
		defer tp.Shutdown(context.Background())
		deps.Tracer = tp.Tracer("redisbus")
	}

	switch {
	case *call != "":
		if err := performCall(ctx, rc, logger, deps, callOptions{
			command:    *call,
			data:       *data,
			jsonData:   *jsonData,
			workerType: *workerType,
			workerID:   *workerID,
			multicast:  *multicast,
			site:       *site,
			wait:       time.Duration(*wait * float64(time.Second)),
		}); err != nil {
			logger.Error("call failed", "error", err)
			os.Exit(1)
		}
	case *workerType != "":
		if err := runWorker(ctx, cfg, deps, *site, *workerType); err != nil {
			logger.Error("worker failed", "error", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

type callOptions struct {
	command    string
	data       string
	jsonData   string
	workerType string
	workerID   string
	multicast  string
	site       string
	wait       time.Duration
}

func performCall(ctx context.Context, rc *redis.Client, logger *slog.Logger, deps worker.Deps, opts callOptions) error {
	client := rpcclient.New(rc, opts.site, logger, deps.Tracer)

	var payload any
	switch {
	case opts.jsonData != "":
		if !json.Valid([]byte(opts.jsonData)) {
			return fmt.Errorf("--jsondata is not valid JSON")
		}
		payload = json.RawMessage(opts.jsonData)
	case opts.data != "":
		payload = opts.data
	}

	var (
		q         *queue.Queue
		waitCount *int
		err       error
	)
	switch {
	case opts.workerID != "":
		var n int
		q, n, err = client.CallDirect(ctx, "", opts.workerID, opts.command, payload)
		waitCount = &n
	case opts.multicast != "":
		var n int
		q, n, err = client.Multicast(ctx, "", opts.multicast, opts.command, payload)
		waitCount = &n
	case opts.workerType != "":
		var n int
		q, n, err = client.CallGroup(ctx, "", opts.workerType, opts.command, payload)
		waitCount = &n
	default:
		q, waitCount, err = client.Broadcast(ctx, "", opts.command, payload)
	}
	if err != nil {
		return err
	}

	_, err = client.PerformRPC(ctx, q, waitCount, opts.wait, func(e *envelope.Envelope) {
		printReply(e)
	})
	return err
}

func printReply(e *envelope.Envelope) {
	var data any
	if err := e.DataAs(&data); err != nil {
		fmt.Printf("%s: <undecodable: %v>\n", e.OriginID, err)
		return
	}
	pretty, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Printf("%s: %v\n", e.OriginID, data)
		return
	}
	fmt.Printf("%s:\n%s\n", e.OriginID, pretty)
}

func runWorker(ctx context.Context, cfg config.Provider, deps worker.Deps, site, workerType string) error {
	caps, ok := workerTypes[workerType]
	if !ok {
		return fmt.Errorf("unknown worker type %q", workerType)
	}

	w, err := worker.New(worker.Config{
		Site:       site,
		WorkerType: workerType,
		WorkerPath:     cfg.GetString("worker_path", ""),
		Spawner:        cfg.GetString("spawner", ""),
		Interval:       time.Duration(cfg.GetInt("worker_interval_ms", 400)) * time.Millisecond,
		AllowDownloads: cfg.GetInt("allow_downloads", 0) != 0,
	}, deps, caps)
	if err != nil {
		return err
	}

	if err := w.Connect(ctx); err != nil {
		return err
	}
	deps.Logger.Info("worker started", "worker_id", w.ID(), "site", site, "type", workerType)
	return w.Run(ctx)
}
