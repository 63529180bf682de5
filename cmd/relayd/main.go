// Command relayd is the process bootstrap: parses the CLI surface, writes
// the pid file, wires the Bridge/Scheduler/Hub triple plus every device
// factory, and runs until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/duskline/evrelay/config"
	devcache "github.com/duskline/evrelay/device/cache"
	devhttp "github.com/duskline/evrelay/device/httpdev"
	devsql "github.com/duskline/evrelay/device/sql"
	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/bridge"
	"github.com/duskline/evrelay/ev/hub"
	"github.com/duskline/evrelay/ev/pool"
	"github.com/duskline/evrelay/ev/scheduler"
	"github.com/duskline/evrelay/httpwrap"
	"github.com/duskline/evrelay/jsonsql"
	"github.com/duskline/evrelay/logging"
	"github.com/duskline/evrelay/store/postgres"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "", "config file path (required)")
		instance   = flag.Int("i", -1, "instance index (required)")
		cluster    = flag.Int("k", 0, "cluster index")
		showHelp   = flag.Bool("h", false, "show help")
		showVer    = flag.Bool("v", false, "show version")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return 0
	}
	if *showVer {
		fmt.Printf("relayd %s\n", version)
		return 0
	}
	if *configPath == "" || *instance < 0 {
		fmt.Fprintln(os.Stderr, "relayd: -c and -i are required")
		flag.Usage()
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: config: %v\n", err)
		return 1
	}

	runDir := env("EVRELAY_RUN_DIR", "/var/run/evrelay")
	instanceTag := strconv.Itoa(*instance)
	logTag := fmt.Sprintf("%d/%d", *cluster, *instance)

	if err := writePidFile(runDir, instanceTag); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: pid file: %v\n", err)
		return 1
	}

	logger, err := logging.New(env("EVRELAY_LOG_PATH", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: logger: %v\n", err)
		return 1
	}

	return bootstrap(cfg, runDir, logTag, logger)
}

func bootstrap(cfg config.Config, runDir, instanceTag string, logger ev.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br, err := bridge.New(func(err error) {
		logger.Errorf(ev.LoggableData{Module: "relayd", Instance: instanceTag}, "fatal: %v", err)
		cancel()
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: bridge: %v\n", err)
		return 1
	}

	sched, err := scheduler.New(socketPath(runDir), br, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: scheduler: %v\n", err)
		return 1
	}
	defer sched.Close()

	// hubBox lets the combined device factory reach Hub.Post before the Hub
	// itself exists — the cache device's pub/sub receive loop needs a way
	// to marshal its background-goroutine completions back onto the hub
	// goroutine, and the factory has to be built before hub.New returns one.
	hubBox := &posterBox{}

	factory := combinedFactory(cfg, hubBox.Post, uuid.New().String())

	limits := map[ev.Target]pool.Limits{
		ev.KVCache: {MaxConnPerWorker: cfg.Redis.MaxConnPerWorker, MinQueriesPerConn: -1, MaxQueriesPerConn: -1},
		ev.SQL: {
			MaxConnPerWorker:  cfg.Postgres.MaxConnPerWorker,
			MinQueriesPerConn: cfg.Postgres.MinQueriesPerConn,
			MaxQueriesPerConn: cfg.Postgres.MaxQueriesPerConn,
		},
		ev.HTTP: {MaxConnPerWorker: 8, MinQueriesPerConn: -1, MaxQueriesPerConn: -1},
	}

	h, err := hub.New(socketPath(runDir), br, logger, factory, limits, sched.Callbacks())
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: hub: %v\n", err)
		return 1
	}
	hubBox.h = h

	// The subscriptions manager is a process-wide singleton — pushed
	// onto the scheduler immediately so it already holds an invoke-id when a
	// caller first asks to subscribe; its KeepAlive request is built on that
	// first command.
	_ = scheduler.NewManager(sched, env("EVRELAY_SENTINEL_PATH", ""), logger, cancel)

	// The document store backs ambient state (the job relay's routing
	// document); the relay runs without it if Postgres is unreachable.
	var docs *jsonsql.Store
	if cfg.Postgres.ConnStr != "" {
		db, err := postgres.Open(ctx, cfg.Postgres.ConnStr)
		if err != nil {
			logger.Errorf(ev.LoggableData{Module: "relayd"}, "document store unavailable: %v", err)
		} else {
			defer db.Close()
			docs = jsonsql.New(db)
		}
	}

	alertURL := env("EVRELAY_ALERT_URL", "")
	var alerts *httpwrap.Client
	if alertURL != "" {
		alerts = httpwrap.New(sched)
	}

	startJobConsumer(ctx, cfg.Beanstalkd, sched, docs, alerts, alertURL, logger)

	var ttin, recycle atomic.Bool
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTTIN, syscall.SIGQUIT, syscall.SIGTERM)

	shutdownCode := make(chan int, 1)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				recycle.Store(true)
			case syscall.SIGTTIN:
				ttin.Store(true)
			case syscall.SIGQUIT, syscall.SIGTERM:
				shutdownCode <- int(syscall.SIGQUIT)
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				if recycle.CompareAndSwap(true, false) {
					if l, ok := logger.(*logging.Logger); ok {
						if err := l.Recycle(); err != nil {
							logger.Errorf(ev.LoggableData{Module: "relayd"}, "recycle log: %v", err)
						}
					}
				}
				if ttin.CompareAndSwap(true, false) {
					h.MarkSQLInvalidateOnReturn()
				}
			}
		}
	}()

	go h.Run(ctx)

	go func() {
		code := <-shutdownCode
		logger.Infof(ev.LoggableData{Module: "relayd"}, "shutting down")
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = br.Shutdown(shutCtx)
		os.Exit(code)
	}()

	if err := br.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: bridge run: %v\n", err)
		return 1
	}
	return 0
}

// posterBox forwards Post to a *hub.Hub constructed after the device
// factories that need it.
type posterBox struct {
	h *hub.Hub
}

func (p *posterBox) Post(fn func()) {
	p.h.Post(fn)
}

// combinedFactory dispatches to the per-backend device constructors by
// target, matching pool.DeviceFactory's single-entry-point shape.
func combinedFactory(cfg config.Config, post func(func()), instance string) pool.DeviceFactory {
	redisOpts := &redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		DB:   cfg.Redis.Database,
	}
	cacheFactory := devcache.NewFactory(redisOpts, post)

	pgDSN := cfg.Postgres.ConnStr
	sqlFactory := devsql.NewFactory(pgDSN, cfg.Postgres.PostConnectQueries)

	httpFactory := devhttp.NewFactory("", map[string]string{"X-Evrelay-Instance": instance}, 30*time.Second)

	return func(target ev.Target, maxReuse int64) ev.Device {
		switch target {
		case ev.KVCache:
			return cacheFactory(target, maxReuse)
		case ev.SQL:
			return sqlFactory(target, maxReuse)
		case ev.HTTP:
			return httpFactory(target, maxReuse)
		default:
			panic(fmt.Sprintf("relayd: no device factory for target %v", target))
		}
	}
}

func socketPath(runDir string) string {
	return filepath.Join(runDir, fmt.Sprintf("ev-scheduler-%d.socket", os.Getpid()))
}

func writePidFile(runDir, instanceTag string) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(runDir, instanceTag+".pid")
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
