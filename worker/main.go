// CAASS provision worker - consumes tenant created events and provisions a
// dedicated PostgreSQL container per tenant
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/kardianos/service"

	"github.com/wfahnestock/caass-server/common/broker"
	"github.com/wfahnestock/caass-server/common/config"
	"github.com/wfahnestock/caass-server/common/logger"
	"github.com/wfahnestock/caass-server/common/util"
	"github.com/wfahnestock/caass-server/worker/consumer"
	"github.com/wfahnestock/caass-server/worker/metrics"
	"github.com/wfahnestock/caass-server/worker/provision"
	"github.com/wfahnestock/caass-server/worker/runtime"
	"github.com/wfahnestock/caass-server/worker/storage"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	BuildType = "dev"
)

var workerLogger *logger.Logger

func main() {
	configFlag := flag.String("config", "", "Configuration file path; takes precedence over "+configPathEnv+", which takes precedence over the standard search paths")
	logLevel := flag.String("log-level", "", "Log level override (error, warn, info, debug, trace)")
	generateConfig := flag.Bool("generate-config", false, "Write a default config file to --config and exit")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [install|uninstall|start|stop|run]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("CAASS Provision Worker %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Build Type: %s\n", BuildType)
		fmt.Printf("Go Version: %s\n", goruntime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
		return
	}

	if *generateConfig {
		if *configFlag == "" {
			fmt.Fprintln(os.Stderr, "--generate-config requires --config")
			os.Exit(2)
		}
		if err := WriteDefaultConfig(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default configuration at %s\n", *configFlag)
		return
	}

	if *logLevel != "" {
		os.Setenv(envPrefix+"_LOG_LEVEL", *logLevel)
	}

	if cmd := flag.Arg(0); cmd != "" {
		if err := handleServiceCommand(cmd, *configFlag); err != nil {
			util.ShowError(err.Error())
			os.Exit(1)
		}
		return
	}

	// Started by the service manager without the explicit "run" argument.
	if !service.Interactive() {
		if err := handleServiceCommand("run", *configFlag); err != nil {
			os.Exit(1)
		}
		return
	}

	log.Printf("CAASS Provision Worker %s", Version)
	log.Printf("Build: %s, Commit: %s, Type: %s", BuildTime, GitCommit, BuildType)
	log.Printf("Go: %s, OS: %s, Arch: %s", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runWorker(ctx, *configFlag, false); err != nil {
		stop()
		logFatal("Worker stopped with error", "error", err)
	}
}

// runWorker wires the broker, runtime pool, provisioning pipeline and
// consumer, and blocks until ctx is cancelled or the broker goes away.
func runWorker(ctx context.Context, configFlag string, isService bool) error {
	configPath := resolveConfigPath(configFlag)
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		if logDir, err = config.GetLogDirectory(serviceComponent, isService); err != nil {
			return err
		}
	}
	workerLogger = newWorkerLogger(cfg.Logging, logDir)
	defer func() {
		_ = workerLogger.Close()
		workerLogger = nil
	}()
	storage.SetLogger(workerLogger)

	workerLogger.Info("Provision worker starting",
		"version", Version,
		"git_commit", GitCommit,
		"config", configPath,
		"log_file", workerLogger.FilePath(),
		"queue", cfg.Worker.Queue,
		"runtime_endpoint", cfg.Runtime.Endpoint,
		"pool_size", cfg.Runtime.PoolSize,
		"max_concurrency", cfg.Worker.MaxConcurrency)

	var closers closeStack
	defer closers.closeAll()

	conn, err := broker.Dial(&cfg.RabbitMQ, workerLogger)
	if err != nil {
		return err
	}
	closers.push("broker connection", conn.Close)

	sub, err := conn.Subscribe(cfg.Worker.Queue, cfg.Worker.Prefetch)
	if err != nil {
		return err
	}
	closers.push("consumer channel", sub.Close)

	pool := runtime.NewPool(cfg.Runtime.PoolSize, runtime.NewDockerFactory(cfg.Runtime.Endpoint), workerLogger)
	if err := pool.Warm(); err != nil {
		logWarn("Runtime client pool warm-up incomplete", "error", err)
	}
	closers.push("runtime clients", pool.Close)

	prov := provision.NewProvisioner(workerLogger)
	prov.Image = cfg.Runtime.Image
	prov.PortPolicy = cfg.Retry.Port

	applier := storage.NewApplier(storage.NewPostgresMigrator())
	applier.Host = cfg.Worker.DatabaseHost
	applier.Policy = cfg.Retry.Migration

	pipeline := &provision.Pipeline{
		Pool:        pool,
		Provisioner: prov,
		Applier:     applier,
		Logger:      workerLogger,
	}

	collector := metrics.NewCollector(pool.Idle)
	c := consumer.New(sub, pipeline, consumer.Config{
		MaxConcurrency:   cfg.Worker.MaxConcurrency,
		DiscardMalformed: cfg.Worker.DiscardMalformed,
	}, workerLogger, collector)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	tasks := []func(context.Context) error{
		func(ctx context.Context) error { return rotateOnSignal(ctx, hup, workerLogger) },
	}
	if cfg.Metrics.Listen != "" {
		reg, err := metrics.NewRegistry(collector)
		if err != nil {
			return err
		}
		workerLogger.Info("Serving metrics", "listen", cfg.Metrics.Listen)
		tasks = append(tasks, func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.Metrics.Listen, reg)
		})
	}

	logInfo("Provision worker ready", "queue", cfg.Worker.Queue)
	err = serve(ctx, c, sub, tasks...)
	logInfo("Provision worker stopped")
	return err
}
