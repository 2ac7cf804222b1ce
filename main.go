package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/truvista/truvista-cache/internal/cache"
	"github.com/truvista/truvista-cache/internal/classify"
	"github.com/truvista/truvista-cache/internal/config"
	"github.com/truvista/truvista-cache/internal/controller"
	"github.com/truvista/truvista-cache/internal/logging"
	"github.com/truvista/truvista-cache/internal/proxy"
	"github.com/truvista/truvista-cache/internal/server"
	"github.com/truvista/truvista-cache/internal/server/routes"
	"github.com/truvista/truvista-cache/internal/telemetry"
	"github.com/truvista/truvista-cache/internal/upstream"
	"github.com/truvista/truvista-cache/internal/version"
	"github.com/truvista/truvista-cache/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// shutdownTimeout 限制退出阶段等待监听器与后台 Trim 的时间。
const shutdownTimeout = 15 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := startupFields(cfg, opts.configPath, "check_config")
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → 观测 → 存储 → worker → Fiber/代理监听”顺序启动，
// 并在 ctx 结束后按相反顺序收尾。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	tel, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:     "truvista-cache",
		Version:         version.Version,
		MetricsExporter: cfg.Global.MetricsExporter,
		TracingExporter: cfg.Global.TracingExporter,
		Global:          true,
	})
	if err != nil {
		return fmt.Errorf("初始化观测失败: %w", err)
	}
	defer shutdownWith(logger, "telemetry", tel.Shutdown)

	storage, err := cache.NewStorage(cache.Options{
		Backend: cache.Backend(cfg.Global.StorageBackend),
		Path:    cfg.Global.StoragePath,
	})
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.WithError(err).Warn("storage_close_failed")
		}
	}()

	w, err := buildWorker(cfg, storage, logger, tel)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = w.Run(runCtx)
	}()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.Flush(flushCtx); err != nil {
			logger.WithError(err).Warn("worker_flush_failed")
		}
		cancelRun()
		<-runDone
	}()

	if err := w.Install(ctx); err != nil {
		return fmt.Errorf("worker 安装失败: %w", err)
	}
	if err := w.Activate(ctx); err != nil {
		return fmt.Errorf("worker 激活失败: %w", err)
	}

	ctrl, err := controller.New(controller.Options{
		Port:       controller.LocalPort{Worker: w},
		Storage:    storage,
		ImageStore: cfg.Cache.ImageStoreName(),
		Classifier: w.Classifier(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:        logger,
		Front:         proxy.NewHandler(w, logger),
		ControlSecret: cfg.Global.ControlSecret,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, routes.ControlOptions{
		Worker:     w,
		Controller: ctrl,
		Logger:     logger,
		Metrics:    tel.MetricsHandler,
	})

	fields := startupFields(cfg, configPath, "startup")
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("服务启动")

	errCh := make(chan error, 2)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	}()

	var forwardServer *http.Server
	if cfg.Global.ProxyEnabled() {
		forward, err := proxy.NewForward(proxy.ForwardOptions{
			Worker: w,
			Logger: logger,
			MITM:   cfg.Proxy.MITM,
			CACert: cfg.Proxy.CACert,
			CAKey:  cfg.Proxy.CAKey,
		})
		if err != nil {
			_ = app.Shutdown()
			return err
		}
		forwardServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Global.ProxyPort),
			Handler:           forward,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.WithFields(logrus.Fields{"action": "listen", "port": cfg.Global.ProxyPort}).Info("正向代理启动")
			if err := forwardServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if forwardServer != nil {
		shutdownWith(logger, "forward_proxy", forwardServer.Shutdown)
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithError(err).Warn("fiber_shutdown_failed")
	}
	return runErr
}

func buildWorker(cfg *config.Config, storage cache.Storage, logger *logrus.Logger, tel *telemetry.Telemetry) (*worker.Worker, error) {
	classifier, err := classify.New(cfg.Cache.Origin, cfg.Cache.ImageExtensions, cfg.Cache.PropertyMarkers)
	if err != nil {
		return nil, fmt.Errorf("构建 URL 分类器失败: %w", err)
	}

	var upstreamURL *url.URL
	if cfg.Cache.Upstream != "" {
		upstreamURL, err = url.Parse(cfg.Cache.Upstream)
		if err != nil {
			return nil, fmt.Errorf("解析 Upstream 失败: %w", err)
		}
	}

	return worker.New(worker.Options{
		Logger:     logger,
		Storage:    storage,
		Client:     upstream.NewClient(cfg),
		Classifier: classifier,
		Upstream:   upstreamURL,
		Names: worker.Names{
			Assets: cfg.Cache.AssetsStoreName(),
			Images: cfg.Cache.ImageStoreName(),
		},
		MaxImageEntries: cfg.Cache.MaxImageEntries,
		Precache:        cfg.Cache.Precache,
		FetchTimeout:    cfg.Cache.FetchTimeout.DurationValue(),
		MailboxSize:     cfg.Cache.MailboxSize,
		MeterProvider:   tel.MeterProvider,
		TracerProvider:  tel.TracerProvider,
	})
}

func startupFields(cfg *config.Config, configPath, action string) logrus.Fields {
	fields := logging.BaseFields(action, configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["proxy_port"] = cfg.Global.ProxyPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["origin"] = cfg.Cache.Origin
	fields["assets_store"] = cfg.Cache.AssetsStoreName()
	fields["image_store"] = cfg.Cache.ImageStoreName()
	fields["max_image_entries"] = cfg.Cache.MaxImageEntries
	fields["auth_mode"] = cfg.Global.AuthMode()
	return fields
}

func shutdownWith(logger *logrus.Logger, component string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.WithError(err).WithField("component", component).Warn("shutdown_failed")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("truvista-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TRUVISTA_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TRUVISTA_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
