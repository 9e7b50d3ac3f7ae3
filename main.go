package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swgate/internal/cache"
	"github.com/any-hub/swgate/internal/config"
	"github.com/any-hub/swgate/internal/connectivity"
	"github.com/any-hub/swgate/internal/gateway"
	"github.com/any-hub/swgate/internal/logging"
	"github.com/any-hub/swgate/internal/metrics"
	"github.com/any-hub/swgate/internal/proxy"
	"github.com/any-hub/swgate/internal/server"
	"github.com/any-hub/swgate/internal/server/routes"
	"github.com/any-hub/swgate/internal/version"
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
		fields := summaryFields("check_config", opts.configPath, cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, cleanup, err := bootstrap(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网关失败: %v\n", err)
		return 1
	}
	defer cleanup()

	fields := summaryFields("startup", opts.configPath, cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")
	if err := app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort)); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// bootstrap 遵循“缓存后端 → 上游 client → 探测 → 网关 → 安装/激活 → Fiber”的顺序，
// 返回的 cleanup 负责停止探测并等待遗留的缓存写入。
func bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*fiber.App, func(), error) {
	store, err := cache.Open(ctx, cfg.Global)
	if err != nil {
		return nil, nil, fmt.Errorf("打开缓存后端 %s: %w", cfg.Global.StoreSummary(), err)
	}

	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, nil, fmt.Errorf("解析 Origin: %w", err)
	}
	scope, err := cfg.Global.ScopeURL()
	if err != nil {
		return nil, nil, fmt.Errorf("解析 Scope: %w", err)
	}

	client := server.NewUpstreamClient(cfg)
	recorder := metrics.NewRecorder("swgate")

	probe, err := connectivity.NewProbe(connectivity.ProbeOptions{
		Target:   scope.String(),
		Schedule: cfg.Global.ProbeSchedule,
		Timeout:  cfg.Global.ProbeTimeout.DurationValue(),
		Client:   client,
		Logger:   logger,
		OnChange: recorder.SetOnline,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("构建连通性探测: %w", err)
	}

	worker, err := gateway.NewWorker(gateway.Options{
		Config:  cfg,
		Store:   store,
		Fetcher: server.NewFetcher(cfg, client),
		Status:  probe,
		Metrics: recorder,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := worker.Register(cfg.FileManifest); err != nil {
		return nil, nil, fmt.Errorf("注册主清单: %w", err)
	}
	if err := worker.RegisterAdditional(cfg.Manifest); err != nil {
		return nil, nil, fmt.Errorf("注册附加清单: %w", err)
	}
	installAndActivate(ctx, worker, logger)

	handler := proxy.NewHandler(worker, client, origin, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, worker, recorder, logger)

	probe.Start()
	cleanup := func() {
		if err := probe.Stop(ctx); err != nil {
			logger.WithError(err).Warn("probe_stop_failed")
		}
		if err := worker.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("background_drain_failed")
		}
	}
	return app, cleanup, nil
}

// installAndActivate 安装失败时保留上一次激活的缓存继续服务，不执行 activate。
func installAndActivate(ctx context.Context, worker *gateway.Worker, logger *logrus.Logger) {
	installed, err := worker.OnInstall(ctx)
	if err != nil {
		logger.WithFields(logrus.Fields{"action": "lifecycle", "phase": "install"}).
			WithError(err).Error("precache_install_failed")
		return
	}
	logger.WithFields(logrus.Fields{
		"action":      "lifecycle",
		"phase":       "install",
		"updated":     len(installed.UpdatedURLs),
		"not_updated": len(installed.NotUpdatedURLs),
	}).Info("precache_installed")

	cleanup, err := worker.OnActivate(ctx)
	if err != nil {
		logger.WithFields(logrus.Fields{"action": "lifecycle", "phase": "activate"}).
			WithError(err).Error("precache_activate_failed")
		return
	}
	logger.WithFields(logrus.Fields{
		"action":  "lifecycle",
		"phase":   "activate",
		"deleted": len(cleanup.DeletedCacheKeys),
	}).Info("precache_activated")
}

func summaryFields(action, configPath string, cfg *config.Config) logrus.Fields {
	fields := logging.BaseFields(action, configPath)
	fields["origin"] = cfg.Global.Origin
	fields["scope"] = cfg.Global.Scope
	fields["manifest"] = len(cfg.FileManifest) + len(cfg.Manifest)
	fields["rules"] = len(cfg.Rules)
	fields["store"] = cfg.Global.StoreSummary()
	return fields
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWGATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SWGATE_CONFIG")
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
