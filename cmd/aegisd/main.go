package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Aegis-Assist/internal/api"
	"Aegis-Assist/internal/auth"
	"Aegis-Assist/internal/config"
	"Aegis-Assist/internal/executor"
	"Aegis-Assist/internal/observability/metrics"
	"Aegis-Assist/internal/operation"
	"Aegis-Assist/internal/resolver"
	"Aegis-Assist/internal/storage/mysql"
	"Aegis-Assist/internal/tools"
	"Aegis-Assist/pkg/backend"
	"Aegis-Assist/pkg/logger"
)

// main 是 Aegis 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("aegisd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AEGIS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "aegis.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit:       channelConfig(cfg.Logging.Audit),
		Security:    channelConfig(cfg.Logging.Security),
	}); err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 操作状态存储。
	var opStore operation.Store
	switch cfg.Storage.OperationStore.Driver {
	case "memory", "":
		opStore = operation.NewMemoryStore()
	case "mysql":
		store, err := operation.NewMySQLStore(cfg.Storage.OperationStore.DSN)
		if err != nil {
			return err
		}
		opStore = store
	default:
		return fmt.Errorf("未知的操作存储驱动: %s", cfg.Storage.OperationStore.Driver)
	}
	defer func() {
		if closer, ok := opStore.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	// 操作队列。
	opQueue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := opQueue.Close(); err != nil {
			logger.L().Warn("关闭操作队列失败", "error", err)
		}
	}()

	// 鉴权服务。账号存储跟随操作存储的驱动。
	authSvc, authCloser, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
	}
	if authCloser != nil {
		defer authCloser()
	}
	if authSvc != nil && authSvc.Mode() == auth.ModeToken {
		go authSvc.StartSessionSweeper(ctx, cfg.Auth.SweepInterval.Std())
	}

	// 执行后端目录。
	manager, err := buildBackends(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.StopAll(stopCtx); err != nil {
			logger.L().Warn("停止执行后端失败", "error", err)
		}
	}()

	exec := executor.New(
		executor.Config{Retry: executor.RetryPolicy{
			MaxAttempts: cfg.Executor.MaxAttempts,
			Delay:       cfg.Executor.RetryDelay.Std(),
		}},
		resolveFile(manager),
		resolveBrowser(manager),
		resolveProcess(manager),
		resolveSettings(manager),
	)
	defer exec.Shutdown()

	opService := operation.NewService(opStore, opQueue, cfg.Resolver.MaxRetries)
	processorOpts := []operation.ProcessorOption{
		operation.WithWorkerCount(cfg.Server.Workers),
	}
	if authSvc != nil {
		processorOpts = append(processorOpts, operation.WithAuthorizer(authSvc))
	}
	processor := operation.NewProcessor(exec, opStore, opQueue, opQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("操作处理器异常退出", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	res := resolver.New(resolver.Config{
		ConfidenceHigh:      cfg.Resolver.ConfidenceHigh,
		ConfidenceMedium:    cfg.Resolver.ConfidenceMedium,
		ConfidenceAmbiguous: cfg.Resolver.ConfidenceAmbiguous,
		MaxRetries:          cfg.Resolver.MaxRetries,
	})
	if cfg.Resolver.LexiconPath != "" {
		lexicon, err := resolver.LoadStaticLexicon(cfg.Resolver.LexiconPath)
		if err != nil {
			return err
		}
		res.SetLexicon(lexicon)
		logger.L().Info("同义词词典已加载", "path", cfg.Resolver.LexiconPath)
	}

	server := api.NewServer(cfg.Server.Address, authSvc, res, opService, exec)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func channelConfig(c config.ChannelConfig) logger.AuditConfig {
	return logger.AuditConfig{
		Enabled:    c.Enabled,
		Path:       c.Path,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}

func buildQueue(cfg *config.Config) (operation.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return operation.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return operation.NewRedisQueue(operation.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return operation.NewRabbitMQQueue(operation.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func buildAuth(ctx context.Context, cfg *config.Config) (*auth.Service, func(), error) {
	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		capabilities := make([]auth.Capability, 0, len(seed.Capabilities))
		for _, c := range seed.Capabilities {
			capabilities = append(capabilities, auth.Capability(c))
		}
		seeds = append(seeds, auth.Seed{
			Username:     seed.Username,
			Password:     seed.Password,
			Roles:        seed.Roles,
			Capabilities: capabilities,
			Disabled:     seed.Disabled,
		})
	}

	var (
		store  auth.Store
		closer func()
	)
	if cfg.Storage.OperationStore.Driver == "mysql" {
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{DSN: cfg.Storage.OperationStore.DSN})
		if err != nil {
			return nil, nil, err
		}
		store = sqlStore
		closer = func() { _ = sqlStore.Close() }
	} else {
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, nil, err
		}
		store = memStore
	}

	svc, err := auth.NewService(ctx, auth.Config{
		Mode:       auth.Mode(cfg.Auth.Mode),
		Secret:     cfg.Auth.Secret,
		SessionTTL: cfg.Auth.SessionTTL.Std(),
		Seeds:      seeds,
	}, store)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, nil, err
	}
	return svc, closer, nil
}

// buildBackends 根据目录文件(或默认目录)启动执行后端。
func buildBackends(ctx context.Context, cfg *config.Config, dataDir string) (*backend.Manager, error) {
	catalog := defaultCatalog(dataDir)
	if cfg.Backends.CatalogPath != "" {
		loaded, err := backend.LoadCatalogConfig(cfg.Backends.CatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}

	manager, err := backend.NewManager(catalog,
		backend.WithFactory(backend.KindFile, tools.NewFileFactory()),
		backend.WithFactory(backend.KindBrowser, tools.NewBrowserFactory()),
		backend.WithFactory(backend.KindProcess, tools.NewProcessFactory()),
		backend.WithFactory(backend.KindSettings, tools.NewSettingsFactory()),
	)
	if err != nil {
		return nil, err
	}
	if err := manager.StartAll(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

// defaultCatalog 在未提供目录文件时启用文件、进程与设置后端。
// 浏览器后端依赖远端服务地址,必须通过目录文件显式开启。
func defaultCatalog(dataDir string) backend.CatalogConfig {
	return backend.CatalogConfig{
		Defaults: backend.IsolationPolicy{
			AllowedCapabilities: []backend.Capability{
				backend.CapabilityFilesystem,
				backend.CapabilityExecution,
				backend.CapabilitySettings,
			},
		},
		Backends: map[string]backend.BackendConfig{
			"file": {
				Enabled: true,
				Kind:    backend.KindFile,
				Config:  map[string]any{"root": filepath.Join(dataDir, "files")},
			},
			"process": {
				Enabled: true,
				Kind:    backend.KindProcess,
				Config:  map[string]any{},
			},
			"settings": {
				Enabled: true,
				Kind:    backend.KindSettings,
				Config:  map[string]any{"path": filepath.Join(dataDir, "settings.json")},
			},
		},
	}
}

func resolveFile(m *backend.Manager) executor.FileBackend {
	if b, err := m.Resolve("file"); err == nil {
		if adapter, ok := b.(*tools.FileAdapter); ok && adapter.Tool() != nil {
			return adapter.Tool()
		}
	}
	return nil
}

func resolveBrowser(m *backend.Manager) executor.BrowserBackend {
	if b, err := m.Resolve("browser"); err == nil {
		if adapter, ok := b.(*tools.BrowserAdapter); ok && adapter.Tool() != nil {
			return adapter.Tool()
		}
	}
	return nil
}

func resolveProcess(m *backend.Manager) executor.ProcessBackend {
	if b, err := m.Resolve("process"); err == nil {
		if adapter, ok := b.(*tools.ProcessAdapter); ok && adapter.Tool() != nil {
			return adapter.Tool()
		}
	}
	return nil
}

func resolveSettings(m *backend.Manager) executor.SettingsBackend {
	if b, err := m.Resolve("settings"); err == nil {
		if adapter, ok := b.(*tools.SettingsAdapter); ok && adapter.Tool() != nil {
			return adapter.Tool()
		}
	}
	return nil
}
