package main

// @title Custody Chain API
// @version 1.0
// @description 托管链合规校验与账本投递服务
// @BasePath /
// @schemes http https

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custodychain/api"
	"custodychain/internal/cache"
	"custodychain/internal/compliance"
	"custodychain/internal/config"
	"custodychain/internal/deadletter"
	"custodychain/internal/infra"
	"custodychain/internal/infra/queue"
	"custodychain/internal/ledger"
	"custodychain/internal/logger"
	"custodychain/internal/middleware"
	"custodychain/internal/retry"
	"custodychain/internal/rules"
	"custodychain/internal/worker"
	"custodychain/internal/workflow/state"
	"custodychain/pkg/httputil"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG_PATH"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
	)

	ctx := context.Background()

	// 3. Redis：状态存储、死信队列、规则缓存、异步重放共用
	rdb, err := infra.NewRedis(ctx, &cfg.Redis, log)
	if err != nil {
		log.Fatal("初始化 Redis 失败", zap.Error(err))
	}

	// 4. 数据库：凭证记录
	db, err := infra.OpenDatabase(&cfg.Database, log)
	if err != nil {
		log.Fatal("初始化数据库失败", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := infra.AutoMigrate(db, log, &compliance.CredentialRecord{}); err != nil {
			log.Fatal("数据库迁移失败", zap.Error(err))
		}
	} else {
		log.Info("跳过自动迁移（配置已禁用）")
	}

	// 5. 组装业务组件
	app, err := buildApp(cfg, rdb, db, log)
	if err != nil {
		log.Fatal("组装服务失败", zap.Error(err))
	}

	gin.SetMode(cfg.Server.Mode)
	deps := api.Dependencies{
		Engine:      app.engine,
		Failures:    app.failures,
		Queues:      app.queueClient,
		Redis:       rdb,
		RateLimiter: app.rateLimiter,
		Logger:      log,
	}
	if app.reader != nil {
		deps.Reader = app.reader
	}
	router := api.SetupRouter(deps)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	if app.workerServer != nil {
		if err := app.workerServer.Start(); err != nil {
			log.Fatal("Worker 服务器启动失败", zap.Error(err))
		}
	}

	gracefulShutdown(server, app, rdb, db, log)
}

// application 进程内的长生命周期组件
type application struct {
	engine       *compliance.Engine
	failures     *deadletter.Handler
	reader       *ledger.Reader
	queueClient  *queue.Client
	workerServer *worker.Server
	rateLimiter  *middleware.RateLimiter
	diskStore    *cache.DiskStore
}

func buildApp(cfg *config.Config, rdb redis.UniversalClient, db *gorm.DB, log *zap.Logger) (*application, error) {
	app := &application{}

	// 缓存后端
	var store cache.Store
	switch cfg.Cache.Backend {
	case "disk":
		ds, err := cache.NewDiskStore(cfg.Cache.Disk.DBPath, cfg.Cache.Disk.CleanupInterval, log)
		if err != nil {
			return nil, fmt.Errorf("初始化磁盘缓存失败: %w", err)
		}
		app.diskStore = ds
		store = ds
	default:
		store = cache.NewRedisStore(rdb, "custody:")
	}

	// 规则目录
	var source rules.Source = rules.EmbeddedSource{}
	if cfg.Rules.FilePath != "" {
		source = rules.NewFileSource(cfg.Rules.FilePath)
	}
	catalog := rules.NewCatalog(source, store, cfg.Rules.CacheTTL, log)

	states := state.NewStore(rdb, cfg.Workflow.MaxUpdateRetries, log)

	// 账本写入与读取
	headers := map[string]string{}
	if cfg.Ledger.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.Ledger.APIKey
	}
	httpClient := httputil.NewClient(
		httputil.WithTimeout(cfg.Ledger.RequestTimeout),
		httputil.WithHeaders(headers),
	)

	var signer ledger.Signer = ledger.DigestSigner{}
	if cfg.Ledger.SigningKey != "" {
		signer = ledger.KeyedDigestSigner{Key: []byte(cfg.Ledger.SigningKey)}
	}

	writer := ledger.NewHTTPWriter(httpClient, cfg.Ledger.WriterURL, cfg.Ledger.TopicID, cfg.Ledger.RequestTimeout)
	writeRetry := retry.NewManager("ledger_write", retry.PolicyFromConfig(cfg.Ledger.WriteRetry), log)
	replayRetry := retry.NewManager("ledger_replay", retry.PolicyFromConfig(cfg.DeadLetter.ReplayRetry), log)
	readRetry := retry.NewManager("ledger_read", retry.PolicyFromConfig(cfg.Ledger.ReadRetry), log)

	publisher := ledger.NewPublisher(writer, signer, writeRetry, log)
	replayer := ledger.NewPublisher(writer, signer, replayRetry, log)

	// 死信队列
	dlq := deadletter.NewRedisQueue(rdb, cfg.DeadLetter.QueueKey)
	app.failures = deadletter.NewHandler(dlq, replayer, store, deadletter.Options{
		StatsTTL:    cfg.DeadLetter.StatsTTL,
		StatsWindow: cfg.DeadLetter.StatsWindow,
	}, log)
	publisher.SetFailureRecorder(app.failures)

	// 异步重放
	connOpt := queue.RedisConnOpt(cfg.Redis)
	app.queueClient = queue.NewClient(connOpt, log)
	app.failures.SetScheduler(app.queueClient)
	if cfg.Worker.Enabled {
		app.workerServer = worker.NewServer(connOpt, cfg.Worker.Concurrency, app.failures, log)
	}

	if cfg.Ledger.ReaderURL != "" {
		app.reader = ledger.NewReader(ledger.NewHTTPSource(httpClient, cfg.Ledger.ReaderURL), ledger.ReaderOptions{
			TopicID:           cfg.Ledger.TopicID,
			RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
			Burst:             cfg.Ledger.Burst,
			PageSize:          cfg.Ledger.PageSize,
			MaxPages:          cfg.Ledger.MaxPages,
		}, readRetry, log)
	}

	app.engine = compliance.NewEngine(catalog, states, publisher, compliance.NewCredentialRepository(db), compliance.Options{
		MinStepsBeforeVerify: cfg.Workflow.MinStepsBeforeVerify,
		Issuer:               cfg.Credentials.Issuer,
		CredentialValidity:   cfg.Credentials.Validity,
		RenewalRequirements:  cfg.Credentials.RenewalRequirements,
	}, log)

	app.rateLimiter = middleware.NewRateLimiter(&middleware.RateLimiterConfig{
		RequestsPerSecond: cfg.Server.RateLimitRPS,
		BurstSize:         cfg.Server.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	})

	return app, nil
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	} else {
		fmt.Println("未找到 .env 文件，将仅使用系统环境变量和 config/* 配置")
	}
}

// resolveEnvPath 从当前工作目录、可执行文件目录向上查找 .env
func resolveEnvPath() string {
	for _, path := range collectEnvCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func collectEnvCandidates() []string {
	seen := make(map[string]struct{})
	var candidates []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		candidates = append(candidates, path)
	}

	traverse := func(start string) {
		dir := filepath.Clean(start)
		for i := 0; i < 8; i++ {
			if dir == "" || dir == string(filepath.Separator) || dir == "." {
				break
			}
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		traverse(wd)
	}
	if exe, err := os.Executable(); err == nil {
		traverse(filepath.Dir(exe))
	}
	return candidates
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(server *http.Server, app *application, rdb redis.UniversalClient, db *gorm.DB, log *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("服务器关闭异常", zap.Error(err))
	}

	if app.workerServer != nil {
		app.workerServer.Shutdown()
	}
	if err := app.queueClient.Close(); err != nil {
		log.Error("队列客户端关闭异常", zap.Error(err))
	}
	if app.diskStore != nil {
		if err := app.diskStore.Close(); err != nil {
			log.Error("磁盘缓存关闭异常", zap.Error(err))
		}
	}
	if err := rdb.Close(); err != nil {
		log.Error("Redis 关闭异常", zap.Error(err))
	}
	if err := infra.CloseDatabase(db); err != nil {
		log.Error("数据库关闭异常", zap.Error(err))
	}

	log.Info("服务器已安全关闭")
}
