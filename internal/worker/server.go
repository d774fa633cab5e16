package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"custodychain/internal/infra/queue"
	"custodychain/internal/worker/handlers"
	"custodychain/internal/worker/tasks"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewServer 创建死信重放 worker，按 critical/high/default/low 权重消费
func NewServer(
	opt asynq.RedisConnOpt,
	concurrency int,
	replayer handlers.Replayer,
	logger *zap.Logger,
) *Server {
	cfg := queue.DefaultServerConfig()
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}

	asynqCfg := cfg.ToAsynqConfig()
	asynqCfg.ErrorHandler = asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		logger.Error("任务执行失败",
			zap.String("type", task.Type()),
			zap.Error(err),
		)
	})

	srv := asynq.NewServer(opt, asynqCfg)
	mux := asynq.NewServeMux()

	replayHandler := handlers.NewReplayHandler(replayer, logger)
	mux.HandleFunc(tasks.TypeReplayFailure, replayHandler.HandleReplayFailure)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
