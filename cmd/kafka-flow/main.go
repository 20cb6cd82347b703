package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/config"
	"github.com/hervala/kafka-flow/internal/consumer"
	"github.com/hervala/kafka-flow/internal/flow"
	"github.com/hervala/kafka-flow/internal/offsets"
	"github.com/hervala/kafka-flow/internal/registry"
	"github.com/hervala/kafka-flow/internal/server"
	"github.com/hervala/kafka-flow/internal/signal"
	"github.com/hervala/kafka-flow/internal/worker"
	"github.com/hervala/kafka-flow/pkg/logger"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "config file path")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	fmt.Printf("Kafka-Flow v%s\n", version)
	fmt.Printf("Loading config from: %s\n", *configPath)

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("kafka-flow starting",
		zap.String("version", version),
		zap.String("config", cfg.String()),
	)

	// 3. 创建进程级关闭上下文，所有编排器共享
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建消费者注册表
	reg := registry.New()

	// 5. 按配置构建每个逻辑消费者
	var (
		orchestrators []*consumer.Orchestrator
		stores        []offsets.Store
	)
	for _, cc := range cfg.Consumers {
		pool := worker.New(cc.Name, cc.WorkerCount, cc.BufferSize,
			worker.HandlerFunc(defaultHandler),
			worker.Recover(),
		)

		o := consumer.New(ctx, cc, pool, nil, reg)

		var store offsets.Store
		switch cc.OffsetStorage.Backend {
		case "mysql":
			store, err = offsets.NewMySQLStore(cc.Name, cc.GroupID, cc.OffsetStorage.MySQL)
			if err != nil {
				logger.Fatal("failed to create mysql offset store",
					zap.String("consumer", cc.Name),
					zap.Error(err),
				)
			}
		default:
			ms := offsets.NewMarkStore(cc.Name, o, time.Duration(cc.CommitInterval)*time.Second)
			ms.Start(ctx)
			store = ms
		}
		o.SetOffsetStore(store)

		orchestrators = append(orchestrators, o)
		stores = append(stores, store)
	}

	// 6. 启动HTTP服务器
	srv := server.NewServer(*cfg, reg)
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	// 7. 启动全部消费者
	for _, o := range orchestrators {
		if err := o.Start(); err != nil {
			logger.Fatal("failed to start consumer",
				zap.String("consumer", o.Name()),
				zap.Error(err),
			)
		}
	}

	logger.Info("kafka-flow started successfully",
		zap.Int("consumers", len(orchestrators)),
	)

	// 8. 等待关闭信号
	signal.WaitForShutdown(ctx, cancel)

	logger.Info("shutting down gracefully...")

	// 9. 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, o := range orchestrators {
		if err := o.Stop(); err != nil {
			logger.Error("failed to stop consumer",
				zap.String("consumer", o.Name()),
				zap.Error(err),
			)
		}
	}
	for _, st := range stores {
		if err := st.Close(); err != nil {
			logger.Error("failed to close offset store", zap.Error(err))
		}
	}

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server", zap.Error(err))
	}

	logger.Info("kafka-flow stopped")
}

// defaultHandler 默认处理器：记录消息元数据。
// 实际业务应替换为自己的处理管道。
func defaultHandler(ctx context.Context, mc *flow.MessageContext) error {
	msg := mc.Message()
	logger.Debug("message received",
		zap.String("consumer", mc.Name()),
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Time("timestamp", mc.MessageTimestamp()),
		zap.Int("bytes", len(msg.Value)),
	)
	return nil
}
