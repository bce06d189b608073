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

	"SwarmMarket/internal/anchor"
	"SwarmMarket/internal/api"
	"SwarmMarket/internal/auction"
	"SwarmMarket/internal/auth"
	"SwarmMarket/internal/config"
	"SwarmMarket/internal/notify"
	"SwarmMarket/internal/proof"
	"SwarmMarket/internal/registry"
	"SwarmMarket/internal/supervisor"
	"SwarmMarket/pkg/logger"
)

// main 是市场守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("swarmmarketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SWARMMARKET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "swarmmarket.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			log.Printf("刷新日志失败: %v", err)
		}
	}()

	// 注册表、账本与证明三套存储共用同一个后端驱动。
	var (
		registryStore registry.Store
		auctionStore  auction.Store
		proofStore    proof.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		registryStore = registry.NewMemoryStore()
		auctionStore = auction.NewMemoryStore()
		proofStore = proof.NewMemoryStore()
	case "mysql":
		rs, err := registry.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		registryStore = rs
		as, err := auction.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		auctionStore = as
		ps, err := proof.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		proofStore = ps
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = proofStore.Close()
		_ = auctionStore.Close()
		_ = registryStore.Close()
	}()

	var queue notify.Queue
	switch cfg.Notify.Driver {
	case "", "memory":
		mq := notify.NewMemoryQueue(1024)
		// 单机部署没有外部订阅方，进程内起一个消费者把事件落到日志，
		// 防止缓冲写满后事件被丢弃。
		go func() {
			_ = mq.Consume(ctx, 1, func(_ context.Context, event notify.Event) error {
				logger.L().Info("市场事件",
					"event_id", event.ID,
					"type", string(event.Type),
					"task_id", event.TaskID,
					"state", event.State,
				)
				return nil
			})
		}()
		queue = mq
	case "redis":
		q, err := notify.NewRedisQueue(notify.RedisQueueConfig{
			Address:   cfg.Notify.Redis.Address,
			Password:  cfg.Notify.Redis.Password,
			DB:        cfg.Notify.Redis.DB,
			Queue:     cfg.Notify.Redis.Queue,
			BlockWait: time.Duration(cfg.Notify.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := notify.NewRabbitMQQueue(notify.RabbitMQConfig{
			URL:        cfg.Notify.RabbitMQ.URL,
			Queue:      cfg.Notify.RabbitMQ.Queue,
			Prefetch:   cfg.Notify.RabbitMQ.Prefetch,
			Durable:    cfg.Notify.RabbitMQ.Durable,
			AutoDelete: cfg.Notify.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Notify.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭事件队列失败: %v", err)
		}
	}()

	var anchorer anchor.Anchorer = anchor.Noop{}
	if cfg.Anchor.Enabled {
		eth, err := anchor.NewEthereumAnchorer(ctx, anchor.EthereumConfig{
			RPCURL:     cfg.Anchor.RPCURL,
			PrivateKey: cfg.Anchor.PrivateKey,
			To:         cfg.Anchor.To,
			GasLimit:   cfg.Anchor.GasLimit,
		})
		if err != nil {
			return err
		}
		anchorer = eth
	}
	defer anchorer.Close()

	var authorizer auth.Authorizer = auth.AllowAll{}
	if cfg.Auth.Enabled {
		seeds := append([]auth.Seed(nil), cfg.Auth.Seeds...)
		// 内部身份需要跨模块的回调权限。
		seeds = append(seeds,
			auth.Seed{Address: "ledger", Roles: []string{string(auth.RoleVerifier)}},
			auth.Seed{Address: "verifier", Roles: []string{string(auth.RoleVerifier)}},
			auth.Seed{Address: "supervisor", Roles: []string{string(auth.RoleSupervisor)}},
		)
		authorizer = auth.NewTable(seeds)
	}

	catalogue, err := proof.LoadCatalogue(cfg.Proof.CriteriaPath)
	if err != nil {
		return err
	}

	reg := registry.NewService(registryStore, registry.WithAuthorizer(authorizer))
	ledger := auction.NewLedger(auctionStore, reg,
		auction.WithAuthorizer(authorizer),
		auction.WithProducer(queue),
		auction.WithAnchorer(anchorer),
		auction.WithWindows(auction.Windows{
			Auction:      cfg.Market.AuctionWindow,
			Completion:   cfg.Market.CompletionWindow,
			Verification: cfg.Market.VerificationWindow,
		}),
	)
	var attestor proof.Attestor
	switch cfg.Proof.Attestor {
	case "", "internal":
		attestor = proof.InternalChecker{}
	case "passthrough":
		attestor = proof.Passthrough{}
	default:
		return fmt.Errorf("未知的证明审查器: %s", cfg.Proof.Attestor)
	}

	verifier := proof.NewVerifier(proofStore, ledger,
		proof.WithAuthorizer(authorizer),
		proof.WithAttestor(attestor),
		proof.WithCatalogue(catalogue),
		proof.WithWindow(cfg.Market.VerificationWindow),
	)

	sweeper := supervisor.New(ledger, verifier,
		supervisor.WithInterval(time.Duration(cfg.Supervisor.IntervalSeconds)*time.Second),
	)
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go func() {
		if err := sweeper.Run(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("扫描循环异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, reg, ledger, verifier)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
