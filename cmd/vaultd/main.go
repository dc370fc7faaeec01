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

	"AgentVault-Chain/internal/api"
	"AgentVault-Chain/internal/approval"
	"AgentVault-Chain/internal/chain"
	"AgentVault-Chain/internal/chain/ethereum"
	"AgentVault-Chain/internal/config"
	"AgentVault-Chain/internal/delay"
	"AgentVault-Chain/internal/eventbus"
	"AgentVault-Chain/internal/keystore"
	"AgentVault-Chain/internal/killswitch"
	"AgentVault-Chain/internal/notify"
	"AgentVault-Chain/internal/observability/metrics"
	"AgentVault-Chain/internal/pipeline"
	"AgentVault-Chain/internal/policy"
	"AgentVault-Chain/internal/resume"
	"AgentVault-Chain/internal/session"
	"AgentVault-Chain/internal/storage/mysql"
	"AgentVault-Chain/internal/transaction"
	"AgentVault-Chain/internal/wallet"
	"AgentVault-Chain/pkg/logger"
)

// main 是 vaultd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("VAULTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultd.yaml")
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
			Enabled:    cfg.Logging.AuditEnabled,
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxSize,
			MaxBackups: cfg.Logging.AuditBackups,
			MaxAgeDays: cfg.Logging.AuditMaxDays,
		},
	}); err != nil {
		return err
	}

	masterPassword := os.Getenv(cfg.Keystore.MasterPasswordEnv)
	if masterPassword == "" {
		return fmt.Errorf("主口令环境变量 %s 未设置", cfg.Keystore.MasterPasswordEnv)
	}

	stores, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	keys, err := buildKeystore(cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	chains := chain.NewRegistry()
	if cfg.Chain.RPCURL != "" {
		adapter, err := ethereum.NewAdapter(ctx, ethereum.Config{
			Name:            "ethereum",
			RPCURL:          cfg.Chain.RPCURL,
			ChainID:         cfg.Chain.ChainID,
			Confirmations:   cfg.Chain.Confirmations,
			ConfirmTimeout:  time.Duration(cfg.Chain.ConfirmTimeout) * time.Second,
			ConfirmInterval: time.Duration(cfg.Chain.ConfirmInterval) * time.Second,
		})
		if err != nil {
			return err
		}
		if err := chains.Register(adapter); err != nil {
			return err
		}
	}
	defer chains.Close()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	bus, err := buildEventBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	notifier := buildNotifier(cfg)

	sessions, err := session.NewService(cfg.Session, stores.sessions)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(stores.policies, stores.txs)
	if err != nil {
		return err
	}
	delays, err := delay.NewQueue(stores.txs)
	if err != nil {
		return err
	}
	workflow, err := approval.NewWorkflow(stores.approvals, stores.txs)
	if err != nil {
		return err
	}

	pipe, err := pipeline.New(pipeline.Config{
		MasterPassword:         masterPassword,
		ApprovalRequiredBy:     cfg.Approval.RequiredBy,
		ApprovalTimeoutSeconds: cfg.Approval.TimeoutSeconds,
	}, stores.txs, stores.wallets, engine, delays, workflow, chains, keys, notifier, bus)
	if err != nil {
		return err
	}

	breaker, err := killswitch.NewService(stores.breaker, stores.cascade,
		killswitch.WithSideEffect("suspend-wallets", func(ctx context.Context) error {
			suspended, err := stores.wallets.SuspendActive(ctx)
			if err != nil {
				return err
			}
			logger.Named("killswitch").Info("钱包已暂停", "count", suspended)
			return nil
		}),
		killswitch.WithSideEffect("emit-event", func(ctx context.Context) error {
			bus.Emit(ctx, "killswitch.activated", map[string]any{"at": time.Now().Unix()})
			return nil
		}),
		killswitch.WithSideEffect("notify-owner", func(ctx context.Context) error {
			notifier.Notify(ctx, notify.Event{Type: notify.EventKillSwitchActivated})
			return nil
		}),
		killswitch.WithSideEffect("audit", func(context.Context) error {
			logger.Audit().Warn("熔断已触发，系统进入 SUSPENDED")
			return nil
		}),
	)
	if err != nil {
		return err
	}

	// 延迟到期与审批超时的周期扫描。到期交易经由唤醒队列回到执行阶段。
	sweeper := delay.NewSweeper(delays, func(ctx context.Context, item transaction.Resumable) error {
		return queue.Publish(ctx, item.TxID)
	}, time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second)
	go sweeper.Run(ctx)
	go expireApprovals(ctx, workflow, time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second)

	resumer := resume.NewResumer(queue, pipe, cfg.Queue.Workers)
	go func() {
		if err := resumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Named("resumer").Error("恢复消费端异常退出", "error", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.Named("metrics").Error("指标服务异常退出", "error", err)
			}
		}()
	}

	recoverKey := os.Getenv(cfg.Breaker.RecoverKeyEnv)
	server := api.NewServer(cfg.Server.Address, pipe, stores.txs, workflow, breaker, sessions, recoverKey)
	logger.L().Info("vaultd 启动", "address", cfg.Server.Address, "storage", cfg.Storage.Driver, "queue", cfg.Queue.Driver)
	return server.Start(ctx)
}

// stores 聚合全部持久化依赖，由同一个驱动开关构建。
type stores struct {
	txs       transaction.Store
	wallets   wallet.Store
	policies  policy.Store
	sessions  session.Store
	approvals approval.Store
	breaker   killswitch.Store
	cascade   killswitch.CascadeCore
}

func buildStores(ctx context.Context, cfg *config.Config) (*stores, func(), error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		sessionStore := session.NewMemoryStore()
		txStore := transaction.NewMemoryStore()
		cascade, err := killswitch.NewStoreCascade(sessionStore, txStore)
		if err != nil {
			return nil, nil, err
		}
		s := &stores{
			txs:       txStore,
			wallets:   wallet.NewMemoryStore(),
			policies:  policy.NewMemoryStore(),
			sessions:  sessionStore,
			approvals: approval.NewMemoryStore(),
			breaker:   killswitch.NewMemoryStore(),
			cascade:   cascade,
		}
		return s, func() {}, nil

	case "mysql":
		db, err := mysql.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() { _ = db.Close() }

		txStore, err := transaction.NewMySQLStore(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		walletStore, err := wallet.NewMySQLStore(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		policyStore, err := policy.NewMySQLStore(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sessionStore, err := session.NewMySQLStore(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		approvalStore, err := approval.NewMySQLStore(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		breakerStore, err := killswitch.NewMySQLStore(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cascade, err := killswitch.NewMySQLCascade(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		s := &stores{
			txs:       txStore,
			wallets:   walletStore,
			policies:  policyStore,
			sessions:  sessionStore,
			approvals: approvalStore,
			breaker:   breakerStore,
			cascade:   cascade,
		}
		return s, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildKeystore(cfg *config.Config) (keystore.KeyStore, error) {
	if cfg.Keystore.Dir == "" {
		return nil, errors.New("未配置 keystore 目录")
	}
	if err := os.MkdirAll(cfg.Keystore.Dir, 0o700); err != nil {
		return nil, err
	}
	return keystore.NewFileStore(cfg.Keystore.Dir)
}

func buildQueue(cfg *config.Config) (resume.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return resume.NewMemoryQueue(1024), nil
	case "redis":
		return resume.NewRedisQueue(resume.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return resume.NewRabbitMQQueue(resume.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func buildEventBus(cfg *config.Config) (eventbus.Bus, error) {
	if cfg.Queue.RabbitMQ.URL == "" {
		return eventbus.NewMemoryBus(), nil
	}
	return eventbus.NewRabbitMQBus(eventbus.RabbitMQConfig{
		URL:      cfg.Queue.RabbitMQ.URL,
		Exchange: cfg.Queue.RabbitMQ.Exchange,
		Durable:  cfg.Queue.RabbitMQ.Durable,
	})
}

func buildNotifier(cfg *config.Config) notify.Dispatcher {
	notifiers := []notify.Notifier{&notify.LogNotifier{}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	return notify.NewFanout(notifiers...)
}

// expireApprovals 周期处理审批超时，过期交易落为 EXPIRED。
func expireApprovals(ctx context.Context, workflow *approval.Workflow, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := workflow.ExpireOverdue(ctx, time.Now().Unix()); err != nil {
				logger.Named("approval").Warn("审批超时扫描失败", "error", err)
			}
		}
	}
}
