// All-in-One 入口：加载配置，装配关联、策略、编排、审计与存证，启动 HTTP 与可选的 kafka/mqtt 接入。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"lossguard/internal/anchor"
	"lossguard/internal/api"
	"lossguard/internal/audit"
	"lossguard/internal/cheq"
	"lossguard/internal/config"
	"lossguard/internal/correlator"
	"lossguard/internal/executor"
	"lossguard/internal/ingest"
	"lossguard/internal/logger"
	"lossguard/internal/notify"
	"lossguard/internal/orchestrator"
	"lossguard/internal/ownership"
	"lossguard/internal/policy"
	"lossguard/internal/service"
	"lossguard/pkg/chain"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (or set CONFIG_PATH)")
	validateOnly := flag.Bool("validate", false, "load config and policy rules, then exit 0 on success or 1 on error")
	flag.Parse()

	// watch 下 cwd 可能不是仓库根，用可执行文件所在目录的上级作为配置根
	if execPath, err := os.Executable(); err == nil {
		parent := filepath.Clean(filepath.Join(filepath.Dir(execPath), ".."))
		if _, err := os.Stat(filepath.Join(parent, ".env")); err == nil {
			_ = os.Chdir(parent)
			fmt.Fprintf(os.Stderr, "[lossguard] 工作目录: %s\n", parent)
		}
	}
	_ = config.LoadEnvFile(".env", true)
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	if *configPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			*configPath = "config.yaml"
		} else {
			*configPath = "config.example.yaml"
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		if _, err := policy.NewEngineImpl(cfg.Policy.RulesPath); err != nil {
			fmt.Fprintf(os.Stderr, "policy rules validate: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "[lossguard] config validate ok: %s\n", *configPath)
		os.Exit(0)
	}

	log, err := logger.NewZapLogger(cfg.App.LogLevel, cfg.App.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Errorf(context.Background(), "[lossguard] %v", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof(ctx, "[lossguard] starting %s env=%s", cfg.App.Name, cfg.App.Env)

	engine, err := policy.NewEngineImpl(cfg.Policy.RulesPath)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	// 存证
	var ledger chain.Ledger
	var bridge *anchor.Bridge
	if cfg.Anchor.Enabled {
		ledger = chain.NewLedger(chain.NewLocalStoreWithPath(cfg.Anchor.Path))
		bridge = anchor.NewBridge(ledger, cfg.Anchor, log)
	}

	// 审计
	trail, err := openTrail(ctx, cfg.Audit, ledger, log)
	if err != nil {
		return err
	}
	defer trail.Close()
	if bridge != nil {
		bridge.Attach(trail)
		bridge.Start()
		defer bridge.Stop()
	}

	// 告警
	alertStore, err := newAlertStore(cfg.Alerts)
	if err != nil {
		return fmt.Errorf("alert store: %w", err)
	}
	defer alertStore.Close()
	corr := correlator.New(cfg.Correlator,
		correlator.WithStore(alertStore), correlator.WithRecorder(trail), correlator.WithLogger(log))
	if n, err := corr.Restore(ctx); err != nil {
		return fmt.Errorf("correlator restore: %w", err)
	} else if n > 0 {
		log.Infof(ctx, "[lossguard] restored %d open alerts", n)
	}

	// 编排
	resolver := ownership.Resolver(ownership.StubResolver{})
	if len(cfg.Ownership.StaticMap) > 0 || len(cfg.Ownership.DefaultIDs) > 0 {
		resolver = ownership.NewStaticResolver(cfg.Ownership.StaticMap, cfg.Ownership.DefaultIDs)
	}
	rules := ownership.NewRuleMatcher(cfg.Ownership.ApprovalRules,
		ownership.ApprovalRuleMatch{Timeout: cfg.Orchestrator.ConfirmTimeout})

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.Notify.Backend == "redis" {
		rn, err := notify.NewRedisNotifier(cfg.Notify, log)
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		defer rn.Close()
		notifier = rn
	}

	var fallback executor.Executor = executor.LogExecutor{Log: log}
	if cfg.Executor.Backend == "lmstfy" {
		fallback = executor.NewLmstfyExecutor(cfg.Executor, log)
	}
	exec := executor.NewRegistry(fallback)

	var confirmStore cheq.Store
	if cfg.Orchestrator.PersistencePath != "" {
		js, err := cheq.NewJSONStore(cfg.Orchestrator.PersistencePath)
		if err != nil {
			return fmt.Errorf("confirmation store: %w", err)
		}
		confirmStore = js
	}
	queue := cheq.NewQueue(confirmStore, cfg.Orchestrator.ConfirmTimeout, cheq.WithLogger(log))
	orch := orchestrator.New(engine, trail, cfg.Orchestrator,
		orchestrator.WithExecutor(exec),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithResolver(resolver),
		orchestrator.WithRules(rules),
		orchestrator.WithQueue(queue),
		orchestrator.WithLogger(log),
		orchestrator.WithBaseURL(cfg.Notify.BaseURL),
	)
	if err := orch.Restore(ctx, trail); err != nil {
		return err
	}
	// 停机期间到期的确认立即过期
	if n := orch.Sweep(ctx); n > 0 {
		log.Infof(ctx, "[lossguard] expired %d confirmations overdue at startup", n)
	}

	svc := service.New(corr, orch, trail, log)
	// 告警已落审计但 Action 未提交的，启动时补交
	if n, err := svc.Reconcile(ctx); err != nil {
		log.Warnf(ctx, "[lossguard] reconcile at startup stopped after %d alerts: %v", n, err)
	} else if n > 0 {
		log.Infof(ctx, "[lossguard] submitted actions for %d alerts at startup", n)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); corr.Run(ctx) }()
	go func() { defer wg.Done(); orch.Run(ctx) }()
	go func() { defer wg.Done(); svc.Run(ctx, cfg.Orchestrator.SweepInterval) }()

	// 接入
	dispatcher := ingest.NewDispatcher(cfg.Ingest, svc.Handle, log)
	dispatcher.Start()
	if cfg.Ingest.Kafka.Enabled {
		src := ingest.NewKafkaSource(cfg.Ingest.Kafka, dispatcher, log)
		wg.Add(1)
		go func() { defer wg.Done(); _ = src.Run(ctx) }()
		log.Infof(ctx, "[lossguard] kafka ingest enabled: brokers=%v", cfg.Ingest.Kafka.Brokers)
	}
	if cfg.Ingest.MQTT.Enabled {
		src := ingest.NewMQTTSource(cfg.Ingest.MQTT, dispatcher, log)
		if err := src.Start(ctx); err != nil {
			return err
		}
		defer src.Stop()
		log.Infof(ctx, "[lossguard] mqtt ingest enabled: broker=%s", cfg.Ingest.MQTT.Broker)
	}

	// SIGHUP 热加载策略规则
	sigReload := make(chan os.Signal, 1)
	signal.Notify(sigReload, syscall.SIGHUP)
	defer signal.Stop(sigReload)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigReload:
				if err := engine.Reload(); err != nil {
					log.Errorf(ctx, "[lossguard] policy reload failed, keeping previous rules: %v", err)
				} else {
					log.Infof(ctx, "[lossguard] policy rules reloaded")
				}
			}
		}
	}()

	// WebSocket 连接已被劫持，Server.Shutdown 不会断开，须在审计关闭前显式关闭
	stream := api.NewStream(trail, log)
	defer stream.Close()
	srv := api.NewServer(cfg.Server, svc, stream, log)
	if ledger != nil {
		as := anchor.NewServer(ledger)
		srv.SetAnchor(as.Routes(), as.HandleProof)
	}
	srv.SetReadiness(func(ctx context.Context) error {
		if ledger != nil {
			return ledger.Healthy(ctx)
		}
		return nil
	})

	serveErr := srv.Serve(ctx)
	stop()
	dispatcher.Shutdown()
	wg.Wait()
	orch.Wait()
	log.Infof(context.Background(), "[lossguard] stopped")
	return serveErr
}

// openTrail 打开审计日志并整链校验；链已损坏时拒绝启动，避免在断链之后继续追加。
func openTrail(ctx context.Context, cfg config.AuditConfig, ledger chain.Ledger, log logger.Logger) (*audit.Trail, error) {
	var store audit.Store
	if cfg.Path != "" {
		js, err := audit.NewJSONLStore(cfg.Path, &audit.JSONLOptions{Fsync: cfg.Fsync, SegmentDir: cfg.SegmentDir})
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		store = js
	} else {
		store = audit.NewMemoryStore()
		log.Warnf(ctx, "[lossguard] audit.path not set, audit trail is in-memory only")
	}
	opts := []audit.Option{audit.WithLogger(log)}
	if ledger != nil {
		opts = append(opts, audit.WithLedger(ledger))
	}
	trail, err := audit.Open(ctx, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("audit open: %w", err)
	}
	v, err := trail.VerifyDetailed(ctx)
	if err != nil {
		trail.Close()
		return nil, fmt.Errorf("audit verify: %w", err)
	}
	if !v.OK {
		trail.Close()
		return nil, fmt.Errorf("%w: seq=%d %s (inspect with auditctl verify -file %s)", audit.ErrChainBroken, v.BadSeq, v.Reason, cfg.Path)
	}
	log.Infof(ctx, "[lossguard] audit chain verified: %d records from seq %d", v.Checked, v.FromSeq)
	return trail, nil
}

func newAlertStore(cfg config.AlertsConfig) (correlator.AlertStore, error) {
	switch cfg.Backend {
	case "json":
		return correlator.NewJSONStore(cfg.Path)
	case "mysql":
		return correlator.NewGormStore(cfg.DSN)
	default:
		return correlator.NewMemoryStore(), nil
	}
}
