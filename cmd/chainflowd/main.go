package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms/openai"

	"ChainFlow-Eval/deploy/migrations"
	"ChainFlow-Eval/internal/agent"
	"ChainFlow-Eval/internal/api"
	"ChainFlow-Eval/internal/config"
	"ChainFlow-Eval/internal/executor"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/gateway"
	"ChainFlow-Eval/internal/observability/alerting"
	"ChainFlow-Eval/internal/planner"
	"ChainFlow-Eval/internal/recovery"
	"ChainFlow-Eval/internal/session"
	"ChainFlow-Eval/internal/validator"
	"ChainFlow-Eval/internal/web3"
	"ChainFlow-Eval/internal/web3/sim"
	"ChainFlow-Eval/pkg/logger"
)

// main 是 chainflowd 守护进程的入口。
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chainflowd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chainflowd",
		Short:         "链上流程评估守护进程",
		Long:          "chainflowd 在内存仿真链上执行智能体流程评估：规划、执行、恢复、归并与评分。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认读取 "+config.EnvConfigPath+" 或 "+config.DefaultPath)

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newEvalCommand(&configPath))
	return root
}

// runtime 聚合一次进程生命周期内的全部组件。
type runtime struct {
	cfg          *config.Config
	store        session.Store
	queue        queueHandle
	tools        *sim.Backend
	gateway      *gateway.Gateway
	consolidator *session.Consolidator
}

// queueHandle 统一三种队列驱动的生产/消费/关闭能力。
type queueHandle interface {
	session.Producer
	session.Consumer
	Close() error
}

func (r *runtime) close() {
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			logger.L().Warn("关闭归并队列失败", "error", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			logger.L().Warn("关闭会话存储失败", "error", err)
		}
	}
	if r.tools != nil {
		r.tools.Close()
	}
}

// buildRuntime 按配置组装存储、队列、仿真链、智能体与评估门面。
func buildRuntime(ctx context.Context, cfg *config.Config, answerer recovery.Answerer) (*runtime, error) {
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tools, err := buildChain(cfg)
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return nil, err
	}

	decider, err := buildDecider(cfg)
	if err != nil {
		tools.Close()
		_ = queue.Close()
		_ = store.Close()
		return nil, err
	}

	engine, err := buildEngine(cfg, answerer)
	if err != nil {
		tools.Close()
		_ = queue.Close()
		_ = store.Close()
		return nil, err
	}

	pl := planner.New(
		planner.WithDefaultProtocol(cfg.Execution.DefaultProtocol),
		planner.WithStepTimeout(cfg.Execution.StepTimeout()),
	)
	exec := executor.New(decider, tools, store, engine, queue)

	gwOpts := []gateway.Option{
		gateway.WithConsolidationWait(cfg.Execution.ConsolidationWait()),
	}
	if cfg.Validation.BundlesPath != "" {
		bundles, err := validator.LoadBundles(cfg.Validation.BundlesPath)
		if err != nil {
			tools.Close()
			_ = queue.Close()
			_ = store.Close()
			return nil, err
		}
		gwOpts = append(gwOpts, gateway.WithBundles(bundles))
		logger.L().Info("已加载标准答案包", "count", len(bundles), "path", cfg.Validation.BundlesPath)
	}
	if cfg.Alerting.Enabled {
		notifier := alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL,
			time.Duration(cfg.Alerting.TimeoutMS)*time.Millisecond)
		gwOpts = append(gwOpts, gateway.WithNotifier(notifier))
	}

	return &runtime{
		cfg:          cfg,
		store:        store,
		queue:        queue,
		tools:        tools,
		gateway:      gateway.New(pl, exec, store, tools, gwOpts...),
		consolidator: session.NewConsolidator(store, queue),
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return session.NewMemoryStore(), nil
	case "sqlite":
		return session.NewSQLiteStore(cfg.Store.SQLite.Path)
	case "mysql":
		// 建表走独立连接，连接池建立前确保 schema 就绪。
		db, err := sql.Open("mysql", cfg.Store.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		if err := migrations.Apply(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		_ = db.Close()
		return session.NewMySQLStore(ctx, cfg.Store.MySQLConfig())
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Store.Driver)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (queueHandle, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return session.NewMemoryQueue(cfg.Queue.Depth), nil
	case "redis":
		return session.NewRedisQueue(ctx, cfg.Queue.Redis)
	case "rabbitmq":
		return session.NewRabbitQueue(cfg.Queue.Rabbit)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func buildChain(cfg *config.Config) (*sim.Backend, error) {
	defs, err := web3.LoadChainDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	def := defs.Chains[cfg.Chains.Active]
	backend, err := sim.NewBackend(sim.Config{
		Name:           cfg.Chains.Active,
		Accounts:       def.Accounts,
		InitialBalance: def.InitialBalance,
		GasLimit:       def.GasLimit,
		Protocols:      def.Protocols,
	})
	if err != nil {
		return nil, err
	}
	logger.L().Info("仿真链已就绪",
		"chain", cfg.Chains.Active, "chain_id", backend.ChainID(), "accounts", len(backend.Accounts()))
	return backend, nil
}

func buildDecider(cfg *config.Config) (agent.Decider, error) {
	switch cfg.Agent.Provider {
	case "scripted":
		return agent.NewScriptedDecider(), nil
	case "langchain":
		opts := []openai.Option{}
		if cfg.Agent.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Agent.Model))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("初始化模型客户端失败: %w", err)
		}
		return agent.NewLangChainDecider(model, cfg.Agent.Temperature), nil
	default:
		return nil, fmt.Errorf("未知的智能体实现: %s", cfg.Agent.Provider)
	}
}

func buildEngine(cfg *config.Config, answerer recovery.Answerer) (*recovery.Engine, error) {
	catalog := recovery.NewCatalog()
	if cfg.Recovery.AlternativesPath != "" {
		loaded, err := recovery.LoadCatalog(cfg.Recovery.AlternativesPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	opts := []recovery.EngineOption{recovery.WithCatalog(catalog)}
	if answerer != nil {
		opts = append(opts, recovery.WithAnswerer(answerer))
	}
	return recovery.NewEngine(cfg.Recovery.EngineConfig(), opts...), nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动评估 HTTP 服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return err
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "刷新日志失败: %v\n", err)
		}
	}()

	// HTTP 服务不具备交互通道，用户补全策略留给 eval 子命令。
	rt, err := buildRuntime(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go func() {
		if err := rt.consolidator.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("归并工作器异常退出", "error", err)
		}
	}()

	server := api.NewServer(api.Config{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}, rt.gateway, rt.store)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func newEvalCommand(configPath *string) *cobra.Command {
	var (
		request     string
		wallet      string
		mode        string
		bundle      string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "单机执行一次流程评估并输出结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEval(ctx, *configPath, evalParams{
				request:     request,
				wallet:      wallet,
				mode:        mode,
				bundle:      bundle,
				interactive: interactive,
			})
		},
	}
	cmd.Flags().StringVarP(&request, "request", "r", "", "自然语言流程请求（必填）")
	cmd.Flags().StringVarP(&wallet, "wallet", "w", "", "钱包地址，缺省使用仿真链第一个创世账户")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "原子模式: strict、lenient 或 conditional")
	cmd.Flags().StringVarP(&bundle, "bundle", "b", "", "评分用的标准答案包名，为空只执行不评分")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "允许在终端回答用户补全问题")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

type evalParams struct {
	request     string
	wallet      string
	mode        string
	bundle      string
	interactive bool
}

func runEval(ctx context.Context, configPath string, params evalParams) error {
	cfg, err := loadEvalConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var answerer recovery.Answerer
	if params.interactive {
		answerer = stdinAnswerer{}
	}

	rt, err := buildRuntime(ctx, cfg, answerer)
	if err != nil {
		return err
	}
	defer rt.close()

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go func() {
		if err := rt.consolidator.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("归并工作器异常退出", "error", err)
		}
	}()

	address := strings.TrimSpace(params.wallet)
	if address == "" {
		accounts := rt.tools.Accounts()
		if len(accounts) == 0 {
			return errors.New("仿真链没有可用账户")
		}
		address = accounts[0]
	}

	result, err := rt.gateway.ExecuteFlow(ctx, gateway.FlowRequest{
		Request: params.request,
		Wallet: flow.WalletContext{
			Address: address,
			ChainID: rt.tools.ChainID(),
		},
		Mode:   params.mode,
		Bundle: params.bundle,
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// loadEvalConfig 在配置文件缺失时回落到全默认配置，方便单机直接评估。
func loadEvalConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == "" && os.Getenv(config.EnvConfigPath) == "" {
		if _, statErr := os.Stat(config.DefaultPath); os.IsNotExist(statErr) {
			return config.Default(), nil
		}
	}
	return nil, err
}

// stdinAnswerer 在终端上提问并读取一行回答，供 eval 的用户补全用。
type stdinAnswerer struct{}

func (stdinAnswerer) Answer(ctx context.Context, question string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s\n> ", question)
	reader := bufio.NewReader(os.Stdin)
	type lineResult struct {
		text string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		text, err := reader.ReadString('\n')
		ch <- lineResult{text: text, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		return strings.TrimSpace(res.text), nil
	}
}

var _ recovery.Answerer = stdinAnswerer{}
