package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ladderbot/api"
	"ladderbot/config"
	"ladderbot/logger"
	"ladderbot/manager"
	"ladderbot/notify"
	"ladderbot/store"
	"ladderbot/trader"
	"ladderbot/trader/binance"
	"ladderbot/trader/paper"
	"ladderbot/trader/types"

	"github.com/joho/godotenv"
)

func main() {
	// 加载 .env（不存在时忽略）
	_ = godotenv.Load()

	config.Init()
	cfg := config.Get()
	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON}); err != nil {
		logger.Fatalf("❌ 初始化日志失败: %v", err)
	}

	logger.Info(strings.Repeat("=", 60))
	logger.Info("🪜 Ladder trading bot starting")
	logger.Info(strings.Repeat("=", 60))

	var seed *config.Seed
	if cfg.SeedFile != "" {
		var err error
		if seed, err = config.LoadSeed(cfg.SeedFile); err != nil {
			logger.Fatalf("❌ 加载种子文件失败: %v", err)
		}
		logger.Infof("📄 Seed file loaded: %d strategies", len(seed.Strategies))
	}

	logger.Infof("📋 初始化数据库 (%s)", cfg.DBType)
	st, err := store.New(store.DBConfig{Type: store.DBType(cfg.DBType), Path: cfg.DBPath, DSN: cfg.DBDSN})
	if err != nil {
		logger.Fatalf("❌ 初始化数据库失败: %v", err)
	}

	gateway, err := newGateway(cfg, seed)
	if err != nil {
		logger.Fatalf("❌ 初始化券商失败: %v", err)
	}
	guarded := trader.NewGuardedGateway(gateway, trader.GuardConfig{
		Name:          cfg.Broker,
		CallTimeout:   cfg.CallTimeout,
		RatePerSecond: cfg.RateLimitRPS,
	})

	if seed != nil {
		syncSeedStrategies(st, seed)
	}

	schedule, err := manager.ParseSchedule(cfg.TradingDays, cfg.TradingHours, cfg.TradingTZ)
	if err != nil {
		logger.Fatalf("❌ 交易时间配置无效: %v", err)
	}

	ladder := trader.NewLadderTrader(st, guarded, trader.LadderConfig{
		Tolerance: cfg.ZoneTolerance,
		PriceBand: cfg.PriceBand(),
		MaxLevels: cfg.MaxLadderLevels,
		Currency:  cfg.AccountCurrency,
		Location:  schedule.Location,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifiers := notify.Multi{notify.LogNotifier{}}
	var bot *notify.Telegram
	if cfg.TelegramBotToken != "" {
		if bot, err = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramAdminIDs); err != nil {
			logger.Warnf("⚠️  Telegram 初始化失败，仅记录日志: %v", err)
		} else {
			notifiers = append(notifiers, bot)
		}
	}

	traderManager := manager.NewTraderManager(st, ladder, notifiers, manager.Config{
		TickInterval:  cfg.TickInterval,
		TickTimeout:   cfg.TickTimeout,
		MaxConcurrent: cfg.MaxConcurrentStrategies,
		Schedule:      schedule,
	})

	strategies, err := traderManager.ListStrategies(ctx, store.StrategyFilter{IncludePaused: true})
	if err != nil {
		logger.Fatalf("❌ 获取策略列表失败: %v", err)
	}
	accountID, err := guarded.AccountID(ctx)
	if err != nil {
		logger.Warnf("⚠️  获取券商账户失败: %v", err)
	}
	logger.Infof("🪜 Strategies (%d), account: %s", len(strategies), accountID)
	for _, s := range strategies {
		state := "active"
		if s.Paused {
			state = "paused"
		}
		logger.Infof("  • %d/%s max %s, step %s%%, %d lots, free %s [%s]",
			s.StrategyID, s.Ticker, s.MaxCapital, s.StepTrigger, s.StepAmount, s.FreeCapital, state)
	}

	traderManager.Start()

	if bot != nil {
		go bot.Listen(ctx, notify.NewCommandHandler(traderManager, cfg.TelegramAdminIDs))
	}

	apiServer := api.NewServer(traderManager, cfg.APIServerPort)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("❌ API服务器错误: %v", err)
		}
	}()

	logger.Info("按 Ctrl+C 停止运行")

	// 设置优雅退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("📛 收到退出信号，正在优雅关闭...")

	// 步骤 1: 停止 Telegram 与调度（等待当前一轮结束）
	cancel()
	logger.Info("⏸️  停止调度...")
	traderManager.Stop()

	// 步骤 2: 关闭 API 服务器
	logger.Info("🛑 停止 API 服务器...")
	if err := apiServer.Shutdown(); err != nil {
		logger.Warnf("⚠️  关闭 API 服务器时出错: %v", err)
	}

	// 步骤 3: 关闭数据库连接
	logger.Info("💾 关闭数据库连接...")
	if err := st.Close(); err != nil {
		logger.Errorf("❌ 关闭数据库失败: %v", err)
	}
	logger.Info("👋 Bye")
}

// newGateway brokerage selected by BROKER
func newGateway(cfg *config.Config, seed *config.Seed) (types.Gateway, error) {
	switch cfg.Broker {
	case "binance":
		if cfg.BinanceAPIKey == "" || cfg.BinanceSecretKey == "" {
			return nil, errors.New("binance requires BINANCE_API_KEY and BINANCE_SECRET_KEY")
		}
		logger.Infof("🔌 Binance spot (testnet: %v)", cfg.BinanceTestnet)
		return binance.NewSpotTrader(binance.Config{
			APIKey:    cfg.BinanceAPIKey,
			SecretKey: cfg.BinanceSecretKey,
			Testnet:   cfg.BinanceTestnet,
		}), nil
	case "paper", "":
		paperCfg := paper.Config{Currency: cfg.AccountCurrency}
		if seed != nil {
			paperCfg = seed.Paper
			if paperCfg.Currency == "" {
				paperCfg.Currency = cfg.AccountCurrency
			}
		}
		logger.Infof("📝 Paper broker (%d instruments, cash %s %s)", len(paperCfg.Instruments), paperCfg.Cash, paperCfg.Currency)
		return paper.New(paperCfg), nil
	default:
		return nil, errors.New("unknown broker: " + cfg.Broker)
	}
}

// syncSeedStrategies creates seed strategies that are not in the database yet.
// Existing rows are left alone, the database owns their runtime state.
func syncSeedStrategies(st *store.Store, seed *config.Seed) {
	ctx := context.Background()
	for _, s := range seed.Strategies {
		strategy, err := s.Strategy()
		if err != nil {
			logger.Warnf("⚠️  跳过种子策略 %d/%s: %v", s.StrategyID, s.Ticker, err)
			continue
		}
		err = st.Strategy().Create(ctx, strategy)
		switch {
		case errors.Is(err, store.ErrStrategyExists):
			logger.Debugf("[Seed] strategy %s already exists", strategy.Key())
		case err != nil:
			logger.Warnf("⚠️  创建种子策略 %s 失败: %v", strategy.Key(), err)
		default:
			logger.Infof("✓ Seed strategy %s created", strategy.Key())
		}
	}
}
