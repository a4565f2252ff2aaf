package main

import (
	"binance-momentum-bot-go/internal/config"
	"binance-momentum-bot-go/internal/exchange"
	"binance-momentum-bot-go/internal/indicator"
	"binance-momentum-bot-go/internal/logger"
	"binance-momentum-bot-go/internal/models"
	"binance-momentum-bot-go/internal/observability"
	"binance-momentum-bot-go/internal/persistence"
	"binance-momentum-bot-go/internal/reconciler"
	"binance-momentum-bot-go/internal/reporter"
	"binance-momentum-bot-go/internal/statemanager"
	"binance-momentum-bot-go/internal/storage"
	"binance-momentum-bot-go/internal/supervisor"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: live or paper (overrides the config file)")
	status := flag.Bool("status", false, "print persisted bot states and trade history, then exit")
	flag.Parse()

	// Default logger until the config file is read.
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("No .env file found, reading credentials from the environment")
	} else {
		logger.S().Info("Loaded environment from .env")
	}

	provider, err := config.NewProvider(*configPath, logger.L())
	if err != nil {
		logger.S().Fatalf("Failed to load config: %v", err)
	}
	cfg := provider.Current()
	if *mode != "" {
		c := *cfg
		c.Mode = *mode
		if err := config.Validate(&c); err != nil {
			logger.S().Fatalf("Invalid mode: %v", err)
		}
		provider.Set(&c)
		cfg = &c
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()
	provider.OnChange(func(c *models.Config) { logger.SetLevel(c.LogConfig.Level) })

	if *status {
		if err := printStatus(cfg); err != nil {
			logger.S().Fatalf("Status failed: %v", err)
		}
		return
	}

	if err := run(provider); err != nil {
		logger.S().Fatalf("Bot stopped with error: %v", err)
	}
}

func run(provider *config.Provider) error {
	cfg := provider.Current()
	log := logger.L()
	log.Info("Starting momentum bot", zap.String("mode", cfg.Mode), zap.Bool("testnet", cfg.IsTestnet), zap.Strings("symbols", cfg.Symbols))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()

	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	retrier := exchange.NewRetrier(cfg.Retry, log.Named("retry"))
	retrier.SetObserver(metrics)
	client := exchange.NewClient(gw, retrier, time.Duration(cfg.RulesCacheTTLSec)*time.Second, log.Named("exchange"))

	// Streamed prices only make sense when orders fill against the real market.
	var prices supervisor.PriceStreamer
	if cfg.Mode == "live" || cfg.Paper.UseLiveMarket {
		wsURL := cfg.LiveWSURL
		if cfg.IsTestnet {
			wsURL = cfg.TestnetWSURL
		}
		ps := exchange.NewPriceStream(wsURL,
			time.Duration(cfg.PriceStaleAfterSec)*time.Second,
			time.Duration(cfg.WebSocketPongTimeoutSec)*time.Second,
			time.Duration(cfg.WebSocketPingIntervalSec)*time.Second,
			log.Named("prices"))
		client.SetPriceSource(ps)
		prices = ps
	}

	repo, err := persistence.Open(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer repo.Close()
	states := statemanager.NewStateManager(repo, log.Named("state"))
	if err := states.Load(); err != nil {
		return fmt.Errorf("load states: %w", err)
	}
	states.Start()
	defer states.Stop()

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	history, err := storage.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()

	feedMaxAge := 3 * time.Duration(cfg.Strategy.FeedIntervalSec) * time.Second
	feed := indicator.NewKlineFeed(client, feedMaxAge, log.Named("feed"))

	rec := reconciler.New(client, states, cfg.WorkerPoolSize, log.Named("reconciler"))
	rec.SetObserver(metrics)

	sup := supervisor.New(supervisor.Deps{
		Exchange:   client,
		States:     states,
		Config:     provider,
		Indicators: feed,
		Feed:       feed,
		History:    metrics.WrapHistory(history),
		Reconciler: rec,
		Prices:     prices,
		Cache:      client,
		Observer:   metrics,
		Logger:     log.Named("supervisor"),
	})

	// One reconciliation before the first tick so restored positions are current.
	if rep := rec.Reconcile(ctx); rep.Err != nil {
		log.Warn("Startup reconciliation failed, the periodic pass will retry", zap.Error(rep.Err))
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			log.Info("Serving metrics", zap.String("addr", cfg.Metrics.Listen))
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			sup.Stop()
			reporter.RenderBots(os.Stdout, sup.ListBots())
			return nil
		case <-hup:
			if changed, err := provider.Reload(); err != nil {
				log.Error("Reload on SIGHUP rejected", zap.Error(err))
			} else if changed {
				log.Info("Configuration reloaded on SIGHUP")
			}
		}
	}
}

func newGateway(ctx context.Context, cfg *models.Config, log *zap.Logger) (exchange.Gateway, error) {
	switch cfg.Mode {
	case "paper":
		var market exchange.MarketData
		if cfg.Paper.UseLiveMarket {
			market = exchange.NewBinanceGateway("", "", cfg.IsTestnet, log.Named("market"))
		}
		log.Info("Paper trading", zap.Float64("balance", cfg.Paper.InitialBalance), zap.Bool("live_market", market != nil))
		gw := exchange.NewPaperGateway(cfg.Paper, market)
		for sym, price := range cfg.Paper.Prices {
			gw.SetPrice(sym, price)
		}
		return gw, nil
	default:
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			return nil, fmt.Errorf("%w: BINANCE_API_KEY and BINANCE_SECRET_KEY must be set", models.ErrConfiguration)
		}
		gw := exchange.NewBinanceGateway(apiKey, secretKey, cfg.IsTestnet, log.Named("binance"))
		if err := gw.SyncTime(ctx); err != nil {
			log.Warn("Server time sync failed", zap.Error(err))
		}
		return gw, nil
	}
}

func printStatus(cfg *models.Config) error {
	ctx := context.Background()

	repo, err := persistence.Open(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer repo.Close()
	states, err := repo.LoadStates()
	if err != nil {
		return err
	}
	bots := make([]supervisor.BotInfo, 0, len(states))
	for _, s := range states {
		info := supervisor.BotInfo{
			Symbol:          s.Symbol,
			Status:          s.Status,
			StopLossPrice:   s.StopLossPrice,
			TakeProfitPrice: s.TakeProfitPrice,
			PendingRungs:    len(s.PendingLimitOrders),
			Halted:          s.Halted,
			LastCloseReason: s.LastCloseReason,
			LastError:       s.LastError,
			UpdatedAt:       s.UpdatedAt,
		}
		if p := s.Position; p != nil {
			info.Side = p.Side
			info.Quantity = p.Quantity
			info.EntryPrice = p.EntryPrice
		}
		bots = append(bots, info)
	}
	reporter.RenderBots(os.Stdout, bots)

	history, err := storage.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()
	summary, err := history.Summary(ctx)
	if err != nil {
		return err
	}
	reporter.RenderSummary(os.Stdout, summary)

	trades, err := history.Trades(ctx, "", 10000)
	if err != nil {
		return err
	}
	reporter.RenderMetrics(os.Stdout, reporter.CalculateMetrics(trades))
	return nil
}
