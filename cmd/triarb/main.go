package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"triarb/internal/arbitrage"
	"triarb/internal/config"
	"triarb/internal/database"
	"triarb/internal/exchange"
	"triarb/internal/executor"
	"triarb/internal/feed"
	"triarb/internal/monitor"
	"triarb/internal/notify"
	"triarb/internal/risk"
)

const shutdownTimeout = 10 * time.Second

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "triarb",
		Short: "Triangular arbitrage engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")

	root.AddCommand(runCmd(), scanCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the live trading loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			provider, err := config.NewFileProvider(configPath)
			if err != nil {
				return fmt.Errorf("cannot load config: %w", err)
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("cannot load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var repo database.Repository
			if cfg.Database.Host != "" {
				connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
					cfg.Database.User, cfg.Database.Password,
					cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName)
				pool, err := pgxpool.New(ctx, connStr)
				if err != nil {
					return fmt.Errorf("cannot connect to database: %w", err)
				}
				defer pool.Close()
				pg := &database.PostgresRepository{Pool: pool}
				if err := pg.Migrate(ctx); err != nil {
					return fmt.Errorf("cannot migrate database: %w", err)
				}
				repo = pg
			} else {
				logger.Warn("no database configured, using in-memory persistence")
				repo = database.NewMemoryRepository()
			}

			priceFeed := feed.NewPriceFeed(logger)
			manager := feed.NewManager(priceFeed, logger)
			for _, source := range cfg.Feed.Sources {
				client, err := exchange.NewMarketClient(source, logger)
				if err != nil {
					logger.Error("skipping market source", "source", source, "error", err)
					continue
				}
				manager.Add(client)
			}
			if cfg.Feed.UseSample || len(cfg.Feed.Sources) == 0 {
				feed.LoadSample(priceFeed)
			}

			notifier := notify.NewLogNotifier(logger)
			gate := risk.NewGate(ctx, logger, repo, provider, notifier)
			paperCfg := cfg.Exchanges["paper"]
			broker := exchange.NewPaperBroker("paper", logger, func(pair string) (float64, bool) {
				q, ok := priceFeed.Get(pair)
				return q.Price, ok
			}, paperCfg.OrdersPerSecond, paperCfg.TakerFeePercent)
			engine := arbitrage.NewEngine(logger, cfg.Risk.MinProfitThreshold)
			exec := executor.NewExecutor(logger, priceFeed, gate, broker, repo, provider, cfg.Account)
			service := arbitrage.NewService(logger, engine, gate, exec, repo)
			mon := monitor.NewMonitor(logger, provider, priceFeed, service)

			manager.StartAll(ctx)
			mon.Start(ctx)
			logger.Info("triarb running", "sources", cfg.Feed.Sources, "account", cfg.Account)

			<-ctx.Done()
			logger.Info("shutting down")
			if err := mon.Stop(shutdownTimeout); err != nil {
				logger.Error("monitor shutdown", "error", err)
			}
			manager.StopAll(shutdownTimeout)
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "One-shot opportunity scan over the sample snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("cannot load config: %w", err)
			}

			priceFeed := feed.NewPriceFeed(logger)
			feed.LoadSample(priceFeed)

			engine := arbitrage.NewEngine(logger, cfg.Risk.MinProfitThreshold)
			opportunities := engine.ScanOpportunities(priceFeed.Prices())
			stats := engine.Stats()
			fmt.Printf("triangles: %d, threshold: %.4f%%\n", stats.Count, stats.Threshold)
			if len(opportunities) == 0 {
				fmt.Println("no opportunities above threshold")
				return nil
			}
			for _, opp := range opportunities {
				fmt.Printf("%-40s %+.4f%%\n", opp.Triangle.String(), opp.ProfitPercent)
				for _, step := range opp.Steps {
					fmt.Printf("  %s\n", step)
				}
			}
			return nil
		},
	}
}
