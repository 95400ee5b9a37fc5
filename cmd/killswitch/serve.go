package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GoPolymarket/polymarket-killswitch/internal/api"
	"github.com/GoPolymarket/polymarket-killswitch/internal/clock"
	"github.com/GoPolymarket/polymarket-killswitch/internal/config"
	"github.com/GoPolymarket/polymarket-killswitch/internal/events"
	"github.com/GoPolymarket/polymarket-killswitch/internal/feed"
	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/killswitch"
	"github.com/GoPolymarket/polymarket-killswitch/internal/logging"
	"github.com/GoPolymarket/polymarket-killswitch/internal/notify"
	"github.com/GoPolymarket/polymarket-killswitch/internal/portfolio"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kill switch service",
		Long: `Load the policy, restore the state from the audit ledger and run the
trigger loop, the price feed and the HTTP API until SIGINT or SIGTERM.

The config file is TOML unless its extension is .yaml or .yml. Without
--config the built-in defaults are used; environment overrides apply
either way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", os.Getenv("KILL_SWITCH_CONFIG"), "Path to config file (TOML or YAML)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, cleanup, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer cleanup()

	clk := clock.Real()
	sdkClient := polymarket.NewClient()
	prices := feed.NewPriceClock(clk, cfg.Exchange.Assets...)

	provider := &health.SystemProvider{Prices: prices, Clock: clk}
	var runners []killswitch.Runner
	if cfg.Exchange.Enabled {
		clobClient := sdkClient.CLOB
		timeout := cfg.Exchange.ProbeTimeout()
		provider.Exchange = func(ctx context.Context) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			_, err := clobClient.Markets(ctx, &clobtypes.MarketsRequest{Limit: 1})
			return err
		}
		wsClient := sdkClient.CLOBWS
		feedLogger := logger.Named("feed")
		runners = append(runners, func(ctx context.Context) error {
			return prices.Run(ctx, wsClient, feedLogger)
		})
	} else {
		logger.Warn("exchange probe disabled: connectivity always reported as up")
	}

	var sinks []events.Sink
	var listeners []killswitch.EscalationListener
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Kafka, logger.Named("kafka"))
		if err != nil {
			return err
		}
		defer kp.Close()
		sinks = append(sinks, kp)
	}
	if cfg.Telegram.Enabled {
		n := notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		sinks = append(sinks, n)
		listeners = append(listeners, n)
	}

	svc, err := killswitch.Open(killswitch.Options{
		Config:    cfg,
		Logger:    logger,
		Clock:     clk,
		Provider:  provider,
		Sinks:     sinks,
		Listeners: listeners,
		Runners:   runners,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })

	if cfg.Portfolio.Enabled {
		tracker := portfolio.NewTracker(sdkClient.Data, common.HexToAddress(cfg.Portfolio.WalletAddress),
			cfg.Portfolio.SyncInterval(), svc, logger.Named("portfolio"))
		g.Go(func() error { return tracker.Run(ctx) })
	}

	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API.Addr, svc, svc.Registry(), logger.Named("api"))
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.Info("kill switch serving",
		zap.String("state", string(svc.State())),
		zap.Bool("api", cfg.API.Enabled),
		zap.Bool("exchange", cfg.Exchange.Enabled),
		zap.Int("sinks", len(sinks)),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("kill switch stopped", zap.Error(err))
		return err
	}
	logger.Info("kill switch stopped", zap.String("state", string(svc.State())))
	return nil
}
