package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/api"
	"github.com/trogers1052/autotrade/internal/broker"
	"github.com/trogers1052/autotrade/internal/config"
	"github.com/trogers1052/autotrade/internal/database"
	"github.com/trogers1052/autotrade/internal/kafka"
	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/ledger/memory"
	"github.com/trogers1052/autotrade/internal/locker"
	"github.com/trogers1052/autotrade/internal/logging"
	"github.com/trogers1052/autotrade/internal/marketdata"
	"github.com/trogers1052/autotrade/internal/metrics"
	"github.com/trogers1052/autotrade/internal/reconcile"
	"github.com/trogers1052/autotrade/internal/scheduler"
	"github.com/trogers1052/autotrade/internal/strategy"
	"github.com/trogers1052/autotrade/internal/translator"
)

func main() {
	cfg := config.Load()
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("Autotrader failed")
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"ledger": cfg.LedgerBackend,
		"broker": cfg.Broker.Mode,
	}).Info("Starting autotrader")

	// Ledger
	var (
		l      ledger.Ledger
		health api.Pinger
	)
	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		logrus.Warn("Using in-memory ledger; positions are lost on restart")
		l = memory.New()
	default:
		db, err := database.New(cfg.Database.ConnectionString())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		l, health = db, db
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Per-strategy lock
	var locks locker.Locker = locker.NewLocal()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		locks = locker.NewRedis(client, cfg.Redis.LockTTL, 0)
		logrus.WithField("addr", cfg.Redis.Addr).Info("Using Redis strategy locks")
	}

	// Market data
	mdToken := cfg.MarketData.Token
	var source marketdata.Source = marketdata.NewSchwab(cfg.MarketData.BaseURL, func() string { return mdToken }, cfg.MarketData.Timeout)
	source = marketdata.NewRetrying(source, cfg.MarketData.Retries, cfg.MarketData.RetryInitial)

	// Broker
	var gw broker.Gateway
	switch cfg.Broker.Mode {
	case config.BrokerSchwab:
		brokerToken := cfg.Broker.Token
		gw = broker.NewSchwab(cfg.Broker.BaseURL, cfg.Broker.AccountID, func() string { return brokerToken }, cfg.Broker.Timeout)
	default:
		gw = broker.NewPaper(lastPrice(source))
	}

	// Notifications
	notifier := reconcile.MultiNotifier{reconcile.LogNotifier{}}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		defer producer.Close()
		notifier = append(notifier, producer)
	}

	// Strategies
	params := strategy.Params{}
	if cfg.StrategyParamsFile != "" {
		p, err := strategy.LoadParams(cfg.StrategyParamsFile)
		if err != nil {
			return err
		}
		params = p
	}
	registry := strategy.Builtins(params)
	logrus.WithField("strategies", registry.Names()).Info("Strategy registry loaded")

	rec := reconcile.New(reconcile.Options{
		Ledger:   l,
		Gateway:  gw,
		Locker:   locks,
		Notifier: notifier,
		Metrics:  m,
		Config: reconcile.Config{
			Poll: broker.PollPolicy{
				MaxRetries: cfg.Broker.PollRetries,
				Initial:    cfg.Broker.PollInitial,
				MaxWait:    cfg.Broker.PollMaxWait,
			},
			GraceWindow:    cfg.Reconcile.GraceWindow,
			ResolveTimeout: cfg.Reconcile.ResolveTimeout,
			SweepInterval:  cfg.Reconcile.SweepInterval,
			AuditPositions: cfg.Reconcile.AuditPositions,
		},
	})
	tr := translator.New(translator.Options{
		Ledger:     l,
		Gateway:    gw,
		Locker:     locks,
		Reconciler: rec,
		Notifier:   notifier,
		Metrics:    m,
	})
	sched := scheduler.New(scheduler.Options{
		Strategies: l,
		Source:     source,
		Registry:   registry,
		Translator: tr,
		Metrics:    m,
		Config: scheduler.Config{
			SettleDelay:      cfg.Scheduler.SettleDelay,
			ReloadInterval:   cfg.Scheduler.ReloadInterval,
			SignalWindowBars: cfg.Scheduler.SignalWindowBars,
			Location:         cfg.Scheduler.Location(),
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.OrderUpdatesTopic, cfg.Kafka.GroupID, rec)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil {
				logrus.WithError(err).Error("Kafka consumer stopped")
			}
		}()
	}

	// Operator API
	server := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           api.SetupRoutes(api.NewHandler(l, health).WithCanceler(rec), metrics.Handler(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("HTTP server error")
			cancel()
		}
	}()

	// Blocks until shutdown; in-progress ticks finish first
	if err := sched.Run(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	logrus.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("HTTP server shutdown error")
	}

	wg.Wait()
	logrus.Info("Autotrader stopped")
	return nil
}

// lastPrice prices paper market orders at the latest one-minute close
func lastPrice(source marketdata.Source) broker.PriceFunc {
	return func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		bars, err := source.Fetch(ctx, marketdata.Request{Symbol: symbol, TimeFrame: 1, LookbackDays: 1, ExtendedHours: true})
		if err != nil {
			return decimal.Zero, err
		}
		if len(bars) == 0 {
			return decimal.Zero, fmt.Errorf("no recent bars for %s", symbol)
		}
		return bars[len(bars)-1].Close, nil
	}
}
