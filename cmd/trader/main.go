package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"signal-trader/internal/checkpoint"
	"signal-trader/internal/config"
	"signal-trader/internal/diag"
	"signal-trader/internal/exchange"
	"signal-trader/internal/funding"
	"signal-trader/internal/hub"
	"signal-trader/internal/logger"
	"signal-trader/internal/models"
	"signal-trader/internal/notify"
	"signal-trader/internal/persistence"
	"signal-trader/internal/reconcile"
	"signal-trader/internal/registry"
	"signal-trader/internal/reporter"
	"signal-trader/internal/router"
	"signal-trader/internal/sequencer"

	"github.com/joho/godotenv"
)

const marketRefreshInterval = 24 * time.Hour

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// A default logger so config loading itself can log.
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, reading from system environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("loading config: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("opening state store: %v", err)
	}
	defer store.Close()

	reg := registry.New(store, cfg.MaxTransactions)
	if err := reg.Load(); err != nil {
		logger.S().Fatalf("loading checkpoint: %v", err)
	}

	ex := exchange.NewBinanceClient(cfg.APIKey, cfg.SecretKey, cfg.IsTestnet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	markets, err := ex.LoadMarkets(ctx, true)
	if err != nil {
		logger.S().Fatalf("loading markets: %v", err)
	}
	reg.SetMarkets(markets)
	logger.S().Infof("loaded %d markets", len(markets))

	settled := exchange.NewSettledBalances(ex,
		time.Duration(cfg.SettleDelayMs)*time.Millisecond,
		time.Duration(cfg.BalanceTTLSec)*time.Second)

	notifier := notify.NewMailNotifier(cfg.SMTP)

	queue := sequencer.NewQueue(time.Duration(cfg.QueueIntervalMs) * time.Millisecond)
	queue.Start()

	var hubClient *hub.Client
	seq := sequencer.New(cfg, reg, ex, settled, queue, ackSenderFunc(func(channel string, ack models.TradeAck) {
		hubClient.SendAck(channel, ack)
	}), notifier)
	engine := funding.NewEngine(cfg, reg, settled, seq)
	rt := router.New(cfg, reg, engine, seq, notifier)

	handler := &hubHandler{ctx: ctx, router: rt}
	hubClient = hub.NewClient(cfg.HubURL, cfg.HubAPIKey, handler)
	go hubClient.Run()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connectCancel()
	if err := hubClient.WaitConnected(connectCtx); err != nil {
		logger.S().Fatalf("hub unreachable: %v", err)
	}

	hubTrades, err := hubClient.RequestOpenTrades(connectCtx)
	if err != nil {
		logger.S().Fatalf("fetching hub open trades: %v", err)
	}
	if err := reconcile.New(cfg, reg, ex, notifier).Run(ctx, hubTrades); err != nil {
		logger.S().Fatalf("reconciliation: %v", err)
	}
	handler.ready.Store(true)

	// The checkpoint writer arms only from here on: reconciliation above
	// already settled the books it will persist.
	writer := checkpoint.NewWriter(store, reg,
		time.Duration(cfg.CheckpointDelayMs)*time.Millisecond,
		func(err error) {
			logger.S().Fatalf("checkpoint write failed, refusing to trade blind: %v", err)
		})
	reg.SetOnDirty(writer.Schedule)
	writer.Schedule()

	rep := reporter.New(reg)
	rep.LogOpenTrades()
	rep.LogVirtualBalances()

	var diagServer *diag.Server
	if cfg.DiagAddr != "" {
		diagServer = diag.New(cfg.DiagAddr, reg, rt)
		diagServer.Start()
	}

	go refreshMarkets(ctx, ex, reg)

	logger.S().Info("trading engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("shutting down")

	hubClient.Stop()
	queue.Stop()
	cancel()
	if diagServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		diagServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	writer.Close()
	rep.LogBalanceHistory(models.Real, 7)
	logger.S().Info("stopped, state checkpointed")
}

// refreshMarkets reloads symbol metadata daily so delisted or suspended
// symbols stop being tradeable without a restart.
func refreshMarkets(ctx context.Context, ex exchange.Client, reg *registry.Registry) {
	ticker := time.NewTicker(marketRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			markets, err := ex.LoadMarkets(ctx, true)
			if err != nil {
				logger.S().Errorf("market refresh failed: %v", err)
				continue
			}
			inactive := 0
			for _, m := range markets {
				if !m.Active {
					inactive++
				}
			}
			reg.SetMarkets(markets)
			logger.S().Infof("markets refreshed: %d total, %d inactive", len(markets), inactive)

			for _, t := range reg.Trades() {
				m := markets[t.Symbol]
				if (m == nil || !m.Active) && !t.IsStopped {
					reg.TouchTrade(t.ID, func(tr *models.TradeOpen) { tr.IsStopped = true })
					logger.S().Warnf("trade %s frozen: %s no longer tradable", t.ID, t.Symbol)
				}
			}
		}
	}
}

// hubHandler bridges hub events into the router. Signals are dropped until
// startup reconciliation has settled the books.
type hubHandler struct {
	ctx    context.Context
	router *router.Router
	ready  atomic.Bool
}

func (h *hubHandler) OnStrategies(strategies []models.Strategy) {
	h.router.HandleStrategies(strategies)
}

func (h *hubHandler) OnSignal(sig models.Signal) {
	if !h.ready.Load() {
		logger.S().Warnf("dropping %s %s %s: received before reconciliation finished", sig.Entry, sig.Position, sig.Symbol)
		return
	}
	// Rejections are already logged by the router; nothing else to do here.
	_ = h.router.HandleSignal(h.ctx, sig)
}

// ackSenderFunc lets the sequencer acknowledge through a hub client that is
// constructed after it.
type ackSenderFunc func(channel string, ack models.TradeAck)

func (f ackSenderFunc) SendAck(channel string, ack models.TradeAck) { f(channel, ack) }
