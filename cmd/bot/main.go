package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"swing-trading-bot/internal/alerts"
	"swing-trading-bot/internal/audit"
	"swing-trading-bot/internal/engine"
	"swing-trading-bot/internal/exchange"
	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/logger"
	"swing-trading-bot/internal/metrics"
	"swing-trading-bot/internal/risk"
	"swing-trading-bot/internal/store"
	"swing-trading-bot/internal/strategy"
	"swing-trading-bot/internal/trace"
	"swing-trading-bot/internal/types"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	_ = godotenv.Load()
	must(logger.Init())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "tracer init failed: %v\n", err)
	}
	defer trace.Shutdown(context.Background())

	path := os.Getenv("BOT_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	must(err)

	auditStore := buildAudit(cfg)
	defer auditStore.Close()

	alerter := buildAlerter(cfg)
	alerter.Alert(interfaces.AlertInfo, fmt.Sprintf("bot starting in %s mode, symbols %v", cfg.Mode, cfg.Symbols))

	metricsSrv := metrics.Serve(cfg.Metrics.Addr)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		_ = metricsSrv.Shutdown(sctx)
	}()

	ex, feed := buildExchange(ctx, cfg)

	gov := risk.NewGovernor(risk.GovernorConfig{
		MaxExposureFraction:  cfg.Risk.MaxExposureFraction,
		MaxDrawdown:          cfg.Halts.MaxDrawdown,
		MaxConsecutiveLosses: cfg.Halts.MaxConsecutiveLosses,
		DailyLossLimit:       cfg.Halts.DailyLossLimit,
	}, cfg.Account.InitialEquity)

	eng := engine.New(engine.Params{
		Config:   cfg,
		Exchange: ex,
		Sources: []interfaces.SignalSource{
			strategy.NewTrend(cfg.SignalTTL()),
			strategy.NewMeanRevert(cfg.SignalTTL()),
		},
		Governor: gov,
		Audit:    auditStore,
		Alerter:  alerter,
	})
	eng.Start(ctx)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	tick := time.NewTicker(time.Duration(cfg.PollSeconds) * time.Second)
	defer tick.Stop()

	logger.Info(ctx, "Bot started", "mode", cfg.Mode, "poll_seconds", cfg.PollSeconds)

	day := time.Now().Format("2006-01-02")
	for {
		select {
		case <-tick.C:
			feed(ctx, eng)

			// Trading-day roll: the only time-driven halt reset.
			if today := time.Now().Format("2006-01-02"); today != day {
				day = today
				snap := eng.Snapshot()
				logger.Info(ctx, "Daily summary",
					"equity", snap.Equity,
					"realized", snap.RealizedToday,
					"wins", snap.Wins,
					"losses", snap.Losses,
					"drawdown", snap.Drawdown(),
					"open_positions", snap.OpenPositions,
				)
				eng.ResetHalts(ctx, "trading day roll")
				if j, ok := jsonlOf(auditStore); ok {
					if err := j.CompressOlder(cfg.Audit.RetainDays); err != nil {
						logger.Warn(ctx, "Audit log compression failed", "error", err)
					}
				}
			}
		case sig := <-sigc:
			if sig == syscall.SIGHUP {
				eng.ResetHalts(ctx, "operator SIGHUP")
				continue
			}
			logger.Info(ctx, "Shutting down", "signal", sig.String())
			alerter.Alert(interfaces.AlertInfo, "bot shutting down")
			cancel()
			eng.Wait()
			return
		}
	}
}

// feedFunc pushes the next round of candles into the engine.
type feedFunc func(ctx context.Context, eng *engine.Engine)

func buildExchange(ctx context.Context, cfg *store.Config) (interfaces.Exchange, feedFunc) {
	if cfg.Mode == "LIVE" {
		kite := exchange.NewKite(exchange.KiteParams{
			APIKey:      os.Getenv("KITE_API_KEY"),
			AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
			Exchange:    cfg.Exchange,
		})
		kite.Start(ctx)
		return kite, kiteFeed(kite, cfg.Symbols)
	}
	sim := exchange.NewSim(true)
	return sim, simFeed(sim, cfg.Symbols)
}

// kiteFeed polls last traded prices and rolls them into one candle per poll.
func kiteFeed(kite *exchange.Kite, symbols []string) feedFunc {
	last := make(map[string]float64)
	return func(ctx context.Context, eng *engine.Engine) {
		prices, err := kite.LastPrices(ctx, symbols)
		if err != nil {
			logger.Warn(ctx, "Price poll failed", "error", err)
			return
		}
		now := time.Now()
		for sym, px := range prices {
			prev, ok := last[sym]
			if !ok {
				prev = px
			}
			last[sym] = px
			eng.OnCandle(sym, types.Candle{
				Ts:    now,
				Open:  prev,
				High:  max(prev, px),
				Low:   min(prev, px),
				Close: px,
			})
		}
	}
}

// simFeed drives paper trading with a random walk.
func simFeed(sim *exchange.Sim, symbols []string) feedFunc {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		prices[sym] = 100 + rng.Float64()*100
	}
	return func(ctx context.Context, eng *engine.Engine) {
		now := time.Now()
		for _, sym := range symbols {
			prev := prices[sym]
			px := prev * (1 + rng.NormFloat64()*0.004)
			prices[sym] = px
			sim.SetPrice(sym, px)
			eng.OnCandle(sym, types.Candle{
				Ts:    now,
				Open:  prev,
				High:  max(prev, px) * 1.001,
				Low:   min(prev, px) * 0.999,
				Close: px,
				Vol:   1000 + rng.Float64()*1000,
			})
		}
	}
}

func buildAudit(cfg *store.Config) interfaces.AuditStore {
	stores := audit.Tee{audit.NewJSONL(cfg.Audit.Dir)}
	if cfg.Audit.SQLitePath != "" {
		s, err := audit.OpenSQLite(cfg.Audit.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite audit store: %v", err)
		}
		stores = append(stores, s)
	}
	return stores
}

func jsonlOf(s interfaces.AuditStore) (*audit.JSONL, bool) {
	tee, ok := s.(audit.Tee)
	if !ok {
		return nil, false
	}
	for _, m := range tee {
		if j, ok := m.(*audit.JSONL); ok {
			return j, true
		}
	}
	return nil, false
}

func buildAlerter(cfg *store.Config) interfaces.Alerter {
	if !cfg.Alerts.Telegram {
		return alerts.Log{}
	}
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID, err := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
	if token == "" || err != nil {
		log.Println("telegram enabled but TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID not set; falling back to log alerts")
		return alerts.Log{}
	}
	t, err := alerts.NewTelegram(token, chatID)
	if err != nil {
		log.Printf("telegram init failed (%v); falling back to log alerts", err)
		return alerts.Log{}
	}
	return t
}
