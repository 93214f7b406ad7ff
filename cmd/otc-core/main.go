package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/internal/cache"
	"github.com/welloex/otc-core/internal/config"
	"github.com/welloex/otc-core/internal/database"
	"github.com/welloex/otc-core/internal/identity"
	"github.com/welloex/otc-core/internal/otc/arbitration"
	"github.com/welloex/otc-core/internal/otc/custody"
	"github.com/welloex/otc-core/internal/otc/escrow"
	"github.com/welloex/otc-core/internal/otc/events"
	"github.com/welloex/otc-core/internal/otc/matching"
	"github.com/welloex/otc-core/internal/otc/oracle"
	"github.com/welloex/otc-core/internal/otc/orderbook"
	"github.com/welloex/otc-core/internal/otc/repository"
	"github.com/welloex/otc-core/internal/otc/reputation"
	"github.com/welloex/otc-core/internal/server"
	"github.com/welloex/otc-core/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store (optional).
	var tradeStore escrow.TradeStore
	var disputeStore arbitration.DisputeStore
	var outcomeStore reputation.OutcomeStore
	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("failed to open database", zap.Error(err))
	}
	if db != nil {
		store, err := repository.NewStore(db)
		if err != nil {
			zapLogger.Fatal("failed to migrate schema", zap.Error(err))
		}
		tradeStore, disputeStore, outcomeStore = store, store, store
		zapLogger.Info("persistence enabled", zap.String("driver", cfg.Database.Driver))
	}

	// Snapshot cache (optional).
	snapshots, err := cache.New(ctx, cfg.Redis, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer snapshots.Close()

	// Outcome event fan-out (optional).
	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer kp.Close()
		publisher = kp
	}

	// External collaborators. The in-memory custodian and static oracle
	// stand in until the real services are wired.
	custodian := custody.NewInMemory()
	priceOracle := oracle.NewStaticOracle()
	kyb := identity.NewStaticProvider(true)

	ledger := reputation.NewLedger(cfg.Reputation, outcomeStore, zapLogger.Named("reputation"))
	book := orderbook.NewBook(zapLogger.Named("orderbook"), kyb, ledger.TradeLimit)
	esc := escrow.NewService(cfg.Escrow, custodian, book, ledger, publisher, tradeStore, zapLogger.Named("escrow"))
	engine := matching.NewEngine(cfg.Matching, book, ledger, priceOracle, esc, kyb, zapLogger.Named("matching"))
	arb := arbitration.NewService(cfg.Arbitration, esc, disputeStore, zapLogger.Named("arbitration"))

	// Asynchronous custody confirmations drive the locked -> awaiting_fiat
	// transition.
	go func() {
		for conf := range custodian.Confirmations() {
			if conf.Kind != custody.ConfirmationLocked {
				continue
			}
			if err := esc.HandleLockConfirmed(ctx, conf.TradeID); err != nil {
				zapLogger.Warn("lock confirmation dropped",
					zap.String("trade_id", conf.TradeID.String()), zap.Error(err))
			}
		}
	}()

	go esc.RunSweeper(ctx)

	srv := server.New(cfg.Server, book, engine, esc, arb, ledger, snapshots, zapLogger.Named("http"))
	go func() {
		if err := srv.Run(); err != nil {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zapLogger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("shutdown incomplete", zap.Error(err))
	}
}
