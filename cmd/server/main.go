package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/xtrntr/ratemarket/internal/api"
	"github.com/xtrntr/ratemarket/internal/auth"
	"github.com/xtrntr/ratemarket/internal/config"
	"github.com/xtrntr/ratemarket/internal/db"
	"github.com/xtrntr/ratemarket/internal/events"
	"github.com/xtrntr/ratemarket/internal/exchange"
	"github.com/xtrntr/ratemarket/internal/exposure"
	"github.com/xtrntr/ratemarket/internal/reference"
)

const rotateEvery = time.Minute

// Main entry point: replays the journal, starts the fan-out and serves HTTP
func main() {
	configPath := flag.String("config", os.Getenv("RATEMARKET_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[server] config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, err := events.OpenJournal(filepath.Join(cfg.DataDir, "journal"))
	if err != nil {
		log.Fatalf("[server] open journal: %v", err)
	}
	defer journal.Close()

	limit, err := cfg.ExposureDefault()
	if err != nil {
		log.Fatalf("[server] exposure limit: %v", err)
	}
	prices, err := cfg.ReferencePrices()
	if err != nil {
		log.Fatalf("[server] reference prices: %v", err)
	}
	ex := exchange.New(exchange.Config{
		Exposure:  exposure.NewManager(limit),
		Reference: reference.NewTable(prices),
		Sink:      journal,
	})

	recorded, err := journal.All()
	if err != nil {
		log.Fatalf("[server] read journal: %v", err)
	}
	if err := ex.Replay(ctx, recorded); err != nil {
		log.Fatalf("[server] replay: %v", err)
	}
	for _, cur := range cfg.Currencies {
		if slices.Contains(ex.Currencies(), cur.Code) {
			continue
		}
		params, err := cur.Params()
		if err != nil {
			log.Fatalf("[server] currency %s: %v", cur.Code, err)
		}
		if err := ex.InitializeCurrency(ctx, params); err != nil {
			log.Fatalf("[server] initialize %s: %v", cur.Code, err)
		}
		log.Printf("[server] initialized %s with %d markets", cur.Code, cur.Markets)
	}

	hub := api.NewHub()
	defer hub.Close()
	publishers := []events.Publisher{hub}

	var (
		accounts auth.AccountStore = auth.NewMemoryAccounts()
		history  api.History
	)
	if cfg.DatabaseURL != "" {
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[server] connect database: %v", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx, cfg.MigrationsPath); err != nil {
			log.Fatalf("[server] migrate: %v", err)
		}
		accounts, history = database, database
		publishers = append(publishers, database)
	} else {
		log.Println("[server] no database configured, accounts are kept in memory")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		var p interface {
			events.Publisher
			io.Closer
		}
		switch cfg.Kafka.Client {
		case "sarama":
			if p, err = events.NewSaramaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
				log.Fatalf("[server] sarama producer: %v", err)
			}
		default:
			p = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		}
		defer p.Close()
		publishers = append(publishers, p)
	}

	broadcaster := events.NewBroadcaster(journal, cfg.Broadcast.Interval, cfg.Broadcast.Batch, publishers...)
	broadcastDone := broadcaster.Start(ctx)
	go rotateLoop(ctx, ex)

	authService := auth.NewService(accounts, cfg.JWTSecret, cfg.TokenTTL)
	handler := api.NewHandler(ex, authService, history, cfg.Admins)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(handler, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	log.Printf("[server] listening on %s with %d events replayed", cfg.Addr, len(recorded))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[server] serve: %v", err)
	}
	<-broadcastDone
	log.Println("[server] stopped")
}

// rotateLoop retires matured markets as their maturities pass.
func rotateLoop(ctx context.Context, ex *exchange.Controller) {
	ticker := time.NewTicker(rotateEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, code := range ex.Currencies() {
				if _, err := ex.RotateMatured(ctx, code); err != nil {
					log.Printf("[server] rotate %s: %v", code, err)
				}
			}
		}
	}
}
