package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/transitlab/fleet-telemetry-go/internal/api"
	"github.com/transitlab/fleet-telemetry-go/internal/broker"
	"github.com/transitlab/fleet-telemetry-go/internal/config"
	"github.com/transitlab/fleet-telemetry-go/internal/database"
	"github.com/transitlab/fleet-telemetry-go/internal/handler"
	"github.com/transitlab/fleet-telemetry-go/internal/hub"
	"github.com/transitlab/fleet-telemetry-go/internal/processor"
	"github.com/transitlab/fleet-telemetry-go/internal/repository"
	"github.com/transitlab/fleet-telemetry-go/internal/service"
)

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化数据库
	if err := database.Init(database.Config{Path: cfg.DBPath}); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.Close()

	db := database.GetDB()
	if err := database.NewMigrationManager(db).RunMigrations(); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	// Queue backend. An unreachable broker aborts startup; running
	// degraded would silently drop telemetry.
	queue, err := newBroker(cfg)
	if err != nil {
		log.Fatal("Failed to initialize broker:", err)
	}

	vehicleRepo := repository.NewVehicleRepository(db)
	locationRepo := repository.NewLocationRepository(db)

	fanout := hub.NewHub()
	registry := processor.NewBufferRegistry()
	proc := processor.New(queue, registry, vehicleRepo, locationRepo, fanout, processor.Options{
		FlushThreshold: cfg.FlushThreshold,
		FlushInterval:  cfg.FlushInterval,
	})
	if err := proc.Start(); err != nil {
		log.Fatal("Failed to start stream processor:", err)
	}

	router := api.SetupRouter(cfg, api.Handlers{
		Ingest:   handler.NewIngestHandler(service.NewIngestService(vehicleRepo, queue)),
		Location: handler.NewLocationHandler(service.NewLocationService(vehicleRepo, locationRepo)),
		WS:       handler.NewWSHandler(fanout),
	})

	srv := &http.Server{Addr: cfg.Port, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}

		// Shutdown order matters: stop deliveries, then drain buffers
		// with a final flush, then drop observer connections.
		if err := queue.Close(); err != nil {
			log.Printf("Broker close error: %v", err)
		}
		proc.Stop()
		fanout.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error:", err)
	}
}

func newBroker(cfg *config.Config) (broker.Broker, error) {
	if cfg.Broker == "nsq" {
		return broker.NewNSQBroker(cfg.NSQDAddr, cfg.NSQTopic, cfg.NSQChan)
	}
	return broker.NewMemoryBroker(256), nil
}
