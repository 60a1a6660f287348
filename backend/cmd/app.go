package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/screencast/backend/config"
	"github.com/adwski/screencast/backend/events"
	"github.com/adwski/screencast/backend/metrics"
	"github.com/adwski/screencast/backend/router"
	httpServer "github.com/adwski/screencast/backend/server/http"
	websocketServer "github.com/adwski/screencast/backend/server/websocket"
	"github.com/adwski/screencast/backend/service"
	store "github.com/adwski/screencast/backend/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = logger.Level(cfg.Level())

	m := metrics.New(prometheus.DefaultRegisterer)
	broker := events.NewBroker(events.Config{
		Logger:           &logger,
		SubscriberBuffer: cfg.EventBufferSize,
	})
	defer broker.Close()

	svc := service.NewService(service.Config{
		Router: router.NewRouter(router.Config{
			Logger:          &logger,
			Store:           store.NewMemStore(),
			Observers:       []router.Observer{m, broker},
			AutoCreateRooms: cfg.AutoCreateRooms,
		}),
		Metrics:         m,
		Logger:          &logger,
		RoomGracePeriod: cfg.RoomGracePeriod,
		RoomGCInterval:  cfg.RoomGCInterval,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RoomService:    svc,
		RoomEvents:     broker,
		MetricsHandler: promhttp.Handler(),
		ListenAddr:     cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		Metrics:          m,
		ListenAddr:       cfg.WSListenAddr,
		OutboundQueue:    cfg.OutboundQueueSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go svc.RunRoomGC(ctx, wg)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
