package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"loci.chat/auth"
	"loci.chat/config"
	"loci.chat/data"
	"loci.chat/server"
	"loci.chat/spatial"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	store, err := data.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()

	blobs, err := data.NewBlobs(cfg.BlobDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open blob store")
	}

	identity := auth.NewProvider(cfg.JWTSecret, cfg.TokenExpiry)
	places := spatial.NewPlaces(logger)
	pusher := server.NewPusher(store, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushSubject, logger)
	meta := server.NewMetadataCache()

	srv := server.New(logger,
		server.WithHistorySize(cfg.HistorySize),
		server.WithKeepAlive(cfg.RoomKeepAlive),
		server.WithMetadataCache(meta),
		server.WithPublishHook(func(roomID string, msg *server.Message, connected []string) {
			pusher.NotifyMessage(context.Background(), roomID, msg, connected)
		}),
	)
	defer srv.Close()

	// metadata cache shares the room TTL sweep cadence
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			meta.Sweep(time.Now())
		}
	}()

	h := server.NewHandler(srv, identity, store, blobs, places, pusher, logger)
	router := server.NewRouter(h, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websockets hold the connection open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
