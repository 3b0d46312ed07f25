package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/config"
	"github.com/mossy-p/stranger-signaling/internal/broker"
	"github.com/mossy-p/stranger-signaling/internal/handlers"
	"github.com/mossy-p/stranger-signaling/internal/middleware"
	"github.com/mossy-p/stranger-signaling/internal/presence"
	"github.com/mossy-p/stranger-signaling/internal/redis"
	"github.com/mossy-p/stranger-signaling/internal/rooms"
)

var log = logrus.New()

func setupLogging(cfg *config.Config) {
	log.SetOutput(os.Stdout)
	if cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

func main() {
	// Load configuration
	config.LoadDotEnv()
	cfg := config.Load()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store    presence.Store
		observer broker.RoomObserver
		index    *rooms.RedisIndex
	)

	switch cfg.PresenceBackend {
	case "memory":
		store = presence.NewMemoryStore()
		log.Info("Using in-memory presence")
	default:
		// Connect to Redis
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info("Redis connection established")

		store = presence.NewRedisStore(rdb, cfg.Redis.Prefix)
		index = rooms.NewRedisIndex(rdb, cfg.Redis.Prefix, cfg.RoomTTL, log.WithField("component", "rooms"))
		observer = index
		// Rooms from a previous run died with it.
		if err := index.Reset(ctx); err != nil {
			log.WithError(err).Warn("Failed to reset room index")
		}
		go index.Run(ctx)
	}

	// Nobody is connected yet; drop identities left over from a previous run.
	if err := store.Reset(ctx); err != nil {
		log.WithError(err).Warn("Failed to reset presence")
	}

	sessions := middleware.NewSessions(cfg.JWTSecret, cfg.SessionTTL)
	hub := handlers.NewHub(handlers.HubOptions{
		Presence: store,
		Sessions: sessions,
		Observer: observer,
		Logger:   log.WithField("component", "hub"),
	})

	var lookup rooms.Lookup = rooms.LookupFunc(hub.Broker().Room)
	if index != nil {
		lookup = index
	}

	counter := presence.NewCounter(store, cfg.OnlineCountInterval, hub.BroadcastOnlineCount, log.WithField("component", "presence"))
	go counter.Run(ctx)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(&handlers.API{
		Hub:      hub,
		Rooms:    lookup,
		Sessions: sessions,
		ICE:      cfg.ICE,
	}, cfg.AllowedOrigins)

	// Start server
	log.WithFields(logrus.Fields{
		"port":        cfg.Port,
		"environment": cfg.Environment,
		"presence":    cfg.PresenceBackend,
		"ice_mode":    cfg.ICE.Mode,
	}).Info("Starting signaling server")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.WithError(err).Fatal("Failed to start server")
	}
}
