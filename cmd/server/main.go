package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"messenger/internal/config"
	"messenger/internal/conversation"
	"messenger/internal/db"
	"messenger/internal/fanout"
	"messenger/internal/gateway"
	"messenger/internal/middleware"
	"messenger/internal/pubsub"
	"messenger/internal/store"
	"messenger/internal/user"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Error("loading config", "err", err)
		os.Exit(1)
	}

	// 2. Platform layer: postgres + redis
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		log.Error("connecting to postgres", "err", err)
		os.Exit(1)
	}
	if err := database.AutoMigrate(); err != nil {
		log.Error("running migrations", "err", err)
		os.Exit(1)
	}
	log.Info("postgres ready")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Error("connecting to redis", "err", err)
		os.Exit(1)
	}
	log.Info("redis ready")

	broker := pubsub.NewRedisBroker(rdb, log)

	// 3. Users & auth
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	authMiddleware := middleware.NewAuthMiddleware(userService)

	// 4. Sync core
	st := store.NewStore(database.Conn)
	publisher := fanout.NewPublisher(broker, log)
	convService := conversation.NewService(st, userRepo, publisher, log)
	convHandler := conversation.NewHandler(convService)

	// 5. Realtime gateway
	presenceRegistry := gateway.NewPresenceRegistry(rdb, broker, log)
	hub := gateway.NewHub(broker, presenceRegistry, log)
	go hub.Run(context.Background())

	// 6. Routes
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Public
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/presence", presenceRegistry.ServeSnapshot)

		r.Get("/ws", hub.ServeWs)

		r.Post("/api/conversations", convHandler.Create)
		r.Get("/api/conversations", convHandler.List)
		r.Delete("/api/conversations/{conversationID}", convHandler.Delete)
		r.Get("/api/conversations/{conversationID}/messages", convHandler.History)
		r.Post("/api/conversations/{conversationID}/messages", convHandler.Send)
		r.Post("/api/conversations/{conversationID}/seen", convHandler.Seen)
	})

	log.Info("server starting", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
