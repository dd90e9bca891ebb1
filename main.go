package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"quill/calls"
	"quill/chatsync"
	"quill/config"
	"quill/hub"
	"quill/logger"
	"quill/middleware"
	"quill/mq"
	"quill/presence"
	"quill/ratelim"
	"quill/rdx"
	"quill/reactions"
	"quill/routes"
	"quill/store"
	"quill/store/memstore"
	"quill/store/mongostore"
	"quill/typing"
)

func main() {
	cfg := config.Load()
	if cfg.UserID == "" {
		logger.Error("QUILL_USER_ID is required")
		os.Exit(1)
	}
	middleware.SetSecret(cfg.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Client
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, db, err := mongostore.Dial(dialCtx, cfg.MongoURI, cfg.MongoDB)
	cancel()
	if err != nil {
		logger.Warn("mongo unavailable, using in-memory store", zap.Error(err))
		st = memstore.New()
	} else {
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(shCtx)
		}()

		var bus *mq.Conn
		if bus, err = mq.Connect(cfg.NatsURL); err != nil {
			logger.Warn("nats unavailable, store subscriptions will be static", zap.Error(err))
			bus = nil
		} else {
			defer bus.Close()
		}
		st = mongostore.New(db, bus)
	}

	var cache *rdx.Client
	if cfg.RedisAddr != "" {
		cache = rdx.NewClient(cfg.RedisAddr)
		defer cache.Close()
	}

	self := chatsync.User{ID: cfg.UserID, Name: cfg.UserName}
	pres := presence.NewManager(st, cache, self.ID)
	typ := typing.NewController(st, self.ID)
	syn := chatsync.New(st, self)
	reacts := reactions.New(st, self.ID)

	h := hub.New(st, syn, typ, pres, reacts, cache, self)
	engine := calls.New(st, self.ID, h.Media(), pres)
	h.AttachEngine(engine)

	if err := engine.Run(ctx); err != nil {
		logger.Error("start call engine", zap.Error(err))
		os.Exit(1)
	}
	if err := h.Run(ctx); err != nil {
		logger.Error("start hub", zap.Error(err))
		os.Exit(1)
	}
	pres.Publish(ctx, true)

	router := httprouter.New()
	rl := ratelim.NewRateLimiter()
	routes.RoutesWrapper(router, rl, h)

	handler := middleware.SecurityHeaders(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(router))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("bridge listening", zap.String("addr", cfg.HTTPAddr), zap.String("user", self.ID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("serve", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Going offline is an immediate write, never throttled.
	offCtx, cancelOff := context.WithTimeout(context.Background(), 5*time.Second)
	pres.Publish(offCtx, false)
	cancelOff()

	shCtx, cancelSh := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSh()
	_ = srv.Shutdown(shCtx)
}
