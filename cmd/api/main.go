package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KIMYOUNGGWANG/snapquote/internal/api"
	"github.com/KIMYOUNGGWANG/snapquote/internal/config"
	"github.com/KIMYOUNGGWANG/snapquote/internal/delivery"
	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
	"github.com/KIMYOUNGGWANG/snapquote/internal/queue"
	"github.com/KIMYOUNGGWANG/snapquote/internal/quota"
	"github.com/KIMYOUNGGWANG/snapquote/internal/ratelimit"
	"github.com/KIMYOUNGGWANG/snapquote/internal/scheduler"
	"github.com/KIMYOUNGGWANG/snapquote/internal/store"
	"github.com/KIMYOUNGGWANG/snapquote/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	provider, err := delivery.NewHTTPProvider(cfg.EmailAPIBaseURL, cfg.EmailAPIKey, cfg.EmailFromAddress, cfg.EmailSendTimeout)
	if err != nil {
		log.Fatalf("email provider: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	guard := quota.NewGuard(st).WithEvents(st)
	sched := scheduler.New(st, q)

	processor := worker.NewProcessor(cfg, st, q)
	emailHandler := worker.NewEmailHandler(provider, st, guard)
	processor.RegisterHandler(models.TaskEmailFollowup, emailHandler.Handle)
	processor.RegisterHandler(models.TaskReviewRequest, emailHandler.Handle)

	server := api.New(cfg, sched, processor, guard, st, provider, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
