package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/KIMYOUNGGWANG/snapquote/internal/config"
	"github.com/KIMYOUNGGWANG/snapquote/internal/delivery"
	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
	"github.com/KIMYOUNGGWANG/snapquote/internal/queue"
	"github.com/KIMYOUNGGWANG/snapquote/internal/quota"
	"github.com/KIMYOUNGGWANG/snapquote/internal/store"
	"github.com/KIMYOUNGGWANG/snapquote/internal/telemetry"
	"github.com/KIMYOUNGGWANG/snapquote/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
	guard := quota.NewGuard(st).WithEvents(st)

	processor := worker.NewProcessor(cfg, st, q)
	emailHandler := worker.NewEmailHandler(provider, st, guard)
	processor.RegisterHandler(models.TaskEmailFollowup, emailHandler.Handle)
	processor.RegisterHandler(models.TaskReviewRequest, emailHandler.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with poll_interval=%s retry_base=%s", cfg.WorkerPollInterval, cfg.RetryBaseDelay)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
