package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eacon/tokenpay/internal/api"
	"github.com/eacon/tokenpay/internal/audit"
	"github.com/eacon/tokenpay/internal/config"
	"github.com/eacon/tokenpay/internal/handler"
	"github.com/eacon/tokenpay/internal/infrastructure/gateway"
	"github.com/eacon/tokenpay/internal/infrastructure/kafka"
	"github.com/eacon/tokenpay/internal/infrastructure/redis"
	"github.com/eacon/tokenpay/internal/observability"
	"github.com/eacon/tokenpay/internal/ratelimit"
	core "github.com/eacon/tokenpay/internal/repository/postgres"
	service "github.com/eacon/tokenpay/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	shutdown, metricsHandler := observability.Setup("tokenpay")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	userRepo := core.NewPostgresUserRepository(db)
	paymentRepo := core.NewPostgresPaymentRepository(db)
	transactionRepo := core.NewPostgresTransactionRepository(db)

	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	auditor := audit.NewAuditor(producer)

	payosClient := gateway.NewPayOSClient(cfg.PayOS)

	authService := service.NewAuthService(userRepo, redisClient, cfg.JWTSecret)
	paymentService := service.NewPaymentService(userRepo, paymentRepo, transactionRepo, payosClient, auditor)

	limiter := ratelimit.NewRedisLimiter(redisClient, cfg.PaymentRateLimit, time.Minute)

	h := handler.NewHandler(authService, paymentService)
	router := api.SetupRouter(h, redisClient, limiter, metricsHandler, cfg.JWTSecret)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
