package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	rd "github.com/redis/go-redis/v9"

	"github.com/ichristine180/iproxy-sub001/internal/client"
	"github.com/ichristine180/iproxy-sub001/internal/config"
	"github.com/ichristine180/iproxy-sub001/internal/db"
	"github.com/ichristine180/iproxy-sub001/internal/http"
	"github.com/ichristine180/iproxy-sub001/internal/jobs"
	"github.com/ichristine180/iproxy-sub001/internal/repository"
	"github.com/ichristine180/iproxy-sub001/internal/secrets"
	"github.com/ichristine180/iproxy-sub001/internal/service"
)

func main() {
	log.Println("Starting Proxy Fulfillment Service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	redisClient := rd.NewClient(&rd.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("WARNING: redis unreachable, rate limiting fails open: %v", err)
	}

	cipher, err := secrets.NewCipher(cfg.Encryption.Key)
	if err != nil {
		log.Fatalf("Failed to init cipher: %v", err)
	}

	// Repositories
	quotaRepo := repository.NewQuotaRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	connectionRepo := repository.NewConnectionRepository(pool)
	proxyRepo := repository.NewProxyRepository(pool)
	walletRepo := repository.NewWalletRepository(pool)
	eventRepo := repository.NewEventRepository(pool)

	// Clients
	deviceClient := client.NewDeviceClient(cfg.Device.BaseURL, cfg.Device.APIKey, cfg.Device.Timeout)
	notifierClient := client.NewNotifierClient(cfg.Notifier.ServiceURL, cfg.InternalSecret)

	// Services
	quotaService := service.NewQuotaService(quotaRepo, cfg.Quota.ReservationTTL, cfg.Quota.DeductTTL)
	connectionService := service.NewConnectionService(connectionRepo)
	provisionService := service.NewProvisionService(
		orderRepo,
		proxyRepo,
		connectionRepo,
		connectionService,
		quotaService,
		deviceClient,
		notifierClient,
		eventRepo,
		cipher,
	)
	paymentService := service.NewPaymentService(
		paymentRepo,
		orderRepo,
		quotaService,
		provisionService,
		eventRepo,
		service.PaymentConfig{
			Provider:             cfg.Payments.Provider,
			WebhookSecret:        cfg.Payments.WebhookSecret,
			AllowedIPs:           cfg.Payments.AllowedIPs,
			RejectOnBadSignature: cfg.Payments.RejectOnBadSignature,
			ReferencePrefix:      cfg.Payments.ReferencePrefix,
		},
	)
	orderService := service.NewOrderService(
		orderRepo,
		paymentRepo,
		walletRepo,
		proxyRepo,
		connectionRepo,
		quotaService,
		provisionService,
		eventRepo,
		cipher,
		cfg.Payments.Provider,
		cfg.Payments.ReferencePrefix,
	)

	// Background maintenance
	jobs.NewRunner(quotaService, orderService, cfg.Quota.SweepInterval).Start(ctx)

	server := http.NewServer(cfg, pool, redisClient, orderService, quotaService, provisionService, paymentService)

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Printf("Server starting on %s", addr)
		if err := server.Run(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	os.Exit(0)
}
