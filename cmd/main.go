/**
 * @description
 * This is the main entry point for the wallet-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - context, fmt, log, net/http, os, os/signal, strings, syscall, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for the OTP issue-rate guard.
 * - internal/api, internal/app, internal/config, internal/otp, internal/store: Internal packages.
 * - pkg/bitnobclient, pkg/twilioclient, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/satchat/wallet-service/internal/api"
	"github.com/satchat/wallet-service/internal/app"
	"github.com/satchat/wallet-service/internal/config"
	"github.com/satchat/wallet-service/internal/otp"
	"github.com/satchat/wallet-service/internal/store"
	"github.com/satchat/wallet-service/pkg/bitnobclient"
	rmrabbit "github.com/satchat/wallet-service/pkg/rabbitmq"
	"github.com/satchat/wallet-service/pkg/twilioclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.BitnobWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook secret must be configured\" env=BITNOB_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting wallet-service\" port=%s", cfg.ServerPort)

	// Data layer: PostgreSQL when configured, in-memory otherwise so the
	// bot can run in development without a database.
	var repository store.Repository
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	} else {
		log.Println("level=warn component=bootstrap msg=\"no database url configured; using in-memory store\"")
		repository = store.NewMemoryRepository()
	}

	// Redis backs the distributed OTP issue-rate guard; without it the
	// in-process limiter still protects a single replica.
	var otpLimiter otp.RateLimiter = otp.NewMemoryRateLimiter()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-memory rate limiter\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-memory rate limiter\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
				otpLimiter = otp.NewRedisRateLimiter(redisClient, cfg.RedisRatePrefix)
			}
		}
	} else {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; otp rate limiting is per-process only\" env=REDIS_URL")
	}

	// External service clients.
	bitnobClient := bitnobclient.NewClient(cfg.BitnobAPIBaseURL, cfg.BitnobAPIKey, cfg.BitnobSecretKey, cfg.BitnobWebhookSecret)
	twilioClient := twilioclient.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppNumber)

	otpManager := otp.NewManager(repository, otpLimiter, otp.Config{
		CodeLength:  cfg.OTPLength,
		Expiry:      time.Duration(cfg.OTPExpiryMinutes) * time.Minute,
		MaxAttempts: cfg.OTPMaxAttempts,
		IssueLimit:  cfg.OTPIssueLimit,
		IssueWindow: time.Duration(cfg.OTPIssueWindowMinutes) * time.Minute,
	})

	// Initialize the core application service with its dependencies.
	walletService := app.NewService(repository, bitnobClient, twilioClient, otpManager, app.Config{
		MinSendSats:        cfg.MinSendAmountSats,
		MaxSendSats:        cfg.MaxSendAmountSats,
		LockoutCooldown:    time.Duration(cfg.LockoutCooldownSeconds) * time.Second,
		SessionIdleTimeout: time.Duration(cfg.SessionIdleTimeoutMinutes) * time.Minute,
	})

	transferConsumer := app.NewTransferStatusConsumer(repository, twilioClient)

	// Initialize the RabbitMQ producer to publish status events. When the
	// broker is down the webhook handler processes events inline instead.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		producer = rabbitProducer

		// The consumer only runs alongside a working producer; with the
		// fallback, events never reach the broker anyway.
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer init failed; status events handled inline\" err=%v", err)
			producer = &rmrabbit.EventProducerFallback{}
		} else {
			defer rabbitConsumer.Close()
			bindings := map[string]func([]byte) bool{
				"transaction.status.*": transferConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.WalletEventsExchange, cfg.TransferEventQueue, bindings); err != nil {
				log.Printf("level=warn component=bootstrap msg=\"transfer consumer start failed; status events handled inline\" err=%v", err)
				producer = &rmrabbit.EventProducerFallback{}
			}
		}
	}

	// Initialize the API handlers and router.
	// Inbound signature validation only runs when a Twilio auth token is
	// configured; local setups without one still accept plain form posts.
	var inboundAuth api.InboundAuthenticator
	if cfg.TwilioAuthToken != "" {
		inboundAuth = twilioClient
	}

	handlers := api.NewWebhookHandlers(walletService, transferConsumer, producer, bitnobClient, inboundAuth, cfg.AdminToken)
	router := api.Routes(handlers)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
