package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/communergy/trusted-entity/internal/config"
	"github.com/communergy/trusted-entity/internal/proof"
	"github.com/communergy/trusted-entity/internal/service/cleanup"
	"github.com/communergy/trusted-entity/internal/service/validation"
	"github.com/communergy/trusted-entity/internal/session"
	"github.com/communergy/trusted-entity/internal/token"
	transportHttp "github.com/communergy/trusted-entity/internal/transport/http"
	"github.com/communergy/trusted-entity/internal/transport/http/middleware"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found")
		}
	}

	cfg := config.LoadConfig()

	// Token verifier with the algorithm pinned from configuration.
	publicKeyPEM, err := cfg.LoadPublicKeyPEM()
	if err != nil {
		log.Fatalf("Failed to load validation public key: %v", err)
	}
	verifier, err := token.NewVerifier(publicKeyPEM, cfg.Algorithm)
	if err != nil {
		log.Fatalf("Failed to construct token verifier: %v", err)
	}

	// Session store. Redis shares sessions across replicas; the in-memory
	// store is single-process and relies on the sweeper for reclamation.
	var store session.Store
	var sweeper *cleanup.Worker
	if cfg.SessionStore == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Printf("[REDIS] Warning: Could not connect to Redis: %v. Falling back to in-memory sessions.", err)
			store, sweeper = newMemoryStore(cfg)
		} else {
			log.Println("[REDIS] Connected successfully")
			defer client.Close()
			store = session.NewRedisStore(client, cfg.SessionTTL, cfg.MaxResultsPerUser)
		}
	} else {
		store, sweeper = newMemoryStore(cfg)
	}
	if sweeper != nil {
		sweeper.Start()
		defer sweeper.Stop()
	}

	proofClient := proof.NewClient(cfg.ProofServiceURL, cfg.ProofTimeout)
	validationService := validation.NewService(verifier, store, proofClient, cfg.SessionTTL)
	validationHandler := transportHttp.NewValidationHandler(validationService)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	router.POST("/validate", validationHandler.PostValidate)
	router.GET("/validate", validationHandler.GetValidate)
	router.GET("/healthz", transportHttp.Healthz)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Trusted entity validation service starting on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited gracefully")
}

func newMemoryStore(cfg *config.Config) (*session.MemoryStore, *cleanup.Worker) {
	store := session.NewMemoryStore(cfg.SessionTTL, cfg.MaxResultsPerUser)
	return store, cleanup.NewWorker(store, cfg.SweepInterval)
}
