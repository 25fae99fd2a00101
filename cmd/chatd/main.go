package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jobber/chat-app/internal/messaging"
	"github.com/jobber/chat-app/internal/presence"
	"github.com/jobber/chat-app/internal/ratelimit"
	"github.com/jobber/chat-app/internal/roomdb"
	"github.com/jobber/chat-app/internal/server"
)

func main() {
	config := server.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		config.UploadDir = v
	}
	config.Secret = os.Getenv("CHAT_AUTH_SECRET")
	if config.Secret == "" {
		log.Fatal("CHAT_AUTH_SECRET must be set")
	}

	// --- PostgreSQL ---
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost/chat?sslmode=disable"
	}
	db, err := roomdb.Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chatd-1"
	}

	pres, err := presence.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer pres.Close()

	limiter := ratelimit.NewLimiter(pres.Client())

	// --- NATS (optional: fan-out stays local without it) ---
	var bus *messaging.Client
	natsConfig := messaging.DefaultConfig()
	natsConfig.Name = serverName
	if url := os.Getenv("NATS_URL"); url != "" {
		natsConfig.URL = url
	}
	if os.Getenv("NATS_DISABLED") == "" {
		bus, err = messaging.Connect(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer bus.Close()
	}

	log.Printf("chatd starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  upload_dir:      %s", config.UploadDir)
	log.Printf("  database:        %s", dsn)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s (disabled=%v)", natsConfig.URL, bus == nil)
	log.Printf("  server_name:     %s", serverName)

	srv := server.New(config, db, pres, limiter, bus)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}
	log.Printf("chatd stopped")
}
